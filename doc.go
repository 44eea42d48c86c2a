// Package cumulo provides a vector search engine whose durable state lives
// entirely in an object store.
//
// A deployment is a set of namespaces under a common key prefix. Each
// namespace is an independent vector collection with a fixed dimension,
// distance metric and attribute schema. Writes land in a write-ahead log and
// an in-memory table, flushes turn the table into immutable segment objects,
// and a single manifest object names the live segments. Every state
// transition is a conditional PUT against the manifest, so any number of
// processes can operate on the same namespace without external coordination.
//
// # Quick Start
//
//	ctx := context.Background()
//	db, _ := cumulo.Open(store)
//	defer db.Close(ctx)
//
//	_ = db.CreateNamespace(ctx, "articles", cumulo.NamespaceConfig{
//	    Dimension: 128,
//	    Metric:    cumulo.MetricCosine,
//	    Schema:    attrs.Schema{"category": attrs.KindString, "year": attrs.KindInt},
//	})
//
//	ns, _ := db.Namespace(ctx, "articles")
//	_ = ns.Insert(ctx, cumulo.Record{
//	    ID:     1,
//	    Vector: embedding,
//	    Attrs:  attrs.Map{"category": attrs.String("tech"), "year": attrs.Int(2026)},
//	})
//
//	res, _ := ns.Search(ctx, cumulo.SearchRequest{
//	    Vector: query,
//	    K:      10,
//	    Filter: attrs.NewFilterSet(attrs.Filter{Field: "category", Operator: attrs.OpEqual, Value: attrs.String("tech")}),
//	})
//	for _, hit := range res.Hits {
//	    fmt.Println(hit.ID, hit.Distance)
//	}
//
// # Durability
//
// Insert and Delete return only after the mutation is in a durable WAL
// object. Flush, compaction and garbage collection run in the background; a
// namespace reopened after a crash replays the WAL tail and continues where
// it left off. When two processes append to the same namespace, the first
// durable write wins and the loser's writer is fenced: its appends fail with
// ErrDurability and the caller must reopen to resume.
//
// # Consistency
//
// Visibility derives from single-key reads of the manifest and the WAL
// chain, which the store must serve read-after-write. Object listings are
// used only for maintenance sweeps and never decide what data exists. A
// handle serves snapshot-consistent reads: its own writes are visible
// immediately, writes committed by other processes become visible on reopen.
//
// # Degraded Results
//
// When a segment cannot be searched, the query is answered from the
// remaining data and the result carries Degraded=true rather than failing
// outright. Segments that fail validation are quarantined in the manifest,
// excluded from queries and kept for inspection; they are never silently
// deleted.
//
// # Key Features
//
//   - Durable state entirely in object storage, no local disk required
//   - Multi-process safe via conditional PUT, no lock service
//   - HNSW graph per segment with typed attribute filtering
//   - Write-ahead log with group commit and zombie-writer fencing
//   - Size-tiered compaction and age-guarded garbage collection
//   - Block cache and resource governor shared across namespaces
package cumulo
