package wal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/cumulodb/cumulo/objstore"
)

// Key returns the object key of the batch starting at startSeq. Sequences
// are zero-padded so lexicographic and numeric order agree.
func Key(prefix string, startSeq uint64) string {
	return fmt.Sprintf("%s/%020d", prefix, startSeq)
}

func seqFromKey(prefix, key string) (uint64, error) {
	name, ok := strings.CutPrefix(key, prefix+"/")
	if !ok || len(name) != 20 {
		return 0, fmt.Errorf("wal: malformed key %q", key)
	}
	seq, err := strconv.ParseUint(name, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("wal: malformed key %q: %w", key, err)
	}
	return seq, nil
}

// Replay follows the chain starting at fromSeq and calls fn for every entry
// in sequence order. It stops cleanly at the first missing object, which is
// the end of the chain; any decode failure is returned because a damaged
// chain cannot be skipped over. Returns the last sequence applied, or
// fromSeq-1 when the chain is empty.
func Replay(ctx context.Context, store objstore.Store, prefix string, fromSeq uint64, fn func(Entry) error) (uint64, error) {
	if fromSeq == 0 {
		fromSeq = 1
	}
	lastSeq := fromSeq - 1
	next := fromSeq

	for {
		key := Key(prefix, next)
		data, _, err := store.Get(ctx, key)
		if errors.Is(err, objstore.ErrNotFound) {
			return lastSeq, nil
		}
		if err != nil {
			return lastSeq, fmt.Errorf("wal: replay read %q: %w", key, err)
		}

		entries, err := decodeBatch(data)
		if err != nil {
			return lastSeq, fmt.Errorf("wal: replay %q: %w", key, err)
		}
		if entries[0].Seq != next {
			return lastSeq, fmt.Errorf("%w: %q starts at seq %d, expected %d",
				ErrCorrupt, key, entries[0].Seq, next)
		}

		for _, e := range entries {
			if err := fn(e); err != nil {
				return lastSeq, err
			}
			lastSeq = e.Seq
		}
		next = lastSeq + 1
	}
}

// Prune deletes batch objects wholly covered by committedSeq. A key encodes
// only its batch's first sequence, so a batch is provably covered when its
// successor starts at or below committedSeq+1; the newest object is left in
// place unconditionally. Listing is safe here: an object the listing misses
// is simply pruned on a later pass.
func Prune(ctx context.Context, store objstore.Store, prefix string, committedSeq uint64, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	keys, err := store.List(ctx, prefix+"/")
	if err != nil {
		return 0, fmt.Errorf("wal: prune list: %w", err)
	}
	slices.Sort(keys)

	deleted := 0
	for i := 0; i+1 < len(keys); i++ {
		if _, err := seqFromKey(prefix, keys[i]); err != nil {
			logger.Warn("skipping foreign object under wal prefix", slog.String("key", keys[i]))
			continue
		}
		nextStart, err := seqFromKey(prefix, keys[i+1])
		if err != nil {
			logger.Warn("skipping foreign object under wal prefix", slog.String("key", keys[i+1]))
			continue
		}
		if nextStart > committedSeq+1 {
			break
		}
		if err := store.Delete(ctx, keys[i]); err != nil {
			return deleted, fmt.Errorf("wal: prune %q: %w", keys[i], err)
		}
		deleted++
	}
	return deleted, nil
}
