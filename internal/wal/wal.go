// Package wal implements the write-ahead log as a chain of immutable
// objects. Each object holds one group-committed batch and is named by the
// first sequence it contains, so the successor of a batch ending at seq e is
// always the object named e+1. Replay follows that chain with plain GETs and
// never depends on listing.
package wal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cumulodb/cumulo/internal/codec"
	"github.com/cumulodb/cumulo/objstore"
)

var (
	ErrClosed = errors.New("wal: writer closed")
	// ErrFenced means another writer owns the log's next position. The
	// single-writer-per-namespace invariant was violated; this writer is
	// permanently unusable.
	ErrFenced = errors.New("wal: fenced by another writer")
)

// Options configures the writer.
type Options struct {
	Compression     codec.Type
	MaxBatchEntries int
	MaxBatchBytes   int64

	// OnCommit is invoked once per durable object with every entry it
	// carries, before the appenders are acknowledged. Calls are sequential
	// and in ascending sequence order. Applying each call atomically keeps
	// flush watermarks on object boundaries, which replay depends on.
	OnCommit func(entries []Entry)
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		Compression:     codec.Zstd,
		MaxBatchEntries: 4096,
		MaxBatchBytes:   8 << 20,
	}
}

type pendingBatch struct {
	entries []Entry
	bytes   int64
	done    chan struct{}
	err     error
}

// Writer appends batches to the log. Concurrent Appends are group-committed:
// a single background goroutine drains whatever is queued into one object
// and acks every caller after the PUT succeeds. An append is never
// acknowledged before it is durable.
type Writer struct {
	store  objstore.Store
	prefix string
	logger *slog.Logger
	opts   Options

	mu         sync.Mutex
	queue      []*pendingBatch
	nextSeq    uint64
	durableSeq uint64
	closed     bool
	lastErr    error

	notify chan struct{}
	wg     sync.WaitGroup
}

// NewWriter starts a writer whose first assigned sequence is nextSeq.
// Recovery determines nextSeq by replaying the chain.
func NewWriter(store objstore.Store, prefix string, nextSeq uint64, logger *slog.Logger, opts Options) *Writer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if !opts.Compression.Valid() {
		opts.Compression = codec.Zstd
	}
	if opts.MaxBatchEntries <= 0 {
		opts.MaxBatchEntries = DefaultOptions().MaxBatchEntries
	}
	if opts.MaxBatchBytes <= 0 {
		opts.MaxBatchBytes = DefaultOptions().MaxBatchBytes
	}
	if nextSeq == 0 {
		nextSeq = 1
	}

	w := &Writer{
		store:      store,
		prefix:     prefix,
		logger:     logger,
		opts:       opts,
		nextSeq:    nextSeq,
		durableSeq: nextSeq - 1,
		notify:     make(chan struct{}, 1),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Append assigns sequences to entries, queues them, and blocks until the
// batch is durable. On context cancellation the entries may still become
// durable; replay resolves the ambiguity.
func (w *Writer) Append(ctx context.Context, entries []Entry) (startSeq, endSeq uint64, err error) {
	if len(entries) == 0 {
		return 0, 0, fmt.Errorf("wal: empty append")
	}

	b := &pendingBatch{done: make(chan struct{})}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return 0, 0, ErrClosed
	}
	if w.lastErr != nil {
		err := w.lastErr
		w.mu.Unlock()
		return 0, 0, err
	}
	startSeq = w.nextSeq
	for i := range entries {
		entries[i].Seq = w.nextSeq
		w.nextSeq++
		b.bytes += approxEntryBytes(entries[i])
	}
	endSeq = w.nextSeq - 1
	b.entries = entries
	w.queue = append(w.queue, b)
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}

	select {
	case <-b.done:
		return startSeq, endSeq, b.err
	case <-ctx.Done():
		return startSeq, endSeq, ctx.Err()
	}
}

// DurableSeq returns the highest sequence known durable.
func (w *Writer) DurableSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.durableSeq
}

// NextSeq returns the next sequence the writer will assign.
func (w *Writer) NextSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextSeq
}

// Close drains queued batches and stops the writer. It returns the terminal
// error if the writer failed earlier.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.closed = true
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

func (w *Writer) run() {
	defer w.wg.Done()
	for {
		<-w.notify
		for {
			w.mu.Lock()
			if len(w.queue) == 0 {
				closed := w.closed
				w.mu.Unlock()
				if closed {
					return
				}
				break
			}
			batches, entries := w.takeLocked()
			w.mu.Unlock()
			w.commit(batches, entries)
		}
	}
}

// takeLocked removes a caps-bounded prefix of the queue. At least one batch
// is always taken so a single oversized append still commits.
func (w *Writer) takeLocked() ([]*pendingBatch, []Entry) {
	var (
		taken   []*pendingBatch
		entries []Entry
		size    int64
	)
	for len(w.queue) > 0 {
		b := w.queue[0]
		if len(taken) > 0 {
			if len(entries)+len(b.entries) > w.opts.MaxBatchEntries ||
				size+b.bytes > w.opts.MaxBatchBytes {
				break
			}
		}
		w.queue = w.queue[1:]
		taken = append(taken, b)
		entries = append(entries, b.entries...)
		size += b.bytes
	}
	return taken, entries
}

func (w *Writer) commit(batches []*pendingBatch, entries []Entry) {
	data, err := encodeBatch(entries, w.opts.Compression)
	var key string
	if err == nil {
		key = Key(w.prefix, entries[0].Seq)
		err = w.put(key, data)
	}
	if err != nil {
		w.fail(batches, err)
		return
	}

	endSeq := entries[len(entries)-1].Seq
	w.mu.Lock()
	if endSeq > w.durableSeq {
		w.durableSeq = endSeq
	}
	w.mu.Unlock()

	w.logger.Debug("wal batch committed",
		slog.String("key", key),
		slog.Int("entries", len(entries)),
		slog.Int("appends", len(batches)))

	if w.opts.OnCommit != nil {
		w.opts.OnCommit(entries)
	}

	for _, b := range batches {
		close(b.done)
	}
}

// put writes the batch create-only. A precondition failure normally means a
// second writer claimed this position; it can also be our own earlier
// attempt whose success was lost to a transient error, so the existing bytes
// are compared before declaring the writer fenced.
func (w *Writer) put(key string, data []byte) error {
	ctx := context.Background()
	_, err := w.store.PutIf(ctx, key, data, objstore.VersionAbsent)
	if errors.Is(err, objstore.ErrPreconditionFailed) {
		existing, _, gerr := w.store.Get(ctx, key)
		if gerr == nil && bytes.Equal(existing, data) {
			return nil
		}
		return fmt.Errorf("%w: %q already written", ErrFenced, key)
	}
	return err
}

// fail poisons the writer. Queued batches are rejected as well: with a hole
// at the failed position the chain must not grow past it.
func (w *Writer) fail(batches []*pendingBatch, err error) {
	w.mu.Lock()
	if w.lastErr == nil {
		w.lastErr = err
	}
	queued := w.queue
	w.queue = nil
	w.mu.Unlock()

	w.logger.Error("wal append failed", slog.Any("error", err))

	for _, b := range batches {
		b.err = err
		close(b.done)
	}
	for _, b := range queued {
		b.err = err
		close(b.done)
	}
}
