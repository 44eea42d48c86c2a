// Package resource enforces process-wide limits on the memory, background
// concurrency and background IO the engine consumes. Queries are never
// throttled here; the IO budget applies to flush, compaction and GC only.
package resource

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrMemoryLimitExceeded is returned when a reservation would exceed the
// configured memory limit.
var ErrMemoryLimitExceeded = errors.New("resource: memory limit exceeded")

// Config holds the resource limits.
type Config struct {
	// MemoryLimitBytes is the hard limit for managed memory (memtables,
	// block cache, resident index sections). 0 disables the limit; usage is
	// still tracked.
	MemoryLimitBytes int64

	// MaxBackgroundWorkers caps concurrently running background jobs
	// (flush, compaction, GC). 0 defaults to 1.
	MaxBackgroundWorkers int64

	// IOLimitBytesPerSec caps object-store throughput of background jobs.
	// 0 disables the limit.
	IOLimitBytesPerSec int64
}

// Governor tracks and enforces the configured limits. A nil Governor is
// valid and enforces nothing.
type Governor struct {
	cfg Config

	memSem  *semaphore.Weighted // nil if unlimited
	memUsed atomic.Int64

	bgSem *semaphore.Weighted

	ioLimiter *rate.Limiter
}

// NewGovernor creates a governor for the given limits.
func NewGovernor(cfg Config) *Governor {
	if cfg.MaxBackgroundWorkers <= 0 {
		cfg.MaxBackgroundWorkers = 1
	}

	g := &Governor{
		cfg:   cfg,
		bgSem: semaphore.NewWeighted(cfg.MaxBackgroundWorkers),
	}

	if cfg.MemoryLimitBytes > 0 {
		g.memSem = semaphore.NewWeighted(cfg.MemoryLimitBytes)
	}

	if cfg.IOLimitBytesPerSec > 0 {
		g.ioLimiter = rate.NewLimiter(rate.Limit(cfg.IOLimitBytesPerSec), int(cfg.IOLimitBytesPerSec))
	}

	return g
}

// AcquireMemory reserves bytes of managed memory. Non-blocking; returns
// ErrMemoryLimitExceeded when the reservation does not fit, leaving the
// retry policy to the caller.
func (g *Governor) AcquireMemory(bytes int64) error {
	if g == nil || bytes <= 0 {
		return nil
	}

	if g.memSem != nil && !g.memSem.TryAcquire(bytes) {
		return ErrMemoryLimitExceeded
	}
	g.memUsed.Add(bytes)
	return nil
}

// ReleaseMemory returns a prior reservation.
func (g *Governor) ReleaseMemory(bytes int64) {
	if g == nil || bytes <= 0 {
		return
	}

	if g.memSem != nil {
		g.memSem.Release(bytes)
	}
	g.memUsed.Add(-bytes)
}

// MemoryUsage returns the currently reserved bytes.
func (g *Governor) MemoryUsage() int64 {
	if g == nil {
		return 0
	}
	return g.memUsed.Load()
}

// MemoryLimit returns the configured limit, 0 if unlimited.
func (g *Governor) MemoryLimit() int64 {
	if g == nil {
		return 0
	}
	return g.cfg.MemoryLimitBytes
}

// AcquireBackground reserves a background worker slot, blocking until one
// frees up or ctx is done.
func (g *Governor) AcquireBackground(ctx context.Context) error {
	if g == nil {
		return ctx.Err()
	}
	return g.bgSem.Acquire(ctx, 1)
}

// TryAcquireBackground reserves a worker slot without blocking.
func (g *Governor) TryAcquireBackground() bool {
	if g == nil {
		return true
	}
	return g.bgSem.TryAcquire(1)
}

// ReleaseBackground returns a worker slot.
func (g *Governor) ReleaseBackground() {
	if g == nil {
		return
	}
	g.bgSem.Release(1)
}

// AcquireIO waits until the background IO budget admits the given number of
// bytes. Large transfers are admitted in limiter-burst sized slices.
func (g *Governor) AcquireIO(ctx context.Context, bytes int) error {
	if g == nil || g.ioLimiter == nil || bytes <= 0 {
		return nil
	}

	burst := g.ioLimiter.Burst()
	for bytes > 0 {
		n := bytes
		if n > burst {
			n = burst
		}
		if err := g.ioLimiter.WaitN(ctx, n); err != nil {
			return err
		}
		bytes -= n
	}
	return nil
}
