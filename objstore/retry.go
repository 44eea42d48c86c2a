package objstore

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds how transient store failures are retried. The same
// policy is applied uniformly to WAL, segment, manifest and GC traffic.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first one.
	MaxAttempts int

	// BaseDelay is the backoff before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration

	// Multiplier scales the delay after each failed attempt.
	Multiplier float64
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
	}
}

func (p RetryPolicy) validate() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 50 * time.Millisecond
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2.0
	}
	return p
}

// delay returns the backoff before retry attempt (1-based), with equal
// jitter so concurrent retriers spread out.
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxDelay) {
			d = float64(p.MaxDelay)
			break
		}
	}
	half := time.Duration(d) / 2
	return half + rand.N(half+1)
}

// retryStore decorates a Store with bounded retries on transient failures.
// Precondition failures and not-found results pass through untouched; only
// errors marked transient by the backend are retried.
type retryStore struct {
	inner  Store
	policy RetryPolicy
	log    *slog.Logger
}

// WithRetries wraps store so every operation retries transient failures with
// exponential backoff per policy. A nil logger disables retry logging.
func WithRetries(store Store, policy RetryPolicy, log *slog.Logger) Store {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &retryStore{inner: store, policy: policy.validate(), log: log}
}

func (r *retryStore) do(ctx context.Context, op, key string, fn func() error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil || !IsTransient(err) {
			return err
		}
		if attempt >= r.policy.MaxAttempts {
			return fmt.Errorf("%s %q: %d attempts: %w", op, key, attempt, err)
		}

		delay := r.policy.delay(attempt)
		r.log.DebugContext(ctx, "retrying object store operation",
			slog.String("op", op),
			slog.String("key", key),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay),
			slog.Any("error", err),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (r *retryStore) Get(ctx context.Context, key string) ([]byte, Version, error) {
	var (
		data []byte
		ver  Version
	)
	err := r.do(ctx, "get", key, func() error {
		var err error
		data, ver, err = r.inner.Get(ctx, key)
		return err
	})
	return data, ver, err
}

func (r *retryStore) GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	var data []byte
	err := r.do(ctx, "get_range", key, func() error {
		var err error
		data, err = r.inner.GetRange(ctx, key, offset, length)
		return err
	})
	return data, err
}

func (r *retryStore) Put(ctx context.Context, key string, data []byte) (Version, error) {
	var ver Version
	err := r.do(ctx, "put", key, func() error {
		var err error
		ver, err = r.inner.Put(ctx, key, data)
		return err
	})
	return ver, err
}

func (r *retryStore) PutIf(ctx context.Context, key string, data []byte, expected Version) (Version, error) {
	var ver Version
	err := r.do(ctx, "put_if", key, func() error {
		var err error
		ver, err = r.inner.PutIf(ctx, key, data, expected)
		return err
	})
	return ver, err
}

func (r *retryStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := r.do(ctx, "list", prefix, func() error {
		var err error
		keys, err = r.inner.List(ctx, prefix)
		return err
	})
	return keys, err
}

func (r *retryStore) Delete(ctx context.Context, key string) error {
	return r.do(ctx, "delete", key, func() error {
		return r.inner.Delete(ctx, key)
	})
}

func (r *retryStore) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	var info ObjectInfo
	err := r.do(ctx, "stat", key, func() error {
		var err error
		info, err = r.inner.Stat(ctx, key)
		return err
	})
	return info, err
}
