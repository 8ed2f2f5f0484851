// Package retry runs store operations under a failsafe retry policy that
// only retries store.ErrUnavailable.
package retry

import (
	"context"
	"time"

	"github.com/Rofiq02bae/coffeepoint/internal/logger"
	"github.com/Rofiq02bae/coffeepoint/internal/metrics"
	"github.com/Rofiq02bae/coffeepoint/internal/store"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func Default() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  50 * time.Millisecond,
		MaxDelay:   2 * time.Second,
	}
}

func normalize(cfg Config) Config {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	return cfg
}

// NewPolicy builds a retry policy for operation op. The last error is
// returned unchanged once retries are exhausted.
func NewPolicy[T any](cfg Config, op string) retrypolicy.RetryPolicy[T] {
	cfg = normalize(cfg)
	return retrypolicy.NewBuilder[T]().
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(func(_ T, err error) bool {
			return store.IsRetryable(err)
		}).
		ReturnLastFailure().
		OnRetry(func(e failsafe.ExecutionEvent[T]) {
			metrics.RecordStoreRetry(op)
			logger.Warn("retrying store operation", "op", op, "attempt", e.Attempts(), "error", e.LastError())
		}).
		Build()
}

// Do runs fn until it succeeds, fails with a non-retryable error, ctx is
// done or the retry budget is spent.
func Do[T any](ctx context.Context, cfg Config, op string, fn func() (T, error)) (T, error) {
	return failsafe.With[T](NewPolicy[T](cfg, op)).WithContext(ctx).Get(fn)
}
