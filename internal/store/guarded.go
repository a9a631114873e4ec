package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"abuse-guard/internal/config"
	gerrors "abuse-guard/internal/errors"
	"abuse-guard/internal/metrics"
)

// Guarded wraps a Client with a per-call timeout and a circuit breaker. Every
// failure other than ErrNotFound comes back as a KindTransientStore error, so
// callers can apply their own fail policy without inspecting driver errors.
type Guarded struct {
	next    Client
	cb      *gobreaker.CircuitBreaker[interface{}]
	timeout time.Duration
}

// NewGuarded wraps next.
func NewGuarded(next Client, cfg config.StoreConfig, logger *slog.Logger) *Guarded {
	if logger == nil {
		logger = slog.Default()
	}
	settings := gobreaker.Settings{
		Name:        "store",
		MaxRequests: cfg.Breaker.MaxRequests,
		Interval:    cfg.Breaker.Interval,
		Timeout:     cfg.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Breaker.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("store circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
			metrics.SetBreakerOpen(to == gobreaker.StateOpen)
		},
		IsSuccessful: func(err error) bool {
			// Misses and caller cancellation say nothing about store health.
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled)
		},
	}

	timeout := cfg.OpTimeout
	if timeout <= 0 {
		timeout = 150 * time.Millisecond
	}

	return &Guarded{
		next:    next,
		cb:      gobreaker.NewCircuitBreaker[interface{}](settings),
		timeout: timeout,
	}
}

// State returns the breaker state name for health reporting.
func (g *Guarded) State() string {
	return g.cb.State().String()
}

func run[T any](g *Guarded, ctx context.Context, op string, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	v, err := g.cb.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	metrics.ObserveStoreOp(op, time.Since(start).Seconds())

	var zero T
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return zero, err
		}
		return zero, gerrors.Transient("store."+op, err)
	}
	return v.(T), nil
}

// WindowAdd implements Client.
func (g *Guarded) WindowAdd(ctx context.Context, key, member string, now time.Time, window time.Duration) (int64, error) {
	return run(g, ctx, "window_add", func(ctx context.Context) (int64, error) {
		return g.next.WindowAdd(ctx, key, member, now, window)
	})
}

// Set implements Client.
func (g *Guarded) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := run(g, ctx, "set", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.next.Set(ctx, key, value, ttl)
	})
	return err
}

// SetNX implements Client.
func (g *Guarded) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return run(g, ctx, "setnx", func(ctx context.Context) (bool, error) {
		return g.next.SetNX(ctx, key, value, ttl)
	})
}

// Get implements Client.
func (g *Guarded) Get(ctx context.Context, key string) ([]byte, error) {
	return run(g, ctx, "get", func(ctx context.Context) ([]byte, error) {
		return g.next.Get(ctx, key)
	})
}

// Exists implements Client.
func (g *Guarded) Exists(ctx context.Context, key string) (bool, error) {
	return run(g, ctx, "exists", func(ctx context.Context) (bool, error) {
		return g.next.Exists(ctx, key)
	})
}

// Delete implements Client.
func (g *Guarded) Delete(ctx context.Context, keys ...string) (int64, error) {
	return run(g, ctx, "delete", func(ctx context.Context) (int64, error) {
		return g.next.Delete(ctx, keys...)
	})
}

// CompareAndSwap implements Client.
func (g *Guarded) CompareAndSwap(ctx context.Context, key string, expected, value []byte) (bool, error) {
	return run(g, ctx, "cas", func(ctx context.Context) (bool, error) {
		return g.next.CompareAndSwap(ctx, key, expected, value)
	})
}

// ZAdd implements Client.
func (g *Guarded) ZAdd(ctx context.Context, key, member string, score float64) error {
	_, err := run(g, ctx, "zadd", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.next.ZAdd(ctx, key, member, score)
	})
	return err
}

// ZRevRange implements Client.
func (g *Guarded) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return run(g, ctx, "zrevrange", func(ctx context.Context) ([]string, error) {
		return g.next.ZRevRange(ctx, key, start, stop)
	})
}

// ZRem implements Client.
func (g *Guarded) ZRem(ctx context.Context, key string, members ...string) error {
	_, err := run(g, ctx, "zrem", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.next.ZRem(ctx, key, members...)
	})
	return err
}

// ZRemRangeByScore implements Client.
func (g *Guarded) ZRemRangeByScore(ctx context.Context, key string, max float64) (int64, error) {
	return run(g, ctx, "zremrangebyscore", func(ctx context.Context) (int64, error) {
		return g.next.ZRemRangeByScore(ctx, key, max)
	})
}

// Ping implements Client.
func (g *Guarded) Ping(ctx context.Context) error {
	_, err := run(g, ctx, "ping", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.next.Ping(ctx)
	})
	return err
}

// Close closes the wrapped client.
func (g *Guarded) Close() error {
	return g.next.Close()
}
