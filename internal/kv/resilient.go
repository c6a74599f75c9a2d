package kv

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/elonfeng/feedrank/internal/metrics"
	"github.com/elonfeng/feedrank/pkg/ranking"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

// ResilienceOptions tunes retries and the circuit breaker.
type ResilienceOptions struct {
	MaxRetries          uint64
	InitialInterval     time.Duration
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

// Resilient wraps a KeyValueCache with bounded exponential retries and a
// circuit breaker, so callers see one error per failed call and fail fast
// while the backend is down.
type Resilient struct {
	next   ranking.KeyValueCache
	cb     *gobreaker.CircuitBreaker[any]
	opts   ResilienceOptions
	logger zerolog.Logger
}

// NewResilient wraps next.
func NewResilient(next ranking.KeyValueCache, opts ResilienceOptions, logger zerolog.Logger) *Resilient {
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 50 * time.Millisecond
	}
	if opts.ConsecutiveFailures == 0 {
		opts.ConsecutiveFailures = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}
	logger = logger.With().Str("component", "kv").Logger()

	threshold := opts.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "kv-cache",
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CacheBreakerState.Set(float64(to))
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("cache breaker state change")
		},
	})

	return &Resilient{next: next, cb: cb, opts: opts, logger: logger}
}

// State returns the breaker state.
func (r *Resilient) State() gobreaker.State {
	return r.cb.State()
}

func (r *Resilient) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.do(ctx, "get", func() (any, error) { return r.next.Get(ctx, key) })
	if err != nil {
		return nil, err
	}
	b, _ := v.([]byte)
	return b, nil
}

func (r *Resilient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := r.do(ctx, "set", func() (any, error) { return nil, r.next.Set(ctx, key, value, ttl) })
	return err
}

func (r *Resilient) Delete(ctx context.Context, key string) error {
	_, err := r.do(ctx, "delete", func() (any, error) { return nil, r.next.Delete(ctx, key) })
	return err
}

func (r *Resilient) DeleteByPattern(ctx context.Context, pattern string) (int, error) {
	v, err := r.do(ctx, "delete_pattern", func() (any, error) { return r.next.DeleteByPattern(ctx, pattern) })
	if err != nil {
		return 0, err
	}
	n, _ := v.(int)
	return n, nil
}

func (r *Resilient) do(ctx context.Context, op string, fn func() (any, error)) (any, error) {
	v, err := r.cb.Execute(func() (any, error) {
		var out any
		retryErr := backoff.Retry(func() error {
			var err error
			out, err = fn()
			return err
		}, r.policy(ctx))
		return out, retryErr
	})
	if err != nil {
		metrics.CacheErrors.WithLabelValues(op).Inc()
		return nil, err
	}
	return v, nil
}

func (r *Resilient) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.InitialInterval
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 5 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(b, r.opts.MaxRetries), ctx)
}
