package proxy

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/observability"
)

// BreakerGroup holds one circuit breaker per backend host. Breakers
// count transport failures only; backend HTTP statuses pass through
// the gateway untouched and never trip a breaker.
type BreakerGroup struct {
	threshold uint32
	timeout   time.Duration
	logger    observability.Logger
	metrics   *observability.Metrics

	breakers sync.Map // backend host -> *gobreaker.CircuitBreaker
}

// BreakerGroupOption configures a BreakerGroup.
type BreakerGroupOption func(*BreakerGroup)

// WithBreakerLogger sets the logger for breaker state transitions.
func WithBreakerLogger(logger observability.Logger) BreakerGroupOption {
	return func(g *BreakerGroup) {
		g.logger = logger
	}
}

// WithBreakerMetrics exports breaker state through the gateway metrics.
func WithBreakerMetrics(metrics *observability.Metrics) BreakerGroupOption {
	return func(g *BreakerGroup) {
		g.metrics = metrics
	}
}

// NewBreakerGroup creates a breaker group from configuration. It
// returns nil when the breaker is disabled; a nil group is a valid
// no-op receiver for RoundTripper.
func NewBreakerGroup(cfg config.CircuitBreakerConfig, opts ...BreakerGroupOption) *BreakerGroup {
	if !cfg.Enabled {
		return nil
	}

	g := &BreakerGroup{
		threshold: safeIntToUint32(cfg.Threshold),
		timeout:   cfg.Timeout.Duration(),
		logger:    observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(g)
	}

	return g
}

// RoundTripper wraps base with the breaker for the given backend host.
// A nil group returns base unchanged.
func (g *BreakerGroup) RoundTripper(backend string, base http.RoundTripper) http.RoundTripper {
	if g == nil {
		return base
	}
	return &breakerTransport{cb: g.breaker(backend), base: base}
}

// breaker returns the breaker for a backend host, creating it on first
// use.
func (g *BreakerGroup) breaker(backend string) *gobreaker.CircuitBreaker {
	if cb, ok := g.breakers.Load(backend); ok {
		return cb.(*gobreaker.CircuitBreaker)
	}

	settings := gobreaker.Settings{
		Name: backend,
		// One probe request at a time while half-open.
		MaxRequests: 1,
		Timeout:     g.timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= g.threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Info("circuit breaker state change",
				observability.String("backend", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
			if g.metrics != nil {
				// 0=closed, 1=half-open, 2=open.
				g.metrics.SetBreakerState(name, int(to))
			}
		},
		IsSuccessful: func(err error) bool {
			// A client that walked away says nothing about the backend.
			return err == nil || errors.Is(err, context.Canceled)
		},
	}

	cb, _ := g.breakers.LoadOrStore(backend, gobreaker.NewCircuitBreaker(settings))
	return cb.(*gobreaker.CircuitBreaker)
}

// State returns the current state of the breaker for a backend host.
// It reports closed for unknown backends and nil groups.
func (g *BreakerGroup) State(backend string) gobreaker.State {
	if g == nil {
		return gobreaker.StateClosed
	}
	if cb, ok := g.breakers.Load(backend); ok {
		return cb.(*gobreaker.CircuitBreaker).State()
	}
	return gobreaker.StateClosed
}

// breakerTransport routes each attempt through the breaker so that an
// open breaker fails fast without dialing.
type breakerTransport struct {
	cb   *gobreaker.CircuitBreaker
	base http.RoundTripper
}

func (t *breakerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	resp, err := t.cb.Execute(func() (interface{}, error) {
		return t.base.RoundTrip(r)
	})
	if err != nil {
		return nil, err
	}
	return resp.(*http.Response), nil
}

// isBreakerOpen reports whether err came from an open or saturated
// breaker rather than from the network.
func isBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// safeIntToUint32 clamps n into the uint32 range.
func safeIntToUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	if uint64(n) > uint64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(n)
}
