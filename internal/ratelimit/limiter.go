// Package ratelimit enforces per-identity request budgets. Limiters
// count admissions per key; the key is the token subject for
// authenticated traffic and the client address otherwise.
package ratelimit

import (
	"context"
	"time"

	"github.com/edgegate/edgegate/internal/observability"
)

// Key prefixes separate the two identity namespaces so a client named
// "10.0.0.1" can never collide with the address 10.0.0.1.
const (
	subjectKeyPrefix = "sub:"
	addressKeyPrefix = "ip:"
)

// SubjectKey returns the limiter key for an authenticated subject.
func SubjectKey(subject string) string {
	return subjectKeyPrefix + subject
}

// AddressKey returns the limiter key for an anonymous client address.
func AddressKey(host string) string {
	return addressKeyPrefix + host
}

// Limiter decides whether one request under the given key may proceed.
// Implementations must be safe for concurrent use and must synchronize
// per key rather than globally.
type Limiter interface {
	Allow(ctx context.Context, key string) (*Result, error)
}

// Result is the outcome of a limiter check.
type Result struct {
	// Allowed reports whether the request was admitted. An admitted
	// request has already been counted.
	Allowed bool

	// Limit is the configured number of requests per window.
	Limit int

	// Remaining is the budget left in the current window.
	Remaining int

	// RetryAfter is how long until the oldest counted request leaves the
	// window. Zero when Allowed.
	RetryAfter time.Duration
}

// options are shared across limiter constructors.
type options struct {
	logger          observability.Logger
	metrics         *observability.Metrics
	idleFactor      int
	burst           int
	janitorInterval time.Duration
}

// Option is a functional option for limiter constructors.
type Option func(*options)

// WithLimiterLogger sets the logger.
func WithLimiterLogger(logger observability.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLimiterMetrics lets the limiter export its active-key gauge.
func WithLimiterMetrics(metrics *observability.Metrics) Option {
	return func(o *options) {
		o.metrics = metrics
	}
}

// WithIdleFactor sets how many idle windows a key survives before the
// janitor evicts it.
func WithIdleFactor(factor int) Option {
	return func(o *options) {
		if factor > 0 {
			o.idleFactor = factor
		}
	}
}

// WithBurst sets the token bucket burst size. Defaults to the full
// window budget.
func WithBurst(burst int) Option {
	return func(o *options) {
		if burst > 0 {
			o.burst = burst
		}
	}
}

// WithJanitorInterval overrides how often idle keys are swept. Defaults
// to the window length.
func WithJanitorInterval(interval time.Duration) Option {
	return func(o *options) {
		if interval > 0 {
			o.janitorInterval = interval
		}
	}
}

func defaultOptions() options {
	return options{
		logger:     observability.NopLogger(),
		idleFactor: 3,
	}
}

// NoopLimiter admits everything. Used when rate limiting is disabled.
type NoopLimiter struct{}

// NewNoopLimiter creates a limiter that always allows.
func NewNoopLimiter() *NoopLimiter {
	return &NoopLimiter{}
}

// Allow implements Limiter.
func (l *NoopLimiter) Allow(ctx context.Context, key string) (*Result, error) {
	return &Result{Allowed: true}, nil
}
