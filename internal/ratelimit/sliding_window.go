package ratelimit

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgegate/edgegate/internal/observability"
)

// Compile-time checks.
var (
	_ Limiter   = (*SlidingWindowLimiter)(nil)
	_ io.Closer = (*SlidingWindowLimiter)(nil)
)

// SlidingWindowLimiter admits at most limit requests per key in any
// window-sized interval. Per-key state is an ordered slice of admission
// times behind a per-key mutex; keys live in a sync.Map so independent
// identities never contend.
//
// A janitor goroutine sweeps idle keys. Close stops it.
type SlidingWindowLimiter struct {
	limit  int
	window time.Duration

	windows  sync.Map // key -> *windowState
	keyCount atomic.Int64

	idleFactor int
	logger     observability.Logger
	metrics    *observability.Metrics

	stop      chan struct{}
	closeOnce sync.Once
}

// windowState is the admission history for one key.
type windowState struct {
	mu       sync.Mutex
	times    []time.Time // ascending
	lastSeen time.Time
}

// NewSlidingWindow creates a sliding window limiter and starts its
// eviction janitor.
func NewSlidingWindow(limit int, window time.Duration, opts ...Option) *SlidingWindowLimiter {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.janitorInterval == 0 {
		o.janitorInterval = window
	}

	l := &SlidingWindowLimiter{
		limit:      limit,
		window:     window,
		idleFactor: o.idleFactor,
		logger:     o.logger,
		metrics:    o.metrics,
		stop:       make(chan struct{}),
	}

	go l.janitor(o.janitorInterval)

	return l
}

// Allow implements Limiter. Both the admit and reject paths run under
// the same per-key critical section, so concurrent callers cannot
// overshoot the limit.
func (l *SlidingWindowLimiter) Allow(ctx context.Context, key string) (*Result, error) {
	now := time.Now()
	ws := l.state(key)

	ws.mu.Lock()
	defer ws.mu.Unlock()

	ws.lastSeen = now

	// Drop admissions that have left the window. times is ascending, so
	// scan from the front and shift the survivors down in place.
	windowStart := now.Add(-l.window)
	i := 0
	for i < len(ws.times) && !ws.times[i].After(windowStart) {
		i++
	}
	if i > 0 {
		ws.times = ws.times[:copy(ws.times, ws.times[i:])]
	}

	if len(ws.times) < l.limit {
		ws.times = append(ws.times, now)
		return &Result{
			Allowed:   true,
			Limit:     l.limit,
			Remaining: l.limit - len(ws.times),
		}, nil
	}

	retryAfter := ws.times[0].Add(l.window).Sub(now)
	if retryAfter < 0 {
		retryAfter = 0
	}

	return &Result{
		Allowed:    false,
		Limit:      l.limit,
		RetryAfter: retryAfter,
	}, nil
}

// ActiveKeys returns the number of keys currently held.
func (l *SlidingWindowLimiter) ActiveKeys() int {
	return int(l.keyCount.Load())
}

// Close stops the janitor. Safe to call more than once.
func (l *SlidingWindowLimiter) Close() error {
	l.closeOnce.Do(func() {
		close(l.stop)
	})
	return nil
}

func (l *SlidingWindowLimiter) state(key string) *windowState {
	if v, ok := l.windows.Load(key); ok {
		return v.(*windowState)
	}

	v, loaded := l.windows.LoadOrStore(key, &windowState{})
	if !loaded {
		l.keyCount.Add(1)
		l.exportKeyCount()
	}
	return v.(*windowState)
}

func (l *SlidingWindowLimiter) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evictIdle()
		case <-l.stop:
			return
		}
	}
}

// evictIdle deletes keys that saw no traffic for idleFactor windows.
// Rejected requests count as traffic: a key that is busy being throttled
// stays resident.
func (l *SlidingWindowLimiter) evictIdle() {
	cutoff := time.Now().Add(-time.Duration(l.idleFactor) * l.window)
	evicted := 0

	l.windows.Range(func(key, value interface{}) bool {
		ws := value.(*windowState)

		ws.mu.Lock()
		idle := ws.lastSeen.Before(cutoff)
		ws.mu.Unlock()

		if idle {
			l.windows.Delete(key)
			l.keyCount.Add(-1)
			evicted++
		}
		return true
	})

	if evicted > 0 {
		l.logger.Debug("evicted idle rate limit keys",
			observability.Int("evicted", evicted),
			observability.Int("active", l.ActiveKeys()),
		)
	}
	l.exportKeyCount()
}

func (l *SlidingWindowLimiter) exportKeyCount() {
	if l.metrics != nil {
		l.metrics.SetRateLimitActiveKeys(l.ActiveKeys())
	}
}
