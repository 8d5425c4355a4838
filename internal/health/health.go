// Package health provides the gateway's liveness and readiness
// endpoints. Liveness only proves the process serves HTTP; readiness
// probes each configured backend's health endpoint with a bounded
// timeout. Readiness results are reported to orchestrators and never
// influence the data path.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/edgegate/edgegate/internal/observability"
)

// Status classifies one health check result.
type Status string

const (
	// StatusOK means the check passed.
	StatusOK Status = "ok"
	// StatusUnhealthy means the dependency answered with a bad status.
	StatusUnhealthy Status = "unhealthy"
	// StatusUnreachable means the dependency could not be reached.
	StatusUnreachable Status = "unreachable"
)

// defaultProbeTimeout bounds each backend probe.
const defaultProbeTimeout = 2 * time.Second

// Check is one named readiness check result.
type Check struct {
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// LivenessResponse is the body of the liveness endpoint.
type LivenessResponse struct {
	Status    Status    `json:"status"`
	Version   string    `json:"version,omitempty"`
	Uptime    string    `json:"uptime,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadinessResponse is the body of the readiness endpoint.
type ReadinessResponse struct {
	Status    Status           `json:"status"`
	Checks    map[string]Check `json:"checks,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// CheckFunc performs one readiness check. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

// Checker answers liveness and readiness. Backend probes and custom
// checks run concurrently on each readiness call; results are never
// cached.
type Checker struct {
	version   string
	startTime time.Time
	client    *http.Client
	timeout   time.Duration
	logger    observability.Logger

	mu     sync.RWMutex
	probes map[string]*url.URL
	checks map[string]CheckFunc
}

// CheckerOption is a functional option for the checker.
type CheckerOption func(*Checker)

// WithProbeTimeout bounds each backend probe.
func WithProbeTimeout(timeout time.Duration) CheckerOption {
	return func(c *Checker) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithProbeClient overrides the HTTP client used for backend probes.
func WithProbeClient(client *http.Client) CheckerOption {
	return func(c *Checker) {
		if client != nil {
			c.client = client
		}
	}
}

// WithCheckerLogger sets the logger.
func WithCheckerLogger(logger observability.Logger) CheckerOption {
	return func(c *Checker) {
		c.logger = logger
	}
}

// NewChecker creates a health checker.
func NewChecker(version string, opts ...CheckerOption) *Checker {
	c := &Checker{
		version:   version,
		startTime: time.Now(),
		client:    &http.Client{},
		timeout:   defaultProbeTimeout,
		logger:    observability.NopLogger(),
		probes:    make(map[string]*url.URL),
		checks:    make(map[string]CheckFunc),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddBackendProbe registers a backend whose /health endpoint is probed
// on every readiness call. Registering the same name again replaces the
// previous probe.
func (c *Checker) AddBackendProbe(name string, backend *url.URL) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[name] = backend.JoinPath("health")
}

// RegisterCheck registers a custom readiness check, for dependencies
// that are not HTTP backends.
func (c *Checker) RegisterCheck(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// Liveness reports that the process is up.
func (c *Checker) Liveness() LivenessResponse {
	return LivenessResponse{
		Status:    StatusOK,
		Version:   c.version,
		Uptime:    time.Since(c.startTime).Round(time.Second).String(),
		Timestamp: time.Now(),
	}
}

// Readiness runs every probe and check concurrently and aggregates the
// results. The aggregate is unhealthy as soon as one check is not ok.
func (c *Checker) Readiness(ctx context.Context) ReadinessResponse {
	c.mu.RLock()
	probes := make(map[string]*url.URL, len(c.probes))
	for name, u := range c.probes {
		probes[name] = u
	}
	checks := make(map[string]CheckFunc, len(c.checks))
	for name, fn := range c.checks {
		checks[name] = fn
	}
	c.mu.RUnlock()

	response := ReadinessResponse{
		Status:    StatusOK,
		Checks:    make(map[string]Check, len(probes)+len(checks)),
		Timestamp: time.Now(),
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = response.Checks
	)

	record := func(name string, check Check) {
		mu.Lock()
		defer mu.Unlock()
		results[name] = check
	}

	for name, u := range probes {
		wg.Add(1)
		go func(name string, u *url.URL) {
			defer wg.Done()
			record(name, c.probe(ctx, u))
		}(name, u)
	}

	for name, fn := range checks {
		wg.Add(1)
		go func(name string, fn CheckFunc) {
			defer wg.Done()
			record(name, c.runCheck(ctx, fn))
		}(name, fn)
	}

	wg.Wait()

	for _, check := range results {
		if check.Status != StatusOK {
			response.Status = StatusUnhealthy
			break
		}
	}

	return response
}

// probe performs one bounded GET against a backend health URL.
func (c *Checker) probe(ctx context.Context, u *url.URL) Check {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return Check{Status: StatusUnreachable, Detail: err.Error()}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("backend probe failed",
			observability.String("url", u.String()),
			observability.Error(err),
		)
		return Check{Status: StatusUnreachable, Detail: "connection failed"}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Check{Status: StatusUnhealthy, Detail: http.StatusText(resp.StatusCode)}
	}
	return Check{Status: StatusOK}
}

func (c *Checker) runCheck(ctx context.Context, fn CheckFunc) Check {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		return Check{Status: StatusUnhealthy, Detail: err.Error()}
	}
	return Check{Status: StatusOK}
}

// ProbeNames returns the registered backend probe names, sorted.
func (c *Checker) ProbeNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.probes))
	for name := range c.probes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LivenessHandler serves the liveness endpoint.
func (c *Checker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, c.Liveness())
	}
}

// ReadinessHandler serves the readiness endpoint. Unhealthy aggregates
// answer 503 so orchestrators stop routing to this instance.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := c.Readiness(r.Context())

		status := http.StatusOK
		if response.Status != StatusOK {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, response)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
