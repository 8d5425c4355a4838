// Package helpers provides shared utilities for the gateway integration
// tests: token minting, recording backends, and a fully wired gateway
// on ephemeral ports.
package helpers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/require"

	"github.com/edgegate/edgegate/internal/auth"
	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/gateway"
	"github.com/edgegate/edgegate/internal/health"
	"github.com/edgegate/edgegate/internal/middleware"
	"github.com/edgegate/edgegate/internal/observability"
	"github.com/edgegate/edgegate/internal/pipeline"
	"github.com/edgegate/edgegate/internal/proxy"
	"github.com/edgegate/edgegate/internal/ratelimit"
	"github.com/edgegate/edgegate/internal/router"
	"github.com/edgegate/edgegate/internal/secrets"
)

// SigningSecret is the HMAC key shared by MintToken and GatewayConfig.
var SigningSecret = []byte("integration-test-signing-secret")

// Issuer and Audience are the claims GatewayConfig requires.
const (
	Issuer   = "https://issuer.test"
	Audience = "edgegate"
)

// MintToken signs an HS256 token accepted by a GatewayConfig gateway.
func MintToken(t *testing.T, subject string) string {
	t.Helper()
	now := time.Now()
	return signToken(t, jwt.NewBuilder().
		Subject(subject).
		Issuer(Issuer).
		Audience([]string{Audience}).
		IssuedAt(now).
		Expiration(now.Add(time.Hour)))
}

// MintExpiredToken signs a token whose lifetime ended an hour ago.
func MintExpiredToken(t *testing.T, subject string) string {
	t.Helper()
	now := time.Now()
	return signToken(t, jwt.NewBuilder().
		Subject(subject).
		Issuer(Issuer).
		Audience([]string{Audience}).
		IssuedAt(now.Add(-2*time.Hour)).
		Expiration(now.Add(-time.Hour)))
}

func signToken(t *testing.T, builder *jwt.Builder) string {
	t.Helper()
	tok, err := builder.Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, SigningSecret))
	require.NoError(t, err)
	return string(signed)
}

// RecordedRequest is one request as the backend saw it.
type RecordedRequest struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   []byte
}

// Backend is an in-process HTTP backend that records every request. It
// answers /health with 200 for readiness probes, /fail with 503, and
// everything else with a small JSON document.
type Backend struct {
	Server *httptest.Server

	mu       sync.Mutex
	requests []RecordedRequest
}

// StartBackend starts a recording backend, closed via t.Cleanup.
func StartBackend(t *testing.T) *Backend {
	t.Helper()

	b := &Backend{}
	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		b.mu.Lock()
		b.requests = append(b.requests, RecordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Header: r.Header.Clone(),
			Body:   body,
		})
		b.mu.Unlock()

		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/fail":
			http.Error(w, "backend down", http.StatusServiceUnavailable)
		default:
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{
				"backend": "test",
				"path":    r.URL.Path,
			})
		}
	}))
	t.Cleanup(b.Server.Close)
	return b
}

// URL returns the backend base URL.
func (b *Backend) URL() string { return b.Server.URL }

// Requests returns a copy of all recorded requests.
func (b *Backend) Requests() []RecordedRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]RecordedRequest(nil), b.requests...)
}

// LastRequest returns the most recent recorded request.
func (b *Backend) LastRequest(t *testing.T) RecordedRequest {
	t.Helper()
	reqs := b.Requests()
	require.NotEmpty(t, reqs, "backend received no requests")
	return reqs[len(reqs)-1]
}

// Count returns how many requests reached the backend.
func (b *Backend) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

// GatewayConfig returns a config wired for in-process testing: both
// listeners on ephemeral ports, inline HMAC key material, /public as a
// skip path, and routes /api and /public pointing at backendURL.
func GatewayConfig(backendURL string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.ListenAddress = "127.0.0.1:0"
	cfg.Server.AdminAddress = "127.0.0.1:0"
	cfg.Server.ShutdownTimeout = config.Duration(5 * time.Second)
	cfg.Auth.Key = config.KeyConfig{Source: "inline", Inline: string(SigningSecret)}
	cfg.Auth.Issuer = Issuer
	cfg.Auth.Audience = Audience
	cfg.Auth.SkipPaths = []string{"/public"}
	cfg.Auth.ForwardIdentity = true
	cfg.RateLimit.Requests = 100
	cfg.RateLimit.Window = config.Duration(time.Minute)
	cfg.Routes = []config.RouteConfig{
		{Name: "api", Prefix: "/api", Backend: backendURL, Timeout: config.Duration(5 * time.Second)},
		{Name: "public", Prefix: "/public", Backend: backendURL, Timeout: config.Duration(5 * time.Second)},
	}
	return cfg
}

// Gateway is a running gateway instance wired like the production
// binary, reachable at DataURL and AdminURL.
type Gateway struct {
	Gateway  *gateway.Gateway
	Metrics  *observability.Metrics
	DataURL  string
	AdminURL string
}

// StartGateway validates cfg, wires the full request path, and starts
// both listeners. Shutdown is registered via t.Cleanup.
func StartGateway(t *testing.T, cfg *config.Config) *Gateway {
	t.Helper()

	require.NoError(t, cfg.Validate())

	ctx := context.Background()
	logger := observability.NopLogger()
	metrics := observability.NewMetrics()

	key, err := secrets.NewSource().Resolve(ctx, cfg.Auth.Key)
	require.NoError(t, err)

	validator, err := auth.NewValidator(auth.Config{
		Algorithms: cfg.Auth.Algorithms,
		Key:        key,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		ClockSkew:  cfg.Auth.ClockSkew.Duration(),
	})
	require.NoError(t, err)

	limiter, err := ratelimit.New(cfg.RateLimit, ratelimit.WithLimiterMetrics(metrics))
	require.NoError(t, err)

	table, err := router.NewTable(cfg.Routes)
	require.NoError(t, err)

	forwarder := proxy.NewForwarder(cfg.Proxy,
		proxy.WithForwarderMetrics(metrics),
		proxy.WithBreakers(proxy.NewBreakerGroup(cfg.CircuitBreaker, proxy.WithBreakerMetrics(metrics))),
		proxy.WithIdentityForwarding(cfg.Auth.ForwardIdentity),
	)

	sink := observability.NewSink(logger, metrics)

	pipe := pipeline.New(
		pipeline.NewTokenStage(validator,
			pipeline.WithSkipPaths(cfg.Auth.SkipPaths),
			pipeline.WithTokenStageMetrics(metrics),
		),
		pipeline.NewRateLimitStage(limiter,
			pipeline.WithRateLimitStageMetrics(metrics),
		),
		table, forwarder,
		pipeline.WithSink(sink),
		pipeline.WithMetrics(metrics),
		pipeline.WithAddressExtractor(middleware.NewClientIPExtractor(cfg.Server.TrustedProxies)),
	)

	handler := middleware.Recovery(logger, metrics)(middleware.RequestID()(pipe))

	checker := health.NewChecker("test")
	for _, route := range table.Routes() {
		checker.AddBackendProbe(route.Name, route.Backend)
	}

	gw, err := gateway.New(cfg.Server, handler, gateway.NewAdminHandler(metrics, checker))
	require.NoError(t, err)
	require.NoError(t, gw.Start(ctx))

	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Stop(stopCtx)
		_ = sink.Close()
		if closer, ok := limiter.(io.Closer); ok {
			_ = closer.Close()
		}
	})

	return &Gateway{
		Gateway:  gw,
		Metrics:  metrics,
		DataURL:  "http://" + gw.DataAddr(),
		AdminURL: "http://" + gw.AdminAddr(),
	}
}

// Do issues a request against the data listener. An empty token sends
// no Authorization header. The response body is closed via t.Cleanup.
func (g *Gateway) Do(t *testing.T, method, path, token string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, g.DataURL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// ReadBody drains and returns the response body.
func ReadBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}
