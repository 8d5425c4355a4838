package gateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/health"
	"github.com/edgegate/edgegate/internal/observability"
)

func testServerConfig() config.ServerConfig {
	return config.ServerConfig{
		ListenAddress:     "127.0.0.1:0",
		AdminAddress:      "127.0.0.1:0",
		ReadTimeout:       config.Duration(5 * time.Second),
		ReadHeaderTimeout: config.Duration(2 * time.Second),
		WriteTimeout:      config.Duration(5 * time.Second),
		IdleTimeout:       config.Duration(30 * time.Second),
		ShutdownTimeout:   config.Duration(5 * time.Second),
		MaxHeaderBytes:    1 << 20,
	}
}

func okHandler(body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, body)
	})
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp, string(body)
}

func TestListenerLifecycle(t *testing.T) {
	t.Parallel()

	l := NewListener("data", "127.0.0.1:0", okHandler("pong"), testServerConfig())

	require.NoError(t, l.Start(context.Background()))
	assert.True(t, l.IsRunning())

	resp, body := get(t, "http://"+l.Addr()+"/ping")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pong", body)

	require.NoError(t, l.Stop(context.Background()))
	assert.False(t, l.IsRunning())

	// Stopping again is a no-op.
	require.NoError(t, l.Stop(context.Background()))
}

func TestListenerDoubleStart(t *testing.T) {
	t.Parallel()

	l := NewListener("data", "127.0.0.1:0", okHandler("pong"), testServerConfig())
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(func() { _ = l.Stop(context.Background()) })

	err := l.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestListenerBindFailure(t *testing.T) {
	t.Parallel()

	first := NewListener("a", "127.0.0.1:0", okHandler("a"), testServerConfig())
	require.NoError(t, first.Start(context.Background()))
	t.Cleanup(func() { _ = first.Stop(context.Background()) })

	second := NewListener("b", first.Addr(), okHandler("b"), testServerConfig())
	err := second.Start(context.Background())
	require.Error(t, err)
	assert.False(t, second.IsRunning())
}

func TestGatewayLifecycle(t *testing.T) {
	t.Parallel()

	metrics := observability.NewMetrics()
	checker := health.NewChecker("test")
	admin := NewAdminHandler(metrics, checker)

	g, err := New(testServerConfig(), okHandler("data"), admin)
	require.NoError(t, err)

	assert.Equal(t, StateStopped, g.State())

	require.NoError(t, g.Start(context.Background()))
	assert.Equal(t, StateRunning, g.State())
	assert.True(t, g.IsRunning())
	assert.Greater(t, g.Uptime(), time.Duration(0))

	resp, body := get(t, "http://"+g.DataAddr()+"/anything")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "data", body)

	resp, _ = get(t, "http://"+g.AdminAddr()+"/health/live")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, metricsBody := get(t, "http://"+g.AdminAddr()+"/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, metricsBody, "go_goroutines")

	require.NoError(t, g.Stop(context.Background()))
	assert.Equal(t, StateStopped, g.State())

	err = g.Stop(context.Background())
	require.Error(t, err, "stopping a stopped gateway must fail")
}

func TestGatewayDoubleStart(t *testing.T) {
	t.Parallel()

	g, err := New(testServerConfig(), okHandler("data"),
		NewAdminHandler(observability.NewMetrics(), health.NewChecker("test")))
	require.NoError(t, err)

	require.NoError(t, g.Start(context.Background()))
	t.Cleanup(func() { _ = g.Stop(context.Background()) })

	require.Error(t, g.Start(context.Background()))
}

func TestGatewayRequiresHandlers(t *testing.T) {
	t.Parallel()

	_, err := New(testServerConfig(), nil, okHandler("admin"))
	require.Error(t, err)

	_, err = New(testServerConfig(), okHandler("data"), nil)
	require.Error(t, err)
}

func TestGatewayStopDrainsInflightRequests(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{})
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
		_, _ = io.WriteString(w, "done")
	})

	g, err := New(testServerConfig(), slow,
		NewAdminHandler(observability.NewMetrics(), health.NewChecker("test")))
	require.NoError(t, err)
	require.NoError(t, g.Start(context.Background()))

	type result struct {
		body string
		err  error
	}
	results := make(chan result, 1)
	go func() {
		resp, err := http.Get("http://" + g.DataAddr() + "/slow")
		if err != nil {
			results <- result{err: err}
			return
		}
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		results <- result{body: string(body), err: err}
	}()

	<-started

	stopDone := make(chan error, 1)
	go func() {
		stopDone <- g.Stop(context.Background())
	}()

	// Shutdown must wait for the in-flight request.
	select {
	case <-stopDone:
		t.Fatal("gateway stopped while a request was in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)

	require.NoError(t, <-stopDone)
	res := <-results
	require.NoError(t, res.err)
	assert.Equal(t, "done", res.body)
}

func TestAdminHandlerRoutes(t *testing.T) {
	t.Parallel()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(backend.Close)

	metrics := observability.NewMetrics()
	checker := health.NewChecker("test")

	u, err := url.Parse(backend.URL)
	require.NoError(t, err)
	checker.AddBackendProbe("api", u)

	admin := NewAdminHandler(metrics, checker)
	srv := httptest.NewServer(admin)
	t.Cleanup(srv.Close)

	tests := []struct {
		path       string
		wantStatus int
	}{
		{"/metrics", http.StatusOK},
		{"/health/live", http.StatusOK},
		{"/health/ready", http.StatusOK},
		{"/nope", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, _ := get(t, srv.URL+tt.path)
			assert.Equal(t, tt.wantStatus, resp.StatusCode, "path %s", tt.path)
		})
	}
}
