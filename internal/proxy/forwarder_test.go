package proxy

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/observability"
	"github.com/edgegate/edgegate/internal/router"
)

func testRoute(t *testing.T, backendURL string, mutate func(*router.Route)) *router.Route {
	t.Helper()

	backend, err := url.Parse(backendURL)
	require.NoError(t, err)

	route := &router.Route{
		Name:    "api",
		Prefix:  "/api",
		Backend: backend,
		Timeout: 5 * time.Second,
	}
	if mutate != nil {
		mutate(route)
	}
	return route
}

// recordingBackend captures what the backend received.
type recordingBackend struct {
	mu     sync.Mutex
	header http.Header
	method string
	path   string
	query  string
	body   string
	host   string
}

func (b *recordingBackend) handler(status int, respBody string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, _ := io.ReadAll(r.Body)

		b.mu.Lock()
		b.header = r.Header.Clone()
		b.method = r.Method
		b.path = r.URL.Path
		b.query = r.URL.RawQuery
		b.body = string(payload)
		b.host = r.Host
		b.mu.Unlock()

		w.Header().Set("X-Backend", "1")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, respBody)
	}
}

func (b *recordingBackend) snapshot() recordingBackend {
	b.mu.Lock()
	defer b.mu.Unlock()
	return recordingBackend{
		header: b.header,
		method: b.method,
		path:   b.path,
		query:  b.query,
		body:   b.body,
		host:   b.host,
	}
}

func TestForwardPassthrough(t *testing.T) {
	t.Parallel()

	backend := &recordingBackend{}
	srv := httptest.NewServer(backend.handler(http.StatusCreated, `{"id":42}`))
	t.Cleanup(srv.Close)

	f := NewForwarder(config.ProxyConfig{Timeout: config.Duration(5 * time.Second)})
	route := testRoute(t, srv.URL, nil)

	req := httptest.NewRequest(http.MethodPost, "http://edge.example/api/users?page=2", strings.NewReader(`{"name":"ada"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	res := f.Forward(rec, req, route, "")

	assert.Equal(t, observability.OutcomeForwarded, res.Outcome)
	assert.Zero(t, res.Status, "backend responses pass through without translation")
	assert.False(t, res.Retried)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, `{"id":42}`, rec.Body.String())
	assert.Equal(t, "1", rec.Header().Get("X-Backend"))

	got := backend.snapshot()
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/api/users", got.path)
	assert.Equal(t, "page=2", got.query)
	assert.Equal(t, `{"name":"ada"}`, got.body)
	assert.Equal(t, "application/json", got.header.Get("Content-Type"))
	assert.Equal(t, "http", got.header.Get("X-Forwarded-Proto"))
	assert.Equal(t, "edge.example", got.header.Get("X-Forwarded-Host"))
	assert.Equal(t, "192.0.2.1", got.header.Get("X-Forwarded-For"))
}

func TestForwardHeaderPolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name            string
		forwardIdentity bool
		subject         string
		mutateRoute     func(*router.Route)
		requestHeader   map[string]string
		wantHeader      map[string]string
	}{
		{
			name:          "authorization stripped by default",
			requestHeader: map[string]string{"Authorization": "Bearer secret"},
			wantHeader:    map[string]string{"Authorization": ""},
		},
		{
			name:          "authorization forwarded when route opts in",
			mutateRoute:   func(r *router.Route) { r.ForwardAuthorization = true },
			requestHeader: map[string]string{"Authorization": "Bearer secret"},
			wantHeader:    map[string]string{"Authorization": "Bearer secret"},
		},
		{
			name: "hop-by-hop headers dropped",
			requestHeader: map[string]string{
				"Connection": "X-Drop-Me",
				"X-Drop-Me":  "1",
				"Keep-Alive": "timeout=5",
				"X-Keep-Me":  "1",
			},
			wantHeader: map[string]string{
				"X-Drop-Me":  "",
				"Keep-Alive": "",
				"X-Keep-Me":  "1",
			},
		},
		{
			name:            "identity header set for authenticated subject",
			forwardIdentity: true,
			subject:         "user-1",
			wantHeader:      map[string]string{"X-User-Id": "user-1"},
		},
		{
			name:            "inbound identity header dropped",
			forwardIdentity: true,
			subject:         "user-1",
			requestHeader:   map[string]string{"X-User-Id": "spoofed-admin"},
			wantHeader:      map[string]string{"X-User-Id": "user-1"},
		},
		{
			name:          "identity forwarding disabled drops header entirely",
			subject:       "user-1",
			requestHeader: map[string]string{"X-User-Id": "spoofed-admin"},
			wantHeader:    map[string]string{"X-User-Id": ""},
		},
		{
			name:       "anonymous request carries no identity header",
			wantHeader: map[string]string{"X-User-Id": ""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			backend := &recordingBackend{}
			srv := httptest.NewServer(backend.handler(http.StatusOK, "ok"))
			t.Cleanup(srv.Close)

			f := NewForwarder(
				config.ProxyConfig{Timeout: config.Duration(5 * time.Second)},
				WithIdentityForwarding(tt.forwardIdentity),
			)
			route := testRoute(t, srv.URL, tt.mutateRoute)

			req := httptest.NewRequest(http.MethodGet, "http://edge.example/api/users", nil)
			for k, v := range tt.requestHeader {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()

			res := f.Forward(rec, req, route, tt.subject)
			require.Equal(t, observability.OutcomeForwarded, res.Outcome)

			got := backend.snapshot()
			for k, want := range tt.wantHeader {
				assert.Equal(t, want, got.header.Get(k), "header %s", k)
			}
		})
	}
}

func TestForwardRequestIDPropagation(t *testing.T) {
	t.Parallel()

	backend := &recordingBackend{}
	srv := httptest.NewServer(backend.handler(http.StatusOK, "ok"))
	t.Cleanup(srv.Close)

	f := NewForwarder(config.ProxyConfig{Timeout: config.Duration(5 * time.Second)})
	route := testRoute(t, srv.URL, nil)

	req := httptest.NewRequest(http.MethodGet, "http://edge.example/api/users", nil)
	req = req.WithContext(observability.ContextWithRequestID(req.Context(), "req-123"))
	rec := httptest.NewRecorder()

	res := f.Forward(rec, req, route, "")
	require.Equal(t, observability.OutcomeForwarded, res.Outcome)

	got := backend.snapshot()
	assert.Equal(t, "req-123", got.header.Get("X-Request-ID"))
}

func TestForwardStripPrefix(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		backendPath string
		strip       bool
		reqPath     string
		wantPath    string
	}{
		{"full path by default", "", false, "/api/users/42", "/api/users/42"},
		{"strip prefix", "", true, "/api/users/42", "/users/42"},
		{"strip prefix at boundary", "", true, "/api", "/"},
		{"backend base path joined", "/svc", true, "/api/users", "/svc/users"},
		{"backend base path without strip", "/svc", false, "/api/users", "/svc/api/users"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			backend := &recordingBackend{}
			srv := httptest.NewServer(backend.handler(http.StatusOK, "ok"))
			t.Cleanup(srv.Close)

			f := NewForwarder(config.ProxyConfig{Timeout: config.Duration(5 * time.Second)})
			route := testRoute(t, srv.URL+tt.backendPath, func(r *router.Route) {
				r.StripPrefix = tt.strip
			})

			req := httptest.NewRequest(http.MethodGet, "http://edge.example"+tt.reqPath, nil)
			rec := httptest.NewRecorder()

			res := f.Forward(rec, req, route, "")
			require.Equal(t, observability.OutcomeForwarded, res.Outcome)
			assert.Equal(t, tt.wantPath, backend.snapshot().path)
		})
	}
}

func TestForwardBackendTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	f := NewForwarder(config.ProxyConfig{Timeout: config.Duration(5 * time.Second)})
	route := testRoute(t, srv.URL, func(r *router.Route) {
		r.Timeout = 50 * time.Millisecond
	})

	req := httptest.NewRequest(http.MethodGet, "http://edge.example/api/slow", nil)
	rec := httptest.NewRecorder()

	res := f.Forward(rec, req, route, "")

	assert.Equal(t, observability.OutcomeBackendTimeout, res.Outcome)
	assert.Equal(t, http.StatusGatewayTimeout, res.Status)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.JSONEq(t,
		`{"error":"gateway timeout","message":"backend did not respond in time"}`,
		rec.Body.String())
}

func TestForwardBackendUnreachable(t *testing.T) {
	t.Parallel()

	// A listener that is closed immediately leaves a port nothing
	// accepts on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadURL := "http://" + ln.Addr().String()
	require.NoError(t, ln.Close())

	f := NewForwarder(config.ProxyConfig{Timeout: config.Duration(2 * time.Second)})
	route := testRoute(t, deadURL, nil)

	req := httptest.NewRequest(http.MethodGet, "http://edge.example/api/users", nil)
	rec := httptest.NewRecorder()

	res := f.Forward(rec, req, route, "")

	assert.Equal(t, observability.OutcomeBackendUnreachable, res.Outcome)
	assert.Equal(t, http.StatusBadGateway, res.Status)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.JSONEq(t,
		`{"error":"bad gateway","message":"backend unavailable"}`,
		rec.Body.String())
}

// seqTransport fails the first n attempts and then answers 200.
type seqTransport struct {
	mu    sync.Mutex
	fail  int
	calls int
}

func (t *seqTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	t.mu.Lock()
	t.calls++
	call := t.calls
	t.mu.Unlock()

	if call <= t.fail {
		return nil, &net.OpError{Op: "dial", Err: errConnRefused{}}
	}

	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(http.Header),
		Body:          io.NopCloser(strings.NewReader("ok")),
		ContentLength: 2,
		Request:       r,
	}, nil
}

func (t *seqTransport) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

type errConnRefused struct{}

func (errConnRefused) Error() string { return "connection refused" }

func TestForwardRetriesOnceOnConnectionFailure(t *testing.T) {
	t.Parallel()

	transport := &seqTransport{fail: 1}
	f := NewForwarder(
		config.ProxyConfig{
			Timeout:      config.Duration(2 * time.Second),
			RetryEnabled: true,
		},
		WithTransport(transport),
	)
	route := testRoute(t, "http://backend.internal", nil)

	req := httptest.NewRequest(http.MethodGet, "http://edge.example/api/users", nil)
	rec := httptest.NewRecorder()

	res := f.Forward(rec, req, route, "")

	assert.Equal(t, observability.OutcomeForwarded, res.Outcome)
	assert.True(t, res.Retried)
	assert.Equal(t, 2, transport.callCount())
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestForwardRetryIsSingleBounded(t *testing.T) {
	t.Parallel()

	transport := &seqTransport{fail: 10}
	f := NewForwarder(
		config.ProxyConfig{
			Timeout:      config.Duration(2 * time.Second),
			RetryEnabled: true,
		},
		WithTransport(transport),
	)
	route := testRoute(t, "http://backend.internal", nil)

	req := httptest.NewRequest(http.MethodGet, "http://edge.example/api/users", nil)
	rec := httptest.NewRecorder()

	res := f.Forward(rec, req, route, "")

	assert.Equal(t, observability.OutcomeBackendUnreachable, res.Outcome)
	assert.Equal(t, 2, transport.callCount(), "exactly one retry")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestForwardNoRetryForNonReplayableBody(t *testing.T) {
	t.Parallel()

	transport := &seqTransport{fail: 1}
	f := NewForwarder(
		config.ProxyConfig{
			Timeout:      config.Duration(2 * time.Second),
			RetryEnabled: true,
		},
		WithTransport(transport),
	)
	route := testRoute(t, "http://backend.internal", nil)

	// Server-side request bodies carry no GetBody, so they cannot be
	// replayed after the first attempt consumed them.
	req := httptest.NewRequest(http.MethodPost, "http://edge.example/api/users", strings.NewReader("payload"))
	rec := httptest.NewRecorder()

	res := f.Forward(rec, req, route, "")

	assert.Equal(t, observability.OutcomeBackendUnreachable, res.Outcome)
	assert.False(t, res.Retried)
	assert.Equal(t, 1, transport.callCount())
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestForwardRetryDisabled(t *testing.T) {
	t.Parallel()

	transport := &seqTransport{fail: 1}
	f := NewForwarder(
		config.ProxyConfig{Timeout: config.Duration(2 * time.Second)},
		WithTransport(transport),
	)
	route := testRoute(t, "http://backend.internal", nil)

	req := httptest.NewRequest(http.MethodGet, "http://edge.example/api/users", nil)
	rec := httptest.NewRecorder()

	res := f.Forward(rec, req, route, "")

	assert.Equal(t, observability.OutcomeBackendUnreachable, res.Outcome)
	assert.Equal(t, 1, transport.callCount())
}

func TestForwardClientDisconnected(t *testing.T) {
	t.Parallel()

	f := NewForwarder(config.ProxyConfig{Timeout: config.Duration(2 * time.Second)})
	route := testRoute(t, "http://backend.internal", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest(http.MethodGet, "http://edge.example/api/users", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	res := f.Forward(rec, req, route, "")

	assert.Equal(t, observability.OutcomeClientDisconnected, res.Outcome)
	assert.Zero(t, res.Status, "nothing is written for a vanished client")
	assert.Empty(t, rec.Body.String())
}

func TestJoinPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		base string
		p    string
		want string
	}{
		{"", "/users", "/users"},
		{"/", "/users", "/users"},
		{"/svc", "/users", "/svc/users"},
		{"/svc/", "/users", "/svc/users"},
		{"/svc", "users", "/svc/users"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, joinPath(tt.base, tt.p), "joinPath(%q, %q)", tt.base, tt.p)
	}
}
