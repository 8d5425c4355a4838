package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"

	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/observability"
	"github.com/edgegate/edgegate/internal/router"
)

// hopHeaders are stripped before forwarding. The response direction is
// handled by httputil.ReverseProxy itself.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// identityHeader carries the authenticated subject to backends.
// Inbound values are always dropped so clients cannot spoof it.
const identityHeader = "X-User-Id"

// Result reports how a forward attempt ended. Status is the status the
// gateway wrote on transport failure; it is zero when the backend's own
// response (or nothing at all) went to the client.
type Result struct {
	Outcome observability.Outcome
	Status  int
	Reason  string
	Retried bool
}

// Forwarder proxies requests to route backends over a shared pooled
// transport.
type Forwarder struct {
	transport       http.RoundTripper
	defaultTimeout  time.Duration
	retryEnabled    bool
	retryBackoff    time.Duration
	forwardIdentity bool
	flushInterval   time.Duration
	breakers        *BreakerGroup
	logger          observability.Logger
	metrics         *observability.Metrics
}

// ForwarderOption is a functional option for configuring the Forwarder.
type ForwarderOption func(*Forwarder)

// WithForwarderLogger sets the logger for the forwarder.
func WithForwarderLogger(logger observability.Logger) ForwarderOption {
	return func(f *Forwarder) {
		f.logger = logger
	}
}

// WithForwarderMetrics sets the metrics used for retry counters.
func WithForwarderMetrics(metrics *observability.Metrics) ForwarderOption {
	return func(f *Forwarder) {
		f.metrics = metrics
	}
}

// WithTransport overrides the backend transport.
func WithTransport(transport http.RoundTripper) ForwarderOption {
	return func(f *Forwarder) {
		f.transport = transport
	}
}

// WithBreakers attaches a per-backend circuit breaker group.
func WithBreakers(breakers *BreakerGroup) ForwarderOption {
	return func(f *Forwarder) {
		f.breakers = breakers
	}
}

// WithIdentityForwarding injects the authenticated subject as
// X-User-Id on forwarded requests.
func WithIdentityForwarding(enabled bool) ForwarderOption {
	return func(f *Forwarder) {
		f.forwardIdentity = enabled
	}
}

// WithFlushInterval sets the flush interval for streaming responses.
func WithFlushInterval(interval time.Duration) ForwarderOption {
	return func(f *Forwarder) {
		f.flushInterval = interval
	}
}

// NewForwarder creates a forwarder from proxy configuration.
func NewForwarder(cfg config.ProxyConfig, opts ...ForwarderOption) *Forwarder {
	f := &Forwarder{
		transport:      newTransport(cfg),
		defaultTimeout: cfg.Timeout.Duration(),
		retryEnabled:   cfg.RetryEnabled,
		retryBackoff:   cfg.RetryBackoff.Duration(),
		flushInterval:  -1, // immediate flush
		logger:         observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// newTransport builds the shared pooled transport for backend calls.
func newTransport(cfg config.ProxyConfig) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout.Duration(),
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Forward proxies the request to the route's backend and reports the
// outcome. subject is the authenticated token subject, empty for
// anonymous requests.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, route *router.Route, subject string) Result {
	res := Result{Outcome: observability.OutcomeForwarded}

	timeout := route.Timeout
	if timeout <= 0 {
		timeout = f.defaultTimeout
	}
	ctx := r.Context()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	transport := f.breakers.RoundTripper(route.Backend.Host, f.transport)
	if f.retryEnabled {
		transport = &retryTransport{
			base:    transport,
			backoff: f.retryBackoff,
			onRetry: func() {
				res.Retried = true
				if f.metrics != nil {
					f.metrics.RecordBackendRetry(route.Name)
				}
				f.logger.Warn("retrying backend connection",
					observability.String("route", route.Name),
					observability.String("backend", route.Backend.Host),
				)
			},
		}
	}

	rp := &httputil.ReverseProxy{
		Director:      f.director(route, subject),
		Transport:     transport,
		FlushInterval: f.flushInterval,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			f.handleError(w, r, route, err, &res)
		},
	}

	rp.ServeHTTP(w, r.WithContext(ctx))
	return res
}

// director rewrites the outgoing request for the route's backend.
// X-Forwarded-For is appended by httputil.ReverseProxy after the
// director runs.
func (f *Forwarder) director(route *router.Route, subject string) func(*http.Request) {
	target := route.Backend
	return func(req *http.Request) {
		inboundHost := req.Host

		req.URL.Scheme = target.Scheme
		req.URL.Host = target.Host
		req.URL.Path = joinPath(target.Path, route.PathFor(req.URL.Path))
		req.Host = target.Host

		removeConnectionHeaders(req.Header)
		for _, h := range hopHeaders {
			req.Header.Del(h)
		}

		if req.TLS != nil {
			req.Header.Set("X-Forwarded-Proto", "https")
		} else {
			req.Header.Set("X-Forwarded-Proto", "http")
		}
		req.Header.Set("X-Forwarded-Host", inboundHost)

		if req.Header.Get("X-Request-ID") == "" {
			if id := observability.RequestIDFromContext(req.Context()); id != "" {
				req.Header.Set("X-Request-ID", id)
			}
		}

		// Client credentials stop at the gateway unless the route says
		// otherwise.
		if !route.ForwardAuthorization {
			req.Header.Del("Authorization")
		}
		req.Header.Del(identityHeader)
		if f.forwardIdentity && subject != "" {
			req.Header.Set(identityHeader, subject)
		}

		observability.InjectTraceContext(req.Context(), req)
	}
}

// handleError translates transport failures at the gateway boundary.
// Backend HTTP statuses never reach this path.
func (f *Forwarder) handleError(w http.ResponseWriter, r *http.Request, route *router.Route, err error, res *Result) {
	switch {
	case errors.Is(err, context.Canceled):
		// The client went away; there is nobody to answer.
		res.Outcome = observability.OutcomeClientDisconnected
		res.Reason = "client disconnected"
		f.logger.Debug("client disconnected during forward",
			observability.String("route", route.Name),
			observability.String("path", r.URL.Path),
		)
		return
	case errors.Is(err, context.DeadlineExceeded):
		res.Outcome = observability.OutcomeBackendTimeout
		res.Status = http.StatusGatewayTimeout
		res.Reason = "backend timeout"
		writeGatewayTimeout(w)
	case isBreakerOpen(err):
		res.Outcome = observability.OutcomeBackendUnreachable
		res.Status = http.StatusBadGateway
		res.Reason = "circuit breaker open"
		writeBadGateway(w)
	default:
		res.Outcome = observability.OutcomeBackendUnreachable
		res.Status = http.StatusBadGateway
		res.Reason = "backend unreachable"
		writeBadGateway(w)
	}

	f.logger.Error("forward failed",
		observability.String("route", route.Name),
		observability.String("backend", route.Backend.Host),
		observability.String("path", r.URL.Path),
		observability.String("reason", res.Reason),
		observability.Error(err),
	)
}

func writeBadGateway(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	_, _ = io.WriteString(w, `{"error":"bad gateway","message":"backend unavailable"}`)
}

func writeGatewayTimeout(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusGatewayTimeout)
	_, _ = io.WriteString(w, `{"error":"gateway timeout","message":"backend did not respond in time"}`)
}

// removeConnectionHeaders drops headers named by Connection, per RFC
// 7230 section 6.1.
func removeConnectionHeaders(h http.Header) {
	for _, values := range h.Values("Connection") {
		for _, name := range strings.Split(values, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
}

// joinPath joins the backend base path with the forwarded path.
func joinPath(base, p string) string {
	if base == "" || base == "/" {
		return p
	}
	baseSlash := strings.HasSuffix(base, "/")
	pSlash := strings.HasPrefix(p, "/")
	switch {
	case baseSlash && pSlash:
		return base + p[1:]
	case !baseSlash && !pSlash:
		return base + "/" + p
	}
	return base + p
}

// retryTransport retries one failed connection attempt when the request
// body can be replayed. Deadline and cancellation errors are final, as
// is a breaker that is already open.
type retryTransport struct {
	base    http.RoundTripper
	backoff time.Duration
	onRetry func()
}

func (t *retryTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(r)
	if err == nil || !t.shouldRetry(r, err) {
		return resp, err
	}
	if !rewindBody(r) {
		return resp, err
	}

	if t.backoff > 0 {
		select {
		case <-r.Context().Done():
			return nil, r.Context().Err()
		case <-time.After(t.backoff):
		}
	}

	if t.onRetry != nil {
		t.onRetry()
	}
	return t.base.RoundTrip(r)
}

func (t *retryTransport) shouldRetry(r *http.Request, err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if isBreakerOpen(err) {
		return false
	}
	return r.Body == nil || r.Body == http.NoBody || r.GetBody != nil
}

// rewindBody restores the request body for a second attempt. Requests
// without a body need no rewind.
func rewindBody(r *http.Request) bool {
	if r.Body == nil || r.Body == http.NoBody {
		return true
	}
	if r.GetBody == nil {
		return false
	}
	body, err := r.GetBody()
	if err != nil {
		return false
	}
	r.Body = body
	return true
}
