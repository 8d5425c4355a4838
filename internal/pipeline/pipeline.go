package pipeline

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/edgegate/edgegate/internal/observability"
	"github.com/edgegate/edgegate/internal/proxy"
	"github.com/edgegate/edgegate/internal/ratelimit"
	"github.com/edgegate/edgegate/internal/router"
)

// AddressExtractor derives the client network address used as the
// pre-authentication identity.
type AddressExtractor interface {
	Extract(r *http.Request) string
}

// remoteAddrExtractor is the default: the socket peer address with the
// port stripped, no header trust.
type remoteAddrExtractor struct{}

func (remoteAddrExtractor) Extract(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Pipeline runs every inbound request through the fixed stage order
// and relays accepted requests to their backend. It implements
// http.Handler.
type Pipeline struct {
	// security holds the token and rate limit stages. All of them are
	// evaluated for every request; the first rejection in order decides
	// the response.
	security []Stage

	// routing resolves the backend, only after security passed.
	routing Stage

	forwarder *proxy.Forwarder
	sink      observability.Sink
	metrics   *observability.Metrics
	logger    observability.Logger
	addr      AddressExtractor
}

// Option is a functional option for the pipeline.
type Option func(*Pipeline)

// WithSink sets the observability sink receiving one event per request.
func WithSink(sink observability.Sink) Option {
	return func(p *Pipeline) {
		p.sink = sink
	}
}

// WithMetrics sets the metrics updated on the request path (in-flight
// gauge; the terminal counters come from the sink).
func WithMetrics(metrics *observability.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = metrics
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithAddressExtractor sets how the client address is derived. The
// default uses the socket peer address and trusts no headers.
func WithAddressExtractor(extractor AddressExtractor) Option {
	return func(p *Pipeline) {
		if extractor != nil {
			p.addr = extractor
		}
	}
}

// New assembles the pipeline from its stages. The token stage is built
// from validator and stageOpts-supplied skip paths by the caller via
// NewTokenStage; New wires the canonical order and cannot be
// reordered.
func New(
	tokenStage *TokenStage,
	rateLimitStage *RateLimitStage,
	table *router.Table,
	forwarder *proxy.Forwarder,
	opts ...Option,
) *Pipeline {
	p := &Pipeline{
		security:  []Stage{tokenStage, rateLimitStage},
		routing:   NewRouteStage(table),
		forwarder: forwarder,
		sink:      observability.NopSink(),
		logger:    observability.NopLogger(),
		addr:      remoteAddrExtractor{},
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// ServeHTTP implements http.Handler. Exactly one observability event
// is emitted per request, also when a stage or the forwarder panics;
// the panic then continues to the recovery middleware.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	state := &State{
		Request:    r,
		ClientAddr: p.addr.Extract(r),
	}
	state.Identity = ratelimit.AddressKey(state.ClientAddr)

	rw := &responseWriter{ResponseWriter: w}

	completed := false
	defer func() {
		if !completed {
			out := Reject(http.StatusInternalServerError,
				observability.OutcomeInternalError, "panic during request")
			status := rw.status
			if status == 0 {
				status = out.Status
			}
			p.emit(state, rw, start, out, status)
		}
	}()

	out := p.run(rw, state)

	status := rw.status
	if status == 0 {
		// Nothing was written: the client disconnected mid-forward.
		status = out.Status
	}

	completed = true
	p.emit(state, rw, start, out, status)
}

// run walks the stages in order and returns the terminal outcome.
func (p *Pipeline) run(rw *responseWriter, state *State) Outcome {
	ctx := state.Request.Context()

	// Security stages all run so the limiter counts rejected traffic,
	// but the response belongs to the first rejection in stage order.
	var rejected Outcome
	for _, stage := range p.security {
		out := stage.Evaluate(ctx, state)
		if out.Rejected && !rejected.Rejected {
			rejected = out
			p.noteRejection(ctx, stage, out)
		}
	}
	if rejected.Rejected {
		p.writeRejection(rw, rejected)
		return rejected
	}

	out := p.routing.Evaluate(ctx, state)
	if out.Rejected {
		p.noteRejection(ctx, p.routing, out)
		p.writeRejection(rw, out)
		return out
	}

	return p.forward(rw, state)
}

// forward hands the request to the proxy and classifies what came
// back. Backend responses pass through as-is; only transport failures
// were translated by the forwarder.
func (p *Pipeline) forward(rw *responseWriter, state *State) Outcome {
	route := state.Route

	if p.metrics != nil {
		p.metrics.RequestStarted(route.Name)
		defer p.metrics.RequestFinished(route.Name)
	}

	res := p.forwarder.Forward(rw, state.Request, route, state.Subject)

	out := Outcome{Class: res.Outcome, Status: res.Status, Reason: res.Reason}
	if res.Outcome == observability.OutcomeForwarded {
		out.Status = rw.status
		if rw.status >= http.StatusInternalServerError {
			out.Class = observability.OutcomeBackendError
			out.Reason = "backend error status"
		}
	}
	return out
}

// noteRejection attaches a span event for a rejected stage, so traces
// show where the request died.
func (p *Pipeline) noteRejection(ctx context.Context, stage Stage, out Outcome) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent("stage rejected", trace.WithAttributes(
		attribute.String("stage", stage.Name()),
		attribute.Int("http.response.status_code", out.Status),
		attribute.String("reason", out.Reason),
	))
}

// writeRejection writes the terminal error response for a rejected
// stage. Bodies are fixed per status and never carry internal detail.
func (p *Pipeline) writeRejection(w http.ResponseWriter, out Outcome) {
	h := w.Header()
	h.Set("Content-Type", "application/json")

	switch out.Status {
	case http.StatusUnauthorized:
		h.Set("WWW-Authenticate", `Bearer realm="gateway"`)
	case http.StatusTooManyRequests:
		h.Set("Retry-After", strconv.Itoa(retryAfterSeconds(out.RetryAfter)))
	}

	w.WriteHeader(out.Status)
	_, _ = io.WriteString(w, rejectionBody(out.Status))
}

// rejectionBody returns the fixed client-facing body for a status.
func rejectionBody(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return `{"error":"unauthorized","message":"missing or invalid credentials"}`
	case http.StatusTooManyRequests:
		return `{"error":"too many requests","message":"rate limit exceeded"}`
	case http.StatusNotFound:
		return `{"error":"not found","message":"no route matches the request path"}`
	default:
		return `{"error":"internal server error","message":"the gateway could not process the request"}`
	}
}

// retryAfterSeconds rounds a retry delay up to whole seconds, at least
// one: a Retry-After of zero would invite an immediate retry.
func retryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// emit hands the request's single observability event to the sink.
func (p *Pipeline) emit(state *State, rw *responseWriter, start time.Time, out Outcome, status int) {
	r := state.Request

	route := observability.UnmatchedRoute
	if state.Route != nil {
		route = state.Route.Name
	}

	requestBytes := r.ContentLength
	if requestBytes < 0 {
		requestBytes = 0
	}

	event := observability.Event{
		RequestID:     observability.RequestIDFromContext(r.Context()),
		Method:        r.Method,
		Path:          r.URL.Path,
		Route:         route,
		Identity:      state.Identity,
		Outcome:       out.Class,
		Status:        status,
		Latency:       time.Since(start),
		RequestBytes:  requestBytes,
		ResponseBytes: rw.size,
		Reason:        out.Reason,
	}
	if event.Outcome == "" {
		event.Outcome = observability.OutcomeForwarded
	}
	if out.Err != nil && event.Reason == "" {
		event.Reason = out.Err.Error()
	}

	p.sink.Record(event)
}

// responseWriter captures the status and byte count of whatever the
// stages or the backend wrote. status stays zero until something is
// written.
type responseWriter struct {
	http.ResponseWriter
	status int
	size   int64
}

// WriteHeader captures the status code.
func (rw *responseWriter) WriteHeader(code int) {
	if rw.status == 0 {
		rw.status = code
	}
	rw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size.
func (rw *responseWriter) Write(b []byte) (int, error) {
	if rw.status == 0 {
		rw.status = http.StatusOK
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.size += int64(n)
	return n, err
}

// Flush lets streaming backend responses through.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker so protocol upgrades pass through.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

// compile-time interface checks
var (
	_ http.Handler = (*Pipeline)(nil)
	_ Stage        = (*TokenStage)(nil)
	_ Stage        = (*RateLimitStage)(nil)
	_ Stage        = (*RouteStage)(nil)
)
