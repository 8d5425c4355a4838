// Package proxy forwards matched requests to their route's backend.
//
// The Forwarder wraps net/http/httputil.ReverseProxy with the gateway's
// header policy (hop-by-hop stripping, X-Forwarded-* propagation,
// credential scrubbing, identity injection), a per-route deadline, a
// single bounded retry for connection failures on replayable requests,
// and an optional per-backend circuit breaker.
//
// Backend responses pass through verbatim: an HTTP error status from a
// backend is the backend's answer, not a gateway failure. Only
// transport-level failures are translated, to 504 on deadline and 502
// when the backend cannot be reached.
package proxy
