package pipeline

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/edgegate/edgegate/internal/auth"
	"github.com/edgegate/edgegate/internal/observability"
	"github.com/edgegate/edgegate/internal/ratelimit"
	"github.com/edgegate/edgegate/internal/router"
)

// TokenStage validates the bearer credential and derives the request
// identity. Paths matching a configured skip prefix pass through
// anonymously; everything else needs a signature-valid token.
type TokenStage struct {
	validator *auth.Validator
	skipPaths []string
	metrics   *observability.Metrics
	logger    observability.Logger
}

// TokenStageOption is a functional option for the token stage.
type TokenStageOption func(*TokenStage)

// WithSkipPaths sets path prefixes served without token validation.
func WithSkipPaths(prefixes []string) TokenStageOption {
	return func(s *TokenStage) {
		s.skipPaths = prefixes
	}
}

// WithTokenStageMetrics records auth failures on the given metrics.
func WithTokenStageMetrics(metrics *observability.Metrics) TokenStageOption {
	return func(s *TokenStage) {
		s.metrics = metrics
	}
}

// WithTokenStageLogger sets the logger.
func WithTokenStageLogger(logger observability.Logger) TokenStageOption {
	return func(s *TokenStage) {
		s.logger = logger
	}
}

// NewTokenStage creates the token validation stage.
func NewTokenStage(validator *auth.Validator, opts ...TokenStageOption) *TokenStage {
	s := &TokenStage{
		validator: validator,
		logger:    observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements Stage.
func (s *TokenStage) Name() string { return "token" }

// Evaluate implements Stage. On success it upgrades the request
// identity from the client address to the token subject; on failure
// the address identity stands, so the limiter still counts the
// request.
func (s *TokenStage) Evaluate(ctx context.Context, state *State) Outcome {
	if s.skipped(state.Request.URL.Path) {
		state.Anonymous = true
		return Continue()
	}

	token, err := auth.ExtractBearer(state.Request)
	if err == nil {
		var claims *auth.Claims
		claims, err = s.validator.Validate(ctx, token)
		if err == nil {
			state.Claims = claims
			state.Subject = claims.Subject
			if claims.Subject != "" {
				state.Identity = ratelimit.SubjectKey(claims.Subject)
			}
			return Continue()
		}
	}

	reason := auth.FailureReason(err)
	if s.metrics != nil {
		s.metrics.RecordAuthFailure(reason)
	}
	s.logger.Debug("token rejected",
		observability.String("path", state.Request.URL.Path),
		observability.String("client", state.ClientAddr),
		observability.Error(err),
	)

	out := Reject(http.StatusUnauthorized, observability.OutcomeUnauthorized, reason)
	out.Err = err
	return out
}

// skipped reports whether path falls under one of the skip prefixes on
// a whole segment boundary.
func (s *TokenStage) skipped(path string) bool {
	for _, prefix := range s.skipPaths {
		if pathHasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// RateLimitStage consumes one slot of the request identity's budget.
// It always runs, even when the token stage rejected: unauthenticated
// traffic is counted against abuse limits too.
type RateLimitStage struct {
	limiter ratelimit.Limiter
	metrics *observability.Metrics
	logger  observability.Logger
}

// RateLimitStageOption is a functional option for the rate limit stage.
type RateLimitStageOption func(*RateLimitStage)

// WithRateLimitStageMetrics records rejections on the given metrics.
func WithRateLimitStageMetrics(metrics *observability.Metrics) RateLimitStageOption {
	return func(s *RateLimitStage) {
		s.metrics = metrics
	}
}

// WithRateLimitStageLogger sets the logger.
func WithRateLimitStageLogger(logger observability.Logger) RateLimitStageOption {
	return func(s *RateLimitStage) {
		s.logger = logger
	}
}

// NewRateLimitStage creates the rate limiting stage.
func NewRateLimitStage(limiter ratelimit.Limiter, opts ...RateLimitStageOption) *RateLimitStage {
	s := &RateLimitStage{
		limiter: limiter,
		logger:  observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements Stage.
func (s *RateLimitStage) Name() string { return "ratelimit" }

// Evaluate implements Stage. A limiter error fails closed: the request
// is rejected, not admitted.
func (s *RateLimitStage) Evaluate(ctx context.Context, state *State) Outcome {
	res, err := s.limiter.Allow(ctx, state.Identity)
	if err != nil {
		s.logger.Error("rate limit check failed",
			observability.String("identity", state.Identity),
			observability.Error(err),
		)
		out := Reject(http.StatusInternalServerError,
			observability.OutcomeInternalError, "rate limit check failed")
		out.Err = err
		return out
	}

	state.RateLimit = res
	if res.Allowed {
		return Continue()
	}

	if s.metrics != nil {
		s.metrics.RecordRateLimitRejection(observability.UnmatchedRoute)
	}
	s.logger.Debug("rate limit exceeded",
		observability.String("identity", state.Identity),
		observability.Duration("retry_after", res.RetryAfter),
	)

	out := Reject(http.StatusTooManyRequests,
		observability.OutcomeRateLimited, "rate limit exceeded")
	out.RetryAfter = res.RetryAfter
	return out
}

// RouteStage resolves the request path against the route table. It
// only runs after both security stages passed.
type RouteStage struct {
	table *router.Table
}

// NewRouteStage creates the route resolution stage.
func NewRouteStage(table *router.Table) *RouteStage {
	return &RouteStage{table: table}
}

// Name implements Stage.
func (s *RouteStage) Name() string { return "route" }

// Evaluate implements Stage.
func (s *RouteStage) Evaluate(_ context.Context, state *State) Outcome {
	route, err := s.table.Lookup(state.Request.URL.Path)
	if err != nil {
		if errors.Is(err, router.ErrNoRouteMatch) {
			out := Reject(http.StatusNotFound,
				observability.OutcomeNoRoute, "no route matches path")
			out.Err = err
			return out
		}
		out := Reject(http.StatusInternalServerError,
			observability.OutcomeInternalError, "route lookup failed")
		out.Err = err
		return out
	}

	state.Route = route
	return Continue()
}

// pathHasPrefix reports whether path falls under prefix on a whole
// segment boundary, mirroring route table matching.
func pathHasPrefix(path, prefix string) bool {
	if prefix == "/" {
		return strings.HasPrefix(path, "/")
	}
	prefix = strings.TrimRight(prefix, "/")
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}
