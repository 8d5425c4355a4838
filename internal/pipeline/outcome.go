package pipeline

import (
	"context"
	"net/http"
	"time"

	"github.com/edgegate/edgegate/internal/auth"
	"github.com/edgegate/edgegate/internal/observability"
	"github.com/edgegate/edgegate/internal/ratelimit"
	"github.com/edgegate/edgegate/internal/router"
)

// State carries one request through the pipeline. A State belongs to
// exactly one request and is never shared, so stages mutate it freely.
type State struct {
	// Request is the inbound request under evaluation.
	Request *http.Request

	// ClientAddr is the network address derived for the client before
	// authentication, the best identity available for anonymous or
	// rejected traffic.
	ClientAddr string

	// Identity is the rate-limit key for this request: the token
	// subject once validated, the client address otherwise.
	Identity string

	// Subject is the authenticated token subject, empty for anonymous
	// requests.
	Subject string

	// Claims holds the validated token claims, nil when the token
	// stage rejected or was skipped.
	Claims *auth.Claims

	// Route is the resolved route, nil until the routing stage ran.
	Route *router.Route

	// RateLimit is the limiter decision for this request, nil when the
	// limiter errored.
	RateLimit *ratelimit.Result

	// Anonymous marks requests that matched a public path prefix and
	// bypassed token validation.
	Anonymous bool
}

// Outcome is the tagged result of one stage evaluation: either the
// request continues to the next stage, or it stops here with a status.
type Outcome struct {
	// Rejected reports whether the stage stopped the request.
	Rejected bool

	// Status is the HTTP status written for a rejection.
	Status int

	// Class labels the outcome on the observability record.
	Class observability.Outcome

	// Reason is operator-facing detail, logged and never sent to the
	// client.
	Reason string

	// RetryAfter, when positive, becomes the Retry-After header.
	RetryAfter time.Duration

	// Err carries the underlying failure for the log.
	Err error
}

// Continue returns the outcome that lets the request proceed.
func Continue() Outcome {
	return Outcome{}
}

// Reject returns a terminal outcome with the given status.
func Reject(status int, class observability.Outcome, reason string) Outcome {
	return Outcome{
		Rejected: true,
		Status:   status,
		Class:    class,
		Reason:   reason,
	}
}

// Stage is one checkpoint of the pipeline. Evaluate inspects the
// request state and either lets it continue or rejects it; it must not
// write to the client, the pipeline owns the response.
type Stage interface {
	// Name identifies the stage in logs and span events.
	Name() string

	// Evaluate applies the stage's decision to the request state.
	Evaluate(ctx context.Context, state *State) Outcome
}
