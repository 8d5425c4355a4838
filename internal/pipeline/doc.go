// Package pipeline orchestrates the gateway's per-request decision
// chain: token validation, rate limiting, route resolution, and
// forwarding, in that fixed order.
//
// Each checkpoint is a Stage producing a tagged Outcome (continue or
// reject with a status). Authentication runs before rate limiting so
// that rejected traffic is still counted against abuse limits under
// the best identity available, and routing runs only after both
// security stages pass, so abusive traffic never reaches backend
// selection. The response always reflects the first rejection in
// stage order.
//
// The pipeline owns all of its state through construction-time
// injection; there are no package-level registries or counters. One
// observability event is emitted per request, whatever path the
// request takes through the stages.
package pipeline
