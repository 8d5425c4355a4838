// Package middleware provides the HTTP middleware wrapped around the
// gateway pipeline: panic recovery, request ID propagation, and client
// address extraction behind trusted proxies.
//
// Middleware here is deliberately thin. Token validation, rate
// limiting, and routing are pipeline stages rather than middleware
// because their order and shared request state are part of the
// gateway's contract.
package middleware
