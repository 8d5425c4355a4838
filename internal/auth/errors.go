package auth

import (
	"errors"
	"fmt"
)

// Supported JWS algorithm constants.
const (
	AlgHS256 = "HS256"
	AlgHS384 = "HS384"
	AlgHS512 = "HS512"
	AlgRS256 = "RS256"
	AlgRS384 = "RS384"
	AlgRS512 = "RS512"
	AlgES256 = "ES256"
	AlgES384 = "ES384"
	AlgES512 = "ES512"
)

// Sentinel errors for token validation. The HTTP boundary maps every one
// of them to 401; the distinction exists for logs and metrics only.
var (
	// ErrMissingCredential indicates that no bearer credential was presented.
	ErrMissingCredential = errors.New("missing bearer credential")

	// ErrMalformedCredential indicates that the credential is not a
	// parseable compact JWS.
	ErrMalformedCredential = errors.New("malformed credential")

	// ErrUnsupportedAlgorithm indicates that the token's alg header is not
	// in the configured allowlist.
	ErrUnsupportedAlgorithm = errors.New("signing algorithm is not allowed")

	// ErrInvalidSignature indicates that signature verification failed.
	ErrInvalidSignature = errors.New("token signature is invalid")

	// ErrTokenExpired indicates that the token has expired or carries no
	// expiry at all.
	ErrTokenExpired = errors.New("token has expired")

	// ErrTokenNotYetValid indicates that the token's nbf or iat lies in
	// the future.
	ErrTokenNotYetValid = errors.New("token is not yet valid")

	// ErrInvalidIssuer indicates that the iss claim does not match the
	// expected issuer.
	ErrInvalidIssuer = errors.New("token issuer is invalid")

	// ErrInvalidAudience indicates that the aud claim does not contain the
	// expected audience.
	ErrInvalidAudience = errors.New("token audience is invalid")

	// ErrInvalidKey indicates that the configured key material cannot
	// serve the configured algorithms.
	ErrInvalidKey = errors.New("verification key is invalid")
)

// ValidationError wraps a sentinel with a message safe for logs. It never
// reaches response bodies.
type ValidationError struct {
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("token validation: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("token validation: %s", e.Message)
}

// Unwrap returns the underlying sentinel.
func (e *ValidationError) Unwrap() error {
	return e.Cause
}

// Is matches any *ValidationError as well as the wrapped sentinel.
func (e *ValidationError) Is(target error) bool {
	_, ok := target.(*ValidationError)
	return ok || errors.Is(e.Cause, target)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string, cause error) *ValidationError {
	return &ValidationError{Message: message, Cause: cause}
}

// FailureReason maps a validation error to a low-cardinality label value
// for the auth failure counter.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, ErrMissingCredential):
		return "missing_credential"
	case errors.Is(err, ErrMalformedCredential):
		return "malformed"
	case errors.Is(err, ErrUnsupportedAlgorithm):
		return "unsupported_algorithm"
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrTokenNotYetValid):
		return "not_yet_valid"
	case errors.Is(err, ErrInvalidIssuer):
		return "invalid_issuer"
	case errors.Is(err, ErrInvalidAudience):
		return "invalid_audience"
	default:
		return "invalid"
	}
}
