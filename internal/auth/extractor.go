package auth

import (
	"net/http"
	"strings"
)

const bearerPrefix = "Bearer "

// ExtractBearer returns the bearer token from the request's Authorization
// header. The scheme match is case-insensitive. An absent header, a
// different scheme, or an empty token all count as a missing credential.
func ExtractBearer(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", NewValidationError("no Authorization header", ErrMissingCredential)
	}

	if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", NewValidationError("Authorization scheme is not Bearer", ErrMissingCredential)
	}

	token := strings.TrimSpace(header[len(bearerPrefix):])
	if token == "" {
		return "", NewValidationError("empty bearer token", ErrMissingCredential)
	}

	return token, nil
}
