// Package auth validates bearer tokens presented to the gateway.
//
// Tokens are compact JWS (JWT) credentials carried in the Authorization
// header. The validator pins signature algorithms to a configured
// allowlist, verifies the signature against static key material, and
// checks the registered time, issuer, and audience claims with clock
// skew tolerance.
//
//	validator, err := auth.NewValidator(auth.Config{
//	    Algorithms: []string{"HS256"},
//	    Key:        secret,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	claims, err := validator.Validate(ctx, token)
//	if err != nil {
//	    // 401, reason via auth.FailureReason(err)
//	}
//
// All validation failures wrap a package sentinel inside a
// *ValidationError, so callers can branch with errors.Is while the HTTP
// boundary keeps a single generic 401 response.
package auth
