package auth

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret-for-hmac-signing")

func baseToken() *jwt.Builder {
	return jwt.NewBuilder().
		Subject("user-1").
		Issuer("https://issuer.example").
		Audience([]string{"edge"}).
		IssuedAt(time.Now()).
		Expiration(time.Now().Add(time.Hour))
}

func mint(t *testing.T, alg jwa.SignatureAlgorithm, key any, b *jwt.Builder) string {
	t.Helper()

	tok, err := b.Build()
	require.NoError(t, err)

	signed, err := jwt.Sign(tok, jwt.WithKey(alg, key))
	require.NoError(t, err)
	return string(signed)
}

func hmacValidator(t *testing.T) *Validator {
	t.Helper()

	v, err := NewValidator(Config{
		Algorithms: []string{"HS256"},
		Key:        testSecret,
		Issuer:     "https://issuer.example",
		Audience:   "edge",
		ClockSkew:  30 * time.Second,
	})
	require.NoError(t, err)
	return v
}

func rsaKeyPair(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	return key, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

func ecdsaKeyPair(t *testing.T) (*ecdsa.PrivateKey, []byte) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	return key, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

func TestValidateHS256(t *testing.T) {
	t.Parallel()

	v := hmacValidator(t)
	token := mint(t, jwa.HS256, testSecret, baseToken())

	claims, err := v.Validate(context.Background(), token)
	require.NoError(t, err)

	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "https://issuer.example", claims.Issuer)
	assert.True(t, claims.Audience.Contains("edge"))
	require.NotNil(t, claims.ExpiresAt)
}

func TestValidateRS256(t *testing.T) {
	t.Parallel()

	private, publicPEM := rsaKeyPair(t)
	v, err := NewValidator(Config{Algorithms: []string{"RS256"}, Key: publicPEM})
	require.NoError(t, err)

	token := mint(t, jwa.RS256, private, baseToken())

	claims, err := v.Validate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
}

func TestValidateES256(t *testing.T) {
	t.Parallel()

	private, publicPEM := ecdsaKeyPair(t)
	v, err := NewValidator(Config{Algorithms: []string{"ES256"}, Key: publicPEM})
	require.NoError(t, err)

	token := mint(t, jwa.ES256, private, baseToken())

	claims, err := v.Validate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
}

func TestValidateRejections(t *testing.T) {
	t.Parallel()

	expSoon := fmt.Sprint(time.Now().Add(time.Hour).Unix())
	unsignedToken := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`)) +
		"." + base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"user-1","exp":`+expSoon+`}`)) + "."

	tests := []struct {
		name     string
		token    func(t *testing.T) string
		sentinel error
	}{
		{
			name:     "empty token",
			token:    func(*testing.T) string { return "" },
			sentinel: ErrMissingCredential,
		},
		{
			name:     "not a compact JWS",
			token:    func(*testing.T) string { return "only.two" },
			sentinel: ErrMalformedCredential,
		},
		{
			name:     "garbage header",
			token:    func(*testing.T) string { return "not-base64!!." + "e30" + ".sig" },
			sentinel: ErrMalformedCredential,
		},
		{
			name:     "alg none",
			token:    func(*testing.T) string { return unsignedToken },
			sentinel: ErrUnsupportedAlgorithm,
		},
		{
			name: "alg outside allowlist",
			token: func(t *testing.T) string {
				return mint(t, jwa.HS384, testSecret, baseToken())
			},
			sentinel: ErrUnsupportedAlgorithm,
		},
		{
			name: "wrong key",
			token: func(t *testing.T) string {
				return mint(t, jwa.HS256, []byte("another-secret-entirely-here"), baseToken())
			},
			sentinel: ErrInvalidSignature,
		},
		{
			name: "tampered claims",
			token: func(t *testing.T) string {
				valid := mint(t, jwa.HS256, testSecret, baseToken())
				parts := strings.Split(valid, ".")
				payload, err := base64.RawURLEncoding.DecodeString(parts[1])
				require.NoError(t, err)
				payload = bytes.Replace(payload, []byte("user-1"), []byte("user-2"), 1)
				parts[1] = base64.RawURLEncoding.EncodeToString(payload)
				return strings.Join(parts, ".")
			},
			sentinel: ErrInvalidSignature,
		},
		{
			name: "expired beyond skew",
			token: func(t *testing.T) string {
				return mint(t, jwa.HS256, testSecret,
					baseToken().Expiration(time.Now().Add(-5*time.Minute)))
			},
			sentinel: ErrTokenExpired,
		},
		{
			name: "no expiry",
			token: func(t *testing.T) string {
				return mint(t, jwa.HS256, testSecret, jwt.NewBuilder().
					Subject("user-1").
					Issuer("https://issuer.example").
					Audience([]string{"edge"}))
			},
			sentinel: ErrTokenExpired,
		},
		{
			name: "not yet valid",
			token: func(t *testing.T) string {
				return mint(t, jwa.HS256, testSecret,
					baseToken().NotBefore(time.Now().Add(10*time.Minute)))
			},
			sentinel: ErrTokenNotYetValid,
		},
		{
			name: "wrong issuer",
			token: func(t *testing.T) string {
				return mint(t, jwa.HS256, testSecret,
					baseToken().Issuer("https://rogue.example"))
			},
			sentinel: ErrInvalidIssuer,
		},
		{
			name: "wrong audience",
			token: func(t *testing.T) string {
				return mint(t, jwa.HS256, testSecret,
					baseToken().Audience([]string{"other"}))
			},
			sentinel: ErrInvalidAudience,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			v := hmacValidator(t)
			_, err := v.Validate(context.Background(), tt.token(t))

			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)

			var verr *ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestValidateClockSkewTolerance(t *testing.T) {
	t.Parallel()

	v := hmacValidator(t)

	// Expired ten seconds ago, inside the 30s skew.
	token := mint(t, jwa.HS256, testSecret,
		baseToken().Expiration(time.Now().Add(-10*time.Second)))

	_, err := v.Validate(context.Background(), token)
	require.NoError(t, err)
}

func TestNewValidatorErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "no algorithms", cfg: Config{Key: testSecret}},
		{name: "unsupported algorithm", cfg: Config{Algorithms: []string{"none"}, Key: testSecret}},
		{name: "empty HMAC secret", cfg: Config{Algorithms: []string{"HS256"}}},
		{name: "asymmetric without PEM", cfg: Config{Algorithms: []string{"RS256"}, Key: []byte("not a pem")}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := NewValidator(tt.cfg)
			require.Error(t, err)
		})
	}
}

func TestFailureReason(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want string
	}{
		{NewValidationError("x", ErrMissingCredential), "missing_credential"},
		{NewValidationError("x", ErrMalformedCredential), "malformed"},
		{NewValidationError("x", ErrUnsupportedAlgorithm), "unsupported_algorithm"},
		{NewValidationError("x", ErrInvalidSignature), "invalid_signature"},
		{NewValidationError("x", ErrTokenExpired), "expired"},
		{NewValidationError("x", ErrTokenNotYetValid), "not_yet_valid"},
		{NewValidationError("x", ErrInvalidIssuer), "invalid_issuer"},
		{NewValidationError("x", ErrInvalidAudience), "invalid_audience"},
		{fmt.Errorf("anything else"), "invalid"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, FailureReason(tt.err))
	}
}
