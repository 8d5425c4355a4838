package auth

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"hash"
	"math/big"
	"strings"
	"time"

	"github.com/edgegate/edgegate/internal/observability"
)

// Config describes what the validator accepts. Key carries the raw HMAC
// secret for HS* algorithms or a PEM-encoded public key for RS*/ES*.
type Config struct {
	Algorithms []string
	Key        []byte
	Issuer     string
	Audience   string
	ClockSkew  time.Duration
}

// Validator verifies compact JWS tokens against static key material.
// It is safe for concurrent use.
type Validator struct {
	algorithms map[string]bool
	hmacKey    []byte
	publicKey  crypto.PublicKey
	issuer     string
	audience   string
	clockSkew  time.Duration
	logger     observability.Logger
}

// ValidatorOption is a functional option for the validator.
type ValidatorOption func(*Validator)

// WithValidatorLogger sets the logger for the validator.
func WithValidatorLogger(logger observability.Logger) ValidatorOption {
	return func(v *Validator) {
		v.logger = logger
	}
}

// NewValidator creates a validator. It fails when the algorithm list is
// empty, contains an unsupported entry, or the key material cannot serve
// the listed algorithms.
func NewValidator(cfg Config, opts ...ValidatorOption) (*Validator, error) {
	if len(cfg.Algorithms) == 0 {
		return nil, fmt.Errorf("at least one algorithm is required")
	}

	v := &Validator{
		algorithms: make(map[string]bool, len(cfg.Algorithms)),
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		clockSkew:  cfg.ClockSkew,
		logger:     observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(v)
	}

	var needHMAC, needPublic bool
	for _, alg := range cfg.Algorithms {
		switch alg {
		case AlgHS256, AlgHS384, AlgHS512:
			needHMAC = true
		case AlgRS256, AlgRS384, AlgRS512, AlgES256, AlgES384, AlgES512:
			needPublic = true
		default:
			return nil, fmt.Errorf("algorithm %q: %w", alg, ErrUnsupportedAlgorithm)
		}
		v.algorithms[alg] = true
	}

	if needHMAC {
		if len(cfg.Key) == 0 {
			return nil, fmt.Errorf("HMAC algorithms need a non-empty secret: %w", ErrInvalidKey)
		}
		v.hmacKey = cfg.Key
	}
	if needPublic {
		key, err := ParsePublicKey(cfg.Key)
		if err != nil {
			return nil, err
		}
		v.publicKey = key
	}

	return v, nil
}

// Validate verifies a compact JWS token and returns its claims. Every
// failure wraps one of the package sentinels.
func (v *Validator) Validate(ctx context.Context, token string) (*Claims, error) {
	if token == "" {
		return nil, NewValidationError("empty token", ErrMissingCredential)
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, NewValidationError("token is not a compact JWS", ErrMalformedCredential)
	}

	header, err := decodeHeader(parts[0])
	if err != nil {
		return nil, NewValidationError("failed to decode header", ErrMalformedCredential)
	}

	// Algorithm pinning happens before any signature work. alg=none never
	// appears in the allowlist, so unsigned tokens die here.
	if !v.algorithms[header.Algorithm] {
		return nil, NewValidationError(
			fmt.Sprintf("algorithm %q is not allowed", header.Algorithm), ErrUnsupportedAlgorithm)
	}

	claims, err := decodeClaims(parts[1])
	if err != nil {
		return nil, NewValidationError("failed to decode claims", ErrMalformedCredential)
	}

	if err := v.verifySignature(header.Algorithm, parts[0]+"."+parts[1], parts[2]); err != nil {
		return nil, err
	}

	if err := v.validateClaims(claims); err != nil {
		return nil, err
	}

	v.logger.Debug("token validated",
		observability.String("subject", claims.Subject),
		observability.String("issuer", claims.Issuer),
	)

	return claims, nil
}

// tokenHeader is the JOSE header of a compact JWS.
type tokenHeader struct {
	Algorithm string `json:"alg"`
	Type      string `json:"typ"`
	KeyID     string `json:"kid"`
}

func decodeHeader(encoded string) (*tokenHeader, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	var header tokenHeader
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, err
	}
	return &header, nil
}

func decodeClaims(encoded string) (*Claims, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	var claims Claims
	if err := json.Unmarshal(data, &claims); err != nil {
		return nil, err
	}
	return &claims, nil
}

func (v *Validator) verifySignature(alg, signingInput, signature string) error {
	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return NewValidationError("failed to decode signature", ErrMalformedCredential)
	}

	switch alg {
	case AlgHS256:
		return v.verifyHMAC(signingInput, sig, sha256.New)
	case AlgHS384:
		return v.verifyHMAC(signingInput, sig, sha512.New384)
	case AlgHS512:
		return v.verifyHMAC(signingInput, sig, sha512.New)
	case AlgRS256:
		return v.verifyRSA(signingInput, sig, crypto.SHA256)
	case AlgRS384:
		return v.verifyRSA(signingInput, sig, crypto.SHA384)
	case AlgRS512:
		return v.verifyRSA(signingInput, sig, crypto.SHA512)
	case AlgES256:
		return v.verifyECDSA(signingInput, sig, crypto.SHA256)
	case AlgES384:
		return v.verifyECDSA(signingInput, sig, crypto.SHA384)
	case AlgES512:
		return v.verifyECDSA(signingInput, sig, crypto.SHA512)
	default:
		return NewValidationError(
			fmt.Sprintf("algorithm %q is not supported", alg), ErrUnsupportedAlgorithm)
	}
}

func (v *Validator) verifyHMAC(signingInput string, signature []byte, hashFunc func() hash.Hash) error {
	mac := hmac.New(hashFunc, v.hmacKey)
	mac.Write([]byte(signingInput))

	if !hmac.Equal(signature, mac.Sum(nil)) {
		return NewValidationError("HMAC verification failed", ErrInvalidSignature)
	}
	return nil
}

func (v *Validator) verifyRSA(signingInput string, signature []byte, hashAlg crypto.Hash) error {
	rsaKey, ok := v.publicKey.(*rsa.PublicKey)
	if !ok {
		return NewValidationError("configured key is not an RSA public key", ErrInvalidKey)
	}

	h := hashAlg.New()
	h.Write([]byte(signingInput))

	if err := rsa.VerifyPKCS1v15(rsaKey, hashAlg, h.Sum(nil), signature); err != nil {
		return NewValidationError("RSA verification failed", ErrInvalidSignature)
	}
	return nil
}

func (v *Validator) verifyECDSA(signingInput string, signature []byte, hashAlg crypto.Hash) error {
	ecdsaKey, ok := v.publicKey.(*ecdsa.PublicKey)
	if !ok {
		return NewValidationError("configured key is not an ECDSA public key", ErrInvalidKey)
	}

	// JWS encodes ECDSA signatures as the raw r || s concatenation, each
	// half padded to the curve byte size.
	keySize := (ecdsaKey.Curve.Params().BitSize + 7) / 8
	if len(signature) != 2*keySize {
		return NewValidationError("bad ECDSA signature length", ErrInvalidSignature)
	}
	r := new(big.Int).SetBytes(signature[:keySize])
	s := new(big.Int).SetBytes(signature[keySize:])

	h := hashAlg.New()
	h.Write([]byte(signingInput))

	if !ecdsa.Verify(ecdsaKey, h.Sum(nil), r, s) {
		return NewValidationError("ECDSA verification failed", ErrInvalidSignature)
	}
	return nil
}

func (v *Validator) validateClaims(claims *Claims) error {
	if err := claims.ValidWithSkew(v.clockSkew); err != nil {
		return err
	}

	if v.issuer != "" && claims.Issuer != v.issuer {
		return NewValidationError(
			fmt.Sprintf("issuer %q is not expected", claims.Issuer), ErrInvalidIssuer)
	}
	if v.audience != "" && !claims.Audience.Contains(v.audience) {
		return NewValidationError("audience does not match", ErrInvalidAudience)
	}

	return nil
}
