package auth

import (
	"encoding/json"
	"time"
)

// Claims holds the registered JWT claims the gateway inspects. Tokens may
// carry more; anything beyond these is ignored.
type Claims struct {
	Issuer    string   `json:"iss,omitempty"`
	Subject   string   `json:"sub,omitempty"`
	Audience  Audience `json:"aud,omitempty"`
	ExpiresAt *Time    `json:"exp,omitempty"`
	NotBefore *Time    `json:"nbf,omitempty"`
	IssuedAt  *Time    `json:"iat,omitempty"`
	JWTID     string   `json:"jti,omitempty"`
}

// Time wraps time.Time for NumericDate (Unix seconds) JSON encoding.
type Time struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Time) UnmarshalJSON(data []byte) error {
	var timestamp float64
	if err := json.Unmarshal(data, &timestamp); err != nil {
		return err
	}
	t.Time = time.Unix(int64(timestamp), 0)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (t Time) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Unix())
}

// Audience is the aud claim, which RFC 7519 allows as either a single
// string or an array of strings.
type Audience []string

// UnmarshalJSON implements json.Unmarshaler.
func (a *Audience) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*a = Audience{single}
		return nil
	}

	var multiple []string
	if err := json.Unmarshal(data, &multiple); err != nil {
		return err
	}
	*a = Audience(multiple)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (a Audience) MarshalJSON() ([]byte, error) {
	if len(a) == 1 {
		return json.Marshal(a[0])
	}
	return json.Marshal([]string(a))
}

// Contains reports whether the audience includes aud.
func (a Audience) Contains(aud string) bool {
	for _, v := range a {
		if v == aud {
			return true
		}
	}
	return false
}

// ValidWithSkew checks the time claims with clock skew tolerance. exp is
// required; nbf and iat are checked only when present.
func (c *Claims) ValidWithSkew(skew time.Duration) error {
	now := time.Now()

	if c.ExpiresAt == nil {
		return NewValidationError("token has no expiry", ErrTokenExpired)
	}
	if now.After(c.ExpiresAt.Time.Add(skew)) {
		return NewValidationError("token expired at "+c.ExpiresAt.Format(time.RFC3339), ErrTokenExpired)
	}
	if c.NotBefore != nil && now.Before(c.NotBefore.Time.Add(-skew)) {
		return NewValidationError("token not valid before "+c.NotBefore.Format(time.RFC3339), ErrTokenNotYetValid)
	}
	if c.IssuedAt != nil && now.Before(c.IssuedAt.Time.Add(-skew)) {
		return NewValidationError("token issued in the future", ErrTokenNotYetValid)
	}

	return nil
}
