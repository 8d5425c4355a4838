package auth

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaimsUnmarshal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want Claims
	}{
		{
			name: "audience as string",
			body: `{"sub":"user-1","aud":"edge","exp":4102444800}`,
			want: Claims{
				Subject:   "user-1",
				Audience:  Audience{"edge"},
				ExpiresAt: &Time{Time: time.Unix(4102444800, 0)},
			},
		},
		{
			name: "audience as array",
			body: `{"aud":["edge","admin"]}`,
			want: Claims{Audience: Audience{"edge", "admin"}},
		},
		{
			name: "fractional timestamps truncate",
			body: `{"iat":1700000000.75}`,
			want: Claims{IssuedAt: &Time{Time: time.Unix(1700000000, 0)}},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var got Claims
			require.NoError(t, json.Unmarshal([]byte(tt.body), &got))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAudienceMarshal(t *testing.T) {
	t.Parallel()

	single, err := json.Marshal(Audience{"edge"})
	require.NoError(t, err)
	assert.Equal(t, `"edge"`, string(single))

	multiple, err := json.Marshal(Audience{"edge", "admin"})
	require.NoError(t, err)
	assert.Equal(t, `["edge","admin"]`, string(multiple))
}

func TestValidWithSkew(t *testing.T) {
	t.Parallel()

	now := time.Now()
	future := &Time{Time: now.Add(time.Hour)}

	tests := []struct {
		name     string
		claims   Claims
		skew     time.Duration
		sentinel error
	}{
		{
			name:   "valid",
			claims: Claims{ExpiresAt: future},
		},
		{
			name:     "no expiry",
			claims:   Claims{},
			sentinel: ErrTokenExpired,
		},
		{
			name:     "expired",
			claims:   Claims{ExpiresAt: &Time{Time: now.Add(-time.Minute)}},
			sentinel: ErrTokenExpired,
		},
		{
			name:   "expired within skew",
			claims: Claims{ExpiresAt: &Time{Time: now.Add(-time.Minute)}},
			skew:   2 * time.Minute,
		},
		{
			name:     "nbf in the future",
			claims:   Claims{ExpiresAt: future, NotBefore: &Time{Time: now.Add(time.Hour)}},
			sentinel: ErrTokenNotYetValid,
		},
		{
			name:   "nbf within skew",
			claims: Claims{ExpiresAt: future, NotBefore: &Time{Time: now.Add(10 * time.Second)}},
			skew:   30 * time.Second,
		},
		{
			name:     "iat in the future",
			claims:   Claims{ExpiresAt: future, IssuedAt: &Time{Time: now.Add(time.Hour)}},
			sentinel: ErrTokenNotYetValid,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.claims.ValidWithSkew(tt.skew)
			if tt.sentinel == nil {
				require.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.sentinel)
		})
	}
}
