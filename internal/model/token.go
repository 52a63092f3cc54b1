package model

import "time"

// ExpirySkew is the safety margin subtracted from a token's expiry when
// judging validity, so a token is never handed out moments before it lapses.
const ExpirySkew = time.Minute

// TokenRecord is the cached OAuth token held inside the secure store.
// Records are always replaced wholesale after a successful refresh or
// device-flow completion, never mutated field by field.
type TokenRecord struct {
	// AccessToken is the bearer credential presented to the provider API.
	AccessToken string `json:"access_token"`

	// RefreshToken is the opaque provider-issued refresh credential.
	// Its presence enables silent refresh.
	RefreshToken string `json:"refresh_token,omitempty"`

	// ExpiresAt is the absolute UTC instant the access token expires.
	// A zero value makes the record invalid.
	ExpiresAt time.Time `json:"expires_at,omitzero"`

	// Scopes are the scopes the token was issued for, in request order.
	Scopes []string `json:"scopes,omitempty"`
}

// Valid reports whether the record can be used as-is at the given instant:
// the access token and expiry are present and the expiry, less the skew
// margin, is still in the future.
func (t TokenRecord) Valid(now time.Time) bool {
	if t.AccessToken == "" || t.ExpiresAt.IsZero() {
		return false
	}
	return now.Before(t.ExpiresAt.Add(-ExpirySkew))
}
