package model

import "time"

// AccessToken is a bearer credential for one call sequence against the
// backend. It is never cached by the gateway.
type AccessToken struct {
	Token     string
	TokenType string
	Scope     string
	Audience  string
	ExpiresAt time.Time
}

// Expired reports whether the token is past its expiry at now.
// A zero ExpiresAt means the provider did not say, and is treated as valid.
func (t *AccessToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}
