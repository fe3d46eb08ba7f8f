package models

import "time"

// RefreshToken is a server-side record of an issued refresh token. A token
// is redeemable only while its row exists and ExpiresAt is in the future.
type RefreshToken struct {
	ID        string
	UserID    string
	Token     string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Expired reports whether the token is past its expiry at now.
func (t *RefreshToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}
