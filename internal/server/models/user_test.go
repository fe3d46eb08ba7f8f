package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUser_PublicOmitsHash(t *testing.T) {
	u := &User{
		ID:           "u-1",
		Email:        "a@b.co",
		Name:         "Alice",
		PasswordHash: "$2a$12$secret",
		CreatedAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		UpdatedAt:    time.Date(2026, 1, 3, 3, 4, 5, 0, time.UTC),
	}

	b, err := json.Marshal(u.Public())
	require.NoError(t, err)
	assert.NotContains(t, string(b), "secret")
	assert.JSONEq(t, `{"id":"u-1","email":"a@b.co","name":"Alice","created_at":"2026-01-02T03:04:05Z","updated_at":"2026-01-03T03:04:05Z"}`, string(b))
}

func TestRefreshToken_Expired(t *testing.T) {
	now := time.Now()
	rt := &RefreshToken{ExpiresAt: now.Add(time.Second)}
	assert.False(t, rt.Expired(now))
	assert.True(t, rt.Expired(now.Add(time.Second)))
	assert.True(t, rt.Expired(now.Add(time.Minute)))
}
