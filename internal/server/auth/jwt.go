// Package auth implements the stateless token codec: signing and
// verification of access and refresh JWTs. Each token class has its own
// secret and lifetime; nothing here touches storage.
package auth

import (
	"errors"
	"time"

	"github.com/dmitrijs2005/authkeeper/internal/common"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token classes, carried in the "typ" claim.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

// Claims is the payload of both token classes: registered claims (sub, iat,
// exp, jti, iss) plus the token class.
type Claims struct {
	jwt.RegisteredClaims
	Type string `json:"typ"`
}

// Options configures a Codec. Secrets must be distinct.
type Options struct {
	AccessSecret  []byte
	RefreshSecret []byte
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Issuer        string
}

// Codec signs and verifies tokens. It is safe for concurrent use.
type Codec struct {
	opts Options
	now  func() time.Time
}

func NewCodec(opts Options) *Codec {
	return &Codec{opts: opts, now: time.Now}
}

// WithClock returns a copy of the codec that reads time from now.
func (c *Codec) WithClock(now func() time.Time) *Codec {
	cp := *c
	cp.now = now
	return &cp
}

// AccessTTL is the access token lifetime, reported to clients as expires_in.
func (c *Codec) AccessTTL() time.Duration { return c.opts.AccessTTL }

// RefreshTTL is the refresh token lifetime.
func (c *Codec) RefreshTTL() time.Duration { return c.opts.RefreshTTL }

// IssueAccessToken mints an access token for userID.
func (c *Codec) IssueAccessToken(userID string) (string, time.Time, error) {
	return c.issue(userID, TypeAccess, c.opts.AccessSecret, c.opts.AccessTTL)
}

// IssueRefreshToken mints a refresh token for userID. Persisting it is the
// caller's job.
func (c *Codec) IssueRefreshToken(userID string) (string, time.Time, error) {
	return c.issue(userID, TypeRefresh, c.opts.RefreshSecret, c.opts.RefreshTTL)
}

// VerifyAccessToken returns the subject of a valid access token.
func (c *Codec) VerifyAccessToken(token string) (string, error) {
	return c.verify(token, c.opts.AccessSecret, TypeAccess)
}

// VerifyRefreshToken returns the subject of a valid refresh token.
func (c *Codec) VerifyRefreshToken(token string) (string, error) {
	return c.verify(token, c.opts.RefreshSecret, TypeRefresh)
}

// Verify checks token against secret without looking at the token class.
// It fails with common.ErrTokenExpired or common.ErrInvalidToken.
func (c *Codec) Verify(token string, secret []byte) (string, error) {
	return c.verify(token, secret, "")
}

func (c *Codec) issue(userID, typ string, secret []byte, ttl time.Duration) (string, time.Time, error) {
	if len(secret) == 0 {
		return "", time.Time{}, errors.New("signing secret not configured")
	}
	if userID == "" {
		return "", time.Time{}, errors.New("empty subject")
	}

	now := c.now()
	expiresAt := now.Add(ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    c.opts.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
		Type: typ,
	})

	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}
	// NumericDate has second precision; report what the token actually says.
	return signed, expiresAt.Truncate(time.Second), nil
}

func (c *Codec) verify(tokenString string, secret []byte, wantType string) (string, error) {
	if len(secret) == 0 {
		return "", common.ErrInvalidToken
	}

	claims := &Claims{}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
	}
	if c.opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(c.opts.Issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, parserOpts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", common.ErrTokenExpired
		}
		return "", common.ErrInvalidToken
	}

	if !token.Valid || claims.Subject == "" {
		return "", common.ErrInvalidToken
	}
	if wantType != "" && claims.Type != wantType {
		return "", common.ErrInvalidToken
	}

	return claims.Subject, nil
}
