// Package authtoken provides a default getPushAuth/getPullAuth credential
// provider backed by a signed JWT, for callers who don't supply their own
// callback.
package authtoken

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMalformedBearer is returned by Verify when the header value doesn't
// carry the expected "Bearer <token>" shape.
var ErrMalformedBearer = errors.New("authtoken: expected \"Bearer <token>\" header value")

// Provider mints short-lived bearer tokens for a fixed client identity,
// signed with an HMAC secret. Call Token each time the sync engine invokes
// getPushAuth/getPullAuth after a 401.
type Provider struct {
	secret   []byte
	clientID string
	ttl      time.Duration
}

func New(secret []byte, clientID string, ttl time.Duration) *Provider {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Provider{secret: secret, clientID: clientID, ttl: ttl}
}

// Token mints a fresh signed token, returned as an "Authorization" header
// value ("Bearer <token>").
func (p *Provider) Token() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   p.clientID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(p.ttl)),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(p.secret)
	if err != nil {
		return "", err
	}
	return "Bearer " + signed, nil
}

// Verify checks a bearer token minted by Token, for use by the reference
// HTTP server's auth middleware.
func (p *Provider) Verify(bearer string) (subject string, err error) {
	raw, ok := strings.CutPrefix(bearer, "Bearer ")
	if !ok {
		return "", ErrMalformedBearer
	}
	tok, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		return p.secret, nil
	})
	if err != nil {
		return "", err
	}
	claims := tok.Claims.(*jwt.RegisteredClaims)
	return claims.Subject, nil
}
