package identity

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"codepair/pkg/types"
)

// TokenIssuer signs user tokens for the chat and video client SDKs
// FUNCTIONAL DISCOVERY: The provider only checks the user_id claim and the
// signature made with the shared API secret
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer creates an issuer. A zero ttl issues tokens without expiry.
func NewTokenIssuer(secret string, ttl time.Duration) (*TokenIssuer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrNotConfigured
	}
	return &TokenIssuer{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// IssueUserToken signs a token for the user's external id
func (t *TokenIssuer) IssueUserToken(user *types.User) (string, error) {
	if user == nil || user.ExternalID == "" {
		return "", ErrUserNotFound
	}
	now := t.now()
	claims := jwt.MapClaims{
		"user_id": user.ExternalID,
		"iat":     now.Unix(),
	}
	if t.ttl > 0 {
		claims["exp"] = now.Add(t.ttl).Unix()
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}
