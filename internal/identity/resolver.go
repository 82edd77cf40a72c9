package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"codepair/pkg/interfaces"
	"codepair/pkg/types"
)

// Config defines how bearer tokens are verified
type Config struct {
	Secret   string
	Issuer   string
	Audience string
	Leeway   time.Duration
	Now      func() time.Time
}

// Claims is the token body accepted by the resolver. Subject carries the
// user's external id.
type Claims struct {
	jwt.RegisteredClaims
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	Picture string `json:"picture,omitempty"`
}

// Resolver verifies HS256 bearer tokens and looks the subject up in the user directory
type Resolver struct {
	cfg   Config
	users interfaces.UserStore
}

var _ interfaces.IdentityResolver = (*Resolver)(nil)

// NewResolver creates a new identity resolver
func NewResolver(cfg Config, users interfaces.UserStore) (*Resolver, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, ErrNotConfigured
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Resolver{cfg: cfg, users: users}, nil
}

// Resolve authenticates the request and returns the stored user
// ARCHITECTURAL DISCOVERY: The Authorization header wins over the token query
// parameter; the query form exists only for browser WebSocket upgrades
func (r *Resolver) Resolve(ctx context.Context, req *http.Request) (*types.User, error) {
	raw := tokenFromRequest(req)
	if raw == "" {
		return nil, fmt.Errorf("%w: no token provided", ErrUnauthenticated)
	}

	claims, err := r.Verify(raw)
	if err != nil {
		return nil, err
	}

	user, err := r.users.GetUserByExternalID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, interfaces.ErrUserNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, claims.Subject)
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return user, nil
}

// Verify checks the signature and registered claims of a raw token
func (r *Resolver) Verify(raw string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(r.cfg.Now),
		jwt.WithLeeway(r.cfg.Leeway),
	}
	if r.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(r.cfg.Issuer))
	}
	if r.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(r.cfg.Audience))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return []byte(r.cfg.Secret), nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return &claims, nil
}

func tokenFromRequest(req *http.Request) string {
	if header := req.Header.Get("Authorization"); header != "" {
		scheme, token, found := strings.Cut(header, " ")
		if found && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return strings.TrimSpace(req.URL.Query().Get("token"))
}

// IssueAccessToken signs a bearer token this resolver will accept for the
// given external id. Used by operator tooling and tests; production tokens
// come from the identity provider.
func (r *Resolver) IssueAccessToken(user *types.User, ttl time.Duration) (string, error) {
	if user == nil || user.ExternalID == "" {
		return "", ErrUserNotFound
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := r.cfg.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ExternalID,
			Issuer:    r.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name:    user.Name,
		Email:   user.Email,
		Picture: user.AvatarURL,
	}
	if r.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{r.cfg.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(r.cfg.Secret))
}
