package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 30 * time.Minute
	bearerPrefix    = "Bearer "
)

var (
	ErrMissingSigningSecret = errors.New("token issuer: signing secret required")
	ErrMissingIssuer        = errors.New("token issuer: issuer required")
	ErrMissingAudience      = errors.New("token issuer: audience required")
	ErrInvalidTokenTTL      = errors.New("token issuer: ttl must be positive")
	ErrMissingToken         = errors.New("token issuer: token required")
	ErrInvalidToken         = errors.New("token issuer: invalid token")
	ErrExpiredToken         = errors.New("token issuer: token expired")
	ErrMissingSubject       = errors.New("token issuer: subject required")
)

// WorkspaceClaims binds a token to one activation of a workspace.
type WorkspaceClaims struct {
	Generation uint64 `json:"gen"`
	jwt.RegisteredClaims
}

// WorkspaceID returns the workspace the token was issued for.
func (c WorkspaceClaims) WorkspaceID() string {
	return c.Subject
}

// TokenIssuerConfig configures the local API token issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	CookieName    string
	Clock         func() time.Time
}

// TokenIssuer issues and validates HS256 tokens for the active workspace.
type TokenIssuer struct {
	signingSecret []byte
	issuer        string
	audience      string
	ttl           time.Duration
	cookieName    string
	clock         func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer. A zero TTL falls back to the default.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, ErrMissingAudience
	}
	ttl := cfg.TokenTTL
	if ttl < 0 {
		return nil, ErrInvalidTokenTTL
	}
	if ttl == 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      audience,
		ttl:           ttl,
		cookieName:    strings.TrimSpace(cfg.CookieName),
		clock:         clock,
	}, nil
}

// CookieName returns the cookie consulted when a request carries no bearer header.
func (i *TokenIssuer) CookieName() string {
	return i.cookieName
}

// IssueWorkspaceToken produces a signed JWT and its lifetime in seconds.
func (i *TokenIssuer) IssueWorkspaceToken(_ context.Context, workspaceID string, generation uint64) (string, int64, error) {
	if strings.TrimSpace(workspaceID) == "" {
		return "", 0, ErrMissingSubject
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.ttl).UTC()

	claims := WorkspaceClaims{
		Generation: generation,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   workspaceID,
			Issuer:    i.issuer,
			Audience:  []string{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.signingSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateToken verifies signature, issuer, audience and expiry.
func (i *TokenIssuer) ValidateToken(tokenString string) (WorkspaceClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return WorkspaceClaims{}, ErrMissingToken
	}

	claims := &WorkspaceClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, t.Method.Alg())
			}
			return i.signingSecret, nil
		},
		jwt.WithAudience(i.audience),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return WorkspaceClaims{}, ErrExpiredToken
		}
		return WorkspaceClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return WorkspaceClaims{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return WorkspaceClaims{}, ErrMissingSubject
	}
	return *claims, nil
}

// ValidateRequest reads a bearer token from the Authorization header, falling
// back to the configured cookie, and validates it.
func (i *TokenIssuer) ValidateRequest(r *http.Request) (WorkspaceClaims, error) {
	if r == nil {
		return WorkspaceClaims{}, ErrMissingToken
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, bearerPrefix) {
		return i.ValidateToken(strings.TrimPrefix(header, bearerPrefix))
	}
	if header != "" {
		return WorkspaceClaims{}, ErrInvalidToken
	}
	if i.cookieName == "" {
		return WorkspaceClaims{}, ErrMissingToken
	}
	cookie, err := r.Cookie(i.cookieName)
	if err != nil || cookie == nil {
		return WorkspaceClaims{}, ErrMissingToken
	}
	return i.ValidateToken(cookie.Value)
}
