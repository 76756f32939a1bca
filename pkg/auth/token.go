package auth

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"atlaslibrary/internal/util"
	"atlaslibrary/pkg/domain"
)

const (
	defaultIssuer   = "atlas-library"
	defaultAudience = "atlas-library-api"
	defaultTTL      = 24 * time.Hour
	defaultLeeway   = 30 * time.Second
)

// TokenOptions configures access-token issuance and validation.
type TokenOptions struct {
	Issuer   string
	Audience string
	TTL      time.Duration
	Leeway   time.Duration
	Revoker  TokenRevoker
}

// Claims are the access-token claims the API relies on.
type Claims struct {
	UserID int64
	Role   domain.UserRole
	Name   string
	jwt.RegisteredClaims
}

type tokenClaims struct {
	Role string `json:"role"`
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Tokens issues and validates HS256 access tokens.
type Tokens struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	leeway   time.Duration
	revoker  TokenRevoker
}

// NewTokens builds an HS256 token service from a shared secret.
func NewTokens(secret string, opts TokenOptions) (*Tokens, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt secret required")
	}
	if opts.Issuer == "" {
		opts.Issuer = defaultIssuer
	}
	if opts.Audience == "" {
		opts.Audience = defaultAudience
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.Leeway <= 0 {
		opts.Leeway = defaultLeeway
	}
	return &Tokens{
		secret:   []byte(secret),
		issuer:   opts.Issuer,
		audience: opts.Audience,
		ttl:      opts.TTL,
		leeway:   opts.Leeway,
		revoker:  opts.Revoker,
	}, nil
}

// Issue creates a signed token for the user.
func (t *Tokens) Issue(user domain.User) (string, error) {
	now := time.Now().UTC()
	claims := tokenClaims{
		Role: string(user.Role),
		Name: user.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(user.ID, 10),
			Issuer:    t.issuer,
			Audience:  jwt.ClaimStrings{t.audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        util.NewID(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Verify validates the token signature, registered claims and revocation state.
func (t *Tokens) Verify(ctx context.Context, token string) (Claims, error) {
	claims, err := t.parse(token)
	if err != nil {
		return Claims{}, err
	}
	if t.revoker != nil {
		revoked, err := t.revoker.IsRevoked(ctx, claims.ID)
		if err != nil {
			return Claims{}, err
		}
		if revoked {
			return Claims{}, errors.New("token revoked")
		}
	}
	return claims, nil
}

// Revoke invalidates the token until it would have expired anyway.
func (t *Tokens) Revoke(ctx context.Context, token string) error {
	if t.revoker == nil {
		return nil
	}
	claims, err := t.parse(token)
	if err != nil {
		return nil
	}
	if claims.ExpiresAt == nil {
		return nil
	}
	return t.revoker.Revoke(ctx, claims.ID, time.Until(claims.ExpiresAt.Time))
}

func (t *Tokens) parse(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, errors.New("invalid token format")
	}
	var raw tokenClaims
	parsed, err := jwt.ParseWithClaims(token, &raw, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithAudience(t.audience),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(t.leeway),
	)
	if err != nil || !parsed.Valid {
		if err == nil {
			err = errors.New("invalid token")
		}
		return Claims{}, err
	}
	id, err := strconv.ParseInt(raw.Subject, 10, 64)
	if err != nil || id <= 0 {
		return Claims{}, errors.New("token subject invalid")
	}
	if strings.TrimSpace(raw.ID) == "" {
		return Claims{}, errors.New("token jti missing")
	}
	return Claims{
		UserID:           id,
		Role:             domain.UserRole(raw.Role),
		Name:             raw.Name,
		RegisteredClaims: raw.RegisteredClaims,
	}, nil
}
