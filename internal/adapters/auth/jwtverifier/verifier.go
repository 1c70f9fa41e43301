// Package jwtverifier verifica bearer tokens HS256 emitidos por el IAM y los
// traduce a auth.Claims.
package jwtverifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"patient-access/internal/ports/auth"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNotConfigured = errors.New("jwt verifier not configured")
	ErrInvalidToken  = errors.New("invalid token")
)

type Config struct {
	Secret   []byte
	Issuer   string // opcional
	Audience string // opcional

	// Now se inyecta en tests.
	Now func() time.Time
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Email          string `json:"email,omitempty"`
	Role           string `json:"role,omitempty"`
	PractitionerID string `json:"practitioner_id,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
}

type Verifier struct {
	cfg Config
}

var _ auth.AuthVerifier = (*Verifier)(nil)

func New(cfg Config) (*Verifier, error) {
	if len(cfg.Secret) == 0 {
		return nil, ErrNotConfigured
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Verifier{cfg: cfg}, nil
}

func (v *Verifier) Verify(ctx context.Context, token string) (auth.Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return auth.Claims{}, ErrInvalidToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.cfg.Now),
		jwt.WithExpirationRequired(),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}

	var tc tokenClaims
	parsed, err := jwt.ParseWithClaims(token, &tc, func(*jwt.Token) (any, error) {
		return v.cfg.Secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return auth.Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(tc.Subject) == "" {
		return auth.Claims{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	return auth.Claims{
		UserID:         tc.Subject,
		Email:          tc.Email,
		Role:           auth.ParseRole(tc.Role),
		PractitionerID: tc.PractitionerID,
		OrganizationID: tc.OrganizationID,
	}, nil
}

// Sign emite un token con los mismos claims que Verify acepta. Lo usan el
// comando de dev y los tests.
func (v *Verifier) Sign(c auth.Claims, ttl time.Duration) (string, error) {
	if strings.TrimSpace(c.UserID) == "" {
		return "", errors.New("user id required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}

	now := v.cfg.Now()
	tc := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   c.UserID,
			Issuer:    v.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Email:          c.Email,
		Role:           string(c.Role),
		PractitionerID: c.PractitionerID,
		OrganizationID: c.OrganizationID,
	}
	if v.cfg.Audience != "" {
		tc.Audience = jwt.ClaimStrings{v.cfg.Audience}
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, tc).SignedString(v.cfg.Secret)
}
