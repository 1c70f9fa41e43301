package tokens

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"patient-access/internal/platform/logger"
)

var ErrInvalidInput = errors.New("invalid input")

type Service struct {
	repo Repository
	now  func() time.Time
	log  logger.Logger
}

type Option func(*Service)

// WithClock fija el reloj. Los tests de contrato lo usan para simular el
// paso del tiempo sin dormir.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(l logger.Logger) Option {
	return func(s *Service) { s.log = l }
}

// NewService construye el store. Se crea una vez al iniciar el proceso y se
// inyecta a cada consumidor.
func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{
		repo: repo,
		now:  time.Now,
		log:  logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type StoreInput struct {
	Token          string
	GrantID        string
	UserID         string
	OrganizationID string
	Type           Type
	ExpiresAt      time.Time
	Metadata       map[string]any
}

func (s *Service) Store(ctx context.Context, in StoreInput) error {
	token := strings.TrimSpace(in.Token)
	grantID := strings.TrimSpace(in.GrantID)
	userID := strings.TrimSpace(in.UserID)

	if token == "" || grantID == "" || userID == "" {
		return fmt.Errorf("%w: token, grantId and userId are required", ErrInvalidInput)
	}
	if !in.Type.Valid() {
		return fmt.Errorf("%w: unknown token type %q", ErrInvalidInput, in.Type)
	}
	if in.ExpiresAt.IsZero() {
		return fmt.Errorf("%w: expiresAt is required", ErrInvalidInput)
	}

	t := Token{
		Token:          token,
		GrantID:        grantID,
		UserID:         userID,
		OrganizationID: strings.TrimSpace(in.OrganizationID),
		Type:           in.Type,
		CreatedAt:      s.now().UTC().Truncate(time.Millisecond),
		ExpiresAt:      in.ExpiresAt.UTC().Truncate(time.Millisecond),
		Metadata:       cloneMetadata(in.Metadata),
	}
	return s.repo.Insert(ctx, t)
}

// Validate NO es una lectura pura: un token vencido detectado aquí se elimina
// del backend antes de responder, y la siguiente validación responde
// "Token not found".
func (s *Service) Validate(ctx context.Context, token string) (ValidationResult, error) {
	t, err := s.repo.Get(ctx, strings.TrimSpace(token))
	if errors.Is(err, ErrNotFound) {
		return ValidationResult{Error: MsgNotFound}, nil
	}
	if err != nil {
		return ValidationResult{}, err
	}

	if t.IsRevoked {
		return ValidationResult{Error: MsgRevoked}, nil
	}

	if t.ExpiredAt(s.now()) {
		// Si el sweep periódico lo borró entre el Get y este Delete, el
		// resultado sigue siendo "expired"; ambas respuestas son válidas.
		if _, err := s.repo.Delete(ctx, t.Token); err != nil {
			s.log.Warn("evict expired token failed", map[string]any{
				"grant_id": t.GrantID,
				"error":    err,
			})
		}
		return ValidationResult{Error: MsgExpired}, nil
	}

	return ValidationResult{IsValid: true, Token: &t}, nil
}

func (s *Service) Revoke(ctx context.Context, token, revokedBy, reason string) (bool, error) {
	return s.repo.Revoke(ctx, strings.TrimSpace(token), s.revocation(revokedBy, reason))
}

func (s *Service) RevokeForGrant(ctx context.Context, grantID, revokedBy, reason string) (int, error) {
	grantID = strings.TrimSpace(grantID)
	if grantID == "" {
		return 0, nil
	}
	return s.repo.RevokeByGrant(ctx, grantID, s.revocation(revokedBy, reason))
}

func (s *Service) RevokeForUser(ctx context.Context, userID, revokedBy, reason string) (int, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, nil
	}
	return s.repo.RevokeByUser(ctx, userID, s.revocation(revokedBy, reason))
}

// ListForGrant devuelve todos los tokens del grant, en cualquier estado.
func (s *Service) ListForGrant(ctx context.Context, grantID string) ([]Token, error) {
	return s.repo.ListByGrant(ctx, strings.TrimSpace(grantID))
}

// CleanupExpired borra definitivamente los tokens vencidos.
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	return s.repo.DeleteExpired(ctx, s.now())
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	return s.repo.Stats(ctx, s.now())
}

// ClearAll es solo para tests y reset manual.
func (s *Service) ClearAll(ctx context.Context) error {
	return s.repo.Clear(ctx)
}

func (s *Service) revocation(by, reason string) Revocation {
	return Revocation{
		At:     s.now().UTC().Truncate(time.Millisecond),
		By:     strings.TrimSpace(by),
		Reason: strings.TrimSpace(reason),
	}
}
