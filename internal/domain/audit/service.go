package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"patient-access/internal/platform/idx"
)

var ErrInvalidInput = errors.New("invalid input")

const (
	DefaultListLimit = 100
	MaxListLimit     = 500
)

type Service struct {
	repo Repository
	now  func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{
		repo: repo,
		now:  time.Now,
	}
}

// Record completa id y timestamp y persiste la entrada.
func (s *Service) Record(ctx context.Context, e Entry) error {
	if strings.TrimSpace(string(e.Type)) == "" {
		return ErrInvalidInput
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	if e.RecordedAt.IsZero() {
		e.RecordedAt = now
	}
	if e.ID == "" {
		e.ID = idx.NewAt(e.RecordedAt)
	}
	if e.Outcome == "" {
		e.Outcome = OutcomeSuccess
	}

	return s.repo.Append(ctx, e)
}

func (s *Service) List(ctx context.Context, f Filter) ([]Entry, error) {
	if strings.TrimSpace(f.PatientID) == "" && strings.TrimSpace(f.OrganizationID) == "" && strings.TrimSpace(f.GrantID) == "" {
		return nil, ErrInvalidInput
	}
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	return s.repo.List(ctx, f)
}
