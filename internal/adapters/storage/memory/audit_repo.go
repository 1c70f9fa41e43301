package memory

import (
	"context"
	"errors"
	"sync"

	"patient-access/internal/domain/audit"
)

// auditRepo es append-only: no expone update ni delete.
type auditRepo struct {
	mu      sync.RWMutex
	entries []audit.Entry
}

func NewAuditRepo() audit.Repository {
	return &auditRepo{}
}

func (r *auditRepo) Append(ctx context.Context, e audit.Entry) error {
	if e.ID == "" {
		return errors.New("audit entry id required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e.Details = copyMap(e.Details)
	r.entries = append(r.entries, e)
	return nil
}

func (r *auditRepo) List(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]audit.Entry, 0)
	// Recorre desde el final: más recientes primero.
	for i := len(r.entries) - 1; i >= 0; i-- {
		e := r.entries[i]
		if f.PatientID != "" && e.PatientID != f.PatientID {
			continue
		}
		if f.OrganizationID != "" && e.OrganizationID != f.OrganizationID {
			continue
		}
		if f.GrantID != "" && e.GrantID != f.GrantID {
			continue
		}
		e.Details = copyMap(e.Details)
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}
