package memory

import (
	"context"
	"errors"
	"sync"

	"patient-access/internal/domain/grants"
)

type grantRepo struct {
	mu   sync.RWMutex
	byID map[string]grants.Grant
}

func NewGrantsRepo() grants.Repository {
	return &grantRepo{
		byID: make(map[string]grants.Grant),
	}
}

func (r *grantRepo) Create(ctx context.Context, g grants.Grant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if g.ID == "" {
		return errors.New("grant id required")
	}
	if _, exists := r.byID[g.ID]; exists {
		return errors.New("grant already exists")
	}
	r.byID[g.ID] = cloneGrant(g)
	return nil
}

func (r *grantRepo) GetByID(ctx context.Context, id string) (grants.Grant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.byID[id]
	if !ok {
		return grants.Grant{}, grants.ErrNotFound
	}
	return cloneGrant(g), nil
}

func (r *grantRepo) List(ctx context.Context, f grants.Filter) ([]grants.Grant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]grants.Grant, 0)
	for _, g := range r.byID {
		if matches(g, f) {
			out = append(out, cloneGrant(g))
		}
	}
	return out, nil
}

// Transition: el chequeo y la escritura ocurren bajo el mismo lock, así dos
// approve/deny concurrentes no pueden ganar ambos.
func (r *grantRepo) Transition(ctx context.Context, from grants.Status, g grants.Grant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.byID[g.ID]
	if !ok {
		return grants.ErrNotFound
	}
	if cur.Status != from {
		return grants.ErrConflict
	}

	// Solo cambian los campos de ciclo de vida; identidad y scope son inmutables.
	cur.Status = g.Status
	cur.GrantedAt = g.GrantedAt
	cur.RevokedAt = g.RevokedAt
	cur.RevokedBy = g.RevokedBy
	cur.RevocationReason = g.RevocationReason
	cur.UpdatedAt = g.UpdatedAt
	r.byID[g.ID] = cur
	return nil
}

func (r *grantRepo) AttachNotification(ctx context.Context, grantID, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.byID[grantID]
	if !ok {
		return grants.ErrNotFound
	}
	g.NotificationJobID = jobID
	r.byID[grantID] = g
	return nil
}

func matches(g grants.Grant, f grants.Filter) bool {
	if f.PatientID != "" && g.PatientID != f.PatientID {
		return false
	}
	if f.OrganizationID != "" && g.OrganizationID != f.OrganizationID {
		return false
	}
	if f.PractitionerID != "" && g.RequestingPractitionerID != f.PractitionerID {
		return false
	}
	if !f.ExpiresBefore.IsZero() && g.ExpiresAt.After(f.ExpiresBefore) {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, st := range f.Statuses {
		if g.Status == st {
			return true
		}
	}
	return false
}

func cloneGrant(g grants.Grant) grants.Grant {
	g.RequestMetadata = copyMap(g.RequestMetadata)
	if g.GrantedAt != nil {
		t := *g.GrantedAt
		g.GrantedAt = &t
	}
	if g.RevokedAt != nil {
		t := *g.RevokedAt
		g.RevokedAt = &t
	}
	return g
}
