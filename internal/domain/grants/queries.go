package grants

import (
	"context"
	"sort"
	"strings"
	"time"
)

type AccessQuery struct {
	PatientID      string
	OrganizationID string

	// PractitionerID restringe a grants pedidos por ese practicante o a nivel
	// organización (sin practicante).
	PractitionerID string
	// GrantID restringe a un grant puntual (camino por token).
	GrantID string
}

// AccessResult: Found solo con un grant ACTIVE vigente. Si el único candidato
// ACTIVE ya venció, Expired=true y Grant apunta a él.
type AccessResult struct {
	Grant   *Grant
	Found   bool
	Expired bool
}

// CurrentAccess es el camino caliente de cada chequeo de acceso. Nunca muta
// el status guardado.
func (s *Service) CurrentAccess(ctx context.Context, q AccessQuery) (AccessResult, error) {
	patientID := strings.TrimSpace(q.PatientID)
	orgID := strings.TrimSpace(q.OrganizationID)
	if patientID == "" || orgID == "" {
		return AccessResult{}, newError(ErrValidation, "patientId and organizationId are required")
	}

	list, err := s.repo.List(ctx, Filter{
		PatientID:      patientID,
		OrganizationID: orgID,
		// Un EXPIRED ya reconciliado que llegó a aprobarse responde igual que
		// un ACTIVE con expiresAt pasado, haya corrido el sweep o no.
		Statuses: []Status{StatusActive, StatusExpired},
	})
	if err != nil {
		return AccessResult{}, err
	}

	now := s.clock()
	var best, lapsed *Grant

	for i := range list {
		g := list[i]
		if q.GrantID != "" && g.ID != q.GrantID {
			continue
		}
		if q.PractitionerID != "" && g.RequestingPractitionerID != "" && g.RequestingPractitionerID != q.PractitionerID {
			continue
		}

		if g.Status == StatusExpired && g.GrantedAt == nil {
			continue
		}
		if g.Status == StatusExpired || g.ExpiredAt(now) {
			if lapsed == nil || g.ExpiresAt.After(lapsed.ExpiresAt) {
				lapsed = &g
			}
			continue
		}
		if best == nil || grantedAfter(g, *best) {
			best = &g
		}
	}

	switch {
	case best != nil:
		return AccessResult{Grant: best, Found: true}, nil
	case lapsed != nil:
		return AccessResult{Grant: lapsed, Expired: true}, nil
	default:
		return AccessResult{}, nil
	}
}

// HasActiveGrant colapsa todo a bool, incluidos los errores internos.
func (s *Service) HasActiveGrant(ctx context.Context, patientID, orgID string) bool {
	res, err := s.CurrentAccess(ctx, AccessQuery{PatientID: patientID, OrganizationID: orgID})
	return err == nil && res.Found
}

// GetGrant devuelve el grant con su status efectivo.
func (s *Service) GetGrant(ctx context.Context, actor Actor, id string) (Grant, error) {
	g, err := s.get(ctx, id)
	if err != nil {
		return Grant{}, err
	}
	if err := s.canView(ctx, actor, g.PatientID, g.OrganizationID); err != nil {
		return Grant{}, err
	}
	g.Status = g.EffectiveStatus(s.clock())
	return g, nil
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

type ListOptions struct {
	Status         Status
	IncludeExpired bool
	Limit          int
}

func (s *Service) ListPendingForOrganization(ctx context.Context, actor Actor, orgID string, limit int) ([]Grant, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return nil, newError(ErrValidation, "organizationId is required")
	}
	if err := s.canViewOrganization(ctx, actor, orgID); err != nil {
		return nil, err
	}

	list, err := s.repo.List(ctx, Filter{OrganizationID: orgID, Statuses: []Status{StatusPending}})
	if err != nil {
		return nil, err
	}
	return project(list, ListOptions{Status: StatusPending, Limit: limit}, s.clock()), nil
}

func (s *Service) ListByPractitioner(ctx context.Context, actor Actor, practitionerID string, opts ListOptions) ([]Grant, error) {
	practitionerID = strings.TrimSpace(practitionerID)
	if practitionerID == "" {
		return nil, newError(ErrValidation, "practitionerId is required")
	}
	if !actor.privileged() {
		pr, ok, err := s.practitionerFor(ctx, actor)
		if err != nil {
			return nil, err
		}
		if !ok || pr.ID != practitionerID {
			return nil, newError(ErrForbidden, "practitioners may only list their own grants")
		}
	}

	list, err := s.repo.List(ctx, Filter{PractitionerID: practitionerID})
	if err != nil {
		return nil, err
	}
	return project(list, opts, s.clock()), nil
}

// ListByPatient es el historial de autorizaciones del paciente.
func (s *Service) ListByPatient(ctx context.Context, actor Actor, patientID string, opts ListOptions) ([]Grant, error) {
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return nil, newError(ErrValidation, "patientId is required")
	}
	if actor.UserID != patientID && !actor.privileged() {
		return nil, newError(ErrForbidden, "only the patient may list their authorization history")
	}

	list, err := s.repo.List(ctx, Filter{PatientID: patientID})
	if err != nil {
		return nil, err
	}
	return project(list, opts, s.clock()), nil
}

func (s *Service) canView(ctx context.Context, actor Actor, patientID, orgID string) error {
	if actor.UserID != "" && actor.UserID == patientID {
		return nil
	}
	return s.canViewOrganization(ctx, actor, orgID)
}

func (s *Service) canViewOrganization(ctx context.Context, actor Actor, orgID string) error {
	if strings.TrimSpace(actor.UserID) == "" {
		return newError(ErrForbidden, "authentication required")
	}
	if actor.privileged() {
		return nil
	}
	pr, ok, err := s.practitionerFor(ctx, actor)
	if err != nil {
		return err
	}
	if !ok {
		return newError(ErrForbidden, "forbidden")
	}
	if _, member := pr.MembershipIn(orgID); !member {
		return newError(ErrForbidden, "practitioner is not a member of this organization")
	}
	return nil
}

// project aplica el vencimiento perezoso igual que CurrentAccess: quien pide
// ACTIVE nunca recibe un grant cuyo expiresAt ya pasó.
func project(list []Grant, opts ListOptions, now time.Time) []Grant {
	out := make([]Grant, 0, len(list))
	for _, g := range list {
		g.Status = g.EffectiveStatus(now)

		if opts.Status != "" && g.Status != opts.Status {
			continue
		}
		if g.Status == StatusExpired && !opts.IncludeExpired && opts.Status != StatusExpired {
			continue
		}
		out = append(out, g)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// grantedAfter: más reciente por grantedAt; desempata por createdAt.
func grantedAfter(a, b Grant) bool {
	at, bt := a.CreatedAt, b.CreatedAt
	if a.GrantedAt != nil {
		at = *a.GrantedAt
	}
	if b.GrantedAt != nil {
		bt = *b.GrantedAt
	}
	if at.Equal(bt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return at.After(bt)
}
