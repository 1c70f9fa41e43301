package grants

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"patient-access/internal/domain/audit"
	"patient-access/internal/domain/permissions"
	"patient-access/internal/domain/tokens"
	"patient-access/internal/platform/logger"
	"patient-access/internal/platform/secure"
	"patient-access/internal/ports/auth"
	"patient-access/internal/ports/directory"

	"github.com/google/uuid"
)

// TokenStore es la parte del store de tokens que el motor necesita. Revocar
// un grant siempre pasa por aquí.
type TokenStore interface {
	Store(ctx context.Context, in tokens.StoreInput) error
	RevokeForGrant(ctx context.Context, grantID, revokedBy, reason string) (int, error)
	RevokeForUser(ctx context.Context, userID, revokedBy, reason string) (int, error)
	ListForGrant(ctx context.Context, grantID string) ([]tokens.Token, error)
}

// Notifier encola el aviso al paciente. Es best-effort.
type Notifier interface {
	NotifyAccessRequest(ctx context.Context, g Grant) (jobID string, err error)
	CompleteRequest(ctx context.Context, jobID string) error
}

type Auditor interface {
	Record(ctx context.Context, e audit.Entry) error
}

type Observer interface {
	GrantTransition(action string)
}

type Deps struct {
	Tokens    TokenStore
	Notifier  Notifier
	Audit     Auditor
	Directory directory.Directory
	Logger    logger.Logger
	Observer  Observer
}

type Service struct {
	repo      Repository
	tokens    TokenStore
	notifier  Notifier
	audit     Auditor
	directory directory.Directory
	log       logger.Logger
	observer  Observer

	now      func() time.Time
	newToken func() (string, error)
}

func NewService(repo Repository, deps Deps) *Service {
	s := &Service{
		repo:      repo,
		tokens:    deps.Tokens,
		notifier:  deps.Notifier,
		audit:     deps.Audit,
		directory: deps.Directory,
		log:       deps.Logger,
		observer:  deps.Observer,
		now:       time.Now,
		newToken: func() (string, error) {
			return secure.GenerateToken(secure.TokenSize256)
		},
	}
	if s.log == nil {
		s.log = logger.Nop()
	}
	if s.observer == nil {
		s.observer = nopObserver{}
	}
	return s
}

type nopObserver struct{}

func (nopObserver) GrantTransition(string) {}

type RequestInput struct {
	PatientID                string
	OrganizationID           string
	RequestingPractitionerID string

	// Scopes y AccessScope se combinan; ambos formatos existen en clientes.
	Scopes      []string
	AccessScope AccessScope

	TimeWindowHours int
	RequestMetadata map[string]any

	Actor Actor
}

// Request crea un grant PENDING y encola la notificación al paciente.
func (s *Service) Request(ctx context.Context, in RequestInput) (Grant, error) {
	patientID := strings.TrimSpace(in.PatientID)
	orgID := strings.TrimSpace(in.OrganizationID)
	practitionerID := strings.TrimSpace(in.RequestingPractitionerID)

	if patientID == "" || orgID == "" {
		return Grant{}, newError(ErrValidation, "patientId and organizationId are required")
	}
	if in.TimeWindowHours < MinTimeWindowHours || in.TimeWindowHours > MaxTimeWindowHours {
		return Grant{}, newError(ErrValidation, fmt.Sprintf(
			"timeWindowHours must be between %d and %d", MinTimeWindowHours, MaxTimeWindowHours))
	}

	fromNames, invalid := ScopeFromNames(in.Scopes)
	if len(invalid) > 0 {
		return Grant{}, &Error{
			Kind:          ErrValidation,
			Message:       "invalid access scopes requested",
			InvalidScopes: invalid,
		}
	}
	scope := in.AccessScope.Union(fromNames)
	if scope.Empty() {
		return Grant{}, newError(ErrValidation, "at least one access scope is required")
	}

	// Pedido de un practicante: sus permisos deben cubrir todo lo pedido.
	if practitionerID != "" {
		if err := s.checkRequester(ctx, practitionerID, orgID, scope); err != nil {
			return Grant{}, err
		}
	}

	now := s.clock()

	if existing, ok, err := s.findOpenDuplicate(ctx, patientID, orgID, practitionerID, scope, now); err != nil {
		return Grant{}, err
	} else if ok {
		return Grant{}, &Error{
			Kind:            ErrConflict,
			Message:         "an equivalent authorization request is already open",
			ExistingGrantID: existing.ID,
		}
	}

	g := Grant{
		ID:                       uuid.NewString(),
		PatientID:                patientID,
		OrganizationID:           orgID,
		RequestingPractitionerID: practitionerID,
		Status:                   StatusPending,
		AccessScope:              scope,
		TimeWindowHours:          in.TimeWindowHours,
		RequestMetadata:          copyMetadata(in.RequestMetadata),
		CreatedAt:                now,
		UpdatedAt:                now,
		ExpiresAt:                now.Add(time.Duration(in.TimeWindowHours) * time.Hour),
	}

	if err := s.repo.Create(ctx, g); err != nil {
		return Grant{}, fmt.Errorf("create grant: %w", err)
	}

	g.NotificationJobID = s.notifyRequest(ctx, g)

	s.record(ctx, audit.Entry{
		Type:           audit.EventGrantRequested,
		ActorID:        in.Actor.UserID,
		ActorRole:      string(in.Actor.Role),
		PatientID:      g.PatientID,
		OrganizationID: g.OrganizationID,
		GrantID:        g.ID,
		Outcome:        audit.OutcomeSuccess,
		Details: map[string]any{
			"scopes":                   scopeNames(g.AccessScope),
			"timeWindowHours":          g.TimeWindowHours,
			"requestingPractitionerId": g.RequestingPractitionerID,
		},
	})
	s.observer.GrantTransition("requested")

	return g, nil
}

// Approval es el resultado de aprobar: el grant y el token vivo asociado.
type Approval struct {
	Grant Grant
	Token *tokens.Token
}

// Approve pasa PENDING -> ACTIVE y emite el token de acceso. Solo quien gana
// el compare-and-set emite token; aprobar un grant ya ACTIVE es un no-op
// exitoso que devuelve el token vivo, si ya existe.
func (s *Service) Approve(ctx context.Context, grantID string, actor Actor) (Approval, error) {
	g, err := s.get(ctx, grantID)
	if err != nil {
		return Approval{}, err
	}
	if err := s.authorize(ctx, g, actor, permissions.ActionApprove); err != nil {
		return Approval{}, err
	}

	now := s.clock()
	switch g.EffectiveStatus(now) {
	case StatusActive:
		tok, err := s.liveToken(ctx, g.ID, now)
		if err != nil {
			return Approval{Grant: g}, err
		}
		return Approval{Grant: g, Token: tok}, nil
	case StatusExpired:
		return Approval{}, newError(ErrExpired, "grant has expired")
	case StatusRevoked:
		return Approval{}, newError(ErrConflict, "grant has already been revoked")
	}

	updated := g
	updated.Status = StatusActive
	updated.GrantedAt = &now
	updated.UpdatedAt = now

	if err := s.repo.Transition(ctx, StatusPending, updated); err != nil {
		// Perder la carrera contra otro approve sigue siendo un approve exitoso.
		if errors.Is(err, ErrConflict) {
			if cur, gerr := s.get(ctx, grantID); gerr == nil && cur.EffectiveStatus(now) == StatusActive {
				tok, terr := s.liveToken(ctx, cur.ID, now)
				if terr != nil {
					return Approval{Grant: cur}, terr
				}
				return Approval{Grant: cur, Token: tok}, nil
			}
		}
		return Approval{}, transitionError(err)
	}

	tok, err := s.issueToken(ctx, updated)
	if err != nil {
		// Sin token el grant vuelve a PENDING para que un reintento lo emita.
		fields := map[string]any{"grant_id": updated.ID, "error": err}
		if rerr := s.repo.Transition(ctx, StatusActive, g); rerr != nil {
			fields["rollback_error"] = rerr.Error()
		}
		s.log.Error("issue access token failed", fields)
		return Approval{Grant: g}, fmt.Errorf("issue access token: %w", err)
	}

	s.completeNotification(ctx, updated)
	s.record(ctx, audit.Entry{
		Type:           audit.EventGrantApproved,
		ActorID:        actor.UserID,
		ActorRole:      string(actor.Role),
		PatientID:      updated.PatientID,
		OrganizationID: updated.OrganizationID,
		GrantID:        updated.ID,
		Outcome:        audit.OutcomeSuccess,
		Details: map[string]any{
			"expiresAt":        updated.ExpiresAt,
			"tokenFingerprint": secure.Fingerprint(tok.Token),
		},
	})
	s.observer.GrantTransition("approved")

	return Approval{Grant: updated, Token: tok}, nil
}

// Deny pasa PENDING -> REVOKED. No emite token.
func (s *Service) Deny(ctx context.Context, grantID string, actor Actor, reason string) (Grant, error) {
	g, err := s.get(ctx, grantID)
	if err != nil {
		return Grant{}, err
	}
	if err := s.authorize(ctx, g, actor, permissions.ActionDeny); err != nil {
		return Grant{}, err
	}

	now := s.clock()
	switch g.EffectiveStatus(now) {
	case StatusExpired:
		return Grant{}, newError(ErrExpired, "grant has expired")
	case StatusRevoked:
		return Grant{}, newError(ErrConflict, "grant has already been revoked")
	case StatusActive:
		return Grant{}, newError(ErrConflict, "grant is already active; revoke it instead")
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "denied by patient"
	}

	updated := g
	updated.Status = StatusRevoked
	updated.RevokedAt = &now
	updated.RevokedBy = actor.UserID
	updated.RevocationReason = reason
	updated.UpdatedAt = now

	if err := s.repo.Transition(ctx, StatusPending, updated); err != nil {
		return Grant{}, transitionError(err)
	}

	s.completeNotification(ctx, updated)
	s.record(ctx, audit.Entry{
		Type:           audit.EventGrantDenied,
		ActorID:        actor.UserID,
		ActorRole:      string(actor.Role),
		PatientID:      updated.PatientID,
		OrganizationID: updated.OrganizationID,
		GrantID:        updated.ID,
		Outcome:        audit.OutcomeSuccess,
		Reason:         reason,
	})
	s.observer.GrantTransition("denied")

	return updated, nil
}

type RevokeResult struct {
	Grant         Grant
	TokensRevoked int
}

// Revoke cierra un grant PENDING o ACTIVE y revoca sus tokens en la misma
// operación lógica.
func (s *Service) Revoke(ctx context.Context, grantID string, actor Actor, reason string) (RevokeResult, error) {
	g, err := s.get(ctx, grantID)
	if err != nil {
		return RevokeResult{}, err
	}
	if err := s.authorize(ctx, g, actor, permissions.ActionRevoke); err != nil {
		return RevokeResult{}, err
	}

	now := s.clock()
	switch g.EffectiveStatus(now) {
	case StatusExpired:
		return RevokeResult{}, newError(ErrExpired, "grant has expired")
	case StatusRevoked:
		return RevokeResult{}, newError(ErrConflict, "grant has already been revoked")
	}

	return s.revoke(ctx, g, actor, reason, now)
}

type BulkResult struct {
	GrantsRevoked int `json:"grantsRevoked"`
	TokensRevoked int `json:"tokensRevoked"`
}

// RevokeAllForPatient es el "cerrar sesión en todos lados" del paciente.
func (s *Service) RevokeAllForPatient(ctx context.Context, patientID string, actor Actor, reason string) (BulkResult, error) {
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return BulkResult{}, newError(ErrValidation, "patientId is required")
	}
	if actor.UserID != patientID && !actor.privileged() {
		return BulkResult{}, newError(ErrForbidden, "only the patient or an administrator may revoke all grants")
	}

	res, err := s.revokeMatching(ctx, Filter{PatientID: patientID}, actor, reason)
	if err != nil {
		return res, err
	}

	// Tokens sueltos del paciente (p.ej. qr/scan) que no cuelgan de un grant abierto.
	stray, err := s.tokens.RevokeForUser(ctx, patientID, actor.UserID, reason)
	if err != nil {
		return res, fmt.Errorf("revoke tokens for user: %w", err)
	}
	res.TokensRevoked += stray
	return res, nil
}

// RevokeAllForOrganization es el bloqueo administrativo de una organización.
func (s *Service) RevokeAllForOrganization(ctx context.Context, orgID string, actor Actor, reason string) (BulkResult, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return BulkResult{}, newError(ErrValidation, "organizationId is required")
	}
	if !actor.privileged() {
		pr, ok, err := s.practitionerFor(ctx, actor)
		if err != nil {
			return BulkResult{}, err
		}
		if !ok || !pr.PermissionsIn(orgID).Has(permissions.CanManageOrganization) {
			return BulkResult{}, newError(ErrForbidden, "organization lockdown requires canManageOrganization")
		}
	}

	return s.revokeMatching(ctx, Filter{OrganizationID: orgID}, actor, reason)
}

// ReconcileExpired corrige el status guardado de grants vencidos. Lo corre
// el sweep periódico; las lecturas nunca mutan.
func (s *Service) ReconcileExpired(ctx context.Context) (int, error) {
	now := s.clock()
	list, err := s.repo.List(ctx, Filter{
		Statuses:      []Status{StatusPending, StatusActive},
		ExpiresBefore: now,
	})
	if err != nil {
		return 0, err
	}

	n := 0
	for _, g := range list {
		if !g.ExpiredAt(now) {
			continue
		}

		updated := g
		updated.Status = StatusExpired
		updated.UpdatedAt = now

		if err := s.repo.Transition(ctx, g.Status, updated); err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			return n, err
		}

		if _, err := s.tokens.RevokeForGrant(ctx, g.ID, SystemActor.UserID, "grant expired"); err != nil {
			s.log.Error("revoke tokens for expired grant failed", map[string]any{
				"grant_id": g.ID,
				"error":    err,
			})
		}
		if g.Status == StatusPending {
			s.completeNotification(ctx, updated)
		}

		s.record(ctx, audit.Entry{
			Type:           audit.EventGrantExpired,
			ActorID:        SystemActor.UserID,
			ActorRole:      string(SystemActor.Role),
			PatientID:      g.PatientID,
			OrganizationID: g.OrganizationID,
			GrantID:        g.ID,
			Outcome:        audit.OutcomeSuccess,
			Details:        map[string]any{"previousStatus": string(g.Status)},
		})
		s.observer.GrantTransition("expired")
		n++
	}
	return n, nil
}

func (s *Service) revokeMatching(ctx context.Context, f Filter, actor Actor, reason string) (BulkResult, error) {
	f.Statuses = []Status{StatusPending, StatusActive}
	list, err := s.repo.List(ctx, f)
	if err != nil {
		return BulkResult{}, err
	}

	var res BulkResult
	now := s.clock()
	for _, g := range list {
		if g.ExpiredAt(now) {
			continue
		}
		r, err := s.revoke(ctx, g, actor, reason, now)
		if errors.Is(err, ErrConflict) {
			// Otro request lo cerró primero.
			continue
		}
		if err != nil {
			return res, err
		}
		res.GrantsRevoked++
		res.TokensRevoked += r.TokensRevoked
	}
	return res, nil
}

func (s *Service) revoke(ctx context.Context, g Grant, actor Actor, reason string, now time.Time) (RevokeResult, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "revoked"
	}

	updated := g
	updated.Status = StatusRevoked
	updated.RevokedAt = &now
	updated.RevokedBy = actor.UserID
	updated.RevocationReason = reason
	updated.UpdatedAt = now

	if err := s.repo.Transition(ctx, g.Status, updated); err != nil {
		return RevokeResult{}, transitionError(err)
	}

	n, err := s.tokens.RevokeForGrant(ctx, g.ID, actor.UserID, reason)
	if err != nil {
		s.log.Error("cascade token revocation failed", map[string]any{
			"grant_id": g.ID,
			"error":    err,
		})
		return RevokeResult{Grant: updated}, fmt.Errorf("revoke tokens for grant %s: %w", g.ID, err)
	}

	if g.Status == StatusPending {
		s.completeNotification(ctx, updated)
	}

	s.record(ctx, audit.Entry{
		Type:           audit.EventGrantRevoked,
		ActorID:        actor.UserID,
		ActorRole:      string(actor.Role),
		PatientID:      updated.PatientID,
		OrganizationID: updated.OrganizationID,
		GrantID:        updated.ID,
		Outcome:        audit.OutcomeSuccess,
		Reason:         reason,
		Details: map[string]any{
			"previousStatus": string(g.Status),
			"tokensRevoked":  n,
		},
	})
	s.observer.GrantTransition("revoked")

	return RevokeResult{Grant: updated, TokensRevoked: n}, nil
}

func (s *Service) get(ctx context.Context, id string) (Grant, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Grant{}, newError(ErrValidation, "grant id is required")
	}
	g, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Grant{}, newError(ErrNotFound, "authorization grant not found")
	}
	if err != nil {
		return Grant{}, err
	}
	return g, nil
}

// authorize: el paciente dueño, admin/system, o un practicante de la
// organización con el permiso de la acción.
func (s *Service) authorize(ctx context.Context, g Grant, actor Actor, action permissions.Action) error {
	if strings.TrimSpace(actor.UserID) == "" {
		return newError(ErrForbidden, "authentication required")
	}
	if actor.UserID == g.PatientID || actor.privileged() {
		return nil
	}

	pr, ok, err := s.practitionerFor(ctx, actor)
	if err != nil {
		return err
	}
	if !ok {
		return newError(ErrForbidden, fmt.Sprintf("only the patient or an authorized administrator may %s this grant", action))
	}
	m, member := pr.MembershipIn(g.OrganizationID)
	if !member {
		return newError(ErrForbidden, "practitioner is not a member of this organization")
	}
	if v := permissions.ValidateGrantAction(m.Permissions, action); !v.Allowed {
		return newError(ErrForbidden, v.Error)
	}
	return nil
}

func (s *Service) practitionerFor(ctx context.Context, actor Actor) (directory.Practitioner, bool, error) {
	if s.directory == nil {
		return directory.Practitioner{}, false, nil
	}

	var (
		pr  directory.Practitioner
		err error
	)
	switch {
	case actor.PractitionerID != "":
		pr, err = s.directory.GetPractitioner(ctx, actor.PractitionerID)
	case actor.Role == auth.RolePractitioner:
		pr, err = s.directory.FindByUserID(ctx, actor.UserID)
	default:
		return directory.Practitioner{}, false, nil
	}

	if errors.Is(err, directory.ErrNotFound) {
		return directory.Practitioner{}, false, nil
	}
	if err != nil {
		return directory.Practitioner{}, false, fmt.Errorf("practitioner lookup: %w", err)
	}
	return pr, true, nil
}

func (s *Service) checkRequester(ctx context.Context, practitionerID, orgID string, scope AccessScope) error {
	if s.directory == nil {
		return newError(ErrValidation, "practitioner directory is not configured")
	}

	pr, err := s.directory.GetPractitioner(ctx, practitionerID)
	if errors.Is(err, directory.ErrNotFound) {
		return newError(ErrValidation, "requesting practitioner not found")
	}
	if err != nil {
		return fmt.Errorf("practitioner lookup: %w", err)
	}

	m, ok := pr.MembershipIn(orgID)
	if !ok {
		return newError(ErrForbidden, "practitioner is not a member of this organization")
	}

	v := permissions.ValidateAccessScopes(m.Permissions, scope.Scopes())
	if !v.Valid {
		return &Error{
			Kind:               ErrForbidden,
			Message:            "practitioner is not authorized for the requested scopes",
			InvalidScopes:      v.InvalidScopes,
			MissingPermissions: v.MissingPermissions,
		}
	}
	return nil
}

// findOpenDuplicate busca un grant PENDING/ACTIVE vigente con la misma tupla
// (paciente, organización, practicante, scope).
func (s *Service) findOpenDuplicate(ctx context.Context, patientID, orgID, practitionerID string, scope AccessScope, now time.Time) (Grant, bool, error) {
	list, err := s.repo.List(ctx, Filter{
		PatientID:      patientID,
		OrganizationID: orgID,
		Statuses:       []Status{StatusPending, StatusActive},
	})
	if err != nil {
		return Grant{}, false, err
	}
	for _, g := range list {
		if g.RequestingPractitionerID != practitionerID || g.AccessScope != scope {
			continue
		}
		if g.ExpiredAt(now) {
			continue
		}
		return g, true, nil
	}
	return Grant{}, false, nil
}

// liveToken devuelve el token de acceso vigente del grant, o nil si el
// approve ganador todavía no lo guardó.
func (s *Service) liveToken(ctx context.Context, grantID string, now time.Time) (*tokens.Token, error) {
	existing, err := s.tokens.ListForGrant(ctx, grantID)
	if err != nil {
		return nil, err
	}
	for i := range existing {
		t := existing[i]
		if !t.IsRevoked && !t.ExpiredAt(now) && t.Type == tokens.TypeAccess {
			return &t, nil
		}
	}
	return nil, nil
}

func (s *Service) issueToken(ctx context.Context, g Grant) (*tokens.Token, error) {
	raw, err := s.newToken()
	if err != nil {
		return nil, err
	}

	in := tokens.StoreInput{
		Token:          raw,
		GrantID:        g.ID,
		UserID:         g.PatientID,
		OrganizationID: g.OrganizationID,
		Type:           tokens.TypeAccess,
		ExpiresAt:      g.ExpiresAt,
		Metadata: map[string]any{
			"practitionerId": g.RequestingPractitionerID,
		},
	}
	if err := s.tokens.Store(ctx, in); err != nil {
		return nil, err
	}

	return &tokens.Token{
		Token:          in.Token,
		GrantID:        in.GrantID,
		UserID:         in.UserID,
		OrganizationID: in.OrganizationID,
		Type:           in.Type,
		CreatedAt:      s.clock(),
		ExpiresAt:      in.ExpiresAt,
		Metadata:       in.Metadata,
	}, nil
}

func (s *Service) notifyRequest(ctx context.Context, g Grant) string {
	if s.notifier == nil {
		return ""
	}

	jobID, err := s.notifier.NotifyAccessRequest(ctx, g)
	if err != nil {
		// La notificación nunca revierte la creación del grant.
		s.log.Warn("notification enqueue failed", map[string]any{
			"grant_id":   g.ID,
			"patient_id": g.PatientID,
			"error":      err,
		})
		return ""
	}
	if jobID == "" {
		return ""
	}

	if err := s.repo.AttachNotification(ctx, g.ID, jobID); err != nil {
		s.log.Warn("attach notification job failed", map[string]any{
			"grant_id": g.ID,
			"job_id":   jobID,
			"error":    err,
		})
	}
	return jobID
}

func (s *Service) completeNotification(ctx context.Context, g Grant) {
	if s.notifier == nil || g.NotificationJobID == "" {
		return
	}
	if err := s.notifier.CompleteRequest(ctx, g.NotificationJobID); err != nil {
		s.log.Warn("complete notification job failed", map[string]any{
			"grant_id": g.ID,
			"job_id":   g.NotificationJobID,
			"error":    err,
		})
	}
}

func (s *Service) record(ctx context.Context, e audit.Entry) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, e); err != nil {
		s.log.Error("audit record failed", map[string]any{
			"event":    string(e.Type),
			"grant_id": e.GrantID,
			"error":    err,
		})
	}
}

// clock trunca a milisegundos: es la resolución de los backends SQL.
func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

func transitionError(err error) error {
	switch {
	case errors.Is(err, ErrConflict):
		return newError(ErrConflict, "grant state changed concurrently; reload and retry")
	case errors.Is(err, ErrNotFound):
		return newError(ErrNotFound, "authorization grant not found")
	default:
		return fmt.Errorf("transition grant: %w", err)
	}
}

func scopeNames(a AccessScope) []string {
	out := make([]string, 0, 4)
	for _, sc := range a.Scopes() {
		out = append(out, string(sc))
	}
	return out
}

func copyMetadata(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
