// Package access es el gate síncrono que consume cada handler de recursos
// del paciente: resuelve identidad, busca el grant vigente y chequea scope y
// permisos del practicante. Nunca propaga un error: todo termina en Decision.
package access

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"patient-access/internal/domain/audit"
	"patient-access/internal/domain/grants"
	"patient-access/internal/domain/permissions"
	"patient-access/internal/domain/tokens"
	"patient-access/internal/middleware"
	"patient-access/internal/platform/logger"
	"patient-access/internal/ports/auth"
	"patient-access/internal/ports/directory"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// HeaderAccessToken transporta el token emitido al aprobar un grant.
const HeaderAccessToken = "X-Access-Token"

// Mensajes de denegación; clientes y tests comparan el texto exacto.
const (
	MsgAuthenticationRequired = "Authentication required"
	MsgNoActiveGrant          = "No active authorization grant found for this patient and organization"
	MsgGrantExpired           = "Authorization grant has expired"
	MsgScopeMissingFmt        = "Authorization grant does not include permission: %s"
	MsgValidationFailedFmt    = "Failed to validate authorization: %s"
	MsgNotMember              = "Practitioner is not a member of this organization"
	MsgPractitionerLacksFmt   = "Practitioner lacks permission: %s"
	MsgTokenMismatch          = "Access token does not match this patient and organization"
	MsgNotPatientOrMember     = "Requester is neither the patient nor a member of this organization"
)

type Kind int

const (
	KindAllowed Kind = iota
	KindUnauthenticated
	KindDenied
	KindInternal
)

// Decision es el resultado de ValidateAccess. Grant viene seteado cuando se
// autoriza y también cuando se niega por vencimiento o scope.
type Decision struct {
	IsAuthorized bool
	Grant        *grants.Grant
	Error        string
	Kind         Kind
}

type GrantFinder interface {
	CurrentAccess(ctx context.Context, q grants.AccessQuery) (grants.AccessResult, error)
}

type TokenValidator interface {
	Validate(ctx context.Context, token string) (tokens.ValidationResult, error)
}

type Auditor interface {
	Record(ctx context.Context, e audit.Entry) error
}

type Observer interface {
	AccessDecision(capability string, outcome string)
}

type Deps struct {
	Grants    GrantFinder
	Tokens    TokenValidator
	Directory directory.Directory
	Audit     Auditor
	Logger    logger.Logger
	Observer  Observer
}

type Evaluator struct {
	grants    GrantFinder
	tokens    TokenValidator
	directory directory.Directory
	audit     Auditor
	log       logger.Logger
	observer  Observer
}

func NewEvaluator(deps Deps) *Evaluator {
	e := &Evaluator{
		grants:    deps.Grants,
		tokens:    deps.Tokens,
		directory: deps.Directory,
		audit:     deps.Audit,
		log:       deps.Logger,
		observer:  deps.Observer,
	}
	if e.log == nil {
		e.log = logger.Nop()
	}
	return e
}

// identity es quien pide acceso: claims autenticados, un token de acceso, o ambos.
type identity struct {
	claims    auth.Claims
	hasClaims bool
	token     *tokens.Token
}

func (id identity) actorID() string {
	if id.hasClaims {
		return id.claims.UserID
	}
	if id.token != nil {
		return "token:" + id.token.GrantID
	}
	return ""
}

// ValidateAccess decide si el request puede ejercer capability sobre el
// paciente dentro de la organización.
func (e *Evaluator) ValidateAccess(r *http.Request, patientID, orgID string, capability permissions.Scope) (d Decision) {
	ctx := r.Context()
	var id identity

	defer func() {
		if rec := recover(); rec != nil {
			e.log.Error("access evaluation panicked", map[string]any{
				"patient_id":      patientID,
				"organization_id": orgID,
				"panic":           fmt.Sprint(rec),
			})
			d = e.internal(errors.New("panic during access evaluation"))
		}
		e.finish(r, id, patientID, orgID, capability, d)
	}()

	// 1. identidad
	claims, ok := middleware.GetClaims(ctx)
	id.claims = claims
	id.hasClaims = ok && strings.TrimSpace(claims.UserID) != ""

	var grantID string
	if raw := strings.TrimSpace(r.Header.Get(HeaderAccessToken)); raw != "" && e.tokens != nil {
		res, err := e.tokens.Validate(ctx, raw)
		if err != nil {
			return e.internal(err)
		}
		if !res.IsValid {
			return denied(res.Error, nil)
		}
		if res.Token.UserID != patientID || res.Token.OrganizationID != orgID {
			return denied(MsgTokenMismatch, nil)
		}
		id.token = res.Token
		grantID = res.Token.GrantID
	}

	if !id.hasClaims && id.token == nil {
		return Decision{Error: MsgAuthenticationRequired, Kind: KindUnauthenticated}
	}

	pr, isPractitioner, err := e.practitioner(ctx, id)
	if err != nil {
		return e.internal(err)
	}
	// Sin token ni rol de practicante, el grant solo le sirve al propio
	// paciente o a admin/system.
	if id.token == nil && !isPractitioner && !id.claims.IsPrivileged() && id.claims.UserID != patientID {
		return denied(MsgNotPatientOrMember, nil)
	}

	// 2. grant vigente
	q := grants.AccessQuery{
		PatientID:      patientID,
		OrganizationID: orgID,
		GrantID:        grantID,
	}
	if isPractitioner {
		q.PractitionerID = pr.ID
	}
	res, err := e.grants.CurrentAccess(ctx, q)
	if err != nil {
		return e.internal(err)
	}

	// 3. vencimiento perezoso
	if res.Expired {
		return denied(MsgGrantExpired, res.Grant)
	}
	if !res.Found || res.Grant == nil {
		return denied(MsgNoActiveGrant, nil)
	}

	// 4. scope del grant
	if !res.Grant.AccessScope.Includes(capability) {
		return denied(fmt.Sprintf(MsgScopeMissingFmt, capability), res.Grant)
	}

	// Chequeo al momento de uso: el practicante que actúa debe poder ejercer
	// la capacidad en esta organización, pida quien haya pedido el grant.
	if isPractitioner {
		m, member := pr.MembershipIn(orgID)
		if !member {
			return denied(MsgNotMember, res.Grant)
		}
		if perm, ok := permissions.RequiredPermission(capability); ok && !m.Permissions.Has(perm) {
			return denied(fmt.Sprintf(MsgPractitionerLacksFmt, perm), res.Grant)
		}
	}

	// 5. ok
	return Decision{IsAuthorized: true, Grant: res.Grant, Kind: KindAllowed}
}

// HasActiveGrant es la variante booleana para affordances de UI: cualquier
// falla, incluida una interna, es false.
func (e *Evaluator) HasActiveGrant(ctx context.Context, patientID, orgID string) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
		}
	}()
	if strings.TrimSpace(patientID) == "" || strings.TrimSpace(orgID) == "" {
		return false
	}
	res, err := e.grants.CurrentAccess(ctx, grants.AccessQuery{PatientID: patientID, OrganizationID: orgID})
	if err != nil {
		e.log.Warn("active grant lookup failed", map[string]any{
			"patient_id":      patientID,
			"organization_id": orgID,
			"error":           err,
		})
		return false
	}
	return res.Found
}

// practitioner resuelve el practicante que actúa. Un rol practitioner sin
// registro en el directorio se trata como no miembro.
func (e *Evaluator) practitioner(ctx context.Context, id identity) (directory.Practitioner, bool, error) {
	if !id.hasClaims || e.directory == nil {
		return directory.Practitioner{}, false, nil
	}

	var (
		pr  directory.Practitioner
		err error
	)
	switch {
	case id.claims.PractitionerID != "":
		pr, err = e.directory.GetPractitioner(ctx, id.claims.PractitionerID)
	case id.claims.Role == auth.RolePractitioner:
		pr, err = e.directory.FindByUserID(ctx, id.claims.UserID)
	default:
		return directory.Practitioner{}, false, nil
	}

	if errors.Is(err, directory.ErrNotFound) {
		return directory.Practitioner{ID: id.claims.PractitionerID}, true, nil
	}
	if err != nil {
		return directory.Practitioner{}, false, fmt.Errorf("practitioner lookup: %w", err)
	}
	return pr, true, nil
}

func (e *Evaluator) finish(r *http.Request, id identity, patientID, orgID string, capability permissions.Scope, d Decision) {
	outcome := "granted"
	entry := audit.Entry{
		Type:           audit.EventAccessGranted,
		ActorID:        id.actorID(),
		ActorRole:      string(id.claims.Role),
		PatientID:      patientID,
		OrganizationID: orgID,
		Outcome:        audit.OutcomeSuccess,
		Details:        map[string]any{"capability": string(capability)},
		RemoteAddr:     r.RemoteAddr,
		UserAgent:      r.UserAgent(),
		RequestID:      chimw.GetReqID(r.Context()),
	}
	if d.Grant != nil {
		entry.GrantID = d.Grant.ID
	}

	switch d.Kind {
	case KindAllowed:
	case KindInternal:
		outcome = "error"
		entry.Type = audit.EventAccessDenied
		entry.Outcome = audit.OutcomeError
		entry.Reason = d.Error
	default:
		outcome = "denied"
		entry.Type = audit.EventAccessDenied
		entry.Outcome = audit.OutcomeDenied
		entry.Reason = d.Error
	}

	if e.observer != nil {
		e.observer.AccessDecision(string(capability), outcome)
	}
	if e.audit == nil {
		return
	}
	if err := e.audit.Record(r.Context(), entry); err != nil {
		e.log.Error("audit record failed", map[string]any{
			"event":      string(entry.Type),
			"patient_id": patientID,
			"error":      err,
		})
	}
}

func denied(msg string, g *grants.Grant) Decision {
	return Decision{Error: msg, Grant: g, Kind: KindDenied}
}

// internal nunca filtra detalle de infraestructura al cliente; solo los
// errores de dominio conservan su mensaje.
func (e *Evaluator) internal(err error) Decision {
	e.log.Error("access evaluation failed", map[string]any{"error": err})

	msg := "internal error"
	var gerr *grants.Error
	if errors.As(err, &gerr) {
		msg = gerr.Error()
	}
	return Decision{Error: fmt.Sprintf(MsgValidationFailedFmt, msg), Kind: KindInternal}
}
