package grants

import (
	"strings"
	"time"

	"patient-access/internal/domain/permissions"
	"patient-access/internal/ports/auth"
)

type Status string

const (
	StatusPending Status = "PENDING"
	StatusActive  Status = "ACTIVE"
	StatusExpired Status = "EXPIRED"
	StatusRevoked Status = "REVOKED"
)

// NormalizeStatus mapea las grafías históricas al enum canónico. Solo se usa
// en el borde de persistencia; la lógica de negocio nunca ve otra grafía.
func NormalizeStatus(raw string) (Status, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "PENDING":
		return StatusPending, true
	case "ACTIVE", "APPROVED":
		return StatusActive, true
	case "EXPIRED":
		return StatusExpired, true
	case "REVOKED", "DENIED":
		return StatusRevoked, true
	default:
		return "", false
	}
}

func (s Status) Terminal() bool {
	return s == StatusExpired || s == StatusRevoked
}

const (
	MinTimeWindowHours = 1
	MaxTimeWindowHours = 24

	// UrgentWindowHours: ventanas iguales o menores elevan la prioridad de la
	// notificación.
	UrgentWindowHours = 2
)

// AccessScope es el set fijo de capacidades que un grant concede. Se fija al
// crear y no cambia; ampliar acceso requiere un grant nuevo.
type AccessScope struct {
	CanViewMedicalHistory bool `json:"canViewMedicalHistory"`
	CanViewPrescriptions  bool `json:"canViewPrescriptions"`
	CanCreateEncounters   bool `json:"canCreateEncounters"`
	CanViewAuditLogs      bool `json:"canViewAuditLogs"`
}

// GrantableScopes son los únicos scopes que un grant puede transportar.
var GrantableScopes = []permissions.Scope{
	permissions.ScopeViewMedicalHistory,
	permissions.ScopeViewPrescriptions,
	permissions.ScopeCreateEncounters,
	permissions.ScopeViewAuditLogs,
}

// ScopeFromNames arma un AccessScope; devuelve los nombres no concedibles.
func ScopeFromNames(names []string) (AccessScope, []string) {
	var a AccessScope
	invalid := []string{}
	for _, raw := range names {
		name := strings.TrimSpace(raw)
		if !a.set(permissions.Scope(name)) {
			invalid = append(invalid, name)
		}
	}
	return a, invalid
}

func (a *AccessScope) set(sc permissions.Scope) bool {
	switch sc {
	case permissions.ScopeViewMedicalHistory:
		a.CanViewMedicalHistory = true
	case permissions.ScopeViewPrescriptions:
		a.CanViewPrescriptions = true
	case permissions.ScopeCreateEncounters:
		a.CanCreateEncounters = true
	case permissions.ScopeViewAuditLogs:
		a.CanViewAuditLogs = true
	default:
		return false
	}
	return true
}

// Includes reporta si el grant concede la capacidad pedida.
func (a AccessScope) Includes(sc permissions.Scope) bool {
	switch sc {
	case permissions.ScopeViewMedicalHistory:
		return a.CanViewMedicalHistory
	case permissions.ScopeViewPrescriptions:
		return a.CanViewPrescriptions
	case permissions.ScopeCreateEncounters:
		return a.CanCreateEncounters
	case permissions.ScopeViewAuditLogs:
		return a.CanViewAuditLogs
	default:
		return false
	}
}

func (a AccessScope) Scopes() []permissions.Scope {
	out := make([]permissions.Scope, 0, len(GrantableScopes))
	for _, sc := range GrantableScopes {
		if a.Includes(sc) {
			out = append(out, sc)
		}
	}
	return out
}

func (a AccessScope) Empty() bool {
	return a == AccessScope{}
}

func (a AccessScope) Union(b AccessScope) AccessScope {
	return AccessScope{
		CanViewMedicalHistory: a.CanViewMedicalHistory || b.CanViewMedicalHistory,
		CanViewPrescriptions:  a.CanViewPrescriptions || b.CanViewPrescriptions,
		CanCreateEncounters:   a.CanCreateEncounters || b.CanCreateEncounters,
		CanViewAuditLogs:      a.CanViewAuditLogs || b.CanViewAuditLogs,
	}
}

type Grant struct {
	ID string

	PatientID                string // inmutable
	OrganizationID           string // inmutable
	RequestingPractitionerID string // opcional; vacío = pedido a nivel organización

	Status          Status
	AccessScope     AccessScope
	TimeWindowHours int

	// RequestMetadata es contexto de auditoría (device/IP/ubicación). La
	// lógica de acceso nunca lo lee.
	RequestMetadata map[string]any

	NotificationJobID string

	CreatedAt time.Time
	UpdatedAt time.Time
	GrantedAt *time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time

	RevokedBy        string
	RevocationReason string
}

// ExpiredAt: un grant cuyo expiresAt es igual a now ya está vencido.
func (g Grant) ExpiredAt(now time.Time) bool {
	return !now.Before(g.ExpiresAt)
}

// EffectiveStatus proyecta el vencimiento perezoso: el status guardado puede
// atrasarse respecto de la realidad.
func (g Grant) EffectiveStatus(now time.Time) Status {
	if g.Status.Terminal() {
		return g.Status
	}
	if g.ExpiredAt(now) {
		return StatusExpired
	}
	return g.Status
}

// Actor es quien ejecuta una operación sobre grants.
type Actor struct {
	UserID         string
	Role           auth.Role
	PractitionerID string
}

func ActorFromClaims(c auth.Claims) Actor {
	return Actor{UserID: c.UserID, Role: c.Role, PractitionerID: c.PractitionerID}
}

func (a Actor) privileged() bool {
	return a.Role == auth.RoleAdmin || a.Role == auth.RoleSystem
}

// SystemActor se usa para transiciones automáticas (vencimiento).
var SystemActor = Actor{UserID: "system", Role: auth.RoleSystem}
