// Package permissions traduce scopes de acceso y acciones sobre grants al
// permiso de practicante que exigen. Es puro: sin estado ni I/O.
//
// Todo scope nuevo se registra una sola vez en scopeRequirements.
package permissions

import "fmt"

// Permission es un flag de rol del practicante, independiente de cualquier grant.
type Permission string

const (
	CanAccessPatientRecords       Permission = "canAccessPatientRecords"
	CanModifyPatientRecords       Permission = "canModifyPatientRecords"
	CanPrescribeMedications       Permission = "canPrescribeMedications"
	CanViewAuditLogs              Permission = "canViewAuditLogs"
	CanManageOrganization         Permission = "canManageOrganization"
	CanRequestAuthorizationGrants Permission = "canRequestAuthorizationGrants"
	CanApproveAuthorizationGrants Permission = "canApproveAuthorizationGrants"
	CanRevokeAuthorizationGrants  Permission = "canRevokeAuthorizationGrants"
)

// Set es el bundle de permisos de un practicante dentro de una organización.
type Set struct {
	CanAccessPatientRecords       bool `json:"canAccessPatientRecords" mapstructure:"canAccessPatientRecords"`
	CanModifyPatientRecords       bool `json:"canModifyPatientRecords" mapstructure:"canModifyPatientRecords"`
	CanPrescribeMedications       bool `json:"canPrescribeMedications" mapstructure:"canPrescribeMedications"`
	CanViewAuditLogs              bool `json:"canViewAuditLogs" mapstructure:"canViewAuditLogs"`
	CanManageOrganization         bool `json:"canManageOrganization" mapstructure:"canManageOrganization"`
	CanRequestAuthorizationGrants bool `json:"canRequestAuthorizationGrants" mapstructure:"canRequestAuthorizationGrants"`
	CanApproveAuthorizationGrants bool `json:"canApproveAuthorizationGrants" mapstructure:"canApproveAuthorizationGrants"`
	CanRevokeAuthorizationGrants  bool `json:"canRevokeAuthorizationGrants" mapstructure:"canRevokeAuthorizationGrants"`
}

// Has reporta si el set incluye p. Un permiso desconocido nunca está incluido.
func (s Set) Has(p Permission) bool {
	switch p {
	case CanAccessPatientRecords:
		return s.CanAccessPatientRecords
	case CanModifyPatientRecords:
		return s.CanModifyPatientRecords
	case CanPrescribeMedications:
		return s.CanPrescribeMedications
	case CanViewAuditLogs:
		return s.CanViewAuditLogs
	case CanManageOrganization:
		return s.CanManageOrganization
	case CanRequestAuthorizationGrants:
		return s.CanRequestAuthorizationGrants
	case CanApproveAuthorizationGrants:
		return s.CanApproveAuthorizationGrants
	case CanRevokeAuthorizationGrants:
		return s.CanRevokeAuthorizationGrants
	default:
		return false
	}
}

// Scope es un capability bit que puede pedirse o ejercerse sobre un paciente.
type Scope string

const (
	ScopeViewMedicalHistory  Scope = "canViewMedicalHistory"
	ScopeViewPrescriptions   Scope = "canViewPrescriptions"
	ScopeCreateEncounters    Scope = "canCreateEncounters"
	ScopeModifyEncounters    Scope = "canModifyEncounters"
	ScopeCreatePrescriptions Scope = "canCreatePrescriptions"
	ScopeModifyPrescriptions Scope = "canModifyPrescriptions"
	ScopeViewAuditLogs       Scope = "canViewAuditLogs"

	ScopeManageOrganization  Scope = "canManageOrganization"
	ScopeManagePractitioners Scope = "canManagePractitioners"

	ScopeRequestGrants Scope = "canRequestAuthorizationGrants"
	ScopeApproveGrants Scope = "canApproveAuthorizationGrants"
	ScopeRevokeGrants  Scope = "canRevokeAuthorizationGrants"
)

// scopeOrder fija el orden de salida de AuthorizedScopes.
var scopeOrder = []Scope{
	ScopeViewMedicalHistory,
	ScopeViewPrescriptions,
	ScopeCreateEncounters,
	ScopeModifyEncounters,
	ScopeCreatePrescriptions,
	ScopeModifyPrescriptions,
	ScopeViewAuditLogs,
	ScopeManageOrganization,
	ScopeManagePractitioners,
	ScopeRequestGrants,
	ScopeApproveGrants,
	ScopeRevokeGrants,
}

var scopeRequirements = map[Scope]Permission{
	ScopeViewMedicalHistory:  CanAccessPatientRecords,
	ScopeViewPrescriptions:   CanAccessPatientRecords,
	ScopeCreateEncounters:    CanModifyPatientRecords,
	ScopeModifyEncounters:    CanModifyPatientRecords,
	ScopeCreatePrescriptions: CanPrescribeMedications,
	ScopeModifyPrescriptions: CanPrescribeMedications,
	ScopeViewAuditLogs:       CanViewAuditLogs,

	ScopeManageOrganization:  CanManageOrganization,
	ScopeManagePractitioners: CanManageOrganization,

	ScopeRequestGrants: CanRequestAuthorizationGrants,
	ScopeApproveGrants: CanApproveAuthorizationGrants,
	ScopeRevokeGrants:  CanRevokeAuthorizationGrants,
}

// Action es una transición de grant ejecutable por un practicante.
type Action string

const (
	ActionApprove Action = "approve"
	ActionDeny    Action = "deny"
	ActionRevoke  Action = "revoke"
)

var actionOrder = []Action{ActionApprove, ActionDeny, ActionRevoke}

var actionRequirements = map[Action]Permission{
	ActionApprove: CanApproveAuthorizationGrants,
	ActionDeny:    CanApproveAuthorizationGrants,
	ActionRevoke:  CanRevokeAuthorizationGrants,
}

// RequiredPermission devuelve el permiso que exige un scope.
func RequiredPermission(scope Scope) (Permission, bool) {
	p, ok := scopeRequirements[scope]
	return p, ok
}

// IsKnownScope reporta si el scope está registrado.
func IsKnownScope(scope Scope) bool {
	_, ok := scopeRequirements[scope]
	return ok
}

type ScopeValidation struct {
	Valid              bool         `json:"valid"`
	MissingPermissions []Permission `json:"missingPermissions"`
	InvalidScopes      []string     `json:"invalidScopes"`
}

// ValidateAccessScopes separa scopes desconocidos (InvalidScopes) de scopes
// conocidos cuyo permiso falta (MissingPermissions). Cada permiso faltante
// aparece una sola vez, en el orden en que se detectó.
func ValidateAccessScopes(perms Set, scopes []Scope) ScopeValidation {
	out := ScopeValidation{
		MissingPermissions: []Permission{},
		InvalidScopes:      []string{},
	}
	seen := map[Permission]bool{}

	for _, sc := range scopes {
		required, ok := scopeRequirements[sc]
		if !ok {
			out.InvalidScopes = append(out.InvalidScopes, string(sc))
			continue
		}
		if perms.Has(required) || seen[required] {
			continue
		}
		seen[required] = true
		out.MissingPermissions = append(out.MissingPermissions, required)
	}

	out.Valid = len(out.InvalidScopes) == 0 && len(out.MissingPermissions) == 0
	return out
}

type ActionValidation struct {
	Allowed bool   `json:"allowed"`
	Error   string `json:"error,omitempty"`
}

func ValidateGrantAction(perms Set, action Action) ActionValidation {
	required, ok := actionRequirements[action]
	if !ok {
		return ActionValidation{Error: fmt.Sprintf("invalid action: %q", action)}
	}
	if !perms.Has(required) {
		return ActionValidation{Error: fmt.Sprintf("practitioner lacks permission to %s authorization grants", action)}
	}
	return ActionValidation{Allowed: true}
}

// AuthorizedScopes lista los scopes que el set habilita.
func AuthorizedScopes(perms Set) []Scope {
	out := make([]Scope, 0, len(scopeOrder))
	for _, sc := range scopeOrder {
		if perms.Has(scopeRequirements[sc]) {
			out = append(out, sc)
		}
	}
	return out
}

func AuthorizedGrantActions(perms Set) []Action {
	out := make([]Action, 0, len(actionOrder))
	for _, a := range actionOrder {
		if perms.Has(actionRequirements[a]) {
			out = append(out, a)
		}
	}
	return out
}
