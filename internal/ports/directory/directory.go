package directory

import (
	"context"
	"errors"

	"patient-access/internal/domain/permissions"
)

var ErrNotFound = errors.New("practitioner not found")

// Membership es la afiliación de un practicante a una organización. Los
// permisos efectivos dependen de la organización, no solo del perfil.
type Membership struct {
	OrganizationID string          `json:"organizationId" mapstructure:"organizationId"`
	Active         bool            `json:"active" mapstructure:"active"`
	Permissions    permissions.Set `json:"permissions" mapstructure:"permissions"`
}

type Practitioner struct {
	ID          string       `json:"id" mapstructure:"id"`
	UserID      string       `json:"userId" mapstructure:"userId"`
	Name        string       `json:"name" mapstructure:"name"`
	Memberships []Membership `json:"memberships" mapstructure:"memberships"`
}

// MembershipIn devuelve la membresía activa en orgID.
func (p Practitioner) MembershipIn(orgID string) (Membership, bool) {
	for _, m := range p.Memberships {
		if m.OrganizationID == orgID && m.Active {
			return m, true
		}
	}
	return Membership{}, false
}

// PermissionsIn devuelve el set efectivo en orgID; vacío si no es miembro.
func (p Practitioner) PermissionsIn(orgID string) permissions.Set {
	m, ok := p.MembershipIn(orgID)
	if !ok {
		return permissions.Set{}
	}
	return m.Permissions
}

// Directory es de solo lectura: la administración de practicantes y
// membresías vive fuera de este servicio.
type Directory interface {
	GetPractitioner(ctx context.Context, id string) (Practitioner, error)
	FindByUserID(ctx context.Context, userID string) (Practitioner, error)
}
