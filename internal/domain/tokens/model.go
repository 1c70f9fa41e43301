package tokens

import "time"

type Type string

const (
	TypeAccess Type = "access"
	TypeQR     Type = "qr"
	TypeScan   Type = "scan"
)

func (t Type) Valid() bool {
	switch t {
	case TypeAccess, TypeQR, TypeScan:
		return true
	default:
		return false
	}
}

// MetadataRevocationReason es la key donde se guarda el motivo de revocación.
const MetadataRevocationReason = "revocationReason"

// Token es el artefacto bearer derivado de un grant ACTIVE.
type Token struct {
	Token          string
	GrantID        string
	UserID         string // paciente
	OrganizationID string
	Type           Type

	CreatedAt time.Time
	ExpiresAt time.Time

	IsRevoked bool
	RevokedAt *time.Time
	RevokedBy string

	Metadata map[string]any
}

// ExpiredAt: un token es válido hasta su expiresAt inclusive.
func (t Token) ExpiredAt(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// ValidationResult nunca es un error: las tres causas de invalidez se
// distinguen por mensaje exacto.
type ValidationResult struct {
	IsValid bool   `json:"isValid"`
	Token   *Token `json:"token,omitempty"`
	Error   string `json:"error,omitempty"`
}

const (
	MsgNotFound = "Token not found"
	MsgRevoked  = "Token has been revoked"
	MsgExpired  = "Token has expired"
)

type Stats struct {
	Total   int          `json:"total"`
	Active  int          `json:"active"`
	Revoked int          `json:"revoked"`
	Expired int          `json:"expired"`
	ByType  map[Type]int `json:"byType"`
}

func NewStats() Stats {
	return Stats{ByType: map[Type]int{TypeAccess: 0, TypeQR: 0, TypeScan: 0}}
}

// Add acumula un token en el set vivo. Expired cuenta solo los no revocados.
func (s *Stats) Add(t Token, now time.Time) {
	s.Total++
	s.ByType[t.Type]++
	switch {
	case t.IsRevoked:
		s.Revoked++
	case t.ExpiredAt(now):
		s.Expired++
	default:
		s.Active++
	}
}

func cloneMetadata(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
