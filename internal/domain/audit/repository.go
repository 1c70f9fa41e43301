package audit

import "context"

type Filter struct {
	PatientID      string
	OrganizationID string
	GrantID        string
	Limit          int
}

type Repository interface {
	Append(ctx context.Context, e Entry) error
	// List devuelve las entradas más recientes primero.
	List(ctx context.Context, f Filter) ([]Entry, error)
}
