package grants

import (
	"context"
	"time"
)

type Filter struct {
	PatientID      string
	OrganizationID string
	PractitionerID string

	// Statuses filtra por status guardado (no efectivo).
	Statuses []Status
	// ExpiresBefore, si no es zero, limita a grants con expiresAt <= valor.
	ExpiresBefore time.Time
}

type Repository interface {
	Create(ctx context.Context, g Grant) error
	GetByID(ctx context.Context, id string) (Grant, error)
	List(ctx context.Context, f Filter) ([]Grant, error)

	// Transition persiste g solo si el status guardado sigue siendo from
	// (compare-and-set). Si otro request ganó la carrera devuelve ErrConflict;
	// si el grant no existe, ErrNotFound.
	Transition(ctx context.Context, from Status, g Grant) error

	AttachNotification(ctx context.Context, grantID, jobID string) error
}
