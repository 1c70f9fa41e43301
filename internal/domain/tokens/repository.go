package tokens

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("token not found")

// Revocation describe quién y por qué revoca.
type Revocation struct {
	At     time.Time
	By     string
	Reason string
}

// Repository es el backend intercambiable (memoria, sqlite, postgres).
// Todas las operaciones deben ser seguras para uso concurrente.
type Repository interface {
	Insert(ctx context.Context, t Token) error
	Get(ctx context.Context, token string) (Token, error)
	Delete(ctx context.Context, token string) (bool, error)

	// Revoke devuelve false si el token no existe. Un token ya revocado
	// devuelve true sin sobrescribir la revocación original.
	Revoke(ctx context.Context, token string, rv Revocation) (bool, error)
	// RevokeByGrant / RevokeByUser saltan los ya revocados y devuelven cuántos
	// revocaron.
	RevokeByGrant(ctx context.Context, grantID string, rv Revocation) (int, error)
	RevokeByUser(ctx context.Context, userID string, rv Revocation) (int, error)

	ListByGrant(ctx context.Context, grantID string) ([]Token, error)

	// DeleteExpired borra (no revoca) los tokens con expiresAt < now.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	Stats(ctx context.Context, now time.Time) (Stats, error)
	Clear(ctx context.Context) error
}
