package grants

import (
	"errors"

	"patient-access/internal/domain/permissions"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("grant not found")
	ErrForbidden  = errors.New("forbidden")
	ErrConflict   = errors.New("conflicting grant state")
	ErrExpired    = errors.New("grant has expired")
)

// Error lleva el tipo (uno de los sentinels) más el detalle para el cliente.
// Un ErrExpired también es un ErrConflict: el grant ya es terminal.
type Error struct {
	Kind    error
	Message string

	InvalidScopes      []string
	MissingPermissions []permissions.Permission
	ExistingGrantID    string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Kind }

func (e *Error) Is(target error) bool {
	return e.Kind == ErrExpired && target == ErrConflict
}

func newError(kind error, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}
