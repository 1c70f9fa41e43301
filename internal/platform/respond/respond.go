// Package respond centraliza el envelope JSON {success, data, error}.
// Antes cada módulo tenía su propio writeJSON; con grants, access y audit
// exponiendo rutas, se extrajo aquí.
package respond

import (
	"encoding/json"
	"net/http"
)

type Envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

type Error struct {
	Message string         `json:"message"`
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func OK(w http.ResponseWriter, status int, data any) {
	JSON(w, status, Envelope{Success: true, Data: data})
}

func Fail(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	JSON(w, status, Envelope{
		Success: false,
		Error: &Error{
			Message: message,
			Code:    code,
			Details: details,
		},
	})
}
