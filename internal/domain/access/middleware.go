package access

import (
	"context"
	"net/http"
	"strings"

	"patient-access/internal/domain/grants"
	"patient-access/internal/domain/permissions"
	"patient-access/internal/platform/respond"
)

type Params struct {
	PatientID      string
	OrganizationID string
}

// ExtractParams lee patientId/organizationId del query string. userId se
// acepta como sinónimo histórico de patientId.
func ExtractParams(r *http.Request) Params {
	q := r.URL.Query()
	patientID := strings.TrimSpace(q.Get("patientId"))
	if patientID == "" {
		patientID = strings.TrimSpace(q.Get("userId"))
	}
	return Params{
		PatientID:      patientID,
		OrganizationID: strings.TrimSpace(q.Get("organizationId")),
	}
}

type grantCtxKey struct{}

// GrantFromContext devuelve el grant que autorizó el request.
func GrantFromContext(ctx context.Context) (grants.Grant, bool) {
	g, ok := ctx.Value(grantCtxKey{}).(grants.Grant)
	return g, ok
}

// RequireGrant envuelve next con la evaluación de acceso. Sin parámetros
// responde 400 antes de tocar el store.
func (e *Evaluator) RequireGrant(capability permissions.Scope, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := ExtractParams(r)
		if p.PatientID == "" || p.OrganizationID == "" {
			respond.Fail(w, http.StatusBadRequest, "VALIDATION_FAILED", "patientId and organizationId are required", nil)
			return
		}

		d := e.ValidateAccess(r, p.PatientID, p.OrganizationID, capability)
		if !d.IsAuthorized {
			WriteDecision(w, d)
			return
		}

		ctx := context.WithValue(r.Context(), grantCtxKey{}, *d.Grant)
		next(w, r.WithContext(ctx))
	}
}

// WriteDecision traduce una denegación a la respuesta HTTP.
func WriteDecision(w http.ResponseWriter, d Decision) {
	switch d.Kind {
	case KindUnauthenticated:
		respond.Fail(w, http.StatusUnauthorized, "AUTHENTICATION_REQUIRED", d.Error, nil)
	case KindInternal:
		respond.Fail(w, http.StatusInternalServerError, "INTERNAL", d.Error, nil)
	default:
		var details map[string]any
		if d.Grant != nil {
			details = map[string]any{"grantId": d.Grant.ID}
		}
		respond.Fail(w, http.StatusForbidden, "AUTHORIZATION_DENIED", d.Error, details)
	}
}
