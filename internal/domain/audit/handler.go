package audit

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"patient-access/internal/domain/permissions"
	"patient-access/internal/middleware"
	"patient-access/internal/platform/respond"

	"github.com/go-chi/chi/v5"
)

// Gate envuelve un handler con la evaluación de acceso por grant.
type Gate func(capability permissions.Scope, next http.HandlerFunc) http.HandlerFunc

type entryResponse struct {
	ID             string         `json:"id"`
	Type           EventType      `json:"type"`
	ActorID        string         `json:"actorId,omitempty"`
	ActorRole      string         `json:"actorRole,omitempty"`
	PatientID      string         `json:"patientId,omitempty"`
	OrganizationID string         `json:"organizationId,omitempty"`
	GrantID        string         `json:"grantId,omitempty"`
	Outcome        Outcome        `json:"outcome"`
	Reason         string         `json:"reason,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
	RecordedAt     time.Time      `json:"recordedAt"`
}

// RegisterRoutes: GET /audit?patientId=&organizationId=&limit=
// El paciente lee su propio historial; admin/system lee cualquiera; el resto
// necesita un grant con canViewAuditLogs sobre el paciente.
func RegisterRoutes(r chi.Router, svc *Service, gate Gate) {
	gated := gate(permissions.ScopeViewAuditLogs, listHandler(svc))

	r.Get("/audit", func(w http.ResponseWriter, r *http.Request) {
		claims, ok := middleware.GetClaims(r.Context())
		patientID := strings.TrimSpace(r.URL.Query().Get("patientId"))

		if ok && (claims.IsPrivileged() || (patientID != "" && claims.UserID == patientID)) {
			listHandler(svc)(w, r)
			return
		}
		gated(w, r)
	})
}

func listHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := Filter{
			PatientID:      strings.TrimSpace(q.Get("patientId")),
			OrganizationID: strings.TrimSpace(q.Get("organizationId")),
			GrantID:        strings.TrimSpace(q.Get("grantId")),
		}
		if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				respond.Fail(w, http.StatusBadRequest, "VALIDATION_FAILED", "limit must be a non-negative integer", nil)
				return
			}
			f.Limit = n
		}

		items, err := svc.List(r.Context(), f)
		if errors.Is(err, ErrInvalidInput) {
			respond.Fail(w, http.StatusBadRequest, "VALIDATION_FAILED", "patientId, organizationId or grantId is required", nil)
			return
		}
		if err != nil {
			respond.Fail(w, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
			return
		}

		out := make([]entryResponse, 0, len(items))
		for _, e := range items {
			out = append(out, entryResponse{
				ID:             e.ID,
				Type:           e.Type,
				ActorID:        e.ActorID,
				ActorRole:      e.ActorRole,
				PatientID:      e.PatientID,
				OrganizationID: e.OrganizationID,
				GrantID:        e.GrantID,
				Outcome:        e.Outcome,
				Reason:         e.Reason,
				Details:        e.Details,
				RecordedAt:     e.RecordedAt,
			})
		}
		respond.OK(w, http.StatusOK, out)
	}
}
