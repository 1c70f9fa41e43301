package access

import (
	"net/http"
	"strings"
	"time"

	"patient-access/internal/domain/grants"
	"patient-access/internal/domain/permissions"
	"patient-access/internal/middleware"
	"patient-access/internal/platform/respond"

	"github.com/go-chi/chi/v5"
)

func RegisterRoutes(r chi.Router, e *Evaluator) {
	r.Get("/access/check", checkHandler(e))
}

type decisionResponse struct {
	IsAuthorized bool          `json:"isAuthorized"`
	Error        string        `json:"error,omitempty"`
	GrantID      string        `json:"grantId,omitempty"`
	Status       grants.Status `json:"status,omitempty"`
	ExpiresAt    *time.Time    `json:"expiresAt,omitempty"`
}

type checkResponse struct {
	HasActiveGrant bool              `json:"hasActiveGrant"`
	Decision       *decisionResponse `json:"decision,omitempty"`
}

// GET /access/check?patientId=&organizationId=&capability=
// capability es opcional; sin ella solo se informa hasActiveGrant.
func checkHandler(e *Evaluator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := middleware.GetClaims(r.Context()); !ok && r.Header.Get(HeaderAccessToken) == "" {
			respond.Fail(w, http.StatusUnauthorized, "AUTHENTICATION_REQUIRED", MsgAuthenticationRequired, nil)
			return
		}

		p := ExtractParams(r)
		if p.PatientID == "" || p.OrganizationID == "" {
			respond.Fail(w, http.StatusBadRequest, "VALIDATION_FAILED", "patientId and organizationId are required", nil)
			return
		}

		out := checkResponse{
			HasActiveGrant: e.HasActiveGrant(r.Context(), p.PatientID, p.OrganizationID),
		}

		if raw := strings.TrimSpace(r.URL.Query().Get("capability")); raw != "" {
			capability := permissions.Scope(raw)
			if !permissions.IsKnownScope(capability) {
				respond.Fail(w, http.StatusBadRequest, "VALIDATION_FAILED", "unknown capability: "+raw, nil)
				return
			}

			d := e.ValidateAccess(r, p.PatientID, p.OrganizationID, capability)
			dr := &decisionResponse{IsAuthorized: d.IsAuthorized, Error: d.Error}
			if d.Grant != nil {
				exp := d.Grant.ExpiresAt
				dr.GrantID = d.Grant.ID
				dr.Status = d.Grant.Status
				dr.ExpiresAt = &exp
				if !d.IsAuthorized && d.Error == MsgGrantExpired {
					dr.Status = grants.StatusExpired
				}
			}
			out.Decision = dr
		}

		respond.OK(w, http.StatusOK, out)
	}
}
