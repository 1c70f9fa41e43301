package grants

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"patient-access/internal/domain/permissions"
	"patient-access/internal/domain/tokens"
	"patient-access/internal/middleware"
	"patient-access/internal/platform/respond"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes monta las rutas de grants. requestLimiter (opcional) se
// aplica solo a la creación: es el endpoint que disparan los escaneos QR.
func RegisterRoutes(r chi.Router, svc *Service, requestLimiter func(http.Handler) http.Handler) {
	create := r.With()
	if requestLimiter != nil {
		create = r.With(requestLimiter)
	}
	create.Post("/grants", requestGrantHandler(svc))

	r.Route("/grants/{grantID}", func(gr chi.Router) {
		gr.Get("/", getGrantHandler(svc))
		gr.Patch("/approve", approveGrantHandler(svc))
		gr.Patch("/deny", denyGrantHandler(svc))
		gr.Patch("/revoke", revokeGrantHandler(svc))
		gr.Delete("/", revokeGrantHandler(svc))
	})

	r.Post("/patients/{patientID}/grants/revoke-all", revokeAllForPatientHandler(svc))
	r.Get("/patients/{patientID}/grants", listByPatientHandler(svc))

	r.Post("/organizations/{organizationID}/grants/revoke-all", revokeAllForOrganizationHandler(svc))
	r.Get("/organizations/{organizationID}/grants/pending", listPendingHandler(svc))

	r.Get("/practitioners/{practitionerID}/grants", listByPractitionerHandler(svc))
}

type requestGrantRequest struct {
	PatientID                string         `json:"patientId"`
	OrganizationID           string         `json:"organizationId"`
	RequestingPractitionerID string         `json:"requestingPractitionerId"`
	Scopes                   []string       `json:"scopes"`
	AccessScope              *AccessScope   `json:"accessScope"`
	TimeWindowHours          int            `json:"timeWindowHours"`
	RequestMetadata          map[string]any `json:"requestMetadata"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type grantResponse struct {
	ID                       string      `json:"id"`
	PatientID                string      `json:"patientId"`
	OrganizationID           string      `json:"organizationId"`
	RequestingPractitionerID string      `json:"requestingPractitionerId,omitempty"`
	Status                   Status      `json:"status"`
	AccessScope              AccessScope `json:"accessScope"`
	TimeWindowHours          int         `json:"timeWindowHours"`
	CreatedAt                time.Time   `json:"createdAt"`
	GrantedAt                *time.Time  `json:"grantedAt,omitempty"`
	ExpiresAt                time.Time   `json:"expiresAt"`
	RevokedAt                *time.Time  `json:"revokedAt,omitempty"`
	RevokedBy                string      `json:"revokedBy,omitempty"`
	RevocationReason         string      `json:"revocationReason,omitempty"`
}

type accessTokenResponse struct {
	Token     string      `json:"token"`
	Type      tokens.Type `json:"type"`
	ExpiresAt time.Time   `json:"expiresAt"`
}

type approvalResponse struct {
	Grant       grantResponse        `json:"grant"`
	AccessToken *accessTokenResponse `json:"accessToken,omitempty"`
}

type revokeResponse struct {
	Grant         grantResponse `json:"grant"`
	TokensRevoked int           `json:"tokensRevoked"`
}

func requestGrantHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := middleware.GetClaims(r.Context())
		if !ok || strings.TrimSpace(claims.UserID) == "" {
			respond.Fail(w, http.StatusUnauthorized, "AUTHENTICATION_REQUIRED", "Authentication required", nil)
			return
		}

		var req requestGrantRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respond.Fail(w, http.StatusBadRequest, "VALIDATION_FAILED", "invalid json", nil)
			return
		}

		// Un practicante pide en su propio nombre salvo que sea admin/system.
		practitionerID := strings.TrimSpace(req.RequestingPractitionerID)
		if claims.PractitionerID != "" {
			if practitionerID == "" {
				practitionerID = claims.PractitionerID
			} else if practitionerID != claims.PractitionerID && !claims.IsPrivileged() {
				respond.Fail(w, http.StatusForbidden, "AUTHORIZATION_DENIED", "cannot request access on behalf of another practitioner", nil)
				return
			}
		}

		meta := map[string]any{}
		for k, v := range req.RequestMetadata {
			meta[k] = v
		}
		meta["ipAddress"] = r.RemoteAddr
		if ua := r.UserAgent(); ua != "" {
			meta["userAgent"] = ua
		}

		in := RequestInput{
			PatientID:                req.PatientID,
			OrganizationID:           req.OrganizationID,
			RequestingPractitionerID: practitionerID,
			Scopes:                   req.Scopes,
			TimeWindowHours:          req.TimeWindowHours,
			RequestMetadata:          meta,
			Actor:                    ActorFromClaims(claims),
		}
		if req.AccessScope != nil {
			in.AccessScope = *req.AccessScope
		}

		g, err := svc.Request(r.Context(), in)
		if err != nil {
			writeError(w, err)
			return
		}
		respond.OK(w, http.StatusCreated, toGrantResponse(g))
	}
}

func getGrantHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFrom(w, r)
		if !ok {
			return
		}

		g, err := svc.GetGrant(r.Context(), actor, chi.URLParam(r, "grantID"))
		if err != nil {
			writeError(w, err)
			return
		}
		respond.OK(w, http.StatusOK, toGrantResponse(g))
	}
}

func approveGrantHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFrom(w, r)
		if !ok {
			return
		}

		res, err := svc.Approve(r.Context(), chi.URLParam(r, "grantID"), actor)
		if err != nil {
			writeError(w, err)
			return
		}

		out := approvalResponse{Grant: toGrantResponse(res.Grant)}
		if res.Token != nil {
			out.AccessToken = &accessTokenResponse{
				Token:     res.Token.Token,
				Type:      res.Token.Type,
				ExpiresAt: res.Token.ExpiresAt,
			}
		}
		respond.OK(w, http.StatusOK, out)
	}
}

func denyGrantHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFrom(w, r)
		if !ok {
			return
		}
		req, ok := decodeReason(w, r)
		if !ok {
			return
		}

		g, err := svc.Deny(r.Context(), chi.URLParam(r, "grantID"), actor, req.Reason)
		if err != nil {
			writeError(w, err)
			return
		}
		respond.OK(w, http.StatusOK, toGrantResponse(g))
	}
}

func revokeGrantHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFrom(w, r)
		if !ok {
			return
		}
		req, ok := decodeReason(w, r)
		if !ok {
			return
		}

		res, err := svc.Revoke(r.Context(), chi.URLParam(r, "grantID"), actor, req.Reason)
		if err != nil {
			writeError(w, err)
			return
		}
		respond.OK(w, http.StatusOK, revokeResponse{
			Grant:         toGrantResponse(res.Grant),
			TokensRevoked: res.TokensRevoked,
		})
	}
}

func revokeAllForPatientHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFrom(w, r)
		if !ok {
			return
		}
		req, ok := decodeReason(w, r)
		if !ok {
			return
		}

		res, err := svc.RevokeAllForPatient(r.Context(), chi.URLParam(r, "patientID"), actor, req.Reason)
		if err != nil {
			writeError(w, err)
			return
		}
		respond.OK(w, http.StatusOK, res)
	}
}

func revokeAllForOrganizationHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFrom(w, r)
		if !ok {
			return
		}
		req, ok := decodeReason(w, r)
		if !ok {
			return
		}

		res, err := svc.RevokeAllForOrganization(r.Context(), chi.URLParam(r, "organizationID"), actor, req.Reason)
		if err != nil {
			writeError(w, err)
			return
		}
		respond.OK(w, http.StatusOK, res)
	}
}

func listPendingHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFrom(w, r)
		if !ok {
			return
		}
		opts, ok := parseListOptions(w, r)
		if !ok {
			return
		}

		items, err := svc.ListPendingForOrganization(r.Context(), actor, chi.URLParam(r, "organizationID"), opts.Limit)
		if err != nil {
			writeError(w, err)
			return
		}
		respond.OK(w, http.StatusOK, toGrantResponses(items))
	}
}

func listByPractitionerHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFrom(w, r)
		if !ok {
			return
		}
		opts, ok := parseListOptions(w, r)
		if !ok {
			return
		}

		items, err := svc.ListByPractitioner(r.Context(), actor, chi.URLParam(r, "practitionerID"), opts)
		if err != nil {
			writeError(w, err)
			return
		}
		respond.OK(w, http.StatusOK, toGrantResponses(items))
	}
}

func listByPatientHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFrom(w, r)
		if !ok {
			return
		}
		opts, ok := parseListOptions(w, r)
		if !ok {
			return
		}

		items, err := svc.ListByPatient(r.Context(), actor, chi.URLParam(r, "patientID"), opts)
		if err != nil {
			writeError(w, err)
			return
		}
		respond.OK(w, http.StatusOK, toGrantResponses(items))
	}
}

func actorFrom(w http.ResponseWriter, r *http.Request) (Actor, bool) {
	claims, ok := middleware.GetClaims(r.Context())
	if !ok || strings.TrimSpace(claims.UserID) == "" {
		respond.Fail(w, http.StatusUnauthorized, "AUTHENTICATION_REQUIRED", "Authentication required", nil)
		return Actor{}, false
	}
	return ActorFromClaims(claims), true
}

// decodeReason tolera body vacío: el motivo es opcional.
func decodeReason(w http.ResponseWriter, r *http.Request) (reasonRequest, bool) {
	var req reasonRequest
	if r.Body == nil {
		return req, true
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respond.Fail(w, http.StatusBadRequest, "VALIDATION_FAILED", "invalid json", nil)
		return req, false
	}
	return req, true
}

// status=ACTIVE|PENDING|... (acepta grafías históricas), includeExpired=bool, limit=int
func parseListOptions(w http.ResponseWriter, r *http.Request) (ListOptions, bool) {
	q := r.URL.Query()
	var opts ListOptions

	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		st, ok := NormalizeStatus(raw)
		if !ok {
			respond.Fail(w, http.StatusBadRequest, "VALIDATION_FAILED", "unknown status: "+raw, nil)
			return opts, false
		}
		opts.Status = st
	}
	if raw := strings.TrimSpace(q.Get("includeExpired")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			respond.Fail(w, http.StatusBadRequest, "VALIDATION_FAILED", "includeExpired must be a boolean", nil)
			return opts, false
		}
		opts.IncludeExpired = v
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			respond.Fail(w, http.StatusBadRequest, "VALIDATION_FAILED", "limit must be a non-negative integer", nil)
			return opts, false
		}
		opts.Limit = v
	}
	return opts, true
}

func writeError(w http.ResponseWriter, err error) {
	var gerr *Error
	if !errors.As(err, &gerr) {
		respond.Fail(w, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
		return
	}

	details := map[string]any{}
	if len(gerr.InvalidScopes) > 0 {
		details["invalidScopes"] = gerr.InvalidScopes
	}
	if len(gerr.MissingPermissions) > 0 {
		details["missingPermissions"] = permissionNames(gerr.MissingPermissions)
	}
	if gerr.ExistingGrantID != "" {
		details["existingGrantId"] = gerr.ExistingGrantID
	}
	if len(details) == 0 {
		details = nil
	}

	switch {
	case errors.Is(gerr, ErrValidation):
		respond.Fail(w, http.StatusBadRequest, "VALIDATION_FAILED", gerr.Error(), details)
	case errors.Is(gerr, ErrNotFound):
		respond.Fail(w, http.StatusNotFound, "NOT_FOUND", gerr.Error(), details)
	case errors.Is(gerr, ErrForbidden):
		respond.Fail(w, http.StatusForbidden, "AUTHORIZATION_DENIED", gerr.Error(), details)
	case errors.Is(gerr, ErrExpired):
		respond.Fail(w, http.StatusConflict, "GRANT_EXPIRED", gerr.Error(), details)
	case errors.Is(gerr, ErrConflict):
		respond.Fail(w, http.StatusConflict, "CONFLICTING_STATE", gerr.Error(), details)
	default:
		respond.Fail(w, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
	}
}

func toGrantResponse(g Grant) grantResponse {
	return grantResponse{
		ID:                       g.ID,
		PatientID:                g.PatientID,
		OrganizationID:           g.OrganizationID,
		RequestingPractitionerID: g.RequestingPractitionerID,
		Status:                   g.Status,
		AccessScope:              g.AccessScope,
		TimeWindowHours:          g.TimeWindowHours,
		CreatedAt:                g.CreatedAt,
		GrantedAt:                g.GrantedAt,
		ExpiresAt:                g.ExpiresAt,
		RevokedAt:                g.RevokedAt,
		RevokedBy:                g.RevokedBy,
		RevocationReason:         g.RevocationReason,
	}
}

func toGrantResponses(items []Grant) []grantResponse {
	out := make([]grantResponse, 0, len(items))
	for _, g := range items {
		out = append(out, toGrantResponse(g))
	}
	return out
}

func permissionNames(in []permissions.Permission) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		out = append(out, string(p))
	}
	return out
}
