package middleware

import (
	"context"
	"net/http"
	"strings"

	"patient-access/internal/platform/logger"
	"patient-access/internal/ports/auth"

	chimw "github.com/go-chi/chi/v5/middleware"
)

type claimsKey struct{}

// Headers del modo dev (sin verifier).
const (
	HeaderDebugUserID         = "X-Debug-User-ID"
	HeaderDebugRole           = "X-Debug-Role"
	HeaderDebugPractitionerID = "X-Debug-Practitioner-ID"
	HeaderDebugOrganizationID = "X-Debug-Organization-ID"
)

// AuthContext resuelve la identidad del request y nunca corta la cadena: sin
// claims los handlers deciden 401/403.
//   - verifier != nil: solo Bearer. Un token inválido se loguea y se ignora.
//   - verifier == nil (dev): headers X-Debug-*.
func AuthContext(verifier auth.AuthVerifier, log logger.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = logger.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if claims, ok := resolve(r, verifier, log); ok {
				r = r.WithContext(WithClaims(r.Context(), claims))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func resolve(r *http.Request, verifier auth.AuthVerifier, log logger.Logger) (auth.Claims, bool) {
	if verifier == nil {
		return debugClaims(r)
	}

	token, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		return auth.Claims{}, false
	}
	claims, err := verifier.Verify(r.Context(), token)
	if err != nil {
		log.Debug("bearer token rejected", map[string]any{
			"request_id": chimw.GetReqID(r.Context()),
			"path":       r.URL.Path,
			"error":      err,
		})
		return auth.Claims{}, false
	}
	return claims, true
}

// WithClaims se expone para tests y jobs internos que actúan como system.
func WithClaims(ctx context.Context, c auth.Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

func GetClaims(ctx context.Context) (auth.Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(auth.Claims)
	return c, ok
}

func debugClaims(r *http.Request) (auth.Claims, bool) {
	uid := strings.TrimSpace(r.Header.Get(HeaderDebugUserID))
	if uid == "" {
		return auth.Claims{}, false
	}
	return auth.Claims{
		UserID:         uid,
		Role:           auth.ParseRole(strings.TrimSpace(r.Header.Get(HeaderDebugRole))),
		PractitionerID: strings.TrimSpace(r.Header.Get(HeaderDebugPractitionerID)),
		OrganizationID: strings.TrimSpace(r.Header.Get(HeaderDebugOrganizationID)),
	}, true
}

func bearerToken(h string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(h), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
