package middleware

import (
	"net/http"
	"time"

	"patient-access/internal/platform/logger"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// RequestObserver recibe cada request terminado (métricas HTTP).
type RequestObserver interface {
	ObserveRequest(method, route string, status int, elapsed time.Duration)
}

// RequestLogger escribe una línea por request. Va después de chi RequestID y
// RealIP para tener ambos valores.
func RequestLogger(log logger.Logger, obs RequestObserver) func(http.Handler) http.Handler {
	if log == nil {
		log = logger.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			elapsed := time.Since(start)

			fields := map[string]any{
				"request_id":  chimw.GetReqID(r.Context()),
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      status,
				"bytes":       ww.BytesWritten(),
				"duration_ms": elapsed.Milliseconds(),
				"remote_ip":   r.RemoteAddr,
			}
			if c, ok := GetClaims(r.Context()); ok {
				fields["user_id"] = c.UserID
			}

			switch {
			case status >= 500:
				log.Error("request", fields)
			case status >= 400:
				log.Warn("request", fields)
			default:
				log.Info("request", fields)
			}

			if obs != nil {
				obs.ObserveRequest(r.Method, routePattern(r), status, elapsed)
			}
		})
	}
}
