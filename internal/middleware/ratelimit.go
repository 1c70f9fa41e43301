package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"patient-access/internal/platform/respond"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"
)

type RateLimitConfig struct {
	// RPS es la tasa sostenida por clave; Burst el pico permitido.
	RPS   float64
	Burst int

	// IdleTTL: claves sin tráfico por más de esto se descartan.
	IdleTTL time.Duration

	// OnLimited se llama por cada request rechazado (métricas).
	OnLimited func(route string)
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

type keyedLimiter struct {
	cfg RateLimitConfig

	mu      sync.Mutex
	entries map[string]*limiterEntry
	sweepAt time.Time
}

// RateLimit limita por usuario autenticado o, sin claims, por IP. Pensado
// para el alta de grants: cada escaneo de QR dispara un pedido.
func RateLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	if cfg.RPS <= 0 {
		cfg.RPS = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(math.Max(1, math.Ceil(cfg.RPS)))
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	kl := &keyedLimiter{cfg: cfg, entries: make(map[string]*limiterEntry)}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := kl.reserve(rateKey(r), time.Now())
			if res == nil {
				next.ServeHTTP(w, r)
				return
			}

			retry := int(math.Ceil(res.Seconds()))
			if retry < 1 {
				retry = 1
			}
			if cfg.OnLimited != nil {
				cfg.OnLimited(routePattern(r))
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			respond.Fail(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", map[string]any{
				"retryAfterSeconds": retry,
			})
		})
	}
}

// reserve devuelve nil si el request pasa, o cuánto esperar.
func (k *keyedLimiter) reserve(key string, now time.Time) *time.Duration {
	k.mu.Lock()
	defer k.mu.Unlock()

	if now.After(k.sweepAt) {
		for key, e := range k.entries {
			if now.Sub(e.lastSeen) > k.cfg.IdleTTL {
				delete(k.entries, key)
			}
		}
		k.sweepAt = now.Add(k.cfg.IdleTTL)
	}

	e, ok := k.entries[key]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(rate.Limit(k.cfg.RPS), k.cfg.Burst)}
		k.entries[key] = e
	}
	e.lastSeen = now

	if e.lim.AllowN(now, 1) {
		return nil
	}
	r := e.lim.ReserveN(now, 1)
	wait := r.DelayFrom(now)
	r.CancelAt(now)
	return &wait
}

func rateKey(r *http.Request) string {
	if c, ok := GetClaims(r.Context()); ok && c.UserID != "" {
		return "user:" + c.UserID
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	return "ip:" + strings.TrimSpace(ip)
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
