package router

import (
	"context"
	"net/http"
	"time"

	dirmem "patient-access/internal/adapters/directory/memory"
	notifymem "patient-access/internal/adapters/notify/memory"
	"patient-access/internal/adapters/storage"
	"patient-access/internal/domain/access"
	"patient-access/internal/domain/audit"
	"patient-access/internal/domain/grants"
	"patient-access/internal/domain/notifications"
	"patient-access/internal/domain/tokens"
	"patient-access/internal/middleware"
	"patient-access/internal/platform/logger"
	"patient-access/internal/platform/metrics"
	"patient-access/internal/ports/auth"
	"patient-access/internal/ports/directory"

	_ "patient-access/internal/docs" // swagger

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	httpSwagger "github.com/swaggo/http-swagger"
)

type Options struct {
	AuthVerifier auth.AuthVerifier // puede ser nil (modo dev)

	// Opcional: si no viene, todo in-memory.
	Backend *storage.Backend

	// Opcional: directorio vacío en memoria.
	Directory directory.Directory

	// Opcional: cola en memoria.
	Notifications          notifications.Queue
	NotificationMaxRetries int

	Logger  logger.Logger
	Metrics *metrics.Registry

	// RateLimit aplica solo a POST /grants. nil = sin límite.
	RateLimit *middleware.RateLimitConfig
}

// Services expone los servicios armados para quien necesite correr jobs
// fuera de HTTP (housekeeping, CLI).
type Services struct {
	Backend   *storage.Backend
	Tokens    *tokens.Service
	Grants    *grants.Service
	Audit     *audit.Service
	Evaluator *access.Evaluator
}

func NewRouter(opts Options) http.Handler {
	h, _ := Build(opts)
	return h
}

func NewServices(opts Options) *Services {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}

	backend := opts.Backend
	if backend == nil {
		backend = storage.Memory()
	}

	dir := opts.Directory
	if dir == nil {
		dir = dirmem.New()
	}

	queue := opts.Notifications
	if queue == nil {
		queue = notifymem.NewQueue()
	}

	tokensSvc := tokens.NewService(backend.Tokens, tokens.WithLogger(log.With(map[string]any{"module": "tokens"})))
	auditSvc := audit.NewService(backend.Audit)

	grantsSvc := grants.NewService(backend.Grants, grants.Deps{
		Tokens:    tokensSvc,
		Notifier:  notifications.NewEmitter(queue, opts.NotificationMaxRetries),
		Audit:     auditSvc,
		Directory: dir,
		Logger:    log.With(map[string]any{"module": "grants"}),
		Observer:  opts.Metrics,
	})

	evaluator := access.NewEvaluator(access.Deps{
		Grants:    grantsSvc,
		Tokens:    tokensSvc,
		Directory: dir,
		Audit:     auditSvc,
		Logger:    log.With(map[string]any{"module": "access"}),
		Observer:  opts.Metrics,
	})

	return &Services{
		Backend:   backend,
		Tokens:    tokensSvc,
		Grants:    grantsSvc,
		Audit:     auditSvc,
		Evaluator: evaluator,
	}
}

// Build arma servicios y rutas.
func Build(opts Options) (http.Handler, *Services) {
	svcs := NewServices(opts)

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Recover(opts.Logger))
	r.Use(middleware.RequestLogger(opts.Logger, opts.Metrics))

	r.Use(middleware.AuthContext(opts.AuthVerifier, opts.Logger))

	r.Get("/health", healthHandler(svcs.Backend))
	r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	r.Get("/swagger/*", httpSwagger.Handler())

	var limiter func(http.Handler) http.Handler
	if opts.RateLimit != nil {
		cfg := *opts.RateLimit
		if cfg.OnLimited == nil && opts.Metrics != nil {
			cfg.OnLimited = opts.Metrics.RateLimited
		}
		limiter = middleware.RateLimit(cfg)
	}

	// Rutas por módulo
	grants.RegisterRoutes(r, svcs.Grants, limiter)
	access.RegisterRoutes(r, svcs.Evaluator)
	audit.RegisterRoutes(r, svcs.Audit, svcs.Evaluator.RequireGrant)

	return r, svcs
}

func healthHandler(b *storage.Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := b.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("storage unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}
