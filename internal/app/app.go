// Package app arma el proceso servidor a partir de la config: backend,
// verifier, directorio, router y housekeeping.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"patient-access/internal/adapters/auth/jwtverifier"
	dirmem "patient-access/internal/adapters/directory/memory"
	"patient-access/internal/adapters/directory/registry"
	"patient-access/internal/adapters/storage"
	"patient-access/internal/config"
	"patient-access/internal/middleware"
	"patient-access/internal/platform/housekeeping"
	"patient-access/internal/platform/logger"
	"patient-access/internal/platform/metrics"
	"patient-access/internal/ports/auth"
	"patient-access/internal/ports/directory"
	"patient-access/internal/router"
)

type App struct {
	cfg *config.Config
	log logger.Logger

	Services *router.Services
	Metrics  *metrics.Registry

	server  *http.Server
	sweeper *housekeeping.Sweeper
}

func StorageOptions(cfg *config.Config) storage.Options {
	return storage.Options{
		Backend:     cfg.StorageBackend,
		DSN:         cfg.DBDSN,
		SQLitePath:  cfg.SQLitePath,
		AutoMigrate: cfg.AutoMigrate,
	}
}

// NewVerifier devuelve nil en desarrollo sin secreto: AuthContext cae al modo
// de headers X-Debug-*.
func NewVerifier(cfg *config.Config) (auth.AuthVerifier, error) {
	if strings.TrimSpace(cfg.AuthJWTSecret) == "" {
		if cfg.IsDev() {
			return nil, nil
		}
		return nil, jwtverifier.ErrNotConfigured
	}
	v, err := jwtverifier.New(jwtverifier.Config{
		Secret:   []byte(cfg.AuthJWTSecret),
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// NewDirectory: registry remoto si hay URL, si no memoria (con seed opcional).
func NewDirectory(cfg *config.Config) (directory.Directory, error) {
	if strings.TrimSpace(cfg.DirectoryURL) != "" {
		c, err := registry.NewClient(registry.Config{
			BaseURL: cfg.DirectoryURL,
			APIKey:  cfg.DirectoryAPIKey,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	}

	dir := dirmem.New()
	if path := strings.TrimSpace(cfg.DirectorySeedFile); path != "" {
		seed, err := dirmem.LoadSeedFile(path)
		if err != nil {
			return nil, fmt.Errorf("load directory seed: %w", err)
		}
		for _, p := range seed {
			dir.Upsert(p)
		}
	}
	return dir, nil
}

func New(cfg *config.Config, log logger.Logger) (*App, error) {
	if log == nil {
		log = logger.Nop()
	}

	verifier, err := NewVerifier(cfg)
	if err != nil {
		return nil, err
	}
	if verifier == nil {
		log.Warn("no AUTH_JWT_SECRET: X-Debug-* identity headers are trusted", map[string]any{"env": cfg.Env})
	}

	dir, err := NewDirectory(cfg)
	if err != nil {
		return nil, err
	}

	backend, err := storage.Open(StorageOptions(cfg))
	if err != nil {
		return nil, err
	}

	reg := metrics.New()

	opts := router.Options{
		AuthVerifier:           verifier,
		Backend:                backend,
		Directory:              dir,
		NotificationMaxRetries: cfg.NotificationMaxRetries,
		Logger:                 log,
		Metrics:                reg,
	}
	if cfg.RateLimitRPS > 0 {
		opts.RateLimit = &middleware.RateLimitConfig{RPS: cfg.RateLimitRPS, Burst: cfg.RateLimitBurst}
	}

	handler, svcs := router.Build(opts)

	return &App{
		cfg:      cfg,
		log:      log,
		Services: svcs,
		Metrics:  reg,
		server: &http.Server{
			Addr:         cfg.Addr(),
			Handler:      handler,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		sweeper: housekeeping.NewSweeper(svcs.Tokens, svcs.Grants, cfg.TokenCleanupInterval, log.With(map[string]any{"module": "housekeeping"}), reg),
	}, nil
}

// Run sirve hasta que ctx se cancela y luego apaga ordenadamente.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return err
	}
	return a.Serve(ctx, ln)
}

func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	a.sweeper.Start()

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("starting server", map[string]any{
			"addr":    ln.Addr().String(),
			"backend": a.Services.Backend.Name,
		})
		errCh <- a.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		_ = a.Shutdown(context.Background())
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.log.Info("shutting down server", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownGracePeriod)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		return err
	}
	a.log.Info("server stopped", nil)
	return nil
}

func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if err := a.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := a.sweeper.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("housekeeping stop: %w", err))
	}
	if err := a.Services.Backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("storage close: %w", err))
	}
	return errors.Join(errs...)
}
