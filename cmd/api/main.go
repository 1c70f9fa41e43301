// @title           Patient Access API
// @version         1.0
// @description     Patient-controlled authorization grants, access tokens and audit trail.
// @BasePath        /
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @securityDefinitions.apikey AccessToken
// @in header
// @name X-Access-Token
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"patient-access/internal/adapters/auth/jwtverifier"
	"patient-access/internal/adapters/storage"
	"patient-access/internal/app"
	"patient-access/internal/config"
	"patient-access/internal/platform/housekeeping"
	"patient-access/internal/platform/logger"
	"patient-access/internal/ports/auth"
	"patient-access/internal/router"

	"github.com/spf13/cobra"
)

func main() {
	var envFile string

	rootCmd := &cobra.Command{
		Use:           "patient-access",
		Short:         "Patient-controlled authorization service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional .env file")

	load := func() (*config.Config, logger.Logger, error) {
		cfg, err := config.Load(envFile)
		if err != nil {
			return nil, nil, err
		}
		log := logger.New(logger.Options{
			Level:  logger.ParseLevel(cfg.LogLevel),
			Format: logger.ParseFormat(cfg.LogFormat),
			App:    cfg.AppName,
		})
		return cfg, log, nil
	}

	rootCmd.AddCommand(serveCmd(load))
	rootCmd.AddCommand(migrateCmd(load))
	rootCmd.AddCommand(tokensCmd(load))
	rootCmd.AddCommand(grantsCmd(load))
	rootCmd.AddCommand(authCmd(load))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type loader func() (*config.Config, logger.Logger, error)

func serveCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}

			a, err := app.New(cfg, log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.Run(ctx)
		},
	}
}

func migrateCmd(load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			if err := storage.Migrate(app.StorageOptions(cfg)); err != nil {
				return fmt.Errorf("migrate up: %w", err)
			}
			log.Info("migrations applied", map[string]any{"backend": cfg.StorageBackend})
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the applied schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			v, dirty, err := storage.Version(app.StorageOptions(cfg))
			if err != nil {
				return fmt.Errorf("migrate status: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "backend=%s version=%d dirty=%t\n", cfg.StorageBackend, v, dirty)
			return nil
		},
	})

	return cmd
}

// withServices abre el backend configurado, arma los servicios y lo cierra
// al terminar.
func withServices(load loader, fn func(ctx context.Context, cfg *config.Config, log logger.Logger, svcs *router.Services) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, log, err := load()
		if err != nil {
			return err
		}
		backend, err := storage.Open(app.StorageOptions(cfg))
		if err != nil {
			return err
		}
		defer backend.Close()

		dir, err := app.NewDirectory(cfg)
		if err != nil {
			return err
		}

		svcs := router.NewServices(router.Options{Backend: backend, Directory: dir, Logger: log})
		return fn(cmd.Context(), cfg, log, svcs)
	}
}

func tokensCmd(load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Token store maintenance",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired tokens",
		RunE: withServices(load, func(ctx context.Context, _ *config.Config, log logger.Logger, svcs *router.Services) error {
			n, err := svcs.Tokens.CleanupExpired(ctx)
			if err != nil {
				return err
			}
			log.Info("expired tokens removed", map[string]any{"count": n})
			return nil
		}),
	})

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print token store statistics as JSON",
	}
	statsCmd.RunE = withServices(load, func(ctx context.Context, _ *config.Config, _ logger.Logger, svcs *router.Services) error {
		st, err := svcs.Tokens.Stats(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(statsCmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	})
	cmd.AddCommand(statsCmd)

	return cmd
}

func grantsCmd(load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grants",
		Short: "Grant maintenance",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "reconcile",
		Short: "Mark lapsed grants EXPIRED and clean up expired tokens",
		RunE: withServices(load, func(ctx context.Context, cfg *config.Config, log logger.Logger, svcs *router.Services) error {
			res := housekeeping.NewSweeper(svcs.Tokens, svcs.Grants, cfg.TokenCleanupInterval, log, nil).RunOnce(ctx)
			if res.Err != nil {
				return res.Err
			}
			log.Info("reconcile done", map[string]any{
				"grants_expired": res.GrantsExpired,
				"tokens_removed": res.TokensRemoved,
			})
			return nil
		}),
	})

	return cmd
}

func authCmd(load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Identity helpers",
	}

	var (
		userID         string
		role           string
		practitionerID string
		organizationID string
		ttl            time.Duration
	)
	devToken := &cobra.Command{
		Use:   "dev-token",
		Short: "Sign a bearer token with AUTH_JWT_SECRET (local testing only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			v, err := jwtverifier.New(jwtverifier.Config{
				Secret:   []byte(cfg.AuthJWTSecret),
				Issuer:   cfg.AuthIssuer,
				Audience: cfg.AuthAudience,
			})
			if err != nil {
				return err
			}
			tok, err := v.Sign(auth.Claims{
				UserID:         userID,
				Role:           auth.ParseRole(role),
				PractitionerID: practitionerID,
				OrganizationID: organizationID,
			}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	devToken.Flags().StringVar(&userID, "user", "", "Subject user id")
	devToken.Flags().StringVar(&role, "role", "patient", "patient|practitioner|admin|system")
	devToken.Flags().StringVar(&practitionerID, "practitioner", "", "Practitioner id")
	devToken.Flags().StringVar(&organizationID, "organization", "", "Organization id")
	devToken.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	_ = devToken.MarkFlagRequired("user")
	cmd.AddCommand(devToken)

	return cmd
}
