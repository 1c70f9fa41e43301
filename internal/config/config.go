package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port    string `mapstructure:"PORT"`
	Env     string `mapstructure:"ENV"`
	AppName string `mapstructure:"APP_NAME"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`

	StorageBackend string `mapstructure:"STORAGE_BACKEND"`
	DBDSN          string `mapstructure:"DB_DSN"`
	SQLitePath     string `mapstructure:"SQLITE_PATH"`
	AutoMigrate    bool   `mapstructure:"AUTO_MIGRATE"`

	AuthJWTSecret string `mapstructure:"AUTH_JWT_SECRET"`
	AuthIssuer    string `mapstructure:"AUTH_ISSUER"`
	AuthAudience  string `mapstructure:"AUTH_AUDIENCE"`

	DirectoryURL      string `mapstructure:"DIRECTORY_URL"`
	DirectoryAPIKey   string `mapstructure:"DIRECTORY_API_KEY"`
	DirectorySeedFile string `mapstructure:"DIRECTORY_SEED_FILE"`

	TokenCleanupInterval time.Duration `mapstructure:"TOKEN_CLEANUP_INTERVAL"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`

	NotificationMaxRetries int `mapstructure:"NOTIFICATION_MAX_RETRIES"`

	ShutdownGracePeriod time.Duration `mapstructure:"SHUTDOWN_GRACE_PERIOD"`
}

var keys = []string{
	"PORT", "ENV", "APP_NAME",
	"LOG_LEVEL", "LOG_FORMAT",
	"STORAGE_BACKEND", "DB_DSN", "SQLITE_PATH", "AUTO_MIGRATE",
	"AUTH_JWT_SECRET", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"DIRECTORY_URL", "DIRECTORY_API_KEY", "DIRECTORY_SEED_FILE",
	"TOKEN_CLEANUP_INTERVAL",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"NOTIFICATION_MAX_RETRIES",
	"SHUTDOWN_GRACE_PERIOD",
}

// Load lee env y, si existe, el archivo indicado (por defecto .env).
func Load(envFile string) (*Config, error) {
	if strings.TrimSpace(envFile) == "" {
		envFile = ".env"
	}

	v := viper.New()
	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("APP_NAME", "patient-access")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
	v.SetDefault("STORAGE_BACKEND", "memory")
	v.SetDefault("SQLITE_PATH", "patient-access.db")
	v.SetDefault("AUTO_MIGRATE", true)
	v.SetDefault("TOKEN_CLEANUP_INTERVAL", "5m")
	v.SetDefault("RATE_LIMIT_RPS", 2)
	v.SetDefault("RATE_LIMIT_BURST", 10)
	v.SetDefault("NOTIFICATION_MAX_RETRIES", 3)
	v.SetDefault("SHUTDOWN_GRACE_PERIOD", "10s")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// .env es opcional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.StorageBackend = strings.ToLower(strings.TrimSpace(cfg.StorageBackend))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.StorageBackend {
	case "memory", "sqlite":
	case "postgres":
		if strings.TrimSpace(c.DBDSN) == "" {
			return fmt.Errorf("DB_DSN is required when STORAGE_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q (want memory, postgres or sqlite)", c.StorageBackend)
	}

	if c.StorageBackend == "sqlite" && strings.TrimSpace(c.SQLitePath) == "" {
		return fmt.Errorf("SQLITE_PATH is required when STORAGE_BACKEND=sqlite")
	}
	if c.TokenCleanupInterval < time.Second {
		return fmt.Errorf("TOKEN_CLEANUP_INTERVAL must be at least 1s, got %s", c.TokenCleanupInterval)
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must not be negative")
	}
	if c.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("SHUTDOWN_GRACE_PERIOD must be positive")
	}
	if !c.IsDev() && strings.TrimSpace(c.AuthJWTSecret) == "" {
		return fmt.Errorf("AUTH_JWT_SECRET is required outside development")
	}
	return nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) Addr() string {
	return ":" + strings.TrimPrefix(c.Port, ":")
}
