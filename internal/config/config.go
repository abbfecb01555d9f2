package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	// APIKeys guard the /api/v1 routes; comma-separated in the environment.
	APIKeys []string `mapstructure:"API_KEYS"`

	UpstreamBaseURL        string        `mapstructure:"UPSTREAM_BASE_URL"`
	UpstreamTokenURL       string        `mapstructure:"UPSTREAM_TOKEN_URL"`
	UpstreamClientID       string        `mapstructure:"UPSTREAM_CLIENT_ID"`
	UpstreamClientSecret   string        `mapstructure:"UPSTREAM_CLIENT_SECRET"`
	UpstreamPrivateKeyFile string        `mapstructure:"UPSTREAM_PRIVATE_KEY_FILE"`
	UpstreamKeyID          string        `mapstructure:"UPSTREAM_KEY_ID"`
	UpstreamScope          string        `mapstructure:"UPSTREAM_SCOPE"`
	UpstreamRPS            int           `mapstructure:"UPSTREAM_RPS"`
	UpstreamPageSize       int           `mapstructure:"UPSTREAM_PAGE_SIZE"`
	UpstreamTimeout        time.Duration `mapstructure:"UPSTREAM_TIMEOUT"`
	UpstreamMaxRetries     int           `mapstructure:"UPSTREAM_MAX_RETRIES"`

	SyncStaleAfter    time.Duration `mapstructure:"SYNC_STALE_AFTER"`
	SyncLeaseTTL      time.Duration `mapstructure:"SYNC_LEASE_TTL"`
	SyncWebhookURL    string        `mapstructure:"SYNC_WEBHOOK_URL"`
	SyncWebhookSecret string        `mapstructure:"SYNC_WEBHOOK_SECRET"`

	MigrationsDir string `mapstructure:"MIGRATIONS_DIR"`
}

var keys = []string{
	"PORT",
	"ENV",
	"DATABASE_URL",
	"DB_MAX_CONNS",
	"DB_MIN_CONNS",
	"API_KEYS",
	"UPSTREAM_BASE_URL",
	"UPSTREAM_TOKEN_URL",
	"UPSTREAM_CLIENT_ID",
	"UPSTREAM_CLIENT_SECRET",
	"UPSTREAM_PRIVATE_KEY_FILE",
	"UPSTREAM_KEY_ID",
	"UPSTREAM_SCOPE",
	"UPSTREAM_RPS",
	"UPSTREAM_PAGE_SIZE",
	"UPSTREAM_TIMEOUT",
	"UPSTREAM_MAX_RETRIES",
	"SYNC_STALE_AFTER",
	"SYNC_LEASE_TTL",
	"SYNC_WEBHOOK_URL",
	"SYNC_WEBHOOK_SECRET",
	"MIGRATIONS_DIR",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("UPSTREAM_RPS", 10)
	v.SetDefault("UPSTREAM_PAGE_SIZE", 100)
	v.SetDefault("UPSTREAM_TIMEOUT", "30s")
	v.SetDefault("UPSTREAM_MAX_RETRIES", 3)
	v.SetDefault("SYNC_STALE_AFTER", "3h")
	v.SetDefault("SYNC_LEASE_TTL", "2h")
	v.SetDefault("MIGRATIONS_DIR", "")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the service is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsesClientAssertion reports whether upstream tokens are requested with a
// signed JWT instead of a client secret.
func (c *Config) UsesClientAssertion() bool {
	return c.UpstreamPrivateKeyFile != ""
}

// Validate checks that the configuration can drive a sync. Commands that only
// touch the database (migrate, runs) do not call it.
func (c *Config) Validate() error {
	if c.UpstreamBaseURL == "" {
		return fmt.Errorf("UPSTREAM_BASE_URL is required")
	}
	u, err := url.Parse(c.UpstreamBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("UPSTREAM_BASE_URL must be an absolute http(s) URL, got %q", c.UpstreamBaseURL)
	}
	if c.IsProduction() && u.Scheme != "https" {
		return fmt.Errorf("UPSTREAM_BASE_URL must use https in production")
	}

	if c.UpstreamTokenURL != "" {
		if c.UpstreamClientID == "" {
			return fmt.Errorf("UPSTREAM_CLIENT_ID is required when UPSTREAM_TOKEN_URL is set")
		}
		if c.UpstreamClientSecret == "" && !c.UsesClientAssertion() {
			return fmt.Errorf("UPSTREAM_CLIENT_SECRET or UPSTREAM_PRIVATE_KEY_FILE is required when UPSTREAM_TOKEN_URL is set")
		}
	} else if c.IsProduction() {
		return fmt.Errorf("UPSTREAM_TOKEN_URL is required in production")
	}
	if c.IsProduction() && len(c.APIKeys) == 0 {
		return fmt.Errorf("API_KEYS is required in production")
	}

	if c.UpstreamRPS < 0 {
		return fmt.Errorf("UPSTREAM_RPS must not be negative, got %d", c.UpstreamRPS)
	}
	if c.UpstreamPageSize < 0 {
		return fmt.Errorf("UPSTREAM_PAGE_SIZE must not be negative, got %d", c.UpstreamPageSize)
	}
	if c.UpstreamMaxRetries < 0 {
		return fmt.Errorf("UPSTREAM_MAX_RETRIES must not be negative, got %d", c.UpstreamMaxRetries)
	}
	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("UPSTREAM_TIMEOUT must be positive, got %s", c.UpstreamTimeout)
	}
	if c.SyncLeaseTTL <= 0 {
		return fmt.Errorf("SYNC_LEASE_TTL must be positive, got %s", c.SyncLeaseTTL)
	}
	// A run is only abandoned once its lease could have expired; a shorter
	// threshold would fail runs that are still working.
	if c.SyncStaleAfter < 0 {
		return fmt.Errorf("SYNC_STALE_AFTER must not be negative, got %s", c.SyncStaleAfter)
	}
	if c.SyncStaleAfter > 0 && c.SyncStaleAfter < c.SyncLeaseTTL {
		return fmt.Errorf("SYNC_STALE_AFTER (%s) must not be shorter than SYNC_LEASE_TTL (%s)", c.SyncStaleAfter, c.SyncLeaseTTL)
	}

	if c.SyncWebhookURL != "" {
		w, err := url.Parse(c.SyncWebhookURL)
		if err != nil || (w.Scheme != "http" && w.Scheme != "https") || w.Host == "" {
			return fmt.Errorf("SYNC_WEBHOOK_URL must be an absolute http(s) URL, got %q", c.SyncWebhookURL)
		}
		if c.SyncWebhookSecret == "" {
			return fmt.Errorf("SYNC_WEBHOOK_SECRET is required when SYNC_WEBHOOK_URL is set")
		}
	}

	return nil
}
