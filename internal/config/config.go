package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// R4SourceConfig holds connection and behaviour settings for the legacy R4
// source. It is passed explicitly into the source reader at construction;
// nothing in the import pipeline reads ambient environment state.
type R4SourceConfig struct {
	DSN             string        `mapstructure:"R4_DSN"`
	SourceName      string        `mapstructure:"R4_SOURCE_NAME"`
	Timezone        string        `mapstructure:"R4_TIMEZONE"`
	QueryTimeout    time.Duration `mapstructure:"R4_QUERY_TIMEOUT"`
	MaxRetries      int           `mapstructure:"R4_MAX_RETRIES"`
	RetryBackoff    time.Duration `mapstructure:"R4_RETRY_BACKOFF"`
	BatchDelay      time.Duration `mapstructure:"R4_BATCH_DELAY"`
	PerioJoinColumn string        `mapstructure:"R4_PERIO_JOIN"`
}

type Config struct {
	Port          string   `mapstructure:"PORT"`
	Env           string   `mapstructure:"ENV"`
	DatabaseURL   string   `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32    `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer    string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL   string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience  string   `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins   []string `mapstructure:"CORS_ORIGINS"`
	ImportBatch   int      `mapstructure:"IMPORT_BATCH_SIZE"`
	ImportWorkers int      `mapstructure:"IMPORT_WORKERS"`

	R4 R4SourceConfig `mapstructure:",squash"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("IMPORT_BATCH_SIZE", 500)
	v.SetDefault("IMPORT_WORKERS", 2)
	v.SetDefault("R4_SOURCE_NAME", "legacy_src")
	v.SetDefault("R4_TIMEZONE", "Europe/London")
	v.SetDefault("R4_QUERY_TIMEOUT", "30s")
	v.SetDefault("R4_MAX_RETRIES", 5)
	v.SetDefault("R4_RETRY_BACKOFF", "2s")
	v.SetDefault("R4_BATCH_DELAY", "250ms")
	v.SetDefault("R4_PERIO_JOIN", "chart_id")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "CORS_ORIGINS",
		"IMPORT_BATCH_SIZE", "IMPORT_WORKERS",
		"R4_DSN", "R4_SOURCE_NAME", "R4_TIMEZONE", "R4_QUERY_TIMEOUT",
		"R4_MAX_RETRIES", "R4_RETRY_BACKOFF", "R4_BATCH_DELAY", "R4_PERIO_JOIN",
	} {
		v.BindEnv(key)
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

// Validate checks that the configuration is safe to run against. The R4 DSN
// is only required by commands that actually touch the legacy source, so its
// presence is checked by those commands rather than here.
func (c *Config) Validate() error {
	if c.ImportBatch <= 0 {
		return fmt.Errorf("IMPORT_BATCH_SIZE must be positive, got %d", c.ImportBatch)
	}
	if c.ImportWorkers <= 0 {
		return fmt.Errorf("IMPORT_WORKERS must be positive, got %d", c.ImportWorkers)
	}
	if c.R4.MaxRetries < 0 {
		return fmt.Errorf("R4_MAX_RETRIES must not be negative, got %d", c.R4.MaxRetries)
	}
	if c.R4.PerioJoinColumn != "chart_id" && c.R4.PerioJoinColumn != "patient_date" {
		return fmt.Errorf("R4_PERIO_JOIN must be \"chart_id\" or \"patient_date\", got %q", c.R4.PerioJoinColumn)
	}
	if !c.IsDev() && c.AuthIssuer == "" {
		return fmt.Errorf("AUTH_ISSUER must be set outside development (current ENV=%q)", c.Env)
	}
	return nil
}
