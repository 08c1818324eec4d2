package config

import (
	"testing"
	"time"
)

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when DATABASE_URL is missing")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/pms_test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != "8000" {
		t.Errorf("Port = %q, want 8000", cfg.Port)
	}
	if cfg.ImportBatch != 500 {
		t.Errorf("ImportBatch = %d, want 500", cfg.ImportBatch)
	}
	if cfg.R4.SourceName != "legacy_src" {
		t.Errorf("R4.SourceName = %q, want legacy_src", cfg.R4.SourceName)
	}
	if cfg.R4.Timezone != "Europe/London" {
		t.Errorf("R4.Timezone = %q, want Europe/London", cfg.R4.Timezone)
	}
	if cfg.R4.QueryTimeout != 30*time.Second {
		t.Errorf("R4.QueryTimeout = %v, want 30s", cfg.R4.QueryTimeout)
	}
	if cfg.R4.PerioJoinColumn != "chart_id" {
		t.Errorf("R4.PerioJoinColumn = %q, want chart_id", cfg.R4.PerioJoinColumn)
	}
	if !cfg.IsDev() {
		t.Error("expected default ENV to be development")
	}
}

func TestLoadR4Overrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/pms_test")
	t.Setenv("R4_DSN", "sqlserver://r4-host/R4Live")
	t.Setenv("R4_PERIO_JOIN", "patient_date")
	t.Setenv("R4_BATCH_DELAY", "1s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.R4.DSN != "sqlserver://r4-host/R4Live" {
		t.Errorf("R4.DSN = %q", cfg.R4.DSN)
	}
	if cfg.R4.PerioJoinColumn != "patient_date" {
		t.Errorf("R4.PerioJoinColumn = %q, want patient_date", cfg.R4.PerioJoinColumn)
	}
	if cfg.R4.BatchDelay != time.Second {
		t.Errorf("R4.BatchDelay = %v, want 1s", cfg.R4.BatchDelay)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid dev", func(c *Config) {}, false},
		{"zero batch", func(c *Config) { c.ImportBatch = 0 }, true},
		{"zero workers", func(c *Config) { c.ImportWorkers = 0 }, true},
		{"negative retries", func(c *Config) { c.R4.MaxRetries = -1 }, true},
		{"bad join strategy", func(c *Config) { c.R4.PerioJoinColumn = "magic" }, true},
		{"production without issuer", func(c *Config) { c.Env = "production" }, true},
		{"production with issuer", func(c *Config) {
			c.Env = "production"
			c.AuthIssuer = "https://auth.example.com"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Env:           "development",
				ImportBatch:   500,
				ImportWorkers: 2,
				R4: R4SourceConfig{
					MaxRetries:      5,
					PerioJoinColumn: "chart_id",
				},
			}
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() err = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}
