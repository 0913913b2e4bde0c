package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("FLOWTRACE_CONFIG")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != "8082" {
		t.Errorf("server port = %q, want 8082", cfg.Server.Port)
	}
	if cfg.Recorder.BufferSize != 4096 || cfg.Recorder.BatchSize != 256 {
		t.Errorf("recorder defaults = %+v", cfg.Recorder)
	}
	if cfg.Recorder.FlushInterval != 500*time.Millisecond {
		t.Errorf("flush interval = %v, want 500ms", cfg.Recorder.FlushInterval)
	}
	if cfg.Retention.Horizon != 30*24*time.Hour {
		t.Errorf("retention horizon = %v, want 720h", cfg.Retention.Horizon)
	}
	if cfg.Auth.Mode != "apikey" {
		t.Errorf("auth mode = %q, want apikey", cfg.Auth.Mode)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("RECORDER_BATCH_SIZE", "32")
	t.Setenv("RETENTION_HORIZON", "48h")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("server port = %q, want 9090", cfg.Server.Port)
	}
	if cfg.Recorder.BatchSize != 32 {
		t.Errorf("batch size = %d, want 32", cfg.Recorder.BatchSize)
	}
	if cfg.Retention.Horizon != 48*time.Hour {
		t.Errorf("retention horizon = %v, want 48h", cfg.Retention.Horizon)
	}
	origins := cfg.CORS.AllowedOrigins
	if len(origins) != 2 || origins[0] != "https://a.example" || origins[1] != "https://b.example" {
		t.Errorf("cors origins = %v", origins)
	}
}

func TestLoadYAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  port: "7070"
recorder:
  batch_size: 64
  buffer_size: 1024
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	t.Setenv("FLOWTRACE_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != "7070" {
		t.Errorf("server port = %q, want 7070 from YAML", cfg.Server.Port)
	}
	if cfg.Recorder.BatchSize != 64 || cfg.Recorder.BufferSize != 1024 {
		t.Errorf("recorder = %+v", cfg.Recorder)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	base := func() *Config {
		return &Config{
			Auth:      AuthConfig{Mode: "apikey"},
			Recorder:  RecorderConfig{BufferSize: 4096, BatchSize: 256},
			Retention: RetentionConfig{Horizon: 24 * time.Hour},
		}
	}

	cfg := base()
	if err := cfg.validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cfg = base()
	cfg.Auth.Mode = "jwt"
	if err := cfg.validate(); err == nil {
		t.Error("jwt mode without a secret accepted")
	}

	cfg = base()
	cfg.Recorder.BufferSize = 10
	cfg.Recorder.BatchSize = 100
	if err := cfg.validate(); err == nil {
		t.Error("buffer smaller than batch accepted")
	}

	cfg = base()
	cfg.Retention.Horizon = time.Minute
	if err := cfg.validate(); err == nil {
		t.Error("sub-hour retention horizon accepted")
	}
}

func TestDatabaseDSN(t *testing.T) {
	db := DatabaseConfig{Host: "db", Port: "5433", User: "u", Password: "p", Name: "traces"}
	want := "host=db port=5433 user=u password=p dbname=traces sslmode=disable"
	if got := db.DSN(); got != want {
		t.Errorf("DSN = %q, want %q", got, want)
	}
}
