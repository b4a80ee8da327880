package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func isolateEnvFile(t *testing.T) {
	t.Helper()
	t.Setenv("SCRIBE_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
}

func TestLoadDefaults(t *testing.T) {
	isolateEnvFile(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Port != 8000 {
		t.Fatalf("expected default port 8000, got %d", cfg.HTTP.Port)
	}
	if cfg.Storage.MaxFileSize != 1<<30 {
		t.Fatalf("expected 1GiB max file size, got %d", cfg.Storage.MaxFileSize)
	}
	if len(cfg.Storage.AllowedExtensions) != 6 {
		t.Fatalf("unexpected allowed extensions %v", cfg.Storage.AllowedExtensions)
	}
	if cfg.Stream.DefaultLanguage != "zh-CN" || cfg.Stream.DefaultChunkSeconds != 30 {
		t.Fatalf("unexpected stream defaults %+v", cfg.Stream)
	}
	if cfg.Storage.RetentionPeriod() != 30*time.Minute {
		t.Fatalf("expected 30m retention, got %s", cfg.Storage.RetentionPeriod())
	}
	if cfg.Storage.CleanupEvery() != time.Hour {
		t.Fatalf("expected 1h cleanup interval, got %s", cfg.Storage.CleanupEvery())
	}
}

func TestEnvOverrides(t *testing.T) {
	isolateEnvFile(t)
	t.Setenv("SCRIBE_HTTP_PORT", "9000")
	t.Setenv("SCRIBE_STORAGE_UPLOAD_DIR", "/tmp/scribe")
	t.Setenv("SCRIBE_STORAGE_MAX_FILE_SIZE", "1000")
	t.Setenv("SCRIBE_STORAGE_ALLOWED_EXTENSIONS", "wav, mp3 ,")
	t.Setenv("SCRIBE_ENGINE_MODE", "exec")
	t.Setenv("SCRIBE_ENGINE_COMMAND", "python3 sensevoice.py")
	t.Setenv("SCRIBE_ENGINE_MAX_CONCURRENT", "4")
	t.Setenv("SCRIBE_STREAM_DEFAULT_CHUNK_SECONDS", "12.5")
	t.Setenv("SCRIBE_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("SCRIBE_HISTORY_RETENTION_MODE", "persistent")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Port != 9000 {
		t.Fatalf("expected port override, got %d", cfg.HTTP.Port)
	}
	if cfg.Storage.UploadDir != "/tmp/scribe" {
		t.Fatalf("expected upload dir override")
	}
	if cfg.Storage.MaxFileSize != 1000 {
		t.Fatalf("expected max file size override, got %d", cfg.Storage.MaxFileSize)
	}
	if len(cfg.Storage.AllowedExtensions) != 2 || cfg.Storage.AllowedExtensions[1] != "mp3" {
		t.Fatalf("expected trimmed extension list, got %v", cfg.Storage.AllowedExtensions)
	}
	if cfg.Engine.Mode != "exec" || cfg.Engine.Command != "python3 sensevoice.py" {
		t.Fatalf("expected engine overrides, got %+v", cfg.Engine)
	}
	if cfg.Engine.MaxConcurrent != 4 {
		t.Fatalf("expected max concurrent 4, got %d", cfg.Engine.MaxConcurrent)
	}
	if cfg.Stream.DefaultChunkSeconds != 12.5 {
		t.Fatalf("expected chunk seconds override, got %v", cfg.Stream.DefaultChunkSeconds)
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.History.RetentionMode != "persistent" {
		t.Fatalf("expected history retention override")
	}
}

func TestLoadYAMLThenEnvFile(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "scribe.yaml")
	yamlBody := `
service_name: scribe-test
http:
  port: 8100
storage:
  upload_dir: ./data/uploads
  retention_seconds: 60
engine:
  mode: mock
  device: cpu
`
	if err := os.WriteFile(yamlPath, []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("SCRIBE_STORAGE_RETENTION_SECONDS=120\n"), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("SCRIBE_ENV_FILE", envPath)
	t.Cleanup(func() { os.Unsetenv("SCRIBE_STORAGE_RETENTION_SECONDS") })

	cfg, err := Load(yamlPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ServiceName != "scribe-test" || cfg.HTTP.Port != 8100 {
		t.Fatalf("yaml values not applied: %+v", cfg)
	}
	if cfg.Storage.Retention != 120 {
		t.Fatalf("expected .env to override yaml retention, got %d", cfg.Storage.Retention)
	}
	if cfg.Engine.Device != "cpu" {
		t.Fatalf("expected device cpu, got %s", cfg.Engine.Device)
	}
	if cfg.Storage.MaxFileSize != 1<<30 {
		t.Fatalf("expected default max file size to survive partial yaml")
	}
}

func TestLoadMissingFile(t *testing.T) {
	isolateEnvFile(t)
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"exec without command", func(c *Config) { c.Engine.Mode = "exec" }},
		{"whisper without model", func(c *Config) { c.Engine.Mode = "whisper" }},
		{"unknown engine", func(c *Config) { c.Engine.Mode = "cloud" }},
		{"unknown device", func(c *Config) { c.Engine.Device = "tpu" }},
		{"zero max size", func(c *Config) { c.Storage.MaxFileSize = 0 }},
		{"no extensions", func(c *Config) { c.Storage.AllowedExtensions = nil }},
		{"zero retention", func(c *Config) { c.Storage.Retention = 0 }},
		{"zero chunk seconds", func(c *Config) { c.Stream.DefaultChunkSeconds = 0 }},
		{"bad history mode", func(c *Config) { c.History.RetentionMode = "forever" }},
		{"bad log format", func(c *Config) { c.Telemetry.LogFormat = "xml" }},
		{"bus without servers", func(c *Config) {
			c.Bus.Enabled = true
			c.Bus.Servers = nil
		}},
		{"bus without heartbeat", func(c *Config) {
			c.Bus.Enabled = true
			c.Bus.HeartbeatInterval = 0
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
