package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
server:
  addr: ":9090"
  read_timeout: 10s
database:
  dsn: ":memory:"
providers:
  - name: openai
    type: chat
    api_base_url: https://api.openai.com/v1
    api_key: sk-test
    models: [gpt-4o]
models:
  - id: gpt-4o
    targets:
      - provider: openai
        model: gpt-4o
    additional_aliases: [gpt-4o-latest]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q, want %q", cfg.Server.Addr, ":9090")
	}
	if cfg.Database.DSN != ":memory:" {
		t.Errorf("dsn = %q, want %q", cfg.Database.DSN, ":memory:")
	}
	if len(cfg.Providers) != 1 {
		t.Fatalf("providers count = %d, want 1", len(cfg.Providers))
	}
	if cfg.Providers[0].Name != "openai" {
		t.Errorf("provider name = %q, want %q", cfg.Providers[0].Name, "openai")
	}
	if len(cfg.Models) != 1 || cfg.Models[0].ID != "gpt-4o" {
		t.Fatalf("models = %+v, want one entry id=gpt-4o", cfg.Models)
	}

	domain := cfg.Providers[0].ToDomain()
	if domain.BaseURL.Single != "https://api.openai.com/v1" {
		t.Errorf("base url = %q", domain.BaseURL.Single)
	}
	if !domain.Enabled {
		t.Error("provider should default to enabled")
	}
}

func TestExpandEnv(t *testing.T) {
	// Cannot use t.Parallel() with t.Setenv.
	t.Setenv("TEST_API_KEY", "sk-secret-123")

	result := expandEnv([]byte("api_key: ${TEST_API_KEY}"))
	if string(result) != "api_key: sk-secret-123" {
		t.Errorf("expandEnv = %q, want %q", string(result), "api_key: sk-secret-123")
	}

	path := writeConfig(t, `
providers:
  - name: openai
    api_key: ${TEST_API_KEY}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Providers[0].APIKey != "sk-secret-123" {
		t.Errorf("expanded api_key = %q, want sk-secret-123", cfg.Providers[0].APIKey)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `{}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("default addr = %q, want %q", cfg.Server.Addr, ":8080")
	}
	if cfg.Database.DSN != "./plexus.db" {
		t.Errorf("default dsn = %q, want %q", cfg.Database.DSN, "./plexus.db")
	}
	if cfg.Cooldown.DefaultMinutes != 10 {
		t.Errorf("default cooldown minutes = %d, want 10", cfg.Cooldown.DefaultMinutes)
	}
	if cfg.A2A.IdempotencyRetentionHours != 24 {
		t.Errorf("default idempotency retention = %d, want 24", cfg.A2A.IdempotencyRetentionHours)
	}
}

func TestIsEnabledDefaultsTrue(t *testing.T) {
	t.Parallel()

	var entry ProviderEntry
	if !entry.IsEnabled() {
		t.Error("ProviderEntry with nil Enabled should default to enabled")
	}

	disabled := false
	entry.Enabled = &disabled
	if entry.IsEnabled() {
		t.Error("ProviderEntry with Enabled=false should report disabled")
	}
}
