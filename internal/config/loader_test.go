package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("BERL_TEST_KEY", "sk-12345")

	got := expandEnvVars("api_key: ${BERL_TEST_KEY}")
	if got != "api_key: sk-12345" {
		t.Errorf("expected expansion, got %q", got)
	}

	got = expandEnvVars("host: ${BERL_MISSING:localhost}")
	if got != "host: localhost" {
		t.Errorf("expected default value, got %q", got)
	}

	got = expandEnvVars("host: ${BERL_MISSING}")
	if got != "host: " {
		t.Errorf("expected empty value, got %q", got)
	}
}

func TestLoader_Load(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "dispatch.yaml", `
server:
  port: 9000
resilience:
  max_retries: 5
  base_delay: 50ms
  cache:
    backend: redis
    capacity: 500
`)
	writeFile(t, dir, "adapters.yaml", `
adapters:
  - name: modelA
    type: openai
    base_url: https://api.openai.com/v1
    model: gpt-4o
    capabilities: [code_generation, analysis]
  - name: modelB
    type: anthropic
    base_url: https://api.anthropic.com/v1
    model: claude-sonnet
    capabilities: [code_generation]
`)
	writeFile(t, dir, "pipelines.yaml", `
pipelines:
  - name: code
    steps:
      - name: generate
        category: code_generation
        max_tokens: 2000
        timeout: 60s
      - name: optimize
        category: code_optimization
`)

	loader := NewLoader(dir, testLogger())
	if err := loader.Load(); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	cfg := loader.Config()
	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}
	// Unset fields keep defaults.
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("expected default read timeout, got %v", cfg.Server.ReadTimeout)
	}
	if cfg.Resilience.MaxRetries != 5 {
		t.Errorf("expected max retries 5, got %d", cfg.Resilience.MaxRetries)
	}
	if cfg.Resilience.Cache.Backend != "redis" || cfg.Resilience.Cache.Capacity != 500 {
		t.Errorf("unexpected cache config: %+v", cfg.Resilience.Cache)
	}

	adapters := loader.Adapters()
	if len(adapters.Adapters) != 2 {
		t.Fatalf("expected 2 adapters, got %d", len(adapters.Adapters))
	}
	// Declaration order is registration order.
	if adapters.Adapters[0].Name != "modelA" || adapters.Adapters[1].Name != "modelB" {
		t.Errorf("adapter order not preserved: %s, %s",
			adapters.Adapters[0].Name, adapters.Adapters[1].Name)
	}
	if len(adapters.Adapters[0].Capabilities) != 2 {
		t.Errorf("expected 2 capabilities, got %v", adapters.Adapters[0].Capabilities)
	}

	pipelines := loader.Pipelines()
	if len(pipelines.Pipelines) != 1 {
		t.Fatalf("expected 1 pipeline, got %d", len(pipelines.Pipelines))
	}
	steps := pipelines.Pipelines[0].Steps
	if len(steps) != 2 || steps[0].Name != "generate" || steps[1].Name != "optimize" {
		t.Errorf("unexpected steps: %+v", steps)
	}
	if steps[0].Timeout != 60*time.Second {
		t.Errorf("expected step timeout 60s, got %v", steps[0].Timeout)
	}
}

func TestLoader_LoadMissingFile(t *testing.T) {
	loader := NewLoader(t.TempDir(), testLogger())
	if err := loader.Load(); err == nil {
		t.Fatal("expected error for missing config files")
	}
}

func TestDatabaseConfigDSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, Name: "berl", User: "u", Password: "p"}
	want := "postgres://u:p@db:5432/berl?sslmode=disable"
	if got := d.DSN(); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}
