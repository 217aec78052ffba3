package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "atlas.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Ingest.Workers != 4 {
		t.Fatalf("workers = %d, want default 4", cfg.Ingest.Workers)
	}
	if cfg.Vacuum.GraceDays != 14 {
		t.Fatalf("graceDays = %d, want default 14", cfg.Vacuum.GraceDays)
	}
	if cfg.Retrieval.Overfetch != 1.5 || cfg.Retrieval.OverfetchRerank != 4 {
		t.Fatalf("overfetch = %v/%v, want defaults 1.5/4",
			cfg.Retrieval.Overfetch, cfg.Retrieval.OverfetchRerank)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: "127.0.0.1:9999"
storage:
  valkey:
    addr: "localhost:6379"
    ttl: 5m
ingest:
  workers: 8
retrieval:
  overfetch: 2
  overfetchRerank: 6
`)
	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:9999" {
		t.Fatalf("addr = %s", cfg.Server.Addr)
	}
	if cfg.Ingest.Workers != 8 {
		t.Fatalf("workers = %d, want 8", cfg.Ingest.Workers)
	}
	if cfg.Storage.Valkey.TTL != 5*time.Minute {
		t.Fatalf("ttl = %v, want 5m", cfg.Storage.Valkey.TTL)
	}
	if cfg.Retrieval.Overfetch != 2 || cfg.Retrieval.OverfetchRerank != 6 {
		t.Fatalf("overfetch = %v/%v, want 2/6",
			cfg.Retrieval.Overfetch, cfg.Retrieval.OverfetchRerank)
	}
	// Untouched sections keep their defaults.
	if cfg.Retrieval.RRFK != 60 {
		t.Fatalf("rrfK = %d, want default 60", cfg.Retrieval.RRFK)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("ATLAS_TEST_KEY", "sk-secret")
	path := writeConfig(t, `
backends:
  bindings:
    json-completion: [oai]
  definitions:
    oai:
      type: openai-json
      model: gpt-x
      apiKey: ${ATLAS_TEST_KEY}
`)
	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Backends.Definitions["oai"].APIKey; got != "sk-secret" {
		t.Fatalf("apiKey = %q, want expanded secret", got)
	}
}

func TestLoadEnvOverlay(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("ATLAS_OVERLAY_DSN=postgres://overlaid\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	path := writeConfig(t, `
storage:
  postgres:
    dsn: ${ATLAS_OVERLAY_DSN}
`)
	cfg, err := Load(path, envPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Postgres.DSN != "postgres://overlaid" {
		t.Fatalf("dsn = %q", cfg.Storage.Postgres.DSN)
	}
}

func TestValidateRejectsUnknownBackendReference(t *testing.T) {
	path := writeConfig(t, `
backends:
  bindings:
    text-embedding: [ghost]
`)
	if _, err := Load(path, ""); err == nil {
		t.Fatalf("expected error for undefined backend reference")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"zero workers", "ingest:\n  workers: -1\n"},
		{"bad rrfK", "retrieval:\n  rrfK: -5\n"},
		{"sub-unit rerank overfetch", "retrieval:\n  overfetchRerank: 0.5\n"},
		{"unknown backend type", "backends:\n  definitions:\n    x:\n      type: warp-drive\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.yaml)
			if _, err := Load(path, ""); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
