package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kunai-project/orchestrator/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigValid(t *testing.T) {
	path := writeConfig(t, `
database: /var/lib/orchestrator/db.sqlite
kunai_sandbox_exe: /usr/bin/kunai-sandbox
data_dir: /var/lib/orchestrator/data
default_sandbox_name: default
sandboxes_config:
  default: /etc/orchestrator/sandboxes/default.yaml
max_queue: 10
max_running: 3
`)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DefaultSandboxName != "default" {
		t.Errorf("default_sandbox_name = %q, want default", cfg.DefaultSandboxName)
	}
	if cfg.MaxQueue != 10 {
		t.Errorf("max_queue = %d, want 10", cfg.MaxQueue)
	}
	// ListenAddr and LogLevel came from DefaultConfig(), not overridden.
	if cfg.ListenAddr != ":8080" {
		t.Errorf("listen_addr = %q, want :8080", cfg.ListenAddr)
	}
}

func TestLoadConfigUnknownDefaultSandbox(t *testing.T) {
	path := writeConfig(t, `
database: db.sqlite
kunai_sandbox_exe: /usr/bin/kunai-sandbox
data_dir: data
default_sandbox_name: missing
sandboxes_config:
  default: sandboxes/default.yaml
`)
	if _, err := config.LoadConfig(path); err == nil {
		t.Fatal("expected error for unknown default_sandbox_name")
	}
}

func TestLoadConfigMissingRequiredFields(t *testing.T) {
	path := writeConfig(t, `max_queue: 5`)
	if _, err := config.LoadConfig(path); err == nil {
		t.Fatal("expected error for missing required fields")
	}
}

func TestSlogLevel(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.LogLevel = "debug"
	if _, err := cfg.SlogLevel(); err != nil {
		t.Fatal(err)
	}
	cfg.LogLevel = "bogus"
	if _, err := cfg.SlogLevel(); err == nil {
		t.Fatal("expected error for unrecognized log_level")
	}
}
