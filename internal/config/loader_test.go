package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_ExpandsEnv(t *testing.T) {
	t.Setenv("HW_TOKEN", "from-env")

	path := writeConfig(t, `
version: "1"
server:
  listen: "${HW_LISTEN:-127.0.0.1:8080}"
  auth_token: "${HW_TOKEN}"
database:
  path: /tmp/hw.db
users:
  - id: alice
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.AuthToken != "from-env" {
		t.Errorf("auth_token = %q, want value from environment", cfg.Server.AuthToken)
	}
	if cfg.Server.Listen != "127.0.0.1:8080" {
		t.Errorf("listen = %q, want fallback default", cfg.Server.Listen)
	}
}

func TestLoad_UnresolvedVariable(t *testing.T) {
	path := writeConfig(t, `
version: "1"
server:
  auth_token: "${HW_DEFINITELY_UNSET_VAR}"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for unresolved variable")
	}
	if !strings.Contains(err.Error(), "HW_DEFINITELY_UNSET_VAR") {
		t.Errorf("error should name the variable: %v", err)
	}
}

func TestLoadValidated(t *testing.T) {
	path := writeConfig(t, `
version: "1"
server:
  listen: 127.0.0.1:8080
  auth_token: secret
database:
  path: /tmp/hw.db
users:
  - id: alice
    jobs:
      - type: update_check
        enabled: true
        interval_minutes: 30
`)

	cfg, err := LoadValidated(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Users) != 1 || len(cfg.Users[0].Jobs) != 1 {
		t.Fatalf("users = %+v", cfg.Users)
	}
	job := cfg.Users[0].Jobs[0]
	if job.Enabled == nil || !*job.Enabled || job.IntervalMinutes != 30 {
		t.Errorf("job = %+v", job)
	}
}
