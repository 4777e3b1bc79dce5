package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.PollingIntervalSeconds != 30 {
		t.Errorf("polling interval = %d, want 30", cfg.PollingIntervalSeconds)
	}
	if !cfg.ClaudeCodeSyncEnabled() || !cfg.ClaudeDesktopSyncEnabled() {
		t.Error("sync gates should default to enabled")
	}
	if !strings.HasSuffix(cfg.DataDir, ".ses") {
		t.Errorf("data dir = %q", cfg.DataDir)
	}
	if cfg.MaintenanceCron == "" {
		t.Error("maintenance cron default missing")
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.IdentityBaseUrl == "" {
		t.Error("defaults not applied")
	}
}

func TestLoad_JSON5WithComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	data := `{
		// staging endpoints
		identity_base_url: "https://id.staging.example.com",
		enable_claude_desktop_sync: false,
		polling_interval_seconds: 60,
	}`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.IdentityBaseUrl != "https://id.staging.example.com" {
		t.Errorf("identity url = %q", cfg.IdentityBaseUrl)
	}
	if cfg.ClaudeDesktopSyncEnabled() {
		t.Error("desktop sync gate not honored")
	}
	if !cfg.ClaudeCodeSyncEnabled() {
		t.Error("unset gate should default to enabled")
	}
	if cfg.PollingIntervalSeconds != 60 {
		t.Errorf("polling interval = %d", cfg.PollingIntervalSeconds)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	if err := os.WriteFile(path, []byte(`{identity_base_url: "https://file.example.com"}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("SES_IDENTITY_BASE_URL", "https://env.example.com")
	t.Setenv("SES_POLLING_INTERVAL_SECONDS", "90")
	t.Setenv("SES_DATA_DIR", "/tmp/ses-test")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.IdentityBaseUrl != "https://env.example.com" {
		t.Errorf("identity url = %q, want env value", cfg.IdentityBaseUrl)
	}
	if cfg.PollingIntervalSeconds != 90 {
		t.Errorf("polling interval = %d", cfg.PollingIntervalSeconds)
	}
	if cfg.DatabasePath() != "/tmp/ses-test/local.db" {
		t.Errorf("database path = %q", cfg.DatabasePath())
	}
}

func TestDerivedPaths(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/data/ses"
	if got := cfg.PositionsPath(); got != "/data/ses/watcher-positions.json" {
		t.Errorf("positions path = %q", got)
	}
	if got := cfg.CredentialsPath(); got != "/data/ses/credentials.json" {
		t.Errorf("credentials path = %q", got)
	}
	if got := cfg.LockPath(); got != "/data/ses/daemon.lock" {
		t.Errorf("lock path = %q", got)
	}
}

func TestExpandHome(t *testing.T) {
	home, _ := os.UserHomeDir()
	if got := ExpandHome("~/x"); got != filepath.Join(home, "x") {
		t.Errorf("ExpandHome = %q", got)
	}
	if got := ExpandHome("/abs/path"); got != "/abs/path" {
		t.Errorf("ExpandHome = %q", got)
	}
}
