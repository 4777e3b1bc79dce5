// Package config holds the daemon configuration: JSON5 file with
// environment overrides. Secrets (PAT, tokens) are never persisted here —
// they live in the credential store.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

// Config is the root configuration for the ses-local daemon.
type Config struct {
	IdentityBaseUrl      string `json:"identity_base_url,omitempty"`
	DocServiceBaseUrl    string `json:"doc_service_base_url,omitempty"`
	MemoryServiceBaseUrl string `json:"memory_service_base_url,omitempty"`
	TenantId             string `json:"tenant_id,omitempty"`

	EnableClaudeCodeSync    *bool `json:"enable_claude_code_sync,omitempty"`    // gate for the session-log watcher (default true)
	EnableClaudeDesktopSync *bool `json:"enable_claude_desktop_sync,omitempty"` // gate for the local-storage scanner (default true)

	PollingIntervalSeconds int `json:"polling_interval_seconds,omitempty"` // periodic re-scan cadence for watchers

	LicensePublicKeyPem        string `json:"license_public_key_pem,omitempty"`
	LicenseRevocationCheckDays int    `json:"license_revocation_check_days,omitempty"`

	DataDir           string `json:"data_dir,omitempty"`            // ~/.ses
	ClaudeProjectsDir string `json:"claude_projects_dir,omitempty"` // ~/.claude/projects
	ClaudeStorageDir  string `json:"claude_storage_dir,omitempty"`  // Claude desktop Local Storage (*.ldb)
	CookieDBPath      string `json:"cookie_db_path,omitempty"`      // Claude desktop Cookies SQLite file

	MaintenanceCron   string `json:"maintenance_cron,omitempty"`
	TelemetryEndpoint string `json:"telemetry_endpoint,omitempty"` // OTLP/HTTP endpoint, empty = disabled

	mu sync.RWMutex
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		IdentityBaseUrl:      "https://id.sessync.com",
		DocServiceBaseUrl:    "https://docs.sessync.com",
		MemoryServiceBaseUrl: "https://memory.sessync.com",
		TenantId:             "default",

		PollingIntervalSeconds:     30,
		LicenseRevocationCheckDays: 7,

		DataDir:           filepath.Join(home, ".ses"),
		ClaudeProjectsDir: filepath.Join(home, ".claude", "projects"),
		ClaudeStorageDir:  defaultStorageDir(home),
		CookieDBPath:      defaultCookiePath(home),

		MaintenanceCron: "0 3 * * *",
	}
}

// ClaudeCodeSyncEnabled reports whether the session-log watcher should run.
func (c *Config) ClaudeCodeSyncEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.EnableClaudeCodeSync == nil || *c.EnableClaudeCodeSync
}

// ClaudeDesktopSyncEnabled reports whether the local-storage scanner should run.
func (c *Config) ClaudeDesktopSyncEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.EnableClaudeDesktopSync == nil || *c.EnableClaudeDesktopSync
}

// DatabasePath returns the path of the local store database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "local.db")
}

// PositionsPath returns the path of the watcher offset map.
func (c *Config) PositionsPath() string {
	return filepath.Join(c.DataDir, "watcher-positions.json")
}

// CredentialsPath returns the path of the credential store file.
func (c *Config) CredentialsPath() string {
	return filepath.Join(c.DataDir, "credentials.json")
}

// SocketPath returns the control-plane socket path (Unix) or pipe name (Windows).
func (c *Config) SocketPath() string {
	if runtime.GOOS == "windows" {
		return `\\.\pipe\ses-local-daemon`
	}
	return filepath.Join(c.DataDir, "daemon.sock")
}

// LockPath returns the single-instance lock file path.
func (c *Config) LockPath() string {
	return filepath.Join(c.DataDir, "daemon.lock")
}

// defaultStorageDir locates the Claude desktop Local Storage leveldb directory.
func defaultStorageDir(home string) string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Claude", "Local Storage", "leveldb")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Claude", "Local Storage", "leveldb")
		}
		return filepath.Join(home, "AppData", "Roaming", "Claude", "Local Storage", "leveldb")
	default:
		return filepath.Join(home, ".config", "Claude", "Local Storage", "leveldb")
	}
}

// defaultCookiePath locates the Claude desktop cookie database.
func defaultCookiePath(home string) string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Claude", "Cookies")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Claude", "Network", "Cookies")
		}
		return filepath.Join(home, "AppData", "Roaming", "Claude", "Network", "Cookies")
	default:
		return filepath.Join(home, ".config", "Claude", "Cookies")
	}
}
