package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error — defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("SES_IDENTITY_BASE_URL", &c.IdentityBaseUrl)
	envStr("SES_DOC_SERVICE_BASE_URL", &c.DocServiceBaseUrl)
	envStr("SES_MEMORY_SERVICE_BASE_URL", &c.MemoryServiceBaseUrl)
	envStr("SES_TENANT_ID", &c.TenantId)
	envStr("SES_DATA_DIR", &c.DataDir)
	envStr("SES_CLAUDE_PROJECTS_DIR", &c.ClaudeProjectsDir)
	envStr("SES_CLAUDE_STORAGE_DIR", &c.ClaudeStorageDir)
	envStr("SES_COOKIE_DB_PATH", &c.CookieDBPath)
	envStr("SES_TELEMETRY_ENDPOINT", &c.TelemetryEndpoint)

	if v := os.Getenv("SES_POLLING_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.PollingIntervalSeconds = n
		}
	}
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
