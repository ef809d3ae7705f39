package am

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Backend defaults
	v.SetDefault("backend.base_url", "http://localhost:8000")
	v.SetDefault("backend.start_path", "/api/ai/evaluations/start/")
	v.SetDefault("backend.status_path", "/api/ai/evaluations/jobs/{job_id}/status/")
	v.SetDefault("backend.version_path", "/api/version/")
	v.SetDefault("backend.version_constraint", ">= 1.0.0, < 2.0.0")
	v.SetDefault("backend.timeout_seconds", 30)
	v.SetDefault("backend.requests_per_second", 5.0)
	v.SetDefault("backend.burst", 5)
	v.SetDefault("backend.allow_private_network", true)

	// Poll defaults: 60 attempts at 10s gives a 10 minute ceiling
	v.SetDefault("poll.interval_ms", 10000)
	v.SetDefault("poll.max_attempts", 60)

	// Journal defaults
	v.SetDefault("journal.enabled", true)
	v.SetDefault("journal.path", defaultJournalPath())

	// Server defaults
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://localhost:3000",
		"http://127.0.0.1",
		"https://127.0.0.1",
	})
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("backend.token", "EVALPULSE_BACKEND_TOKEN", "JOBGATE_TOKEN")
	v.BindEnv("backend.base_url", "EVALPULSE_BACKEND_BASE_URL", "JOBGATE_API_URL")
}

// ConfigDir returns ~/.evalpulse, or an empty string when the home directory is unknown
func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".evalpulse")
}

func defaultJournalPath() string {
	dir := ConfigDir()
	if dir == "" {
		return "evalpulse.db"
	}
	return filepath.Join(dir, "evalpulse.db")
}
