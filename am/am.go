package am

import "time"

// Config represents the core evalpulse configuration
type Config struct {
	Backend BackendConfig `mapstructure:"backend"`
	Poll    PollConfig    `mapstructure:"poll"`
	Journal JournalConfig `mapstructure:"journal"`
	Server  ServerConfig  `mapstructure:"server"`
}

// BackendConfig configures access to the JobGate evaluation backend
type BackendConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	Token             string `mapstructure:"token"`       // Bearer token, never logged
	StartPath         string `mapstructure:"start_path"`  // POST, starts an evaluation job
	StatusPath        string `mapstructure:"status_path"` // GET, must contain {job_id}
	VersionPath       string `mapstructure:"version_path"`
	VersionConstraint string `mapstructure:"version_constraint"` // semver constraint, empty disables the check

	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"` // 0 = unlimited
	Burst             int     `mapstructure:"burst"`

	// The backend usually lives on localhost or a private network during development
	AllowPrivateNetwork bool `mapstructure:"allow_private_network"`
}

// Timeout returns the per-request timeout
func (b BackendConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutSeconds) * time.Second
}

// PollConfig holds the default poll session options
type PollConfig struct {
	IntervalMS  int `mapstructure:"interval_ms"`
	MaxAttempts int `mapstructure:"max_attempts"`
}

// Interval returns the poll interval as a duration
func (p PollConfig) Interval() time.Duration {
	return time.Duration(p.IntervalMS) * time.Millisecond
}

// JournalConfig configures the sqlite session journal
type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// ServerConfig configures the relay server
type ServerConfig struct {
	Port           *int     `mapstructure:"port"` // nil = DefaultServerPort, 0 is invalid
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Server port constants
const (
	DefaultServerPort = 8787
)

// File permission constants
const (
	DefaultDirPermissions  = 0750
	DefaultFilePermissions = 0644
)

// GetServerPort returns the configured port or the default
func (c *Config) GetServerPort() int {
	if c.Server.Port == nil {
		return DefaultServerPort
	}
	return *c.Server.Port
}
