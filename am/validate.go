package am

import (
	"net/url"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/jobgate/evalpulse/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Backend.BaseURL == "" {
		return errors.WithHint(
			errors.New("backend.base_url cannot be empty"),
			"set it with 'evalpulse am set backend.base_url https://api.example.com'",
		)
	}
	u, err := url.Parse(c.Backend.BaseURL)
	if err != nil || u.Host == "" {
		return errors.Newf("backend.base_url is not an absolute URL: %q", c.Backend.BaseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Newf("backend.base_url must use http or https, got %q", u.Scheme)
	}

	if c.Backend.StartPath == "" {
		return errors.New("backend.start_path cannot be empty")
	}
	if !strings.Contains(c.Backend.StatusPath, "{job_id}") {
		return errors.Newf("backend.status_path must contain {job_id}, got %q", c.Backend.StatusPath)
	}
	if c.Backend.VersionConstraint != "" {
		if _, err := semver.NewConstraint(c.Backend.VersionConstraint); err != nil {
			return errors.Wrapf(err, "backend.version_constraint %q is invalid", c.Backend.VersionConstraint)
		}
	}
	if c.Backend.TimeoutSeconds <= 0 {
		return errors.Newf("backend.timeout_seconds must be > 0, got %d", c.Backend.TimeoutSeconds)
	}

	// Rate limit: 0 = unlimited, negative = invalid
	if c.Backend.RequestsPerSecond < 0 {
		return errors.Newf("backend.requests_per_second must be >= 0, got %f", c.Backend.RequestsPerSecond)
	}
	if c.Backend.RequestsPerSecond > 0 && c.Backend.Burst <= 0 {
		return errors.Newf("backend.burst must be > 0 when rate limiting, got %d", c.Backend.Burst)
	}

	if c.Poll.IntervalMS <= 0 {
		return errors.Newf("poll.interval_ms must be > 0, got %d", c.Poll.IntervalMS)
	}
	if c.Poll.MaxAttempts <= 0 {
		return errors.Newf("poll.max_attempts must be > 0, got %d", c.Poll.MaxAttempts)
	}

	if c.Journal.Enabled && c.Journal.Path == "" {
		return errors.New("journal.path cannot be empty when the journal is enabled")
	}

	// Server port: 0 is invalid (omit for default), negative is invalid
	if c.Server.Port != nil && *c.Server.Port == 0 {
		return errors.Newf("server.port cannot be 0 (omit for default port %d)", DefaultServerPort)
	}
	if c.Server.Port != nil && (*c.Server.Port < 0 || *c.Server.Port > 65535) {
		return errors.Newf("server.port must be between 1 and 65535, got %d", *c.Server.Port)
	}

	return nil
}
