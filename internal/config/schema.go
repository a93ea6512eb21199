// Package config handles YAML configuration loading, environment variable
// expansion, and structural validation for harborwatch.
package config

// Config is the top-level configuration structure.
type Config struct {
	// Version is the config format version. Currently only "1" is supported.
	Version string `yaml:"version"`

	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Scheduler SchedulerConfig `yaml:"scheduler,omitempty"`
	Intents   IntentsConfig   `yaml:"intents,omitempty"`
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty"`

	// Users lists the accounts whose containers are watched. Each user's job
	// settings seed the batch_configs table at startup.
	Users []UserConfig `yaml:"users"`
}

// ServerConfig holds the HTTP gateway settings.
type ServerConfig struct {
	// Listen is the bind address, e.g. "127.0.0.1:8080".
	Listen string `yaml:"listen"`

	// AuthToken is the bearer token guarding /status and /api. Required.
	AuthToken string `yaml:"auth_token"`

	// ReadTimeout / WriteTimeout are Go duration strings ("30s").
	ReadTimeout  string `yaml:"read_timeout,omitempty"`
	WriteTimeout string `yaml:"write_timeout,omitempty"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SchedulerConfig tunes the interval-based job poller.
type SchedulerConfig struct {
	// PollInterval is a Go duration string. Default "30s".
	PollInterval string `yaml:"poll_interval,omitempty"`

	// FailureCooldown is how soon a failed job becomes due again. Default "1m".
	FailureCooldown string `yaml:"failure_cooldown,omitempty"`
}

// IntentsConfig tunes the intent evaluator.
type IntentsConfig struct {
	// PollInterval is a Go duration string. Default "60s".
	PollInterval string `yaml:"poll_interval,omitempty"`

	// StartupDelay postpones the first evaluation after start. Default "10s".
	StartupDelay string `yaml:"startup_delay,omitempty"`
}

// TelemetryConfig enables OTLP trace export.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty"` // host:port, no scheme
	Insecure bool   `yaml:"insecure,omitempty"`
}

// UserConfig is one watched account and its job schedule overrides.
type UserConfig struct {
	ID   string      `yaml:"id"`
	Jobs []JobConfig `yaml:"jobs,omitempty"`
}

// JobConfig overrides one job type's schedule for a user. Job types with no
// entry run on the handler's defaults.
type JobConfig struct {
	Type            string `yaml:"type"`
	Enabled         *bool  `yaml:"enabled,omitempty"` // nil = handler default
	IntervalMinutes int    `yaml:"interval_minutes,omitempty"`
}
