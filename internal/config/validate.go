package config

import (
	"errors"
	"fmt"
	"time"
)

// Validate checks the structural validity of a Config. All problems are
// accumulated and reported together.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Version == "" {
		errs = append(errs, errors.New("config: version field is required"))
	} else if cfg.Version != "1" {
		errs = append(errs, fmt.Errorf("config: unsupported version %q (supported: \"1\")", cfg.Version))
	}

	if cfg.Server.Listen == "" {
		errs = append(errs, errors.New("config: server.listen is required"))
	}
	if cfg.Server.AuthToken == "" {
		errs = append(errs, errors.New("config: server.auth_token is required"))
	}
	if cfg.Database.Path == "" {
		errs = append(errs, errors.New("config: database.path is required"))
	}

	errs = append(errs, validateDuration("server.read_timeout", cfg.Server.ReadTimeout)...)
	errs = append(errs, validateDuration("server.write_timeout", cfg.Server.WriteTimeout)...)
	errs = append(errs, validateDuration("scheduler.poll_interval", cfg.Scheduler.PollInterval)...)
	errs = append(errs, validateDuration("scheduler.failure_cooldown", cfg.Scheduler.FailureCooldown)...)
	errs = append(errs, validateDuration("intents.poll_interval", cfg.Intents.PollInterval)...)
	errs = append(errs, validateDuration("intents.startup_delay", cfg.Intents.StartupDelay)...)

	if cfg.Telemetry.Enabled && cfg.Telemetry.Endpoint == "" {
		errs = append(errs, errors.New("config: telemetry.enabled is true but no endpoint provided"))
	}

	if len(cfg.Users) == 0 {
		errs = append(errs, errors.New("config: at least one user must be configured"))
	}
	errs = append(errs, validateUsers(cfg.Users)...)

	return errors.Join(errs...)
}

func validateDuration(field, value string) []error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("config: %s: %w", field, err)}
	}
	if d <= 0 {
		return []error{fmt.Errorf("config: %s must be positive, got %q", field, value)}
	}
	return nil
}

func validateUsers(users []UserConfig) []error {
	var errs []error
	seen := make(map[string]bool)

	for i, u := range users {
		if u.ID == "" {
			errs = append(errs, fmt.Errorf("config: users[%d]: id is required", i))
			continue
		}
		if seen[u.ID] {
			errs = append(errs, fmt.Errorf("config: duplicate user %q", u.ID))
		}
		seen[u.ID] = true

		jobsSeen := make(map[string]bool)
		for j, job := range u.Jobs {
			if job.Type == "" {
				errs = append(errs, fmt.Errorf("config: users[%d].jobs[%d]: type is required", i, j))
				continue
			}
			if jobsSeen[job.Type] {
				errs = append(errs, fmt.Errorf("config: user %q: duplicate job %q", u.ID, job.Type))
			}
			jobsSeen[job.Type] = true

			if job.IntervalMinutes < 0 {
				errs = append(errs, fmt.Errorf("config: user %q job %q: interval_minutes must not be negative", u.ID, job.Type))
			}
		}
	}
	return errs
}

// DurationOr parses a Go duration string, falling back to def when the field
// is empty. Call only after Validate.
func DurationOr(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}
