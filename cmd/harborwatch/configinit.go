package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/harborwatch/harborwatch/internal/config"
)

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Interactively scaffold a configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			path := "harborwatch.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("refusing to overwrite existing file %s", path)
			}

			cfg, err := promptConfig()
			if err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}

			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			if dir := filepath.Dir(path); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return err
				}
			}
			if err := os.WriteFile(path, data, 0o600); err != nil {
				return err
			}

			fmt.Printf("Wrote %s\nStart the daemon with: harborwatch start --config %s\n", path, path)
			return nil
		},
	}
	return cmd
}

// promptConfig walks the user through the minimal configuration.
func promptConfig() (*config.Config, error) {
	listen := "127.0.0.1:8080"
	token := ""
	dbPath := "harborwatch.db"
	userID := ""
	hourlyChecks := true

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Listen address").
				Description("Bind address for the HTTP API").
				Value(&listen),
			huh.NewInput().
				Title("API auth token").
				Description("Bearer token guarding /status and /api").
				EchoMode(huh.EchoModePassword).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("token must not be empty")
					}
					return nil
				}).
				Value(&token),
			huh.NewInput().
				Title("Database path").
				Description("SQLite file for runs, intents, and settings").
				Value(&dbPath),
			huh.NewInput().
				Title("User id").
				Description("Account whose containers are watched").
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("user id must not be empty")
					}
					return nil
				}).
				Value(&userID),
			huh.NewConfirm().
				Title("Enable hourly update checks?").
				Value(&hourlyChecks),
		),
	)
	if err := form.Run(); err != nil {
		return nil, err
	}

	user := config.UserConfig{ID: userID}
	if hourlyChecks {
		enabled := true
		user.Jobs = []config.JobConfig{{Type: "update_check", Enabled: &enabled, IntervalMinutes: 60}}
	}

	return &config.Config{
		Version:  "1",
		Server:   config.ServerConfig{Listen: listen, AuthToken: token},
		Database: config.DatabaseConfig{Path: dbPath},
		Users:    []config.UserConfig{user},
	}, nil
}
