package main

import (
	"fmt"
	"os"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
)

// svcProgram satisfies service.Interface for control actions. The managed
// process runs "harborwatch start", which owns its own signal handling, so
// Start and Stop here have nothing to do.
type svcProgram struct{}

func (svcProgram) Start(service.Service) error { return nil }
func (svcProgram) Stop(service.Service) error  { return nil }

func serviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service <install|uninstall|start|stop|status>",
		Short: "Manage harborwatch as a system service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")

			svc, err := newService(cfgPath)
			if err != nil {
				return err
			}

			action := args[0]
			if action == "status" {
				return printStatus(svc)
			}
			if err := service.Control(svc, action); err != nil {
				return fmt.Errorf("service %s: %w", action, err)
			}
			fmt.Printf("Service %s: done\n", action)
			return nil
		},
	}
	cmd.Flags().StringP("config", "c", "", "Path to configuration file (baked into the service definition)")
	return cmd
}

func newService(cfgPath string) (service.Service, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}

	arguments := []string{"start"}
	if cfgPath != "" {
		arguments = append(arguments, "--config", cfgPath)
	}

	return service.New(svcProgram{}, &service.Config{
		Name:        "harborwatch",
		DisplayName: "harborwatch",
		Description: "Watches containers for image updates and applies upgrade intents",
		Executable:  exe,
		Arguments:   arguments,
	})
}

func printStatus(svc service.Service) error {
	status, err := svc.Status()
	if err != nil {
		return err
	}
	switch status {
	case service.StatusRunning:
		fmt.Println("running")
	case service.StatusStopped:
		fmt.Println("stopped")
	default:
		fmt.Println("unknown")
	}
	return nil
}
