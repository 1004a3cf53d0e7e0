package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/kardianos/service"
	"github.com/spf13/cobra"
)

// ServiceName is the name registered with the system service manager.
const ServiceName = "fluxpredict"

// program runs "serve" under the system service manager.
type program struct {
	envFile string
	app     *app
	done    chan error
}

func (p *program) Start(s service.Service) error {
	cfg, logger, err := loadConfig(p.envFile)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, logger, appOptions{ledger: true})
	if err != nil {
		return err
	}
	p.app = a
	p.done = make(chan error, 1)
	go func() {
		p.done <- a.serve()
	}()
	return nil
}

func (p *program) Stop(s service.Service) error {
	if p.app == nil {
		return nil
	}
	p.app.manager.Trigger()
	select {
	case err := <-p.done:
		return err
	case <-time.After(p.app.cfg.ShutdownTimeout + 5*time.Second):
		return errors.New("timeout waiting for service to stop")
	}
}

// serviceConfig describes the service. The env file is stored as an
// absolute path because services start in a different directory.
func serviceConfig(envFile string) (*service.Config, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	args := []string{"service", "run"}
	if envFile != "" {
		abs, err := filepath.Abs(envFile)
		if err != nil {
			return nil, err
		}
		args = append(args, "--env-file", abs)
	}
	return &service.Config{
		Name:             ServiceName,
		DisplayName:      "FLUX Prediction Service",
		Description:      "Serves FLUX text-to-image predictions over HTTP",
		Arguments:        args,
		WorkingDirectory: wd,
		Option: service.KeyValue{
			"StartType": "automatic",
			"Restart":   "on-failure",
		},
	}, nil
}

func newService(envFile string) (service.Service, error) {
	cfg, err := serviceConfig(envFile)
	if err != nil {
		return nil, err
	}
	s, err := service.New(&program{envFile: envFile}, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}
	return s, nil
}

func newServiceCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage fluxpredict as a system service",
		Long: `Installs and controls "fluxpredict serve" as a system service
(systemd, launchd or the Windows service manager).`,
	}

	for _, action := range []string{"install", "uninstall", "start", "stop", "restart"} {
		cmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: serviceActionHelp[action],
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				s, err := newService(root.envFile)
				if err != nil {
					return err
				}
				if err := service.Control(s, action); err != nil {
					return fmt.Errorf("failed to %s service: %w", action, err)
				}
				color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "Service %s: ok\n", action)
				return nil
			},
		})
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the current service status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newService(root.envFile)
			if err != nil {
				return err
			}
			status, err := s.Status()
			if errors.Is(err, service.ErrNotInstalled) {
				color.New(color.FgYellow).Fprintln(cmd.OutOrStdout(), "Service is not installed")
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to get service status: %w", err)
			}
			switch status {
			case service.StatusRunning:
				color.New(color.FgGreen).Fprintln(cmd.OutOrStdout(), "Service is running")
			case service.StatusStopped:
				color.New(color.FgRed).Fprintln(cmd.OutOrStdout(), "Service is stopped")
			default:
				fmt.Fprintln(cmd.OutOrStdout(), "Service status unknown")
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:    "run",
		Short:  "Run under the service manager",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newService(root.envFile)
			if err != nil {
				return err
			}
			return s.Run()
		},
	})
	return cmd
}

var serviceActionHelp = map[string]string{
	"install":   "Install the service",
	"uninstall": "Remove the service",
	"start":     "Start the service",
	"stop":      "Stop the service",
	"restart":   "Restart the service",
}
