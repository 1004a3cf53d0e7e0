package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fluxpredict/core"
	"fluxpredict/server"
	"fluxpredict/shutdown"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve predictions over HTTP and WebSocket",
		Long: `Starts the HTTP server, then provisions weights and loads the pipeline.

The health check reports STARTING until the pipeline is loaded. A failed
setup stops the server with exit code 1.`,
		Example: `  # Serve on the configured PORT
  fluxpredict serve

  # Serve on a custom port with a dry-run backend
  DIFFUSION_BACKEND=procedural fluxpredict serve --port 9000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(root.envFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			a, err := newApp(cfg, logger, appOptions{ledger: true})
			if err != nil {
				logger.Error("startup failed", zap.Error(err))
				return err
			}
			return a.serve()
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "Port to listen on (overrides PORT)")
	return cmd
}

// serve runs the HTTP server until shutdown and returns the exit status.
func (a *app) serve() error {
	a.manager.Start()
	ctx := a.manager.Context()

	srvCfg := server.DefaultConfig()
	srvCfg.Addr = a.cfg.ListenAddr()
	srvCfg.OutputDir = a.cfg.OutputDir
	srvCfg.TokenHash = a.cfg.APITokenHash
	srvCfg.AuthMaxAttempts = a.cfg.AuthMaxAttempts
	srvCfg.AuthBlock = a.cfg.AuthBlock
	srvCfg.Development = a.cfg.DevMode
	srv := server.New(srvCfg, a.handler, a.repo, a.logger)
	srv.SetMetrics(a.metrics)
	a.manager.Register("http server", shutdown.PriorityServers, srv.Shutdown)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	setupErr := make(chan error, 1)
	go func() {
		setupErr <- a.setup(ctx)
	}()
	a.startRetention()
	a.startGPUMetrics()

	var failure error
	for failure == nil {
		select {
		case <-ctx.Done():
			a.logger.Info("shutting down", zap.NamedError("reason", a.manager.Err()))
			return withExitCode(a.manager.Shutdown(), nil)
		case err := <-serverErr:
			if err == nil {
				err = errors.New("http server stopped")
			}
			failure = err
		case err := <-setupErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				failure = err
			}
		}
	}
	a.logger.Error("serve failed", zap.Error(failure))
	a.manager.Shutdown()
	return withExitCode(core.ExitCodeError, failure)
}
