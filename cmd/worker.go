package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fluxpredict/core"
	"fluxpredict/queue"
	"fluxpredict/shutdown"
)

func newWorkerCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Process predictions from the Redis queue",
		Long: `Loads the pipeline, then consumes prediction tasks from the configured
queue one at a time. Each task's result is stored with the task and can be
read back with "fluxpredict enqueue --wait".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(root.envFile)
			if err != nil {
				return err
			}
			a, err := newApp(cfg, logger, appOptions{ledger: true})
			if err != nil {
				logger.Error("startup failed", zap.Error(err))
				return err
			}
			return a.work()
		},
	}
}

func (a *app) work() error {
	a.manager.Start()
	ctx := a.manager.Context()

	if err := a.setup(ctx); err != nil {
		a.manager.Shutdown()
		return withExitCode(core.ExitCodeError, err)
	}
	a.startRetention()

	w := queue.NewWorker(queue.RedisOpt(a.cfg.RedisAddr, a.cfg.RedisPassword), a.cfg.QueueName, a.handler, a.logger)
	if err := w.Start(); err != nil {
		a.logger.Error("queue worker failed to start", zap.Error(err))
		a.manager.Shutdown()
		return withExitCode(core.ExitCodeError, err)
	}
	a.manager.Register("queue worker", shutdown.PriorityWorkers, w.Shutdown)
	a.logger.Info("queue worker running",
		zap.String("queue", a.cfg.QueueName),
		zap.String("redis", a.cfg.RedisAddr))

	<-ctx.Done()
	a.logger.Info("shutting down", zap.NamedError("reason", a.manager.Err()))
	return withExitCode(a.manager.Shutdown(), nil)
}
