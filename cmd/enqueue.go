package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"fluxpredict/core"
	"fluxpredict/db"
	"fluxpredict/queue"
)

func newEnqueueCmd(root *rootOptions) *cobra.Command {
	var (
		wait     bool
		interval time.Duration
		timeout  time.Duration
		rf       *requestFlags
	)

	cmd := &cobra.Command{
		Use:   "enqueue <prompt>",
		Short: "Submit a prediction to the queue",
		Long: `Submits a prediction task to the Redis queue consumed by "fluxpredict worker".
With --wait the command polls until the task finishes and prints its result
as JSON.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := rf.request(strings.Join(args, " "))
			if err != nil {
				return err
			}
			cfg, err := core.LoadConfig(root.envFile)
			if err != nil {
				return err
			}

			client := queue.NewClient(queue.RedisOpt(cfg.RedisAddr, cfg.RedisPassword), cfg.QueueName)
			defer client.Close()

			ctx := cmd.Context()
			id := uuid.NewString()
			info, err := client.Enqueue(ctx, id, req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "enqueued %s on %s\n", info.ID, info.Queue)
			if !wait {
				return nil
			}

			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			res, err := client.Wait(ctx, info.ID, interval)
			if res != nil {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(res); encErr != nil {
					return encErr
				}
			}
			if err != nil {
				return withExitCode(core.ExitCodeError, err)
			}
			if res.Status != db.StatusSucceeded {
				return withExitCode(core.ExitCodeError, errors.New(res.Error))
			}
			return nil
		},
	}
	rf = addRequestFlags(cmd)
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for the task to finish")
	cmd.Flags().DurationVar(&interval, "poll", time.Second, "Polling interval with --wait")
	cmd.Flags().DurationVar(&timeout, "timeout", queue.DefaultTimeout, "Maximum wait with --wait, 0 waits forever")
	return cmd
}
