// Package cmd implements the fluxpredict command line.
package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"fluxpredict/core"
)

// rootOptions are the flags shared by every command.
type rootOptions struct {
	envFile string
}

// NewRootCmd returns the fluxpredict command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "fluxpredict",
		Short: "FLUX text-to-image prediction service",
		Long: `fluxpredict generates images from text prompts with a FLUX diffusion pipeline.

Weights are provisioned on first use. Predictions can be served over HTTP and
WebSocket, consumed from a Redis-backed queue, or run once from the command line.
Configuration is read from the environment and an optional .env file.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "Environment file to load before reading configuration")

	cmd.AddCommand(
		newServeCmd(opts),
		newWorkerCmd(opts),
		newPredictCmd(opts),
		newSetupCmd(opts),
		newEnqueueCmd(opts),
		newHistoryCmd(opts),
		newHashTokenCmd(),
		newServiceCmd(opts),
	)
	return cmd
}

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit status %d (%s)", e.code, core.ExitCodeName(e.code))
}

func (e *exitError) Unwrap() error { return e.err }

// withExitCode returns nil for a clean exit, or an error carrying code.
func withExitCode(code int, err error) error {
	if code == core.ExitCodeSuccess && err == nil {
		return nil
	}
	if code == core.ExitCodeSuccess {
		code = core.ExitCodeForError(err)
	}
	return &exitError{code: code, err: err}
}

// ExitCode maps an error returned by the command tree to a process exit code.
func ExitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return core.ExitCodeForError(err)
}
