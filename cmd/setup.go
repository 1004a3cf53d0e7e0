package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fluxpredict/core"
	"fluxpredict/weights"
)

func newSetupCmd(root *rootOptions) *cobra.Command {
	var downloadOnly bool

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Provision weights and check that the pipeline loads",
		Long: `Downloads every missing weight bundle of the manifest, then loads the
safety checker and the diffusion pipeline once. Run it while building an
image so the first prediction does not wait on downloads.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(root.envFile)
			if err != nil {
				return err
			}
			a, err := newApp(cfg, logger, appOptions{})
			if err != nil {
				logger.Error("startup failed", zap.Error(err))
				return err
			}
			a.manager.Start()
			ctx := a.manager.Context()
			out := cmd.OutOrStdout()

			var setupErr error
			if downloadOnly {
				setupErr = a.provisioner.EnsureAll(ctx, a.manifest)
			} else {
				setupErr = a.setup(ctx)
			}
			for _, b := range a.manifest.Bundles {
				mark, clr := "✓", color.New(color.FgGreen)
				if !weights.Present(b) {
					mark, clr = "✗", color.New(color.FgRed)
				}
				clr.Fprintf(out, "  %s ", mark)
				fmt.Fprintf(out, "%-10s %s\n", b.Name, b.Dest)
			}

			code := a.manager.Shutdown()
			if setupErr != nil {
				color.New(color.FgRed, color.Bold).Fprintf(out, "setup failed: %v\n", setupErr)
				return withExitCode(core.ExitCodeError, setupErr)
			}
			color.New(color.FgGreen, color.Bold).Fprintln(out, "setup complete")
			return withExitCode(code, nil)
		},
	}
	cmd.Flags().BoolVar(&downloadOnly, "download-only", false, "Only provision weights, do not load the pipeline")
	return cmd
}
