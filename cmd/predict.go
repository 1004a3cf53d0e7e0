package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fluxpredict/core"
	"fluxpredict/db"
	"fluxpredict/predict"
)

// requestFlags binds predict.Request fields to command flags.
type requestFlags struct {
	req  predict.Request
	seed int64
}

func addRequestFlags(cmd *cobra.Command) *requestFlags {
	rf := &requestFlags{req: predict.DefaultRequest()}
	f := cmd.Flags()
	f.StringVar(&rf.req.AspectRatio, "aspect-ratio", rf.req.AspectRatio,
		"Aspect ratio, one of "+strings.Join(predict.AspectRatioNames(), " "))
	f.IntVarP(&rf.req.NumOutputs, "num-outputs", "n", rf.req.NumOutputs, "Number of images (1-4)")
	f.IntVar(&rf.req.NumInferenceSteps, "steps", rf.req.NumInferenceSteps, "Denoising steps (1-50)")
	f.Float64Var(&rf.req.GuidanceScale, "guidance", rf.req.GuidanceScale, "Guidance scale (0-10)")
	f.Int64Var(&rf.seed, "seed", -1, "Random seed, negative for a random one")
	f.StringVarP(&rf.req.OutputFormat, "format", "f", rf.req.OutputFormat, "Output format: webp, jpg or png")
	f.IntVarP(&rf.req.OutputQuality, "quality", "q", rf.req.OutputQuality, "Output quality (0-100, ignored for png)")
	f.StringVar(&rf.req.HFLora, "lora", "", "LoRA reference: owner/name, a huggingface.co URL, or a .safetensors/.tar URL")
	f.Float64Var(&rf.req.LoraScale, "lora-scale", rf.req.LoraScale, "LoRA blend scale (0-1)")
	f.BoolVar(&rf.req.DisableSafetyChecker, "disable-safety-checker", false, "Skip the safety checker")
	return rf
}

// request returns the validated request for prompt.
func (rf *requestFlags) request(prompt string) (predict.Request, error) {
	req := rf.req
	req.Prompt = prompt
	if rf.seed >= 0 {
		seed := rf.seed
		req.Seed = &seed
	}
	if err := req.Validate(); err != nil {
		return req, withExitCode(core.ExitCodeConfig, err)
	}
	return req, nil
}

func newPredictCmd(root *rootOptions) *cobra.Command {
	var noHistory bool
	var rf *requestFlags

	cmd := &cobra.Command{
		Use:   "predict <prompt>",
		Short: "Run one prediction and write the images",
		Example: `  fluxpredict predict "a lighthouse at dusk, oil painting"
  fluxpredict predict -n 4 --aspect-ratio 16:9 -f png --seed 7 "a red fox in snow"
  fluxpredict predict --lora alvdansen/frosting_lane_flux "a cupcake"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := rf.request(strings.Join(args, " "))
			if err != nil {
				return err
			}
			cfg, logger, err := loadConfig(root.envFile)
			if err != nil {
				return err
			}
			a, err := newApp(cfg, logger, appOptions{ledger: !noHistory})
			if err != nil {
				logger.Error("startup failed", zap.Error(err))
				return err
			}
			return a.predictOnce(cmd.OutOrStdout(), req)
		},
	}
	rf = addRequestFlags(cmd)
	cmd.Flags().BoolVar(&noHistory, "no-history", false, "Do not record the prediction in the history database")
	return cmd
}

func (a *app) predictOnce(out io.Writer, req predict.Request) error {
	a.manager.Start()
	ctx := a.manager.Context()

	if err := a.setup(ctx); err != nil {
		a.manager.Shutdown()
		return withExitCode(core.ExitCodeError, err)
	}

	id := uuid.NewString()
	ok := color.New(color.FgGreen)
	dim := color.New(color.FgHiBlack)
	res, err := a.handler.Handle(ctx, id, db.SourceCLI, req, func(o predict.Output) error {
		ok.Fprintf(out, "  ✓ ")
		fmt.Fprintf(out, "%s ", o.Path)
		dim.Fprintf(out, "(seed %d)\n", o.Seed)
		return nil
	})
	printResult(out, id, res, err)

	code := a.manager.Shutdown()
	if err != nil {
		return withExitCode(core.ExitCodeError, err)
	}
	return withExitCode(code, nil)
}

func printResult(out io.Writer, id string, res *predict.Result, err error) {
	header := color.New(color.FgCyan, color.Bold)
	dim := color.New(color.FgHiBlack)
	header.Fprintf(out, "prediction %s\n", id)
	if res != nil {
		dim.Fprintf(out, "  %dx%d, seed %d, %d of %d accepted in %v\n",
			res.Width, res.Height, res.Seed, res.Accepted, res.Generated, res.Elapsed.Round(time.Millisecond))
	}
	switch {
	case err == nil:
		color.New(color.FgGreen, color.Bold).Fprintln(out, "succeeded")
	case errors.Is(err, predict.ErrAllFiltered):
		color.New(color.FgYellow, color.Bold).Fprintln(out, err.Error())
	default:
		color.New(color.FgRed, color.Bold).Fprintf(out, "failed: %v\n", err)
	}
}
