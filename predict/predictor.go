// Package predict runs text-to-image predictions: it validates requests,
// drives the diffusion pipeline, screens images and writes the accepted ones.
package predict

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fluxpredict/adapter"
	"fluxpredict/diffusion"
	"fluxpredict/logging"
	"fluxpredict/safety"
	"fluxpredict/weights"
)

var (
	// ErrAllFiltered is returned when the safety filter rejects every image of a request.
	ErrAllFiltered = errors.New("NSFW content detected in all images. Try running it again, or try a different prompt.")

	// ErrNotReady is returned by Predict before Setup has succeeded.
	ErrNotReady = errors.New("predict: predictor is not ready")
)

// Status values reported by a Predictor.
const (
	StatusStarting    = "STARTING"
	StatusReady       = "READY"
	StatusBusy        = "BUSY"
	StatusSetupFailed = "SETUP_FAILED"
)

// OfflineEnv is forced to "1" at setup so the model library never reaches the network.
const OfflineEnv = "TRANSFORMERS_OFFLINE"

// Options configures a Predictor.
type Options struct {
	// OutputDir receives one subdirectory per prediction.
	OutputDir string
	// FeatureExtractorDir holds preprocessor_config.json for the safety checker.
	FeatureExtractorDir string
	Device              string
	Manifest            *weights.Manifest
	Load                diffusion.LoadOptions
}

// Output is one accepted image.
type Output struct {
	Index  int    `json:"index"`
	Path   string `json:"path"`
	Format string `json:"format"`
	Seed   int64  `json:"seed"`
}

// Result summarizes a prediction.
type Result struct {
	ID        string        `json:"id"`
	Seed      int64         `json:"seed"`
	Width     int           `json:"width"`
	Height    int           `json:"height"`
	Adapter   string        `json:"adapter,omitempty"`
	Generated int           `json:"generated"`
	Accepted  int           `json:"accepted"`
	Outputs   []Output      `json:"outputs"`
	Elapsed   time.Duration `json:"elapsed"`
}

// EmitFunc receives each output as soon as it is written. Returning an error
// stops generation; the error is returned from Predict.
type EmitFunc func(Output) error

// Predictor owns the pipeline and safety checker of the process.
type Predictor struct {
	pipeline    *diffusion.Pipeline
	checker     *safety.Checker
	resolver    *adapter.Resolver
	provisioner *weights.Provisioner
	opts        Options
	logger      *logging.Logger

	mu       sync.RWMutex
	status   string
	setupErr error
}

// New wires a predictor. Call Setup before Predict. A nil checker turns
// screening off for every request.
func New(pipeline *diffusion.Pipeline, checker *safety.Checker, resolver *adapter.Resolver,
	provisioner *weights.Provisioner, opts Options, logger *logging.Logger) *Predictor {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Predictor{
		pipeline:    pipeline,
		checker:     checker,
		resolver:    resolver,
		provisioner: provisioner,
		opts:        opts,
		logger:      logger.Named("predict"),
		status:      StatusStarting,
	}
}

// Setup provisions missing weights and loads the safety checker and the
// diffusion pipeline. Any failure leaves the predictor in SETUP_FAILED.
func (p *Predictor) Setup(ctx context.Context) error {
	start := time.Now()
	err := p.setup(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.status = StatusSetupFailed
		p.setupErr = err
		p.logger.Error("setup failed", zap.Error(err), zap.Duration("took", time.Since(start)))
		return err
	}
	p.status = StatusReady
	p.setupErr = nil
	p.logger.Info("setup complete", zap.Duration("took", time.Since(start)))
	return nil
}

func (p *Predictor) setup(ctx context.Context) error {
	if err := os.Setenv(OfflineEnv, "1"); err != nil {
		return fmt.Errorf("set %s: %w", OfflineEnv, err)
	}
	if p.opts.Manifest == nil {
		return errors.New("predict: no weights manifest")
	}

	if p.checker != nil {
		safetyBundle, ok := p.opts.Manifest.Bundle(weights.BundleSafety)
		if !ok {
			return fmt.Errorf("predict: manifest has no %q bundle", weights.BundleSafety)
		}
		if _, err := p.provisioner.Ensure(ctx, safetyBundle); err != nil {
			return err
		}
		if err := p.checker.Load(ctx, safetyBundle.Dest, p.opts.FeatureExtractorDir, p.opts.Device); err != nil {
			return err
		}
	}

	diffusionBundle, ok := p.opts.Manifest.Bundle(weights.BundleDiffusion)
	if !ok {
		return fmt.Errorf("predict: manifest has no %q bundle", weights.BundleDiffusion)
	}
	if _, err := p.provisioner.Ensure(ctx, diffusionBundle); err != nil {
		return err
	}
	load := p.opts.Load
	if load.CacheDir == "" {
		load.CacheDir = diffusionBundle.Dest
	}
	return p.pipeline.Load(ctx, load)
}

// Status reports STARTING, READY, BUSY or SETUP_FAILED.
func (p *Predictor) Status() string {
	p.mu.RLock()
	status := p.status
	p.mu.RUnlock()
	if status == StatusReady && p.pipeline.Busy() {
		return StatusBusy
	}
	return status
}

// SetupError returns the error of the last failed Setup.
func (p *Predictor) SetupError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.setupErr
}

// Predict runs req under a fresh prediction id.
func (p *Predictor) Predict(ctx context.Context, req Request, emit EmitFunc) (*Result, error) {
	return p.Run(ctx, uuid.NewString(), req, emit)
}

// Run generates req.NumOutputs images under id, screens them unless the
// request disables it, and writes accepted images to
// <output dir>/<id>/out-<k>.<format> with k counting accepted images from 0.
// Each output is passed to emit as soon as it is written. The adapter, if
// any, is detached before Run returns, whatever the outcome.
func (p *Predictor) Run(ctx context.Context, id string, req Request, emit EmitFunc) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if s := p.Status(); s != StatusReady && s != StatusBusy {
		return nil, fmt.Errorf("%w: %s", ErrNotReady, s)
	}

	start := time.Now()
	seed := int64(0)
	if req.Seed != nil {
		seed = *req.Seed
	} else {
		var err error
		if seed, err = diffusion.RandomSeed(); err != nil {
			return nil, err
		}
	}
	size := req.Size()
	res := &Result{ID: id, Seed: seed, Width: size.Width, Height: size.Height, Outputs: []Output{}}
	log := p.logger.With(zap.String("prediction_id", id))
	log.Info("prediction started",
		zap.Int64("seed", seed),
		zap.String("prompt", req.Prompt),
		zap.String("aspect_ratio", req.AspectRatio),
		zap.Int("num_outputs", req.NumOutputs),
		zap.Int("steps", req.NumInferenceSteps))

	session, err := p.begin(ctx, id, req, res)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := session.Close(); err != nil {
			log.Warn("session close", zap.Error(err))
		}
	}()

	outDir := filepath.Join(p.opts.OutputDir, id)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	params := diffusion.RenderParams{
		Prompt:            req.Prompt,
		Width:             size.Width,
		Height:            size.Height,
		Steps:             req.NumInferenceSteps,
		GuidanceScale:     req.GuidanceScale,
		MaxSequenceLength: diffusion.DefaultMaxSequenceLength,
	}
	frames := newFrameStream(session, params, seed, req.NumOutputs)
	for {
		f, ok, err := frames.Next(ctx)
		if err != nil {
			return res, fmt.Errorf("render image %d: %w", frames.next, err)
		}
		if !ok {
			break
		}
		res.Generated++

		if p.checker != nil && !req.DisableSafetyChecker {
			flags, err := p.checker.Check(ctx, f.image)
			if err != nil {
				return res, err
			}
			if flags[0] {
				log.Warn("NSFW content detected", zap.Int("image", f.index))
				continue
			}
		}

		out := Output{
			Index:  res.Accepted,
			Path:   filepath.Join(outDir, fmt.Sprintf("out-%d.%s", res.Accepted, req.OutputFormat)),
			Format: req.OutputFormat,
			Seed:   f.seed,
		}
		if err := writeImage(out.Path, f, req); err != nil {
			return res, err
		}
		res.Accepted++
		res.Outputs = append(res.Outputs, out)
		log.Debug("output written", zap.String("path", out.Path), zap.Int64("seed", f.seed))

		if emit != nil {
			if err := emit(out); err != nil {
				return res, err
			}
		}
	}
	res.Elapsed = time.Since(start)

	if res.Accepted == 0 {
		_ = os.RemoveAll(outDir)
		log.Warn("all images filtered", zap.Int("generated", res.Generated))
		return res, ErrAllFiltered
	}
	log.Info("prediction completed",
		zap.Int("generated", res.Generated),
		zap.Int("accepted", res.Accepted),
		zap.Duration("took", res.Elapsed))
	return res, nil
}

// begin resolves the adapter reference and opens a pipeline session.
// Without a reference the session unloads any adapter left attached.
func (p *Predictor) begin(ctx context.Context, id string, req Request, res *Result) (*diffusion.Session, error) {
	if req.HFLora == "" {
		return p.pipeline.Begin(ctx, diffusion.SessionOptions{})
	}
	resolved, err := p.resolver.Resolve(ctx, req.HFLora, id)
	if err != nil {
		return nil, err
	}
	res.Adapter = resolved.Weights.String()
	return p.pipeline.Begin(ctx, diffusion.SessionOptions{
		Adapter:      &resolved.Weights,
		AdapterScale: req.LoraScale,
		OnClose:      resolved.Release,
	})
}

func writeImage(path string, f frame, req Request) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	if err := Encode(file, f.image, req.OutputFormat, req.OutputQuality); err != nil {
		file.Close()
		os.Remove(path)
		return fmt.Errorf("encode image %d: %w", f.index, err)
	}
	return file.Close()
}
