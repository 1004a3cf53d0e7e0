package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"fluxpredict/adapter"
	"fluxpredict/core"
	"fluxpredict/db"
	"fluxpredict/diffusion"
	"fluxpredict/handlers"
	"fluxpredict/logging"
	"fluxpredict/metrics"
	"fluxpredict/predict"
	"fluxpredict/runner"
	"fluxpredict/safety"
	"fluxpredict/shutdown"
	"fluxpredict/transfer"
	"fluxpredict/weights"
)

// asyncWriteCapacity bounds queued ledger completions.
const asyncWriteCapacity = 64

// app holds the wired components shared by the commands.
type app struct {
	cfg         *core.Config
	logger      *logging.Logger
	manager     *shutdown.Manager
	manifest    *weights.Manifest
	provisioner *weights.Provisioner
	pipeline    *diffusion.Pipeline
	predictor   *predict.Predictor
	database    *db.Database
	repo        *db.Repository
	writer      *db.AsyncWriter
	handler     *handlers.PredictionHandler
	metrics     *metrics.Store
}

// appOptions selects the optional parts of an app.
type appOptions struct {
	// ledger opens the history database.
	ledger bool
}

// loadConfig reads the configuration and builds the logger.
func loadConfig(envFile string) (*core.Config, *logging.Logger, error) {
	cfg, err := core.LoadConfig(envFile)
	if err != nil {
		return nil, nil, err
	}
	level := logging.ParseLevel(cfg.LogLevel, zapcore.InfoLevel)
	logger, err := logging.New(logging.Options{
		Level:       &level,
		Development: cfg.DevMode,
		FilePath:    cfg.LogFile,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, nil
}

// newApp wires the predictor and, when requested, the ledger. Setup is not
// run; callers decide when to load the pipeline.
func newApp(cfg *core.Config, logger *logging.Logger, opts appOptions) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		manager: shutdown.NewManager(logger, shutdown.WithTimeout(cfg.ShutdownTimeout)),
		metrics: metrics.NewStore(metrics.DefaultHistory, time.Now()),
	}

	// Downloads and renders are bounded by contexts, not client timeouts.
	httpClient := &http.Client{}
	mover := transfer.New(cfg.TransferTool, httpClient, logger)

	manifest := weights.DefaultManifest(cfg)
	if cfg.WeightsManifest != "" {
		m, err := weights.LoadManifest(cfg.WeightsManifest)
		if err != nil {
			return nil, err
		}
		manifest = m
	}

	backend, err := diffusion.NewBackend(cfg, httpClient)
	if err != nil {
		return nil, err
	}
	a.pipeline = diffusion.NewPipeline(backend, logger)
	a.manifest = manifest
	a.provisioner = weights.NewProvisioner(mover, logger)

	a.predictor = predict.New(
		a.pipeline,
		newChecker(cfg, httpClient, logger),
		adapter.NewResolver(mover, cfg.AdapterScratchDir, logger),
		a.provisioner,
		predict.Options{
			OutputDir:           cfg.OutputDir,
			FeatureExtractorDir: cfg.FeatureExtractor,
			Device:              cfg.Device,
			Manifest:            manifest,
			Load:                diffusion.LoadOptionsFromConfig(cfg),
		},
		logger,
	)

	var ledger handlers.Ledger
	if opts.ledger {
		if err := a.openLedger(); err != nil {
			return nil, err
		}
		ledger = a.repo
	}
	a.handler = handlers.NewPredictionHandler(a.predictor, ledger, a.manager, cfg.DiffusionBackend, logger)
	a.handler.SetRecorder(a.metrics)

	a.manager.Register("pipeline", shutdown.PriorityPipeline, func(ctx context.Context) error {
		return a.pipeline.Close()
	})
	a.manager.Register("adapter scratch", shutdown.PriorityScratch,
		shutdown.RemoveMatching(logger, cfg.AdapterScratchDir, shutdown.AdapterScratchPatterns...))
	seen := make(map[string]bool)
	for _, b := range manifest.Bundles {
		dir := filepath.Dir(b.Dest)
		if seen[dir] {
			continue
		}
		seen[dir] = true
		a.manager.Register("partial downloads in "+dir, shutdown.PriorityScratch,
			shutdown.RemoveMatching(logger, dir, shutdown.PartialDownloadPatterns...))
	}
	a.manager.Register("logger", shutdown.PriorityTelemetry, func(ctx context.Context) error {
		_ = logger.Sync()
		return nil
	})
	return a, nil
}

// newChecker returns the safety checker selected by SAFETY_CLASSIFIER, or
// nil when screening is switched off.
func newChecker(cfg *core.Config, client *http.Client, logger *logging.Logger) *safety.Checker {
	if !cfg.SafetyEnabled() {
		logger.Warn("safety classifier disabled, images are not screened",
			zap.String("safety_classifier", cfg.SafetyClassifier))
		return nil
	}
	classifier := safety.NewRunnerClassifier(runner.New(cfg.SafetyRunnerURL, client))
	return safety.NewChecker(classifier, logger)
}

func (a *app) openLedger() error {
	database, err := db.Open(a.cfg.HistoryDB)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	a.database = database
	direct := db.NewRepository(database, nil)
	a.writer = db.NewAsyncWriter(direct.WriteHandler(), asyncWriteCapacity, func(op db.WriteOperation, err error) {
		a.logger.Warn("ledger write failed", zap.Time("queued_at", op.Timestamp), zap.Error(err))
	})
	a.repo = db.NewRepository(database, a.writer)
	a.writer.Start()

	a.manager.Register("ledger", shutdown.PriorityStorage, func(ctx context.Context) error {
		timeout := 10 * time.Second
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		if !a.writer.Stop(timeout) {
			a.logger.Warn("ledger writes still pending at shutdown", zap.Int("pending", a.writer.Pending()))
		}
		return database.Close()
	})
	return nil
}

// startGPUMetrics samples nvidia-smi into the metrics store until shutdown.
// Hosts without nvidia-smi report no GPU section.
func (a *app) startGPUMetrics() {
	if a.cfg.GPUInterval <= 0 {
		return
	}
	smi := metrics.NvidiaSMI{Path: a.cfg.NvidiaSMIPath}
	if !smi.Available() {
		a.logger.Info("nvidia-smi not found, GPU metrics disabled", zap.String("path", a.cfg.NvidiaSMIPath))
		return
	}
	collector := metrics.NewGPUCollector(smi, a.metrics, a.cfg.GPUInterval, a.logger)
	collector.Start(a.manager.Context())
	a.manager.Register("gpu metrics", shutdown.PriorityTelemetry, func(ctx context.Context) error {
		collector.Stop()
		return nil
	})
}

// startRetention prunes old ledger rows until the manager shuts down.
func (a *app) startRetention() {
	if a.database == nil || a.cfg.HistoryRetention <= 0 {
		return
	}
	a.database.StartRetention(a.manager.Context(), a.cfg.HistoryRetention, a.cfg.PruneInterval, func(res db.PruneResult, err error) {
		if err != nil {
			a.logger.Warn("history prune failed", zap.Error(err))
			return
		}
		if len(res.IDs) > 0 {
			a.logger.Info("history pruned",
				zap.Int("removed", len(res.IDs)),
				zap.Duration("took", res.Duration))
		}
	})
}

// setup runs the predictor setup, logging the outcome.
func (a *app) setup(ctx context.Context) error {
	if err := os.MkdirAll(a.cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := a.predictor.Setup(ctx); err != nil {
		a.logger.Error("setup failed", zap.Error(err))
		return err
	}
	return nil
}
