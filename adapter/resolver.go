package adapter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"fluxpredict/archive"
	"fluxpredict/diffusion"
	"fluxpredict/logging"
	"fluxpredict/transfer"
)

// Resolver turns references into attachable weights, downloading direct
// URLs into a per-request scratch directory.
type Resolver struct {
	transfer   transfer.Transferer
	scratchDir string
	logger     *logging.Logger
}

// NewResolver returns a resolver that downloads with t under scratchDir.
func NewResolver(t transfer.Transferer, scratchDir string, logger *logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Resolver{transfer: t, scratchDir: scratchDir, logger: logger.Named("adapter")}
}

// Resolved is a reference ready to attach. Release removes its scratch files.
type Resolved struct {
	Reference Reference
	Weights   diffusion.AdapterWeights

	scratch string
	once    sync.Once
}

// Release deletes downloaded files. Safe to call more than once and on nil.
func (r *Resolved) Release() {
	if r == nil || r.scratch == "" {
		return
	}
	r.once.Do(func() { _ = os.RemoveAll(r.scratch) })
}

// Resolve parses raw and fetches its weights when they are remote files.
// key names the scratch directory and must be unique per concurrent call,
// typically the prediction id.
func (r *Resolver) Resolve(ctx context.Context, raw, key string) (*Resolved, error) {
	ref, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	log := r.logger.With(zap.String("kind", ref.Kind.String()), zap.String("reference", raw))

	switch ref.Kind {
	case KindSlug:
		log.Info("loading adapter from registry path")
		return &Resolved{Reference: ref, Weights: diffusion.AdapterWeights{Source: ref.Slug}}, nil
	case KindRegistryURL:
		log.Info("loading adapter from registry URL", zap.String("slug", ref.Slug), zap.String("weight_name", ref.WeightName))
		return &Resolved{Reference: ref, Weights: diffusion.AdapterWeights{Source: ref.Slug, WeightName: ref.WeightName}}, nil
	}

	res := &Resolved{Reference: ref, scratch: filepath.Join(r.scratchDir, "lora-"+key)}
	if err := r.fetch(ctx, log, res); err != nil {
		res.Release()
		return nil, err
	}
	return res, nil
}

func (r *Resolver) fetch(ctx context.Context, log *logging.Logger, res *Resolved) error {
	if err := os.MkdirAll(res.scratch, 0o755); err != nil {
		return fmt.Errorf("create adapter scratch dir: %w", err)
	}
	dest := filepath.Join(res.scratch, res.Reference.ScratchName())
	if err := os.Remove(dest); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale %s: %w", dest, err)
	}

	start := time.Now()
	log.Info("downloading adapter weights", zap.String("dest", dest))
	if err := r.transfer.FetchFile(ctx, res.Reference.Raw, dest); err != nil {
		return fmt.Errorf("download adapter: %w", err)
	}

	if !res.Reference.Archive {
		res.Weights = diffusion.AdapterWeights{Source: dest, Local: true}
		log.Info("adapter weights ready", zap.Duration("took", time.Since(start)))
		return nil
	}

	extracted := filepath.Join(res.scratch, "extracted")
	if err := archive.ExtractTarFile(dest, extracted); err != nil {
		return fmt.Errorf("extract adapter archive: %w", err)
	}
	weights, err := archive.FindFirst(extracted, ".safetensors")
	if errors.Is(err, archive.ErrNotFound) {
		return ErrNoWeightsInArchive
	}
	if err != nil {
		return fmt.Errorf("search adapter archive: %w", err)
	}
	res.Weights = diffusion.AdapterWeights{Source: weights, Local: true}
	log.Info("adapter weights ready",
		zap.String("file", filepath.Base(weights)),
		zap.Duration("took", time.Since(start)))
	return nil
}
