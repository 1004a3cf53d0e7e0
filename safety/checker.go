// Package safety screens generated images with an NSFW classifier.
package safety

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"go.uber.org/zap"

	"fluxpredict/logging"
)

var (
	ErrNotLoaded      = errors.New("safety: checker not loaded")
	ErrClassifyFailed = errors.New("safety: classification failed")
)

// Checker pairs a feature extractor with a classifier.
type Checker struct {
	classifier Classifier
	extractor  *FeatureExtractor
	logger     *logging.Logger
}

// NewChecker returns an unloaded checker.
func NewChecker(classifier Classifier, logger *logging.Logger) *Checker {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Checker{classifier: classifier, logger: logger.Named("safety")}
}

// Load loads the classifier from modelDir at float16 on device and the
// feature extractor configuration from extractorDir.
func (c *Checker) Load(ctx context.Context, modelDir, extractorDir, device string) error {
	start := time.Now()
	fe, err := LoadFeatureExtractor(extractorDir)
	if err != nil {
		return err
	}
	if err := c.classifier.Load(ctx, LoadOptions{ModelDir: modelDir, Precision: "float16", Device: device}); err != nil {
		return fmt.Errorf("load safety classifier: %w", err)
	}
	c.extractor = fe
	c.logger.Info("safety checker loaded",
		zap.String("classifier", c.classifier.Name()),
		zap.String("model_dir", modelDir),
		zap.Int("crop", fe.CropWidth),
		zap.Duration("took", time.Since(start)))
	return nil
}

// Check returns one flag per image; true means the image must be discarded.
func (c *Checker) Check(ctx context.Context, images ...image.Image) ([]bool, error) {
	if c.extractor == nil {
		return nil, ErrNotLoaded
	}
	if len(images) == 0 {
		return nil, nil
	}

	w, h := c.extractor.OutputSize(images[0].Bounds())
	batch := Batch{Channels: 3, Height: h, Width: w}
	for _, img := range images {
		batch.Pixels = append(batch.Pixels, c.extractor.Preprocess(img))
	}

	flags, err := c.classifier.Classify(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClassifyFailed, err)
	}
	if len(flags) != len(images) {
		return nil, fmt.Errorf("%w: got %d decisions for %d images", ErrClassifyFailed, len(flags), len(images))
	}
	return flags, nil
}
