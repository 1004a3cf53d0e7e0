package shutdown

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"fluxpredict/core"
	"fluxpredict/logging"
)

// Leftovers of interrupted work. Partial archives (*.download.tar) are
// kept so the next provisioning run resumes them.
var (
	AdapterScratchPatterns  = []string{"lora-*"}
	PartialDownloadPatterns = []string{"*.partial"}
)

// RemoveMatching returns a cleanup function that removes every path in dir
// matching one of patterns. Failures are logged and never block shutdown.
func RemoveMatching(logger *logging.Logger, dir string, patterns ...string) core.ShutdownFunc {
	return func(ctx context.Context) error {
		removed := 0
		for _, pattern := range patterns {
			matches, err := filepath.Glob(filepath.Join(dir, pattern))
			if err != nil {
				logger.Warn("bad cleanup pattern", zap.String("pattern", pattern), zap.Error(err))
				continue
			}
			for _, path := range matches {
				if ctx.Err() != nil {
					logger.Warn("cleanup interrupted", zap.String("dir", dir), zap.Int("removed", removed))
					return nil
				}
				if err := os.RemoveAll(path); err != nil {
					logger.Warn("failed to remove", zap.String("path", path), zap.Error(err))
					continue
				}
				removed++
			}
		}
		if removed > 0 {
			logger.Info("removed leftovers", zap.String("dir", dir), zap.Int("count", removed))
		}
		return nil
	}
}
