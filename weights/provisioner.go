// Package weights makes model weight bundles available on local disk.
package weights

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"fluxpredict/logging"
	"fluxpredict/transfer"
)

var (
	// ErrTransferFailed is returned when the download tool fails.
	ErrTransferFailed = errors.New("weights: transfer failed")

	// ErrExtractFailed is returned when a downloaded archive cannot be unpacked.
	ErrExtractFailed = errors.New("weights: extract failed")
)

// partialSuffix marks a bundle directory still being written.
const partialSuffix = ".partial"

// Provisioner fetches bundles that are not yet on disk. It makes a single
// attempt per bundle; callers treat failure as fatal.
type Provisioner struct {
	transfer transfer.Transferer
	logger   *logging.Logger
}

// NewProvisioner returns a Provisioner downloading with t.
func NewProvisioner(t transfer.Transferer, logger *logging.Logger) *Provisioner {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Provisioner{transfer: t, logger: logger.Named("weights")}
}

// Present reports whether the bundle destination exists.
func Present(b Bundle) bool {
	_, err := os.Stat(b.Dest)
	return err == nil
}

// Ensure downloads b when its destination does not exist. It returns true
// when a download happened. Archives are unpacked into a sibling directory
// that is renamed into place, so a failed run leaves nothing at b.Dest.
func (p *Provisioner) Ensure(ctx context.Context, b Bundle) (bool, error) {
	log := p.logger.With(zap.String("bundle", b.Name), zap.String("dest", b.Dest))
	if Present(b) {
		log.Debug("bundle already present")
		return false, nil
	}

	start := time.Now()
	log.Info("provisioning bundle", zap.String("url", b.URL), zap.String("tool", p.transfer.Name()))

	staging := b.Dest + partialSuffix
	if err := os.RemoveAll(staging); err != nil {
		return false, fmt.Errorf("%w: clearing %s: %v", ErrTransferFailed, staging, err)
	}

	var err error
	verify := transfer.WithSHA256(b.SHA256)
	if b.Kind == KindFile {
		err = p.transfer.FetchFile(ctx, b.URL, staging, verify)
	} else {
		err = p.transfer.FetchArchive(ctx, b.URL, staging, verify)
	}
	if err != nil {
		_ = os.RemoveAll(staging)
		if errors.Is(err, transfer.ErrExtract) {
			return false, fmt.Errorf("%w: %s: %v", ErrExtractFailed, b.Name, err)
		}
		return false, fmt.Errorf("%w: %s: %v", ErrTransferFailed, b.Name, err)
	}

	if err := os.Rename(staging, b.Dest); err != nil {
		_ = os.RemoveAll(staging)
		return false, fmt.Errorf("%w: moving %s into place: %v", ErrExtractFailed, b.Name, err)
	}

	log.Info("bundle ready", zap.Duration("took", time.Since(start)))
	return true, nil
}

// EnsureAll provisions every bundle of m in order, stopping at the first failure.
func (p *Provisioner) EnsureAll(ctx context.Context, m *Manifest) error {
	for _, b := range m.Bundles {
		if _, err := p.Ensure(ctx, b); err != nil {
			return err
		}
	}
	return nil
}
