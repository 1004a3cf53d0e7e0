package transfer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"fluxpredict/archive"
	"fluxpredict/logging"
)

// DefaultPgetPath is looked up on PATH.
const DefaultPgetPath = "pget"

// Pget runs the pget binary as a subprocess.
type Pget struct {
	Path   string
	Logger *logging.Logger
}

// NewPget returns a Pget using the binary at path (DefaultPgetPath when empty).
func NewPget(path string, logger *logging.Logger) *Pget {
	if path == "" {
		path = DefaultPgetPath
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Pget{Path: path, Logger: logger}
}

func (p *Pget) Name() string { return "pget" }

// FetchArchive runs `pget -x url dest`. With a checksum the archive is
// fetched to <dest>.download.tar instead, verified, and extracted in-process.
func (p *Pget) FetchArchive(ctx context.Context, url, dest string, opts ...Option) error {
	o := applyOptions(opts)
	if o.sha256 == "" {
		return p.run(ctx, "-x", url, dest)
	}

	tarPath := dest + downloadSuffix + ".tar"
	if err := p.run(ctx, "--force", url, tarPath); err != nil {
		return err
	}
	defer os.Remove(tarPath)
	if err := verify(tarPath, o.sha256); err != nil {
		return err
	}
	if err := archive.ExtractTarFile(tarPath, dest); err != nil {
		return fmt.Errorf("%w: %v", ErrExtract, err)
	}
	return nil
}

// FetchFile runs `pget url dest`, then verifies the checksum if one is set.
func (p *Pget) FetchFile(ctx context.Context, url, dest string, opts ...Option) error {
	o := applyOptions(opts)
	if err := p.run(ctx, url, dest); err != nil {
		return err
	}
	if o.sha256 != "" {
		return verify(dest, o.sha256)
	}
	return nil
}

func (p *Pget) run(ctx context.Context, args ...string) error {
	start := time.Now()
	p.Logger.Info("downloading", zap.String("tool", p.Path), zap.Strings("args", args))

	cmd := exec.CommandContext(ctx, p.Path, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s %s: %v (stderr: %s)",
			ErrFetch, p.Path, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}

	p.Logger.Info("download complete",
		zap.String("dest", args[len(args)-1]),
		zap.Duration("took", time.Since(start)))
	return nil
}

// Available reports whether the pget binary can be found.
func Available(path string) bool {
	if path == "" {
		path = DefaultPgetPath
	}
	_, err := exec.LookPath(path)
	return err == nil
}
