package transfer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"fluxpredict/archive"
	"fluxpredict/core"
	"fluxpredict/logging"
)

// HTTP downloads in-process.
type HTTP struct {
	Client *http.Client
	Logger *logging.Logger
}

// NewHTTP returns an HTTP transferer. A nil client gets a default without timeout;
// downloads are bounded by the caller's context.
func NewHTTP(client *http.Client, logger *logging.Logger) *HTTP {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &HTTP{Client: client, Logger: logger}
}

func (h *HTTP) Name() string { return "http" }

// FetchArchive downloads to <dest>.download.tar, then extracts. An
// interrupted transfer leaves that file in place and the next call resumes
// it. The file is removed once extracted, or when extraction fails.
func (h *HTTP) FetchArchive(ctx context.Context, url, dest string, opts ...Option) error {
	o := applyOptions(opts)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrFetch, err)
	}
	tarPath := dest + downloadSuffix + ".tar"
	if err := h.download(ctx, url, tarPath, o); err != nil {
		return err
	}

	start := time.Now()
	err := archive.ExtractTarFile(tarPath, dest)
	_ = os.Remove(tarPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrExtract, err)
	}
	h.Logger.Info("archive extracted", zap.String("dest", dest), zap.Duration("took", time.Since(start)))
	return nil
}

// FetchFile downloads url to <dest>.download, resuming a previous partial
// transfer, and renames it to dest when complete.
func (h *HTTP) FetchFile(ctx context.Context, url, dest string, opts ...Option) error {
	part := dest + downloadSuffix
	if err := h.download(ctx, url, part, applyOptions(opts)); err != nil {
		return err
	}
	if err := os.Rename(part, dest); err != nil {
		return fmt.Errorf("%w: %v", ErrFetch, err)
	}
	return nil
}

func (h *HTTP) download(ctx context.Context, url, path string, o fetchOptions) error {
	start := time.Now()
	h.Logger.Info("downloading", zap.String("url", url), zap.String("dest", path))

	res, err := core.DownloadWithProgress(ctx, core.DownloadOptions{
		URL:            url,
		DestPath:       path,
		HTTPClient:     h.Client,
		Resume:         true,
		ExpectedSHA256: o.sha256,
		OnProgress: func(p core.ProgressInfo) {
			h.Logger.Debug("download progress",
				zap.String("dest", path),
				zap.String("downloaded", core.FormatBytes(p.Downloaded)),
				zap.String("total", core.FormatBytes(p.Total)),
				zap.Float64("percent", p.Percent),
				zap.Duration("eta", p.ETA))
		},
	})
	if err != nil {
		if errors.Is(err, core.ErrChecksumMismatch) {
			_ = os.Remove(path)
		}
		return fmt.Errorf("%w: %s: %w", ErrFetch, url, err)
	}

	h.Logger.Info("download complete",
		zap.String("dest", path),
		zap.String("size", core.FormatBytes(res.BytesDownloaded)),
		zap.Bool("resumed", res.Resumed),
		zap.Bool("verified", res.ChecksumValid),
		zap.Duration("took", time.Since(start)))
	return nil
}
