package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
)

// progressInterval is the minimum byte delta between OnProgress callbacks.
const progressInterval = 8 * BytesPerMB

// ErrChecksumMismatch is returned when a completed download fails verification.
var ErrChecksumMismatch = errors.New("core: checksum mismatch")

// DownloadOptions configures DownloadWithProgress.
type DownloadOptions struct {
	URL      string
	DestPath string
	// ExpectedSHA256 is verified after the transfer when non-empty.
	ExpectedSHA256 string
	HTTPClient     *http.Client
	OnProgress     func(ProgressInfo)
	// Resume continues a partial file at DestPath using a Range request.
	Resume bool
}

// DownloadResult summarizes a completed download.
type DownloadResult struct {
	Path            string
	BytesDownloaded int64
	TotalBytes      int64
	Resumed         bool
	ChecksumValid   bool
}

// DownloadWithProgress fetches opts.URL into opts.DestPath.
//
// When Resume is set and a partial file exists, the transfer continues from its
// size; servers that ignore the Range header get a fresh download. A 416
// answer means the local file is already complete, or stale and restarted.
func DownloadWithProgress(ctx context.Context, opts DownloadOptions) (*DownloadResult, error) {
	if opts.URL == "" {
		return nil, errors.New("download URL is required")
	}
	if opts.DestPath == "" {
		return nil, errors.New("download destination is required")
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	if err := os.MkdirAll(filepath.Dir(opts.DestPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create destination directory: %w", err)
	}

	var offset int64
	if opts.Resume {
		if info, err := os.Stat(opts.DestPath); err == nil {
			offset = info.Size()
		}
	}

	resp, err := get(ctx, client, opts, offset)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		resp.Body.Close()
		if opts.ExpectedSHA256 != "" {
			if ok, _ := VerifySHA256(opts.DestPath, opts.ExpectedSHA256); ok {
				return &DownloadResult{Path: opts.DestPath, TotalBytes: offset, Resumed: true, ChecksumValid: true}, nil
			}
		}
		offset = 0
		if resp, err = get(ctx, client, opts, 0); err != nil {
			return nil, err
		}
	}
	defer resp.Body.Close()

	result := &DownloadResult{Path: opts.DestPath}
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	switch resp.StatusCode {
	case http.StatusOK:
		offset = 0
		result.TotalBytes = resp.ContentLength
	case http.StatusPartialContent:
		result.Resumed = true
		flags = os.O_WRONLY | os.O_APPEND
		if _, _, total, err := ParseContentRange(resp.Header.Get("Content-Range")); err == nil && total > 0 {
			result.TotalBytes = total
		} else if resp.ContentLength > 0 {
			result.TotalBytes = offset + resp.ContentLength
		}
	default:
		return nil, fmt.Errorf("unexpected status %s from %s", resp.Status, opts.URL)
	}

	f, err := os.OpenFile(opts.DestPath, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open destination file: %w", err)
	}

	tracker := NewProgressTracker(result.TotalBytes)
	tracker.Resume(offset)
	n, copyErr := io.Copy(f, &progressReader{r: resp.Body, tracker: tracker, onProgress: opts.OnProgress})
	syncErr := f.Sync()
	closeErr := f.Close()
	if copyErr != nil {
		return nil, fmt.Errorf("download interrupted after %s: %w", FormatBytes(offset+n), copyErr)
	}
	if err := errors.Join(syncErr, closeErr); err != nil {
		return nil, fmt.Errorf("failed to flush %s: %w", opts.DestPath, err)
	}
	result.BytesDownloaded = n
	if opts.OnProgress != nil {
		opts.OnProgress(tracker.Snapshot())
	}

	if opts.ExpectedSHA256 != "" {
		ok, err := VerifySHA256(opts.DestPath, opts.ExpectedSHA256)
		if err != nil {
			return nil, fmt.Errorf("checksum verification failed: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("%w for %s", ErrChecksumMismatch, opts.DestPath)
		}
		result.ChecksumValid = true
	}
	return result, nil
}

func get(ctx context.Context, client *http.Client, opts DownloadOptions, offset int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if offset > 0 {
		req.Header.Set("Range", BuildRangeHeader(offset))
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download request failed: %w", err)
	}
	return resp, nil
}

type progressReader struct {
	r          io.Reader
	tracker    *ProgressTracker
	onProgress func(ProgressInfo)
	lastReport int64
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.tracker.Add(int64(n))
		if p.onProgress != nil {
			if done := p.tracker.Downloaded(); done-p.lastReport >= progressInterval {
				p.onProgress(p.tracker.Snapshot())
				p.lastReport = done
			}
		}
	}
	return n, err
}
