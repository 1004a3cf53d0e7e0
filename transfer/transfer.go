// Package transfer fetches remote weight archives and files onto local disk.
//
// Two strategies exist: Pget shells out to the pget utility, which performs
// parallel chunked downloads and can extract tar archives on the fly; HTTP
// downloads in-process with resume support and extracts with the archive
// package. Auto picks pget when it is installed.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"

	"fluxpredict/core"
)

var (
	// ErrFetch indicates the remote resource could not be downloaded.
	ErrFetch = errors.New("transfer: fetch failed")

	// ErrExtract indicates the downloaded archive could not be unpacked.
	ErrExtract = errors.New("transfer: extract failed")
)

// Transferer downloads remote resources.
type Transferer interface {
	// FetchArchive downloads a tar archive from url and unpacks it into dest.
	FetchArchive(ctx context.Context, url, dest string, opts ...Option) error

	// FetchFile downloads url to the file dest.
	FetchFile(ctx context.Context, url, dest string, opts ...Option) error

	// Name identifies the strategy in logs.
	Name() string
}

// downloadSuffix marks a file still being downloaded.
const downloadSuffix = ".download"

// Option adjusts a single fetch.
type Option func(*fetchOptions)

type fetchOptions struct {
	sha256 string
}

// WithSHA256 verifies the downloaded bytes against a hex SHA-256 digest.
// For archives the digest covers the tar file, not the extracted tree.
// An empty sum disables verification.
func WithSHA256(sum string) Option {
	return func(o *fetchOptions) { o.sha256 = sum }
}

func applyOptions(opts []Option) fetchOptions {
	var o fetchOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// verify checks path against sum and removes the file on mismatch.
func verify(path, sum string) error {
	ok, err := core.VerifySHA256(path, sum)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFetch, err)
	}
	if !ok {
		_ = os.Remove(path)
		return fmt.Errorf("%w: %w for %s", ErrFetch, core.ErrChecksumMismatch, path)
	}
	return nil
}
