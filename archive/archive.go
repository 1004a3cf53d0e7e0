// Package archive unpacks weight and adapter archives.
package archive

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrMalformed is returned for archives that cannot be read or that contain
// entries escaping the destination.
var ErrMalformed = errors.New("archive: malformed archive")

// ErrNotFound is returned by FindFirst when no file matches.
var ErrNotFound = errors.New("archive: no matching file")

// ExtractTarFile extracts the tar (optionally gzip-compressed) archive at path into dest.
func ExtractTarFile(path, dest string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()
	return ExtractTar(f, dest)
}

// ExtractTar extracts a tar stream into dest, creating it if needed.
// Gzip compression is detected from the magic bytes.
func ExtractTar(r io.Reader, dest string) error {
	br := bufio.NewReader(r)
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		defer zr.Close()
		return extract(tar.NewReader(zr), dest)
	}
	return extract(tar.NewReader(br), dest)
}

func extract(tr *tar.Reader, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	root, err := filepath.Abs(dest)
	if err != nil {
		return err
	}

	entries := 0
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		entries++

		target, err := within(root, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if filepath.IsAbs(hdr.Linkname) {
				return fmt.Errorf("%w: absolute symlink %s", ErrMalformed, hdr.Name)
			}
			if _, err := within(root, filepath.Join(filepath.Dir(hdr.Name), hdr.Linkname)); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		default:
			// Hard links, devices and PAX metadata are not used by weight archives.
		}
	}
	if entries == 0 {
		return fmt.Errorf("%w: archive is empty", ErrMalformed)
	}
	return nil
}

func within(root, name string) (string, error) {
	target := filepath.Join(root, filepath.FromSlash(name))
	if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: entry %q escapes destination", ErrMalformed, name)
	}
	return target, nil
}

func writeFile(path string, r io.Reader, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if perm == 0 {
		perm = 0o644
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return f.Close()
}

// FindFirst walks root in lexical order and returns the first regular file
// whose name ends with ext.
func FindFirst(root, ext string) (string, error) {
	var found string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ext) {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", fmt.Errorf("%w: no %s under %s", ErrNotFound, ext, root)
	}
	return found, nil
}
