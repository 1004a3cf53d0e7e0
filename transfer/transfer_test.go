package transfer

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"fluxpredict/core"
	"fluxpredict/logging"
)

func tarBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, body := range files {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}); err != nil {
			t.Fatal(err)
		}
		tw.Write([]byte(body))
	}
	tw.Close()
	return buf.Bytes()
}

func TestHTTP_FetchArchive(t *testing.T) {
	data := tarBytes(t, map[string]string{"safety_checker/config.json": "{}"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	}))
	defer srv.Close()

	logger := logging.FromZap(zaptest.NewLogger(t))
	dest := filepath.Join(t.TempDir(), "safety-cache")

	if err := NewHTTP(nil, logger).FetchArchive(context.Background(), srv.URL+"/safety-1.0.tar", dest); err != nil {
		t.Fatalf("FetchArchive: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "safety_checker", "config.json")); err != nil {
		t.Errorf("extracted file missing: %v", err)
	}

	leftovers, _ := filepath.Glob(dest + ".download*")
	if len(leftovers) != 0 {
		t.Errorf("temporary archive not removed: %v", leftovers)
	}
}

func TestHTTP_FetchArchive_Errors(t *testing.T) {
	garbage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not a tarball</html>"))
	}))
	defer garbage.Close()
	missing := httptest.NewServer(http.NotFoundHandler())
	defer missing.Close()

	tests := []struct {
		name string
		url  string
		want error
	}{
		{"malformed archive", garbage.URL, ErrExtract},
		{"not found", missing.URL, ErrFetch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHTTP(nil, logging.FromZap(zaptest.NewLogger(t)))
			err := h.FetchArchive(context.Background(), tt.url, filepath.Join(t.TempDir(), "out"))
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestHTTP_FetchFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("weights"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "lora.safetensors")
	if err := NewHTTP(srv.Client(), nil).FetchFile(context.Background(), srv.URL, dest); err != nil {
		t.Fatalf("FetchFile: %v", err)
	}
	got, _ := os.ReadFile(dest)
	if string(got) != "weights" {
		t.Errorf("content = %q", got)
	}
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestHTTP_FetchArchive_Resume(t *testing.T) {
	data := tarBytes(t, map[string]string{"model_index.json": strings.Repeat("x", 4096)})
	var ranges []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ranges = append(ranges, r.Header.Get("Range"))
		http.ServeContent(w, r, "model.tar", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "checkpoints")
	half := len(data) / 2
	if err := os.WriteFile(dest+".download.tar", data[:half], 0o644); err != nil {
		t.Fatal(err)
	}

	h := NewHTTP(srv.Client(), logging.FromZap(zaptest.NewLogger(t)))
	if err := h.FetchArchive(context.Background(), srv.URL+"/model.tar", dest, WithSHA256(sha256Hex(data))); err != nil {
		t.Fatalf("FetchArchive: %v", err)
	}
	if len(ranges) != 1 || ranges[0] != fmt.Sprintf("bytes=%d-", half) {
		t.Errorf("Range headers = %q, want one resume from %d", ranges, half)
	}
	if _, err := os.Stat(filepath.Join(dest, "model_index.json")); err != nil {
		t.Errorf("extracted file missing: %v", err)
	}
	if _, err := os.Stat(dest + ".download.tar"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("partial archive not removed: %v", err)
	}
}

func TestHTTP_FetchFile_ChecksumMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tampered"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "lora.safetensors")
	err := NewHTTP(srv.Client(), nil).FetchFile(context.Background(), srv.URL, dest, WithSHA256(sha256Hex([]byte("weights"))))
	if !errors.Is(err, ErrFetch) || !errors.Is(err, core.ErrChecksumMismatch) {
		t.Fatalf("err = %v, want ErrFetch wrapping ErrChecksumMismatch", err)
	}
	for _, path := range []string{dest, dest + ".download"} {
		if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("%s left behind: %v", filepath.Base(path), err)
		}
	}
}

// fakePget writes a shell script that records its arguments and exits with code.
func fakePget(t *testing.T, code string) (bin, argsFile string) {
	t.Helper()
	dir := t.TempDir()
	argsFile = filepath.Join(dir, "args")
	bin = filepath.Join(dir, "pget")
	script := "#!/bin/sh\necho \"$@\" > " + argsFile + "\necho 'boom' >&2\nexit " + code + "\n"
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return bin, argsFile
}

func TestPget_Arguments(t *testing.T) {
	bin, argsFile := fakePget(t, "0")
	p := NewPget(bin, logging.FromZap(zaptest.NewLogger(t)))

	tests := []struct {
		name string
		run  func() error
		want string
	}{
		{
			name: "archive",
			run:  func() error { return p.FetchArchive(context.Background(), "https://host/model.tar", "checkpoints") },
			want: "-x https://host/model.tar checkpoints",
		},
		{
			name: "file",
			run:  func() error { return p.FetchFile(context.Background(), "https://host/lora.safetensors", "/tmp/lora.safetensors") },
			want: "https://host/lora.safetensors /tmp/lora.safetensors",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); err != nil {
				t.Fatalf("run: %v", err)
			}
			got, _ := os.ReadFile(argsFile)
			if strings.TrimSpace(string(got)) != tt.want {
				t.Errorf("args = %q, want %q", strings.TrimSpace(string(got)), tt.want)
			}
		})
	}
}

func TestPget_FetchFileChecksum(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "pget")
	script := "#!/bin/sh\nprintf weights > \"$2\"\n"
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	p := NewPget(bin, logging.FromZap(zaptest.NewLogger(t)))
	dest := filepath.Join(dir, "lora.safetensors")

	if err := p.FetchFile(context.Background(), "https://host/lora.safetensors", dest, WithSHA256(sha256Hex([]byte("weights")))); err != nil {
		t.Fatalf("FetchFile: %v", err)
	}
	err := p.FetchFile(context.Background(), "https://host/lora.safetensors", dest, WithSHA256(sha256Hex([]byte("other"))))
	if !errors.Is(err, core.ErrChecksumMismatch) {
		t.Fatalf("err = %v, want ErrChecksumMismatch", err)
	}
	if _, err := os.Stat(dest); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("mismatched file kept: %v", err)
	}
}

func TestPget_NonZeroExit(t *testing.T) {
	bin, _ := fakePget(t, "3")
	err := NewPget(bin, nil).FetchArchive(context.Background(), "https://host/model.tar", "checkpoints")
	if !errors.Is(err, ErrFetch) {
		t.Fatalf("err = %v, want ErrFetch", err)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("stderr should be included: %v", err)
	}
}

func TestNew_Strategy(t *testing.T) {
	if got := New(core.TransferPget, nil, nil).Name(); got != "pget" {
		t.Errorf("pget tool -> %s", got)
	}
	if got := New(core.TransferHTTP, nil, nil).Name(); got != "http" {
		t.Errorf("http tool -> %s", got)
	}

	t.Setenv("PATH", t.TempDir())
	if got := New(core.TransferAuto, nil, nil).Name(); got != "http" {
		t.Errorf("auto without pget on PATH -> %s", got)
	}
}
