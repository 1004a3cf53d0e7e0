package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// FileSHA256 returns the lowercase hex SHA-256 of the file at path.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifySHA256 compares the file digest against expected, case-insensitively.
func VerifySHA256(path, expected string) (bool, error) {
	expected = strings.ToLower(strings.TrimSpace(expected))
	if len(expected) != sha256.Size*2 {
		return false, fmt.Errorf("expected checksum must be %d hex characters, got %d", sha256.Size*2, len(expected))
	}
	actual, err := FileSHA256(path)
	if err != nil {
		return false, err
	}
	return actual == expected, nil
}
