// Package integrity verifies downloaded archives against the digest the feed
// published for them.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
)

const readSize = 4 * 1024

var (
	// ErrMismatch means the file on disk does not hash to the expected
	// digest. Callers are expected to delete the file.
	ErrMismatch = errors.New("checksum mismatch")

	// ErrNoChecksum means no expected digest was supplied. Whether that is
	// tolerable is a configuration decision made by the caller, never here.
	ErrNoChecksum = errors.New("no expected checksum supplied")
)

// Verify computes a streaming SHA-256 of the file at path and compares it,
// case-insensitively, with expectedHex. A "sha256:" prefix on the expected
// digest is tolerated.
func Verify(path, expectedHex string) error {
	expected := strings.ToLower(strings.TrimSpace(expectedHex))
	expected = strings.TrimPrefix(expected, "sha256:")
	if expected == "" {
		return ErrNoChecksum
	}

	actual, err := FileSHA256(path)
	if err != nil {
		return err
	}

	if actual != expected {
		return errors.Wrapf(ErrMismatch, "expected %s, got %s", expected, actual)
	}
	return nil
}

// FileSHA256 returns the lowercase hex SHA-256 of the file at path, reading
// it in 4 KiB blocks.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "opening %s for hashing", path)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.CopyBuffer(h, f, make([]byte, readSize)); err != nil {
		return "", errors.Wrapf(err, "hashing %s", path)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
