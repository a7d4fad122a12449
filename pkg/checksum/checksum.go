// Package checksum computes the SHA-256 digests used to fingerprint schema
// catalogs, so a sync run can be traced back to the exact set of entity
// definitions it applied.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// CalculateSHA256 returns the hex-encoded SHA-256 digest of everything read
// from reader.
func CalculateSHA256(reader io.Reader) (string, error) {
	hasher := sha256.New()
	if _, err := io.Copy(hasher, reader); err != nil {
		return "", fmt.Errorf("failed to calculate checksum: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// String returns the hex-encoded SHA-256 digest of s.
func String(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Short truncates a digest to n characters for display.
func Short(digest string, n int) string {
	if n <= 0 || len(digest) <= n {
		return digest
	}
	return digest[:n]
}
