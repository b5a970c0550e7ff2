// Package sha256 provides the SHA-256 digests behind fetcher session tokens.
package sha256

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// Hasher implements crawl.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Verify reports whether digest is the hex SHA-256 of data, comparing in
// constant time.
func (h *Hasher) Verify(data []byte, digest string) bool {
	want, _ := h.Hash(data)
	return subtle.ConstantTimeCompare([]byte(want), []byte(digest)) == 1
}
