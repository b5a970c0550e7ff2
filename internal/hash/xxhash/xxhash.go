// Package xxhash provides the fast content hash used for upload part
// checksums, batch file names and shard assignment.
package xxhash

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Hasher implements crawl.Hasher with 64-bit xxHash rendered as 16 hex digits.
type Hasher struct{}

// New returns an xxHash hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the zero-padded hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	return Hex(data), nil
}

// Hex returns the zero-padded hex digest of data.
func Hex(data []byte) string {
	s := strconv.FormatUint(xxhash.Sum64(data), 16)
	for len(s) < 16 {
		s = "0" + s
	}
	return s
}

// Sum64String hashes a string key without copying it.
func Sum64String(key string) uint64 {
	return xxhash.Sum64String(key)
}
