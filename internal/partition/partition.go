// Package partition assigns work items to fetcher shards by hashing a key,
// usually the URL host, so one site is always fetched by the same shard.
package partition

import (
	"net/url"
	"strings"

	"github.com/JakeFAU/crawl-coordinator/internal/hash/xxhash"
)

// Shard returns the shard in [0, shardCount) owning key.
func Shard(key string, shardCount int) int {
	if shardCount <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(shardCount))
}

// Partition returns the items whose key hashes to shardIndex, preserving
// input order. A shardCount below one is treated as one.
func Partition[T any](items []T, key func(T) string, shardCount, shardIndex int) []T {
	if shardCount < 1 {
		shardCount = 1
	}
	var out []T
	for _, item := range items {
		if Shard(key(item), shardCount) == shardIndex {
			out = append(out, item)
		}
	}
	return out
}

// Split distributes items over all shards in one pass.
func Split[T any](items []T, key func(T) string, shardCount int) [][]T {
	if shardCount < 1 {
		shardCount = 1
	}
	shards := make([][]T, shardCount)
	for _, item := range items {
		i := Shard(key(item), shardCount)
		shards[i] = append(shards[i], item)
	}
	return shards
}

// HostKey returns the lowercase host of rawURL. Unparsable input falls back
// to the raw string so it still lands on a stable shard.
func HostKey(rawURL string) string {
	candidate := rawURL
	if !strings.Contains(candidate, "://") {
		candidate = "http://" + candidate
	}
	u, err := url.Parse(candidate)
	if err != nil || u.Hostname() == "" {
		return rawURL
	}
	return strings.ToLower(u.Hostname())
}
