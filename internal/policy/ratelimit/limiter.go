// Package ratelimit implements token bucket rate limiting keyed by fetcher.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const defaultMaxKeys = 4096

// Limiter manages one token bucket per key. The least recently seen keys are
// evicted once MaxKeys is reached.
type Limiter struct {
	mu           sync.Mutex
	limiters     *lru.Cache[string, *rate.Limiter]
	defaultRate  rate.Limit
	defaultBurst int
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	MaxKeys      int
}

// New creates a new Limiter. A non-positive rate disables limiting.
func New(cfg Config) (*Limiter, error) {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	size := cfg.MaxKeys
	if size <= 0 {
		size = defaultMaxKeys
	}
	cache, err := lru.New[string, *rate.Limiter](size)
	if err != nil {
		return nil, fmt.Errorf("limiter cache: %w", err)
	}
	return &Limiter{
		limiters:     cache,
		defaultRate:  r,
		defaultBurst: burst,
	}, nil
}

// Allow reports whether key may proceed at now, consuming a token if so.
func (l *Limiter) Allow(key string, now time.Time) bool {
	if key == "" {
		key = "unknown"
	}
	return l.limiter(key).AllowN(now, 1)
}

func (l *Limiter) limiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters.Get(key)
	if !ok {
		lim = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters.Add(key, lim)
	}
	return lim
}

// Keys returns the number of tracked keys.
func (l *Limiter) Keys() int {
	return l.limiters.Len()
}
