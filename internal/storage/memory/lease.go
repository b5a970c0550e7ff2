package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/crawl-coordinator/internal/clock/system"
	"github.com/JakeFAU/crawl-coordinator/internal/crawl"
	"github.com/JakeFAU/crawl-coordinator/internal/id/uuid"
)

type leaseEntry struct {
	token      string
	acquiredAt time.Time
}

// Leaser is an in-process crawl.Leaser.
type Leaser struct {
	mu     sync.Mutex
	clock  crawl.Clock
	ids    crawl.IDGenerator
	leases map[string]leaseEntry
}

// NewLeaser creates a Leaser. A nil clock uses the wall clock.
func NewLeaser(clock crawl.Clock) *Leaser {
	if clock == nil {
		clock = system.New()
	}
	return &Leaser{clock: clock, ids: uuid.New(), leases: make(map[string]leaseEntry)}
}

// Acquire claims name unless another holder's lease is younger than ttl.
func (l *Leaser) Acquire(_ context.Context, name string, ttl time.Duration) (string, bool, error) {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.leases[name]; ok && now.Sub(cur.acquiredAt) < ttl {
		return "", false, nil
	}
	token, err := l.ids.NewID()
	if err != nil {
		return "", false, err
	}
	l.leases[name] = leaseEntry{token: token, acquiredAt: now}
	return token, true, nil
}

// Release drops the lease if token still holds it.
func (l *Leaser) Release(_ context.Context, name, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.leases[name]; ok && cur.token == token {
		delete(l.leases, name)
	}
	return nil
}
