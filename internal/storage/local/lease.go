package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/JakeFAU/crawl-coordinator/internal/clock/system"
	"github.com/JakeFAU/crawl-coordinator/internal/crawl"
)

const lockRetryDelay = 10 * time.Millisecond

type leaseFile struct {
	AcquiredAt time.Time `json:"acquired_at"`
	Token      string    `json:"token"`
}

// Leaser is a crawl.Leaser backed by lease files holding the acquisition time.
// The read-compare-write of a lease file runs under an flock on a sibling
// ".lock" file, so acquire-if-absent-or-expired is atomic across processes
// sharing the directory.
type Leaser struct {
	store *Store
	clock crawl.Clock
}

// NewLeaser creates a Leaser sharing store's root. A nil clock uses the wall clock.
func NewLeaser(store *Store, clock crawl.Clock) *Leaser {
	if clock == nil {
		clock = system.New()
	}
	return &Leaser{store: store, clock: clock}
}

// Acquire takes the lease unless a holder acquired it less than ttl ago.
func (l *Leaser) Acquire(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	var (
		token string
		ok    bool
	)
	err := l.withLock(ctx, name, func(full string) error {
		now := l.clock.Now()
		cur, found, err := readLease(full)
		if err != nil {
			return err
		}
		if found && now.Sub(cur.AcquiredAt) < ttl {
			return nil
		}
		token = l.store.ids.MustNewID()
		data, err := json.Marshal(leaseFile{AcquiredAt: now, Token: token})
		if err != nil {
			return fmt.Errorf("marshal lease: %w", err)
		}
		if err := l.store.writeAtomic(full, data); err != nil {
			return err
		}
		ok = true
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// Release deletes the lease file if token still holds it.
func (l *Leaser) Release(ctx context.Context, name, token string) error {
	return l.withLock(ctx, name, func(full string) error {
		cur, found, err := readLease(full)
		if err != nil || !found || cur.Token != token {
			return err
		}
		if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove lease: %w", err)
		}
		return nil
	})
}

func (l *Leaser) withLock(ctx context.Context, name string, fn func(full string) error) error {
	full, err := l.store.resolve(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), dirPerm); err != nil {
		return fmt.Errorf("create lease directory: %w", err)
	}
	lock := flock.New(full + ".lock")
	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("lock lease %s: %w", name, err)
	}
	if !locked {
		return fmt.Errorf("lock lease %s: not acquired", name)
	}
	defer func() { _ = lock.Unlock() }()
	return fn(full)
}

// readLease returns the current lease. An unreadable lease file is treated as
// abandoned.
func readLease(full string) (leaseFile, bool, error) {
	data, err := os.ReadFile(full) // #nosec G304 -- path validated by resolve.
	if errors.Is(err, fs.ErrNotExist) {
		return leaseFile{}, false, nil
	}
	if err != nil {
		return leaseFile{}, false, fmt.Errorf("read lease: %w", err)
	}
	var cur leaseFile
	if err := json.Unmarshal(data, &cur); err != nil {
		return leaseFile{}, false, nil
	}
	return cur, true, nil
}
