package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/JakeFAU/crawl-coordinator/internal/clock/system"
	"github.com/JakeFAU/crawl-coordinator/internal/crawl"
	"github.com/JakeFAU/crawl-coordinator/internal/hash/xxhash"
)

// errLostRace means another claimant renamed the file first.
var errLostRace = errors.New("batch claimed by another reader")

// Queue is a crawl.BatchQueue over the schedules directory. Uploaded kinds are
// filed in day buckets; FetchSchedule slots are single fixed files.
// Claims rename the file to a private name before reading, so each file is
// delivered to at most one caller.
type Queue struct {
	store *Store
	clock crawl.Clock
}

// NewQueue creates a Queue sharing store's root. A nil clock uses the wall clock.
func NewQueue(store *Store, clock crawl.Clock) *Queue {
	if clock == nil {
		clock = system.New()
	}
	return &Queue{store: store, clock: clock}
}

// Enqueue writes payload into slot.
func (q *Queue) Enqueue(_ context.Context, slot crawl.Slot, origin string, payload []byte) error {
	switch {
	case slot.Kind.DayBucketed():
		name := crawl.BatchPath(slot, q.clock.Now(), origin, xxhash.Hex(payload))
		full, err := q.store.resolve(name)
		if err != nil {
			return err
		}
		if err := q.store.writeAtomic(full, payload); err != nil {
			return fmt.Errorf("enqueue %s: %w", slot.Kind, err)
		}
		return nil
	case slot.Kind == crawl.KindFetchSchedule:
		full, err := q.store.resolve(crawl.FetchSlotName(slot))
		if err != nil {
			return err
		}
		return q.publishExclusive(full, payload)
	default:
		return fmt.Errorf("enqueue: unknown kind %q", slot.Kind)
	}
}

// publishExclusive links a temp file into place, failing if the slot is taken.
func (q *Queue) publishExclusive(full string, payload []byte) error {
	tmp, err := q.store.writeTemp(full, payload)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp) }()
	if err := os.Link(tmp, full); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return crawl.ErrSlotOccupied
		}
		return fmt.Errorf("publish fetch schedule: %w", err)
	}
	return nil
}

// TryDequeue claims the slot's batch, or the oldest one for day-bucketed kinds.
func (q *Queue) TryDequeue(_ context.Context, slot crawl.Slot) ([]byte, error) {
	if !slot.Kind.DayBucketed() {
		full, err := q.store.resolve(crawl.FetchSlotName(slot))
		if err != nil {
			return nil, err
		}
		data, err := q.claim(full)
		if errors.Is(err, errLostRace) {
			return nil, crawl.ErrNoBatch
		}
		return data, err
	}

	files, err := q.pending(slot)
	if err != nil {
		return nil, err
	}
	for _, full := range files {
		data, err := q.claim(full)
		if errors.Is(err, errLostRace) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return data, nil
	}
	return nil, crawl.ErrNoBatch
}

// Len counts unclaimed batches in slot.
func (q *Queue) Len(_ context.Context, slot crawl.Slot) (int, error) {
	if !slot.Kind.DayBucketed() {
		full, err := q.store.resolve(crawl.FetchSlotName(slot))
		if err != nil {
			return 0, err
		}
		if _, err := os.Stat(full); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return 0, nil
			}
			return 0, fmt.Errorf("stat fetch schedule: %w", err)
		}
		return 1, nil
	}
	files, err := q.pending(slot)
	if err != nil {
		return 0, err
	}
	return len(files), nil
}

func (q *Queue) claim(full string) ([]byte, error) {
	claimed := filepath.Join(filepath.Dir(full), ".claimed-"+q.store.ids.MustNewID())
	if err := os.Rename(full, claimed); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errLostRace
		}
		return nil, fmt.Errorf("claim %s: %w", full, err)
	}
	data, err := os.ReadFile(claimed) // #nosec G304 -- path built from validated slot name.
	if rmErr := os.Remove(claimed); rmErr != nil && err == nil {
		err = rmErr
	}
	if err != nil {
		return nil, fmt.Errorf("read claimed batch: %w", err)
	}
	return data, nil
}

// pending lists unclaimed batch files oldest first: day buckets in numeric
// order, files by name (which starts with the write time).
func (q *Queue) pending(slot crawl.Slot) ([]string, error) {
	dir, err := q.store.resolve(crawl.SlotDir(slot))
	if err != nil {
		return nil, err
	}
	days, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list day buckets: %w", err)
	}
	type bucket struct {
		day  int64
		name string
	}
	var buckets []bucket
	for _, d := range days {
		if !d.IsDir() {
			continue
		}
		day, err := strconv.ParseInt(d.Name(), 10, 64)
		if err != nil {
			continue
		}
		buckets = append(buckets, bucket{day: day, name: d.Name()})
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].day < buckets[j].day })

	var files []string
	for _, b := range buckets {
		entries, err := os.ReadDir(filepath.Join(dir, b.name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list day bucket %s: %w", b.name, err)
		}
		for _, e := range entries {
			if e.IsDir() || hidden(e.Name()) {
				continue
			}
			files = append(files, filepath.Join(dir, b.name, e.Name()))
		}
	}
	return files, nil
}
