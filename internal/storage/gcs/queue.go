package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/crawl-coordinator/internal/clock/system"
	"github.com/JakeFAU/crawl-coordinator/internal/crawl"
	"github.com/JakeFAU/crawl-coordinator/internal/hash/xxhash"
)

// Queue is a crawl.BatchQueue over bucket objects laid out like the local
// schedules directory. A claim reads a specific object generation and then
// deletes it conditioned on that generation; only the reader whose delete
// succeeds keeps the payload.
type Queue struct {
	store *Store
	clock crawl.Clock
}

// NewQueue creates a Queue on store's bucket. A nil clock uses the wall clock.
func NewQueue(store *Store, clock crawl.Clock) *Queue {
	if clock == nil {
		clock = system.New()
	}
	return &Queue{store: store, clock: clock}
}

// Enqueue uploads payload into slot. FetchSchedule slots are written with a
// does-not-exist precondition.
func (q *Queue) Enqueue(ctx context.Context, slot crawl.Slot, origin string, payload []byte) error {
	switch {
	case slot.Kind.DayBucketed():
		name := crawl.BatchPath(slot, q.clock.Now(), origin, xxhash.Hex(payload))
		if err := q.store.Put(ctx, name, payload); err != nil {
			return fmt.Errorf("enqueue %s: %w", slot.Kind, err)
		}
		return nil
	case slot.Kind == crawl.KindFetchSchedule:
		obj := q.store.object(crawl.FetchSlotName(slot)).If(storage.Conditions{DoesNotExist: true})
		err := q.store.write(ctx, obj, payload)
		if isPreconditionFailed(err) {
			return crawl.ErrSlotOccupied
		}
		return err
	default:
		return fmt.Errorf("enqueue: unknown kind %q", slot.Kind)
	}
}

// TryDequeue claims the slot's batch, or the oldest one for day-bucketed kinds.
func (q *Queue) TryDequeue(ctx context.Context, slot crawl.Slot) ([]byte, error) {
	candidates, err := q.candidates(ctx, slot)
	if err != nil {
		return nil, err
	}
	for _, c := range candidates {
		data, err := q.claim(ctx, c)
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
func (q *Queue) Len(ctx context.Context, slot crawl.Slot) (int, error) {
	candidates, err := q.candidates(ctx, slot)
	if err != nil {
		return 0, err
	}
	return len(candidates), nil
}

var errLostRace = errors.New("batch claimed by another reader")

type candidate struct {
	key        string
	generation int64
}

func (q *Queue) candidates(ctx context.Context, slot crawl.Slot) ([]candidate, error) {
	if !slot.Kind.DayBucketed() {
		attrs, err := q.store.object(crawl.FetchSlotName(slot)).Attrs(ctx)
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("stat fetch schedule: %w", err)
		}
		return []candidate{{key: attrs.Name, generation: attrs.Generation}}, nil
	}
	// Object listings are lexicographic; day buckets share a digit count.
	attrs, err := q.store.listAttrs(ctx, crawl.SlotDir(slot)+"/")
	if err != nil {
		return nil, err
	}
	out := make([]candidate, 0, len(attrs))
	for _, a := range attrs {
		out = append(out, candidate{key: a.Name, generation: a.Generation})
	}
	return out, nil
}

func (q *Queue) claim(ctx context.Context, c candidate) ([]byte, error) {
	obj := q.store.client.Bucket(q.store.bucket).Object(c.key)
	r, err := obj.Generation(c.generation).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, errLostRace
	}
	if err != nil {
		return nil, fmt.Errorf("open batch %s: %w", c.key, err)
	}
	data, err := io.ReadAll(r)
	_ = r.Close()
	if err != nil {
		return nil, fmt.Errorf("read batch %s: %w", c.key, err)
	}
	err = obj.If(storage.Conditions{GenerationMatch: c.generation}).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) || isPreconditionFailed(err) {
		return nil, errLostRace
	}
	if err != nil {
		return nil, fmt.Errorf("delete claimed batch %s: %w", c.key, err)
	}
	return data, nil
}
