// Package memory provides in-process implementations of the coordinator
// storage interfaces for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/crawl-coordinator/internal/crawl"
)

// Queue is an in-memory crawl.BatchQueue. Day-bucketed slots are FIFO lists;
// FetchSchedule slots hold at most one payload.
type Queue struct {
	mu    sync.Mutex
	lists map[crawl.Slot][][]byte
}

// NewQueue creates an empty Queue.
func NewQueue() *Queue {
	return &Queue{lists: make(map[crawl.Slot][][]byte)}
}

func normalize(slot crawl.Slot) crawl.Slot {
	if slot.Kind.DayBucketed() {
		slot.Shard = 0
	}
	return slot
}

// Enqueue stores a copy of payload.
func (q *Queue) Enqueue(_ context.Context, slot crawl.Slot, _ string, payload []byte) error {
	if !slot.Kind.Valid() {
		return fmt.Errorf("enqueue: unknown kind %q", slot.Kind)
	}
	slot = normalize(slot)
	q.mu.Lock()
	defer q.mu.Unlock()
	if !slot.Kind.DayBucketed() && len(q.lists[slot]) > 0 {
		return crawl.ErrSlotOccupied
	}
	q.lists[slot] = append(q.lists[slot], append([]byte(nil), payload...))
	return nil
}

// TryDequeue removes and returns the oldest payload in slot.
func (q *Queue) TryDequeue(_ context.Context, slot crawl.Slot) ([]byte, error) {
	slot = normalize(slot)
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.lists[slot]
	if len(list) == 0 {
		return nil, crawl.ErrNoBatch
	}
	payload := list[0]
	if len(list) == 1 {
		delete(q.lists, slot)
	} else {
		q.lists[slot] = list[1:]
	}
	return payload, nil
}

// Len reports how many payloads wait in slot.
func (q *Queue) Len(_ context.Context, slot crawl.Slot) (int, error) {
	slot = normalize(slot)
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lists[slot]), nil
}
