package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/crawl-coordinator/internal/clock/system"
	"github.com/JakeFAU/crawl-coordinator/internal/crawl"
)

type record struct {
	data    []byte
	modTime time.Time
}

// RecordStore keeps named records in a map.
type RecordStore struct {
	mu      sync.RWMutex
	clock   crawl.Clock
	records map[string]record
}

// NewRecordStore creates an empty store. A nil clock uses the wall clock.
func NewRecordStore(clock crawl.Clock) *RecordStore {
	if clock == nil {
		clock = system.New()
	}
	return &RecordStore{clock: clock, records: make(map[string]record)}
}

// Get returns a copy of the named record.
func (s *RecordStore) Get(_ context.Context, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[name]
	if !ok {
		return nil, crawl.ErrNotFound
	}
	return append([]byte(nil), rec.data...), nil
}

// Put replaces the named record.
func (s *RecordStore) Put(_ context.Context, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[name] = record{data: append([]byte(nil), data...), modTime: s.clock.Now()}
	return nil
}

// Delete removes the named record if present.
func (s *RecordStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, name)
	return nil
}

// ModTime returns when the record was last written.
func (s *RecordStore) ModTime(_ context.Context, name string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[name]
	if !ok {
		return time.Time{}, crawl.ErrNotFound
	}
	return rec.modTime, nil
}

// List returns the sorted record names starting with prefix.
func (s *RecordStore) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var names []string
	for name := range s.records {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}
