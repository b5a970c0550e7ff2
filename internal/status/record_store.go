package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/JakeFAU/crawl-coordinator/internal/crawl"
)

// RecordStatusStore keeps the status record as JSON in crawl_status.txt.
type RecordStatusStore struct {
	records crawl.RecordStore
}

// NewRecordStatusStore stores the status record in records.
func NewRecordStatusStore(records crawl.RecordStore) *RecordStatusStore {
	return &RecordStatusStore{records: records}
}

// Load returns a zero record when the file is absent or empty.
func (s *RecordStatusStore) Load(ctx context.Context) (crawl.StatusRecord, error) {
	data, err := s.records.Get(ctx, crawl.StatusRecordName)
	if errors.Is(err, crawl.ErrNotFound) || (err == nil && len(data) == 0) {
		return crawl.StatusRecord{}, nil
	}
	if err != nil {
		return crawl.StatusRecord{}, err
	}
	var rec crawl.StatusRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return crawl.StatusRecord{}, fmt.Errorf("decode %s: %w", crawl.StatusRecordName, err)
	}
	return rec, nil
}

// Save overwrites the file with rec.
func (s *RecordStatusStore) Save(ctx context.Context, rec crawl.StatusRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	return s.records.Put(ctx, crawl.StatusRecordName, data)
}
