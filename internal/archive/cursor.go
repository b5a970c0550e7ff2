package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/crawl-coordinator/internal/crawl"
)

// Phase is the cursor lifecycle state.
type Phase string

// Cursor phases. Aborted cursors behave like exhausted ones.
const (
	PhaseUninitialized Phase = "UNINITIALIZED"
	PhaseIterating     Phase = "ITERATING"
	PhaseEnd           Phase = "END_OF_ITERATOR"
	PhaseAborted       Phase = "ABORTED"
)

// State is the persisted form of a cursor.
type State struct {
	Phase     Phase           `json:"phase"`
	Source    Reference       `json:"source"`
	Position  json.RawMessage `json:"position,omitempty"`
	Returned  int64           `json:"returned"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Cursor iterates one archive on behalf of one result crawl. Callers must
// hold the archive lease around NextBatch and NextChunk.
type Cursor struct {
	records crawl.RecordStore
	clock   crawl.Clock
	ts      crawl.Timestamp
	state   State
	source  Source
}

// Open loads the cursor for result crawl ts, or starts a new one over ref.
// A persisted cursor keeps iterating its recorded source. Construction
// failures are returned as *ConstructionError alongside an aborted cursor.
func Open(ctx context.Context, reg *Registry, clock crawl.Clock, ts crawl.Timestamp, ref Reference) (*Cursor, error) {
	c := &Cursor{records: reg.records, clock: clock, ts: ts}
	state, found, err := loadState(ctx, reg.records, ts)
	if err != nil {
		return nil, err
	}
	if !found {
		state = State{Phase: PhaseUninitialized, Source: ref}
	}
	c.state = state
	if state.Phase == PhaseEnd {
		return c, nil
	}
	src, err := reg.Open(ctx, state.Source)
	if err != nil {
		c.state.Phase = PhaseAborted
		return c, err
	}
	if state.Phase == PhaseIterating && len(state.Position) > 0 {
		if err := src.Restore(state.Position); err != nil {
			c.state.Phase = PhaseAborted
			return c, &ConstructionError{Ref: state.Source, Err: err}
		}
	}
	c.source = src
	return c, nil
}

// Phase returns the current phase.
func (c *Cursor) Phase() Phase { return c.state.Phase }

// Done reports whether the cursor will produce nothing more.
func (c *Cursor) Done() bool {
	return c.state.Phase == PhaseEnd || c.state.Phase == PhaseAborted
}

// Returned counts records handed out over the cursor's lifetime.
func (c *Cursor) Returned() int64 { return c.state.Returned }

// NextBatch returns up to limit records and persists the new position.
// Once the source is exhausted the phase becomes END_OF_ITERATOR and every
// later call returns an empty batch.
func (c *Cursor) NextBatch(ctx context.Context, limit int) ([]json.RawMessage, error) {
	if c.Done() || limit <= 0 {
		return nil, nil
	}
	recs, done, err := c.source.NextBatch(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("archive next batch: %w", err)
	}
	if err := c.advance(ctx, len(recs), done); err != nil {
		return nil, err
	}
	return recs, nil
}

// NextChunk returns the next text chunk for chunk-capable sources.
func (c *Cursor) NextChunk(ctx context.Context) ([]byte, error) {
	if c.Done() {
		return nil, nil
	}
	cs, ok := c.source.(ChunkSource)
	if !ok {
		return nil, fmt.Errorf("archive %s does not support chunks", c.state.Source)
	}
	chunk, done, err := cs.NextChunk(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive next chunk: %w", err)
	}
	n := 0
	if len(chunk) > 0 {
		n = 1
	}
	if err := c.advance(ctx, n, done); err != nil {
		return nil, err
	}
	return chunk, nil
}

// SupportsChunks reports whether NextChunk can be used.
func (c *Cursor) SupportsChunks() bool {
	_, ok := c.source.(ChunkSource)
	return ok
}

func (c *Cursor) advance(ctx context.Context, n int, done bool) error {
	pos, err := c.source.Position()
	if err != nil {
		return fmt.Errorf("archive position: %w", err)
	}
	c.state.Position = pos
	c.state.Returned += int64(n)
	c.state.Phase = PhaseIterating
	if done {
		c.state.Phase = PhaseEnd
	}
	c.state.UpdatedAt = c.clock.Now().UTC()
	return saveState(ctx, c.records, c.ts, c.state)
}

// Clear deletes the persisted cursor of ts so the next Open starts over.
func Clear(ctx context.Context, records crawl.RecordStore, ts crawl.Timestamp) error {
	if err := records.Delete(ctx, crawl.ArchiveIteratorName(ts)); err != nil {
		return fmt.Errorf("clear archive cursor: %w", err)
	}
	return nil
}

// LoadState returns the persisted cursor of ts, if any.
func LoadState(ctx context.Context, records crawl.RecordStore, ts crawl.Timestamp) (State, bool, error) {
	return loadState(ctx, records, ts)
}

func loadState(ctx context.Context, records crawl.RecordStore, ts crawl.Timestamp) (State, bool, error) {
	data, err := records.Get(ctx, crawl.ArchiveIteratorName(ts))
	if errors.Is(err, crawl.ErrNotFound) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("read archive cursor: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, false, fmt.Errorf("decode archive cursor: %w", err)
	}
	return st, true, nil
}

func saveState(ctx context.Context, records crawl.RecordStore, ts crawl.Timestamp, st State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode archive cursor: %w", err)
	}
	if err := records.Put(ctx, crawl.ArchiveIteratorName(ts), data); err != nil {
		return fmt.Errorf("write archive cursor: %w", err)
	}
	return nil
}
