package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/crawl-coordinator/internal/crawl"
)

// Archive type tags.
const (
	TypeWeb  = "WEB"
	TypeText = "TEXT"
	TypeMix  = "MIX"
)

// Reference names an archive by type tag and record path.
type Reference struct {
	Type string `json:"type" yaml:"type"`
	Path string `json:"path" yaml:"path"`
}

func (r Reference) String() string {
	return r.Type + ":" + r.Path
}

// Source yields archive records in a fixed order.
type Source interface {
	// NextBatch returns up to limit records. done is true once the source has
	// nothing left; the final call may return records and done together.
	NextBatch(ctx context.Context, limit int) (records []json.RawMessage, done bool, err error)
	// Position serializes the read position for a later Restore.
	Position() (json.RawMessage, error)
	Restore(pos json.RawMessage) error
}

// ChunkSource is a Source that can also hand out raw text chunks.
type ChunkSource interface {
	Source
	NextChunk(ctx context.Context) (chunk []byte, done bool, err error)
}

// Factory builds a Source for ref.
type Factory func(ctx context.Context, reg *Registry, ref Reference) (Source, error)

// Options tune the built-in sources.
type Options struct {
	// ChunkSize bounds TEXT chunks in bytes.
	ChunkSize int
}

// Registry maps archive type tags to factories. Sources read their data
// through the registry's record store.
type Registry struct {
	records crawl.RecordStore
	opts    Options

	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry with the WEB, TEXT and MIX sources.
func NewRegistry(records crawl.RecordStore, opts Options) *Registry {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 1 << 20
	}
	r := &Registry{records: records, opts: opts, factories: make(map[string]Factory)}
	r.Register(TypeWeb, openWeb)
	r.Register(TypeText, openText)
	r.Register(TypeMix, openMix)
	return r
}

// Register adds or replaces the factory for tag.
func (r *Registry) Register(tag string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToUpper(tag)] = f
}

// Types lists the registered tags.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for tag := range r.factories {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// Open constructs the source for ref. Every failure is a *ConstructionError.
func (r *Registry) Open(ctx context.Context, ref Reference) (Source, error) {
	r.mu.RLock()
	f, ok := r.factories[strings.ToUpper(ref.Type)]
	r.mu.RUnlock()
	if !ok {
		return nil, &ConstructionError{Ref: ref, Err: fmt.Errorf("unknown archive type %q", ref.Type)}
	}
	if strings.TrimSpace(ref.Path) == "" {
		return nil, &ConstructionError{Ref: ref, Err: fmt.Errorf("archive path is required")}
	}
	src, err := f(ctx, r, ref)
	if err != nil {
		var ce *ConstructionError
		if errors.As(err, &ce) {
			return nil, ce
		}
		return nil, &ConstructionError{Ref: ref, Err: err}
	}
	return src, nil
}

// ConstructionError reports an archive reference that cannot be opened.
type ConstructionError struct {
	Ref Reference
	Err error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("open archive %s: %v", e.Ref, e.Err)
}

func (e *ConstructionError) Unwrap() error {
	return e.Err
}
