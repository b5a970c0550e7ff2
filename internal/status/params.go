package status

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/crawl-coordinator/internal/crawl"
)

// CrawlParams is the parameter document of one crawl, stored as
// cache/IndexData<ts>/params.yaml and handed to fetchers when they first see
// the crawl.
type CrawlParams struct {
	CrawlTime   crawl.Timestamp `yaml:"crawl_time" json:"crawl_time"`
	CrawlType   crawl.CrawlType `yaml:"crawl_type" json:"crawl_type"`
	Description string          `yaml:"description,omitempty" json:"description,omitempty"`
	SeedSites   []string        `yaml:"seed_sites,omitempty" json:"seed_sites,omitempty"`
	// ArchiveType and ArchivePath select the source of an archive crawl.
	ArchiveType string   `yaml:"archive_type,omitempty" json:"archive_type,omitempty"`
	ArchivePath string   `yaml:"archive_path,omitempty" json:"archive_path,omitempty"`
	Classifiers []string `yaml:"classifiers,omitempty" json:"classifiers,omitempty"`
	MaxDepth    int      `yaml:"max_depth,omitempty" json:"max_depth,omitempty"`
	// PageRange caps how many pages per site fetchers download.
	PageRange int `yaml:"page_range,omitempty" json:"page_range,omitempty"`
}

// Validate checks the parameters describe a runnable crawl.
func (p CrawlParams) Validate() error {
	if p.CrawlTime <= 0 {
		return errors.New("crawl_time is required")
	}
	switch p.CrawlType {
	case crawl.CrawlTypeWeb:
		if len(p.SeedSites) == 0 {
			return errors.New("web crawls require seed_sites")
		}
	case crawl.CrawlTypeArchive:
		if p.ArchiveType == "" || p.ArchivePath == "" {
			return errors.New("archive crawls require archive_type and archive_path")
		}
	default:
		return fmt.Errorf("unknown crawl_type %q", p.CrawlType)
	}
	if p.MaxDepth < 0 || p.PageRange < 0 {
		return errors.New("max_depth and page_range must be >= 0")
	}
	return nil
}

// ParamsStore reads crawl parameters through an LRU cache. Parameters never
// change after a crawl starts, so cached entries do not go stale.
type ParamsStore struct {
	records crawl.RecordStore
	cache   *lru.Cache[crawl.Timestamp, CrawlParams]
}

// NewParamsStore caches up to size parameter documents.
func NewParamsStore(records crawl.RecordStore, size int) (*ParamsStore, error) {
	if size <= 0 {
		size = 16
	}
	cache, err := lru.New[crawl.Timestamp, CrawlParams](size)
	if err != nil {
		return nil, fmt.Errorf("params cache: %w", err)
	}
	return &ParamsStore{records: records, cache: cache}, nil
}

// Load returns the parameters of ts, or crawl.ErrNotFound.
func (s *ParamsStore) Load(ctx context.Context, ts crawl.Timestamp) (CrawlParams, error) {
	if p, ok := s.cache.Get(ts); ok {
		return p, nil
	}
	data, err := s.records.Get(ctx, crawl.ParamsName(ts))
	if err != nil {
		return CrawlParams{}, err
	}
	var p CrawlParams
	if err := yaml.Unmarshal(data, &p); err != nil {
		return CrawlParams{}, fmt.Errorf("decode params for %d: %w", ts, err)
	}
	if p.CrawlTime == 0 {
		p.CrawlTime = ts
	}
	s.cache.Add(ts, p)
	return p, nil
}

// Save writes p after validating it.
func (s *ParamsStore) Save(ctx context.Context, p CrawlParams) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid crawl params: %w", err)
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	if err := s.records.Put(ctx, crawl.ParamsName(p.CrawlTime), data); err != nil {
		return fmt.Errorf("write params: %w", err)
	}
	s.cache.Add(p.CrawlTime, p)
	return nil
}

// Exists reports whether ts has stored parameters.
func (s *ParamsStore) Exists(ctx context.Context, ts crawl.Timestamp) (bool, error) {
	if s.cache.Contains(ts) {
		return true, nil
	}
	_, err := s.records.ModTime(ctx, crawl.ParamsName(ts))
	if errors.Is(err, crawl.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SavedCrawlTimes lists every crawl with an IndexData directory, oldest first.
func (s *ParamsStore) SavedCrawlTimes(ctx context.Context) ([]crawl.Timestamp, error) {
	names, err := s.records.List(ctx, crawl.IndexDataPrefix)
	if err != nil {
		return nil, fmt.Errorf("list saved crawls: %w", err)
	}
	var out []crawl.Timestamp
	for _, name := range names {
		if ts, ok := crawl.CrawlTimeFromIndexData(name); ok {
			out = append(out, ts)
		}
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

// Classifiers loads the named classifier models. Missing models are skipped
// and returned in the second value.
func (s *ParamsStore) Classifiers(ctx context.Context, names []string) (map[string][]byte, []string, error) {
	out := make(map[string][]byte, len(names))
	var missing []string
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" || strings.ContainsAny(name, "/\\") {
			missing = append(missing, name)
			continue
		}
		data, err := s.records.Get(ctx, crawl.ClassifierName(name))
		if errors.Is(err, crawl.ErrNotFound) {
			missing = append(missing, name)
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("load classifier %s: %w", name, err)
		}
		out[name] = data
	}
	return out, missing, nil
}
