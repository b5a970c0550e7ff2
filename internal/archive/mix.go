package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// MixDefinition is the YAML document behind a MIX reference.
type MixDefinition struct {
	Name       string         `yaml:"name"`
	Components []MixComponent `yaml:"components"`
}

// MixComponent is one weighted archive in a crawl mix.
type MixComponent struct {
	Reference `yaml:",inline"`
	Weight    float64 `yaml:"weight"`
}

type mixPosition struct {
	Components []json.RawMessage `json:"components"`
	Done       []bool            `json:"done"`
}

// mixArchive interleaves several sources, splitting every batch across the
// live components in proportion to their weights.
type mixArchive struct {
	weights []float64
	sources []Source
	done    []bool
}

func openMix(ctx context.Context, reg *Registry, ref Reference) (Source, error) {
	data, err := reg.records.Get(ctx, ref.Path)
	if err != nil {
		return nil, fmt.Errorf("read mix definition: %w", err)
	}
	var def MixDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("decode mix definition: %w", err)
	}
	if len(def.Components) == 0 {
		return nil, errors.New("mix has no components")
	}
	m := &mixArchive{}
	for i, c := range def.Components {
		if strings.EqualFold(c.Type, TypeMix) {
			return nil, fmt.Errorf("component %d: nested mixes are not supported", i)
		}
		if c.Weight <= 0 {
			return nil, fmt.Errorf("component %d: weight must be > 0", i)
		}
		src, err := reg.Open(ctx, c.Reference)
		if err != nil {
			return nil, fmt.Errorf("component %d: %w", i, err)
		}
		m.weights = append(m.weights, c.Weight)
		m.sources = append(m.sources, src)
	}
	m.done = make([]bool, len(m.sources))
	return m, nil
}

func (m *mixArchive) NextBatch(ctx context.Context, limit int) ([]json.RawMessage, bool, error) {
	var out []json.RawMessage
	// Each round hands the shortfall of exhausted components to the rest.
	for len(out) < limit && !m.allDone() {
		alloc := allocate(limit-len(out), m.weights, m.done)
		got := 0
		for i, n := range alloc {
			if n == 0 {
				continue
			}
			recs, done, err := m.sources[i].NextBatch(ctx, n)
			if err != nil {
				return nil, false, fmt.Errorf("mix component %d: %w", i, err)
			}
			out = append(out, recs...)
			got += len(recs)
			if done {
				m.done[i] = true
			}
		}
		if got == 0 && m.stalled(alloc) {
			break
		}
	}
	return out, m.allDone(), nil
}

// stalled reports whether a component was asked for records, returned none
// and is still not done.
func (m *mixArchive) stalled(alloc []int) bool {
	for i, n := range alloc {
		if n > 0 && !m.done[i] {
			return true
		}
	}
	return false
}

func (m *mixArchive) allDone() bool {
	for _, d := range m.done {
		if !d {
			return false
		}
	}
	return true
}

func (m *mixArchive) Position() (json.RawMessage, error) {
	pos := mixPosition{Done: append([]bool(nil), m.done...)}
	for i, src := range m.sources {
		p, err := src.Position()
		if err != nil {
			return nil, fmt.Errorf("mix component %d position: %w", i, err)
		}
		pos.Components = append(pos.Components, p)
	}
	return json.Marshal(pos)
}

func (m *mixArchive) Restore(raw json.RawMessage) error {
	var pos mixPosition
	if err := json.Unmarshal(raw, &pos); err != nil {
		return fmt.Errorf("decode mix position: %w", err)
	}
	if len(pos.Components) != len(m.sources) || len(pos.Done) != len(m.sources) {
		return fmt.Errorf("mix position has %d components, mix has %d", len(pos.Components), len(m.sources))
	}
	for i, src := range m.sources {
		if err := src.Restore(pos.Components[i]); err != nil {
			return fmt.Errorf("mix component %d: %w", i, err)
		}
	}
	copy(m.done, pos.Done)
	return nil
}

// allocate splits total across the live weights by largest remainder.
func allocate(total int, weights []float64, done []bool) []int {
	alloc := make([]int, len(weights))
	sum := 0.0
	for i, w := range weights {
		if !done[i] {
			sum += w
		}
	}
	if sum == 0 || total <= 0 {
		return alloc
	}
	type rem struct {
		idx  int
		frac float64
	}
	var rems []rem
	assigned := 0
	for i, w := range weights {
		if done[i] {
			continue
		}
		exact := float64(total) * w / sum
		alloc[i] = int(exact)
		assigned += alloc[i]
		rems = append(rems, rem{idx: i, frac: exact - float64(alloc[i])})
	}
	sort.SliceStable(rems, func(a, b int) bool { return rems[a].frac > rems[b].frac })
	for k := 0; assigned < total; k++ {
		alloc[rems[k%len(rems)].idx]++
		assigned++
	}
	return alloc
}
