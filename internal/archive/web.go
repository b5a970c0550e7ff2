package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
)

const partitionPrefix = "partition_"

// webPosition is a partition index and a byte offset into it.
type webPosition struct {
	Partition int   `json:"partition"`
	Offset    int64 `json:"offset"`
}

// webArchive reads a prior crawl stored as partition_NNNNN.jsonl files, one
// page record per line.
type webArchive struct {
	reg        *Registry
	partitions []string
	pos        webPosition
}

func openWeb(ctx context.Context, reg *Registry, ref Reference) (Source, error) {
	names, err := reg.records.List(ctx, path.Join(ref.Path, partitionPrefix))
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	var partitions []string
	for _, name := range names {
		if strings.HasSuffix(name, ".jsonl") {
			partitions = append(partitions, name)
		}
	}
	if len(partitions) == 0 {
		return nil, errors.New("archive has no partitions")
	}
	return &webArchive{reg: reg, partitions: partitions}, nil
}

func (w *webArchive) NextBatch(ctx context.Context, limit int) ([]json.RawMessage, bool, error) {
	var out []json.RawMessage
	for len(out) < limit && w.pos.Partition < len(w.partitions) {
		data, err := w.reg.records.Get(ctx, w.partitions[w.pos.Partition])
		if err != nil {
			return nil, false, fmt.Errorf("read %s: %w", w.partitions[w.pos.Partition], err)
		}
		if w.pos.Offset > int64(len(data)) {
			return nil, false, fmt.Errorf("offset %d beyond %s", w.pos.Offset, w.partitions[w.pos.Partition])
		}
		rest := data[w.pos.Offset:]
		for len(out) < limit && len(rest) > 0 {
			line, tail, _ := bytes.Cut(rest, []byte("\n"))
			w.pos.Offset += int64(len(rest) - len(tail))
			rest = tail
			line = bytes.TrimSpace(line)
			if len(line) == 0 || !json.Valid(line) {
				continue
			}
			out = append(out, json.RawMessage(bytes.Clone(line)))
		}
		if len(rest) == 0 {
			w.pos.Partition++
			w.pos.Offset = 0
		}
	}
	return out, w.pos.Partition >= len(w.partitions), nil
}

func (w *webArchive) Position() (json.RawMessage, error) {
	return json.Marshal(w.pos)
}

func (w *webArchive) Restore(pos json.RawMessage) error {
	var p webPosition
	if err := json.Unmarshal(pos, &p); err != nil {
		return fmt.Errorf("decode web position: %w", err)
	}
	if p.Partition < 0 || p.Offset < 0 || p.Partition > len(w.partitions) {
		return fmt.Errorf("web position %+v out of range", p)
	}
	w.pos = p
	return nil
}
