package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// textPosition is a file index and an offset into its decompressed content.
type textPosition struct {
	File   int   `json:"file"`
	Offset int64 `json:"offset"`
}

// textBundle reads a directory of plain or gzip-compressed text files.
type textBundle struct {
	reg       *Registry
	files     []string
	chunkSize int
	pos       textPosition

	loaded     int
	loadedData []byte
}

func openText(ctx context.Context, reg *Registry, ref Reference) (Source, error) {
	prefix := strings.TrimSuffix(ref.Path, "/") + "/"
	names, err := reg.records.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list text bundle: %w", err)
	}
	var files []string
	for _, name := range names {
		if strings.HasSuffix(name, ".txt") || strings.HasSuffix(name, ".gz") {
			files = append(files, name)
		}
	}
	if len(files) == 0 {
		return nil, errors.New("text bundle has no .txt or .gz files")
	}
	return &textBundle{reg: reg, files: files, chunkSize: reg.opts.ChunkSize, loaded: -1}, nil
}

func (t *textBundle) content(ctx context.Context) ([]byte, error) {
	if t.loaded == t.pos.File {
		return t.loadedData, nil
	}
	name := t.files[t.pos.File]
	data, err := t.reg.records.Get(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	if strings.HasSuffix(name, ".gz") {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("open gzip %s: %w", name, err)
		}
		data, err = io.ReadAll(zr)
		_ = zr.Close()
		if err != nil {
			return nil, fmt.Errorf("decompress %s: %w", name, err)
		}
	}
	t.loaded, t.loadedData = t.pos.File, data
	return data, nil
}

// NextChunk returns up to chunkSize bytes ending on a line boundary. A single
// line longer than chunkSize is returned whole.
func (t *textBundle) NextChunk(ctx context.Context) ([]byte, bool, error) {
	for t.pos.File < len(t.files) {
		data, err := t.content(ctx)
		if err != nil {
			return nil, false, err
		}
		if t.pos.Offset > int64(len(data)) {
			return nil, false, fmt.Errorf("offset %d beyond %s", t.pos.Offset, t.files[t.pos.File])
		}
		rest := data[t.pos.Offset:]
		if len(rest) == 0 {
			t.advanceFile()
			continue
		}
		n := len(rest)
		if n > t.chunkSize {
			n = t.chunkSize
			if i := bytes.LastIndexByte(rest[:n], '\n'); i >= 0 {
				n = i + 1
			} else if j := bytes.IndexByte(rest[n:], '\n'); j >= 0 {
				n += j + 1
			} else {
				n = len(rest)
			}
		}
		chunk := bytes.Clone(rest[:n])
		t.pos.Offset += int64(n)
		if int(t.pos.Offset) == len(data) {
			t.advanceFile()
		}
		return chunk, t.pos.File >= len(t.files), nil
	}
	return nil, true, nil
}

// NextBatch returns up to limit non-empty lines as JSON strings.
func (t *textBundle) NextBatch(ctx context.Context, limit int) ([]json.RawMessage, bool, error) {
	var out []json.RawMessage
	for len(out) < limit && t.pos.File < len(t.files) {
		data, err := t.content(ctx)
		if err != nil {
			return nil, false, err
		}
		if t.pos.Offset > int64(len(data)) {
			return nil, false, fmt.Errorf("offset %d beyond %s", t.pos.Offset, t.files[t.pos.File])
		}
		rest := data[t.pos.Offset:]
		for len(out) < limit && len(rest) > 0 {
			line, tail, _ := bytes.Cut(rest, []byte("\n"))
			t.pos.Offset += int64(len(rest) - len(tail))
			rest = tail
			line = bytes.TrimRight(line, "\r")
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			rec, err := json.Marshal(string(line))
			if err != nil {
				return nil, false, fmt.Errorf("encode line: %w", err)
			}
			out = append(out, rec)
		}
		if len(rest) == 0 {
			t.advanceFile()
		}
	}
	return out, t.pos.File >= len(t.files), nil
}

func (t *textBundle) advanceFile() {
	t.pos.File++
	t.pos.Offset = 0
}

func (t *textBundle) Position() (json.RawMessage, error) {
	return json.Marshal(t.pos)
}

func (t *textBundle) Restore(pos json.RawMessage) error {
	var p textPosition
	if err := json.Unmarshal(pos, &p); err != nil {
		return fmt.Errorf("decode text position: %w", err)
	}
	if p.File < 0 || p.Offset < 0 || p.File > len(t.files) {
		return fmt.Errorf("text position %+v out of range", p)
	}
	t.pos = p
	return nil
}
