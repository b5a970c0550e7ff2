// Package local implements the coordinator storage interfaces on a local
// (or shared network) filesystem rooted at a work directory.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/JakeFAU/crawl-coordinator/internal/crawl"
	"github.com/JakeFAU/crawl-coordinator/internal/id/uuid"
)

// Directories are shared by every coordinator and web process on the host.
const (
	dirPerm  fs.FileMode = 0o777
	filePerm fs.FileMode = 0o666
)

// Config captures the parameters for the filesystem store.
type Config struct {
	// BaseDir is the installation root holding schedules/, cache/ and temp/.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// Store is a crawl.RecordStore over files under BaseDir.
type Store struct {
	baseDir string
	ids     *uuid.Generator
}

// New creates the store, creating BaseDir if needed and checking it is writable.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if mkErr := os.MkdirAll(cfg.BaseDir, dirPerm); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &Store{baseDir: filepath.Clean(cfg.BaseDir), ids: uuid.New()}, nil
}

// BaseDir returns the installation root.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// resolve maps a slash-separated record name to a path inside baseDir.
func (s *Store) resolve(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("record name is required")
	}
	full := filepath.Join(s.baseDir, filepath.FromSlash(name))
	if !strings.HasPrefix(full, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return full, nil
}

// Get reads the named record.
func (s *Store) Get(_ context.Context, name string) ([]byte, error) {
	full, err := s.resolve(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full) // #nosec G304 -- path validated by resolve.
	if errors.Is(err, fs.ErrNotExist) {
		return nil, crawl.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read record %s: %w", name, err)
	}
	return data, nil
}

// Put replaces the named record atomically.
func (s *Store) Put(_ context.Context, name string, data []byte) error {
	full, err := s.resolve(name)
	if err != nil {
		return err
	}
	return s.writeAtomic(full, data)
}

// Delete removes the named record if present.
func (s *Store) Delete(_ context.Context, name string) error {
	full, err := s.resolve(name)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete record %s: %w", name, err)
	}
	return nil
}

// ModTime returns the record's modification time.
func (s *Store) ModTime(_ context.Context, name string) (time.Time, error) {
	full, err := s.resolve(name)
	if err != nil {
		return time.Time{}, err
	}
	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return time.Time{}, crawl.ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("stat record %s: %w", name, err)
	}
	return info.ModTime(), nil
}

// List walks the directory containing prefix and returns matching names.
func (s *Store) List(_ context.Context, prefix string) ([]string, error) {
	startName := prefix
	if !strings.HasSuffix(startName, "/") {
		startName = path.Dir(startName)
	}
	start := s.baseDir
	if startName != "." && startName != "" {
		var err error
		if start, err = s.resolve(startName); err != nil {
			return nil, err
		}
	}
	var names []string
	err := filepath.WalkDir(start, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return fs.SkipDir
			}
			return walkErr
		}
		if d.IsDir() || hidden(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(s.baseDir, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("list records %s: %w", prefix, err)
	}
	sort.Strings(names)
	return names, nil
}

// writeAtomic publishes data at full through a temp file and rename so
// readers never observe a partial write.
func (s *Store) writeAtomic(full string, data []byte) error {
	tmp, err := s.writeTemp(full, data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, full); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("publish %s: %w", full, err)
	}
	return nil
}

func (s *Store) writeTemp(full string, data []byte) (string, error) {
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return "", fmt.Errorf("create directory %s: %w", dir, err)
	}
	tmp := filepath.Join(dir, ".tmp-"+s.ids.MustNewID())
	if err := os.WriteFile(tmp, data, filePerm); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("write %s: %w", tmp, err)
	}
	return tmp, nil
}

// hidden reports temp, claim and lock files that are not records.
func hidden(base string) bool {
	return strings.HasPrefix(base, ".") || strings.HasSuffix(base, ".lock")
}
