// Package gcs implements the coordinator storage interfaces on a Google Cloud
// Storage bucket so several coordinator replicas can share one installation.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/JakeFAU/crawl-coordinator/internal/crawl"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	// Prefix namespaces every object, e.g. "coordinator/prod".
	Prefix string
}

// Store is a crawl.RecordStore over bucket objects.
type Store struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed store.
func New(client *storage.Client, cfg Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (s *Store) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

func (s *Store) unkey(key string) string {
	if s.prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, s.prefix+"/")
}

func (s *Store) object(name string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.key(name))
}

// Get downloads the named record.
func (s *Store) Get(ctx context.Context, name string) ([]byte, error) {
	r, err := s.object(name).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, crawl.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open object %s: %w", name, err)
	}
	defer func() { _ = r.Close() }()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", name, err)
	}
	return data, nil
}

// Put uploads the named record, replacing any previous generation.
func (s *Store) Put(ctx context.Context, name string, data []byte) error {
	return s.write(ctx, s.object(name), data)
}

func (s *Store) write(ctx context.Context, obj *storage.ObjectHandle, data []byte) error {
	writer := obj.NewWriter(ctx)
	writer.ContentType = "application/octet-stream"
	if _, err := writer.Write(data); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("write object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("write object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

// Delete removes the named record if present.
func (s *Store) Delete(ctx context.Context, name string) error {
	err := s.object(name).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete object %s: %w", name, err)
	}
	return nil
}

// ModTime returns the object's last update time.
func (s *Store) ModTime(ctx context.Context, name string) (time.Time, error) {
	attrs, err := s.object(name).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return time.Time{}, crawl.ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("stat object %s: %w", name, err)
	}
	return attrs.Updated, nil
}

// List returns record names starting with prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	attrs, err := s.listAttrs(ctx, prefix)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(attrs))
	for _, a := range attrs {
		names = append(names, s.unkey(a.Name))
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) listAttrs(ctx context.Context, prefix string) ([]*storage.ObjectAttrs, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: s.key(prefix)})
	var out []*storage.ObjectAttrs
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list objects %s: %w", prefix, err)
		}
		out = append(out, attrs)
	}
	return out, nil
}

// isPreconditionFailed reports a lost generation race.
func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
