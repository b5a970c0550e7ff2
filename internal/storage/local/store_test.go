package local_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-coordinator/internal/crawl"
	"github.com/JakeFAU/crawl-coordinator/internal/storage/local"
)

func newStore(t *testing.T) *local.Store {
	t.Helper()
	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	return store
}

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: filepath.Join(t.TempDir(), "nested")})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestRecordStoreRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t)

	_, err := store.Get(ctx, crawl.StatusRecordName)
	require.ErrorIs(t, err, crawl.ErrNotFound)

	require.NoError(t, store.Put(ctx, crawl.StatusRecordName, []byte(`{"crawl_time":1}`)))
	require.NoError(t, store.Put(ctx, crawl.StatusRecordName, []byte(`{"crawl_time":2}`)))
	got, err := store.Get(ctx, crawl.StatusRecordName)
	require.NoError(t, err)
	assert.Equal(t, `{"crawl_time":2}`, string(got))

	mod, err := store.ModTime(ctx, crawl.StatusRecordName)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), mod, time.Minute)

	require.NoError(t, store.Delete(ctx, crawl.StatusRecordName))
	require.NoError(t, store.Delete(ctx, crawl.StatusRecordName))
	_, err = store.ModTime(ctx, crawl.StatusRecordName)
	require.ErrorIs(t, err, crawl.ErrNotFound)
}

func TestRecordStoreList(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.Put(ctx, crawl.ParamsName(200), []byte("b")))
	require.NoError(t, store.Put(ctx, crawl.ParamsName(100), []byte("a")))
	require.NoError(t, store.Put(ctx, "cache/Other/x", []byte("c")))

	names, err := store.List(ctx, crawl.IndexDataPrefix)
	require.NoError(t, err)
	assert.Equal(t, []string{crawl.ParamsName(100), crawl.ParamsName(200)}, names)

	names, err = store.List(ctx, "missing/dir/")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestRecordStoreRejectsTraversal(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	err := store.Put(context.Background(), "../escape.txt", []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path traversal")
}
