package gcs

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = New(client, Config{})
	require.Error(t, err)

	s, err := New(client, Config{Bucket: "b", Prefix: "/coord/prod/"})
	require.NoError(t, err)
	assert.Equal(t, "coord/prod/schedules/crawl_status.txt", s.key("schedules/crawl_status.txt"))
	assert.Equal(t, "schedules/crawl_status.txt", s.unkey("coord/prod/schedules/crawl_status.txt"))
}

func TestKeyWithoutPrefix(t *testing.T) {
	t.Parallel()

	s := &Store{bucket: "b"}
	assert.Equal(t, "schedules/x", s.key("schedules/x"))
	assert.Equal(t, "schedules/x", s.unkey("schedules/x"))
}

func TestIsPreconditionFailed(t *testing.T) {
	t.Parallel()

	assert.True(t, isPreconditionFailed(&googleapi.Error{Code: http.StatusPreconditionFailed}))
	assert.False(t, isPreconditionFailed(&googleapi.Error{Code: http.StatusNotFound}))
	assert.False(t, isPreconditionFailed(errors.New("boom")))
	assert.False(t, isPreconditionFailed(nil))
}
