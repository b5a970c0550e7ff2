package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-coordinator/internal/config"
	"github.com/JakeFAU/crawl-coordinator/internal/coordinator"
	"github.com/JakeFAU/crawl-coordinator/internal/crawl"
	"github.com/JakeFAU/crawl-coordinator/internal/status"
)

type fakeAdmin struct {
	started   []status.CrawlParams
	stopped   bool
	pushed    []string
	origin    string
	cleared   crawl.Timestamp
	closed    bool
	snapshots int
}

func (f *fakeAdmin) Snapshot(context.Context) (coordinator.Snapshot, error) {
	f.snapshots++
	return coordinator.Snapshot{Status: crawl.StatusRecord{CrawlTime: 1_700_000_000}}, nil
}

func (f *fakeAdmin) RequestStart(_ context.Context, p status.CrawlParams) (crawl.Timestamp, error) {
	f.started = append(f.started, p)
	return 1_700_000_000, nil
}

func (f *fakeAdmin) RequestStop(context.Context) error {
	f.stopped = true
	return nil
}

func (f *fakeAdmin) PushSchedule(_ context.Context, urls []string, origin string) (crawl.Timestamp, int, error) {
	f.pushed = append(f.pushed, urls...)
	f.origin = origin
	return 1_700_000_000, len(urls), nil
}

func (f *fakeAdmin) ClearArchiveCursor(_ context.Context, ts crawl.Timestamp) error {
	f.cleared = ts
	return nil
}

// The commands share package state through newAdmin, so these tests run
// sequentially.
func runCommand(t *testing.T, fake *fakeAdmin, stdin string, args ...string) (string, error) {
	t.Helper()
	prev := newAdmin
	newAdmin = func(context.Context, *config.Config, *zap.Logger) (Admin, func() error, error) {
		return fake, func() error {
			fake.closed = true
			return nil
		}, nil
	}
	t.Cleanup(func() { newAdmin = prev })

	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("storage:\n  backend: memory\nlease:\n  backend: memory\nlogging:\n  development: false\n"), 0o600))

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--config", cfgPath}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestStatusPrintsSnapshot(t *testing.T) {
	fake := &fakeAdmin{}
	out, err := runCommand(t, fake, "", "status")
	require.NoError(t, err)
	require.Equal(t, 1, fake.snapshots)
	require.True(t, fake.closed)
	require.Contains(t, out, `"crawl_time": 1700000000`)
}

func TestCrawlStartFromFlags(t *testing.T) {
	fake := &fakeAdmin{}
	out, err := runCommand(t, fake, "", "crawl", "start",
		"--seed", "https://a.example", "--seed", "https://b.example",
		"--description", "nightly", "--max-depth", "3")
	require.NoError(t, err)
	require.Contains(t, out, "crawl 1700000000 requested")
	require.Len(t, fake.started, 1)
	p := fake.started[0]
	require.Equal(t, crawl.CrawlTypeWeb, p.CrawlType)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, p.SeedSites)
	require.Equal(t, "nightly", p.Description)
	require.Equal(t, 3, p.MaxDepth)
}

func TestCrawlStartSeedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seeds.txt")
	require.NoError(t, os.WriteFile(path, []byte("https://a.example\n# skip\nhttps://b.example\n"), 0o600))

	fake := &fakeAdmin{}
	_, err := runCommand(t, fake, "", "crawl", "start", "--seed-file", path, "--classifier", "prices")
	require.NoError(t, err)
	require.Len(t, fake.started, 1)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, fake.started[0].SeedSites)
	require.Equal(t, []string{"prices"}, fake.started[0].Classifiers)
}

func TestCrawlStartParamsFileWithOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`crawl_type: archive
archive_type: WEB
archive_path: archives/2024
description: from file
page_range: 50
`), 0o600))

	fake := &fakeAdmin{}
	_, err := runCommand(t, fake, "", "crawl", "start", "--params", path, "--description", "override")
	require.NoError(t, err)
	require.Len(t, fake.started, 1)
	p := fake.started[0]
	require.Equal(t, crawl.CrawlTypeArchive, p.CrawlType)
	require.Equal(t, "archives/2024", p.ArchivePath)
	require.Equal(t, "override", p.Description)
	require.Equal(t, 50, p.PageRange)
}

func TestCrawlStartBadParamsFile(t *testing.T) {
	fake := &fakeAdmin{}
	_, err := runCommand(t, fake, "", "crawl", "start", "--params", filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read params file")
	require.Empty(t, fake.started)
}

func TestCrawlStopAndResetCursor(t *testing.T) {
	fake := &fakeAdmin{}
	_, err := runCommand(t, fake, "", "crawl", "stop")
	require.NoError(t, err)
	require.True(t, fake.stopped)

	_, err = runCommand(t, fake, "", "crawl", "reset-cursor", "1700000000")
	require.NoError(t, err)
	require.Equal(t, crawl.Timestamp(1_700_000_000), fake.cleared)
}

func TestSchedulePushFromArgsAndStdin(t *testing.T) {
	fake := &fakeAdmin{}
	stdin := "https://c.example\n\n# comment\n  https://d.example  \n"
	out, err := runCommand(t, fake, stdin, "schedule", "push", "https://a.example", "--file", "-", "--origin", "ops")
	require.NoError(t, err)
	require.Equal(t, []string{"https://a.example", "https://c.example", "https://d.example"}, fake.pushed)
	require.Equal(t, "ops", fake.origin)
	require.Contains(t, out, "pushed 3 urls")
}

func TestSchedulePushRequiresURLs(t *testing.T) {
	fake := &fakeAdmin{}
	_, err := runCommand(t, fake, "", "schedule", "push")
	require.ErrorContains(t, err, "no urls")
}

func TestInvalidConfigFails(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "absent.yaml"), "status"})
	require.ErrorContains(t, root.ExecuteContext(context.Background()), "load config")
}
