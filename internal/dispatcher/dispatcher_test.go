// Package dispatcher contains tests for background task scheduling.
package dispatcher

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// TestDispatcherRunsTasksUntilCancel ensures tasks repeat and stop on cancel.
func TestDispatcherRunsTasksUntilCancel(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	d := New(zap.NewNop(), Task{
		Name:     "count",
		Interval: 5 * time.Millisecond,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

// TestDispatcherLogsFailuresAndPanics verifies a failing task keeps running.
func TestDispatcherLogsFailuresAndPanics(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.ErrorLevel)
	var runs atomic.Int32
	d := New(zap.New(core))
	d.Add(Task{
		Name:     "flaky",
		Interval: 5 * time.Millisecond,
		Run: func(context.Context) error {
			if runs.Add(1)%2 == 0 {
				panic("boom")
			}
			return errors.New("storage down")
		},
	})
	d.Add(Task{Name: "unscheduled"})
	require.Equal(t, []string{"flaky", "unscheduled"}, d.Tasks())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	require.Eventually(t, func() bool {
		return logs.FilterMessage("task failed").Len() > 0 && logs.FilterMessage("task panicked").Len() > 0
	}, time.Second, 5*time.Millisecond)
}
