// Package dispatcher runs the coordinator's periodic background tasks.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task is one periodic job. Run is called once at start and then every
// Interval until the dispatcher's context ends.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Dispatcher fans out tasks to one goroutine each.
type Dispatcher struct {
	tasks  []Task
	logger *zap.Logger
}

// New creates a Dispatcher.
func New(logger *zap.Logger, tasks ...Task) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{tasks: tasks, logger: logger}
}

// Add registers another task. It must be called before Run.
func (d *Dispatcher) Add(t Task) {
	d.tasks = append(d.tasks, t)
}

// Tasks lists the registered task names.
func (d *Dispatcher) Tasks() []string {
	out := make([]string, len(d.tasks))
	for i, t := range d.tasks {
		out[i] = t.Name
	}
	return out
}

// Run starts all tasks and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, t := range d.tasks {
		if t.Run == nil || t.Interval <= 0 {
			d.logger.Warn("skipping task without schedule", zap.String("task", t.Name))
			continue
		}
		wg.Add(1)
		go func(t Task) {
			defer wg.Done()
			d.loop(ctx, t)
		}(t)
	}
	<-ctx.Done()
	wg.Wait()
}

func (d *Dispatcher) loop(ctx context.Context, t Task) {
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		d.runOnce(ctx, t)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) runOnce(ctx context.Context, t Task) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("task panicked", zap.String("task", t.Name), zap.Any("panic", rec))
		}
	}()
	if err := t.Run(ctx); err != nil && ctx.Err() == nil {
		d.logger.Error("task failed", zap.String("task", t.Name), zap.Error(err))
	}
}
