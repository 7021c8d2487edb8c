// Package dispatch drains the work queue under a concurrency cap.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"tempo/internal/ledger"
	"tempo/internal/queue"
	logx "tempo/pkg/logx"
)

// DefaultMaxConcurrent is the concurrency cap when none is configured.
const DefaultMaxConcurrent = 5

// ErrNoExecutor is reported for tasks drained before an executor is installed.
var ErrNoExecutor = errors.New("dispatch: no executor")

// Executor runs a single task. Returning an error marks the task failed; it is
// never retried by the dispatcher.
type Executor func(ctx context.Context, t queue.Task) error

// Dispatcher pops tasks FIFO and runs up to max of them at once, each on its own
// goroutine. Every completion re-invokes Drain.
type Dispatcher struct {
	mu         sync.Mutex
	max        int
	processing int
	stopped    bool

	q         *queue.Queue
	exec      Executor
	led       *ledger.Ledger
	log       logx.Logger
	onDrained func(ctx context.Context)

	completed atomic.Uint64
	failed    atomic.Uint64

	wg sync.WaitGroup
}

func New(q *queue.Queue, exec Executor, maxConcurrent int, led *ledger.Ledger, log logx.Logger) *Dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		max:  maxConcurrent,
		q:    q,
		exec: exec,
		led:  led,
		log:  log,
	}
}

// OnDrained installs a hook that runs after every drain cycle, outside any lock.
func (d *Dispatcher) OnDrained(fn func(ctx context.Context)) {
	d.mu.Lock()
	d.onDrained = fn
	d.mu.Unlock()
}

// SetExecutor replaces the executor used for tasks started from now on.
func (d *Dispatcher) SetExecutor(exec Executor) {
	d.mu.Lock()
	d.exec = exec
	d.mu.Unlock()
}

func (d *Dispatcher) MaxConcurrent() int { return d.max }

// Processing returns the number of tasks currently executing.
func (d *Dispatcher) Processing() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.processing
}

// Available returns how many more tasks could start right now.
func (d *Dispatcher) Available() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.max - d.processing
}

// Counters returns the number of completed and failed tasks so far.
func (d *Dispatcher) Counters() (completed, failed uint64) {
	return d.completed.Load(), d.failed.Load()
}

// Drain starts queued tasks until the cap is reached or the queue is empty.
// It never waits for task completion.
func (d *Dispatcher) Drain(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	// Tasks outlive the caller: shutdown stops intake, it does not abort work.
	runCtx := context.WithoutCancel(ctx)

	d.mu.Lock()
	for !d.stopped && d.processing < d.max {
		t, ok := d.q.Pop()
		if !ok {
			break
		}
		d.processing++
		d.wg.Add(1)
		go d.run(runCtx, t, d.exec)
	}
	hook := d.onDrained
	d.mu.Unlock()

	if hook != nil {
		hook(ctx)
	}
}

func (d *Dispatcher) run(ctx context.Context, t queue.Task, exec Executor) {
	defer d.wg.Done()

	start := time.Now()
	queueDelay := time.Duration(0)
	if !t.EnqueuedAt.IsZero() {
		queueDelay = start.Sub(t.EnqueuedAt)
	}
	d.log.Debug("task started", logx.String("task", t.ID), logx.String("kind", t.Kind), logx.Duration("queue_delay", queueDelay))

	var err error
	func() {
		// One bad task must not take the dispatcher down with it.
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				d.log.Error("task panicked", logx.String("task", t.ID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		if exec == nil {
			err = ErrNoExecutor
			return
		}
		err = exec(ctx, t)
	}()
	dur := time.Since(start)

	d.mu.Lock()
	d.processing--
	d.mu.Unlock()

	data := map[string]any{"id": t.ID, "kind": t.Kind, "duration_ms": dur.Milliseconds()}
	if err != nil {
		d.failed.Add(1)
		data["error"] = err.Error()
		d.led.Record(ledger.TaskFailed, data)
		d.log.Warn("task failed", logx.String("task", t.ID), logx.String("kind", t.Kind), logx.Any("err", err), logx.Duration("dur", dur))
	} else {
		d.completed.Add(1)
		d.led.Record(ledger.TaskCompleted, data)
		if dur >= 750*time.Millisecond {
			d.log.Info("task completed", logx.String("task", t.ID), logx.String("kind", t.Kind), logx.Duration("dur", dur))
		} else {
			d.log.Debug("task completed", logx.String("task", t.ID), logx.String("kind", t.Kind), logx.Duration("dur", dur))
		}
	}

	d.Drain(ctx)
}

// Stop prevents new tasks from starting. In-flight tasks keep running.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
}

// Wait blocks until every started task has finished or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
