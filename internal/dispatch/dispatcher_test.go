package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tempo/internal/ledger"
	"tempo/internal/queue"
	logx "tempo/pkg/logx"
)

func pushN(t *testing.T, q *queue.Queue, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := q.Push(queue.Task{ID: fmt.Sprintf("t%d", i), Kind: "schedule"})
		require.NoError(t, err)
	}
}

func TestDrainNeverExceedsCap(t *testing.T) {
	q := queue.New(10)
	pushN(t, q, 5)

	release := make(chan struct{})
	var running, peak atomic.Int32
	exec := func(ctx context.Context, _ queue.Task) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return nil
	}

	d := New(q, exec, 2, ledger.New(0), logx.Nop())
	d.Drain(context.Background())

	require.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, 5*time.Millisecond)
	for i := 0; i < 20; i++ {
		assert.LessOrEqual(t, d.Processing(), 2)
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, 3, q.Len())

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.Eventually(t, func() bool { c, _ := d.Counters(); return c == 5 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, d.Wait(ctx))

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, 0, d.Processing())
	assert.Equal(t, 0, q.Len())
}

func TestDrainProcessesEveryTaskOnce(t *testing.T) {
	const n = 50
	q := queue.New(n)
	pushN(t, q, n)

	var mu sync.Mutex
	seen := map[string]int{}
	exec := func(ctx context.Context, tk queue.Task) error {
		mu.Lock()
		seen[tk.ID]++
		mu.Unlock()
		return nil
	}

	led := ledger.New(0)
	d := New(q, exec, 5, led, logx.Nop())
	d.Drain(context.Background())

	require.Eventually(t, func() bool { c, _ := d.Counters(); return c == n }, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, n)
	for id, c := range seen {
		assert.Equalf(t, 1, c, "task %s ran %d times", id, c)
	}

	completed := 0
	for _, e := range led.Entries(0) {
		if e.Event == ledger.TaskCompleted {
			completed++
		}
	}
	assert.Equal(t, n, completed)
}

func TestFailuresAndPanicsAreIsolated(t *testing.T) {
	q := queue.New(10)
	_, _ = q.Push(queue.Task{ID: "boom", Kind: "recover"})
	_, _ = q.Push(queue.Task{ID: "bad", Kind: "recover"})
	_, _ = q.Push(queue.Task{ID: "ok", Kind: "recover"})

	exec := func(ctx context.Context, tk queue.Task) error {
		switch tk.ID {
		case "boom":
			panic("kaboom")
		case "bad":
			return errors.New("nope")
		}
		return nil
	}
	led := ledger.New(0)
	d := New(q, exec, 1, led, logx.Nop())
	d.Drain(context.Background())

	require.Eventually(t, func() bool {
		c, f := d.Counters()
		return c == 1 && f == 2
	}, time.Second, 5*time.Millisecond)

	var failed []string
	for _, e := range led.Entries(0) {
		if e.Event == ledger.TaskFailed {
			failed = append(failed, e.Data["id"].(string))
			assert.NotEmpty(t, e.Data["error"])
		}
	}
	assert.ElementsMatch(t, []string{"boom", "bad"}, failed)
}

func TestStopPreventsNewStarts(t *testing.T) {
	q := queue.New(10)
	pushN(t, q, 3)

	var ran atomic.Int32
	d := New(q, func(ctx context.Context, _ queue.Task) error { ran.Add(1); return nil }, 2, ledger.New(0), logx.Nop())
	d.Stop()
	d.Drain(context.Background())

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, ran.Load())
	assert.Equal(t, 3, q.Len())
}

func TestOnDrainedRunsAfterEachCycle(t *testing.T) {
	q := queue.New(10)
	pushN(t, q, 2)

	var calls atomic.Int32
	d := New(q, func(ctx context.Context, _ queue.Task) error { return nil }, 5, ledger.New(0), logx.Nop())
	d.OnDrained(func(context.Context) { calls.Add(1) })
	d.Drain(context.Background())

	// One explicit drain plus one re-drain per completion.
	require.Eventually(t, func() bool { return calls.Load() == 3 }, time.Second, 5*time.Millisecond)
}

func TestTasksSurviveCallerCancellation(t *testing.T) {
	q := queue.New(10)
	pushN(t, q, 1)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	result := make(chan error, 1)
	d := New(q, func(taskCtx context.Context, _ queue.Task) error {
		close(started)
		time.Sleep(10 * time.Millisecond)
		result <- taskCtx.Err()
		return nil
	}, 1, ledger.New(0), logx.Nop())

	d.Drain(ctx)
	<-started
	cancel()
	assert.NoError(t, <-result)
}
