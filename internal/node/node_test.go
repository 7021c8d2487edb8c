package node

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

	"tempo/internal/aid"
	"tempo/internal/bus"
	"tempo/internal/ledger"
	"tempo/internal/queue"
	"tempo/internal/rhythm"
	"tempo/internal/runtime/supervisor"
	logx "tempo/pkg/logx"
)

// gate blocks executors until opened.
type gate struct {
	ch      chan struct{}
	once    sync.Once
	running atomic.Int32
	ran     sync.Map
	count   atomic.Int32
}

func newGate() *gate { return &gate{ch: make(chan struct{})} }

func (g *gate) open() { g.once.Do(func() { close(g.ch) }) }

func (g *gate) exec(ctx context.Context, t queue.Task) error {
	g.running.Add(1)
	defer g.running.Add(-1)
	<-g.ch
	g.ran.Store(t.ID, true)
	g.count.Add(1)
	return nil
}

func counting(n *atomic.Int32, seen *sync.Map) func(context.Context, queue.Task) error {
	return func(_ context.Context, t queue.Task) error {
		if _, dup := seen.LoadOrStore(t.ID, true); dup {
			return fmt.Errorf("task %s executed twice", t.ID)
		}
		n.Add(1)
		return nil
	}
}

func baseConfig(id string) Config {
	return Config{
		ID:            id,
		Capabilities:  []string{"schedule", "recover"},
		Version:       "test",
		MaxQueue:      10,
		MaxConcurrent: 1,
		Aid:           aid.Config{RequestInterval: -1},
	}
}

func startNode(t *testing.T, cfg Config, b bus.Bus, opts ...Option) *Node {
	t.Helper()
	n, err := New(cfg, b, logx.Nop(), opts...)
	require.NoError(t, err)
	sup := supervisor.New(context.Background())
	require.NoError(t, n.Start(context.Background(), sup))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = n.Stop(ctx)
		_ = sup.Stop(ctx)
	})
	return n
}

func events(l *ledger.Ledger, name string) []ledger.Entry {
	var out []ledger.Entry
	for _, e := range l.Entries(0) {
		if e.Event == name {
			out = append(out, e)
		}
	}
	return out
}

func TestParseKindIsClosed(t *testing.T) {
	for _, s := range []string{"schedule", "synchronize", "recover", "evolve", "system_metrics", "task_batch",
		"help_request", "help_accepted", "help_release", "status_check", "pulse"} {
		k, ok := ParseKind(s)
		assert.True(t, ok, s)
		assert.Equal(t, Kind(s), k)
	}
	_, ok := ParseKind("reticulate_splines")
	assert.False(t, ok)
	assert.True(t, KindRecover.Enqueues())
	assert.False(t, KindPulse.Enqueues())
}

func TestAdmissionQueueFull(t *testing.T) {
	g := newGate()
	defer g.open()
	cfg := baseConfig("alpha")
	cfg.MaxQueue = 1
	n := startNode(t, cfg, bus.NewMemory(), WithExecutor(g.exec))
	ctx := context.Background()

	_, err := n.Enqueue(ctx, queue.Task{ID: "running", Kind: "schedule"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return g.running.Load() == 1 }, time.Second, 5*time.Millisecond)

	_, err = n.Enqueue(ctx, queue.Task{ID: "A", Kind: "schedule"})
	require.NoError(t, err)
	_, err = n.Enqueue(ctx, queue.Task{ID: "B", Kind: "schedule"})

	var rej *queue.RejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, queue.ReasonQueueFull, rej.Reason)
	assert.ErrorIs(t, err, queue.ErrQueueFull)
	assert.Equal(t, 1, n.QueueLen())

	var fullRequests int
	for _, e := range events(n.Ledger(), ledger.HelpRequested) {
		if e.Data["reason"] == "queue_full" {
			fullRequests++
		}
	}
	assert.Equal(t, 1, fullRequests)
}

func TestAdmissionDuplicate(t *testing.T) {
	g := newGate()
	defer g.open()
	n := startNode(t, baseConfig("alpha"), bus.NewMemory(), WithExecutor(g.exec))
	ctx := context.Background()

	_, err := n.Enqueue(ctx, queue.Task{ID: "busy", Kind: "recover"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return g.running.Load() == 1 }, time.Second, 5*time.Millisecond)

	before := n.QueueLen()
	id, err := n.Enqueue(ctx, queue.Task{ID: "x", Kind: "recover"})
	require.NoError(t, err)
	assert.Equal(t, "x", id)
	_, err = n.Enqueue(ctx, queue.Task{ID: "x", Kind: "recover"})
	assert.ErrorIs(t, err, queue.ErrDuplicate)
	assert.Equal(t, before+1, n.QueueLen())
}

func TestAllTasksProcessedOnce(t *testing.T) {
	var n atomic.Int32
	var seen sync.Map
	cfg := baseConfig("alpha")
	cfg.MaxQueue = 100
	cfg.MaxConcurrent = 5
	nd := startNode(t, cfg, bus.NewMemory(), WithExecutor(counting(&n, &seen)))

	for i := 0; i < 100; i++ {
		_, err := nd.Enqueue(context.Background(), queue.Task{ID: fmt.Sprintf("t%03d", i), Kind: "schedule"})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return n.Load() == 100 }, 2*time.Second, 5*time.Millisecond)
	_, failed := nd.Dispatcher().Counters()
	assert.Zero(t, failed)
}

func TestHandleMessageKinds(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemory()
	var ran atomic.Int32
	var seen sync.Map
	cfg := baseConfig("alpha")
	cfg.MaxConcurrent = 5
	n := startNode(t, cfg, b, WithExecutor(counting(&ran, &seen)))

	t.Run("unknown kind is acknowledged", func(t *testing.T) {
		r, err := n.HandleMessage(ctx, bus.Message{From: "x", Type: "reticulate_splines"})
		require.NoError(t, err)
		assert.Equal(t, StatusAcknowledged, r.Status)
	})

	t.Run("schedule enqueues", func(t *testing.T) {
		m, err := bus.NewMessage("client", "alpha", "schedule", map[string]any{"id": "job-1", "what": "compact"})
		require.NoError(t, err)
		r, err := b.Send(ctx, m)
		require.NoError(t, err)
		assert.Equal(t, StatusAccepted, r.Status)
		var ack TaskAck
		require.NoError(t, r.Decode(&ack))
		assert.Equal(t, "job-1", ack.ID)
		require.Eventually(t, func() bool { _, ok := seen.Load("job-1"); return ok }, time.Second, 5*time.Millisecond)
	})

	t.Run("status check", func(t *testing.T) {
		m, err := bus.NewMessage("client", "alpha", "status_check", nil)
		require.NoError(t, err)
		r, err := b.Send(ctx, m)
		require.NoError(t, err)
		var st Status
		require.NoError(t, r.Decode(&st))
		assert.Equal(t, "alpha", st.NodeID)
		assert.Equal(t, 10, st.MaxQueue)
		assert.Equal(t, 1, st.MaxConcurrent)
		assert.Equal(t, "idle", st.AidState)
		assert.NotNil(t, st.RhythmFailures)
		assert.Positive(t, st.LedgerSize)
	})

	t.Run("pulse tracks peers", func(t *testing.T) {
		m, err := bus.NewMessage("beta", bus.Everyone, "pulse", map[string]any{"timestamp": time.Now(), "version": "9.9"})
		require.NoError(t, err)
		require.NoError(t, b.Broadcast(ctx, m))
		b.Wait()
		peers := n.Peers()
		require.Len(t, peers, 1)
		assert.Equal(t, "9.9", peers[0].Version)
	})
}

func TestHelpRequestDeclines(t *testing.T) {
	ctx := context.Background()
	g := newGate()
	defer g.open()

	cfg := baseConfig("beta")
	cfg.MaxQueue = 2
	busy := startNode(t, cfg, bus.NewMemory(), WithExecutor(g.exec))

	req := func(caps ...string) bus.Message {
		m, err := bus.NewMessage("alpha", bus.Everyone, "help_request", aid.Request{Reason: "queue_full", Capabilities: caps})
		require.NoError(t, err)
		return m
	}
	decision := func(r bus.Reply) aid.Decision {
		var d aid.Decision
		require.NoError(t, r.Decode(&d))
		return d
	}

	r, err := busy.HandleMessage(ctx, req("render"))
	require.NoError(t, err)
	assert.Equal(t, StatusDeclined, r.Status)
	assert.Equal(t, aid.DeclineIncompatible, decision(r).Reason)

	// One running, two queued: queue load 1.0.
	for i := 0; i < 3; i++ {
		_, err := busy.Enqueue(ctx, queue.Task{Kind: "schedule"})
		require.NoError(t, err)
	}
	require.True(t, busy.Snapshot().IsOverloaded)
	r, err = busy.HandleMessage(ctx, req("schedule"))
	require.NoError(t, err)
	assert.Equal(t, aid.DeclineAlsoBusy, decision(r).Reason)
}

func TestMutualAidEndToEnd(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemory()

	g := newGate()
	defer g.open()
	alpha := startNode(t, baseConfig("alpha"), b, WithExecutor(g.exec))

	// Alone on the bus: one task runs, ten wait, the rest are turned away.
	accepted := 0
	for i := 0; i < 12; i++ {
		if _, err := alpha.Enqueue(ctx, queue.Task{ID: fmt.Sprintf("a%02d", i), Kind: "schedule"}); err == nil {
			accepted++
		}
	}
	b.Wait()
	require.Equal(t, 11, accepted)
	require.Equal(t, 10, alpha.QueueLen())
	assert.Equal(t, "requesting_help", alpha.Status().AidState)
	assert.Empty(t, alpha.Aid().Helpers())

	var helped atomic.Int32
	var seen sync.Map
	betaCfg := baseConfig("beta")
	betaCfg.MaxQueue = 100
	betaCfg.MaxConcurrent = 5
	beta := startNode(t, betaCfg, b, WithExecutor(counting(&helped, &seen)))

	// Another rejection broadcasts again; beta accepts and receives the queue.
	_, err := alpha.Enqueue(ctx, queue.Task{ID: "late", Kind: "schedule"})
	require.ErrorIs(t, err, queue.ErrQueueFull)
	b.Wait()

	assert.Equal(t, []string{"beta"}, alpha.Aid().Helpers())
	assert.Equal(t, "assisted", alpha.Status().AidState)
	assert.Empty(t, beta.Aid().Helpers())
	assert.Zero(t, alpha.QueueLen())
	assert.Len(t, events(alpha.Ledger(), ledger.TasksDistributed), 1)

	require.Eventually(t, func() bool { return helped.Load() == 10 }, 2*time.Second, 5*time.Millisecond)
	g.open()
	require.Eventually(t, func() bool { return g.count.Load() == 1 }, time.Second, 5*time.Millisecond)
	_, ranOnAlpha := g.ran.Load("a00")
	assert.True(t, ranOnAlpha)
	_, ranOnBeta := seen.Load("a00")
	assert.False(t, ranOnBeta)

	require.Eventually(t, func() bool { return alpha.Processing() == 0 }, time.Second, 5*time.Millisecond)
	released := alpha.Aid().ReleaseIdle(ctx)
	assert.Equal(t, []string{"beta"}, released)
	assert.Empty(t, alpha.Aid().Helpers())
	assert.Len(t, events(beta.Ledger(), ledger.ReleaseReceived), 1)
}

func TestRoutedExecution(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemory()

	var got sync.Map
	require.NoError(t, b.Register(ctx, "worker", func(_ context.Context, m bus.Message) (bus.Reply, error) {
		var task queue.Task
		require.NoError(t, m.Decode(&task))
		got.Store(task.ID, m.Type)
		if task.ID == "bad" {
			return bus.NewReply(StatusError, map[string]string{"error": "cannot do that"})
		}
		return bus.Reply{Status: StatusOK}, nil
	}, bus.Metadata{Type: "worker"}))

	cfg := baseConfig("alpha")
	cfg.Routes = map[string]string{"schedule": "worker"}
	n := startNode(t, cfg, b)

	for _, tk := range []queue.Task{{ID: "good", Kind: "schedule"}, {ID: "bad", Kind: "schedule"}, {ID: "lost", Kind: "recover"}} {
		_, err := n.Enqueue(ctx, tk)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		c, f := n.Dispatcher().Counters()
		return c == 1 && f == 2
	}, time.Second, 5*time.Millisecond)

	typ, ok := got.Load("good")
	require.True(t, ok)
	assert.Equal(t, TypeExecute, typ)

	var noRoute bool
	for _, e := range events(n.Ledger(), ledger.TaskFailed) {
		if e.Data["id"] == "lost" {
			noRoute = true
			assert.Contains(t, e.Data["error"], "no route")
		}
	}
	assert.True(t, noRoute)
}

type manualTimers struct {
	mu sync.Mutex
	fs []func()
	ds []time.Duration
}

type noopStop struct{ stopped bool }

func (s *noopStop) Stop() bool { s.stopped = true; return false }

func (m *manualTimers) after(d time.Duration, f func()) rhythm.Stopper {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fs = append(m.fs, f)
	m.ds = append(m.ds, d)
	return &noopStop{}
}

func (m *manualTimers) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fs)
}

func (m *manualTimers) fire(i int) {
	m.mu.Lock()
	f := m.fs[i]
	m.mu.Unlock()
	f()
}

func TestRhythmEscalatesToPlanner(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemory()

	escalations := make(chan bus.Message, 4)
	require.NoError(t, b.Register(ctx, "planner", func(_ context.Context, m bus.Message) (bus.Reply, error) {
		escalations <- m
		return bus.Reply{Status: StatusOK}, nil
	}, bus.Metadata{Type: "planner"}))

	timers := &manualTimers{}
	cfg := baseConfig("alpha")
	cfg.Planner = "planner"
	n, err := New(cfg, b, logx.Nop(), WithRhythmOptions(rhythm.WithAfterFunc(timers.after)))
	require.NoError(t, err)
	n.RegisterAction("consolidate", func(context.Context) error { return errors.New("memory store offline") })
	require.NoError(t, n.AddRhythm(RhythmDef{Name: "consolidate", Schedule: "0 3 * * *"}))

	require.NoError(t, n.Rhythms().Trigger("consolidate"))
	require.Eventually(t, func() bool { return timers.len() == 1 }, time.Second, time.Millisecond)
	timers.fire(0)
	timers.fire(1)
	timers.fire(2)
	assert.Equal(t, []time.Duration{5 * time.Second, 15 * time.Second, 60 * time.Second}, timers.ds)

	select {
	case m := <-escalations:
		assert.Equal(t, TypeEscalation, m.Type)
		var e rhythm.Escalation
		require.NoError(t, m.Decode(&e))
		assert.Equal(t, "consolidate", e.RhythmName)
		assert.Equal(t, 3, e.FailureCount)
		assert.Equal(t, "memory store offline", e.LastError)
		assert.Equal(t, "high", e.Priority)
	case <-time.After(time.Second):
		t.Fatal("no escalation delivered")
	}
	assert.Len(t, escalations, 0)
	assert.Equal(t, 3, timers.len())
}

func TestRemoteRhythmAction(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemory()
	calls := make(chan RhythmRequest, 1)
	require.NoError(t, b.Register(ctx, "memory", func(_ context.Context, m bus.Message) (bus.Reply, error) {
		var req RhythmRequest
		require.NoError(t, m.Decode(&req))
		calls <- req
		return bus.Reply{Status: StatusOK}, nil
	}, bus.Metadata{}))

	n, err := New(baseConfig("alpha"), b, logx.Nop())
	require.NoError(t, err)
	assert.Error(t, n.AddRhythm(RhythmDef{Name: "orphan", Schedule: "@daily"}))
	require.NoError(t, n.AddRhythm(RhythmDef{Name: "dream", Schedule: "@daily", Action: "consolidate", Target: "memory"}))
	require.NoError(t, n.Rhythms().Trigger("dream"))

	select {
	case req := <-calls:
		assert.Equal(t, RhythmRequest{Rhythm: "dream", Action: "consolidate"}, req)
	case <-time.After(time.Second):
		t.Fatal("remote action not invoked")
	}
}

func TestLoadSignalTunesAndPauses(t *testing.T) {
	ctx := context.Background()
	n := startNode(t, baseConfig("alpha"), bus.NewMemory())
	noop := func(context.Context) error { return nil }
	n.RegisterAction("noop", noop)
	require.NoError(t, n.AddRhythm(RhythmDef{Name: "optimize", Schedule: "0 * * * *", Action: "noop", Adaptive: true}))
	require.NoError(t, n.AddRhythm(RhythmDef{Name: "pulse-report", Schedule: "*/5 * * * *", Action: "noop", Essential: true}))

	m, err := bus.NewMessage("planner", "alpha", "system_metrics", map[string]any{"avgLoad": 0.92, "mode": "pause"})
	require.NoError(t, err)
	r, err := n.HandleMessage(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, StatusTuned, r.Status)

	var res TuneResult
	require.NoError(t, r.Decode(&res))
	assert.Equal(t, []string{"optimize"}, res.Retuned)
	assert.Equal(t, []string{"optimize"}, res.Paused)
	assert.Equal(t, rhythm.DefaultHighSpec, n.Rhythms().Snapshot()[0].Spec)

	m, err = bus.NewMessage("planner", "alpha", "evolve", map[string]any{"mode": "resume"})
	require.NoError(t, err)
	r, err = n.HandleMessage(ctx, m)
	require.NoError(t, err)
	require.NoError(t, r.Decode(&res))
	assert.Equal(t, []string{"optimize"}, res.Resumed)
}

func TestStopReleasesHelpersAndRejects(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemory()
	releases := make(chan string, 2)
	require.NoError(t, b.Register(ctx, "beta", func(_ context.Context, m bus.Message) (bus.Reply, error) {
		if m.Type == aid.TypeHelpRelease {
			releases <- m.From
		}
		return bus.Reply{Status: StatusOK}, nil
	}, bus.Metadata{}))

	n, err := New(baseConfig("alpha"), b, logx.Nop(), WithExecutor(func(context.Context, queue.Task) error { return nil }))
	require.NoError(t, err)
	require.NoError(t, n.Start(ctx, nil))
	require.NoError(t, n.Aid().OnHelpAccepted(ctx, "beta"))

	require.NoError(t, n.Stop(ctx))
	assert.Equal(t, "alpha", <-releases)
	_, err = n.Enqueue(ctx, queue.Task{Kind: "schedule"})
	assert.ErrorIs(t, err, ErrStopped)

	r, err := n.HandleMessage(ctx, bus.Message{From: "x", Type: "schedule"})
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, r.Status)
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{}, bus.NewMemory(), logx.Nop())
	assert.Error(t, err)
	_, err = New(Config{ID: "*"}, bus.NewMemory(), logx.Nop())
	assert.Error(t, err)
	_, err = New(Config{ID: "a"}, nil, logx.Nop())
	assert.Error(t, err)
}
