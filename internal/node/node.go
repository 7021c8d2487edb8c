// Package node assembles one scheduler node: admission, dispatch, mutual aid,
// rhythms and watchdogs behind a single message entry point.
package node

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tempo/internal/aid"
	"tempo/internal/bus"
	"tempo/internal/dispatch"
	"tempo/internal/ledger"
	"tempo/internal/load"
	"tempo/internal/queue"
	"tempo/internal/rhythm"
	"tempo/internal/runtime/supervisor"
	"tempo/internal/watchdog"
	logx "tempo/pkg/logx"
)

var (
	ErrStopped = errors.New("node: stopped")
	ErrNoRoute = errors.New("node: no route for task kind")
)

// DefaultType is the metadata type a node registers with.
const DefaultType = "scheduler"

type Config struct {
	ID           string
	Type         string
	Capabilities []string
	Version      string
	// Planner receives rhythm escalations. Empty keeps them local.
	Planner string

	MaxQueue      int
	MaxConcurrent int
	LedgerSize    int

	Aid      aid.Config
	Watchdog watchdog.Config
	Rhythm   rhythm.Config

	// Routes maps task kinds to the node that executes them. "*" matches any
	// kind without its own route.
	Routes map[string]string
}

type Node struct {
	cfg Config
	log logx.Logger

	bus     bus.Bus
	led     *ledger.Ledger
	queue   *queue.Queue
	disp    *dispatch.Dispatcher
	aid     *aid.Protocol
	rhythms *rhythm.Scheduler
	wd      *watchdog.Watchdog

	missed     bus.MissedStore
	executor   dispatch.Executor
	rhythmOpts []rhythm.Option

	mu      sync.Mutex
	routes  map[string]string
	actions map[string]rhythm.Action
	peers   map[string]Peer
	started bool
	stopped bool
}

// Peer is what the node last heard from another node's pulse.
type Peer struct {
	ID       string    `json:"id"`
	Version  string    `json:"version"`
	LastSeen time.Time `json:"lastSeen"`
}

type Option func(*Node)

// WithExecutor replaces route-based task execution.
func WithExecutor(exec dispatch.Executor) Option {
	return func(n *Node) { n.executor = exec }
}

// WithMissedStore enables the recovery loop.
func WithMissedStore(s bus.MissedStore) Option {
	return func(n *Node) { n.missed = s }
}

// WithLedger shares an existing ledger.
func WithLedger(l *ledger.Ledger) Option {
	return func(n *Node) { n.led = l }
}

// WithRhythmOptions forwards options to the rhythm scheduler.
func WithRhythmOptions(opts ...rhythm.Option) Option {
	return func(n *Node) { n.rhythmOpts = append(n.rhythmOpts, opts...) }
}

func New(cfg Config, b bus.Bus, log logx.Logger, opts ...Option) (*Node, error) {
	cfg.ID = strings.TrimSpace(cfg.ID)
	if cfg.ID == "" || cfg.ID == bus.Everyone {
		return nil, fmt.Errorf("node: invalid id %q", cfg.ID)
	}
	if b == nil {
		return nil, errors.New("node: bus required")
	}
	if cfg.Type == "" {
		cfg.Type = DefaultType
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	n := &Node{
		cfg:     cfg,
		log:     log.With(logx.String("node", cfg.ID)),
		bus:     b,
		routes:  map[string]string{},
		actions: map[string]rhythm.Action{},
		peers:   map[string]Peer{},
	}
	for k, v := range cfg.Routes {
		n.routes[k] = v
	}
	for _, o := range opts {
		if o != nil {
			o(n)
		}
	}
	if n.led == nil {
		n.led = ledger.New(cfg.LedgerSize)
	}
	if n.executor == nil {
		n.executor = n.route
	}

	n.queue = queue.New(cfg.MaxQueue)
	n.disp = dispatch.New(n.queue, n.executor, cfg.MaxConcurrent, n.led, n.log.With(logx.String("comp", "dispatch")))
	n.disp.OnDrained(n.afterDrain)

	aidCfg := cfg.Aid
	aidCfg.Self = cfg.ID
	aidCfg.Capabilities = cfg.Capabilities
	n.aid = aid.New(aidCfg, n.queue, n, b, n.led, n.log)

	ropts := append([]rhythm.Option{rhythm.WithEscalator(n.escalate)}, n.rhythmOpts...)
	n.rhythms = rhythm.New(cfg.Rhythm, n.led, n.log, ropts...)

	wdCfg := cfg.Watchdog
	wdCfg.Self = cfg.ID
	wdCfg.Version = cfg.Version
	n.wd = watchdog.New(wdCfg, b, n.missed, n.HandleMessage, n.aid, n.led, n.log)
	return n, nil
}

func (n *Node) ID() string                       { return n.cfg.ID }
func (n *Node) Ledger() *ledger.Ledger           { return n.led }
func (n *Node) Aid() *aid.Protocol               { return n.aid }
func (n *Node) Rhythms() *rhythm.Scheduler       { return n.rhythms }
func (n *Node) Watchdog() *watchdog.Watchdog     { return n.wd }
func (n *Node) Dispatcher() *dispatch.Dispatcher { return n.disp }

// Snapshot computes the current load.
func (n *Node) Snapshot() load.Snapshot {
	return load.Compute(n.queue.Len(), n.queue.Max(), n.disp.Processing(), n.disp.MaxConcurrent())
}

func (n *Node) Processing() int    { return n.disp.Processing() }
func (n *Node) MaxConcurrent() int { return n.disp.MaxConcurrent() }
func (n *Node) QueueLen() int      { return n.queue.Len() }
func (n *Node) HelperCount() int   { return len(n.aid.Helpers()) }

// Start registers the node on the bus, subscribes to broadcasts and starts the
// rhythm scheduler and the watchdog loops under sup.
func (n *Node) Start(ctx context.Context, sup *supervisor.Supervisor) error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return nil
	}
	n.started = true
	n.mu.Unlock()

	meta := bus.Metadata{Type: n.cfg.Type, Capabilities: n.cfg.Capabilities}
	if err := n.bus.Register(ctx, n.cfg.ID, n.HandleMessage, meta); err != nil {
		return fmt.Errorf("register %s: %w", n.cfg.ID, err)
	}
	for _, k := range broadcastKinds {
		if err := n.bus.Subscribe(ctx, n.cfg.ID, string(k)); err != nil {
			return fmt.Errorf("subscribe %s: %w", k, err)
		}
	}
	if err := n.rhythms.Start(ctx); err != nil {
		n.log.Warn("some rhythms failed to register", logx.Err(err))
	}
	if sup != nil {
		n.wd.Start(sup)
	}
	n.log.Info("node started", logx.Strings("capabilities", n.cfg.Capabilities), logx.Int("rhythms", len(n.rhythms.Names())))
	return nil
}

// Stop halts timers and intake and releases helpers. Tasks already running are
// left to finish; Stop waits for them until ctx is done.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return nil
	}
	n.stopped = true
	n.mu.Unlock()

	n.rhythms.Stop(ctx)
	n.disp.Stop()
	released := n.aid.ReleaseAll(ctx)
	err := n.disp.Wait(ctx)
	n.log.Info("node stopped", logx.Int("released", len(released)), logx.Int("queued", n.queue.Len()))
	return err
}

func (n *Node) isStopped() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stopped
}

// Enqueue admits t and starts draining. A queue_full rejection also asks peers
// for help.
func (n *Node) Enqueue(ctx context.Context, t queue.Task) (string, error) {
	return n.admit(ctx, t, true)
}

func (n *Node) admit(ctx context.Context, t queue.Task, askForHelp bool) (string, error) {
	if n.isStopped() {
		return "", ErrStopped
	}
	admitted, err := n.queue.Push(t)
	if err != nil {
		reason := queue.RejectionReason(err)
		n.led.Record(ledger.TaskRejected, map[string]any{"id": admitted.ID, "kind": t.Kind, "reason": reason})
		n.log.Debug("task rejected", logx.String("task", admitted.ID), logx.String("reason", reason))
		if askForHelp && errors.Is(err, queue.ErrQueueFull) {
			if herr := n.aid.RequestHelp(ctx, "queue_full"); herr != nil {
				n.log.Warn("help request failed", logx.Err(herr))
			}
		}
		return "", err
	}
	n.led.Record(ledger.TaskEnqueued, map[string]any{"id": admitted.ID, "kind": admitted.Kind, "queue_length": n.queue.Len()})
	n.disp.Drain(ctx)
	return admitted.ID, nil
}

func (n *Node) afterDrain(ctx context.Context) {
	if !n.Snapshot().IsOverloaded || len(n.aid.Helpers()) > 0 {
		return
	}
	if err := n.aid.RequestHelp(ctx, "overloaded"); err != nil {
		n.log.Warn("help request failed", logx.Err(err))
	}
}
