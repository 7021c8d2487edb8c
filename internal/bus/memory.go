package bus

import (
	"context"
	"fmt"
	"sort"
	"sync"

	logx "tempo/pkg/logx"
)

// Memory connects nodes registered in the same process.
//
// Send calls the target handler on the caller's goroutine. Broadcast fans out on
// fresh goroutines; Wait blocks until those deliveries finish.
type Memory struct {
	mu     sync.RWMutex
	nodes  map[string]*memNode
	closed bool

	missed MissedRecorder
	log    logx.Logger

	wg sync.WaitGroup
}

type memNode struct {
	h    Handler
	meta Metadata
	subs map[string]struct{}
}

type MemoryOption func(*Memory)

// WithMissedRecorder records sends addressed to unregistered nodes.
func WithMissedRecorder(r MissedRecorder) MemoryOption {
	return func(m *Memory) { m.missed = r }
}

func WithLogger(log logx.Logger) MemoryOption {
	return func(m *Memory) { m.log = log }
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{nodes: map[string]*memNode{}, log: logx.Nop()}
	for _, o := range opts {
		if o != nil {
			o(m)
		}
	}
	m.log = m.log.With(logx.String("comp", "bus.memory"))
	return m
}

func (b *Memory) Register(_ context.Context, name string, h Handler, meta Metadata) error {
	if name == "" || name == Everyone {
		return fmt.Errorf("bus: invalid node name %q", name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if n, ok := b.nodes[name]; ok {
		n.h = h
		n.meta = meta
		return nil
	}
	b.nodes[name] = &memNode{h: h, meta: meta, subs: map[string]struct{}{}}
	return nil
}

// Unregister removes a node. Later sends to it are treated as missed.
func (b *Memory) Unregister(name string) {
	b.mu.Lock()
	delete(b.nodes, name)
	b.mu.Unlock()
}

func (b *Memory) Subscribe(_ context.Context, name, msgType string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	n, ok := b.nodes[name]
	if !ok {
		return fmt.Errorf("subscribe %s: %w", name, ErrUnknownNode)
	}
	n.subs[msgType] = struct{}{}
	return nil
}

func (b *Memory) Send(ctx context.Context, m Message) (Reply, error) {
	stamp(&m)
	b.mu.RLock()
	closed := b.closed
	n, ok := b.nodes[m.To]
	var h Handler
	if ok {
		h = n.h
	}
	b.mu.RUnlock()

	if closed {
		return Reply{}, ErrClosed
	}
	if !ok || h == nil {
		if b.missed != nil {
			if err := b.missed.RecordMissed(ctx, m); err != nil {
				b.log.Warn("missed message not recorded", logx.String("to", m.To), logx.String("type", m.Type), logx.Err(err))
			}
		}
		return Reply{}, fmt.Errorf("send %s to %s: %w", m.Type, m.To, ErrUnknownNode)
	}
	if err := ctx.Err(); err != nil {
		return Reply{}, err
	}
	return h(ctx, m)
}

func (b *Memory) Broadcast(ctx context.Context, m Message) error {
	stamp(&m)
	m.To = Everyone

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]Handler, 0, len(b.nodes))
	for name, n := range b.nodes {
		if name == m.From || n.h == nil {
			continue
		}
		if _, ok := n.subs[m.Type]; !ok {
			continue
		}
		targets = append(targets, n.h)
	}
	b.wg.Add(len(targets))
	b.mu.RUnlock()

	dctx := context.WithoutCancel(ctx)
	for _, h := range targets {
		go func(h Handler) {
			defer b.wg.Done()
			if _, err := h(dctx, m); err != nil {
				b.log.Debug("broadcast handler failed", logx.String("type", m.Type), logx.String("from", m.From), logx.Err(err))
			}
		}(h)
	}
	return nil
}

// Wait blocks until every broadcast delivery started so far has returned.
func (b *Memory) Wait() { b.wg.Wait() }

// Nodes returns registered node names in sorted order.
func (b *Memory) Nodes() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.nodes))
	for name := range b.nodes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Metadata returns what name registered with.
func (b *Memory) Metadata(name string) (Metadata, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n, ok := b.nodes[name]
	if !ok {
		return Metadata{}, false
	}
	return n.meta, true
}

func (b *Memory) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}
