package node

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tempo/internal/bus"
	"tempo/internal/queue"
	"tempo/internal/rhythm"
	logx "tempo/pkg/logx"
)

// RhythmDef describes a rhythm whose body is either a local action registered
// with RegisterAction or a message to Target.
type RhythmDef struct {
	Name      string
	Schedule  string
	Action    string
	Target    string
	Essential bool
	Adaptive  bool
	Timeout   time.Duration
}

// RhythmRequest is the rhythm_action payload sent to a remote target.
type RhythmRequest struct {
	Rhythm string `json:"rhythm"`
	Action string `json:"action"`
}

// RegisterAction makes a local action available to rhythm definitions.
func (n *Node) RegisterAction(name string, a rhythm.Action) {
	n.mu.Lock()
	n.actions[name] = a
	n.mu.Unlock()
}

// AddRhythm registers or replaces a rhythm from its definition.
func (n *Node) AddRhythm(def RhythmDef) error {
	action, err := n.resolveAction(def)
	if err != nil {
		return err
	}
	return n.rhythms.Upsert(rhythm.Rhythm{
		Name:      def.Name,
		Spec:      def.Schedule,
		Action:    action,
		Essential: def.Essential,
		Adaptive:  def.Adaptive,
		Timeout:   def.Timeout,
	})
}

func (n *Node) resolveAction(def RhythmDef) (rhythm.Action, error) {
	name := strings.TrimSpace(def.Action)
	if name == "" {
		name = def.Name
	}
	n.mu.Lock()
	local, ok := n.actions[name]
	n.mu.Unlock()
	if ok {
		return local, nil
	}
	target := strings.TrimSpace(def.Target)
	if target == "" {
		return nil, fmt.Errorf("rhythm %s: no local action %q and no target", def.Name, name)
	}
	req := RhythmRequest{Rhythm: def.Name, Action: name}
	return func(ctx context.Context) error {
		m, err := bus.NewMessage(n.cfg.ID, target, TypeRhythmAction, req)
		if err != nil {
			return err
		}
		r, err := n.bus.Send(ctx, m)
		if err != nil {
			return err
		}
		return replyError(r)
	}, nil
}

// SetRoute points tasks of kind at target. An empty target removes the route.
func (n *Node) SetRoute(kind, target string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if target == "" {
		delete(n.routes, kind)
		return
	}
	n.routes[kind] = target
}

// route is the default executor: it sends the task to the node configured for
// its kind and waits for the answer.
func (n *Node) route(ctx context.Context, t queue.Task) error {
	n.mu.Lock()
	target, ok := n.routes[t.Kind]
	if !ok {
		target, ok = n.routes["*"]
	}
	n.mu.Unlock()
	if !ok || target == "" {
		return fmt.Errorf("%w: %s", ErrNoRoute, t.Kind)
	}
	m, err := bus.NewMessage(n.cfg.ID, target, TypeExecute, t)
	if err != nil {
		return err
	}
	r, err := n.bus.Send(ctx, m)
	if err != nil {
		return err
	}
	return replyError(r)
}

func replyError(r bus.Reply) error {
	if r.Status != StatusError {
		return nil
	}
	var body struct {
		Error string `json:"error"`
	}
	_ = r.Decode(&body)
	if body.Error == "" {
		body.Error = "remote error"
	}
	return errors.New(body.Error)
}

// escalate reports an exhausted rhythm to the planner.
func (n *Node) escalate(ctx context.Context, e rhythm.Escalation) error {
	if n.cfg.Planner == "" {
		n.log.Warn("escalation without planner", logx.String("rhythm", e.RhythmName), logx.Int("failures", e.ConsecutiveFailures))
		return nil
	}
	m, err := bus.NewMessage(n.cfg.ID, n.cfg.Planner, TypeEscalation, e)
	if err != nil {
		return err
	}
	_, err = n.bus.Send(ctx, m)
	return err
}
