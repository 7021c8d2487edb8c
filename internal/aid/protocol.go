// Package aid implements the mutual-aid protocol: an overloaded node broadcasts a
// help request, peers with spare capacity accept, and the requester hands them
// its queued tasks.
//
// Handoff is fire-and-forget. A batch whose delivery fails, or that a helper
// drops, is recorded in the ledger and not re-sent.
package aid

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tempo/internal/bus"
	"tempo/internal/ledger"
	"tempo/internal/load"
	"tempo/internal/queue"
	logx "tempo/pkg/logx"
)

// Message types the protocol sends.
const (
	TypeHelpRequest  = "help_request"
	TypeHelpAccepted = "help_accepted"
	TypeHelpRelease  = "help_release"
	TypeTaskBatch    = "task_batch"
)

// Decline reasons.
const (
	DeclineSelf         = "self"
	DeclineAlsoBusy     = "also_busy"
	DeclineIncompatible = "incompatible"
)

// DefaultRequestInterval spaces help-request broadcasts.
const DefaultRequestInterval = 5 * time.Second

type State int

const (
	Idle State = iota
	RequestingHelp
	Assisted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case RequestingHelp:
		return "requesting_help"
	case Assisted:
		return "assisted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Request is the help_request payload.
type Request struct {
	Reason       string        `json:"reason"`
	Load         load.Snapshot `json:"load"`
	QueueLength  int           `json:"queueLength"`
	Capabilities []string      `json:"capabilities"`
}

// Decision answers a help request.
type Decision struct {
	Accepted          bool   `json:"accepted"`
	Reason            string `json:"reason,omitempty"`
	HelperID          string `json:"helperId,omitempty"`
	AvailableCapacity int    `json:"availableCapacity,omitempty"`
}

// Batch is the task_batch payload.
type Batch struct {
	Tasks []queue.Task `json:"tasks"`
}

// BatchResult is a helper's answer to a task_batch.
type BatchResult struct {
	Accepted int      `json:"accepted"`
	Rejected []string `json:"rejected,omitempty"`
}

// Local exposes the occupancy of the node running the protocol.
type Local interface {
	load.Monitor
	Processing() int
	MaxConcurrent() int
}

type Config struct {
	Self         string
	Capabilities []string
	// RequestInterval throttles help-request broadcasts. Zero selects
	// DefaultRequestInterval, a negative value disables throttling.
	RequestInterval time.Duration
}

// Protocol tracks the helper set of one node.
type Protocol struct {
	self string
	caps map[string]struct{}
	list []string

	q     *queue.Queue
	local Local
	bus   bus.Bus
	led   *ledger.Ledger
	log   logx.Logger

	limiter *rate.Limiter

	mu         sync.Mutex
	helpers    map[string]struct{}
	requesting bool
}

func New(cfg Config, q *queue.Queue, local Local, b bus.Bus, led *ledger.Ledger, log logx.Logger) *Protocol {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Protocol{
		self:    cfg.Self,
		caps:    map[string]struct{}{},
		q:       q,
		local:   local,
		bus:     b,
		led:     led,
		log:     log.With(logx.String("comp", "aid")),
		helpers: map[string]struct{}{},
	}
	for _, c := range cfg.Capabilities {
		if _, ok := p.caps[c]; ok {
			continue
		}
		p.caps[c] = struct{}{}
		p.list = append(p.list, c)
	}
	switch {
	case cfg.RequestInterval == 0:
		p.limiter = rate.NewLimiter(rate.Every(DefaultRequestInterval), 1)
	case cfg.RequestInterval > 0:
		p.limiter = rate.NewLimiter(rate.Every(cfg.RequestInterval), 1)
	}
	return p
}

// State reports where the node is in the protocol.
func (p *Protocol) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case len(p.helpers) > 0:
		return Assisted
	case p.requesting:
		return RequestingHelp
	default:
		return Idle
	}
}

// Helpers returns the current helper set in sorted order.
func (p *Protocol) Helpers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.helpersLocked()
}

func (p *Protocol) helpersLocked() []string {
	out := make([]string, 0, len(p.helpers))
	for h := range p.helpers {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// Capabilities returns the node's capabilities in configuration order.
func (p *Protocol) Capabilities() []string {
	return append([]string(nil), p.list...)
}

// RequestHelp broadcasts a help request unless helpers are already assisting or
// the broadcast budget is spent.
func (p *Protocol) RequestHelp(ctx context.Context, reason string) error {
	p.mu.Lock()
	if len(p.helpers) > 0 {
		p.mu.Unlock()
		return nil
	}
	if p.limiter != nil && !p.limiter.Allow() {
		p.mu.Unlock()
		p.log.Trace("help request throttled", logx.String("reason", reason))
		return nil
	}
	p.requesting = true
	p.mu.Unlock()

	snap := p.local.Snapshot()
	req := Request{
		Reason:       reason,
		Load:         snap,
		QueueLength:  p.q.Len(),
		Capabilities: p.Capabilities(),
	}
	msg, err := bus.NewMessage(p.self, bus.Everyone, TypeHelpRequest, req)
	if err != nil {
		return err
	}
	if err := p.bus.Broadcast(ctx, msg); err != nil {
		p.log.Warn("help request failed", logx.String("reason", reason), logx.Err(err))
		return fmt.Errorf("broadcast help request: %w", err)
	}
	p.led.Record(ledger.HelpRequested, map[string]any{
		"reason":       reason,
		"queue_length": req.QueueLength,
		"overall":      snap.Overall,
	})
	p.log.Info("help requested", logx.String("reason", reason), logx.Int("queue", req.QueueLength), logx.Float64("load", snap.Overall))
	return nil
}

// OnHelpRequest decides whether to help from. Declines are checked in order:
// self, also_busy, incompatible.
func (p *Protocol) OnHelpRequest(from string, req Request) Decision {
	var d Decision
	switch {
	case from == p.self:
		d = Decision{Reason: DeclineSelf}
	case p.local.Snapshot().IsOverloaded:
		d = Decision{Reason: DeclineAlsoBusy}
	case !p.overlaps(req.Capabilities):
		d = Decision{Reason: DeclineIncompatible}
	default:
		d = Decision{
			Accepted:          true,
			HelperID:          p.self,
			AvailableCapacity: p.local.MaxConcurrent() - p.local.Processing(),
		}
	}

	if d.Accepted {
		p.led.Record(ledger.HelpOffered, map[string]any{"from": from, "capacity": d.AvailableCapacity})
		p.log.Debug("help offered", logx.String("to", from), logx.Int("capacity", d.AvailableCapacity))
	} else {
		p.led.Record(ledger.HelpDeclined, map[string]any{"from": from, "reason": d.Reason})
		p.log.Debug("help declined", logx.String("to", from), logx.String("reason", d.Reason))
	}
	return d
}

func (p *Protocol) overlaps(theirs []string) bool {
	for _, c := range theirs {
		if _, ok := p.caps[c]; ok {
			return true
		}
	}
	return false
}

// OnHelpAccepted adds from to the helper set and redistributes the queue across
// all helpers. Adding an existing helper is a no-op apart from redistribution.
func (p *Protocol) OnHelpAccepted(ctx context.Context, from string) error {
	if from == "" || from == p.self {
		return nil
	}
	p.mu.Lock()
	_, known := p.helpers[from]
	p.helpers[from] = struct{}{}
	p.requesting = false
	helpers := p.helpersLocked()
	p.mu.Unlock()

	if !known {
		p.led.Record(ledger.HelperAdded, map[string]any{"helper": from, "helpers": len(helpers)})
		p.log.Info("helper added", logx.String("helper", from), logx.Int("helpers", len(helpers)))
	}
	return p.redistribute(ctx, helpers)
}

// redistribute splits the queue into ceil(len/|helpers|) sized batches and hands
// one to each helper, in helper order. Tasks leave the local queue before they are
// sent.
func (p *Protocol) redistribute(ctx context.Context, helpers []string) error {
	n := p.q.Len()
	if n == 0 || len(helpers) == 0 {
		return nil
	}
	size := (n + len(helpers) - 1) / len(helpers)

	var errs []error
	for _, h := range helpers {
		tasks := p.q.Take(size)
		if len(tasks) == 0 {
			break
		}
		if err := p.sendBatch(ctx, h, tasks); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Protocol) sendBatch(ctx context.Context, helper string, tasks []queue.Task) error {
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	lost := func(reason string, lostIDs []string) {
		p.led.Record(ledger.BatchLost, map[string]any{
			"helper": helper,
			"count":  len(lostIDs),
			"ids":    lostIDs,
			"reason": reason,
		})
	}

	msg, err := bus.NewMessage(p.self, helper, TypeTaskBatch, Batch{Tasks: tasks})
	if err != nil {
		lost(err.Error(), ids)
		return err
	}
	reply, err := p.bus.Send(ctx, msg)
	if err != nil {
		lost(err.Error(), ids)
		p.log.Warn("batch lost", logx.String("helper", helper), logx.Int("count", len(ids)), logx.Err(err))
		return fmt.Errorf("send batch to %s: %w", helper, err)
	}

	p.led.Record(ledger.TasksDistributed, map[string]any{"helper": helper, "count": len(tasks)})
	p.log.Info("tasks handed to helper", logx.String("helper", helper), logx.Int("count", len(tasks)))

	var res BatchResult
	if err := reply.Decode(&res); err != nil {
		p.log.Debug("batch reply undecodable", logx.String("helper", helper), logx.Err(err))
		return nil
	}
	if len(res.Rejected) > 0 {
		lost("rejected_by_helper", res.Rejected)
		p.log.Warn("helper rejected part of batch", logx.String("helper", helper), logx.Int("rejected", len(res.Rejected)))
	}
	return nil
}

// ReleaseIdle releases every helper once the node has nothing queued or running.
// It returns the released helpers.
func (p *Protocol) ReleaseIdle(ctx context.Context) []string {
	queued := p.q.Len()
	processing := p.local.Processing()

	p.mu.Lock()
	if len(p.helpers) == 0 {
		// A request nobody answered stops counting once the pressure is gone.
		if p.requesting && queued == 0 && processing == 0 {
			p.requesting = false
		}
		p.mu.Unlock()
		return nil
	}
	if queued != 0 || processing != 0 {
		p.mu.Unlock()
		return nil
	}
	helpers := p.helpersLocked()
	clear(p.helpers)
	p.mu.Unlock()

	p.release(ctx, helpers, "idle")
	return helpers
}

// ReleaseAll releases every helper regardless of local occupancy. Used on shutdown.
func (p *Protocol) ReleaseAll(ctx context.Context) []string {
	p.mu.Lock()
	helpers := p.helpersLocked()
	clear(p.helpers)
	p.requesting = false
	p.mu.Unlock()

	if len(helpers) > 0 {
		p.release(ctx, helpers, "shutdown")
	}
	return helpers
}

func (p *Protocol) release(ctx context.Context, helpers []string, reason string) {
	for _, h := range helpers {
		msg, err := bus.NewMessage(p.self, h, TypeHelpRelease, map[string]string{"reason": reason})
		if err != nil {
			continue
		}
		if _, err := p.bus.Send(ctx, msg); err != nil {
			p.log.Warn("helper release failed", logx.String("helper", h), logx.Err(err))
		}
	}
	p.led.Record(ledger.HelpersReleased, map[string]any{"helpers": helpers, "reason": reason})
	p.log.Info("helpers released", logx.Int("count", len(helpers)), logx.String("reason", reason))
}
