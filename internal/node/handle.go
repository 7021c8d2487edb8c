package node

import (
	"context"
	"encoding/json"
	"errors"

	"tempo/internal/aid"
	"tempo/internal/bus"
	"tempo/internal/ledger"
	"tempo/internal/queue"
	"tempo/internal/watchdog"
	logx "tempo/pkg/logx"
)

// Reply statuses.
const (
	StatusOK           = "ok"
	StatusAccepted     = "accepted"
	StatusRejected     = "rejected"
	StatusDeclined     = "declined"
	StatusTuned        = "tuned"
	StatusAcknowledged = "acknowledged"
	StatusError        = "error"
)

// TaskAck answers an enqueueing message.
type TaskAck struct {
	ID     string `json:"id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// LoadSignal is the evolve / system_metrics payload. Mode may be "pause" or
// "resume" to toggle non-essential rhythms.
type LoadSignal struct {
	AvgLoad *float64 `json:"avgLoad,omitempty"`
	Mode    string   `json:"mode,omitempty"`
}

// TuneResult answers a load signal.
type TuneResult struct {
	Retuned []string `json:"retuned,omitempty"`
	Paused  []string `json:"paused,omitempty"`
	Resumed []string `json:"resumed,omitempty"`
}

// HandleMessage is the node's single entry point for bus traffic and replayed
// messages. Kinds outside the known set get an acknowledged reply and no effect.
func (n *Node) HandleMessage(ctx context.Context, m bus.Message) (bus.Reply, error) {
	n.wd.Touch()

	kind, ok := ParseKind(m.Type)
	if !ok {
		n.log.Debug("unknown message kind", logx.String("type", m.Type), logx.String("from", m.From))
		return bus.NewReply(StatusAcknowledged, map[string]string{"type": m.Type})
	}

	switch kind {
	case KindSchedule, KindSynchronize, KindRecover:
		return n.handleTask(ctx, kind, m)
	case KindEvolve, KindSystemMetrics:
		return n.handleLoadSignal(m)
	case KindTaskBatch:
		return n.handleBatch(ctx, m)
	case KindHelpRequest:
		return n.handleHelpRequest(ctx, m)
	case KindHelpAccepted:
		if err := n.aid.OnHelpAccepted(ctx, m.From); err != nil {
			n.log.Warn("redistribution incomplete", logx.String("helper", m.From), logx.Err(err))
		}
		return bus.Reply{Status: StatusOK}, nil
	case KindHelpRelease:
		n.led.Record(ledger.ReleaseReceived, map[string]any{"from": m.From})
		n.log.Debug("released by peer", logx.String("from", m.From))
		return bus.Reply{Status: StatusOK}, nil
	case KindStatusCheck:
		return bus.NewReply(StatusOK, n.Status())
	case KindPulse:
		n.notePulse(m)
		return bus.Reply{Status: StatusOK}, nil
	default:
		return bus.NewReply(StatusAcknowledged, map[string]string{"type": m.Type})
	}
}

func (n *Node) handleTask(ctx context.Context, kind Kind, m bus.Message) (bus.Reply, error) {
	var hdr struct {
		ID string `json:"id"`
	}
	// Payloads without an id (or that are not objects) get a generated one.
	_ = json.Unmarshal(m.Payload, &hdr)

	id, err := n.Enqueue(ctx, queue.Task{ID: hdr.ID, Kind: string(kind), Payload: m.Payload})
	if err != nil {
		if errors.Is(err, ErrStopped) {
			return bus.NewReply(StatusRejected, TaskAck{ID: hdr.ID, Reason: "stopped"})
		}
		return bus.NewReply(StatusRejected, TaskAck{ID: hdr.ID, Reason: queue.RejectionReason(err)})
	}
	return bus.NewReply(StatusAccepted, TaskAck{ID: id})
}

func (n *Node) handleLoadSignal(m bus.Message) (bus.Reply, error) {
	var sig LoadSignal
	if err := m.Decode(&sig); err != nil {
		return bus.Reply{}, err
	}
	var res TuneResult
	if sig.AvgLoad != nil {
		res.Retuned = n.rhythms.Tune(*sig.AvgLoad)
	}
	switch sig.Mode {
	case "pause":
		res.Paused = n.rhythms.Pause()
	case "resume":
		res.Resumed = n.rhythms.Resume()
	}
	return bus.NewReply(StatusTuned, res)
}

// handleBatch enqueues tasks handed over by an overloaded peer. A full queue
// rejects the rest of the batch without asking for help in turn.
func (n *Node) handleBatch(ctx context.Context, m bus.Message) (bus.Reply, error) {
	var b aid.Batch
	if err := m.Decode(&b); err != nil {
		return bus.Reply{}, err
	}
	var res aid.BatchResult
	for _, t := range b.Tasks {
		if _, err := n.admit(ctx, t, false); err != nil {
			res.Rejected = append(res.Rejected, t.ID)
			continue
		}
		res.Accepted++
	}
	n.led.Record(ledger.BatchReceived, map[string]any{"from": m.From, "accepted": res.Accepted, "rejected": len(res.Rejected)})
	n.log.Info("batch received", logx.String("from", m.From), logx.Int("accepted", res.Accepted), logx.Int("rejected", len(res.Rejected)))
	return bus.NewReply(StatusOK, res)
}

func (n *Node) handleHelpRequest(ctx context.Context, m bus.Message) (bus.Reply, error) {
	var req aid.Request
	if err := m.Decode(&req); err != nil {
		return bus.Reply{}, err
	}
	d := n.aid.OnHelpRequest(m.From, req)
	if !d.Accepted {
		return bus.NewReply(StatusDeclined, d)
	}

	accept, err := bus.NewMessage(n.cfg.ID, m.From, aid.TypeHelpAccepted, d)
	if err != nil {
		return bus.Reply{}, err
	}
	if _, err := n.bus.Send(ctx, accept); err != nil {
		n.log.Warn("help acceptance not delivered", logx.String("to", m.From), logx.Err(err))
	}
	return bus.NewReply(StatusAccepted, d)
}

func (n *Node) notePulse(m bus.Message) {
	if m.From == "" || m.From == n.cfg.ID {
		return
	}
	var p watchdog.Pulse
	_ = m.Decode(&p)
	seen := p.Timestamp
	if seen.IsZero() {
		seen = m.Timestamp
	}
	n.mu.Lock()
	n.peers[m.From] = Peer{ID: m.From, Version: p.Version, LastSeen: seen}
	n.mu.Unlock()
}
