// Package bus is the message transport between scheduler nodes and the
// downstream handlers they route work to.
//
// Two implementations exist: Memory, which connects nodes living in the same
// process, and Redis, which uses pub/sub channels so nodes can live anywhere.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Everyone is the destination of broadcast messages.
const Everyone = "*"

var (
	ErrUnknownNode = errors.New("bus: unknown node")
	ErrClosed      = errors.New("bus: closed")
)

// Message is the envelope exchanged between nodes.
type Message struct {
	ID        string          `json:"id"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	// ReplyTo names the channel a transport should answer on. Only set in transit.
	ReplyTo string `json:"reply_to,omitempty"`
}

// NewMessage builds a message with a fresh id, marshalling payload to JSON.
// A nil payload leaves Payload empty.
func NewMessage(from, to, typ string, payload any) (Message, error) {
	m := Message{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Type:      typ,
		Timestamp: time.Now(),
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		m.Payload = b
	}
	return m, nil
}

// Decode unmarshals the payload into v. An empty payload leaves v untouched.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// Reply is the answer to a point-to-point message.
type Reply struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// NewReply marshals data into a reply with the given status.
func NewReply(status string, data any) (Reply, error) {
	r := Reply{Status: status}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return Reply{}, fmt.Errorf("marshal %s reply: %w", status, err)
		}
		r.Data = b
	}
	return r, nil
}

// Decode unmarshals the reply data into v.
func (r Reply) Decode(v any) error {
	if len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// Handler processes one inbound message. The returned reply is delivered to the
// sender of point-to-point messages and dropped for broadcasts.
type Handler func(ctx context.Context, m Message) (Reply, error)

// Metadata describes a registered node.
type Metadata struct {
	Type         string   `json:"type"`
	Capabilities []string `json:"capabilities"`
}

// Bus is the transport contract a node depends on.
type Bus interface {
	// Register attaches h as the handler for messages addressed to name.
	Register(ctx context.Context, name string, h Handler, meta Metadata) error
	// Subscribe makes name receive broadcasts of msgType.
	Subscribe(ctx context.Context, name, msgType string) error
	// Send delivers m to m.To and waits for its reply.
	Send(ctx context.Context, m Message) (Reply, error)
	// Broadcast delivers m to every subscriber of m.Type except the sender.
	// It does not wait for delivery.
	Broadcast(ctx context.Context, m Message) error
	Close() error
}

// MissedRecorder persists messages that could not be delivered.
type MissedRecorder interface {
	RecordMissed(ctx context.Context, m Message) error
}

// MissedStore returns previously recorded messages addressed to one node,
// oldest first.
type MissedStore interface {
	MissedSince(ctx context.Context, to string, since time.Time) ([]Message, error)
}

// RecoveryMarker persists how far a node has replayed its missed messages, so
// a restarted node picks up what arrived while it was down.
type RecoveryMarker interface {
	// RecoveredAt returns the zero time when node has no mark yet.
	RecoveredAt(ctx context.Context, node string) (time.Time, error)
	MarkRecovered(ctx context.Context, node string, at time.Time) error
}

func stamp(m *Message) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
}
