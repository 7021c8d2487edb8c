package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type missedRecorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *missedRecorder) RecordMissed(_ context.Context, m Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	return nil
}

func echo(status string) Handler {
	return func(_ context.Context, m Message) (Reply, error) {
		return NewReply(status, map[string]string{"type": m.Type})
	}
}

func TestMemorySendReturnsHandlerReply(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()
	require.NoError(t, b.Register(ctx, "b", echo("ok"), Metadata{Type: "scheduler"}))

	m, err := NewMessage("a", "b", "status_check", nil)
	require.NoError(t, err)
	r, err := b.Send(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, "ok", r.Status)

	var data map[string]string
	require.NoError(t, r.Decode(&data))
	assert.Equal(t, "status_check", data["type"])
}

func TestMemorySendToUnknownNodeIsRecorded(t *testing.T) {
	rec := &missedRecorder{}
	b := NewMemory(WithMissedRecorder(rec))

	m, err := NewMessage("a", "ghost", "task_batch", map[string]int{"n": 1})
	require.NoError(t, err)
	_, err = b.Send(context.Background(), m)
	require.ErrorIs(t, err, ErrUnknownNode)

	require.Len(t, rec.msgs, 1)
	assert.Equal(t, m.ID, rec.msgs[0].ID)
	assert.Equal(t, "ghost", rec.msgs[0].To)
}

func TestMemoryBroadcastReachesSubscribersOnly(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()

	var mu sync.Mutex
	got := map[string]int{}
	mk := func(name string) Handler {
		return func(_ context.Context, m Message) (Reply, error) {
			mu.Lock()
			got[name]++
			mu.Unlock()
			assert.Equal(t, Everyone, m.To)
			return Reply{}, nil
		}
	}
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, b.Register(ctx, name, mk(name), Metadata{}))
	}
	require.NoError(t, b.Subscribe(ctx, "a", "pulse"))
	require.NoError(t, b.Subscribe(ctx, "b", "pulse"))

	m, err := NewMessage("a", Everyone, "pulse", nil)
	require.NoError(t, err)
	require.NoError(t, b.Broadcast(ctx, m))
	b.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]int{"b": 1}, got)
}

func TestMemorySubscribeUnknownNode(t *testing.T) {
	b := NewMemory()
	err := b.Subscribe(context.Background(), "nobody", "pulse")
	assert.ErrorIs(t, err, ErrUnknownNode)
}

func TestMemoryClosedRejects(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()
	require.NoError(t, b.Register(ctx, "a", echo("ok"), Metadata{}))
	require.NoError(t, b.Close())

	_, err := b.Send(ctx, Message{From: "x", To: "a", Type: "status_check"})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, b.Broadcast(ctx, Message{From: "x", Type: "pulse"}), ErrClosed)
	assert.ErrorIs(t, b.Register(ctx, "b", echo("ok"), Metadata{}), ErrClosed)
}

func TestMemoryHandlerErrorPropagates(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()
	boom := errors.New("boom")
	require.NoError(t, b.Register(ctx, "a", func(context.Context, Message) (Reply, error) {
		return Reply{}, boom
	}, Metadata{}))

	_, err := b.Send(ctx, Message{From: "x", To: "a", Type: "schedule"})
	assert.ErrorIs(t, err, boom)
}

func TestNewMessageStampsAndDecodes(t *testing.T) {
	before := time.Now()
	m, err := NewMessage("a", "b", "evolve", map[string]float64{"avgLoad": 0.85})
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)
	assert.False(t, m.Timestamp.Before(before))

	var p struct {
		AvgLoad float64 `json:"avgLoad"`
	}
	require.NoError(t, m.Decode(&p))
	assert.InDelta(t, 0.85, p.AvgLoad, 1e-9)

	empty := Message{Type: "pulse"}
	assert.NoError(t, empty.Decode(&p))
}
