package ledger

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerEvictsOldestFirst(t *testing.T) {
	l := New(3)
	for i := 0; i < 5; i++ {
		l.Record(fmt.Sprintf("e%d", i), nil)
	}

	require.Equal(t, 3, l.Len())
	assert.Equal(t, uint64(5), l.Total())

	got := l.Entries(0)
	require.Len(t, got, 3)
	assert.Equal(t, "e2", got[0].Event)
	assert.Equal(t, "e4", got[2].Event)
}

func TestLedgerEntriesLimitReturnsMostRecent(t *testing.T) {
	l := New(10)
	for i := 0; i < 4; i++ {
		l.Record(fmt.Sprintf("e%d", i), map[string]any{"i": i})
	}

	got := l.Entries(2)
	require.Len(t, got, 2)
	assert.Equal(t, "e2", got[0].Event)
	assert.Equal(t, "e3", got[1].Event)
	assert.Equal(t, 3, got[1].Data["i"])
}

func TestLedgerDefaultCapacity(t *testing.T) {
	l := New(0)
	for i := 0; i < DefaultCapacity+10; i++ {
		l.Record(TaskCompleted, nil)
	}
	assert.Equal(t, DefaultCapacity, l.Len())
}

func TestLedgerSubscribeReceivesAndDropsWhenFull(t *testing.T) {
	l := New(10)
	ch, unsub := l.Subscribe(1)

	l.Record(TaskEnqueued, nil)
	l.Record(TaskCompleted, nil) // buffer full: dropped, Record must not block

	e := <-ch
	assert.Equal(t, TaskEnqueued, e.Event)
	assert.False(t, e.Timestamp.IsZero())

	unsub()
	unsub()
	_, ok := <-ch
	assert.False(t, ok)

	// Recording after unsubscribe is still safe.
	l.Record(TaskFailed, nil)
	assert.Equal(t, 3, l.Len())
}
