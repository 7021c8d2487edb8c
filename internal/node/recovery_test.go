package node

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tempo/internal/bus"
	"tempo/internal/ledger"
	"tempo/internal/queue"
	"tempo/internal/storage"
	logx "tempo/pkg/logx"
)

func openFileStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "tempo.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestLostBatchIsNotReplayedToSender(t *testing.T) {
	ctx := context.Background()
	st := openFileStore(t)
	b := bus.NewMemory(bus.WithMissedRecorder(st))

	g := newGate()
	defer g.open()
	alpha := startNode(t, baseConfig("alpha"), b, WithExecutor(g.exec), WithMissedStore(st))
	for i := 0; i < 3; i++ {
		_, err := alpha.Enqueue(ctx, queue.Task{ID: fmt.Sprintf("t%d", i), Kind: "schedule"})
		require.NoError(t, err)
	}
	b.Wait()
	require.Equal(t, 2, alpha.QueueLen())

	require.ErrorIs(t, alpha.Aid().OnHelpAccepted(ctx, "gone"), bus.ErrUnknownNode)
	assert.Zero(t, alpha.QueueLen())
	require.Len(t, events(alpha.Ledger(), ledger.BatchLost), 1)

	assert.Zero(t, alpha.Watchdog().RecoverOnce(ctx))
	assert.Zero(t, alpha.QueueLen(), "a lost batch stays lost")
	assert.Empty(t, events(alpha.Ledger(), ledger.BatchReceived))
}

func TestRestartedNodeReplaysWhatItMissed(t *testing.T) {
	ctx := context.Background()
	st := openFileStore(t)
	b := bus.NewMemory(bus.WithMissedRecorder(st))

	// gone ran before and saved a recovery mark, then went down.
	require.NoError(t, st.MarkRecovered(ctx, "gone", time.Now().Add(-time.Minute)))

	g := newGate()
	defer g.open()
	alpha := startNode(t, baseConfig("alpha"), b, WithExecutor(g.exec), WithMissedStore(st))
	for i := 0; i < 3; i++ {
		_, err := alpha.Enqueue(ctx, queue.Task{ID: fmt.Sprintf("t%d", i), Kind: "schedule"})
		require.NoError(t, err)
	}
	b.Wait()
	require.ErrorIs(t, alpha.Aid().OnHelpAccepted(ctx, "gone"), bus.ErrUnknownNode)

	var ran atomic.Int32
	var seen sync.Map
	goneCfg := baseConfig("gone")
	goneCfg.MaxConcurrent = 2
	gone := startNode(t, goneCfg, b, WithExecutor(counting(&ran, &seen)), WithMissedStore(st))

	assert.Equal(t, 1, gone.Watchdog().RecoverOnce(ctx))
	require.Eventually(t, func() bool { return ran.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	_, ok := seen.Load("t1")
	assert.True(t, ok)

	assert.Zero(t, gone.Watchdog().RecoverOnce(ctx), "already replayed")
	assert.Zero(t, alpha.QueueLen())
}
