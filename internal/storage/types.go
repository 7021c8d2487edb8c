package storage

import (
	"context"
	"errors"
	"time"

	"tempo/internal/bus"
	"tempo/internal/ledger"
)

var ErrDisabled = errors.New("storage disabled")

// DefaultMissedRetention bounds how long undelivered messages are kept.
const DefaultMissedRetention = 24 * time.Hour

// Config configures storage.
//
// Driver values:
//   - "file": jsonl backend
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver          string
	Path            string
	BusyTimeout     time.Duration // sqlite only; 0 means default
	MissedRetention time.Duration // 0 means DefaultMissedRetention
}

func (c Config) retention() time.Duration {
	if c.MissedRetention <= 0 {
		return DefaultMissedRetention
	}
	return c.MissedRetention
}

// Store is the persistence API used by the app.
//
// It satisfies bus.MissedRecorder, bus.MissedStore and bus.RecoveryMarker.
type Store interface {
	AppendLedger(ctx context.Context, e ledger.Entry) error
	RecordMissed(ctx context.Context, m bus.Message) error
	// MissedSince returns messages addressed to to and stamped strictly after
	// since, oldest first.
	MissedSince(ctx context.Context, to string, since time.Time) ([]bus.Message, error)
	RecoveredAt(ctx context.Context, node string) (time.Time, error)
	MarkRecovered(ctx context.Context, node string, at time.Time) error
	Close() error
}

var (
	_ bus.MissedRecorder = Store(nil)
	_ bus.MissedStore    = Store(nil)
	_ bus.RecoveryMarker = Store(nil)
)
