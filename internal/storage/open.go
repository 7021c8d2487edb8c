package storage

import (
	"context"
	"errors"
	"strings"

	"tempo/internal/ledger"
	logx "tempo/pkg/logx"
)

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// Persist copies every entry recorded in led into st until ctx is done.
// Write failures are logged and skipped.
func Persist(ctx context.Context, st Store, led *ledger.Ledger, log logx.Logger) {
	if st == nil || led == nil {
		return
	}
	ch, cancel := led.Subscribe(256)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := st.AppendLedger(ctx, e); err != nil {
				log.Debug("ledger persist failed", logx.String("event", e.Event), logx.Err(err))
			}
		}
	}
}
