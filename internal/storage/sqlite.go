package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"tempo/internal/bus"
	"tempo/internal/ledger"
	logx "tempo/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db        *sql.DB
	log       logx.Logger
	retention time.Duration

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, retention: cfg.retention(), pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendLedger(ctx context.Context, e ledger.Entry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	var data any
	if len(e.Data) > 0 {
		b, err := json.Marshal(e.Data)
		if err != nil {
			return err
		}
		data = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger(at, event, data) VALUES(?,?,?)`,
		e.Timestamp.Format(time.RFC3339Nano), e.Event, data,
	)
	return err
}

func (s *sqliteStore) RecordMissed(ctx context.Context, m bus.Message) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO missed(id, at, from_node, to_node, type, payload, reply_to)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		m.ID, m.Timestamp.UnixNano(), m.From, m.To, m.Type, nullStr(string(m.Payload)), nullStr(m.ReplyTo),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) MissedSince(ctx context.Context, to string, since time.Time) ([]bus.Message, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, from_node, to_node, type, payload, reply_to
		 FROM missed WHERE to_node = ? AND at > ? ORDER BY at, rowid`,
		to, since.UnixNano(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []bus.Message
	for rows.Next() {
		var (
			m       bus.Message
			at      int64
			payload sql.NullString
			replyTo sql.NullString
		)
		if err := rows.Scan(&m.ID, &at, &m.From, &m.To, &m.Type, &payload, &replyTo); err != nil {
			return nil, err
		}
		m.Timestamp = time.Unix(0, at)
		if payload.Valid {
			m.Payload = json.RawMessage(payload.String)
		}
		m.ReplyTo = replyTo.String
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) RecoveredAt(ctx context.Context, node string) (time.Time, error) {
	if s == nil || s.db == nil {
		return time.Time{}, ErrDisabled
	}
	var at int64
	err := s.db.QueryRowContext(ctx, `SELECT at FROM checkpoints WHERE node = ?`, node).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, at), nil
}

func (s *sqliteStore) MarkRecovered(ctx context.Context, node string, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints(node, at) VALUES(?,?)
		 ON CONFLICT(node) DO UPDATE SET at = excluded.at`,
		node, at.UnixNano(),
	)
	return err
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	cutoff := time.Now().Add(-s.retention).UnixNano()
	_, err := s.db.ExecContext(ctx, `DELETE FROM missed WHERE at < ?`, cutoff)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
