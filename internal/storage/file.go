package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"tempo/internal/bus"
	"tempo/internal/ledger"
	logx "tempo/pkg/logx"
)

// fileStore is the jsonl persistence backend.
//
// Files:
//   - <prefix>.ledger.jsonl (append-only)
//   - <prefix>.missed.jsonl (append-only, compacted by retention)
//   - <prefix>.checkpoints.json (recovery marks, rewritten on update)
type fileStore struct {
	log       logx.Logger
	retention time.Duration
	now       func() time.Time

	mu sync.Mutex

	ledgerFile *os.File
	missedPath string
	missedFile *os.File
	missed     []bus.Message

	marksPath string
	marks     map[string]time.Time

	missedWrites int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	lf, err := os.OpenFile(prefix+".ledger.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	s := &fileStore{
		log:        log,
		retention:  cfg.retention(),
		now:        time.Now,
		ledgerFile: lf,
		missedPath: prefix + ".missed.jsonl",
		marksPath:  prefix + ".checkpoints.json",
		marks:      map[string]time.Time{},
	}
	if err := loadMissed(s.missedPath, &s.missed); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("missed journal unreadable", logx.String("path", s.missedPath), logx.Err(err))
	}
	if b, err := os.ReadFile(s.marksPath); err == nil {
		if err := json.Unmarshal(b, &s.marks); err != nil {
			log.Warn("recovery marks unreadable", logx.String("path", s.marksPath), logx.Err(err))
		}
		if s.marks == nil {
			s.marks = map[string]time.Time{}
		}
	}
	if err := s.compactLocked(); err != nil {
		_ = lf.Close()
		return nil, err
	}
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.ledgerFile != nil {
		err1 = s.ledgerFile.Close()
		s.ledgerFile = nil
	}
	if s.missedFile != nil {
		err2 = s.missedFile.Close()
		s.missedFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) AppendLedger(ctx context.Context, e ledger.Entry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ledgerFile == nil {
		return ErrDisabled
	}
	return json.NewEncoder(s.ledgerFile).Encode(e)
}

func (s *fileStore) RecordMissed(ctx context.Context, m bus.Message) error {
	_ = ctx
	if m.Timestamp.IsZero() {
		m.Timestamp = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.missedFile == nil {
		return ErrDisabled
	}
	if err := json.NewEncoder(s.missedFile).Encode(m); err != nil {
		return err
	}
	s.missed = append(s.missed, m)
	s.missedWrites++
	if s.missedWrites%1000 == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("missed compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) MissedSince(ctx context.Context, to string, since time.Time) ([]bus.Message, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.missedFile == nil {
		return nil, ErrDisabled
	}
	var out []bus.Message
	for _, m := range s.missed {
		if m.To == to && m.Timestamp.After(since) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *fileStore) RecoveredAt(ctx context.Context, node string) (time.Time, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.missedFile == nil {
		return time.Time{}, ErrDisabled
	}
	return s.marks[node], nil
}

func (s *fileStore) MarkRecovered(ctx context.Context, node string, at time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.missedFile == nil {
		return ErrDisabled
	}
	s.marks[node] = at
	b, err := json.Marshal(s.marks)
	if err != nil {
		return err
	}
	tmp := s.marksPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.marksPath)
}

// compactLocked drops messages older than the retention window and rewrites
// the journal through a temp file.
func (s *fileStore) compactLocked() error {
	cutoff := s.now().Add(-s.retention)
	kept := s.missed[:0]
	for _, m := range s.missed {
		if !m.Timestamp.Before(cutoff) {
			kept = append(kept, m)
		}
	}
	s.missed = kept

	tmp := s.missedPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, m := range s.missed {
		if err := enc.Encode(m); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	if s.missedFile != nil {
		_ = s.missedFile.Close()
		s.missedFile = nil
	}
	if err := os.Rename(tmp, s.missedPath); err != nil {
		return err
	}
	mf, err := os.OpenFile(s.missedPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	s.missedFile = mf
	return nil
}

func loadMissed(path string, out *[]bus.Message) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var m bus.Message
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			continue
		}
		if m.ID == "" {
			continue
		}
		*out = append(*out, m)
	}
	return sc.Err()
}
