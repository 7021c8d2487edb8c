package rhythm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"tempo/internal/ledger"
	logx "tempo/pkg/logx"
)

func New(cfg Config, led *ledger.Ledger, log logx.Logger, opts ...Option) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		cfg:     cfg.withDefaults(),
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		entries: map[string]*entry{},
		baseCtx: context.Background(),
		led:     led,
		log:     log.With(logx.String("comp", "rhythm")),
		afterFunc: func(d time.Duration, f func()) Stopper {
			return time.AfterFunc(d, f)
		},
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

// Validate reports whether spec parses as a five-field cron expression or
// descriptor.
func (s *Scheduler) Validate(spec string) error {
	if _, err := s.parser.Parse(strings.TrimSpace(spec)); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// Upsert registers r, replacing any rhythm with the same name. The replaced
// rhythm's pending retry is cancelled and its failure count dropped. A paused
// non-essential rhythm stays paused.
func (s *Scheduler) Upsert(r Rhythm) error {
	r.Name = strings.TrimSpace(r.Name)
	r.Spec = strings.TrimSpace(r.Spec)
	if r.Name == "" {
		return errors.New("rhythm name required")
	}
	if r.Action == nil {
		return fmt.Errorf("rhythm %s: action required", r.Name)
	}
	if err := s.Validate(r.Spec); err != nil {
		return fmt.Errorf("rhythm %s: %w", r.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := &entry{r: r, spec: r.Spec}
	if old, ok := s.entries[r.Name]; ok {
		e.paused = old.paused && !r.Essential
		s.detachLocked(old)
	} else {
		s.order = append(s.order, r.Name)
	}
	s.entries[r.Name] = e

	if s.c != nil && !e.paused {
		if err := s.addCronLocked(e); err != nil {
			return err
		}
		s.log.Debug("rhythm registered", logx.String("name", r.Name), logx.String("spec", e.spec), logx.Time("next", s.c.Entry(e.entryID).Next))
	}
	return nil
}

// Remove unschedules name. It reports whether the rhythm existed.
func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return false
	}
	s.detachLocked(e)
	delete(s.entries, name)
	n := 0
	for _, o := range s.order {
		if o != name {
			s.order[n] = o
			n++
		}
	}
	s.order = s.order[:n]
	s.log.Debug("rhythm removed", logx.String("name", name))
	return true
}

// Names returns registered rhythm names in registration order.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// detachLocked stops e's cron entry and pending retry. Call with s.mu held.
func (s *Scheduler) detachLocked(e *entry) {
	if s.c != nil && e.entryID != 0 {
		s.c.Remove(e.entryID)
	}
	e.entryID = 0
	s.cancelRetryLocked(e)
}

// cancelRetryLocked stops e's pending retry. A timer stopped before it fired
// never runs its callback, so its wait-group slot is released here.
func (s *Scheduler) cancelRetryLocked(e *entry) {
	if e.retry != nil && e.retry.Stop() {
		s.wg.Done()
	}
	e.retry = nil
	e.retryPending = false
}

func (s *Scheduler) addCronLocked(e *entry) error {
	name := e.r.Name
	id, err := s.c.AddJob(e.spec, cron.FuncJob(func() { s.fire(name, true) }))
	if err != nil {
		s.log.Error("rhythm register failed", logx.String("name", name), logx.String("spec", e.spec), logx.Err(err))
		return fmt.Errorf("rhythm %s: %w", name, err)
	}
	e.entryID = id
	return nil
}

// Start begins cron triggering. Actions run on a context detached from ctx so
// that a shutdown does not abort them mid-flight.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			s.log.Warn("invalid timezone; falling back to local", logx.String("tz", tz), logx.Err(err))
		} else {
			loc = l
		}
	}
	s.loc = loc
	s.baseCtx = context.WithoutCancel(ctx)
	s.stopped = false
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))

	var errs []error
	for _, name := range s.order {
		e := s.entries[name]
		if e.paused {
			continue
		}
		if err := s.addCronLocked(e); err != nil {
			errs = append(errs, err)
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", loc.String()), logx.Int("rhythms", len(s.order)))
	return errors.Join(errs...)
}

// Stop halts cron triggering and cancels pending retries. It waits for running
// actions until ctx is done. Definitions are kept for a later Start.
func (s *Scheduler) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.stopped = true
	for _, e := range s.entries {
		e.entryID = 0
		s.cancelRetryLocked(e)
	}
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// Trigger runs name now, outside its schedule. It is subject to the same
// re-entrancy guard as a scheduled tick.
func (s *Scheduler) Trigger(name string) error {
	s.mu.Lock()
	_, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("trigger %s: %w", name, ErrUnknownRhythm)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.fire(name, true)
	}()
	return nil
}
