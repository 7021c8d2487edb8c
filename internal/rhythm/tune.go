package rhythm

import (
	"tempo/internal/ledger"
	logx "tempo/pkg/logx"
)

// Tune moves adaptive rhythms to the high-frequency schedule when avgLoad is
// above the high threshold and to the low-frequency one when it is below the low
// threshold. It returns the rhythms whose schedule changed.
func (s *Scheduler) Tune(avgLoad float64) []string {
	var target string
	switch {
	case avgLoad > s.cfg.HighThreshold:
		target = s.cfg.HighSpec
	case avgLoad < s.cfg.LowThreshold:
		target = s.cfg.LowSpec
	default:
		return nil
	}

	s.mu.Lock()
	var changed, lost []string
	for _, name := range s.order {
		e := s.entries[name]
		if !e.r.Adaptive || e.spec == target {
			continue
		}
		old := e.spec
		e.spec = target
		if s.c != nil && e.entryID != 0 {
			s.c.Remove(e.entryID)
			e.entryID = 0
			if err := s.addCronLocked(e); err != nil {
				e.spec = old
				if err := s.addCronLocked(e); err != nil {
					lost = append(lost, name)
				}
				continue
			}
		}
		changed = append(changed, name)
	}
	s.mu.Unlock()

	s.noteUnscheduled(lost, "tune")
	if len(changed) > 0 {
		s.led.Record(ledger.RhythmRetuned, map[string]any{"rhythms": changed, "spec": target, "avg_load": avgLoad})
		s.log.Info("rhythms retuned", logx.Any("rhythms", changed), logx.String("spec", target), logx.Float64("avg_load", avgLoad))
	}
	return changed
}

// Pause stops the timers of every non-essential rhythm, keeping their
// definitions. Pending retries of paused rhythms are cancelled.
func (s *Scheduler) Pause() []string {
	s.mu.Lock()
	var paused []string
	for _, name := range s.order {
		e := s.entries[name]
		if e.r.Essential || e.paused {
			continue
		}
		s.detachLocked(e)
		e.paused = true
		paused = append(paused, name)
	}
	s.mu.Unlock()

	if len(paused) > 0 {
		s.led.Record(ledger.RhythmsPaused, map[string]any{"rhythms": paused})
		s.log.Info("rhythms paused", logx.Any("rhythms", paused))
	}
	return paused
}

// Resume restarts the timers of paused rhythms from their retained schedules.
func (s *Scheduler) Resume() []string {
	s.mu.Lock()
	var resumed, lost []string
	for _, name := range s.order {
		e := s.entries[name]
		if !e.paused {
			continue
		}
		if s.c != nil {
			// Stays paused so the next Resume tries again.
			if err := s.addCronLocked(e); err != nil {
				lost = append(lost, name)
				continue
			}
		}
		e.paused = false
		resumed = append(resumed, name)
	}
	s.mu.Unlock()

	s.noteUnscheduled(lost, "resume")
	if len(resumed) > 0 {
		s.led.Record(ledger.RhythmsResumed, map[string]any{"rhythms": resumed})
		s.log.Info("rhythms resumed", logx.Any("rhythms", resumed))
	}
	return resumed
}

// Paused reports whether name is currently paused.
func (s *Scheduler) Paused(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	return ok && e.paused
}

// noteUnscheduled reports rhythms that were left without a cron timer.
func (s *Scheduler) noteUnscheduled(names []string, during string) {
	if len(names) == 0 {
		return
	}
	s.led.Record(ledger.RhythmUnscheduled, map[string]any{"rhythms": names, "during": during})
	s.log.Error("rhythms left without a timer", logx.Strings("rhythms", names), logx.String("during", during))
}
