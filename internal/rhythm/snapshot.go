package rhythm

// Snapshot returns every rhythm in registration order.
func (s *Scheduler) Snapshot() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.order))
	for _, name := range s.order {
		e := s.entries[name]
		it := Info{
			Name:                name,
			Spec:                e.spec,
			BaseSpec:            e.r.Spec,
			Essential:           e.r.Essential,
			Adaptive:            e.r.Adaptive,
			Paused:              e.paused,
			Running:             e.running,
			RetryPending:        e.retryPending,
			ConsecutiveFailures: e.failures,
			LastError:           e.lastErr,
			LastRun:             e.lastRun,
		}
		if s.c != nil && e.entryID != 0 {
			ce := s.c.Entry(e.entryID)
			it.Next = ce.Next
			it.Prev = ce.Prev
		}
		out = append(out, it)
	}
	return out
}

// Failures returns the consecutive failure count of every rhythm.
func (s *Scheduler) Failures() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.entries))
	for name, e := range s.entries {
		out[name] = e.failures
	}
	return out
}
