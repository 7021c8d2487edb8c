package rhythm

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"tempo/internal/ledger"
	logx "tempo/pkg/logx"
)

// fire runs one tick of name. natural is false for retries.
//
// A natural tick is skipped while the rhythm is running or waiting for a retry,
// so each rhythm's run/retry sequence is serialized against itself.
func (s *Scheduler) fire(name string, natural bool) {
	s.mu.Lock()
	e, ok := s.entries[name]
	if !ok || s.stopped {
		s.mu.Unlock()
		return
	}
	if natural && (e.running || e.retryPending) {
		s.mu.Unlock()
		s.log.Debug("rhythm tick skipped", logx.String("name", name), logx.Bool("running", e.running), logx.Bool("retry_pending", e.retryPending))
		return
	}
	if !natural {
		e.retryPending = false
		e.retry = nil
	}
	e.running = true
	action := e.r.Action
	timeout := e.r.Timeout
	ctx := s.baseCtx
	s.mu.Unlock()

	start := time.Now()
	err := invoke(ctx, action, timeout)
	dur := time.Since(start)

	s.mu.Lock()
	e.running = false
	e.lastRun = start
	if s.entries[name] != e {
		// Replaced while running; the new definition starts from a clean slate.
		s.mu.Unlock()
		return
	}
	if err == nil {
		prev := e.failures
		e.failures = 0
		e.lastErr = ""
		s.mu.Unlock()
		s.led.Record(ledger.RhythmSucceeded, map[string]any{"name": name, "duration_ms": dur.Milliseconds(), "recovered_after": prev})
		s.log.Debug("rhythm succeeded", logx.String("name", name), logx.Duration("dur", dur))
		return
	}

	e.failures++
	e.lastErr = err.Error()
	n := e.failures
	s.led.Record(ledger.RhythmFailed, map[string]any{"name": name, "failures": n, "error": e.lastErr})
	if s.stopped {
		s.mu.Unlock()
		return
	}

	if n <= len(s.cfg.Backoff) {
		delay := s.cfg.Backoff[n-1]
		e.retryPending = true
		s.wg.Add(1)
		e.retry = s.afterFunc(delay, func() {
			defer s.wg.Done()
			s.fire(name, false)
		})
		s.mu.Unlock()
		s.led.Record(ledger.RhythmRetry, map[string]any{"name": name, "attempt": n, "delay_ms": delay.Milliseconds()})
		s.log.Warn("rhythm failed; retry scheduled", logx.String("name", name), logx.Int("attempt", n), logx.Duration("delay", delay), logx.Err(err))
		return
	}

	esc := Escalation{
		RhythmName:          name,
		FailureCount:        len(s.cfg.Backoff),
		ConsecutiveFailures: n,
		LastError:           e.lastErr,
		Priority:            PriorityHigh,
	}
	escalate := s.escalate
	s.mu.Unlock()

	s.led.Record(ledger.RhythmEscalated, map[string]any{"name": name, "failures": n, "error": esc.LastError})
	s.log.Error("rhythm escalated", logx.String("name", name), logx.Int("failures", n), logx.Err(err))
	if escalate == nil {
		return
	}
	if eerr := escalate(ctx, esc); eerr != nil {
		s.log.Warn("rhythm escalation not delivered", logx.String("name", name), logx.Err(eerr))
	}
}

func invoke(ctx context.Context, action Action, timeout time.Duration) (err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return action(ctx)
}
