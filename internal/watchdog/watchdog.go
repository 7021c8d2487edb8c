// Package watchdog keeps a node self-healing: a liveness pulse, a loop that
// replays messages the node missed, and an auditor that revives a stalled pulse
// and releases idle helpers.
package watchdog

import (
	"context"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"tempo/internal/bus"
	"tempo/internal/ledger"
	"tempo/internal/runtime/supervisor"
	logx "tempo/pkg/logx"
)

// TypePulse is the message type of liveness broadcasts.
const TypePulse = "pulse"

const (
	DefaultPulseEvery   = 30 * time.Second
	DefaultRecoverEvery = 60 * time.Second
	DefaultAuditEvery   = 120 * time.Second
	DefaultStaleAfter   = 120 * time.Second
)

type Config struct {
	Self         string
	Version      string
	PulseEvery   time.Duration
	RecoverEvery time.Duration
	AuditEvery   time.Duration
	StaleAfter   time.Duration
	// Systemd sends WATCHDOG=1 with every pulse when running under a unit.
	Systemd bool
}

func (c Config) withDefaults() Config {
	if c.PulseEvery <= 0 {
		c.PulseEvery = DefaultPulseEvery
	}
	if c.RecoverEvery <= 0 {
		c.RecoverEvery = DefaultRecoverEvery
	}
	if c.AuditEvery <= 0 {
		c.AuditEvery = DefaultAuditEvery
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	return c
}

// Pulse is the pulse payload.
type Pulse struct {
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

// Replayer feeds a recovered message back through the node's entry point.
type Replayer func(ctx context.Context, m bus.Message) (bus.Reply, error)

// Releaser frees helpers once the node is idle.
type Releaser interface {
	ReleaseIdle(ctx context.Context) []string
}

type Watchdog struct {
	cfg      Config
	bus      bus.Bus
	missed   bus.MissedStore
	marker   bus.RecoveryMarker
	replay   Replayer
	releaser Releaser
	led      *ledger.Ledger
	log      logx.Logger
	now      func() time.Time
	notify   func(state string) (bool, error)

	mu         sync.Mutex
	lastActive time.Time
	seeded     bool
	pulses     uint64
	restarts   uint64

	sup         *supervisor.Supervisor
	pulseCancel context.CancelFunc
}

// New builds a watchdog. missed may be nil when no missed-message store exists.
// When missed also implements bus.RecoveryMarker, recovery progress is saved
// there and the first recovery after a restart starts from the saved mark.
func New(cfg Config, b bus.Bus, missed bus.MissedStore, replay Replayer, rel Releaser, led *ledger.Ledger, log logx.Logger) *Watchdog {
	if log.IsZero() {
		log = logx.Nop()
	}
	w := &Watchdog{
		cfg:      cfg.withDefaults(),
		bus:      b,
		missed:   missed,
		replay:   replay,
		releaser: rel,
		led:      led,
		log:      log.With(logx.String("comp", "watchdog")),
		now:      time.Now,
		notify: func(state string) (bool, error) {
			return daemon.SdNotify(false, state)
		},
	}
	if m, ok := missed.(bus.RecoveryMarker); ok {
		w.marker = m
	}
	w.lastActive = w.now()
	return w
}

// Touch records inbound activity.
func (w *Watchdog) Touch() {
	w.mu.Lock()
	w.lastActive = w.now()
	w.mu.Unlock()
}

func (w *Watchdog) LastActive() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastActive
}

// Pulses returns how many pulses were emitted.
func (w *Watchdog) Pulses() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pulses
}

// Restarts returns how many times the auditor revived the pulse loop.
func (w *Watchdog) Restarts() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.restarts
}

// PulseOnce broadcasts one liveness pulse.
func (w *Watchdog) PulseOnce(ctx context.Context) error {
	p := Pulse{Timestamp: w.now(), Version: w.cfg.Version}
	msg, err := bus.NewMessage(w.cfg.Self, bus.Everyone, TypePulse, p)
	if err != nil {
		return err
	}
	if err := w.bus.Broadcast(ctx, msg); err != nil {
		w.log.Warn("pulse failed", logx.Err(err))
		return err
	}
	w.mu.Lock()
	w.pulses++
	n := w.pulses
	w.mu.Unlock()

	if w.cfg.Systemd {
		if _, err := w.notify(daemon.SdNotifyWatchdog); err != nil {
			w.log.Debug("sd_notify watchdog failed", logx.Err(err))
		}
	}
	w.led.Record(ledger.PulseEmitted, map[string]any{"count": n})
	w.log.Trace("pulse", logx.Uint64("count", n))
	return nil
}

// RecoverOnce replays messages addressed to this node that were recorded since
// the last activity, oldest first, and advances the activity mark to now
// whether or not any were found. It returns how many messages were replayed.
func (w *Watchdog) RecoverOnce(ctx context.Context) int {
	w.mu.Lock()
	since := w.lastActive
	now := w.now()
	w.lastActive = now
	first := !w.seeded
	w.seeded = true
	w.mu.Unlock()

	if w.missed == nil {
		return 0
	}
	if first && w.marker != nil {
		at, err := w.marker.RecoveredAt(ctx, w.cfg.Self)
		if err != nil {
			w.log.Warn("recovery mark unreadable", logx.Err(err))
		} else if !at.IsZero() && at.Before(since) {
			since = at
		}
	}

	msgs, err := w.missed.MissedSince(ctx, w.cfg.Self, since)
	if err != nil {
		w.led.Record(ledger.RecoveryFailed, map[string]any{"since": since, "error": err.Error()})
		w.log.Warn("recovery failed", logx.Time("since", since), logx.Err(err))
		return 0
	}
	if w.marker != nil {
		if err := w.marker.MarkRecovered(ctx, w.cfg.Self, now); err != nil {
			w.log.Warn("recovery mark not saved", logx.Err(err))
		}
	}
	if len(msgs) == 0 {
		return 0
	}

	replayed := 0
	for _, m := range msgs {
		if w.replay == nil {
			break
		}
		if _, err := w.replay(ctx, m); err != nil {
			w.log.Warn("replay failed", logx.String("id", m.ID), logx.String("type", m.Type), logx.Err(err))
			continue
		}
		replayed++
	}
	w.led.Record(ledger.MessagesRecovered, map[string]any{"found": len(msgs), "replayed": replayed})
	w.log.Info("messages recovered", logx.Int("found", len(msgs)), logx.Int("replayed", replayed))
	return replayed
}

// AuditOnce revives the pulse loop when the node has been quiet for longer than
// StaleAfter, then releases idle helpers. It reports whether the pulse was
// restarted.
func (w *Watchdog) AuditOnce(ctx context.Context) bool {
	w.mu.Lock()
	stale := w.now().Sub(w.lastActive) > w.cfg.StaleAfter
	w.mu.Unlock()

	if stale {
		w.restartPulse()
		w.mu.Lock()
		w.restarts++
		w.mu.Unlock()
		w.led.Record(ledger.PulseRestarted, map[string]any{"last_active": w.LastActive()})
		w.log.Warn("pulse restarted", logx.Time("last_active", w.LastActive()))
	}
	if w.releaser != nil {
		w.releaser.ReleaseIdle(ctx)
	}
	return stale
}

// Start runs the three loops under sup until its context is cancelled.
func (w *Watchdog) Start(sup *supervisor.Supervisor) {
	w.mu.Lock()
	w.sup = sup
	w.mu.Unlock()

	w.startPulse()
	sup.GoRestart(sup.Context(), "watchdog.recover", func(ctx context.Context) error {
		return every(ctx, w.cfg.RecoverEvery, func(ctx context.Context) { w.RecoverOnce(ctx) })
	}, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	sup.GoRestart(sup.Context(), "watchdog.audit", func(ctx context.Context) error {
		return every(ctx, w.cfg.AuditEvery, func(ctx context.Context) { w.AuditOnce(ctx) })
	}, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
}

func (w *Watchdog) startPulse() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sup == nil {
		return
	}
	if w.pulseCancel != nil {
		w.pulseCancel()
	}
	ctx, cancel := context.WithCancel(w.sup.Context())
	w.pulseCancel = cancel
	w.sup.GoRestart(ctx, "watchdog.pulse", func(ctx context.Context) error {
		return every(ctx, w.cfg.PulseEvery, func(ctx context.Context) { _ = w.PulseOnce(ctx) })
	}, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
}

// restartPulse replaces the pulse loop. Without a supervisor it is a no-op.
func (w *Watchdog) restartPulse() {
	w.startPulse()
}

func every(ctx context.Context, d time.Duration, fn func(ctx context.Context)) error {
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			fn(ctx)
		}
	}
}
