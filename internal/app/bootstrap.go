package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tempo/internal/aid"
	"tempo/internal/config"
	"tempo/internal/node"
	"tempo/internal/rhythm"
	"tempo/internal/watchdog"
	logx "tempo/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapRhythmConfig(cfg *config.Config) (rhythm.Config, error) {
	backoff := make([]time.Duration, 0, len(cfg.Tuning.RetryBackoff))
	for i, raw := range cfg.Tuning.RetryBackoff {
		d, err := config.ParseDurationField(fmt.Sprintf("tuning.retry_backoff[%d]", i), raw)
		if err != nil {
			return rhythm.Config{}, err
		}
		backoff = append(backoff, d)
	}
	return rhythm.Config{
		Timezone:      strings.TrimSpace(cfg.Scheduler.Timezone),
		HighSpec:      strings.TrimSpace(cfg.Tuning.HighSchedule),
		LowSpec:       strings.TrimSpace(cfg.Tuning.LowSchedule),
		HighThreshold: cfg.Tuning.HighThreshold,
		LowThreshold:  cfg.Tuning.LowThreshold,
		Backoff:       backoff,
	}, nil
}

func mapNodeConfig(cfg *config.Config, version string) (node.Config, error) {
	interval, err := config.ParseIntervalOrDefault("aid.request_interval", cfg.Aid.RequestInterval, aid.DefaultRequestInterval)
	if err != nil {
		return node.Config{}, err
	}

	w := cfg.Watchdog
	pulse, err := config.ParseDurationOrDefault("watchdog.pulse_every", w.PulseEvery, watchdog.DefaultPulseEvery)
	if err != nil {
		return node.Config{}, err
	}
	recoverEvery, err := config.ParseDurationOrDefault("watchdog.recover_every", w.RecoverEvery, watchdog.DefaultRecoverEvery)
	if err != nil {
		return node.Config{}, err
	}
	audit, err := config.ParseDurationOrDefault("watchdog.audit_every", w.AuditEvery, watchdog.DefaultAuditEvery)
	if err != nil {
		return node.Config{}, err
	}
	stale, err := config.ParseDurationOrDefault("watchdog.stale_after", w.StaleAfter, watchdog.DefaultStaleAfter)
	if err != nil {
		return node.Config{}, err
	}

	rcfg, err := mapRhythmConfig(cfg)
	if err != nil {
		return node.Config{}, err
	}

	v := strings.TrimSpace(cfg.Node.Version)
	if v == "" {
		v = version
	}
	return node.Config{
		ID:            strings.TrimSpace(cfg.Node.ID),
		Type:          strings.TrimSpace(cfg.Node.Type),
		Capabilities:  cfg.Node.Capabilities,
		Version:       v,
		Planner:       strings.TrimSpace(cfg.Node.Planner),
		MaxQueue:      cfg.Scheduler.MaxQueue,
		MaxConcurrent: cfg.Scheduler.MaxConcurrent,
		LedgerSize:    cfg.Scheduler.LedgerSize,
		Aid:           aid.Config{RequestInterval: interval},
		Watchdog: watchdog.Config{
			PulseEvery:   pulse,
			RecoverEvery: recoverEvery,
			AuditEvery:   audit,
			StaleAfter:   stale,
			Systemd:      w.Systemd,
		},
		Rhythm: rcfg,
		Routes: cfg.Routes,
	}, nil
}

func mapRhythmDef(r config.RhythmConfig) (node.RhythmDef, error) {
	timeout, err := config.ParseDurationField("rhythms."+r.Name+".timeout", r.Timeout)
	if err != nil {
		return node.RhythmDef{}, err
	}
	return node.RhythmDef{
		Name:      strings.TrimSpace(r.Name),
		Schedule:  strings.TrimSpace(r.Schedule),
		Action:    strings.TrimSpace(r.Action),
		Target:    strings.TrimSpace(r.Target),
		Essential: r.Essential,
		Adaptive:  r.Adaptive,
		Timeout:   timeout,
	}, nil
}

// validate checks what config.Validate cannot: schedule expressions, the
// timezone and the storage mapping.
func validate(_ context.Context, cfg *config.Config) error {
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	specs := rhythm.New(rhythm.Config{}, nil, logx.Nop())
	for _, s := range []struct{ path, spec string }{
		{"tuning.high_schedule", cfg.Tuning.HighSchedule},
		{"tuning.low_schedule", cfg.Tuning.LowSchedule},
	} {
		if strings.TrimSpace(s.spec) == "" {
			continue
		}
		if err := specs.Validate(s.spec); err != nil {
			return fmt.Errorf("%s: %w", s.path, err)
		}
	}
	for i, r := range cfg.Rhythms {
		if err := specs.Validate(r.Schedule); err != nil {
			return fmt.Errorf("rhythms[%d]: %w", i, err)
		}
	}
	if _, err := mapNodeConfig(cfg, ""); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	return nil
}
