package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks the fields that can be verified without building the node.
// Schedule expressions are checked by the rhythm scheduler.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if strings.TrimSpace(c.Node.ID) == "" {
		errs = append(errs, errors.New("node.id is required"))
	}
	if c.Scheduler.MaxQueue < 0 {
		errs = append(errs, errors.New("scheduler.max_queue must be >= 0"))
	}
	if c.Scheduler.MaxConcurrent < 0 {
		errs = append(errs, errors.New("scheduler.max_concurrent must be >= 0"))
	}
	if c.Scheduler.LedgerSize < 0 {
		errs = append(errs, errors.New("scheduler.ledger_size must be >= 0"))
	}

	durations := map[string]string{
		"aid.release_every":      c.Aid.ReleaseEvery,
		"watchdog.pulse_every":   c.Watchdog.PulseEvery,
		"watchdog.recover_every": c.Watchdog.RecoverEvery,
		"watchdog.audit_every":   c.Watchdog.AuditEvery,
		"watchdog.stale_after":   c.Watchdog.StaleAfter,
		"bus.send_timeout":       c.Bus.SendTimeout,
		"bus.node_ttl":           c.Bus.NodeTTL,
	}
	if c.Storage != nil {
		durations["storage.busy_timeout"] = c.Storage.BusyTimeout
		durations["storage.missed_retention"] = c.Storage.MissedRetention
	}
	for i, raw := range c.Tuning.RetryBackoff {
		durations[fmt.Sprintf("tuning.retry_backoff[%d]", i)] = raw
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := ParseIntervalOrDefault("aid.request_interval", c.Aid.RequestInterval, 0); err != nil {
		errs = append(errs, err)
	}

	t := c.Tuning
	if t.HighThreshold < 0 || t.HighThreshold > 1 || t.LowThreshold < 0 || t.LowThreshold > 1 {
		errs = append(errs, errors.New("tuning thresholds must be within [0,1]"))
	}
	if t.HighThreshold > 0 && t.LowThreshold > 0 && t.LowThreshold >= t.HighThreshold {
		errs = append(errs, errors.New("tuning.low_threshold must be below tuning.high_threshold"))
	}

	seen := map[string]struct{}{}
	for i, r := range c.Rhythms {
		name := strings.TrimSpace(r.Name)
		switch {
		case name == "":
			errs = append(errs, fmt.Errorf("rhythms[%d].name is required", i))
			continue
		case strings.TrimSpace(r.Schedule) == "":
			errs = append(errs, fmt.Errorf("rhythms[%d].schedule is required", i))
		case strings.TrimSpace(r.Action) == "" && strings.TrimSpace(r.Target) == "":
			errs = append(errs, fmt.Errorf("rhythms[%d]: action or target is required", i))
		}
		if _, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("rhythms[%d]: duplicate name %q", i, name))
		}
		seen[name] = struct{}{}
		if _, err := ParseDurationField(fmt.Sprintf("rhythms[%d].timeout", i), r.Timeout); err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Bus.Driver)) {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Bus.RedisAddr) == "" {
			errs = append(errs, errors.New("bus.redis_addr is required for redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("bus.driver: unknown driver %q", c.Bus.Driver))
	}
	return errors.Join(errs...)
}
