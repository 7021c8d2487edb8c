package config

import (
	"reflect"
	"sort"
	"strings"

	logx "tempo/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) structured attrs for logging, and (3) the names of rhythms that were
// added, changed or removed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Node, newCfg.Node) {
		changed = append(changed, "node")
		attrs = append(attrs,
			logx.String("node.id", newCfg.Node.ID),
			logx.Strings("node.capabilities", newCfg.Node.Capabilities),
			logx.Bool("node.planner_set", strings.TrimSpace(newCfg.Node.Planner) != ""),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Int("scheduler.max_queue", newCfg.Scheduler.MaxQueue),
			logx.Int("scheduler.max_concurrent", newCfg.Scheduler.MaxConcurrent),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if oldCfg.Aid != newCfg.Aid {
		changed = append(changed, "aid")
		attrs = append(attrs, logx.String("aid.request_interval", newCfg.Aid.RequestInterval))
	}

	if oldCfg.Watchdog != newCfg.Watchdog {
		changed = append(changed, "watchdog")
		attrs = append(attrs,
			logx.String("watchdog.pulse_every", newCfg.Watchdog.PulseEvery),
			logx.Bool("watchdog.systemd", newCfg.Watchdog.Systemd),
		)
	}

	if !reflect.DeepEqual(oldCfg.Tuning, newCfg.Tuning) {
		changed = append(changed, "tuning")
		attrs = append(attrs,
			logx.Float64("tuning.high_threshold", newCfg.Tuning.HighThreshold),
			logx.Float64("tuning.low_threshold", newCfg.Tuning.LowThreshold),
		)
	}

	if !reflect.DeepEqual(oldCfg.Routes, newCfg.Routes) {
		changed = append(changed, "routes")
		attrs = append(attrs, logx.Int("routes.count", len(newCfg.Routes)))
	}

	if oldCfg.Bus != newCfg.Bus {
		changed = append(changed, "bus")
		attrs = append(attrs,
			logx.String("bus.driver", newCfg.Bus.Driver),
			logx.Bool("bus.redis_addr_set", strings.TrimSpace(newCfg.Bus.RedisAddr) != ""),
		)
	}

	oStore, nStore := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if oStore != nStore {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.ToLower(strings.TrimSpace(nStore.Driver))),
			logx.Bool("storage.path_set", strings.TrimSpace(nStore.Path) != ""),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs, logx.String("http.addr", newCfg.HTTP.Addr))
	}

	rhythms := diffRhythms(oldCfg.Rhythms, newCfg.Rhythms)
	if len(rhythms) > 0 {
		changed = append(changed, "rhythms")
		attrs = append(attrs,
			logx.Int("rhythms.changed_count", len(rhythms)),
			logx.Int("rhythms.count", len(newCfg.Rhythms)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, rhythms
}

// Live reports whether every changed section can be applied without a restart.
func Live(changed []string) bool {
	for _, s := range changed {
		switch s {
		case "logging", "rhythms", "routes":
		default:
			return false
		}
	}
	return true
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

func diffRhythms(oldL, newL []RhythmConfig) []string {
	oldM := make(map[string]RhythmConfig, len(oldL))
	for _, r := range oldL {
		oldM[r.Name] = r
	}
	newM := make(map[string]RhythmConfig, len(newL))
	for _, r := range newL {
		newM[r.Name] = r
	}

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, inOld := oldM[name]
		n, inNew := newM[name]
		if inOld != inNew || o != n {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
