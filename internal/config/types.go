package config

// Config is the on-disk configuration of one scheduler node.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Node      NodeConfig      `json:"node"`
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Aid       AidConfig       `json:"aid"`
	Watchdog  WatchdogConfig  `json:"watchdog"`
	Tuning    TuningConfig    `json:"tuning"`
	Rhythms   []RhythmConfig  `json:"rhythms,omitempty"`

	// Routes maps task kinds to the node that executes them; "*" is the fallback.
	Routes map[string]string `json:"routes,omitempty"`

	Bus     BusConfig      `json:"bus"`
	Storage *StorageConfig `json:"storage,omitempty"`
	HTTP    HTTPConfig     `json:"http"`
}

type NodeConfig struct {
	ID           string   `json:"id"`
	Type         string   `json:"type,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Version      string   `json:"version,omitempty"`
	// Planner receives rhythm escalations. Empty keeps them in the log.
	Planner string `json:"planner,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls admission and execution.
//
// Defaults (when fields are omitted/zero):
//   - max_queue: 100
//   - max_concurrent: 5
//   - ledger_size: 1000
type SchedulerConfig struct {
	MaxQueue      int `json:"max_queue,omitempty"`
	MaxConcurrent int `json:"max_concurrent,omitempty"`
	LedgerSize    int `json:"ledger_size,omitempty"`

	// Rhythm timezone (IANA name). Empty means local time.
	Timezone string `json:"timezone,omitempty"`
}

type AidConfig struct {
	// RequestInterval throttles help broadcasts. "0s" keeps the default;
	// a negative value is rejected, use "off" to disable throttling.
	RequestInterval string `json:"request_interval,omitempty"`
	// ReleaseEvery runs an extra idle-helper release loop. Empty disables it.
	ReleaseEvery string `json:"release_every,omitempty"`
}

type WatchdogConfig struct {
	PulseEvery   string `json:"pulse_every,omitempty"`
	RecoverEvery string `json:"recover_every,omitempty"`
	AuditEvery   string `json:"audit_every,omitempty"`
	StaleAfter   string `json:"stale_after,omitempty"`
	// Systemd forwards each pulse as WATCHDOG=1.
	Systemd bool `json:"systemd,omitempty"`
}

// TuningConfig controls load-adaptive rescheduling.
type TuningConfig struct {
	HighThreshold float64  `json:"high_threshold,omitempty"`
	LowThreshold  float64  `json:"low_threshold,omitempty"`
	HighSchedule  string   `json:"high_schedule,omitempty"`
	LowSchedule   string   `json:"low_schedule,omitempty"`
	RetryBackoff  []string `json:"retry_backoff,omitempty"`
}

// RhythmConfig declares a recurring action.
//
// Action names a locally registered action; when Target is set the action is
// sent to that node as a rhythm_action message instead.
type RhythmConfig struct {
	Name      string `json:"name"`
	Schedule  string `json:"schedule"`
	Action    string `json:"action,omitempty"`
	Target    string `json:"target,omitempty"`
	Essential bool   `json:"essential,omitempty"`
	Adaptive  bool   `json:"adaptive,omitempty"`
	Timeout   string `json:"timeout,omitempty"`
}

// BusConfig selects the message transport.
//
// Example:
//
//	"bus": { "driver": "redis", "redis_addr": "127.0.0.1:6379", "prefix": "tempo" }
type BusConfig struct {
	Driver      string `json:"driver,omitempty"` // memory (default) | redis
	RedisAddr   string `json:"redis_addr,omitempty"`
	Prefix      string `json:"prefix,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
	// NodeTTL is how long a silent node stays known on redis. Defaults to three
	// pulse intervals.
	NodeTTL string `json:"node_ttl,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/tempo" }
type StorageConfig struct {
	Driver          string `json:"driver"`
	Path            string `json:"path"`
	BusyTimeout     string `json:"busy_timeout,omitempty"` // sqlite
	MissedRetention string `json:"missed_retention,omitempty"`
}

type HTTPConfig struct {
	// Addr is the listen address of the status API. Empty disables it.
	Addr string `json:"addr,omitempty"`
	// Pprof mounts net/http/pprof under /debug. Keep Addr on loopback when set.
	Pprof bool `json:"pprof,omitempty"`
}
