// Package rhythm runs named recurring actions on cron schedules, retries failed
// runs on a fixed backoff ladder and escalates once the ladder is exhausted.
package rhythm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"tempo/internal/ledger"
	logx "tempo/pkg/logx"
)

var ErrUnknownRhythm = errors.New("rhythm: unknown rhythm")

// Defaults for adaptive tuning and retries.
const (
	DefaultHighSpec      = "*/10 * * * *"
	DefaultLowSpec       = "0 3 * * *"
	DefaultHighThreshold = 0.8
	DefaultLowThreshold  = 0.3
	PriorityHigh         = "high"
)

// DefaultBackoff is the delay before retry attempt 1, 2 and 3.
var DefaultBackoff = []time.Duration{5 * time.Second, 15 * time.Second, 60 * time.Second}

// Action is the body of a rhythm.
type Action func(ctx context.Context) error

// Rhythm is a named recurring action.
type Rhythm struct {
	Name   string
	Spec   string
	Action Action
	// Essential rhythms keep running while the scheduler is paused.
	Essential bool
	// Adaptive rhythms follow Tune.
	Adaptive bool
	Timeout  time.Duration
}

// Escalation reports a rhythm whose retries ran out.
type Escalation struct {
	RhythmName string `json:"rhythmName"`
	// FailureCount is the number of retries that failed.
	FailureCount        int    `json:"failureCount"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	LastError           string `json:"lastError"`
	Priority            string `json:"priority"`
}

// Escalator delivers an escalation to whoever plans around failing rhythms.
type Escalator func(ctx context.Context, e Escalation) error

type Config struct {
	Timezone      string
	HighSpec      string
	LowSpec       string
	HighThreshold float64
	LowThreshold  float64
	Backoff       []time.Duration
}

func (c Config) withDefaults() Config {
	if c.HighSpec == "" {
		c.HighSpec = DefaultHighSpec
	}
	if c.LowSpec == "" {
		c.LowSpec = DefaultLowSpec
	}
	if c.HighThreshold <= 0 {
		c.HighThreshold = DefaultHighThreshold
	}
	if c.LowThreshold <= 0 {
		c.LowThreshold = DefaultLowThreshold
	}
	if len(c.Backoff) == 0 {
		c.Backoff = append([]time.Duration(nil), DefaultBackoff...)
	}
	return c
}

// Stopper cancels a pending retry.
type Stopper interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc satisfies it through a wrapper.
type AfterFunc func(d time.Duration, f func()) Stopper

type entry struct {
	r       Rhythm
	spec    string
	entryID cron.EntryID

	paused       bool
	running      bool
	retryPending bool
	retry        Stopper

	failures int
	lastErr  string
	lastRun  time.Time
}

// Info is a read-only view of one rhythm.
type Info struct {
	Name                string    `json:"name"`
	Spec                string    `json:"spec"`
	BaseSpec            string    `json:"baseSpec"`
	Essential           bool      `json:"essential"`
	Adaptive            bool      `json:"adaptive"`
	Paused              bool      `json:"paused"`
	Running             bool      `json:"running"`
	RetryPending        bool      `json:"retryPending"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastError           string    `json:"lastError,omitempty"`
	LastRun             time.Time `json:"lastRun,omitempty"`
	Next                time.Time `json:"next,omitempty"`
	Prev                time.Time `json:"prev,omitempty"`
}

type Scheduler struct {
	mu sync.Mutex

	cfg    Config
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron

	entries map[string]*entry
	order   []string

	baseCtx context.Context
	stopped bool

	led       *ledger.Ledger
	log       logx.Logger
	escalate  Escalator
	afterFunc AfterFunc

	wg sync.WaitGroup
}

type Option func(*Scheduler)

// WithEscalator sets where exhausted rhythms are reported.
func WithEscalator(e Escalator) Option {
	return func(s *Scheduler) { s.escalate = e }
}

// WithAfterFunc replaces the timer used for retries.
func WithAfterFunc(f AfterFunc) Option {
	return func(s *Scheduler) {
		if f != nil {
			s.afterFunc = f
		}
	}
}
