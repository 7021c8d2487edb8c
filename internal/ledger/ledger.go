// Package ledger keeps a bounded audit trail of scheduler events.
//
// The ledger is purely observational: control logic never reads it back.
// Observers (metrics, persistence) attach through Subscribe and receive every
// recorded entry on a buffered channel; slow observers drop entries.
package ledger

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCapacity is the number of entries kept before the oldest is evicted.
const DefaultCapacity = 1000

// Event names recorded by the node.
const (
	TaskEnqueued      = "task_enqueued"
	TaskRejected      = "task_rejected"
	TaskCompleted     = "task_completed"
	TaskFailed        = "task_failed"
	HelpRequested     = "help_requested"
	HelpDeclined      = "help_declined"
	HelpOffered       = "help_offered"
	HelperAdded       = "helper_added"
	TasksDistributed  = "tasks_distributed"
	BatchLost         = "batch_lost"
	BatchReceived     = "batch_received"
	HelpersReleased   = "helpers_released"
	ReleaseReceived   = "release_received"
	RhythmSucceeded   = "rhythm_succeeded"
	RhythmFailed      = "rhythm_failed"
	RhythmRetry       = "rhythm_retry_scheduled"
	RhythmEscalated   = "rhythm_escalated"
	RhythmRetuned     = "rhythm_retuned"
	RhythmUnscheduled = "rhythm_unscheduled"
	RhythmsPaused     = "rhythms_paused"
	RhythmsResumed    = "rhythms_resumed"
	PulseEmitted      = "pulse_emitted"
	PulseRestarted    = "pulse_restarted"
	MessagesRecovered = "messages_recovered"
	RecoveryFailed    = "recovery_failed"
)

// Entry is one recorded event.
type Entry struct {
	Event     string         `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Ledger is a FIFO-evicting ring of entries. The zero value is not usable; call New.
type Ledger struct {
	mu    sync.Mutex
	buf   []Entry
	start int
	n     int
	total uint64

	smu  sync.RWMutex
	subs map[uint64]chan Entry
	seq  atomic.Uint64

	now func() time.Time
}

func New(capacity int) *Ledger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ledger{
		buf:  make([]Entry, capacity),
		subs: map[uint64]chan Entry{},
		now:  time.Now,
	}
}

// Record appends an entry, evicting the oldest one when full, and fans it out to
// subscribers without blocking.
func (l *Ledger) Record(event string, data map[string]any) {
	if l == nil {
		return
	}
	e := Entry{Event: event, Timestamp: l.now(), Data: data}

	l.mu.Lock()
	capacity := len(l.buf)
	if l.n < capacity {
		l.buf[(l.start+l.n)%capacity] = e
		l.n++
	} else {
		l.buf[l.start] = e
		l.start = (l.start + 1) % capacity
	}
	l.total++
	l.mu.Unlock()

	l.publish(e)
}

// Len returns the number of retained entries.
func (l *Ledger) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.n
}

// Total returns the number of entries ever recorded, including evicted ones.
func (l *Ledger) Total() uint64 {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// Entries returns up to limit of the most recent entries, oldest first.
// limit <= 0 returns everything retained.
func (l *Ledger) Entries(limit int) []Entry {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.n
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, 0, n)
	capacity := len(l.buf)
	for i := l.n - n; i < l.n; i++ {
		out = append(out, l.buf[(l.start+i)%capacity])
	}
	return out
}

// Subscribe registers an observer. The returned function unsubscribes and closes
// the channel; it is safe to call more than once.
func (l *Ledger) Subscribe(buffer int) (<-chan Entry, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Entry, buffer)
	id := l.seq.Add(1)

	l.smu.Lock()
	l.subs[id] = ch
	l.smu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.smu.Lock()
			delete(l.subs, id)
			close(ch)
			l.smu.Unlock()
		})
	}
}

func (l *Ledger) publish(e Entry) {
	l.smu.RLock()
	defer l.smu.RUnlock()
	for _, ch := range l.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
