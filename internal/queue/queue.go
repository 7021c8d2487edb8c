// Package queue implements the bounded FIFO work queue and its admission rules.
package queue

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxQueue is the admission limit when none is configured.
const DefaultMaxQueue = 100

// Queue is an ordered list of pending tasks plus an id-set for O(1) duplicate
// detection. len(ids) == len(items) holds at all times.
type Queue struct {
	mu    sync.Mutex
	max   int
	items []Task
	ids   map[string]struct{}

	now func() time.Time
}

func New(max int) *Queue {
	if max <= 0 {
		max = DefaultMaxQueue
	}
	return &Queue{
		max: max,
		ids: make(map[string]struct{}),
		now: time.Now,
	}
}

// Max returns the admission limit.
func (q *Queue) Max() int { return q.max }

// Push admits t at the tail. An empty ID is replaced by a fresh UUID and a zero
// EnqueuedAt is stamped. The admitted task is returned.
//
// Duplicate detection runs before the capacity check, so a duplicate id on a full
// queue reports ReasonDuplicate.
func (q *Queue) Push(t Task) (Task, error) {
	t.ID = strings.TrimSpace(t.ID)
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, dup := q.ids[t.ID]; dup {
		return t, &RejectedError{ID: t.ID, Reason: ReasonDuplicate}
	}
	if len(q.items) >= q.max {
		return t, &RejectedError{ID: t.ID, Reason: ReasonQueueFull}
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = q.now()
	}
	q.items = append(q.items, t)
	q.ids[t.ID] = struct{}{}
	return t, nil
}

// Pop removes and returns the head task.
func (q *Queue) Pop() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Task{}, false
	}
	t := q.items[0]
	q.items[0] = Task{}
	q.items = q.items[1:]
	delete(q.ids, t.ID)
	return t, true
}

// Take removes up to n tasks from the head, in order.
func (q *Queue) Take(n int) []Task {
	if n <= 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.items) {
		n = len(q.items)
	}
	out := make([]Task, n)
	copy(out, q.items[:n])
	for i := 0; i < n; i++ {
		delete(q.ids, q.items[i].ID)
		q.items[i] = Task{}
	}
	q.items = q.items[n:]
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Has reports whether a task with id is queued.
func (q *Queue) Has(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.ids[id]
	return ok
}

// Snapshot returns a copy of the queued tasks in order.
func (q *Queue) Snapshot() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, len(q.items))
	copy(out, q.items)
	return out
}
