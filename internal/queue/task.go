package queue

import (
	"encoding/json"
	"time"
)

// Task is a unit of work. Identity is ID; a task is owned by exactly one holder
// at a time (a local queue, the in-flight set, or a helper's batch).
type Task struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}
