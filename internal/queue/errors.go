package queue

import (
	"errors"
	"fmt"
)

// Rejection reasons reported to callers of Enqueue.
const (
	ReasonDuplicate = "duplicate"
	ReasonQueueFull = "queue_full"
)

var (
	ErrDuplicate = errors.New("task id already queued")
	ErrQueueFull = errors.New("queue full")
)

// RejectedError is returned when admission refuses a task.
// It matches ErrDuplicate or ErrQueueFull with errors.Is.
type RejectedError struct {
	ID     string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("enqueue rejected (%s): task %q", e.Reason, e.ID)
}

func (e *RejectedError) Unwrap() error {
	switch e.Reason {
	case ReasonDuplicate:
		return ErrDuplicate
	case ReasonQueueFull:
		return ErrQueueFull
	default:
		return nil
	}
}

// RejectionReason returns the admission reason carried by err, or "".
func RejectionReason(err error) string {
	var re *RejectedError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ""
}
