// Package load classifies node occupancy.
package load

// Overload thresholds. Both comparisons are strict.
const (
	QueueThreshold      = 0.8
	ProcessingThreshold = 0.9
)

// Snapshot is derived on demand and never cached.
type Snapshot struct {
	QueueLoad      float64 `json:"queueLoad"`
	ProcessingLoad float64 `json:"processingLoad"`
	Overall        float64 `json:"overall"`
	IsOverloaded   bool    `json:"isOverloaded"`
}

// Monitor is anything that can report its current snapshot.
type Monitor interface {
	Snapshot() Snapshot
}

// Compute derives a Snapshot from queue and dispatcher occupancy.
// A non-positive capacity contributes zero load.
func Compute(queueLen, maxQueue, processing, maxConcurrent int) Snapshot {
	var s Snapshot
	if maxQueue > 0 {
		s.QueueLoad = float64(queueLen) / float64(maxQueue)
	}
	if maxConcurrent > 0 {
		s.ProcessingLoad = float64(processing) / float64(maxConcurrent)
	}
	s.Overall = (s.QueueLoad + s.ProcessingLoad) / 2
	s.IsOverloaded = s.QueueLoad > QueueThreshold || s.ProcessingLoad > ProcessingThreshold
	return s
}
