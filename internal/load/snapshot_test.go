package load

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompute(t *testing.T) {
	tests := []struct {
		name                      string
		queueLen, maxQueue        int
		processing, maxConcurrent int
		wantQueue, wantProcessing float64
		wantOverall               float64
		overloaded                bool
	}{
		{name: "queue pressure", queueLen: 90, maxQueue: 100, wantQueue: 0.9, wantOverall: 0.45, maxConcurrent: 5, overloaded: true},
		{name: "light", queueLen: 10, maxQueue: 100, processing: 1, maxConcurrent: 5, wantQueue: 0.1, wantProcessing: 0.2, wantOverall: 0.15},
		{name: "queue at threshold is not overloaded", queueLen: 80, maxQueue: 100, maxConcurrent: 5, wantQueue: 0.8, wantOverall: 0.4},
		{name: "processing saturated", processing: 5, maxConcurrent: 5, maxQueue: 100, wantProcessing: 1, wantOverall: 0.5, overloaded: true},
		{name: "processing at threshold is not overloaded", processing: 9, maxConcurrent: 10, maxQueue: 100, wantProcessing: 0.9, wantOverall: 0.45},
		{name: "zero caps", queueLen: 3, processing: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compute(tt.queueLen, tt.maxQueue, tt.processing, tt.maxConcurrent)
			assert.InDelta(t, tt.wantQueue, got.QueueLoad, 1e-9)
			assert.InDelta(t, tt.wantProcessing, got.ProcessingLoad, 1e-9)
			assert.InDelta(t, tt.wantOverall, got.Overall, 1e-9)
			assert.Equal(t, tt.overloaded, got.IsOverloaded)
		})
	}
}
