// Package metrics exposes a node's state as Prometheus metrics.
//
// Gauges are read from the node on every scrape. Counters follow the ledger
// stream, so anything the node records is counted without the node knowing
// about Prometheus.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tempo/internal/ledger"
	"tempo/internal/load"
	logx "tempo/pkg/logx"
)

const namespace = "tempo"

// Source is the live state read by the gauges.
type Source interface {
	QueueLen() int
	Processing() int
	HelperCount() int
	Snapshot() load.Snapshot
}

// Metrics owns a registry scoped to one node.
type Metrics struct {
	reg *prometheus.Registry

	tasksCompleted prometheus.Counter
	tasksFailed    prometheus.Counter
	tasksRejected  *prometheus.CounterVec
	taskDuration   prometheus.Histogram
	helpRequests   prometheus.Counter
	tasksHandedOff prometheus.Counter
	batchesLost    prometheus.Counter
	rhythmFailures *prometheus.CounterVec
	escalations    *prometheus.CounterVec
	pulses         prometheus.Counter
	pulseRestarts  prometheus.Counter
	recoveredMsgs  prometheus.Counter
}

// New registers gauges over src plus the ledger-driven counters. The Go and
// process collectors are included.
func New(nodeID string, src Source) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	labels := prometheus.Labels{"node": nodeID}
	f := factory{reg: reg, labels: labels}

	f.gauge("queue", "length", "Tasks waiting in the queue.", func() float64 { return float64(src.QueueLen()) })
	f.gauge("dispatch", "processing", "Tasks currently executing.", func() float64 { return float64(src.Processing()) })
	f.gauge("aid", "helpers", "Nodes currently assisting.", func() float64 { return float64(src.HelperCount()) })
	f.gauge("load", "overall", "Overall load ratio (max of queue and processing load).", func() float64 { return src.Snapshot().Overall })
	f.gauge("load", "overloaded", "1 when the node is overloaded.", func() float64 {
		if src.Snapshot().IsOverloaded {
			return 1
		}
		return 0
	})

	return &Metrics{
		reg:            reg,
		tasksCompleted: f.counter("dispatch", "tasks_completed_total", "Tasks that finished without error."),
		tasksFailed:    f.counter("dispatch", "tasks_failed_total", "Tasks that returned an error or panicked."),
		tasksRejected:  f.counterVec("queue", "tasks_rejected_total", "Tasks refused at admission, by reason.", "reason"),
		taskDuration: f.histogram("dispatch", "task_duration_seconds", "Task execution time in seconds.",
			[]float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30}),
		helpRequests:   f.counter("aid", "help_requests_total", "Help requests broadcast."),
		tasksHandedOff: f.counter("aid", "tasks_distributed_total", "Tasks handed to helpers."),
		batchesLost:    f.counter("aid", "batches_lost_total", "Batches that never reached a helper."),
		rhythmFailures: f.counterVec("rhythm", "failures_total", "Failed rhythm runs, by rhythm.", "rhythm"),
		escalations:    f.counterVec("rhythm", "escalations_total", "Rhythms escalated after exhausting retries.", "rhythm"),
		pulses:         f.counter("watchdog", "pulses_total", "Pulses emitted."),
		pulseRestarts:  f.counter("watchdog", "pulse_restarts_total", "Pulse loop restarts by the auditor."),
		recoveredMsgs:  f.counter("watchdog", "messages_recovered_total", "Missed messages replayed."),
	}
}

// Registry returns the node's registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Observe applies one ledger entry to the counters.
func (m *Metrics) Observe(e ledger.Entry) {
	switch e.Event {
	case ledger.TaskCompleted:
		m.tasksCompleted.Inc()
		m.observeDuration(e)
	case ledger.TaskFailed:
		m.tasksFailed.Inc()
		m.observeDuration(e)
	case ledger.TaskRejected:
		m.tasksRejected.WithLabelValues(str(e.Data["reason"])).Inc()
	case ledger.HelpRequested:
		m.helpRequests.Inc()
	case ledger.TasksDistributed:
		m.tasksHandedOff.Add(num(e.Data["count"]))
	case ledger.BatchLost:
		m.batchesLost.Inc()
	case ledger.RhythmFailed:
		m.rhythmFailures.WithLabelValues(str(e.Data["name"])).Inc()
	case ledger.RhythmEscalated:
		m.escalations.WithLabelValues(str(e.Data["name"])).Inc()
	case ledger.PulseEmitted:
		m.pulses.Inc()
	case ledger.PulseRestarted:
		m.pulseRestarts.Inc()
	case ledger.MessagesRecovered:
		m.recoveredMsgs.Add(num(e.Data["replayed"]))
	}
}

func (m *Metrics) observeDuration(e ledger.Entry) {
	if v, ok := e.Data["duration_ms"]; ok {
		m.taskDuration.Observe(num(v) / 1000)
	}
}

// Follow feeds every entry recorded in led into Observe until ctx is done.
func (m *Metrics) Follow(ctx context.Context, led *ledger.Ledger, log logx.Logger) {
	ch, cancel := led.Subscribe(256)
	defer cancel()
	log.Debug("metrics following ledger")
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(e)
		}
	}
}

func str(v any) string {
	if v == nil {
		return "unknown"
	}
	return fmt.Sprint(v)
}

func num(v any) float64 {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case uint64:
		return float64(x)
	case float64:
		return x
	default:
		return 0
	}
}
