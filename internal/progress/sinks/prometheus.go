package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/openlistings/harvester/internal/progress"
)

// PrometheusSink exports pipeline progress metrics. It owns all collectors
// for runs started/completed/running, batch results, ingested records, and
// webhook rejections.
type PrometheusSink struct {
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runDuration   *prometheus.HistogramVec

	batchesCompleted *prometheus.CounterVec
	recordsIngested  *prometheus.CounterVec
	recordErrors     *prometheus.CounterVec
	decodeFailures   prometheus.Counter
	webhookRejected  prometheus.Counter

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_runs_started_total",
			Help: "Total runs that have started.",
		}, []string{"kind"}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_runs_completed_total",
			Help: "Total runs completed partitioned by kind and result.",
		}, []string{"kind", "result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_runs_running",
			Help: "Current number of running runs.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_run_duration_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{5, 30, 60, 300, 900, 1800, 3600, 7200, 10800},
		}, []string{"kind", "result"}),
		batchesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_batches_completed_total",
			Help: "Batches completed partitioned by result.",
		}, []string{"result"}),
		recordsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_records_ingested_total",
			Help: "Records stored partitioned by run kind.",
		}, []string{"kind"}),
		recordErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_record_errors_total",
			Help: "Per-record ingestion failures partitioned by run kind.",
		}, []string{"kind"}),
		decodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_decode_failures_total",
			Help: "Batch payloads no decoder fallback could parse.",
		}),
		webhookRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_webhook_rejected_total",
			Help: "Inbound webhook callbacks rejected by the security gate.",
		}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runDuration,
		s.batchesCompleted,
		s.recordsIngested,
		s.recordErrors,
		s.decodeFailures,
		s.webhookRejected,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch. Safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	kind := evt.Kind
	if kind == "" {
		kind = "unknown"
	}
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.WithLabelValues(kind).Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
	case progress.StageRunDone:
		s.completeRun(evt, kind, "success")
	case progress.StageRunError:
		s.completeRun(evt, kind, "error")
	case progress.StageRunCancelled:
		s.completeRun(evt, kind, "cancelled")
	case progress.StageBatchDone:
		s.batchesCompleted.WithLabelValues("success").Inc()
	case progress.StageBatchError:
		s.batchesCompleted.WithLabelValues("error").Inc()
	case progress.StageRecordsIngested:
		if evt.Records > 0 {
			s.recordsIngested.WithLabelValues(kind).Add(float64(evt.Records))
		}
		if evt.Errors > 0 {
			s.recordErrors.WithLabelValues(kind).Add(float64(evt.Errors))
		}
	case progress.StageDecodeFailure:
		s.decodeFailures.Inc()
	case progress.StageWebhookRejected:
		s.webhookRejected.Inc()
	}
}

func (s *PrometheusSink) completeRun(evt progress.Event, kind, result string) {
	s.runsCompleted.WithLabelValues(kind, result).Inc()
	if evt.Dur > 0 {
		s.runDuration.WithLabelValues(kind, result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.RunID) {
		s.runsRunning.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

// runTracker dedupes start/complete pairs so the running gauge stays
// accurate under replayed events.
type runTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[string]struct{})}
}

func (t *runTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
