package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shelfwatch/fetch-engine/internal/progress"
)

// PrometheusSink exports operation progress metrics via Prometheus. It owns
// all collectors for operations started/finished/active and per-kind item
// counters.
type PrometheusSink struct {
	opsStarted  *prometheus.CounterVec
	opsFinished *prometheus.CounterVec
	opsActive   prometheus.Gauge
	opRuntime   *prometheus.HistogramVec

	itemsSaved    *prometheus.CounterVec
	itemsFailed   *prometheus.CounterVec
	itemsSkipped  *prometheus.CounterVec
	batchDuration *prometheus.HistogramVec

	tracker *activeTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		opsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_operations_started_total",
			Help: "Total operations that have started, partitioned by kind.",
		}, []string{"kind"}),
		opsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_operations_finished_total",
			Help: "Total operations that reached a terminal stage, partitioned by result.",
		}, []string{"result"}),
		opsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_operations_active",
			Help: "Current number of operations executing.",
		}),
		opRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "engine_operation_runtime_seconds",
			Help:    "Wall time per finished operation.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"result"}),
		itemsSaved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_items_saved_total",
			Help: "Items durably saved, partitioned by operation kind.",
		}, []string{"kind"}),
		itemsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_items_failed_total",
			Help: "Items that failed permanently, partitioned by operation kind.",
		}, []string{"kind"}),
		itemsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_items_skipped_total",
			Help: "Items deferred to a later resume, partitioned by operation kind.",
		}, []string{"kind"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "engine_batch_duration_seconds",
			Help:    "Batch duration partitioned by operation kind.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"kind"}),
		tracker: newActiveTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.opsStarted,
		s.opsFinished,
		s.opsActive,
		s.opRuntime,
		s.itemsSaved,
		s.itemsFailed,
		s.itemsSkipped,
		s.batchDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageCreated, progress.StageResumed:
		s.opsStarted.WithLabelValues(string(evt.Kind)).Inc()
		if s.tracker.start(evt.OperationID) {
			s.opsActive.Inc()
		}
	case progress.StagePaused:
		if s.tracker.stop(evt.OperationID) {
			s.opsActive.Dec()
		}
	case progress.StageCompleted:
		s.finish(evt, "completed")
	case progress.StageFailed:
		s.finish(evt, "failed")
	case progress.StageCancelled:
		s.finish(evt, "cancelled")
	case progress.StageBatchDone:
		s.handleBatch(evt)
	}
}

func (s *PrometheusSink) finish(evt progress.Event, result string) {
	s.opsFinished.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.opRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.stop(evt.OperationID) {
		s.opsActive.Dec()
	}
}

func (s *PrometheusSink) handleBatch(evt progress.Event) {
	kind := string(evt.Kind)
	if kind == "" {
		kind = "unknown"
	}
	if evt.Saved > 0 {
		s.itemsSaved.WithLabelValues(kind).Add(float64(evt.Saved))
	}
	if evt.Failed > 0 {
		s.itemsFailed.WithLabelValues(kind).Add(float64(evt.Failed))
	}
	if evt.Skipped > 0 {
		s.itemsSkipped.WithLabelValues(kind).Add(float64(evt.Skipped))
	}
	if evt.Dur > 0 {
		s.batchDuration.WithLabelValues(kind).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type activeTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newActiveTracker() *activeTracker {
	return &activeTracker{running: make(map[string]struct{})}
}

func (t *activeTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *activeTracker) stop(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
