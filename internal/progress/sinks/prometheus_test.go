package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/shelfwatch/fetch-engine/internal/operation"
	"github.com/shelfwatch/fetch-engine/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	batch := []progress.Event{
		{
			OperationID: "op-0001",
			Kind:        operation.KindFetchItems,
			TargetID:    "tgt-1",
			TS:          time.Now(),
			Stage:       progress.StageCreated,
		},
		{
			OperationID: "op-0001",
			Kind:        operation.KindFetchItems,
			TargetID:    "tgt-1",
			TS:          time.Now().Add(10 * time.Second),
			Stage:       progress.StageBatchDone,
			Saved:       23,
			Failed:      2,
			Skipped:     1,
			Dur:         200 * time.Millisecond,
		},
		{
			OperationID: "op-0001",
			Kind:        operation.KindFetchItems,
			TargetID:    "tgt-1",
			TS:          time.Now().Add(15 * time.Second),
			Stage:       progress.StageCompleted,
			Dur:         15 * time.Second,
		},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	kind := string(operation.KindFetchItems)
	require.Equal(t, 1.0, testutil.ToFloat64(sink.opsStarted.WithLabelValues(kind)))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.opsFinished.WithLabelValues("completed")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.opsFinished.WithLabelValues("failed")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.opsActive))

	require.InDelta(t, 23.0, testutil.ToFloat64(sink.itemsSaved.WithLabelValues(kind)), 1e-9)
	require.InDelta(t, 2.0, testutil.ToFloat64(sink.itemsFailed.WithLabelValues(kind)), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.itemsSkipped.WithLabelValues(kind)), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.batchDuration, "engine_batch_duration_seconds"))
}

// TestPrometheusSinkPauseResume verifies the active gauge tracks pause and resume cycles.
func TestPrometheusSinkPauseResume(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	emit := func(stage progress.Stage) {
		require.NoError(t, sink.Consume(context.Background(), []progress.Event{{
			OperationID: "op-0002",
			Kind:        operation.KindUpdateIndex,
			TargetID:    "tgt-1",
			TS:          time.Now(),
			Stage:       stage,
		}}))
	}

	emit(progress.StageCreated)
	require.Equal(t, 1.0, testutil.ToFloat64(sink.opsActive))

	emit(progress.StagePaused)
	require.Equal(t, 0.0, testutil.ToFloat64(sink.opsActive))

	// A second pause for the same operation must not drive the gauge negative.
	emit(progress.StagePaused)
	require.Equal(t, 0.0, testutil.ToFloat64(sink.opsActive))

	emit(progress.StageResumed)
	require.Equal(t, 1.0, testutil.ToFloat64(sink.opsActive))

	emit(progress.StageCancelled)
	require.Equal(t, 0.0, testutil.ToFloat64(sink.opsActive))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.opsFinished.WithLabelValues("cancelled")))
}
