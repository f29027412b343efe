package orchestration

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/internal/domain/batch"
	batchmem "github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/internal/infra/storage/batch/memory"
	"github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/internal/infra/storage"
	"github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/pkg/common/logger"
)

func TestSplitRows(t *testing.T) {
	t.Parallel()

	jobID := uuid.New()

	tests := []struct {
		name         string
		totalRows    int64
		maxChunkSize int64
		wantChunks   int
		wantLastEnd  int64
	}{
		{name: "exact multiple", totalRows: 300, maxChunkSize: 100, wantChunks: 3, wantLastEnd: 300},
		{name: "remainder chunk", totalRows: 250, maxChunkSize: 100, wantChunks: 3, wantLastEnd: 250},
		{name: "single chunk", totalRows: 10, maxChunkSize: 100, wantChunks: 1, wantLastEnd: 10},
		{name: "one row", totalRows: 1, maxChunkSize: 100, wantChunks: 1, wantLastEnd: 1},
		{name: "zero rows", totalRows: 0, maxChunkSize: 100, wantChunks: 0},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			entries := SplitRows(jobID, tt.totalRows, tt.maxChunkSize, batch.ProcessingModeSingle)
			require.Len(t, entries, tt.wantChunks)
			if tt.wantChunks == 0 {
				return
			}

			// Ranges are contiguous, ordered, and cover every row once.
			var next int64
			for i, e := range entries {
				assert.Equal(t, i, e.ChunkIndex())
				assert.Equal(t, tt.wantChunks, e.TotalChunks())
				assert.Equal(t, next, e.ItemRange().Start())
				assert.Greater(t, e.ItemRange().End(), e.ItemRange().Start())
				assert.LessOrEqual(t, e.ItemRange().Count(), tt.maxChunkSize)
				next = e.ItemRange().End()
			}
			assert.Equal(t, tt.wantLastEnd, next)
		})
	}
}

func TestSplitRowsDeterministic(t *testing.T) {
	t.Parallel()

	jobID := uuid.New()
	first := SplitRows(jobID, 12345, 500, batch.ProcessingModeSingle)
	second := SplitRows(jobID, 12345, 500, batch.ProcessingModeSingle)
	assert.Equal(t, first, second)
}

func newDispatchHarness(t *testing.T, totalRows int64, worker batch.ChunkWorker, retry RetryPolicy) (*Dispatcher, *batchmem.JobRegistry, *capturingPublisher, uuid.UUID, []batch.ChunkManifestEntry) {
	t.Helper()

	registry := batchmem.NewJobRegistry()
	publisher := &capturingPublisher{}
	log := logger.New(io.Discard, logger.LevelDebug, "test", nil)
	tracer := storage.NoOpTracer()

	aggregator := NewAggregator(registry, publisher, log, tracer)
	dispatcher := NewDispatcher(worker, aggregator, registry, publisher, log, noopMetrics{}, tracer, 4, time.Second, retry)

	jobID := uuid.New()
	ctx := context.Background()
	job := batch.NewJob(jobID, "input.csv", time.Now().Add(time.Hour))
	require.NoError(t, registry.CreateJob(ctx, job))
	require.NoError(t, registry.TransitionStatus(ctx, jobID, batch.JobStatusPending, batch.JobStatusLocked))
	require.NoError(t, registry.TransitionStatus(ctx, jobID, batch.JobStatusLocked, batch.JobStatusChunking))

	manifest := SplitRows(jobID, totalRows, 100, batch.ProcessingModeSingle)
	require.NoError(t, registry.SetChunkManifest(ctx, jobID, manifest))

	return dispatcher, registry, publisher, jobID, manifest
}

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestDispatcher_AllChunksSucceed(t *testing.T) {
	t.Parallel()

	dispatcher, registry, publisher, jobID, manifest := newDispatchHarness(t, 250, allSuccessWorker(), fastRetry())
	rec := NewRecorder(uuid.New(), jobID.String(), noopTrail{}, logger.New(io.Discard, logger.LevelDebug, "test", nil))

	input := batch.InputDescriptor{Bucket: "uploads", Key: "input.csv", Size: 1024}
	require.NoError(t, dispatcher.Dispatch(context.Background(), input, manifest, rec))

	snapshot, err := registry.GetAggregateSnapshot(context.Background(), jobID)
	require.NoError(t, err)
	assert.True(t, snapshot.IsComplete())
	assert.Equal(t, int64(250), snapshot.TotalSuccess())
	assert.Len(t, publisher.byType(batch.EventTypeChunkCompleted), 3)
}

func TestDispatcher_FailedChunkStillConverges(t *testing.T) {
	t.Parallel()

	worker := funcWorker(func(ctx context.Context, input batch.InputDescriptor, chunk batch.ChunkManifestEntry) (batch.ChunkOutcome, error) {
		if chunk.ChunkIndex() == 0 {
			return batch.ChunkOutcome{}, errors.New("worker blew up")
		}
		n := chunk.ItemRange().Count()
		return batch.NewChunkOutcome(chunk.JobID(), chunk.ChunkIndex(), n, n, 0, nil), nil
	})

	dispatcher, registry, publisher, jobID, manifest := newDispatchHarness(t, 250, worker, fastRetry())
	rec := NewRecorder(uuid.New(), jobID.String(), noopTrail{}, logger.New(io.Discard, logger.LevelDebug, "test", nil))

	input := batch.InputDescriptor{Bucket: "uploads", Key: "input.csv", Size: 1024}
	require.NoError(t, dispatcher.Dispatch(context.Background(), input, manifest, rec))

	snapshot, err := registry.GetAggregateSnapshot(context.Background(), jobID)
	require.NoError(t, err)
	assert.True(t, snapshot.IsComplete(), "failed chunks fold an error outcome so the aggregate still converges")
	assert.Equal(t, int64(100), snapshot.TotalError())
	assert.Equal(t, int64(150), snapshot.TotalSuccess())
	assert.Len(t, publisher.byType(batch.EventTypeChunkFailed), 1)
}

func TestDispatcher_RespectsConcurrencyLimit(t *testing.T) {
	t.Parallel()

	var inFlight, maxInFlight atomic.Int64
	var mu sync.Mutex

	worker := funcWorker(func(ctx context.Context, input batch.InputDescriptor, chunk batch.ChunkManifestEntry) (batch.ChunkOutcome, error) {
		cur := inFlight.Add(1)
		mu.Lock()
		if cur > maxInFlight.Load() {
			maxInFlight.Store(cur)
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		n := chunk.ItemRange().Count()
		return batch.NewChunkOutcome(chunk.JobID(), chunk.ChunkIndex(), n, n, 0, nil), nil
	})

	registry := batchmem.NewJobRegistry()
	publisher := &capturingPublisher{}
	log := logger.New(io.Discard, logger.LevelDebug, "test", nil)
	tracer := storage.NoOpTracer()
	aggregator := NewAggregator(registry, publisher, log, tracer)

	const limit = 2
	dispatcher := NewDispatcher(worker, aggregator, registry, publisher, log, noopMetrics{}, tracer, limit, time.Second, fastRetry())

	jobID := uuid.New()
	ctx := context.Background()
	job := batch.NewJob(jobID, "input.csv", time.Now().Add(time.Hour))
	require.NoError(t, registry.CreateJob(ctx, job))
	require.NoError(t, registry.TransitionStatus(ctx, jobID, batch.JobStatusPending, batch.JobStatusLocked))
	require.NoError(t, registry.TransitionStatus(ctx, jobID, batch.JobStatusLocked, batch.JobStatusChunking))
	manifest := SplitRows(jobID, 800, 100, batch.ProcessingModeSingle)
	require.NoError(t, registry.SetChunkManifest(ctx, jobID, manifest))

	rec := NewRecorder(uuid.New(), jobID.String(), noopTrail{}, log)
	input := batch.InputDescriptor{Bucket: "uploads", Key: "input.csv"}
	require.NoError(t, dispatcher.Dispatch(ctx, input, manifest, rec))

	assert.LessOrEqual(t, maxInFlight.Load(), int64(limit))
}

func TestDispatcher_ChunkTimeoutIsRetried(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int64
	worker := funcWorker(func(ctx context.Context, input batch.InputDescriptor, chunk batch.ChunkManifestEntry) (batch.ChunkOutcome, error) {
		if attempts.Add(1) == 1 {
			<-ctx.Done()
			return batch.ChunkOutcome{}, ctx.Err()
		}
		n := chunk.ItemRange().Count()
		return batch.NewChunkOutcome(chunk.JobID(), chunk.ChunkIndex(), n, n, 0, nil), nil
	})

	registry := batchmem.NewJobRegistry()
	publisher := &capturingPublisher{}
	log := logger.New(io.Discard, logger.LevelDebug, "test", nil)
	tracer := storage.NoOpTracer()
	aggregator := NewAggregator(registry, publisher, log, tracer)
	dispatcher := NewDispatcher(worker, aggregator, registry, publisher, log, noopMetrics{}, tracer, 1, 20*time.Millisecond, fastRetry())

	jobID := uuid.New()
	ctx := context.Background()
	job := batch.NewJob(jobID, "input.csv", time.Now().Add(time.Hour))
	require.NoError(t, registry.CreateJob(ctx, job))
	require.NoError(t, registry.TransitionStatus(ctx, jobID, batch.JobStatusPending, batch.JobStatusLocked))
	require.NoError(t, registry.TransitionStatus(ctx, jobID, batch.JobStatusLocked, batch.JobStatusChunking))
	manifest := SplitRows(jobID, 50, 100, batch.ProcessingModeSingle)
	require.NoError(t, registry.SetChunkManifest(ctx, jobID, manifest))

	rec := NewRecorder(uuid.New(), jobID.String(), noopTrail{}, log)
	require.NoError(t, dispatcher.Dispatch(ctx, batch.InputDescriptor{Bucket: "b", Key: "k"}, manifest, rec))

	snapshot, err := registry.GetAggregateSnapshot(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), snapshot.TotalSuccess())
	assert.Equal(t, int64(2), attempts.Load())
}

func TestDispatcher_HaltsWhenJobCancelledMidFlight(t *testing.T) {
	t.Parallel()

	registry := batchmem.NewJobRegistry()
	publisher := &capturingPublisher{}
	log := logger.New(io.Discard, logger.LevelDebug, "test", nil)
	tracer := storage.NoOpTracer()
	aggregator := NewAggregator(registry, publisher, log, tracer)

	jobID := uuid.New()
	ctx := context.Background()
	job := batch.NewJob(jobID, "input.csv", time.Now().Add(time.Hour))
	require.NoError(t, registry.CreateJob(ctx, job))
	require.NoError(t, registry.TransitionStatus(ctx, jobID, batch.JobStatusPending, batch.JobStatusLocked))
	require.NoError(t, registry.TransitionStatus(ctx, jobID, batch.JobStatusLocked, batch.JobStatusChunking))
	manifest := SplitRows(jobID, 1000, 100, batch.ProcessingModeSingle)
	require.NoError(t, registry.SetChunkManifest(ctx, jobID, manifest))

	var processed atomic.Int64
	worker := funcWorker(func(ctx context.Context, input batch.InputDescriptor, chunk batch.ChunkManifestEntry) (batch.ChunkOutcome, error) {
		if processed.Add(1) == 2 {
			// An external cancellation lands as a terminal registry write.
			assert.NoError(t, registry.TransitionStatus(ctx, jobID, batch.JobStatusDispatching, batch.JobStatusFailed))
			assert.NoError(t, registry.SetFailReason(ctx, jobID, "cancelled by operator"))
		}
		n := chunk.ItemRange().Count()
		return batch.NewChunkOutcome(chunk.JobID(), chunk.ChunkIndex(), n, n, 0, nil), nil
	})

	dispatcher := NewDispatcher(worker, aggregator, registry, publisher, log, noopMetrics{}, tracer, 1, time.Second, fastRetry())
	rec := NewRecorder(uuid.New(), jobID.String(), noopTrail{}, log)

	err := dispatcher.Dispatch(ctx, batch.InputDescriptor{Bucket: "uploads", Key: "input.csv"}, manifest, rec)
	require.Error(t, err)
	assert.ErrorIs(t, err, batch.ErrJobCancelled)
	assert.LessOrEqual(t, processed.Load(), int64(2), "no new chunks may be handed out after cancellation")
}

func TestDispatcher_ZeroChunkTimeoutUsesDefault(t *testing.T) {
	t.Parallel()

	registry := batchmem.NewJobRegistry()
	publisher := &capturingPublisher{}
	log := logger.New(io.Discard, logger.LevelDebug, "test", nil)
	tracer := storage.NoOpTracer()
	aggregator := NewAggregator(registry, publisher, log, tracer)
	dispatcher := NewDispatcher(allSuccessWorker(), aggregator, registry, publisher, log, noopMetrics{}, tracer, 1, 0, fastRetry())

	jobID := uuid.New()
	ctx := context.Background()
	job := batch.NewJob(jobID, "input.csv", time.Now().Add(time.Hour))
	require.NoError(t, registry.CreateJob(ctx, job))
	require.NoError(t, registry.TransitionStatus(ctx, jobID, batch.JobStatusPending, batch.JobStatusLocked))
	require.NoError(t, registry.TransitionStatus(ctx, jobID, batch.JobStatusLocked, batch.JobStatusChunking))
	manifest := SplitRows(jobID, 50, 100, batch.ProcessingModeSingle)
	require.NoError(t, registry.SetChunkManifest(ctx, jobID, manifest))

	rec := NewRecorder(uuid.New(), jobID.String(), noopTrail{}, log)
	require.NoError(t, dispatcher.Dispatch(ctx, batch.InputDescriptor{Bucket: "b", Key: "k"}, manifest, rec))

	snapshot, err := registry.GetAggregateSnapshot(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), snapshot.TotalSuccess(), "an unset per-chunk deadline must not expire attempts immediately")
}

// noopTrail discards audit records in tests that do not assert on them.
type noopTrail struct{}

func (noopTrail) Append(ctx context.Context, record batch.AuditRecord) error { return nil }
func (noopTrail) Records(ctx context.Context, executionID uuid.UUID) ([]batch.AuditRecord, error) {
	return nil, nil
}
