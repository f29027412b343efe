package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/internal/domain/batch"
)

func newTestJob(t *testing.T) *batch.Job {
	t.Helper()
	return batch.NewJob(uuid.New(), "input.csv", time.Now().Add(24*time.Hour))
}

func TestJobRegistry_CreateAndGet(t *testing.T) {
	t.Parallel()

	registry := NewJobRegistry()
	job := newTestJob(t)
	ctx := context.Background()

	require.NoError(t, registry.CreateJob(ctx, job))

	loaded, err := registry.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	assert.Equal(t, job.JobID(), loaded.JobID())
	assert.Equal(t, "input.csv", loaded.FileName())
	assert.Equal(t, batch.JobStatusPending, loaded.Status())
}

func TestJobRegistry_CreateDuplicate(t *testing.T) {
	t.Parallel()

	registry := NewJobRegistry()
	job := newTestJob(t)
	ctx := context.Background()

	require.NoError(t, registry.CreateJob(ctx, job))
	err := registry.CreateJob(ctx, job)
	assert.ErrorIs(t, err, batch.ErrJobExists)
}

func TestJobRegistry_GetJobNotFound(t *testing.T) {
	t.Parallel()

	registry := NewJobRegistry()
	_, err := registry.GetJob(context.Background(), uuid.New())
	assert.ErrorIs(t, err, batch.ErrJobNotFound)
}

func TestJobRegistry_GetJobReturnsDetachedCopy(t *testing.T) {
	t.Parallel()

	registry := NewJobRegistry()
	job := newTestJob(t)
	ctx := context.Background()
	require.NoError(t, registry.CreateJob(ctx, job))

	loaded, err := registry.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	require.NoError(t, loaded.UpdateStatus(batch.JobStatusLocked))

	reloaded, err := registry.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	assert.Equal(t, batch.JobStatusPending, reloaded.Status(),
		"mutating a loaded copy must not change stored state")
}

func TestJobRegistry_SetChunkManifest(t *testing.T) {
	t.Parallel()

	registry := NewJobRegistry()
	job := newTestJob(t)
	ctx := context.Background()
	require.NoError(t, registry.CreateJob(ctx, job))
	require.NoError(t, registry.TransitionStatus(ctx, job.JobID(), batch.JobStatusPending, batch.JobStatusLocked))
	require.NoError(t, registry.TransitionStatus(ctx, job.JobID(), batch.JobStatusLocked, batch.JobStatusChunking))

	chunks := []batch.ChunkManifestEntry{
		batch.NewChunkManifestEntry(job.JobID(), 0, 2, batch.NewItemRange(0, 1000), batch.ProcessingModeSingle),
		batch.NewChunkManifestEntry(job.JobID(), 1, 2, batch.NewItemRange(1000, 1500), batch.ProcessingModeSingle),
	}
	require.NoError(t, registry.SetChunkManifest(ctx, job.JobID(), chunks))

	loaded, err := registry.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	assert.Equal(t, batch.JobStatusDispatching, loaded.Status())
	assert.Equal(t, 2, loaded.TotalChunks())

	stored, err := registry.GetChunkManifest(ctx, job.JobID())
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, int64(1000), stored[1].ItemRange().Start())
}

func TestJobRegistry_SetChunkManifestWrongState(t *testing.T) {
	t.Parallel()

	registry := NewJobRegistry()
	job := newTestJob(t)
	ctx := context.Background()
	require.NoError(t, registry.CreateJob(ctx, job))

	chunks := []batch.ChunkManifestEntry{
		batch.NewChunkManifestEntry(job.JobID(), 0, 1, batch.NewItemRange(0, 10), batch.ProcessingModeSingle),
	}
	err := registry.SetChunkManifest(ctx, job.JobID(), chunks)
	assert.ErrorIs(t, err, batch.ErrInvalidState)
}

func TestJobRegistry_RecordChunkOutcomeIdempotent(t *testing.T) {
	t.Parallel()

	registry := NewJobRegistry()
	job := newTestJob(t)
	ctx := context.Background()
	require.NoError(t, registry.CreateJob(ctx, job))

	outcome := batch.NewChunkOutcome(job.JobID(), 0, 100, 95, 5, nil)

	inserted, err := registry.RecordChunkOutcome(ctx, outcome)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = registry.RecordChunkOutcome(ctx, outcome)
	require.NoError(t, err)
	assert.False(t, inserted, "re-delivery of the same chunk outcome must not insert")
}

func TestJobRegistry_GetAggregateSnapshot(t *testing.T) {
	t.Parallel()

	registry := NewJobRegistry()
	job := newTestJob(t)
	ctx := context.Background()
	require.NoError(t, registry.CreateJob(ctx, job))
	require.NoError(t, registry.TransitionStatus(ctx, job.JobID(), batch.JobStatusPending, batch.JobStatusLocked))
	require.NoError(t, registry.TransitionStatus(ctx, job.JobID(), batch.JobStatusLocked, batch.JobStatusChunking))
	require.NoError(t, registry.SetChunkManifest(ctx, job.JobID(), []batch.ChunkManifestEntry{
		batch.NewChunkManifestEntry(job.JobID(), 0, 2, batch.NewItemRange(0, 100), batch.ProcessingModeSingle),
		batch.NewChunkManifestEntry(job.JobID(), 1, 2, batch.NewItemRange(100, 200), batch.ProcessingModeSingle),
	}))

	_, err := registry.RecordChunkOutcome(ctx, batch.NewChunkOutcome(job.JobID(), 0, 100, 100, 0, nil))
	require.NoError(t, err)

	snapshot, err := registry.GetAggregateSnapshot(ctx, job.JobID())
	require.NoError(t, err)
	assert.Equal(t, 1, snapshot.ChunksSeen())
	assert.False(t, snapshot.IsComplete())

	_, err = registry.RecordChunkOutcome(ctx, batch.NewChunkOutcome(job.JobID(), 1, 100, 97, 3, nil))
	require.NoError(t, err)

	snapshot, err = registry.GetAggregateSnapshot(ctx, job.JobID())
	require.NoError(t, err)
	assert.True(t, snapshot.IsComplete())
	assert.Equal(t, int64(200), snapshot.TotalProcessed())
	assert.Equal(t, int64(197), snapshot.TotalSuccess())
	assert.Equal(t, int64(3), snapshot.TotalError())
	assert.Equal(t, batch.JobStatusPartial, snapshot.DeriveStatus())
}

func TestJobRegistry_TransitionStatusConflict(t *testing.T) {
	t.Parallel()

	registry := NewJobRegistry()
	job := newTestJob(t)
	ctx := context.Background()
	require.NoError(t, registry.CreateJob(ctx, job))

	require.NoError(t, registry.TransitionStatus(ctx, job.JobID(), batch.JobStatusPending, batch.JobStatusLocked))

	err := registry.TransitionStatus(ctx, job.JobID(), batch.JobStatusPending, batch.JobStatusLocked)
	assert.ErrorIs(t, err, batch.ErrStatusConflict)
}

func TestJobRegistry_TransitionStatusConcurrentSingleWinner(t *testing.T) {
	t.Parallel()

	registry := NewJobRegistry()
	job := newTestJob(t)
	ctx := context.Background()
	require.NoError(t, registry.CreateJob(ctx, job))

	const attempts = 16
	var wg sync.WaitGroup
	wins := make(chan struct{}, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := registry.TransitionStatus(ctx, job.JobID(), batch.JobStatusPending, batch.JobStatusLocked); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	assert.Len(t, wins, 1, "exactly one concurrent transition may win")
}

func TestJobRegistry_SetFailReason(t *testing.T) {
	t.Parallel()

	registry := NewJobRegistry()
	job := newTestJob(t)
	ctx := context.Background()
	require.NoError(t, registry.CreateJob(ctx, job))

	require.NoError(t, registry.SetFailReason(ctx, job.JobID(), "cancelled by operator"))

	loaded, err := registry.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	assert.Equal(t, "cancelled by operator", loaded.FailReason())
}

func TestJobRegistry_SetOutputLocation(t *testing.T) {
	t.Parallel()

	registry := NewJobRegistry()
	job := newTestJob(t)
	ctx := context.Background()
	require.NoError(t, registry.CreateJob(ctx, job))

	require.NoError(t, registry.SetOutputLocation(ctx, job.JobID(), "results/output.csv"))

	snapshot, err := registry.GetAggregateSnapshot(ctx, job.JobID())
	require.NoError(t, err)
	assert.Equal(t, "results/output.csv", snapshot.OutputLocation())
}
