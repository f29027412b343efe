// Package memory provides an in-memory implementation of the batch job
// registry for testing and development environments where durability is not
// required.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/internal/domain/batch"
)

type jobRecord struct {
	job            *batch.Job
	manifest       []batch.ChunkManifestEntry
	outcomes       map[int]batch.ChunkOutcome
	outputLocation string
}

// JobRegistry provides an in-memory implementation of batch.JobRepository.
// All mutations are serialized by a single mutex, which mirrors the
// conditional-write semantics of the durable store closely enough for the
// orchestration code to be exercised unchanged.
type JobRegistry struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*jobRecord
}

var _ batch.JobRepository = (*JobRegistry)(nil)

// NewJobRegistry creates a new in-memory job registry.
func NewJobRegistry() *JobRegistry {
	return &JobRegistry{jobs: make(map[uuid.UUID]*jobRecord)}
}

// CreateJob persists a new job, failing when the ID already exists.
func (r *JobRegistry) CreateJob(ctx context.Context, job *batch.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[job.JobID()]; exists {
		return batch.ErrJobExists
	}
	r.jobs[job.JobID()] = &jobRecord{
		job:      copyJob(job),
		outcomes: make(map[int]batch.ChunkOutcome),
	}
	return nil
}

// GetJob retrieves the current state of a job.
func (r *JobRegistry) GetJob(ctx context.Context, jobID uuid.UUID) (*batch.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.jobs[jobID]
	if !exists {
		return nil, batch.ErrJobNotFound
	}
	return copyJob(rec.job), nil
}

// SetChunkManifest stores the ordered manifest and final chunk count.
func (r *JobRegistry) SetChunkManifest(ctx context.Context, jobID uuid.UUID, chunks []batch.ChunkManifestEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.jobs[jobID]
	if !exists {
		return batch.ErrJobNotFound
	}
	if rec.job.Status() != batch.JobStatusChunking {
		return batch.ErrInvalidState
	}
	if err := rec.job.CompleteChunking(len(chunks)); err != nil {
		return err
	}
	rec.manifest = append([]batch.ChunkManifestEntry(nil), chunks...)
	return nil
}

// GetChunkManifest loads the stored manifest for a job.
func (r *JobRegistry) GetChunkManifest(ctx context.Context, jobID uuid.UUID) ([]batch.ChunkManifestEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.jobs[jobID]
	if !exists {
		return nil, batch.ErrJobNotFound
	}
	return append([]batch.ChunkManifestEntry(nil), rec.manifest...), nil
}

// RecordChunkOutcome persists an outcome idempotently per (job, chunkIndex).
func (r *JobRegistry) RecordChunkOutcome(ctx context.Context, outcome batch.ChunkOutcome) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.jobs[outcome.JobID()]
	if !exists {
		return false, batch.ErrJobNotFound
	}
	if _, seen := rec.outcomes[outcome.ChunkIndex()]; seen {
		return false, nil
	}
	rec.outcomes[outcome.ChunkIndex()] = outcome
	return true, nil
}

// GetAggregateSnapshot folds the recorded outcomes into the job summary.
func (r *JobRegistry) GetAggregateSnapshot(ctx context.Context, jobID uuid.UUID) (batch.AggregateSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.jobs[jobID]
	if !exists {
		return batch.AggregateSnapshot{}, batch.ErrJobNotFound
	}

	snapshot := batch.NewAggregateSnapshot(rec.job.TotalChunks())
	for _, outcome := range rec.outcomes {
		snapshot = snapshot.Apply(outcome, false)
	}
	return snapshot.WithOutputLocation(rec.outputLocation), nil
}

// TransitionStatus moves the job between statuses with optimistic concurrency.
func (r *JobRegistry) TransitionStatus(ctx context.Context, jobID uuid.UUID, from, to batch.JobStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.jobs[jobID]
	if !exists {
		return batch.ErrJobNotFound
	}
	if rec.job.Status() != from {
		return batch.ErrStatusConflict
	}
	return rec.job.UpdateStatus(to)
}

// SetFailReason records the failure reason on a job.
func (r *JobRegistry) SetFailReason(ctx context.Context, jobID uuid.UUID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.jobs[jobID]
	if !exists {
		return batch.ErrJobNotFound
	}
	rec.job = batch.ReconstructJob(
		rec.job.JobID(),
		rec.job.FileName(),
		rec.job.Status(),
		rec.job.TotalChunks(),
		rec.job.TTL(),
		reason,
		rec.job.GetTimeline(),
	)
	return nil
}

// SetOutputLocation records the merged result handle.
func (r *JobRegistry) SetOutputLocation(ctx context.Context, jobID uuid.UUID, location string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.jobs[jobID]
	if !exists {
		return batch.ErrJobNotFound
	}
	rec.outputLocation = location
	return nil
}

// copyJob reconstructs a detached copy so no live reference escapes the store.
func copyJob(job *batch.Job) *batch.Job {
	tl := job.GetTimeline()
	return batch.ReconstructJob(
		job.JobID(),
		job.FileName(),
		job.Status(),
		job.TotalChunks(),
		job.TTL(),
		job.FailReason(),
		batch.ReconstructTimeline(tl.StartedAt(), tl.CompletedAt(), tl.LastUpdate()),
	)
}
