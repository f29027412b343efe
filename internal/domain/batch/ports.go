// Package batch provides domain types and interfaces for orchestrating the
// parallel processing of large delimited-data files. It defines the core
// abstractions needed to coordinate chunked runs, track progress, and handle
// failure recovery without a central transaction log.
package batch

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
)

// JobRepository is the persistent record of job metadata, the chunk manifest,
// and per-chunk completion state: the single source of truth for what
// happened. All writers use conditional writes; no in-process copy of job
// state is trusted across worker boundaries.
type JobRepository interface {
	// CreateJob persists a new job. It returns ErrJobExists when the job ID
	// collides with an existing record.
	CreateJob(ctx context.Context, job *Job) error

	// GetJob retrieves the current durable state of a job, returning
	// ErrJobNotFound when no record exists.
	GetJob(ctx context.Context, jobID uuid.UUID) (*Job, error)

	// SetChunkManifest stores the ordered chunk manifest and the final chunk
	// count. It returns ErrInvalidState if the job is not in CHUNKING.
	SetChunkManifest(ctx context.Context, jobID uuid.UUID, chunks []ChunkManifestEntry) error

	// GetChunkManifest loads the stored manifest for a job.
	GetChunkManifest(ctx context.Context, jobID uuid.UUID) ([]ChunkManifestEntry, error)

	// RecordChunkOutcome persists a chunk outcome idempotently: re-submitting
	// the same (jobID, chunkIndex) must not double-count. The returned flag is
	// false when the outcome had already been recorded.
	RecordChunkOutcome(ctx context.Context, outcome ChunkOutcome) (bool, error)

	// GetAggregateSnapshot folds the recorded outcomes into the job-level
	// summary as currently persisted.
	GetAggregateSnapshot(ctx context.Context, jobID uuid.UUID) (AggregateSnapshot, error)

	// TransitionStatus moves a job from one status to another using optimistic
	// concurrency: it returns ErrStatusConflict when the stored status does
	// not match from, so only one writer's transition wins.
	TransitionStatus(ctx context.Context, jobID uuid.UUID, from, to JobStatus) error

	// SetFailReason records the distinguishing reason on a FAILED job.
	SetFailReason(ctx context.Context, jobID uuid.UUID, reason string) error

	// SetOutputLocation records the merged result handle at finalization.
	SetOutputLocation(ctx context.Context, jobID uuid.UUID, location string) error
}

// LockManager grants, renews, and releases time-bounded advisory locks keyed
// by job identity. Acquisition succeeds only if no record exists for the key
// or the existing record's lease has lapsed, implemented as a single
// conditional write.
type LockManager interface {
	// Acquire attempts to take the lock, returning ErrLockDenied while a live
	// lease is held by another owner.
	Acquire(ctx context.Context, lockKey, owner string, leaseDuration time.Duration) (Lease, error)

	// Renew extends a held lease, returning ErrLeaseExpired once the lease
	// has lapsed or been taken over.
	Renew(ctx context.Context, lease Lease, leaseDuration time.Duration) (Lease, error)

	// Release drops the lease. Release is best effort; a missed release is
	// recovered automatically by expiry.
	Release(ctx context.Context, lease Lease) error
}

// AuditTrail appends ordered records of state transitions and errors,
// independent of job state. Append failures must not abort job processing;
// callers log and continue.
type AuditTrail interface {
	// Append writes one record to the execution's log.
	Append(ctx context.Context, record AuditRecord) error

	// Records returns the append-ordered log for an execution.
	Records(ctx context.Context, executionID uuid.UUID) ([]AuditRecord, error)
}

// ChunkWorker processes one chunk and reports its outcome. Implementations
// must honor the context deadline; exceeding it is a retryable error and any
// duplicate work it causes is reconciled by aggregator idempotency.
type ChunkWorker interface {
	ProcessChunk(ctx context.Context, input InputDescriptor, chunk ChunkManifestEntry) (ChunkOutcome, error)
}

// ObjectStore is the boundary to the file-storage collaborator that holds
// input and output objects.
type ObjectStore interface {
	// GetObject opens the object for reading. The caller closes the reader.
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)

	// PutObject writes an output object.
	PutObject(ctx context.Context, bucket, key string, body io.Reader) error

	// HeadObject reports the object's size, returning ErrMalformedInput when
	// the object does not exist.
	HeadObject(ctx context.Context, bucket, key string) (int64, error)
}
