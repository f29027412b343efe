// Package postgres provides the PostgreSQL-backed job and chunk registry.
// It is the single durable source of truth for job metadata, the chunk
// manifest, and per-chunk completion state.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/internal/domain/batch"
	"github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/internal/infra/storage"
)

// pgUniqueViolation is the SQLSTATE for unique constraint violations.
const pgUniqueViolation = "23505"

// jobRegistry implements batch.JobRepository using PostgreSQL as the backing
// store. Status transitions rely on conditional UPDATE statements so only one
// writer's transition wins; no read-then-write gap exists anywhere.
type jobRegistry struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

var _ batch.JobRepository = (*jobRegistry)(nil)

// NewJobRegistry creates a new PostgreSQL-backed job registry with tracing
// capabilities.
func NewJobRegistry(pool *pgxpool.Pool, tracer trace.Tracer) *jobRegistry {
	return &jobRegistry{db: pool, tracer: tracer}
}

// defaultDBAttributes defines standard OpenTelemetry attributes for database operations.
var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

// CreateJob persists a new job record.
func (r *jobRegistry) CreateJob(ctx context.Context, job *batch.Job) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_id", job.JobID().String()),
		attribute.String("status", string(job.Status())),
		attribute.String("file_name", job.FileName()),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.create_job", dbAttrs, func(ctx context.Context) error {
		_, err := r.db.Exec(ctx, `
			INSERT INTO jobs (job_id, file_name, status, total_chunks, ttl, started_at, updated_at)
			VALUES ($1, $2, $3, 0, $4, $5, $5)`,
			job.JobID(), job.FileName(), job.Status().String(), job.TTL(), job.StartTime(),
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
				return batch.ErrJobExists
			}
			return fmt.Errorf("CreateJob insert error: %w", err)
		}
		return nil
	})
}

// GetJob retrieves the current durable state of a job.
func (r *jobRegistry) GetJob(ctx context.Context, jobID uuid.UUID) (*batch.Job, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("job_id", jobID.String()))

	var job *batch.Job
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.get_job", dbAttrs, func(ctx context.Context) error {
		var (
			fileName    string
			status      string
			totalChunks int
			ttl         time.Time
			failReason  string
			startedAt   time.Time
			completedAt *time.Time
			updatedAt   time.Time
		)
		err := r.db.QueryRow(ctx, `
			SELECT file_name, status, total_chunks, ttl, COALESCE(fail_reason, ''),
			       started_at, completed_at, updated_at
			FROM jobs WHERE job_id = $1`,
			jobID,
		).Scan(&fileName, &status, &totalChunks, &ttl, &failReason, &startedAt, &completedAt, &updatedAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return batch.ErrJobNotFound
			}
			return fmt.Errorf("GetJob query error: %w", err)
		}

		var completed time.Time
		if completedAt != nil {
			completed = *completedAt
		}
		job = batch.ReconstructJob(
			jobID,
			fileName,
			batch.ParseJobStatus(status),
			totalChunks,
			ttl,
			failReason,
			batch.ReconstructTimeline(startedAt, completed, updatedAt),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// SetChunkManifest stores the manifest and advances the job to DISPATCHING in
// one transaction. The conditional UPDATE enforces that only a CHUNKING job
// without an existing manifest can accept one.
func (r *jobRegistry) SetChunkManifest(ctx context.Context, jobID uuid.UUID, chunks []batch.ChunkManifestEntry) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_id", jobID.String()),
		attribute.Int("total_chunks", len(chunks)),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.set_chunk_manifest", dbAttrs, func(ctx context.Context) error {
		tx, err := r.db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin transaction error: %w", err)
		}
		defer tx.Rollback(ctx)

		tag, err := tx.Exec(ctx, `
			UPDATE jobs SET total_chunks = $2, status = $3, updated_at = now()
			WHERE job_id = $1 AND status = $4 AND total_chunks = 0`,
			jobID, len(chunks), batch.JobStatusDispatching.String(), batch.JobStatusChunking.String(),
		)
		if err != nil {
			return fmt.Errorf("SetChunkManifest update error: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return batch.ErrInvalidState
		}

		for _, chunk := range chunks {
			_, err := tx.Exec(ctx, `
				INSERT INTO chunk_manifest (job_id, chunk_index, total_chunks, range_start, range_end, processing_mode)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				jobID, chunk.ChunkIndex(), chunk.TotalChunks(),
				chunk.ItemRange().Start(), chunk.ItemRange().End(), chunk.ProcessingMode().String(),
			)
			if err != nil {
				return fmt.Errorf("SetChunkManifest insert error (chunk %d): %w", chunk.ChunkIndex(), err)
			}
		}

		return tx.Commit(ctx)
	})
}

// GetChunkManifest loads the stored manifest in chunk order.
func (r *jobRegistry) GetChunkManifest(ctx context.Context, jobID uuid.UUID) ([]batch.ChunkManifestEntry, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("job_id", jobID.String()))

	var entries []batch.ChunkManifestEntry
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.get_chunk_manifest", dbAttrs, func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, `
			SELECT chunk_index, total_chunks, range_start, range_end, processing_mode
			FROM chunk_manifest WHERE job_id = $1 ORDER BY chunk_index`,
			jobID,
		)
		if err != nil {
			return fmt.Errorf("GetChunkManifest query error: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				chunkIndex  int
				totalChunks int
				rangeStart  int64
				rangeEnd    int64
				mode        string
			)
			if err := rows.Scan(&chunkIndex, &totalChunks, &rangeStart, &rangeEnd, &mode); err != nil {
				return fmt.Errorf("GetChunkManifest scan error: %w", err)
			}
			entries = append(entries, batch.NewChunkManifestEntry(
				jobID, chunkIndex, totalChunks,
				batch.NewItemRange(rangeStart, rangeEnd),
				batch.ParseProcessingMode(mode),
			))
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// RecordChunkOutcome persists an outcome idempotently. ON CONFLICT DO NOTHING
// makes re-delivery a no-op: the first write per (job, chunk) wins and the
// returned flag reports whether this call was that first write.
func (r *jobRegistry) RecordChunkOutcome(ctx context.Context, outcome batch.ChunkOutcome) (bool, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_id", outcome.JobID().String()),
		attribute.Int("chunk_index", outcome.ChunkIndex()),
	)

	var inserted bool
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.record_chunk_outcome", dbAttrs, func(ctx context.Context) error {
		rowErrors, err := json.Marshal(outcome.RowErrors())
		if err != nil {
			return fmt.Errorf("marshal row errors: %w", err)
		}

		tag, err := r.db.Exec(ctx, `
			INSERT INTO chunk_outcomes (job_id, chunk_index, processed_count, success_count, error_count, row_errors, recorded_at)
			VALUES ($1, $2, $3, $4, $5, $6, now())
			ON CONFLICT (job_id, chunk_index) DO NOTHING`,
			outcome.JobID(), outcome.ChunkIndex(),
			outcome.ProcessedCount(), outcome.SuccessCount(), outcome.ErrorCount(), rowErrors,
		)
		if err != nil {
			return fmt.Errorf("RecordChunkOutcome insert error: %w", err)
		}
		inserted = tag.RowsAffected() > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// GetAggregateSnapshot folds the recorded outcomes into the job summary.
func (r *jobRegistry) GetAggregateSnapshot(ctx context.Context, jobID uuid.UUID) (batch.AggregateSnapshot, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("job_id", jobID.String()))

	var snapshot batch.AggregateSnapshot
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.get_aggregate_snapshot", dbAttrs, func(ctx context.Context) error {
		var (
			totalChunks    int
			outputLocation string
		)
		err := r.db.QueryRow(ctx,
			`SELECT total_chunks, COALESCE(output_location, '') FROM jobs WHERE job_id = $1`,
			jobID,
		).Scan(&totalChunks, &outputLocation)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return batch.ErrJobNotFound
			}
			return fmt.Errorf("GetAggregateSnapshot job query error: %w", err)
		}

		var (
			chunksSeen     int
			totalProcessed int64
			totalSuccess   int64
			totalError     int64
		)
		err = r.db.QueryRow(ctx, `
			SELECT COUNT(*), COALESCE(SUM(processed_count), 0), COALESCE(SUM(success_count), 0), COALESCE(SUM(error_count), 0)
			FROM chunk_outcomes WHERE job_id = $1`,
			jobID,
		).Scan(&chunksSeen, &totalProcessed, &totalSuccess, &totalError)
		if err != nil {
			return fmt.Errorf("GetAggregateSnapshot outcome query error: %w", err)
		}

		snapshot = batch.ReconstructAggregateSnapshot(
			totalChunks, chunksSeen, totalProcessed, totalSuccess, totalError, outputLocation,
		)
		return nil
	})
	if err != nil {
		return batch.AggregateSnapshot{}, err
	}
	return snapshot, nil
}

// TransitionStatus moves a job between statuses using optimistic concurrency.
// The WHERE clause on the current status means a lost race affects zero rows,
// which surfaces as ErrStatusConflict rather than a blind overwrite.
func (r *jobRegistry) TransitionStatus(ctx context.Context, jobID uuid.UUID, from, to batch.JobStatus) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_id", jobID.String()),
		attribute.String("from_status", from.String()),
		attribute.String("to_status", to.String()),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.transition_status", dbAttrs, func(ctx context.Context) error {
		if err := from.ValidateTransition(to); err != nil {
			return err
		}

		tag, err := r.db.Exec(ctx, `
			UPDATE jobs SET status = $2, updated_at = now(),
			       completed_at = CASE WHEN $3 THEN now() ELSE completed_at END
			WHERE job_id = $1 AND status = $4`,
			jobID, to.String(), to.IsTerminal(), from.String(),
		)
		if err != nil {
			return fmt.Errorf("TransitionStatus update error: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE job_id = $1)`, jobID).Scan(&exists); err != nil {
				return fmt.Errorf("TransitionStatus existence check error: %w", err)
			}
			if !exists {
				return batch.ErrJobNotFound
			}
			return batch.ErrStatusConflict
		}
		return nil
	})
}

// SetFailReason records the distinguishing reason on a FAILED job.
func (r *jobRegistry) SetFailReason(ctx context.Context, jobID uuid.UUID, reason string) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("job_id", jobID.String()))

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.set_fail_reason", dbAttrs, func(ctx context.Context) error {
		tag, err := r.db.Exec(ctx,
			`UPDATE jobs SET fail_reason = $2, updated_at = now() WHERE job_id = $1`,
			jobID, reason,
		)
		if err != nil {
			return fmt.Errorf("SetFailReason update error: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return batch.ErrJobNotFound
		}
		return nil
	})
}

// SetOutputLocation records the merged result handle at finalization.
func (r *jobRegistry) SetOutputLocation(ctx context.Context, jobID uuid.UUID, location string) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_id", jobID.String()),
		attribute.String("output_location", location),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.set_output_location", dbAttrs, func(ctx context.Context) error {
		tag, err := r.db.Exec(ctx,
			`UPDATE jobs SET output_location = $2, updated_at = now() WHERE job_id = $1`,
			jobID, location,
		)
		if err != nil {
			return fmt.Errorf("SetOutputLocation update error: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return batch.ErrJobNotFound
		}
		return nil
	})
}
