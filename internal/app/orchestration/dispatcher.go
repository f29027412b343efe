package orchestration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/internal/domain/batch"
	"github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/internal/domain/events"
	"github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/pkg/common/logger"
)

// SplitRows partitions totalRows into contiguous half-open ranges of at most
// maxChunkSize rows. The split is a pure function of its inputs: the same
// file always yields the same manifest, which lets a re-run correlate its
// chunks with previously recorded outcomes.
func SplitRows(jobID uuid.UUID, totalRows, maxChunkSize int64, mode batch.ProcessingMode) []batch.ChunkManifestEntry {
	if totalRows <= 0 || maxChunkSize <= 0 {
		return nil
	}

	totalChunks := int((totalRows + maxChunkSize - 1) / maxChunkSize)
	entries := make([]batch.ChunkManifestEntry, 0, totalChunks)
	for i := 0; i < totalChunks; i++ {
		start := int64(i) * maxChunkSize
		end := start + maxChunkSize
		if end > totalRows {
			end = totalRows
		}
		entries = append(entries, batch.NewChunkManifestEntry(
			jobID, i, totalChunks, batch.NewItemRange(start, end), mode,
		))
	}
	return entries
}

// Dispatcher releases manifest chunks to workers with bounded concurrency.
// Chunks are independent: one chunk exhausting its retries does not stop its
// siblings, it only contributes error rows to the aggregate. Only job-level
// cancellation tears the whole dispatch down.
type Dispatcher struct {
	worker     batch.ChunkWorker
	aggregator *Aggregator
	registry   batch.JobRepository
	publisher  events.DomainEventPublisher
	logger     *logger.Logger
	metrics    OrchestrationMetrics
	tracer     trace.Tracer

	maxConcurrent int
	chunkTimeout  time.Duration
	retry         RetryPolicy
}

// NewDispatcher creates a dispatcher that hands chunks to worker.
func NewDispatcher(
	worker batch.ChunkWorker,
	aggregator *Aggregator,
	registry batch.JobRepository,
	publisher events.DomainEventPublisher,
	log *logger.Logger,
	metrics OrchestrationMetrics,
	tracer trace.Tracer,
	maxConcurrent int,
	chunkTimeout time.Duration,
	retry RetryPolicy,
) *Dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if chunkTimeout <= 0 {
		chunkTimeout = 5 * time.Minute
	}
	return &Dispatcher{
		worker:        worker,
		aggregator:    aggregator,
		registry:      registry,
		publisher:     publisher,
		logger:        log.With("component", "dispatcher"),
		metrics:       metrics,
		tracer:        tracer,
		maxConcurrent: maxConcurrent,
		chunkTimeout:  chunkTimeout,
		retry:         retry,
	}
}

// Dispatch runs every manifest chunk through the worker and folds the
// outcomes. It returns once all chunks reached a recorded outcome, or with
// the cancellation error if the job context was torn down mid-flight.
func (d *Dispatcher) Dispatch(
	ctx context.Context,
	input batch.InputDescriptor,
	manifest []batch.ChunkManifestEntry,
	rec *Recorder,
) error {
	ctx, span := d.tracer.Start(ctx, "dispatcher.dispatch", trace.WithAttributes(
		attribute.Int("total_chunks", len(manifest)),
		attribute.String("input", input.String()),
	))
	defer span.End()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.maxConcurrent)

	for _, chunk := range manifest {
		chunk := chunk
		g.Go(func() error {
			return d.dispatchChunk(gctx, input, chunk, rec)
		})
	}

	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("dispatch aborted: %w", err)
	}
	return nil
}

// dispatchChunk processes one chunk with per-attempt deadlines and retries.
// A worker that overruns its deadline may still complete in the background;
// the aggregator's idempotent fold reconciles any duplicate outcome that
// produces.
func (d *Dispatcher) dispatchChunk(
	ctx context.Context,
	input batch.InputDescriptor,
	chunk batch.ChunkManifestEntry,
	rec *Recorder,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := d.ensureJobActive(ctx, chunk.JobID()); err != nil {
		return err
	}

	d.metrics.IncChunksDispatched(ctx)

	var outcome batch.ChunkOutcome
	attempts := 0
	err := d.retry.Execute(ctx, func(ctx context.Context) error {
		if attempts++; attempts > 1 {
			d.metrics.IncChunkRetries(ctx)
		}
		return d.metrics.TrackChunkProcessing(ctx, func() error {
			attemptCtx, cancel := context.WithTimeout(ctx, d.chunkTimeout)
			defer cancel()

			var err error
			outcome, err = d.worker.ProcessChunk(attemptCtx, input, chunk)
			return err
		})
	})

	if err != nil {
		// The job itself was torn down; let the group cancel the siblings.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, batch.ErrJobCancelled) {
			return err
		}
		d.recordChunkFailure(ctx, chunk, err, rec)
		return nil
	}

	snapshot, inserted, err := d.aggregator.Fold(ctx, outcome)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.recordChunkFailure(ctx, chunk, err, rec)
		return nil
	}

	if inserted {
		d.metrics.ObserveRowErrorsPerChunk(ctx, int(outcome.ErrorCount()))
		rec.Record(ctx, "CHUNK_COMPLETED", batch.AuditLevelDebug, "dispatcher.dispatchChunk",
			fmt.Sprintf("chunk %d/%d folded", chunk.ChunkIndex()+1, chunk.TotalChunks()),
			map[string]any{
				"chunk_index":   chunk.ChunkIndex(),
				"success_count": outcome.SuccessCount(),
				"error_count":   outcome.ErrorCount(),
				"chunks_seen":   snapshot.ChunksSeen(),
			})
	}
	return nil
}

// ensureJobActive checks the durable job state before handing a chunk to a
// worker. An external cancellation lands in the registry as a terminal
// status, so the dispatch halts at the next chunk boundary instead of working
// through the rest of the manifest.
func (d *Dispatcher) ensureJobActive(ctx context.Context, jobID uuid.UUID) error {
	job, err := d.registry.GetJob(ctx, jobID)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// A failed read is not evidence of cancellation; the chunk proceeds
		// and a real store outage surfaces on the fold.
		d.logger.Warn(ctx, "job status check failed before dispatch",
			"job_id", jobID.String(), "error", err)
		return nil
	}
	if job.Status().IsTerminal() {
		return fmt.Errorf("%w: %s", batch.ErrJobCancelled, job.FailReason())
	}
	return nil
}

// recordChunkFailure folds a fully failed chunk so the aggregate still
// converges on a complete manifest, then publishes the failure.
func (d *Dispatcher) recordChunkFailure(
	ctx context.Context,
	chunk batch.ChunkManifestEntry,
	cause error,
	rec *Recorder,
) {
	d.metrics.IncChunkFailures(ctx)
	classification := rec.RecordError(ctx, "dispatcher.dispatchChunk", cause)

	rows := chunk.ItemRange().Count()
	failed := batch.NewChunkOutcome(
		chunk.JobID(), chunk.ChunkIndex(), rows, 0, rows,
		[]batch.RowError{{
			Row:     chunk.ItemRange().Start(),
			Code:    classification.Code,
			Message: cause.Error(),
		}},
	)

	if _, _, err := d.aggregator.Fold(ctx, failed); err != nil {
		d.logger.Error(ctx, "failed to record chunk failure outcome",
			"job_id", chunk.JobID().String(),
			"chunk_index", chunk.ChunkIndex(),
			"error", err,
		)
	}

	evt := batch.NewChunkFailedEvent(chunk.JobID(), chunk.ChunkIndex(), cause.Error())
	if err := d.publisher.PublishDomainEvent(ctx, events.DomainEvent{
		Type:      evt.EventType(),
		Timestamp: evt.OccurredAt(),
		Payload:   evt,
	}, events.WithKey(chunk.JobID().String())); err != nil {
		d.logger.Warn(ctx, "failed to publish chunk failed event",
			"job_id", chunk.JobID().String(),
			"chunk_index", chunk.ChunkIndex(),
			"error", err,
		)
	}
}
