package orchestration

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/internal/domain/batch"
	"github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/internal/domain/events"
	"github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/pkg/common/logger"
)

// Aggregator folds chunk outcomes into the durable job-level summary. The
// fold is idempotent per (job, chunk index): the registry accepts only the
// first outcome for a chunk, so re-delivered results from retried workers
// never double-count.
type Aggregator struct {
	registry  batch.JobRepository
	publisher events.DomainEventPublisher
	logger    *logger.Logger
	tracer    trace.Tracer
}

// NewAggregator creates an aggregator backed by the given registry.
func NewAggregator(
	registry batch.JobRepository,
	publisher events.DomainEventPublisher,
	log *logger.Logger,
	tracer trace.Tracer,
) *Aggregator {
	return &Aggregator{
		registry:  registry,
		publisher: publisher,
		logger:    log.With("component", "aggregator"),
		tracer:    tracer,
	}
}

// Fold records one chunk outcome and returns the resulting snapshot along
// with whether this delivery was the first for its chunk. Duplicate
// deliveries return the current snapshot unchanged.
func (a *Aggregator) Fold(ctx context.Context, outcome batch.ChunkOutcome) (batch.AggregateSnapshot, bool, error) {
	ctx, span := a.tracer.Start(ctx, "aggregator.fold", trace.WithAttributes(
		attribute.String("job_id", outcome.JobID().String()),
		attribute.Int("chunk_index", outcome.ChunkIndex()),
	))
	defer span.End()

	inserted, err := a.registry.RecordChunkOutcome(ctx, outcome)
	if err != nil {
		span.RecordError(err)
		return batch.AggregateSnapshot{}, false, err
	}

	snapshot, err := a.registry.GetAggregateSnapshot(ctx, outcome.JobID())
	if err != nil {
		span.RecordError(err)
		return batch.AggregateSnapshot{}, inserted, err
	}

	if !inserted {
		a.logger.Debug(ctx, "duplicate chunk outcome ignored",
			"job_id", outcome.JobID().String(),
			"chunk_index", outcome.ChunkIndex(),
		)
		return snapshot, false, nil
	}

	evt := batch.NewChunkCompletedEvent(
		outcome.JobID(), outcome.ChunkIndex(), outcome.SuccessCount(), outcome.ErrorCount(),
	)
	if err := a.publisher.PublishDomainEvent(ctx, events.DomainEvent{
		Type:      evt.EventType(),
		Timestamp: evt.OccurredAt(),
		Payload:   evt,
	}, events.WithKey(outcome.JobID().String())); err != nil {
		// Event delivery is a notification concern; the fold already happened.
		a.logger.Warn(ctx, "failed to publish chunk completed event",
			"job_id", outcome.JobID().String(),
			"chunk_index", outcome.ChunkIndex(),
			"error", err,
		)
	}

	return snapshot, true, nil
}
