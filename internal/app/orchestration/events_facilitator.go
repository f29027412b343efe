package orchestration

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/internal/domain/batch"
	"github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/internal/domain/events"
)

// JobRunner executes and cancels jobs. It is the surface the facilitator
// drives on behalf of inbound events.
type JobRunner interface {
	Run(ctx context.Context, trigger batch.TriggerEvent) error
	Cancel(ctx context.Context, jobID uuid.UUID, reason string) error
}

// EventsFacilitator routes inbound bus events to the orchestrator. It performs
// no domain logic itself; it decodes payloads, delegates, and keeps tracing
// and acknowledgment consistent across all event types.
type EventsFacilitator struct {
	runner JobRunner
	tracer trace.Tracer
}

var _ events.EventHandler = (*EventsFacilitator)(nil)

// NewEventsFacilitator constructs a facilitator that drives runner from
// bus-delivered events.
func NewEventsFacilitator(runner JobRunner, tracer trace.Tracer) *EventsFacilitator {
	return &EventsFacilitator{runner: runner, tracer: tracer}
}

// SupportedEvents returns the event types the facilitator consumes.
func (ef *EventsFacilitator) SupportedEvents() []events.EventType {
	return []events.EventType{
		batch.EventTypeFileUploaded,
		batch.EventTypeJobCancelled,
	}
}

// HandleEvent dispatches one envelope to its type-specific handler.
func (ef *EventsFacilitator) HandleEvent(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	switch evt.Type {
	case batch.EventTypeFileUploaded:
		return ef.HandleFileUploaded(ctx, evt, ack)
	case batch.EventTypeJobCancelled:
		return ef.HandleJobCancelled(ctx, evt, ack)
	default:
		ack(nil)
		return fmt.Errorf("unsupported event type: %s", evt.Type)
	}
}

// withSpan is a helper that centralizes trace creation and error recording.
func (ef *EventsFacilitator) withSpan(
	ctx context.Context,
	operationName string,
	fn func(ctx context.Context, span trace.Span) error,
	ack events.AckFunc,
) error {
	ctx, span := ef.tracer.Start(ctx, operationName)
	defer func() {
		span.End()
		ack(nil)
	}()

	if err := fn(ctx, span); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	return nil
}

// recordPayloadTypeError standardizes error creation and recording
// for invalid event payload types.
func recordPayloadTypeError(span trace.Span, payload any) error {
	err := fmt.Errorf("invalid event payload type: %T", payload)
	span.RecordError(err)
	span.SetStatus(codes.Error, "invalid event payload type")
	return err
}

// HandleFileUploaded processes a FileUploadedEvent by running the job it
// triggers. A lock denial is not an error from the bus's point of view; the
// winning execution is already processing the same object.
func (ef *EventsFacilitator) HandleFileUploaded(
	ctx context.Context,
	evt events.EventEnvelope,
	ack events.AckFunc,
) error {
	return ef.withSpan(ctx, "events_facilitator.handle_file_uploaded", func(ctx context.Context, span trace.Span) error {
		uploadEvt, ok := evt.Payload.(batch.FileUploadedEvent)
		if !ok {
			return recordPayloadTypeError(span, evt.Payload)
		}

		trigger := uploadEvt.Trigger()
		span.AddEvent("running_job", trace.WithAttributes(
			attribute.String("job_id", trigger.JobID().String()),
			attribute.String("bucket", trigger.Bucket),
			attribute.String("key", trigger.Key),
		))

		if err := ef.runner.Run(ctx, trigger); err != nil {
			if errors.Is(err, batch.ErrLockDenied) {
				span.AddEvent("job_lock_held_elsewhere")
				return nil
			}
			return fmt.Errorf("run job for %s/%s: %w", trigger.Bucket, trigger.Key, err)
		}
		return nil
	}, ack)
}

// HandleJobCancelled processes an externally published JobCancelledEvent by
// converging the job record onto the cancelled state. Already-terminal jobs
// are left untouched.
func (ef *EventsFacilitator) HandleJobCancelled(
	ctx context.Context,
	evt events.EventEnvelope,
	ack events.AckFunc,
) error {
	return ef.withSpan(ctx, "events_facilitator.handle_job_cancelled", func(ctx context.Context, span trace.Span) error {
		cancelEvt, ok := evt.Payload.(batch.JobCancelledEvent)
		if !ok {
			return recordPayloadTypeError(span, evt.Payload)
		}

		span.AddEvent("cancelling_job", trace.WithAttributes(
			attribute.String("job_id", cancelEvt.JobID.String()),
			attribute.String("reason", cancelEvt.Reason),
		))

		if err := ef.runner.Cancel(ctx, cancelEvt.JobID, cancelEvt.Reason); err != nil {
			return fmt.Errorf("cancel job %s: %w", cancelEvt.JobID, err)
		}
		return nil
	}, ack)
}
