package batch

import (
	"time"

	"github.com/google/uuid"

	"github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/internal/domain/events"
)

// Event types relevant to job processing:
const (
	EventTypeFileUploaded         events.EventType = "FileUploaded"
	EventTypeJobScheduled         events.EventType = "JobScheduled"
	EventTypeChunkManifestCreated events.EventType = "ChunkManifestCreated"
	EventTypeChunkCompleted       events.EventType = "ChunkCompleted"
	EventTypeChunkFailed          events.EventType = "ChunkFailed"
	EventTypeJobFinalized         events.EventType = "JobFinalized"
	EventTypeJobCancelled         events.EventType = "JobCancelled"
)

// FileUploadedEvent is the inbound notification that an input object landed
// in the upload bucket. It is the transport form of a TriggerEvent.
type FileUploadedEvent struct {
	Bucket      string
	Key         string
	Size        int64
	EventTime   time.Time
	EventSource string
}

// NewFileUploadedEvent creates a file uploaded event from a trigger.
func NewFileUploadedEvent(trigger TriggerEvent) FileUploadedEvent {
	return FileUploadedEvent{
		Bucket:      trigger.Bucket,
		Key:         trigger.Key,
		Size:        trigger.Size,
		EventTime:   trigger.EventTime,
		EventSource: trigger.EventSource,
	}
}

func (e FileUploadedEvent) EventType() events.EventType { return EventTypeFileUploaded }
func (e FileUploadedEvent) OccurredAt() time.Time       { return e.EventTime }

// Trigger converts the event back into the trigger the orchestrator runs on.
func (e FileUploadedEvent) Trigger() TriggerEvent {
	return TriggerEvent{
		Bucket:      e.Bucket,
		Key:         e.Key,
		Size:        e.Size,
		EventTime:   e.EventTime,
		EventSource: e.EventSource,
	}
}

// JobScheduledEvent signals that a trigger was accepted and a new job
// initialized.
type JobScheduledEvent struct {
	occurredAt time.Time
	JobID      uuid.UUID
	FileName   string
	Size       int64
}

// NewJobScheduledEvent creates a new job scheduled event.
func NewJobScheduledEvent(jobID uuid.UUID, fileName string, size int64) JobScheduledEvent {
	return JobScheduledEvent{
		occurredAt: time.Now(),
		JobID:      jobID,
		FileName:   fileName,
		Size:       size,
	}
}

func (e JobScheduledEvent) EventType() events.EventType { return EventTypeJobScheduled }
func (e JobScheduledEvent) OccurredAt() time.Time       { return e.occurredAt }

// ChunkManifestCreatedEvent signals that splitting finished and the chunk
// count is final.
type ChunkManifestCreatedEvent struct {
	occurredAt  time.Time
	JobID       uuid.UUID
	TotalChunks int
}

// NewChunkManifestCreatedEvent creates a new chunk manifest created event.
func NewChunkManifestCreatedEvent(jobID uuid.UUID, totalChunks int) ChunkManifestCreatedEvent {
	return ChunkManifestCreatedEvent{
		occurredAt:  time.Now(),
		JobID:       jobID,
		TotalChunks: totalChunks,
	}
}

func (e ChunkManifestCreatedEvent) EventType() events.EventType { return EventTypeChunkManifestCreated }
func (e ChunkManifestCreatedEvent) OccurredAt() time.Time       { return e.occurredAt }

// ChunkCompletedEvent signals a chunk outcome was folded into the aggregate.
type ChunkCompletedEvent struct {
	occurredAt time.Time
	JobID      uuid.UUID
	ChunkIndex int
	Success    int64
	Errors     int64
}

// NewChunkCompletedEvent creates a new chunk completed event.
func NewChunkCompletedEvent(jobID uuid.UUID, chunkIndex int, success, errors int64) ChunkCompletedEvent {
	return ChunkCompletedEvent{
		occurredAt: time.Now(),
		JobID:      jobID,
		ChunkIndex: chunkIndex,
		Success:    success,
		Errors:     errors,
	}
}

func (e ChunkCompletedEvent) EventType() events.EventType { return EventTypeChunkCompleted }
func (e ChunkCompletedEvent) OccurredAt() time.Time       { return e.occurredAt }

// ChunkFailedEvent signals a chunk exhausted its retries.
type ChunkFailedEvent struct {
	occurredAt time.Time
	JobID      uuid.UUID
	ChunkIndex int
	Reason     string
}

// NewChunkFailedEvent creates a new chunk failed event.
func NewChunkFailedEvent(jobID uuid.UUID, chunkIndex int, reason string) ChunkFailedEvent {
	return ChunkFailedEvent{
		occurredAt: time.Now(),
		JobID:      jobID,
		ChunkIndex: chunkIndex,
		Reason:     reason,
	}
}

func (e ChunkFailedEvent) EventType() events.EventType { return EventTypeChunkFailed }
func (e ChunkFailedEvent) OccurredAt() time.Time       { return e.occurredAt }

// JobFinalizedEvent signals a job reached a terminal status.
type JobFinalizedEvent struct {
	occurredAt     time.Time
	JobID          uuid.UUID
	Status         JobStatus
	TotalProcessed int64
	TotalSuccess   int64
	TotalError     int64
	OutputLocation string
}

// NewJobFinalizedEvent creates a new job finalized event from the final
// aggregate snapshot.
func NewJobFinalizedEvent(jobID uuid.UUID, status JobStatus, snapshot AggregateSnapshot) JobFinalizedEvent {
	return JobFinalizedEvent{
		occurredAt:     time.Now(),
		JobID:          jobID,
		Status:         status,
		TotalProcessed: snapshot.TotalProcessed(),
		TotalSuccess:   snapshot.TotalSuccess(),
		TotalError:     snapshot.TotalError(),
		OutputLocation: snapshot.OutputLocation(),
	}
}

func (e JobFinalizedEvent) EventType() events.EventType { return EventTypeJobFinalized }
func (e JobFinalizedEvent) OccurredAt() time.Time       { return e.occurredAt }

// JobCancelledEvent signals a job was externally cancelled before reaching a
// terminal state on its own.
type JobCancelledEvent struct {
	occurredAt time.Time
	JobID      uuid.UUID
	Reason     string
}

// NewJobCancelledEvent creates a new job cancelled event.
func NewJobCancelledEvent(jobID uuid.UUID, reason string) JobCancelledEvent {
	return JobCancelledEvent{
		occurredAt: time.Now(),
		JobID:      jobID,
		Reason:     reason,
	}
}

func (e JobCancelledEvent) EventType() events.EventType { return EventTypeJobCancelled }
func (e JobCancelledEvent) OccurredAt() time.Time       { return e.occurredAt }
