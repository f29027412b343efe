package orchestration

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/internal/domain/batch"
	"github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/pkg/common/logger"
)

// Recorder appends audit records for one execution attempt, assigning each a
// monotonic sequence number. Audit writes are best effort: a failed append is
// logged and processing continues, so the trail can never block a job.
type Recorder struct {
	executionID   uuid.UUID
	correlationID string
	trail         batch.AuditTrail
	logger        *logger.Logger

	seq atomic.Int64
}

// NewRecorder creates a recorder for a single execution attempt. The
// correlation ID links every record back to the job being processed.
func NewRecorder(executionID uuid.UUID, correlationID string, trail batch.AuditTrail, log *logger.Logger) *Recorder {
	return &Recorder{
		executionID:   executionID,
		correlationID: correlationID,
		trail:         trail,
		logger:        log.With("execution_id", executionID.String()),
	}
}

// ExecutionID returns the execution attempt this recorder writes for.
func (r *Recorder) ExecutionID() uuid.UUID { return r.executionID }

// Record appends one audit record with the next sequence number.
func (r *Recorder) Record(
	ctx context.Context,
	eventType string,
	level batch.AuditLevel,
	functionName string,
	message string,
	metadata map[string]any,
) {
	seq := r.seq.Add(1) - 1
	record := batch.NewAuditRecord(
		r.executionID, seq, eventType, level, functionName, message, metadata, r.correlationID,
	)
	if err := r.trail.Append(ctx, record); err != nil {
		r.logger.Warn(ctx, "audit append failed",
			"sequence", seq,
			"audit_event_type", eventType,
			"error", err,
		)
	}
}

// RecordError classifies err, appends it as an ERROR record, and returns the
// classification so callers can branch on retryability.
func (r *Recorder) RecordError(ctx context.Context, functionName string, err error) batch.Classification {
	record := batch.NewErrorRecord(r.executionID, err)
	r.Record(ctx, "ERROR", batch.AuditLevelError, functionName, err.Error(), record.Metadata())
	return batch.Classify(err)
}
