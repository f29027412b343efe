package batch

import (
	"time"

	"github.com/google/uuid"
)

// AuditLevel grades the severity of an audit record.
type AuditLevel string

const (
	AuditLevelDebug AuditLevel = "DEBUG"
	AuditLevelInfo  AuditLevel = "INFO"
	AuditLevelWarn  AuditLevel = "WARN"
	AuditLevelError AuditLevel = "ERROR"
)

func (l AuditLevel) String() string { return string(l) }

// ParseAuditLevel converts a string to an AuditLevel, defaulting to INFO for
// unknown values.
func ParseAuditLevel(s string) AuditLevel {
	switch s {
	case "DEBUG":
		return AuditLevelDebug
	case "WARN":
		return AuditLevelWarn
	case "ERROR":
		return AuditLevelError
	default:
		return AuditLevelInfo
	}
}

// AuditRecord is one entry in the append-only log of state transitions and
// errors for an execution. Records are identified by (executionID, sequence)
// and never mutated after append, giving a total order of job history even
// under concurrent execution attempts.
type AuditRecord struct {
	executionID   uuid.UUID
	sequence      int64
	eventType     string
	level         AuditLevel
	functionName  string
	message       string
	metadata      map[string]any
	correlationID string
	timestamp     time.Time
}

// NewAuditRecord creates an audit record. The sequence number is assigned by
// the recorder, which maintains a monotonic counter per execution.
func NewAuditRecord(
	executionID uuid.UUID,
	sequence int64,
	eventType string,
	level AuditLevel,
	functionName string,
	message string,
	metadata map[string]any,
	correlationID string,
) AuditRecord {
	return AuditRecord{
		executionID:   executionID,
		sequence:      sequence,
		eventType:     eventType,
		level:         level,
		functionName:  functionName,
		message:       message,
		metadata:      metadata,
		correlationID: correlationID,
		timestamp:     time.Now(),
	}
}

// ReconstructAuditRecord creates an AuditRecord from persisted fields.
// This should only be used by audit stores when loading from storage.
func ReconstructAuditRecord(
	executionID uuid.UUID,
	sequence int64,
	eventType string,
	level AuditLevel,
	functionName string,
	message string,
	metadata map[string]any,
	correlationID string,
	timestamp time.Time,
) AuditRecord {
	return AuditRecord{
		executionID:   executionID,
		sequence:      sequence,
		eventType:     eventType,
		level:         level,
		functionName:  functionName,
		message:       message,
		metadata:      metadata,
		correlationID: correlationID,
		timestamp:     timestamp,
	}
}

// ExecutionID returns the execution this record belongs to.
func (r AuditRecord) ExecutionID() uuid.UUID { return r.executionID }

// Sequence returns the record's position within its execution's log.
func (r AuditRecord) Sequence() int64 { return r.sequence }

// EventType returns the kind of occurrence the record captures.
func (r AuditRecord) EventType() string { return r.eventType }

// Level returns the record's severity.
func (r AuditRecord) Level() AuditLevel { return r.level }

// FunctionName returns the component that produced the record.
func (r AuditRecord) FunctionName() string { return r.functionName }

// Message returns the human-readable description.
func (r AuditRecord) Message() string { return r.message }

// Metadata returns structured context attached to the record.
func (r AuditRecord) Metadata() map[string]any { return r.metadata }

// CorrelationID returns the identifier linking this record to its job.
func (r AuditRecord) CorrelationID() string { return r.correlationID }

// Timestamp returns when the record was created.
func (r AuditRecord) Timestamp() time.Time { return r.timestamp }
