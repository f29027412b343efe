package batch

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrorType buckets a failure into the handling policy it requires. The set
// is closed: every error the orchestration core encounters maps to exactly
// one of these variants, with its handling fixed at compile time.
type ErrorType string

const (
	// ErrorTypeContention marks a lock already held with a live lease. The
	// caller retries acquisition after backoff; this is not a job failure.
	ErrorTypeContention ErrorType = "CONTENTION"

	// ErrorTypeTransient marks temporary external unavailability such as
	// timeouts or throttling. Retryable.
	ErrorTypeTransient ErrorType = "TRANSIENT"

	// ErrorTypeMalformedInput marks unparseable input or a missing object.
	// Terminal for the affected chunk; contributes to PARTIAL/FAILED.
	ErrorTypeMalformedInput ErrorType = "MALFORMED_INPUT"

	// ErrorTypeConflict marks an optimistic-concurrency transition mismatch.
	// The caller re-reads current state rather than overwriting blindly.
	ErrorTypeConflict ErrorType = "CONFLICT"

	// ErrorTypeFatal marks invalid configuration or invariant violations.
	// Surfaced immediately; the job is forced to FAILED with no retry.
	ErrorTypeFatal ErrorType = "FATAL"
)

func (t ErrorType) String() string { return string(t) }

// Classification is the handling decision for one failure.
type Classification struct {
	Type      ErrorType
	Code      string
	Retryable bool
}

// TransientError wraps a failure known to signal temporary external
// unavailability, such as a throttled dependency, so the classifier marks it
// retryable without inspecting transport-specific error types.
type TransientError struct {
	Code string
	Err  error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError marks err as retryable with the given code.
func NewTransientError(code string, err error) *TransientError {
	return &TransientError{Code: code, Err: err}
}

// Classify inspects a failure and decides its type, code, and retryability.
// Unclassifiable errors are treated as fatal so nothing fails silently.
func Classify(err error) Classification {
	var transient *TransientError
	switch {
	case errors.Is(err, ErrLockDenied):
		return Classification{Type: ErrorTypeContention, Code: "LOCK_HELD", Retryable: true}
	case errors.Is(err, ErrStatusConflict):
		return Classification{Type: ErrorTypeConflict, Code: "STATUS_CONFLICT", Retryable: false}
	case errors.Is(err, ErrMalformedInput):
		return Classification{Type: ErrorTypeMalformedInput, Code: "MALFORMED_INPUT", Retryable: false}
	case errors.Is(err, context.DeadlineExceeded):
		return Classification{Type: ErrorTypeTransient, Code: "TIMEOUT", Retryable: true}
	case errors.Is(err, ErrLeaseExpired):
		return Classification{Type: ErrorTypeTransient, Code: "LEASE_EXPIRED", Retryable: true}
	case errors.As(err, &transient):
		return Classification{Type: ErrorTypeTransient, Code: transient.Code, Retryable: true}
	case errors.Is(err, ErrJobCancelled):
		return Classification{Type: ErrorTypeFatal, Code: "CANCELLED", Retryable: false}
	default:
		return Classification{Type: ErrorTypeFatal, Code: "UNCLASSIFIED", Retryable: false}
	}
}

// ErrorRecord captures a classified failure for the retry controller and the
// audit trail.
type ErrorRecord struct {
	ErrorType    ErrorType
	ErrorCode    string
	ErrorMessage string
	IsRetryable  bool
	ExecutionID  uuid.UUID
}

// NewErrorRecord classifies err and binds it to the execution that hit it.
func NewErrorRecord(executionID uuid.UUID, err error) ErrorRecord {
	c := Classify(err)
	return ErrorRecord{
		ErrorType:    c.Type,
		ErrorCode:    c.Code,
		ErrorMessage: err.Error(),
		IsRetryable:  c.Retryable,
		ExecutionID:  executionID,
	}
}

// Metadata renders the record as structured audit metadata.
func (r ErrorRecord) Metadata() map[string]any {
	return map[string]any{
		"error_type":    r.ErrorType.String(),
		"error_code":    r.ErrorCode,
		"error_message": r.ErrorMessage,
		"is_retryable":  r.IsRetryable,
	}
}
