package batch

import "fmt"

// JobStatus represents the current state of a processing job. It enables
// tracking of job lifecycle from trigger receipt through completion or failure.
type JobStatus string

const (
	// JobStatusPending indicates a job has been created but no lock is held yet.
	JobStatusPending JobStatus = "PENDING"

	// JobStatusLocked indicates the job lock has been acquired and input
	// validation is underway.
	JobStatusLocked JobStatus = "LOCKED"

	// JobStatusChunking indicates the input file is being split into chunks.
	JobStatusChunking JobStatus = "CHUNKING"

	// JobStatusDispatching indicates chunks are being released to workers.
	JobStatusDispatching JobStatus = "DISPATCHING"

	// JobStatusAggregating indicates chunk outcomes are being folded into the
	// job-level summary.
	JobStatusAggregating JobStatus = "AGGREGATING"

	// JobStatusFinalizing indicates the merged output is being written and the
	// terminal status derived.
	JobStatusFinalizing JobStatus = "FINALIZING"

	// JobStatusCompleted indicates every chunk finished without row errors.
	JobStatusCompleted JobStatus = "COMPLETED"

	// JobStatusPartial indicates a mix of chunk-level successes and failures.
	JobStatusPartial JobStatus = "PARTIAL"

	// JobStatusFailed indicates no chunk succeeded, or the job was cancelled
	// or hit an unrecoverable error.
	JobStatusFailed JobStatus = "FAILED"
)

func (s JobStatus) String() string { return string(s) }

// ParseJobStatus converts a string to a JobStatus.
func ParseJobStatus(s string) JobStatus {
	switch s {
	case "PENDING":
		return JobStatusPending
	case "LOCKED":
		return JobStatusLocked
	case "CHUNKING":
		return JobStatusChunking
	case "DISPATCHING":
		return JobStatusDispatching
	case "AGGREGATING":
		return JobStatusAggregating
	case "FINALIZING":
		return JobStatusFinalizing
	case "COMPLETED":
		return JobStatusCompleted
	case "PARTIAL":
		return JobStatusPartial
	case "FAILED":
		return JobStatusFailed
	default:
		return "" // represents unspecified
	}
}

// IsTerminal returns true once a job can no longer change state.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusPartial || s == JobStatusFailed
}

// IsProcessing reports whether the job is between lock acquisition and its
// terminal state. External status queries collapse these fine-grained states
// into a single PROCESSING phase.
func (s JobStatus) IsProcessing() bool {
	switch s {
	case JobStatusLocked, JobStatusChunking, JobStatusDispatching,
		JobStatusAggregating, JobStatusFinalizing:
		return true
	}
	return false
}

// ValidateTransition checks if a status transition is valid and returns an
// error if not.
func (s JobStatus) ValidateTransition(target JobStatus) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("%w: from %s to %s", ErrInvalidStatusTransition, s, target)
	}
	return nil
}

// isValidTransition checks if the current status can transition to the target
// status. It enforces the job lifecycle rules to prevent invalid state changes.
func (s JobStatus) isValidTransition(target JobStatus) bool {
	switch s {
	case JobStatusPending:
		// From Pending, can only acquire the lock or fail outright.
		return target == JobStatusLocked || target == JobStatusFailed
	case JobStatusLocked:
		return target == JobStatusChunking || target == JobStatusFailed
	case JobStatusChunking:
		return target == JobStatusDispatching || target == JobStatusFailed
	case JobStatusDispatching:
		return target == JobStatusAggregating || target == JobStatusFailed
	case JobStatusAggregating:
		return target == JobStatusFinalizing || target == JobStatusFailed
	case JobStatusFinalizing:
		// Finalizing derives one of the three terminal states.
		return target.IsTerminal()
	case JobStatusCompleted, JobStatusPartial, JobStatusFailed:
		// Terminal states - no further transitions allowed.
		return false
	default:
		return false
	}
}

// DeriveTerminalStatus computes the terminal status for a job from its final
// success and error counts. Exactly one of the three terminal states applies
// to every (totalSuccess, totalError) pair.
func DeriveTerminalStatus(totalSuccess, totalError int64) JobStatus {
	switch {
	case totalError == 0:
		return JobStatusCompleted
	case totalSuccess > 0:
		return JobStatusPartial
	default:
		return JobStatusFailed
	}
}
