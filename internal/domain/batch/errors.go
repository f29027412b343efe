package batch

import "errors"

// Sentinel errors shared across the batch domain. Infrastructure adapters
// translate store-specific failures into these values so callers can branch
// with errors.Is regardless of the backing implementation.
var (
	// ErrJobExists is returned when creating a job whose ID already exists.
	ErrJobExists = errors.New("job already exists")

	// ErrJobNotFound is returned when a job lookup finds no record.
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidState is returned when an operation requires a job state the
	// job is not in, e.g. setting a chunk manifest on a non-chunking job.
	ErrInvalidState = errors.New("job is in an invalid state for this operation")

	// ErrInvalidStatusTransition is returned when a requested lifecycle
	// transition violates the state machine rules.
	ErrInvalidStatusTransition = errors.New("invalid job status transition")

	// ErrStatusConflict is returned when an optimistic status transition loses
	// the race: the stored status no longer matches the expected one.
	ErrStatusConflict = errors.New("job status conflict")

	// ErrLockDenied is returned when a lock acquisition finds a live lease
	// held by another owner.
	ErrLockDenied = errors.New("lock denied: held by another owner")

	// ErrLeaseExpired is returned when renewing or releasing a lease that has
	// already expired or been taken over.
	ErrLeaseExpired = errors.New("lease expired")

	// ErrMalformedInput is returned when the input object cannot be parsed as
	// delimited data, or a chunk's assigned range does not exist.
	ErrMalformedInput = errors.New("malformed input")

	// ErrJobCancelled is returned by in-flight operations once a job has been
	// externally cancelled.
	ErrJobCancelled = errors.New("job cancelled")
)
