package batch

import (
	"time"

	"github.com/google/uuid"
)

// Job coordinates and tracks one end-to-end processing run for a single input
// file. It provides aggregated status and progress tracking across all chunks.
type Job struct {
	jobID       uuid.UUID
	fileName    string
	status      JobStatus
	totalChunks int
	ttl         time.Time
	failReason  string
	timeline    *Timeline
}

// NewJob creates a new Job for the named input file. The job starts in
// PENDING and expires (becomes reclaimable) at the provided TTL.
func NewJob(jobID uuid.UUID, fileName string, ttl time.Time) *Job {
	return &Job{
		jobID:    jobID,
		fileName: fileName,
		status:   JobStatusPending,
		ttl:      ttl,
		timeline: NewTimeline(new(realTimeProvider)),
	}
}

// ReconstructJob creates a Job instance from stored fields, bypassing creation
// invariants. This should only be used by repositories when loading from the DB.
func ReconstructJob(
	jobID uuid.UUID,
	fileName string,
	status JobStatus,
	totalChunks int,
	ttl time.Time,
	failReason string,
	timeline *Timeline,
) *Job {
	return &Job{
		jobID:       jobID,
		fileName:    fileName,
		status:      status,
		totalChunks: totalChunks,
		ttl:         ttl,
		failReason:  failReason,
		timeline:    timeline,
	}
}

// JobID returns the unique identifier for this job.
func (j *Job) JobID() uuid.UUID { return j.jobID }

// FileName returns the name of the input file this job processes.
func (j *Job) FileName() string { return j.fileName }

// Status returns the current execution status of the job.
func (j *Job) Status() JobStatus { return j.status }

// TotalChunks returns the number of chunks in the manifest, or zero before
// chunking completes.
func (j *Job) TotalChunks() int { return j.totalChunks }

// TTL returns the absolute expiry after which the record may be reclaimed.
func (j *Job) TTL() time.Time { return j.ttl }

// FailReason returns the recorded reason for a FAILED job, if any.
func (j *Job) FailReason() string { return j.failReason }

// StartTime returns when this job was initialized.
func (j *Job) StartTime() time.Time { return j.timeline.StartedAt() }

// EndTime returns when this job reached a terminal state.
// A job only has an end time if it's in a terminal state.
func (j *Job) EndTime() (time.Time, bool) {
	if j.status.IsTerminal() {
		return j.timeline.CompletedAt(), true
	}
	return time.Time{}, false
}

// LastUpdateTime returns when this job's state was last modified.
func (j *Job) LastUpdateTime() time.Time { return j.timeline.LastUpdate() }

// GetTimeline provides access to the job's timeline information.
func (j *Job) GetTimeline() *Timeline { return j.timeline }

// CompleteChunking records the final chunk count and transitions the job to
// DISPATCHING. The count is set exactly once; re-chunking a job that already
// carries a manifest is rejected.
func (j *Job) CompleteChunking(totalChunks int) error {
	if j.status != JobStatusChunking {
		return ErrInvalidState
	}
	if j.totalChunks != 0 {
		return ErrInvalidState
	}

	j.totalChunks = totalChunks
	return j.UpdateStatus(JobStatusDispatching)
}

// Fail forces the job to FAILED with a distinguishing reason, such as
// cancellation or an unrecoverable configuration error.
func (j *Job) Fail(reason string) error {
	if err := j.UpdateStatus(JobStatusFailed); err != nil {
		return err
	}
	j.failReason = reason
	return nil
}

// UpdateStatus changes the job's status after validating the transition.
// It returns an error if the transition is not valid.
func (j *Job) UpdateStatus(newStatus JobStatus) error {
	if err := j.status.ValidateTransition(newStatus); err != nil {
		return err
	}

	if newStatus.IsTerminal() {
		j.timeline.MarkCompleted()
	} else {
		j.timeline.UpdateLastUpdate()
	}

	j.status = newStatus
	return nil
}
