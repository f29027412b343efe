// Package orchestration coordinates the end-to-end processing of one input
// file: lock acquisition, job registration, chunking, bounded-concurrency
// dispatch, idempotent aggregation, and terminal status derivation. All
// durable state lives in the job registry; the orchestrator itself holds
// nothing a crashed execution would need back.
package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/internal/domain/batch"
	"github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/internal/domain/events"
	"github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/pkg/common/logger"
)

// RowCounter reports how many data rows an input object holds, excluding the
// header row.
type RowCounter interface {
	CountRows(ctx context.Context, input batch.InputDescriptor) (int64, error)
}

// Config carries the tunables for one orchestrator instance.
type Config struct {
	// MaxChunkSize is the maximum number of rows per chunk.
	MaxChunkSize int64

	// MaxConcurrentChunks bounds how many chunks are in flight at once.
	MaxConcurrentChunks int

	// ChunkTimeout is the per-attempt deadline for processing one chunk.
	ChunkTimeout time.Duration

	// LeaseDuration is the lifetime of the job lock lease between renewals.
	LeaseDuration time.Duration

	// JobTTL is how long a job record stays reclaimable after creation.
	JobTTL time.Duration

	// Retry governs re-attempts for lock acquisition and chunk processing.
	Retry RetryPolicy
}

// Orchestrator drives the job state machine for triggered input files. One
// orchestrator serves many jobs; per-run state is confined to Run's stack.
type Orchestrator struct {
	cfg Config

	registry  batch.JobRepository
	locks     batch.LockManager
	trail     batch.AuditTrail
	publisher events.DomainEventPublisher
	store     batch.ObjectStore
	counter   RowCounter

	dispatcher *Dispatcher

	logger  *logger.Logger
	metrics OrchestrationMetrics
	tracer  trace.Tracer
}

// NewOrchestrator assembles an orchestrator from its collaborators.
func NewOrchestrator(
	cfg Config,
	registry batch.JobRepository,
	locks batch.LockManager,
	trail batch.AuditTrail,
	publisher events.DomainEventPublisher,
	store batch.ObjectStore,
	counter RowCounter,
	worker batch.ChunkWorker,
	log *logger.Logger,
	metrics OrchestrationMetrics,
	tracer trace.Tracer,
) *Orchestrator {
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}

	aggregator := NewAggregator(registry, publisher, log, tracer)
	dispatcher := NewDispatcher(
		worker, aggregator, registry, publisher, log, metrics, tracer,
		cfg.MaxConcurrentChunks, cfg.ChunkTimeout, cfg.Retry,
	)

	return &Orchestrator{
		cfg:        cfg,
		registry:   registry,
		locks:      locks,
		trail:      trail,
		publisher:  publisher,
		store:      store,
		counter:    counter,
		dispatcher: dispatcher,
		logger:     log.With("component", "orchestrator"),
		metrics:    metrics,
		tracer:     tracer,
	}
}

// Run processes one trigger end to end. Concurrent triggers for the same
// object contend on the job lock; losers back off and, once the winner
// finishes, observe the terminal job and return without reprocessing.
func (o *Orchestrator) Run(ctx context.Context, trigger batch.TriggerEvent) error {
	jobID := trigger.JobID()
	executionID := uuid.New()

	ctx, span := o.tracer.Start(ctx, "orchestrator.run", trace.WithAttributes(
		attribute.String("job_id", jobID.String()),
		attribute.String("execution_id", executionID.String()),
		attribute.String("input", trigger.InputDescriptor().String()),
	))
	defer span.End()

	rec := NewRecorder(executionID, jobID.String(), o.trail, o.logger)
	log := o.logger.With("job_id", jobID.String(), "execution_id", executionID.String())

	o.metrics.IncJobsStarted(ctx)
	start := time.Now()
	defer func() { o.metrics.ObserveJobDuration(ctx, time.Since(start)) }()

	log.Info(ctx, "trigger received", "bucket", trigger.Bucket, "key", trigger.Key, "size", trigger.Size)
	rec.Record(ctx, "JOB_TRIGGERED", batch.AuditLevelInfo, "orchestrator.Run",
		"trigger accepted", map[string]any{"bucket": trigger.Bucket, "key": trigger.Key, "size": trigger.Size})

	lease, err := o.acquireLock(ctx, jobID, executionID, rec)
	if err != nil {
		if errors.Is(err, batch.ErrLockDenied) {
			return o.handleLockDenied(ctx, jobID, rec, log)
		}
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	defer o.releaseLock(jobID, lease, log)

	// The run context dies when the lease does. Every downstream write goes
	// through this context, so a takeover by another execution also halts
	// this one's side effects.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	renewDone := o.keepLeaseAlive(runCtx, lease, cancelRun, rec, log)
	defer func() { <-renewDone }()

	err = o.execute(runCtx, trigger, jobID, rec, log)
	cancelRun()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// acquireLock takes the job lock, retrying over live-lease contention.
func (o *Orchestrator) acquireLock(
	ctx context.Context,
	jobID uuid.UUID,
	executionID uuid.UUID,
	rec *Recorder,
) (batch.Lease, error) {
	var lease batch.Lease
	err := o.cfg.Retry.Execute(ctx, func(ctx context.Context) error {
		var err error
		lease, err = o.locks.Acquire(ctx, jobID.String(), executionID.String(), o.cfg.LeaseDuration)
		return err
	})
	if err != nil {
		if errors.Is(err, batch.ErrLockDenied) {
			o.metrics.IncLockContentions(ctx)
		}
		rec.RecordError(ctx, "orchestrator.acquireLock", err)
		return batch.Lease{}, err
	}

	o.metrics.IncLocksAcquired(ctx)
	rec.Record(ctx, "LOCK_ACQUIRED", batch.AuditLevelInfo, "orchestrator.acquireLock",
		"job lock acquired", map[string]any{"expires_at": lease.ExpiresAt()})
	return lease, nil
}

// handleLockDenied resolves a lost lock race. If the winner already drove the
// job to a terminal state this trigger is a duplicate and succeeds as a
// no-op; otherwise the winner is still working and the denial propagates.
func (o *Orchestrator) handleLockDenied(
	ctx context.Context,
	jobID uuid.UUID,
	rec *Recorder,
	log *logger.Logger,
) error {
	job, err := o.registry.GetJob(ctx, jobID)
	if err == nil && job.Status().IsTerminal() {
		log.Info(ctx, "duplicate trigger for finished job", "status", job.Status().String())
		rec.Record(ctx, "DUPLICATE_TRIGGER", batch.AuditLevelInfo, "orchestrator.handleLockDenied",
			"job already finished, trigger ignored", map[string]any{"status": job.Status().String()})
		return nil
	}

	log.Info(ctx, "job lock held by another execution")
	return batch.ErrLockDenied
}

// keepLeaseAlive renews the lease on a fraction of its duration until the run
// context ends. Losing the lease cancels the run.
func (o *Orchestrator) keepLeaseAlive(
	ctx context.Context,
	lease batch.Lease,
	cancelRun context.CancelFunc,
	rec *Recorder,
	log *logger.Logger,
) <-chan struct{} {
	done := make(chan struct{})

	go func() {
		defer close(done)

		interval := o.cfg.LeaseDuration / 3
		if interval <= 0 {
			interval = time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		current := lease
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				renewed, err := o.locks.Renew(ctx, current, o.cfg.LeaseDuration)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					log.Error(ctx, "lease renewal failed, cancelling run", "error", err)
					rec.RecordError(ctx, "orchestrator.keepLeaseAlive", err)
					cancelRun()
					return
				}
				current = renewed
			}
		}
	}()

	return done
}

// releaseLock drops the lease on the way out. Failures are logged only;
// expiry heals an unreleased lock.
func (o *Orchestrator) releaseLock(jobID uuid.UUID, lease batch.Lease, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := o.locks.Release(ctx, lease); err != nil {
		log.Warn(ctx, "failed to release job lock", "job_id", jobID.String(), "error", err)
	}
}

// execute drives the job from registration to a terminal status while the
// lock is held.
func (o *Orchestrator) execute(
	ctx context.Context,
	trigger batch.TriggerEvent,
	jobID uuid.UUID,
	rec *Recorder,
	log *logger.Logger,
) error {
	job := batch.NewJob(jobID, trigger.Key, time.Now().Add(o.cfg.JobTTL))
	if err := o.registry.CreateJob(ctx, job); err != nil {
		if errors.Is(err, batch.ErrJobExists) {
			return o.resolveExistingJob(ctx, trigger, jobID, rec, log)
		}
		rec.RecordError(ctx, "orchestrator.execute", err)
		return fmt.Errorf("create job: %w", err)
	}

	scheduled := batch.NewJobScheduledEvent(jobID, trigger.Key, trigger.Size)
	o.publish(ctx, scheduled.EventType(), jobID, scheduled, log)
	rec.Record(ctx, "JOB_CREATED", batch.AuditLevelInfo, "orchestrator.execute",
		"job registered", map[string]any{"file_name": trigger.Key})

	return o.runPipeline(ctx, trigger, jobID, batch.JobStatusPending, rec, log)
}

// runPipeline drives the job from its current machine state to a terminal
// status. Entering mid-machine is how a retrigger resumes a job abandoned by
// a dead execution: the deterministic split reproduces the same manifest and
// the idempotent fold absorbs chunks the previous run already recorded.
func (o *Orchestrator) runPipeline(
	ctx context.Context,
	trigger batch.TriggerEvent,
	jobID uuid.UUID,
	current batch.JobStatus,
	rec *Recorder,
	log *logger.Logger,
) error {
	if current == batch.JobStatusPending {
		if err := o.transition(ctx, jobID, batch.JobStatusPending, batch.JobStatusLocked, rec); err != nil {
			return o.failJob(ctx, jobID, err, rec, log)
		}
		current = batch.JobStatusLocked
	}

	input := trigger.InputDescriptor()
	size, err := o.store.HeadObject(ctx, input.Bucket, input.Key)
	if err != nil {
		return o.failJob(ctx, jobID, fmt.Errorf("validate input: %w", err), rec, log)
	}
	if size == 0 {
		return o.failJob(ctx, jobID, fmt.Errorf("%w: input object is empty", batch.ErrMalformedInput), rec, log)
	}
	input.Size = size

	if current == batch.JobStatusLocked {
		if err := o.transition(ctx, jobID, batch.JobStatusLocked, batch.JobStatusChunking, rec); err != nil {
			return o.failJob(ctx, jobID, err, rec, log)
		}
		current = batch.JobStatusChunking
	}

	var manifest []batch.ChunkManifestEntry
	if current == batch.JobStatusChunking {
		totalRows, err := o.counter.CountRows(ctx, input)
		if err != nil {
			return o.failJob(ctx, jobID, fmt.Errorf("count rows: %w", err), rec, log)
		}

		manifest = SplitRows(jobID, totalRows, o.cfg.MaxChunkSize, batch.ProcessingModeSingle)
		if err := o.registry.SetChunkManifest(ctx, jobID, manifest); err != nil {
			return o.failJob(ctx, jobID, fmt.Errorf("store chunk manifest: %w", err), rec, log)
		}

		o.metrics.ObserveChunksPerJob(ctx, len(manifest))
		manifestEvt := batch.NewChunkManifestCreatedEvent(jobID, len(manifest))
		o.publish(ctx, manifestEvt.EventType(), jobID, manifestEvt, log)
		rec.Record(ctx, "MANIFEST_CREATED", batch.AuditLevelInfo, "orchestrator.runPipeline",
			"input split into chunks", map[string]any{"total_rows": totalRows, "total_chunks": len(manifest)})
		current = batch.JobStatusDispatching
	}

	if current == batch.JobStatusDispatching {
		if manifest == nil {
			if manifest, err = o.registry.GetChunkManifest(ctx, jobID); err != nil {
				return o.failJob(ctx, jobID, fmt.Errorf("load chunk manifest: %w", err), rec, log)
			}
		}
		log.Info(ctx, "dispatching chunks", "total_chunks", len(manifest))

		if len(manifest) > 0 {
			if err := o.dispatcher.Dispatch(ctx, input, manifest, rec); err != nil {
				return o.failJob(ctx, jobID, err, rec, log)
			}
		}

		if err := o.transition(ctx, jobID, batch.JobStatusDispatching, batch.JobStatusAggregating, rec); err != nil {
			return o.failJob(ctx, jobID, err, rec, log)
		}
		current = batch.JobStatusAggregating
	}

	snapshot, err := o.registry.GetAggregateSnapshot(ctx, jobID)
	if err != nil {
		return o.failJob(ctx, jobID, err, rec, log)
	}

	if current == batch.JobStatusAggregating {
		if snapshot.TotalChunks() > 0 && !snapshot.IsComplete() {
			err := fmt.Errorf("aggregate incomplete: %d of %d chunks recorded", snapshot.ChunksSeen(), snapshot.TotalChunks())
			return o.failJob(ctx, jobID, err, rec, log)
		}

		if err := o.transition(ctx, jobID, batch.JobStatusAggregating, batch.JobStatusFinalizing, rec); err != nil {
			return o.failJob(ctx, jobID, err, rec, log)
		}
	}

	return o.finalize(ctx, jobID, input, snapshot, rec, log)
}

// resolveExistingJob handles a trigger whose deterministic job ID already has
// a record. Holding the lock means no other execution is live, so a
// non-terminal record belongs to an execution that died with its lease; the
// job is resumed from its persisted state instead of reprocessing from
// scratch or stranding the input.
func (o *Orchestrator) resolveExistingJob(
	ctx context.Context,
	trigger batch.TriggerEvent,
	jobID uuid.UUID,
	rec *Recorder,
	log *logger.Logger,
) error {
	job, err := o.registry.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load existing job: %w", err)
	}

	if job.Status().IsTerminal() {
		log.Info(ctx, "duplicate trigger for finished job", "status", job.Status().String())
		rec.Record(ctx, "DUPLICATE_TRIGGER", batch.AuditLevelInfo, "orchestrator.resolveExistingJob",
			"job already finished, trigger ignored", map[string]any{"status": job.Status().String()})
		return nil
	}

	rec.Record(ctx, "STALE_JOB_RESUMED", batch.AuditLevelWarn, "orchestrator.resolveExistingJob",
		"resuming job abandoned by an expired execution",
		map[string]any{"previous_status": job.Status().String()})
	log.Warn(ctx, "resuming stale job", "previous_status", job.Status().String())

	return o.runPipeline(ctx, trigger, jobID, job.Status(), rec, log)
}

// finalize writes the merged result summary, derives the terminal status from
// the final counts, and publishes the outcome.
func (o *Orchestrator) finalize(
	ctx context.Context,
	jobID uuid.UUID,
	input batch.InputDescriptor,
	snapshot batch.AggregateSnapshot,
	rec *Recorder,
	log *logger.Logger,
) error {
	location := fmt.Sprintf("results/%s/summary.json", jobID)
	summary := map[string]any{
		"job_id":          jobID.String(),
		"input":           input.String(),
		"total_chunks":    snapshot.TotalChunks(),
		"total_processed": snapshot.TotalProcessed(),
		"total_success":   snapshot.TotalSuccess(),
		"total_error":     snapshot.TotalError(),
		"success_rate":    snapshot.SuccessRate(),
		"status":          snapshot.DeriveStatus().String(),
	}
	body, err := json.Marshal(summary)
	if err != nil {
		return o.failJob(ctx, jobID, fmt.Errorf("marshal summary: %w", err), rec, log)
	}
	if err := o.store.PutObject(ctx, input.Bucket, location, strings.NewReader(string(body))); err != nil {
		return o.failJob(ctx, jobID, fmt.Errorf("write summary: %w", err), rec, log)
	}
	if err := o.registry.SetOutputLocation(ctx, jobID, location); err != nil {
		return o.failJob(ctx, jobID, err, rec, log)
	}
	snapshot = snapshot.WithOutputLocation(location)

	final := snapshot.DeriveStatus()
	if err := o.transition(ctx, jobID, batch.JobStatusFinalizing, final, rec); err != nil {
		return o.failJob(ctx, jobID, err, rec, log)
	}
	o.metrics.IncJobsCompleted(ctx, final.String())
	if final == batch.JobStatusFailed {
		if err := o.registry.SetFailReason(ctx, jobID, "no rows processed successfully"); err != nil {
			log.Warn(ctx, "failed to record fail reason", "error", err)
		}
	}

	finalized := batch.NewJobFinalizedEvent(jobID, final, snapshot)
	o.publish(ctx, finalized.EventType(), jobID, finalized, log)
	rec.Record(ctx, "JOB_FINALIZED", batch.AuditLevelInfo, "orchestrator.finalize",
		"job reached terminal status", map[string]any{
			"status":          final.String(),
			"total_processed": snapshot.TotalProcessed(),
			"total_success":   snapshot.TotalSuccess(),
			"total_error":     snapshot.TotalError(),
			"output_location": location,
		})
	log.Info(ctx, "job finalized",
		"status", final.String(),
		"total_processed", snapshot.TotalProcessed(),
		"total_success", snapshot.TotalSuccess(),
		"total_error", snapshot.TotalError(),
	)
	return nil
}

// Cancel forces a non-terminal job to FAILED with the given reason. A job
// already in a terminal state is left untouched.
func (o *Orchestrator) Cancel(ctx context.Context, jobID uuid.UUID, reason string) error {
	job, err := o.registry.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status().IsTerminal() {
		return nil
	}

	if err := o.registry.TransitionStatus(ctx, jobID, job.Status(), batch.JobStatusFailed); err != nil {
		if errors.Is(err, batch.ErrStatusConflict) {
			current, getErr := o.registry.GetJob(ctx, jobID)
			if getErr == nil && current.Status().IsTerminal() {
				return nil
			}
		}
		return err
	}
	if err := o.registry.SetFailReason(ctx, jobID, reason); err != nil {
		o.logger.Warn(ctx, "failed to record cancellation reason", "job_id", jobID.String(), "error", err)
	}

	// The forced transition is audited like any other, under its own
	// execution attempt since no run owns this write.
	rec := NewRecorder(uuid.New(), jobID.String(), o.trail, o.logger)
	rec.Record(ctx, "JOB_CANCELLED", batch.AuditLevelWarn, "orchestrator.Cancel",
		reason, map[string]any{"from": job.Status().String(), "to": batch.JobStatusFailed.String()})

	evt := batch.NewJobCancelledEvent(jobID, reason)
	o.publish(ctx, evt.EventType(), jobID, evt, o.logger)
	return nil
}

// Status reports a job's durable state alongside its current aggregate.
func (o *Orchestrator) Status(ctx context.Context, jobID uuid.UUID) (*batch.Job, batch.AggregateSnapshot, error) {
	job, err := o.registry.GetJob(ctx, jobID)
	if err != nil {
		return nil, batch.AggregateSnapshot{}, err
	}
	snapshot, err := o.registry.GetAggregateSnapshot(ctx, jobID)
	if err != nil {
		return nil, batch.AggregateSnapshot{}, err
	}
	return job, snapshot, nil
}

// transition advances the job state machine and audits the step. A conflict
// means another writer moved the job first, typically an external
// cancellation; it surfaces as ErrJobCancelled when the job is now FAILED.
func (o *Orchestrator) transition(
	ctx context.Context,
	jobID uuid.UUID,
	from, to batch.JobStatus,
	rec *Recorder,
) error {
	if err := o.registry.TransitionStatus(ctx, jobID, from, to); err != nil {
		if errors.Is(err, batch.ErrStatusConflict) {
			current, getErr := o.registry.GetJob(ctx, jobID)
			if getErr == nil && current.Status() == batch.JobStatusFailed {
				return fmt.Errorf("%w: %s", batch.ErrJobCancelled, current.FailReason())
			}
		}
		rec.RecordError(ctx, "orchestrator.transition", err)
		return fmt.Errorf("transition %s to %s: %w", from, to, err)
	}

	rec.Record(ctx, "STATE_TRANSITION", batch.AuditLevelInfo, "orchestrator.transition",
		fmt.Sprintf("job moved from %s to %s", from, to),
		map[string]any{"from": from.String(), "to": to.String()})
	return nil
}

// failJob forces the job to FAILED from wherever it currently is and
// propagates the original cause. Cancellation is not re-failed: the canceller
// already wrote the terminal state.
func (o *Orchestrator) failJob(
	ctx context.Context,
	jobID uuid.UUID,
	cause error,
	rec *Recorder,
	log *logger.Logger,
) error {
	rec.RecordError(ctx, "orchestrator.failJob", cause)

	if errors.Is(cause, batch.ErrJobCancelled) {
		log.Info(ctx, "job cancelled externally", "reason", cause.Error())
		return cause
	}

	// The fail write goes through a fresh context so a cancelled run can
	// still record its terminal state.
	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	job, err := o.registry.GetJob(failCtx, jobID)
	if err != nil {
		log.Error(failCtx, "failed to load job while failing it", "error", err)
		return cause
	}
	if job.Status().IsTerminal() {
		return cause
	}

	if err := o.registry.TransitionStatus(failCtx, jobID, job.Status(), batch.JobStatusFailed); err != nil {
		log.Error(failCtx, "failed to mark job failed", "error", err)
		return cause
	}
	o.metrics.IncJobsCompleted(failCtx, batch.JobStatusFailed.String())
	if err := o.registry.SetFailReason(failCtx, jobID, cause.Error()); err != nil {
		log.Warn(failCtx, "failed to record fail reason", "error", err)
	}

	snapshot, err := o.registry.GetAggregateSnapshot(failCtx, jobID)
	if err != nil {
		snapshot = batch.AggregateSnapshot{}
	}
	evt := batch.NewJobFinalizedEvent(jobID, batch.JobStatusFailed, snapshot)
	o.publish(failCtx, evt.EventType(), jobID, evt, log)

	log.Error(failCtx, "job failed", "reason", cause.Error())
	return cause
}

// publish sends a domain event keyed by job so per-job ordering is preserved
// on partitioned transports. Publish failures are logged, never fatal.
func (o *Orchestrator) publish(
	ctx context.Context,
	eventType events.EventType,
	jobID uuid.UUID,
	payload any,
	log *logger.Logger,
) {
	err := o.publisher.PublishDomainEvent(ctx, events.DomainEvent{
		Type:      eventType,
		Timestamp: time.Now(),
		Payload:   payload,
	}, events.WithKey(jobID.String()))
	if err != nil {
		log.Warn(ctx, "failed to publish domain event", "event_type", string(eventType), "error", err)
	}
}
