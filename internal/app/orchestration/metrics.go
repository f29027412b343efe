package orchestration

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/internal/infra/eventbus/kafka"
)

// OrchestrationMetrics defines metrics operations needed by the orchestrator.
type OrchestrationMetrics interface {
	// EventBus metrics.
	kafka.EventBusMetrics

	// Job lifecycle metrics.
	IncJobsStarted(ctx context.Context)
	IncJobsCompleted(ctx context.Context, status string)
	ObserveJobDuration(ctx context.Context, duration time.Duration)

	// Lock metrics.
	IncLocksAcquired(ctx context.Context)
	IncLockContentions(ctx context.Context)

	// Chunk metrics.
	IncChunksDispatched(ctx context.Context)
	IncChunkFailures(ctx context.Context)
	IncChunkRetries(ctx context.Context)
	ObserveChunkProcessingTime(ctx context.Context, duration time.Duration)
	ObserveChunksPerJob(ctx context.Context, count int)
	ObserveRowErrorsPerChunk(ctx context.Context, count int)

	// TrackChunkProcessing wraps a chunk attempt with duration tracking.
	TrackChunkProcessing(ctx context.Context, f func() error) error
}

type orchestrationMetrics struct {
	// Broker metrics.
	messagesPublished metric.Int64Counter
	messagesConsumed  metric.Int64Counter
	publishErrors     metric.Int64Counter
	consumeErrors     metric.Int64Counter

	// Job metrics.
	jobsStarted   metric.Int64Counter
	jobsCompleted metric.Int64Counter
	jobDuration   metric.Float64Histogram

	// Lock metrics.
	locksAcquired   metric.Int64Counter
	lockContentions metric.Int64Counter

	// Chunk metrics.
	chunksDispatched    metric.Int64Counter
	chunkFailures       metric.Int64Counter
	chunkRetries        metric.Int64Counter
	chunkProcessingTime metric.Float64Histogram
	chunksPerJob        metric.Int64Histogram
	rowErrorsPerChunk   metric.Int64Histogram
	activeChunks        metric.Int64UpDownCounter
}

const namespace = "orchestrator"

// NewOrchestrationMetrics creates a new orchestration metrics instance.
func NewOrchestrationMetrics(mp metric.MeterProvider) (*orchestrationMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	c := new(orchestrationMetrics)
	var err error

	if c.messagesPublished, err = meter.Int64Counter(
		"messages_published_total",
		metric.WithDescription("Total number of messages published"),
	); err != nil {
		return nil, err
	}

	if c.messagesConsumed, err = meter.Int64Counter(
		"messages_consumed_total",
		metric.WithDescription("Total number of messages consumed"),
	); err != nil {
		return nil, err
	}

	if c.publishErrors, err = meter.Int64Counter(
		"publish_errors_total",
		metric.WithDescription("Total number of publish errors"),
	); err != nil {
		return nil, err
	}

	if c.consumeErrors, err = meter.Int64Counter(
		"consume_errors_total",
		metric.WithDescription("Total number of consume errors"),
	); err != nil {
		return nil, err
	}

	if c.jobsStarted, err = meter.Int64Counter(
		"jobs_started_total",
		metric.WithDescription("Total number of jobs started"),
	); err != nil {
		return nil, err
	}

	if c.jobsCompleted, err = meter.Int64Counter(
		"jobs_completed_total",
		metric.WithDescription("Total number of jobs that reached a terminal status"),
	); err != nil {
		return nil, err
	}

	if c.jobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Time taken to process a job end to end"),
	); err != nil {
		return nil, err
	}

	if c.locksAcquired, err = meter.Int64Counter(
		"locks_acquired_total",
		metric.WithDescription("Total number of job locks acquired"),
	); err != nil {
		return nil, err
	}

	if c.lockContentions, err = meter.Int64Counter(
		"lock_contentions_total",
		metric.WithDescription("Total number of lock acquisitions denied because another holder was active"),
	); err != nil {
		return nil, err
	}

	if c.chunksDispatched, err = meter.Int64Counter(
		"chunks_dispatched_total",
		metric.WithDescription("Total number of chunks dispatched to workers"),
	); err != nil {
		return nil, err
	}

	if c.chunkFailures, err = meter.Int64Counter(
		"chunk_failures_total",
		metric.WithDescription("Total number of chunks that exhausted retries"),
	); err != nil {
		return nil, err
	}

	if c.chunkRetries, err = meter.Int64Counter(
		"chunk_retries_total",
		metric.WithDescription("Total number of chunk processing retries"),
	); err != nil {
		return nil, err
	}

	if c.chunkProcessingTime, err = meter.Float64Histogram(
		"chunk_processing_duration_seconds",
		metric.WithDescription("Time taken to process each chunk"),
	); err != nil {
		return nil, err
	}

	if c.chunksPerJob, err = meter.Int64Histogram(
		"chunks_per_job",
		metric.WithDescription("Number of chunks a job was split into"),
	); err != nil {
		return nil, err
	}

	if c.rowErrorsPerChunk, err = meter.Int64Histogram(
		"row_errors_per_chunk",
		metric.WithDescription("Number of row-level errors recorded per chunk"),
	); err != nil {
		return nil, err
	}

	if c.activeChunks, err = meter.Int64UpDownCounter(
		"active_chunks",
		metric.WithDescription("Number of chunks currently being processed"),
	); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *orchestrationMetrics) IncMessagePublished(ctx context.Context, topic string) {
	c.messagesPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (c *orchestrationMetrics) IncMessageConsumed(ctx context.Context, topic string) {
	c.messagesConsumed.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (c *orchestrationMetrics) IncPublishError(ctx context.Context, topic string) {
	c.publishErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (c *orchestrationMetrics) IncConsumeError(ctx context.Context, topic string) {
	c.consumeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (c *orchestrationMetrics) IncJobsStarted(ctx context.Context) {
	c.jobsStarted.Add(ctx, 1)
}

func (c *orchestrationMetrics) IncJobsCompleted(ctx context.Context, status string) {
	c.jobsCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (c *orchestrationMetrics) ObserveJobDuration(ctx context.Context, duration time.Duration) {
	c.jobDuration.Record(ctx, duration.Seconds())
}

func (c *orchestrationMetrics) IncLocksAcquired(ctx context.Context) {
	c.locksAcquired.Add(ctx, 1)
}

func (c *orchestrationMetrics) IncLockContentions(ctx context.Context) {
	c.lockContentions.Add(ctx, 1)
}

func (c *orchestrationMetrics) IncChunksDispatched(ctx context.Context) {
	c.chunksDispatched.Add(ctx, 1)
}

func (c *orchestrationMetrics) IncChunkFailures(ctx context.Context) {
	c.chunkFailures.Add(ctx, 1)
}

func (c *orchestrationMetrics) IncChunkRetries(ctx context.Context) {
	c.chunkRetries.Add(ctx, 1)
}

func (c *orchestrationMetrics) ObserveChunkProcessingTime(ctx context.Context, duration time.Duration) {
	c.chunkProcessingTime.Record(ctx, duration.Seconds())
}

func (c *orchestrationMetrics) ObserveChunksPerJob(ctx context.Context, count int) {
	c.chunksPerJob.Record(ctx, int64(count))
}

func (c *orchestrationMetrics) ObserveRowErrorsPerChunk(ctx context.Context, count int) {
	c.rowErrorsPerChunk.Record(ctx, int64(count))
}

func (c *orchestrationMetrics) TrackChunkProcessing(ctx context.Context, f func() error) error {
	c.activeChunks.Add(ctx, 1)
	defer c.activeChunks.Add(ctx, -1)

	start := time.Now()
	err := f()
	c.chunkProcessingTime.Record(ctx, time.Since(start).Seconds())
	return err
}
