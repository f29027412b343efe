package orchestration

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/internal/domain/batch"
	"github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/internal/domain/events"
	auditmem "github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/internal/infra/storage/audit/memory"
	batchmem "github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/internal/infra/storage/batch/memory"
	locksmem "github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/internal/infra/storage/locks/memory"
	"github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/internal/infra/storage"
	"github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/pkg/common/logger"
)

type capturingPublisher struct {
	mu     sync.Mutex
	events []events.DomainEvent
}

func (p *capturingPublisher) PublishDomainEvent(ctx context.Context, event events.DomainEvent, opts ...events.PublishOption) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *capturingPublisher) byType(t events.EventType) []events.DomainEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.DomainEvent
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fakeObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string][]byte)}
}

func (s *fakeObjectStore) put(bucket, key string, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[bucket+"/"+key] = body
}

func (s *fakeObjectStore) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.objects[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("%w: object %s/%s not found", batch.ErrMalformedInput, bucket, key)
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

func (s *fakeObjectStore) PutObject(ctx context.Context, bucket, key string, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.put(bucket, key, data)
	return nil
}

func (s *fakeObjectStore) HeadObject(ctx context.Context, bucket, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.objects[bucket+"/"+key]
	if !ok {
		return 0, fmt.Errorf("%w: object %s/%s not found", batch.ErrMalformedInput, bucket, key)
	}
	return int64(len(body)), nil
}

type fixedCounter struct{ rows int64 }

func (c fixedCounter) CountRows(ctx context.Context, input batch.InputDescriptor) (int64, error) {
	return c.rows, nil
}

type funcWorker func(ctx context.Context, input batch.InputDescriptor, chunk batch.ChunkManifestEntry) (batch.ChunkOutcome, error)

func (f funcWorker) ProcessChunk(ctx context.Context, input batch.InputDescriptor, chunk batch.ChunkManifestEntry) (batch.ChunkOutcome, error) {
	return f(ctx, input, chunk)
}

// allSuccessWorker reports every row in the chunk as successful.
func allSuccessWorker() funcWorker {
	return func(ctx context.Context, input batch.InputDescriptor, chunk batch.ChunkManifestEntry) (batch.ChunkOutcome, error) {
		n := chunk.ItemRange().Count()
		return batch.NewChunkOutcome(chunk.JobID(), chunk.ChunkIndex(), n, n, 0, nil), nil
	}
}

// noopMetrics satisfies OrchestrationMetrics without recording anything.
type noopMetrics struct{}

func (noopMetrics) IncMessagePublished(context.Context, string)              {}
func (noopMetrics) IncMessageConsumed(context.Context, string)               {}
func (noopMetrics) IncPublishError(context.Context, string)                  {}
func (noopMetrics) IncConsumeError(context.Context, string)                  {}
func (noopMetrics) IncJobsStarted(context.Context)                           {}
func (noopMetrics) IncJobsCompleted(context.Context, string)                 {}
func (noopMetrics) ObserveJobDuration(context.Context, time.Duration)        {}
func (noopMetrics) IncLocksAcquired(context.Context)                         {}
func (noopMetrics) IncLockContentions(context.Context)                       {}
func (noopMetrics) IncChunksDispatched(context.Context)                      {}
func (noopMetrics) IncChunkFailures(context.Context)                         {}
func (noopMetrics) IncChunkRetries(context.Context)                          {}
func (noopMetrics) ObserveChunkProcessingTime(context.Context, time.Duration) {}
func (noopMetrics) ObserveChunksPerJob(context.Context, int)                 {}
func (noopMetrics) ObserveRowErrorsPerChunk(context.Context, int)            {}
func (noopMetrics) TrackChunkProcessing(ctx context.Context, f func() error) error {
	return f()
}

type testHarness struct {
	orchestrator *Orchestrator
	registry     *batchmem.JobRegistry
	locks        *locksmem.LockManager
	trail        *auditmem.AuditTrail
	publisher    *capturingPublisher
	store        *fakeObjectStore
}

func newTestHarness(t *testing.T, rows int64, worker batch.ChunkWorker) *testHarness {
	t.Helper()

	registry := batchmem.NewJobRegistry()
	locks := locksmem.NewLockManager()
	trail := auditmem.NewAuditTrail()
	publisher := &capturingPublisher{}
	store := newFakeObjectStore()
	log := logger.New(io.Discard, logger.LevelDebug, "test", nil)

	cfg := Config{
		MaxChunkSize:        100,
		MaxConcurrentChunks: 4,
		ChunkTimeout:        5 * time.Second,
		LeaseDuration:       time.Minute,
		JobTTL:              24 * time.Hour,
		Retry:               RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond},
	}

	orch := NewOrchestrator(
		cfg, registry, locks, trail, publisher, store,
		fixedCounter{rows: rows}, worker, log, noopMetrics{}, storage.NoOpTracer(),
	)

	return &testHarness{
		orchestrator: orch,
		registry:     registry,
		locks:        locks,
		trail:        trail,
		publisher:    publisher,
		store:        store,
	}
}

func testTrigger() batch.TriggerEvent {
	return batch.TriggerEvent{
		Bucket:      "uploads",
		Key:         "input.csv",
		Size:        1024,
		EventTime:   time.Now(),
		EventSource: "object-store",
	}
}

func TestOrchestrator_RunCompletesCleanFile(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, 250, allSuccessWorker())
	trigger := testTrigger()
	h.store.put(trigger.Bucket, trigger.Key, []byte("id,name\n1,a\n"))

	require.NoError(t, h.orchestrator.Run(context.Background(), trigger))

	job, snapshot, err := h.orchestrator.Status(context.Background(), trigger.JobID())
	require.NoError(t, err)
	assert.Equal(t, batch.JobStatusCompleted, job.Status())
	assert.Equal(t, 3, job.TotalChunks())
	assert.Equal(t, int64(250), snapshot.TotalProcessed())
	assert.Equal(t, int64(250), snapshot.TotalSuccess())
	assert.Zero(t, snapshot.TotalError())
	assert.Contains(t, snapshot.OutputLocation(), trigger.JobID().String())

	assert.Len(t, h.publisher.byType(batch.EventTypeJobScheduled), 1)
	assert.Len(t, h.publisher.byType(batch.EventTypeChunkManifestCreated), 1)
	assert.Len(t, h.publisher.byType(batch.EventTypeChunkCompleted), 3)
	assert.Len(t, h.publisher.byType(batch.EventTypeJobFinalized), 1)
}

func TestOrchestrator_RunDerivesPartialStatus(t *testing.T) {
	t.Parallel()

	// The second chunk reports row failures, so the job is a partial success.
	worker := funcWorker(func(ctx context.Context, input batch.InputDescriptor, chunk batch.ChunkManifestEntry) (batch.ChunkOutcome, error) {
		n := chunk.ItemRange().Count()
		if chunk.ChunkIndex() == 1 {
			return batch.NewChunkOutcome(chunk.JobID(), chunk.ChunkIndex(), n, n-3, 3,
				[]batch.RowError{{Row: chunk.ItemRange().Start(), Code: "VALIDATION", Message: "bad row"}}), nil
		}
		return batch.NewChunkOutcome(chunk.JobID(), chunk.ChunkIndex(), n, n, 0, nil), nil
	})

	h := newTestHarness(t, 250, worker)
	trigger := testTrigger()
	h.store.put(trigger.Bucket, trigger.Key, []byte("id,name\n1,a\n"))

	require.NoError(t, h.orchestrator.Run(context.Background(), trigger))

	job, snapshot, err := h.orchestrator.Status(context.Background(), trigger.JobID())
	require.NoError(t, err)
	assert.Equal(t, batch.JobStatusPartial, job.Status())
	assert.Equal(t, int64(3), snapshot.TotalError())
	assert.Equal(t, int64(247), snapshot.TotalSuccess())
}

func TestOrchestrator_RunFailsWhenEveryChunkFails(t *testing.T) {
	t.Parallel()

	worker := funcWorker(func(ctx context.Context, input batch.InputDescriptor, chunk batch.ChunkManifestEntry) (batch.ChunkOutcome, error) {
		return batch.ChunkOutcome{}, fmt.Errorf("%w: header mismatch", batch.ErrMalformedInput)
	})

	h := newTestHarness(t, 150, worker)
	trigger := testTrigger()
	h.store.put(trigger.Bucket, trigger.Key, []byte("garbage"))

	require.NoError(t, h.orchestrator.Run(context.Background(), trigger))

	job, snapshot, err := h.orchestrator.Status(context.Background(), trigger.JobID())
	require.NoError(t, err)
	assert.Equal(t, batch.JobStatusFailed, job.Status())
	assert.Equal(t, "no rows processed successfully", job.FailReason())
	assert.Zero(t, snapshot.TotalSuccess())
	assert.Equal(t, int64(150), snapshot.TotalError())
	assert.Len(t, h.publisher.byType(batch.EventTypeChunkFailed), 2)
}

func TestOrchestrator_RunHeaderOnlyFileCompletes(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, 0, allSuccessWorker())
	trigger := testTrigger()
	h.store.put(trigger.Bucket, trigger.Key, []byte("id,name\n"))

	require.NoError(t, h.orchestrator.Run(context.Background(), trigger))

	job, snapshot, err := h.orchestrator.Status(context.Background(), trigger.JobID())
	require.NoError(t, err)
	assert.Equal(t, batch.JobStatusCompleted, job.Status())
	assert.Zero(t, job.TotalChunks())
	assert.Zero(t, snapshot.TotalProcessed())
}

func TestOrchestrator_RunMissingObjectFailsJob(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, 100, allSuccessWorker())
	trigger := testTrigger()
	// Nothing stored for the trigger key.

	err := h.orchestrator.Run(context.Background(), trigger)
	require.Error(t, err)
	assert.ErrorIs(t, err, batch.ErrMalformedInput)

	job, _, statusErr := h.orchestrator.Status(context.Background(), trigger.JobID())
	require.NoError(t, statusErr)
	assert.Equal(t, batch.JobStatusFailed, job.Status())
	assert.NotEmpty(t, job.FailReason())
}

func TestOrchestrator_RetriesTransientWorkerFailures(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	attempts := make(map[int]int)

	worker := funcWorker(func(ctx context.Context, input batch.InputDescriptor, chunk batch.ChunkManifestEntry) (batch.ChunkOutcome, error) {
		mu.Lock()
		attempts[chunk.ChunkIndex()]++
		n := attempts[chunk.ChunkIndex()]
		mu.Unlock()
		if n == 1 {
			return batch.ChunkOutcome{}, batch.NewTransientError("THROTTLED", errors.New("throttled"))
		}
		rows := chunk.ItemRange().Count()
		return batch.NewChunkOutcome(chunk.JobID(), chunk.ChunkIndex(), rows, rows, 0, nil), nil
	})

	h := newTestHarness(t, 100, worker)
	trigger := testTrigger()
	h.store.put(trigger.Bucket, trigger.Key, []byte("id,name\n1,a\n"))

	require.NoError(t, h.orchestrator.Run(context.Background(), trigger))

	job, snapshot, err := h.orchestrator.Status(context.Background(), trigger.JobID())
	require.NoError(t, err)
	assert.Equal(t, batch.JobStatusCompleted, job.Status())
	assert.Equal(t, int64(100), snapshot.TotalSuccess())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, attempts[0], "first attempt fails, second succeeds")
}

func TestOrchestrator_ConcurrentTriggersProcessOnce(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	processed := 0

	worker := funcWorker(func(ctx context.Context, input batch.InputDescriptor, chunk batch.ChunkManifestEntry) (batch.ChunkOutcome, error) {
		mu.Lock()
		processed++
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		n := chunk.ItemRange().Count()
		return batch.NewChunkOutcome(chunk.JobID(), chunk.ChunkIndex(), n, n, 0, nil), nil
	})

	h := newTestHarness(t, 100, worker)
	trigger := testTrigger()
	h.store.put(trigger.Bucket, trigger.Key, []byte("id,name\n1,a\n"))

	const triggers = 4
	errs := make(chan error, triggers)
	var wg sync.WaitGroup
	for i := 0; i < triggers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.orchestrator.Run(context.Background(), trigger)
		}()
	}
	wg.Wait()
	close(errs)

	var denied, succeeded int
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, batch.ErrLockDenied):
			denied++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.GreaterOrEqual(t, succeeded, 1)
	assert.Equal(t, triggers, succeeded+denied)

	mu.Lock()
	assert.Equal(t, 1, processed, "only the winning execution may process the chunk")
	mu.Unlock()

	job, _, err := h.orchestrator.Status(context.Background(), trigger.JobID())
	require.NoError(t, err)
	assert.Equal(t, batch.JobStatusCompleted, job.Status())
}

func TestOrchestrator_DuplicateTriggerAfterCompletionIsNoOp(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	processed := 0
	worker := funcWorker(func(ctx context.Context, input batch.InputDescriptor, chunk batch.ChunkManifestEntry) (batch.ChunkOutcome, error) {
		mu.Lock()
		processed++
		mu.Unlock()
		n := chunk.ItemRange().Count()
		return batch.NewChunkOutcome(chunk.JobID(), chunk.ChunkIndex(), n, n, 0, nil), nil
	})

	h := newTestHarness(t, 50, worker)
	trigger := testTrigger()
	h.store.put(trigger.Bucket, trigger.Key, []byte("id,name\n1,a\n"))

	require.NoError(t, h.orchestrator.Run(context.Background(), trigger))
	require.NoError(t, h.orchestrator.Run(context.Background(), trigger))

	mu.Lock()
	assert.Equal(t, 1, processed, "re-delivered trigger must not reprocess a finished job")
	mu.Unlock()
}

func TestOrchestrator_CancelNonTerminalJob(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, 100, allSuccessWorker())
	jobID := uuid.New()
	job := batch.NewJob(jobID, "input.csv", time.Now().Add(time.Hour))
	require.NoError(t, h.registry.CreateJob(context.Background(), job))

	require.NoError(t, h.orchestrator.Cancel(context.Background(), jobID, "cancelled by operator"))

	cancelled, err := h.registry.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, batch.JobStatusFailed, cancelled.Status())
	assert.Equal(t, "cancelled by operator", cancelled.FailReason())
	assert.Len(t, h.publisher.byType(batch.EventTypeJobCancelled), 1)

	// The forced transition is audited like any in-run transition.
	records, err := h.trail.RecordsByCorrelation(context.Background(), jobID.String())
	require.NoError(t, err)
	require.NotEmpty(t, records)
	assert.Equal(t, "JOB_CANCELLED", records[len(records)-1].EventType())
}

func TestOrchestrator_CancelDuringRunStopsDispatch(t *testing.T) {
	t.Parallel()

	trigger := testTrigger()
	var h *testHarness

	var mu sync.Mutex
	processed := 0
	cancelled := make(chan struct{})

	worker := funcWorker(func(ctx context.Context, input batch.InputDescriptor, chunk batch.ChunkManifestEntry) (batch.ChunkOutcome, error) {
		mu.Lock()
		processed++
		first := processed == 1
		mu.Unlock()
		if first {
			assert.NoError(t, h.orchestrator.Cancel(ctx, trigger.JobID(), "cancelled by operator"))
			close(cancelled)
		}
		// In-flight chunks drain only once the cancellation is durable, so
		// every later chunk observes the terminal status.
		<-cancelled
		n := chunk.ItemRange().Count()
		return batch.NewChunkOutcome(chunk.JobID(), chunk.ChunkIndex(), n, n, 0, nil), nil
	})

	h = newTestHarness(t, 1000, worker)
	h.store.put(trigger.Bucket, trigger.Key, []byte("id,name\n1,a\n"))

	err := h.orchestrator.Run(context.Background(), trigger)
	require.Error(t, err)
	assert.ErrorIs(t, err, batch.ErrJobCancelled)

	job, _, statusErr := h.orchestrator.Status(context.Background(), trigger.JobID())
	require.NoError(t, statusErr)
	assert.Equal(t, batch.JobStatusFailed, job.Status())
	assert.Equal(t, "cancelled by operator", job.FailReason())

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, processed, 4, "cancellation must stop new chunk dispatches, not just the status transition")
}

func TestOrchestrator_RetriggerResumesStaleJob(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, 250, allSuccessWorker())
	trigger := testTrigger()
	h.store.put(trigger.Bucket, trigger.Key, []byte("id,name\n1,a\n"))

	// A previous execution died mid-chunking and its lease has lapsed.
	ctx := context.Background()
	jobID := trigger.JobID()
	stale := batch.NewJob(jobID, trigger.Key, time.Now().Add(time.Hour))
	require.NoError(t, h.registry.CreateJob(ctx, stale))
	require.NoError(t, h.registry.TransitionStatus(ctx, jobID, batch.JobStatusPending, batch.JobStatusLocked))
	require.NoError(t, h.registry.TransitionStatus(ctx, jobID, batch.JobStatusLocked, batch.JobStatusChunking))

	require.NoError(t, h.orchestrator.Run(ctx, trigger))

	job, snapshot, err := h.orchestrator.Status(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, batch.JobStatusCompleted, job.Status())
	assert.Equal(t, int64(250), snapshot.TotalProcessed())
	assert.Equal(t, int64(250), snapshot.TotalSuccess())

	records, err := h.trail.RecordsByCorrelation(ctx, jobID.String())
	require.NoError(t, err)
	resumed := false
	for _, rec := range records {
		if rec.EventType() == "STALE_JOB_RESUMED" {
			resumed = true
		}
	}
	assert.True(t, resumed, "the takeover must leave an audit record")
}

func TestOrchestrator_RetriggerResumesDispatchWithoutDoubleCounting(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	processed := 0
	worker := funcWorker(func(ctx context.Context, input batch.InputDescriptor, chunk batch.ChunkManifestEntry) (batch.ChunkOutcome, error) {
		mu.Lock()
		processed++
		mu.Unlock()
		n := chunk.ItemRange().Count()
		return batch.NewChunkOutcome(chunk.JobID(), chunk.ChunkIndex(), n, n, 0, nil), nil
	})

	h := newTestHarness(t, 250, worker)
	trigger := testTrigger()
	h.store.put(trigger.Bucket, trigger.Key, []byte("id,name\n1,a\n"))

	// A previous execution stored the manifest, recorded one outcome, and died.
	ctx := context.Background()
	jobID := trigger.JobID()
	stale := batch.NewJob(jobID, trigger.Key, time.Now().Add(time.Hour))
	require.NoError(t, h.registry.CreateJob(ctx, stale))
	require.NoError(t, h.registry.TransitionStatus(ctx, jobID, batch.JobStatusPending, batch.JobStatusLocked))
	require.NoError(t, h.registry.TransitionStatus(ctx, jobID, batch.JobStatusLocked, batch.JobStatusChunking))
	manifest := SplitRows(jobID, 250, 100, batch.ProcessingModeSingle)
	require.NoError(t, h.registry.SetChunkManifest(ctx, jobID, manifest))
	inserted, err := h.registry.RecordChunkOutcome(ctx, batch.NewChunkOutcome(jobID, 0, 100, 100, 0, nil))
	require.NoError(t, err)
	require.True(t, inserted)

	require.NoError(t, h.orchestrator.Run(ctx, trigger))

	job, snapshot, err := h.orchestrator.Status(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, batch.JobStatusCompleted, job.Status())
	assert.Equal(t, 3, processed, "the stored manifest is re-dispatched in full")
	assert.Equal(t, 3, snapshot.ChunksSeen())
	assert.Equal(t, int64(250), snapshot.TotalProcessed(), "re-delivered outcomes must not double-count")
	assert.Equal(t, int64(250), snapshot.TotalSuccess())
}

func TestOrchestrator_CancelTerminalJobIsNoOp(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, 50, allSuccessWorker())
	trigger := testTrigger()
	h.store.put(trigger.Bucket, trigger.Key, []byte("id,name\n1,a\n"))
	require.NoError(t, h.orchestrator.Run(context.Background(), trigger))

	require.NoError(t, h.orchestrator.Cancel(context.Background(), trigger.JobID(), "too late"))

	job, _, err := h.orchestrator.Status(context.Background(), trigger.JobID())
	require.NoError(t, err)
	assert.Equal(t, batch.JobStatusCompleted, job.Status())
	assert.Empty(t, h.publisher.byType(batch.EventTypeJobCancelled))
}

func TestOrchestrator_AuditTrailCoversLifecycle(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, 50, allSuccessWorker())
	trigger := testTrigger()
	h.store.put(trigger.Bucket, trigger.Key, []byte("id,name\n1,a\n"))

	require.NoError(t, h.orchestrator.Run(context.Background(), trigger))

	finalized := h.publisher.byType(batch.EventTypeJobFinalized)
	require.Len(t, finalized, 1)
	payload, ok := finalized[0].Payload.(batch.JobFinalizedEvent)
	require.True(t, ok)
	assert.Equal(t, trigger.JobID(), payload.JobID)

	records, err := h.trail.RecordsByCorrelation(context.Background(), trigger.JobID().String())
	require.NoError(t, err)
	require.NotEmpty(t, records)
	assert.Equal(t, "JOB_TRIGGERED", records[0].EventType())
	assert.Equal(t, "JOB_FINALIZED", records[len(records)-1].EventType())
	for i, rec := range records {
		assert.Equal(t, int64(i), rec.Sequence())
	}
}
