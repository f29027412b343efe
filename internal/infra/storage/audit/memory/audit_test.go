package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/internal/domain/batch"
)

func TestAuditTrail_AppendPreservesOrder(t *testing.T) {
	t.Parallel()

	trail := NewAuditTrail()
	ctx := context.Background()
	executionID := uuid.New()

	for i := 0; i < 10; i++ {
		record := batch.NewAuditRecord(
			executionID, int64(i), "STATE_TRANSITION", batch.AuditLevelInfo,
			"orchestrator.Run", fmt.Sprintf("step %d", i), nil, "job-1",
		)
		require.NoError(t, trail.Append(ctx, record))
	}

	records, err := trail.Records(ctx, executionID)
	require.NoError(t, err)
	require.Len(t, records, 10)
	for i, rec := range records {
		assert.Equal(t, int64(i), rec.Sequence())
		assert.Equal(t, fmt.Sprintf("step %d", i), rec.Message())
	}
}

func TestAuditTrail_IsolatesExecutions(t *testing.T) {
	t.Parallel()

	trail := NewAuditTrail()
	ctx := context.Background()
	first, second := uuid.New(), uuid.New()

	require.NoError(t, trail.Append(ctx, batch.NewAuditRecord(
		first, 0, "JOB_START", batch.AuditLevelInfo, "orchestrator.Run", "started", nil, "job-1",
	)))
	require.NoError(t, trail.Append(ctx, batch.NewAuditRecord(
		second, 0, "JOB_START", batch.AuditLevelInfo, "orchestrator.Run", "started", nil, "job-2",
	)))

	records, err := trail.Records(ctx, first)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "job-1", records[0].CorrelationID())
}

func TestAuditTrail_ConcurrentAppends(t *testing.T) {
	t.Parallel()

	trail := NewAuditTrail()
	ctx := context.Background()
	executionID := uuid.New()

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(seq int64) {
			defer wg.Done()
			_ = trail.Append(ctx, batch.NewAuditRecord(
				executionID, seq, "CHUNK_DONE", batch.AuditLevelDebug,
				"aggregator.Fold", "chunk folded", nil, "job-1",
			))
		}(int64(i))
	}
	wg.Wait()

	records, err := trail.Records(ctx, executionID)
	require.NoError(t, err)
	assert.Len(t, records, writers)
}

func TestAuditTrail_EmptyExecution(t *testing.T) {
	t.Parallel()

	trail := NewAuditTrail()
	records, err := trail.Records(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Empty(t, records)
}
