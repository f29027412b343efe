// Package memory provides an in-memory implementation of the audit trail for
// testing and development environments.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/internal/domain/batch"
)

// AuditTrail provides an in-memory implementation of batch.AuditTrail.
// Records are only ever appended; nothing mutates or reorders an entry once
// written.
type AuditTrail struct {
	mu      sync.Mutex
	records map[uuid.UUID][]batch.AuditRecord
}

var _ batch.AuditTrail = (*AuditTrail)(nil)

// NewAuditTrail creates a new in-memory audit trail.
func NewAuditTrail() *AuditTrail {
	return &AuditTrail{records: make(map[uuid.UUID][]batch.AuditRecord)}
}

// Append writes one record to the execution's log.
func (a *AuditTrail) Append(ctx context.Context, record batch.AuditRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.records[record.ExecutionID()] = append(a.records[record.ExecutionID()], record)
	return nil
}

// Records returns the append-ordered log for an execution.
func (a *AuditTrail) Records(ctx context.Context, executionID uuid.UUID) ([]batch.AuditRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]batch.AuditRecord(nil), a.records[executionID]...), nil
}

// RecordsByCorrelation returns every record carrying the given correlation ID
// across all executions, ordered by execution and sequence.
func (a *AuditTrail) RecordsByCorrelation(ctx context.Context, correlationID string) ([]batch.AuditRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var out []batch.AuditRecord
	for _, records := range a.records {
		for _, rec := range records {
			if rec.CorrelationID() == correlationID {
				out = append(out, rec)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExecutionID() != out[j].ExecutionID() {
			return out[i].ExecutionID().String() < out[j].ExecutionID().String()
		}
		return out[i].Sequence() < out[j].Sequence()
	})
	return out, nil
}
