// Package postgres provides the PostgreSQL-backed audit trail. Records are
// append-only; the (execution_id, sequence) primary key preserves the total
// order assigned by the recorder.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/internal/domain/batch"
	"github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/internal/infra/storage"
)

// auditTrail implements batch.AuditTrail using PostgreSQL as the backing store.
type auditTrail struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

var _ batch.AuditTrail = (*auditTrail)(nil)

// NewAuditTrail creates a new PostgreSQL-backed audit trail.
func NewAuditTrail(pool *pgxpool.Pool, tracer trace.Tracer) *auditTrail {
	return &auditTrail{db: pool, tracer: tracer}
}

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

// Append writes one record to the execution's log.
func (a *auditTrail) Append(ctx context.Context, record batch.AuditRecord) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("execution_id", record.ExecutionID().String()),
		attribute.Int64("sequence", record.Sequence()),
		attribute.String("event_type", record.EventType()),
	)

	return storage.ExecuteAndTrace(ctx, a.tracer, "postgres.append_audit_record", dbAttrs, func(ctx context.Context) error {
		metadata, err := json.Marshal(record.Metadata())
		if err != nil {
			return fmt.Errorf("marshal audit metadata: %w", err)
		}

		_, err = a.db.Exec(ctx, `
			INSERT INTO audit_records
				(execution_id, sequence, event_type, log_level, function_name, message, metadata, correlation_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			record.ExecutionID(), record.Sequence(), record.EventType(),
			record.Level().String(), record.FunctionName(), record.Message(),
			metadata, record.CorrelationID(), record.Timestamp(),
		)
		if err != nil {
			return fmt.Errorf("Append insert error: %w", err)
		}
		return nil
	})
}

// Records returns the append-ordered log for an execution.
func (a *auditTrail) Records(ctx context.Context, executionID uuid.UUID) ([]batch.AuditRecord, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("execution_id", executionID.String()))

	var records []batch.AuditRecord
	err := storage.ExecuteAndTrace(ctx, a.tracer, "postgres.list_audit_records", dbAttrs, func(ctx context.Context) error {
		rows, err := a.db.Query(ctx, `
			SELECT sequence, event_type, log_level, function_name, message, metadata, correlation_id, created_at
			FROM audit_records WHERE execution_id = $1 ORDER BY sequence`,
			executionID,
		)
		if err != nil {
			return fmt.Errorf("Records query error: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				sequence      int64
				eventType     string
				level         string
				functionName  string
				message       string
				metadataRaw   []byte
				correlationID string
				createdAt     time.Time
			)
			if err := rows.Scan(&sequence, &eventType, &level, &functionName, &message, &metadataRaw, &correlationID, &createdAt); err != nil {
				return fmt.Errorf("Records scan error: %w", err)
			}

			var metadata map[string]any
			if len(metadataRaw) > 0 {
				if err := json.Unmarshal(metadataRaw, &metadata); err != nil {
					return fmt.Errorf("unmarshal audit metadata: %w", err)
				}
			}

			records = append(records, batch.ReconstructAuditRecord(
				executionID, sequence, eventType, batch.ParseAuditLevel(level),
				functionName, message, metadata, correlationID, createdAt,
			))
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}
