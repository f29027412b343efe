// Package postgres provides the PostgreSQL-backed advisory lock manager.
// Acquisition is a single conditional write, so two concurrent acquirers can
// never both observe the lock as free.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/internal/domain/batch"
	"github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/internal/infra/storage"
)

// lockManager implements batch.LockManager on a job_locks table. Each grant
// carries a token so a stale holder cannot renew or release a lease that has
// since been taken over by another execution.
type lockManager struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

var _ batch.LockManager = (*lockManager)(nil)

// NewLockManager creates a new PostgreSQL-backed lock manager.
func NewLockManager(pool *pgxpool.Pool, tracer trace.Tracer) *lockManager {
	return &lockManager{db: pool, tracer: tracer}
}

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

// Acquire attempts the insert-if-absent-or-expired conditional write. The
// ON CONFLICT arm only fires when the existing lease has lapsed, so a live
// lease held by anyone (including a previous run of the same owner) denies
// the acquisition.
func (m *lockManager) Acquire(ctx context.Context, lockKey, owner string, leaseDuration time.Duration) (batch.Lease, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("lock_key", lockKey),
		attribute.String("owner", owner),
	)

	var lease batch.Lease
	err := storage.ExecuteAndTrace(ctx, m.tracer, "postgres.acquire_lock", dbAttrs, func(ctx context.Context) error {
		token := uuid.New()
		var expiresAt time.Time
		err := m.db.QueryRow(ctx, `
			INSERT INTO job_locks (lock_key, owner, token, expires_at)
			VALUES ($1, $2, $3, now() + $4::interval)
			ON CONFLICT (lock_key) DO UPDATE
			SET owner = EXCLUDED.owner, token = EXCLUDED.token, expires_at = EXCLUDED.expires_at
			WHERE job_locks.expires_at <= now()
			RETURNING expires_at`,
			lockKey, owner, token, leaseDuration,
		).Scan(&expiresAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return batch.ErrLockDenied
			}
			return fmt.Errorf("Acquire insert error: %w", err)
		}

		lease = batch.ReconstructLease(lockKey, owner, token, expiresAt)
		return nil
	})
	if err != nil {
		return batch.Lease{}, err
	}
	return lease, nil
}

// Renew extends the lease only while this grant still holds it unexpired.
func (m *lockManager) Renew(ctx context.Context, lease batch.Lease, leaseDuration time.Duration) (batch.Lease, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("lock_key", lease.LockKey()),
		attribute.String("owner", lease.Owner()),
	)

	var renewed batch.Lease
	err := storage.ExecuteAndTrace(ctx, m.tracer, "postgres.renew_lock", dbAttrs, func(ctx context.Context) error {
		var expiresAt time.Time
		err := m.db.QueryRow(ctx, `
			UPDATE job_locks SET expires_at = now() + $3::interval
			WHERE lock_key = $1 AND token = $2 AND expires_at > now()
			RETURNING expires_at`,
			lease.LockKey(), lease.Token(), leaseDuration,
		).Scan(&expiresAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return batch.ErrLeaseExpired
			}
			return fmt.Errorf("Renew update error: %w", err)
		}

		renewed = batch.ReconstructLease(lease.LockKey(), lease.Owner(), lease.Token(), expiresAt)
		return nil
	})
	if err != nil {
		return batch.Lease{}, err
	}
	return renewed, nil
}

// Release drops the lease if this grant still holds it. Missing rows are not
// an error: expiry already healed the lock.
func (m *lockManager) Release(ctx context.Context, lease batch.Lease) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("lock_key", lease.LockKey()),
		attribute.String("owner", lease.Owner()),
	)

	return storage.ExecuteAndTrace(ctx, m.tracer, "postgres.release_lock", dbAttrs, func(ctx context.Context) error {
		_, err := m.db.Exec(ctx,
			`DELETE FROM job_locks WHERE lock_key = $1 AND token = $2`,
			lease.LockKey(), lease.Token(),
		)
		if err != nil {
			return fmt.Errorf("Release delete error: %w", err)
		}
		return nil
	})
}
