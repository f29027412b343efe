// Package memory provides an in-memory implementation of the advisory lock
// manager for testing and development environments.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/internal/domain/batch"
)

// LockManager provides an in-memory implementation of batch.LockManager.
// The mutex stands in for the durable store's conditional write: the check of
// the existing record and the insert of the new lease happen atomically, so
// concurrent acquirers cannot both succeed.
type LockManager struct {
	mu     sync.Mutex
	leases map[string]batch.Lease
	now    func() time.Time
}

var _ batch.LockManager = (*LockManager)(nil)

// NewLockManager creates a new in-memory lock manager.
func NewLockManager() *LockManager {
	return &LockManager{leases: make(map[string]batch.Lease), now: time.Now}
}

// NewLockManagerWithClock creates a lock manager with an injected clock for
// expiry tests.
func NewLockManagerWithClock(now func() time.Time) *LockManager {
	return &LockManager{leases: make(map[string]batch.Lease), now: now}
}

// Acquire takes the lock if no record exists for the key or the existing
// lease has lapsed.
func (m *LockManager) Acquire(ctx context.Context, lockKey, owner string, leaseDuration time.Duration) (batch.Lease, error) {
	if err := ctx.Err(); err != nil {
		return batch.Lease{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if existing, held := m.leases[lockKey]; held && !existing.IsExpired(now) {
		return batch.Lease{}, batch.ErrLockDenied
	}

	lease := batch.NewLease(lockKey, owner, now.Add(leaseDuration))
	m.leases[lockKey] = lease
	return lease, nil
}

// Renew extends a held lease; a lapsed or superseded lease cannot be renewed.
func (m *LockManager) Renew(ctx context.Context, lease batch.Lease, leaseDuration time.Duration) (batch.Lease, error) {
	if err := ctx.Err(); err != nil {
		return batch.Lease{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	current, held := m.leases[lease.LockKey()]
	if !held || current.Token() != lease.Token() || current.IsExpired(now) {
		return batch.Lease{}, batch.ErrLeaseExpired
	}

	renewed := current.Renewed(now.Add(leaseDuration))
	m.leases[lease.LockKey()] = renewed
	return renewed, nil
}

// Release drops the lease if this grant still holds it. Releasing a lease
// that was already taken over is a no-op; expiry has healed it.
func (m *LockManager) Release(ctx context.Context, lease batch.Lease) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, held := m.leases[lease.LockKey()]
	if held && current.Token() == lease.Token() {
		delete(m.leases, lease.LockKey())
	}
	return nil
}
