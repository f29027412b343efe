package batch

import (
	"time"

	"github.com/google/uuid"
)

// Lease is a time-bounded advisory lock over a lock key, preventing duplicate
// concurrent processing of the same job. At most one non-expired lease exists
// per key; acquisition is a single conditional write so concurrent acquirers
// never race through a read-then-write gap.
type Lease struct {
	lockKey   string
	owner     string
	token     uuid.UUID
	expiresAt time.Time
}

// NewLease creates a lease record for an acquisition attempt. The token
// uniquely identifies this grant so a stale holder cannot renew or release a
// lease that has since been taken over.
func NewLease(lockKey, owner string, expiresAt time.Time) Lease {
	return Lease{
		lockKey:   lockKey,
		owner:     owner,
		token:     uuid.New(),
		expiresAt: expiresAt,
	}
}

// ReconstructLease creates a Lease from persisted fields. This should only be
// used by lock stores when loading from storage.
func ReconstructLease(lockKey, owner string, token uuid.UUID, expiresAt time.Time) Lease {
	return Lease{
		lockKey:   lockKey,
		owner:     owner,
		token:     token,
		expiresAt: expiresAt,
	}
}

// LockKey returns the identity the lease guards, typically a job ID.
func (l Lease) LockKey() string { return l.lockKey }

// Owner identifies the execution holding the lease.
func (l Lease) Owner() string { return l.owner }

// Token returns the unique identifier of this particular grant.
func (l Lease) Token() uuid.UUID { return l.token }

// ExpiresAt returns when the lease lapses if not renewed.
func (l Lease) ExpiresAt() time.Time { return l.expiresAt }

// IsExpired reports whether the lease has lapsed at the given instant.
// Every reader checks expiry explicitly; no background sweeper is required
// for correctness.
func (l Lease) IsExpired(now time.Time) bool { return !now.Before(l.expiresAt) }

// Renewed returns a copy of the lease extended to the new expiry.
func (l Lease) Renewed(expiresAt time.Time) Lease {
	l.expiresAt = expiresAt
	return l
}
