package batch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLeaseExpiry(t *testing.T) {
	t.Parallel()

	now := time.Now()
	lease := NewLease("job-1", "exec-a", now.Add(30*time.Second))

	assert.False(t, lease.IsExpired(now))
	assert.False(t, lease.IsExpired(now.Add(29*time.Second)))
	assert.True(t, lease.IsExpired(now.Add(30*time.Second)), "lease expires exactly at expires_at")
	assert.True(t, lease.IsExpired(now.Add(time.Minute)))
}

func TestLeaseRenewed(t *testing.T) {
	t.Parallel()

	now := time.Now()
	lease := NewLease("job-1", "exec-a", now.Add(10*time.Second))
	renewed := lease.Renewed(now.Add(40 * time.Second))

	assert.Equal(t, lease.Token(), renewed.Token(), "renewal keeps the grant identity")
	assert.False(t, renewed.IsExpired(now.Add(30*time.Second)))
	assert.True(t, lease.IsExpired(now.Add(30*time.Second)), "original value is unchanged")
}

func TestTriggerJobIDDeterministic(t *testing.T) {
	t.Parallel()

	a := TriggerEvent{Bucket: "ingest", Key: "orders/2026-08-29.csv", Size: 1024}
	b := TriggerEvent{Bucket: "ingest", Key: "orders/2026-08-29.csv", Size: 2048}
	c := TriggerEvent{Bucket: "ingest", Key: "orders/2026-08-30.csv", Size: 1024}

	assert.Equal(t, a.JobID(), b.JobID(), "same object must derive the same job identity")
	assert.NotEqual(t, a.JobID(), c.JobID())
}
