package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/slurmbridge/slurmbridge/pkg/model"
	"github.com/slurmbridge/slurmbridge/pkg/store"
)

func recordEntry(t *testing.T, cache *store.SubmissionCache, jobID string, age time.Duration) {
	t.Helper()
	fp, err := store.Fingerprint(jobID, "/work/"+jobID, nil)
	require.NoError(t, err)
	err = cache.Record(context.Background(), store.SubmissionRecord{
		Fingerprint: fp,
		JobID:       jobID,
		SlurmJobID:  1,
		SubmittedAt: time.Now().UTC().Add(-age),
	})
	require.NoError(t, err)
}

func TestCollectorEvictsTerminalEntries(t *testing.T) {
	cache, identities := newTestStore(t)

	// job-live is still active on the portal, job-done is not.
	recordEntry(t, cache, "job-live", 2*time.Hour)
	recordEntry(t, cache, "job-done", 2*time.Hour)

	p := newFakePortal()
	p.active = []model.JobRecord{activeRecord("job-live", 7, "RUNNING")}

	c := NewCollector(p, cache, identities, GCConfig{MinAge: time.Hour}, zap.NewNop())

	summary, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), summary.LedgerScanned)
	assert.Equal(t, int64(1), summary.LedgerEvicted)

	entries, err := cache.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "job-live", entries[0].JobID)
}

func TestCollectorHonorsMinAge(t *testing.T) {
	cache, identities := newTestStore(t)

	// Unlisted, but too young to evict: an in-flight submission may not
	// have reached the portal yet.
	recordEntry(t, cache, "job-fresh", 5*time.Minute)

	c := NewCollector(newFakePortal(), cache, identities, GCConfig{MinAge: time.Hour}, zap.NewNop())

	summary, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), summary.LedgerEvicted)

	entries, err := cache.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCollectorKeepsPendingEntries(t *testing.T) {
	cache, identities := newTestStore(t)
	recordEntry(t, cache, "job-pending", 2*time.Hour)

	p := newFakePortal()
	p.pending = []model.JobRecord{pendingRecord("job-pending", "/work/job-pending")}

	c := NewCollector(p, cache, identities, GCConfig{MinAge: time.Hour}, zap.NewNop())

	summary, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), summary.LedgerEvicted)
}

func TestCollectorPrunesExpiredIdentities(t *testing.T) {
	cache, identities := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, identities.Put(ctx, store.IdentityEntry{
		Identity: "stale@example.org", Username: "stale",
		FetchedAt: time.Now().UTC().Add(-48 * time.Hour),
	}))
	require.NoError(t, identities.Put(ctx, store.IdentityEntry{
		Identity: "fresh@example.org", Username: "fresh",
		FetchedAt: time.Now().UTC(),
	}))

	c := NewCollector(newFakePortal(), cache, identities,
		GCConfig{MinAge: time.Hour, IdentityTTL: 24 * time.Hour}, zap.NewNop())

	summary, err := c.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.IdentitiesPruned)

	_, ok, err := identities.Get(ctx, "fresh@example.org")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCollectorPortalDownAborts(t *testing.T) {
	cache, identities := newTestStore(t)
	recordEntry(t, cache, "job-1", 2*time.Hour)

	p := newFakePortal()
	p.failLists = true

	c := NewCollector(p, cache, identities, GCConfig{MinAge: time.Hour}, zap.NewNop())

	_, err := c.Run(context.Background())
	assert.Error(t, err)

	// Nothing evicted when liveness is unknown.
	entries, lerr := cache.List(context.Background())
	require.NoError(t, lerr)
	assert.Len(t, entries, 1)
}
