package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The driver self-registers under "sqlite" in its own init; registering
// it again here would panic every binary importing this package.
func TestDriverRegisteredExactlyOnce(t *testing.T) {
	count := 0
	for _, name := range sql.Drivers() {
		if name == driverName {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func openTestDB(t *testing.T) *SubmissionCache {
	t.Helper()
	db, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "cache.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSubmissionCache(db)
}

func TestOpenCreatesParentDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "cache.db")
	db, err := Open(context.Background(), Config{Path: path})
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	require.NoError(t, db.Ping())
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	assert.Error(t, err)
}

func TestSubmissionCache(t *testing.T) {
	ctx := context.Background()
	cache := openTestDB(t)

	fp, err := Fingerprint("job-1", "/work/job-1", []string{"--nodes=1"})
	require.NoError(t, err)

	t.Run("lookup before record is absent", func(t *testing.T) {
		_, ok, err := cache.Lookup(ctx, fp)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("record then lookup", func(t *testing.T) {
		require.NoError(t, cache.Record(ctx, SubmissionRecord{
			Fingerprint: fp,
			JobID:       "job-1",
			SlurmJobID:  42,
			SubmittedAt: time.Now().UTC(),
		}))

		id, ok, err := cache.Lookup(ctx, fp)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(42), id)
	})

	t.Run("recording the same fingerprint keeps the first entry", func(t *testing.T) {
		require.NoError(t, cache.Record(ctx, SubmissionRecord{
			Fingerprint: fp,
			JobID:       "job-1",
			SlurmJobID:  99,
			SubmittedAt: time.Now().UTC(),
		}))

		id, ok, err := cache.Lookup(ctx, fp)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(42), id)
	})

	t.Run("evict removes the entry", func(t *testing.T) {
		require.NoError(t, cache.Evict(ctx, fp))

		_, ok, err := cache.Lookup(ctx, fp)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestSubmissionCacheList(t *testing.T) {
	ctx := context.Background()
	cache := openTestDB(t)

	entries, err := cache.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	now := time.Now().UTC()
	for i, jobID := range []string{"job-a", "job-b"} {
		fp, err := Fingerprint(jobID, "/work", nil)
		require.NoError(t, err)
		require.NoError(t, cache.Record(ctx, SubmissionRecord{
			Fingerprint: fp,
			JobID:       jobID,
			SlurmJobID:  int64(100 + i),
			SubmittedAt: now.Add(time.Duration(i) * time.Minute),
		}))
	}

	entries, err = cache.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// Newest first.
	assert.Equal(t, "job-b", entries[0].JobID)
	assert.Equal(t, "job-a", entries[1].JobID)
}

func TestIdentityCache(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, Config{Path: filepath.Join(t.TempDir(), "cache.db")})
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	cache := NewIdentityCache(db)

	t.Run("get before put is absent", func(t *testing.T) {
		_, ok, err := cache.Get(ctx, "ada@example.org")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	fetched := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	t.Run("put then get round-trips", func(t *testing.T) {
		require.NoError(t, cache.Put(ctx, IdentityEntry{
			Identity:  "ada@example.org",
			Username:  "ada",
			FetchedAt: fetched,
		}))

		entry, ok, err := cache.Get(ctx, "ada@example.org")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "ada", entry.Username)
		assert.True(t, entry.FetchedAt.Equal(fetched))
	})

	t.Run("put refreshes an existing entry", func(t *testing.T) {
		require.NoError(t, cache.Put(ctx, IdentityEntry{
			Identity:  "ada@example.org",
			Username:  "ada2",
			FetchedAt: fetched.Add(time.Hour),
		}))

		entry, ok, err := cache.Get(ctx, "ada@example.org")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "ada2", entry.Username)
	})

	t.Run("prune removes entries before cutoff", func(t *testing.T) {
		require.NoError(t, cache.Put(ctx, IdentityEntry{
			Identity:  "old@example.org",
			Username:  "old",
			FetchedAt: fetched.Add(-48 * time.Hour),
		}))

		pruned, err := cache.PruneExpired(ctx, fetched)
		require.NoError(t, err)
		assert.Equal(t, int64(1), pruned)

		_, ok, err := cache.Get(ctx, "old@example.org")
		require.NoError(t, err)
		assert.False(t, ok)

		_, ok, err = cache.Get(ctx, "ada@example.org")
		require.NoError(t, err)
		assert.True(t, ok)
	})
}
