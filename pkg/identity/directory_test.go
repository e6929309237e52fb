package identity

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/slurmbridge/slurmbridge/pkg/store"
)

type fakeDirectory struct {
	lookups int
	answer  string
	err     error
}

func (d *fakeDirectory) Lookup(_ context.Context, _ string) (string, error) {
	d.lookups++
	if d.err != nil {
		return "", d.err
	}
	return d.answer, nil
}

func newTestIdentityCache(t *testing.T) *store.IdentityCache {
	t.Helper()
	db, err := store.Open(context.Background(), store.Config{
		Path: filepath.Join(t.TempDir(), "cache.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return store.NewIdentityCache(db)
}

func newTestMapper(t *testing.T, dir Directory, ttl time.Duration) (*CachedDirectoryMapper, *clock.Mock) {
	t.Helper()
	m, err := NewCachedDirectoryMapper(dir, newTestIdentityCache(t), ttl, zap.NewNop())
	require.NoError(t, err)
	mock := clock.NewMock()
	return m.WithClock(mock), mock
}

func TestFixedMapper(t *testing.T) {
	m, err := NewFixed("svc-hpc")
	require.NoError(t, err)

	got, err := m.Resolve(context.Background(), "anyone@example.org")
	require.NoError(t, err)
	assert.Equal(t, "svc-hpc", got)

	_, err = NewFixed("")
	assert.Error(t, err)
}

func TestCachedDirectoryMapper(t *testing.T) {
	ctx := context.Background()

	t.Run("miss fetches and caches", func(t *testing.T) {
		dir := &fakeDirectory{answer: "ada"}
		m, _ := newTestMapper(t, dir, time.Hour)

		got, err := m.Resolve(ctx, "ada@example.org")
		require.NoError(t, err)
		assert.Equal(t, "ada", got)
		assert.Equal(t, 1, dir.lookups)

		// Served from cache, no second lookup.
		got, err = m.Resolve(ctx, "ada@example.org")
		require.NoError(t, err)
		assert.Equal(t, "ada", got)
		assert.Equal(t, 1, dir.lookups)
	})

	t.Run("entry expires after ttl", func(t *testing.T) {
		dir := &fakeDirectory{answer: "ada"}
		m, mock := newTestMapper(t, dir, time.Hour)

		_, err := m.Resolve(ctx, "ada@example.org")
		require.NoError(t, err)
		assert.Equal(t, 1, dir.lookups)

		// Still inside the ttl.
		mock.Add(time.Hour)
		_, err = m.Resolve(ctx, "ada@example.org")
		require.NoError(t, err)
		assert.Equal(t, 1, dir.lookups)

		// One second past the ttl triggers a fresh lookup.
		mock.Add(time.Second)
		_, err = m.Resolve(ctx, "ada@example.org")
		require.NoError(t, err)
		assert.Equal(t, 2, dir.lookups)
	})

	t.Run("stale entry served when directory is down", func(t *testing.T) {
		dir := &fakeDirectory{answer: "ada"}
		m, mock := newTestMapper(t, dir, time.Hour)

		_, err := m.Resolve(ctx, "ada@example.org")
		require.NoError(t, err)

		mock.Add(2 * time.Hour)
		dir.err = fmt.Errorf("connection refused")

		got, err := m.Resolve(ctx, "ada@example.org")
		require.NoError(t, err)
		assert.Equal(t, "ada", got)
	})

	t.Run("directory down with no cache is unresolved", func(t *testing.T) {
		dir := &fakeDirectory{err: fmt.Errorf("connection refused")}
		m, _ := newTestMapper(t, dir, time.Hour)

		_, err := m.Resolve(ctx, "ada@example.org")
		assert.True(t, errors.Is(err, ErrUnresolved))
	})

	t.Run("definitive not-found ignores stale cache", func(t *testing.T) {
		dir := &fakeDirectory{answer: "ada"}
		m, mock := newTestMapper(t, dir, time.Hour)

		_, err := m.Resolve(ctx, "ada@example.org")
		require.NoError(t, err)

		mock.Add(2 * time.Hour)
		dir.err = ErrNotFound

		_, err = m.Resolve(ctx, "ada@example.org")
		assert.True(t, errors.Is(err, ErrUnresolved))
	})

	t.Run("empty identity is unresolved", func(t *testing.T) {
		dir := &fakeDirectory{answer: "ada"}
		m, _ := newTestMapper(t, dir, time.Hour)

		_, err := m.Resolve(ctx, "  ")
		assert.True(t, errors.Is(err, ErrUnresolved))
		assert.Equal(t, 0, dir.lookups)
	})
}
