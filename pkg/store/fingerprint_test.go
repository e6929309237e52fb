package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprint(t *testing.T) {
	t.Run("is stable", func(t *testing.T) {
		a, err := Fingerprint("job-1", "/work", []string{"--nodes=1", "--time=10"})
		require.NoError(t, err)
		b, err := Fingerprint("job-1", "/work", []string{"--nodes=1", "--time=10"})
		require.NoError(t, err)
		assert.Equal(t, a, b)
		assert.Len(t, a, 64)
	})

	t.Run("argument order is significant", func(t *testing.T) {
		a, err := Fingerprint("job-1", "/work", []string{"--nodes=1", "--time=10"})
		require.NoError(t, err)
		b, err := Fingerprint("job-1", "/work", []string{"--time=10", "--nodes=1"})
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
	})

	t.Run("differs per job and directory", func(t *testing.T) {
		a, err := Fingerprint("job-1", "/work", nil)
		require.NoError(t, err)
		b, err := Fingerprint("job-2", "/work", nil)
		require.NoError(t, err)
		c, err := Fingerprint("job-1", "/other", nil)
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
		assert.NotEqual(t, a, c)
	})

	t.Run("requires a job id", func(t *testing.T) {
		_, err := Fingerprint("  ", "/work", nil)
		assert.Error(t, err)
	})
}
