package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	infraconfig "github.com/podworker/worker/internal/infrastructure/config"
)

func infraDedupe(backend string) infraconfig.DedupeConfig {
	return infraconfig.DedupeConfig{Backend: backend, TTL: time.Hour}
}

func TestInMemoryStore_MarkProcessed(t *testing.T) {
	store := NewInMemoryStore()
	defer store.Close()

	ctx := context.Background()

	t.Run("marks new job as processed", func(t *testing.T) {
		isNew, err := store.MarkProcessed(ctx, "job-1", 1*time.Hour)
		require.NoError(t, err)
		assert.True(t, isNew, "new job should return true")
	})

	t.Run("returns false for already processed job", func(t *testing.T) {
		isNew, err := store.MarkProcessed(ctx, "job-2", 1*time.Hour)
		require.NoError(t, err)
		assert.True(t, isNew)

		isNew, err = store.MarkProcessed(ctx, "job-2", 1*time.Hour)
		require.NoError(t, err)
		assert.False(t, isNew, "already processed job should return false")
	})

	t.Run("allows reprocessing after expiration", func(t *testing.T) {
		isNew, err := store.MarkProcessed(ctx, "job-3", 10*time.Millisecond)
		require.NoError(t, err)
		assert.True(t, isNew)

		time.Sleep(20 * time.Millisecond)

		isNew, err = store.MarkProcessed(ctx, "job-3", 10*time.Millisecond)
		require.NoError(t, err)
		assert.True(t, isNew, "expired job should be reprocessable")
	})
}

func TestInMemoryStore_IsProcessed(t *testing.T) {
	store := NewInMemoryStore()
	defer store.Close()

	ctx := context.Background()

	t.Run("returns false for unknown job", func(t *testing.T) {
		processed, err := store.IsProcessed(ctx, "unknown-job")
		require.NoError(t, err)
		assert.False(t, processed)
	})

	t.Run("returns true for processed job", func(t *testing.T) {
		_, err := store.MarkProcessed(ctx, "processed-job", 1*time.Hour)
		require.NoError(t, err)

		processed, err := store.IsProcessed(ctx, "processed-job")
		require.NoError(t, err)
		assert.True(t, processed)
	})

	t.Run("returns false for expired job", func(t *testing.T) {
		_, err := store.MarkProcessed(ctx, "expired-job", 10*time.Millisecond)
		require.NoError(t, err)

		time.Sleep(20 * time.Millisecond)

		processed, err := store.IsProcessed(ctx, "expired-job")
		require.NoError(t, err)
		assert.False(t, processed, "expired job should return false")
	})
}

func TestInMemoryStore_Cleanup(t *testing.T) {
	store := NewInMemoryStore()
	defer store.Close()

	ctx := context.Background()

	store.MarkProcessed(ctx, "short-lived-1", 10*time.Millisecond)
	store.MarkProcessed(ctx, "short-lived-2", 10*time.Millisecond)
	store.MarkProcessed(ctx, "long-lived", 1*time.Hour)

	assert.Equal(t, 3, store.Size())

	time.Sleep(20 * time.Millisecond)
	store.cleanup()

	assert.Equal(t, 1, store.Size())

	processed, err := store.IsProcessed(ctx, "long-lived")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestInMemoryStore_ConcurrentAccess(t *testing.T) {
	store := NewInMemoryStore()
	defer store.Close()

	ctx := context.Background()
	const numGoroutines = 100
	const jobID = "concurrent-job"

	results := make(chan bool, numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func() {
			isNew, err := store.MarkProcessed(ctx, jobID, 1*time.Hour)
			if err != nil {
				results <- false
			} else {
				results <- isNew
			}
		}()
	}

	newCount := 0
	for i := 0; i < numGoroutines; i++ {
		if <-results {
			newCount++
		}
	}

	assert.Equal(t, 1, newCount, "exactly one goroutine should mark as new")
}

func TestNewStore(t *testing.T) {
	t.Run("defaults to memory backend", func(t *testing.T) {
		store, err := NewStore(infraDedupe(""))
		require.NoError(t, err)
		assert.IsType(t, &InMemoryStore{}, store)
	})

	t.Run("memory backend", func(t *testing.T) {
		store, err := NewStore(infraDedupe("memory"))
		require.NoError(t, err)
		assert.IsType(t, &InMemoryStore{}, store)
	})

	t.Run("unknown backend", func(t *testing.T) {
		_, err := NewStore(infraDedupe("etcd"))
		assert.ErrorContains(t, err, "unknown dedupe backend")
	})
}

func TestInMemoryStore_Close(t *testing.T) {
	store := NewInMemoryStore()

	require.NoError(t, store.Close())
	require.NoError(t, store.Close())
}
