// internal/state/file_test.go
package state

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FairForge/poolwatch/internal/pool"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(filepath.Join(t.TempDir(), "active.json"))
	require.NoError(t, err)
	return s
}

func TestFileStore_SeedsDefault(t *testing.T) {
	s := newTestFileStore(t)
	defer s.Close()

	cfg, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pool.Blue, cfg.ActivePool)
	assert.Equal(t, uint64(0), cfg.Generation)

	// Seeding is persistent, not per-Load.
	_, err = os.Stat(s.path)
	assert.NoError(t, err)
}

func TestFileStore_SwapAdvancesGeneration(t *testing.T) {
	s := newTestFileStore(t)
	defer s.Close()

	ctx := context.Background()
	cur, err := s.Load(ctx)
	require.NoError(t, err)

	next := pool.ActiveConfig{
		ActivePool: pool.Green,
		Generation: cur.Generation + 1,
		UpdatedAt:  time.Now().UTC(),
		UpdatedBy:  "test",
	}
	require.NoError(t, s.Swap(ctx, cur.Generation, next))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, pool.Green, got.ActivePool)
	assert.Equal(t, uint64(1), got.Generation)
	assert.Equal(t, "test", got.UpdatedBy)
}

func TestFileStore_SwapRejectsStaleGeneration(t *testing.T) {
	s := newTestFileStore(t)
	defer s.Close()

	ctx := context.Background()
	cur, err := s.Load(ctx)
	require.NoError(t, err)

	next := pool.ActiveConfig{ActivePool: pool.Green, Generation: cur.Generation + 1}
	require.NoError(t, s.Swap(ctx, cur.Generation, next))

	// Second writer still holding the old generation loses.
	err = s.Swap(ctx, cur.Generation, pool.ActiveConfig{ActivePool: pool.Blue, Generation: cur.Generation + 1})
	assert.ErrorIs(t, err, ErrStaleGeneration)

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, pool.Green, got.ActivePool)
}

func TestFileStore_ConcurrentSwapSingleWinner(t *testing.T) {
	s := newTestFileStore(t)
	defer s.Close()

	ctx := context.Background()
	cur, err := s.Load(ctx)
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Swap(ctx, cur.Generation, pool.ActiveConfig{
				ActivePool: pool.Green,
				Generation: cur.Generation + 1,
			})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrStaleGeneration)
		}
	}
	assert.Equal(t, 1, wins)

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Generation)
}

func TestFileStore_RejectsCorruptRecord(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "active.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"active_pool":"purple","generation":3}`), 0o644))

	s, err := NewFileStore(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid active pool")
}
