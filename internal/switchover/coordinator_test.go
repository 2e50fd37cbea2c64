// internal/switchover/coordinator_test.go
package switchover

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/FairForge/poolwatch/internal/pool"
	"github.com/FairForge/poolwatch/internal/state"
)

func newTestCoordinator(t *testing.T, r Reloader) (*Coordinator, state.Store) {
	t.Helper()
	st, err := state.NewFileStore(filepath.Join(t.TempDir(), "active.json"))
	require.NoError(t, err)

	c, err := NewCoordinator(context.Background(), st, r, time.Second, zap.NewNop())
	require.NoError(t, err)
	return c, st
}

func TestCoordinator_Apply(t *testing.T) {
	var gotReload pool.ActiveConfig
	reloads := 0
	c, _ := newTestCoordinator(t, ReloaderFunc(func(ctx context.Context, cfg pool.ActiveConfig) error {
		gotReload = cfg
		reloads++
		return nil
	}))

	cfg, err := c.Apply(context.Background(), Command{
		Target:      pool.Green,
		Reason:      ReasonAutomatic,
		RequestedBy: "engine",
	})
	require.NoError(t, err)
	assert.Equal(t, pool.Green, cfg.ActivePool)
	assert.Equal(t, uint64(1), cfg.Generation)
	assert.Equal(t, "engine", cfg.UpdatedBy)

	assert.Equal(t, 1, reloads)
	assert.Equal(t, cfg, gotReload)
	assert.Equal(t, cfg, c.LastKnown())
}

func TestCoordinator_RejectsAlreadyActive(t *testing.T) {
	c, _ := newTestCoordinator(t, NoopReloader{})

	_, err := c.Apply(context.Background(), Command{Target: pool.Blue, Reason: ReasonManual})
	assert.ErrorIs(t, err, ErrAlreadyActive)
	assert.Equal(t, uint64(0), c.LastKnown().Generation)
}

func TestCoordinator_RejectsStalePinnedGeneration(t *testing.T) {
	c, st := newTestCoordinator(t, NoopReloader{})
	ctx := context.Background()

	_, err := c.Apply(ctx, Command{Target: pool.Green, Reason: ReasonAutomatic})
	require.NoError(t, err)
	_, err = c.Apply(ctx, Command{Target: pool.Blue, Reason: ReasonAutomatic})
	require.NoError(t, err)

	// A manual command built against generation 1 must lose, not clobber.
	_, err = c.Apply(ctx, Command{
		Target:              pool.Green,
		Reason:              ReasonManual,
		RequestedGeneration: 1,
		RequestedBy:         "operator",
	})
	assert.ErrorIs(t, err, ErrStaleSwitch)

	cur, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cur.Generation)
	assert.Equal(t, pool.Blue, cur.ActivePool)
}

func TestCoordinator_ReplayedCommandRejectedAsStale(t *testing.T) {
	c, _ := newTestCoordinator(t, NoopReloader{})
	ctx := context.Background()

	_, err := c.Apply(ctx, Command{Target: pool.Green, Reason: ReasonAutomatic})
	require.NoError(t, err)

	cmd := Command{Target: pool.Blue, Reason: ReasonManual, RequestedGeneration: 1}
	applied, err := c.Apply(ctx, cmd)
	require.NoError(t, err)
	require.Equal(t, uint64(2), applied.Generation)

	// Replaying the identical command must not double-apply.
	_, err = c.Apply(ctx, cmd)
	assert.ErrorIs(t, err, ErrStaleSwitch)
	assert.Equal(t, uint64(2), c.LastKnown().Generation)
}

func TestCoordinator_ConcurrentSwitchesSingleWinner(t *testing.T) {
	c, st := newTestCoordinator(t, NoopReloader{})
	ctx := context.Background()

	// Advance past generation 0 so the pin is meaningful.
	_, err := c.Apply(ctx, Command{Target: pool.Green, Reason: ReasonAutomatic})
	require.NoError(t, err)

	const writers = 6
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Apply(ctx, Command{
				Target:              pool.Blue,
				Reason:              ReasonManual,
				RequestedGeneration: 1,
			})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrStaleSwitch)
		}
	}
	assert.Equal(t, 1, wins)

	cur, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cur.Generation)
	assert.Equal(t, pool.Blue, cur.ActivePool)
}

func TestCoordinator_ReloadFailureStillCommits(t *testing.T) {
	c, st := newTestCoordinator(t, ReloaderFunc(func(ctx context.Context, cfg pool.ActiveConfig) error {
		return errors.New("nginx: reload failed")
	}))
	ctx := context.Background()

	cfg, err := c.Apply(ctx, Command{Target: pool.Green, Reason: ReasonAutomatic})
	assert.ErrorIs(t, err, ErrReloadUnconfirmed)
	assert.Equal(t, uint64(1), cfg.Generation)
	assert.Equal(t, pool.Green, cfg.ActivePool)

	// The record moved even though the reload did not confirm.
	cur, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, pool.Green, cur.ActivePool)
}

func TestCoordinator_ReloadTimeout(t *testing.T) {
	c, _ := newTestCoordinator(t, ReloaderFunc(func(ctx context.Context, cfg pool.ActiveConfig) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	start := time.Now()
	_, err := c.Apply(context.Background(), Command{Target: pool.Green, Reason: ReasonAutomatic})
	assert.ErrorIs(t, err, ErrReloadUnconfirmed)
	assert.Less(t, time.Since(start), 5*time.Second)
}

// failingStore errors on Swap to exercise the persist-failure path.
type failingStore struct {
	state.Store
	swapErr error
}

func (f *failingStore) Swap(ctx context.Context, expected uint64, next pool.ActiveConfig) error {
	if f.swapErr != nil {
		return f.swapErr
	}
	return f.Store.Swap(ctx, expected, next)
}

func TestCoordinator_PersistFailureDoesNotAdvance(t *testing.T) {
	inner, err := state.NewFileStore(filepath.Join(t.TempDir(), "active.json"))
	require.NoError(t, err)
	st := &failingStore{Store: inner, swapErr: errors.New("disk full")}

	c, err := NewCoordinator(context.Background(), st, NoopReloader{}, time.Second, zap.NewNop())
	require.NoError(t, err)

	_, err = c.Apply(context.Background(), Command{Target: pool.Green, Reason: ReasonAutomatic})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrReloadUnconfirmed)
	assert.Equal(t, uint64(0), c.LastKnown().Generation)
}

func TestCoordinator_MapsStoreCASMissToStaleSwitch(t *testing.T) {
	inner, err := state.NewFileStore(filepath.Join(t.TempDir(), "active.json"))
	require.NoError(t, err)
	st := &failingStore{Store: inner, swapErr: state.ErrStaleGeneration}

	c, err := NewCoordinator(context.Background(), st, NoopReloader{}, time.Second, zap.NewNop())
	require.NoError(t, err)

	_, err = c.Apply(context.Background(), Command{Target: pool.Green, Reason: ReasonAutomatic})
	assert.ErrorIs(t, err, ErrStaleSwitch)
}

func TestHTTPReloader(t *testing.T) {
	t.Run("confirms on 2xx", func(t *testing.T) {
		var gotBody []byte
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotBody, _ = io.ReadAll(r.Body)
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		r := NewHTTPReloader(srv.URL, time.Second)
		err := r.Reload(context.Background(), pool.ActiveConfig{ActivePool: pool.Green, Generation: 2})
		require.NoError(t, err)
		assert.Contains(t, string(gotBody), `"active_pool":"green"`)
	})

	t.Run("errors on 5xx", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		r := NewHTTPReloader(srv.URL, time.Second)
		err := r.Reload(context.Background(), pool.ActiveConfig{ActivePool: pool.Green, Generation: 2})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "500")
	})
}
