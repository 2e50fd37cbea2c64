// internal/failover/engine_test.go
package failover

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/FairForge/poolwatch/internal/alerting"
	"github.com/FairForge/poolwatch/internal/health"
	"github.com/FairForge/poolwatch/internal/pool"
	"github.com/FairForge/poolwatch/internal/switchover"
)

var engineBase = time.Unix(1724400000, 0)

type fakeHealth struct {
	mu     sync.Mutex
	states map[pool.ID]health.State
}

func newFakeHealth() *fakeHealth {
	return &fakeHealth{states: map[pool.ID]health.State{
		pool.Blue:  health.StateHealthy,
		pool.Green: health.StateHealthy,
	}}
}

func (f *fakeHealth) State(id pool.ID) health.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[id]
}

func (f *fakeHealth) set(id pool.ID, s health.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[id] = s
}

type fakeAlerter struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (f *fakeAlerter) Dispatch(ev alerting.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeAlerter) byType(t alerting.Type) []alerting.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []alerting.Event
	for _, ev := range f.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// fakeSwitcher returns queued errors in order, then succeeds. State advances
// on success and on ErrReloadUnconfirmed, matching the coordinator contract.
type fakeSwitcher struct {
	mu      sync.Mutex
	last    pool.ActiveConfig
	errs    []error
	applies []switchover.Command
}

func newFakeSwitcher() *fakeSwitcher {
	return &fakeSwitcher{last: pool.ActiveConfig{ActivePool: pool.Blue}}
}

func (f *fakeSwitcher) Apply(ctx context.Context, cmd switchover.Command) (pool.ActiveConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applies = append(f.applies, cmd)

	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	if err == nil || errors.Is(err, switchover.ErrReloadUnconfirmed) {
		f.last = pool.ActiveConfig{ActivePool: cmd.Target, Generation: f.last.Generation + 1}
		return f.last, err
	}
	return f.last, err
}

func (f *fakeSwitcher) LastKnown() pool.ActiveConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *fakeSwitcher) applyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applies)
}

func testEngine(cfg Config) (*Engine, *fakeHealth, *fakeSwitcher, *fakeAlerter) {
	hr := newFakeHealth()
	sw := newFakeSwitcher()
	al := &fakeAlerter{}
	return NewEngine(cfg, hr, sw, al, zap.NewNop()), hr, sw, al
}

func downTransition(p pool.ID, at time.Time) health.Transition {
	return health.Transition{Pool: p, From: health.StateHealthy, To: health.StateDown, At: at, ErrorRate: 0.6, Samples: 100}
}

func TestEngine_FailoverOnActiveDown(t *testing.T) {
	e, hr, sw, al := testEngine(Config{})
	ctx := context.Background()

	hr.set(pool.Blue, health.StateDown)
	e.HandleTransition(ctx, downTransition(pool.Blue, engineBase), engineBase)

	require.Equal(t, 1, sw.applyCount())
	assert.Equal(t, pool.Green, sw.applies[0].Target)
	assert.Equal(t, switchover.ReasonAutomatic, sw.applies[0].Reason)

	st := e.Status()
	assert.Equal(t, PhaseFailed, st.Phase)
	assert.Equal(t, pool.Blue, st.FailedPool)
	assert.False(t, st.SwitchPending)

	failovers := al.byType(alerting.TypeFailover)
	require.Len(t, failovers, 1)
	assert.Equal(t, pool.Blue, failovers[0].Pool)
	assert.Equal(t, "green", failovers[0].Details["to"])
}

func TestEngine_BothDownRaisesCriticalWithoutSwitch(t *testing.T) {
	e, hr, sw, al := testEngine(Config{})
	ctx := context.Background()

	hr.set(pool.Blue, health.StateDown)
	hr.set(pool.Green, health.StateDown)
	e.HandleTransition(ctx, downTransition(pool.Blue, engineBase), engineBase)

	assert.Equal(t, 0, sw.applyCount())
	assert.Equal(t, PhaseNominal, e.Status().Phase)

	critical := al.byType(alerting.TypeBothPoolsDown)
	require.Len(t, critical, 1)
	assert.Equal(t, alerting.SeverityCritical, critical[0].Severity)
	assert.Empty(t, al.byType(alerting.TypeFailover))
}

func TestEngine_SwitchesOnceStandbyBecomesViable(t *testing.T) {
	e, hr, sw, al := testEngine(Config{})
	ctx := context.Background()

	hr.set(pool.Blue, health.StateDown)
	hr.set(pool.Green, health.StateDown)
	e.HandleTransition(ctx, downTransition(pool.Blue, engineBase), engineBase)
	require.Equal(t, 0, sw.applyCount())

	// Standby comes back while the active pool is still down.
	hr.set(pool.Green, health.StateHealthy)
	tr := health.Transition{Pool: pool.Green, From: health.StateDown, To: health.StateHealthy, At: engineBase.Add(10 * time.Second)}
	e.HandleTransition(ctx, tr, engineBase.Add(10*time.Second))

	require.Equal(t, 1, sw.applyCount())
	assert.Equal(t, pool.Green, sw.applies[0].Target)
	assert.Equal(t, PhaseFailed, e.Status().Phase)
	require.Len(t, al.byType(alerting.TypeFailover), 1)
}

func TestEngine_RetriesThenEscalates(t *testing.T) {
	e, hr, sw, al := testEngine(Config{SwitchAttempts: 3, SwitchBackoff: 500 * time.Millisecond})
	ctx := context.Background()

	sw.errs = []error{
		errors.New("store unreachable"),
		errors.New("store unreachable"),
		errors.New("store unreachable"),
	}

	hr.set(pool.Blue, health.StateDown)
	e.HandleTransition(ctx, downTransition(pool.Blue, engineBase), engineBase)
	require.Equal(t, 1, sw.applyCount())
	assert.True(t, e.Status().SwitchPending)

	// Before the backoff elapses nothing happens.
	e.Tick(ctx, engineBase.Add(100*time.Millisecond))
	assert.Equal(t, 1, sw.applyCount())

	e.Tick(ctx, engineBase.Add(500*time.Millisecond))
	assert.Equal(t, 2, sw.applyCount())

	e.Tick(ctx, engineBase.Add(1500*time.Millisecond))
	assert.Equal(t, 3, sw.applyCount())

	// Budget spent: escalated, pending cleared, phase unchanged.
	st := e.Status()
	assert.False(t, st.SwitchPending)
	assert.Equal(t, PhaseNominal, st.Phase)

	escalations := al.byType(alerting.TypeSwitchFailed)
	require.Len(t, escalations, 1)
	assert.Equal(t, alerting.SeverityCritical, escalations[0].Severity)

	// No more attempts after escalation.
	e.Tick(ctx, engineBase.Add(time.Minute))
	assert.Equal(t, 3, sw.applyCount())
}

func TestEngine_RecoveryConfirmationManualFailback(t *testing.T) {
	e, hr, sw, al := testEngine(Config{RecoveryConfirmation: 30 * time.Second})
	ctx := context.Background()

	hr.set(pool.Blue, health.StateDown)
	e.HandleTransition(ctx, downTransition(pool.Blue, engineBase), engineBase)
	require.Equal(t, PhaseFailed, e.Status().Phase)

	// Blue comes back healthy and holds.
	recoveredAt := engineBase.Add(60 * time.Second)
	hr.set(pool.Blue, health.StateHealthy)
	e.HandleTransition(ctx, health.Transition{Pool: pool.Blue, From: health.StateDown, To: health.StateHealthy, At: recoveredAt}, recoveredAt)

	e.Tick(ctx, recoveredAt.Add(29*time.Second))
	assert.Equal(t, PhaseFailed, e.Status().Phase)
	assert.Empty(t, al.byType(alerting.TypeRecovery))

	e.Tick(ctx, recoveredAt.Add(30*time.Second))
	assert.Equal(t, PhaseRecovering, e.Status().Phase)
	recoveries := al.byType(alerting.TypeRecovery)
	require.Len(t, recoveries, 1)
	assert.Equal(t, pool.Blue, recoveries[0].Pool)
	assert.Equal(t, alerting.SeverityInfo, recoveries[0].Severity)

	// Manual failback: no switch command, settles to nominal on the
	// standby once both pools are healthy.
	e.Tick(ctx, recoveredAt.Add(31*time.Second))
	st := e.Status()
	assert.Equal(t, PhaseNominal, st.Phase)
	assert.Equal(t, pool.ID(""), st.FailedPool)
	assert.Equal(t, 1, sw.applyCount())
	assert.Equal(t, pool.Green, sw.LastKnown().ActivePool)
}

func TestEngine_AutomaticFailback(t *testing.T) {
	e, hr, sw, al := testEngine(Config{
		RecoveryConfirmation: 30 * time.Second,
		Failback:             FailbackAutomatic,
	})
	ctx := context.Background()

	hr.set(pool.Blue, health.StateDown)
	e.HandleTransition(ctx, downTransition(pool.Blue, engineBase), engineBase)

	recoveredAt := engineBase.Add(60 * time.Second)
	hr.set(pool.Blue, health.StateHealthy)
	e.HandleTransition(ctx, health.Transition{Pool: pool.Blue, From: health.StateDown, To: health.StateHealthy, At: recoveredAt}, recoveredAt)

	e.Tick(ctx, recoveredAt.Add(30*time.Second))

	require.Equal(t, 2, sw.applyCount())
	assert.Equal(t, pool.Blue, sw.applies[1].Target)
	assert.Equal(t, pool.Blue, sw.LastKnown().ActivePool)

	st := e.Status()
	assert.Equal(t, PhaseNominal, st.Phase)
	assert.Equal(t, pool.ID(""), st.FailedPool)

	// Outage failover names blue, failback names green: distinct dedup keys.
	failovers := al.byType(alerting.TypeFailover)
	require.Len(t, failovers, 2)
	assert.Equal(t, pool.Blue, failovers[0].Pool)
	assert.Equal(t, pool.Green, failovers[1].Pool)
}

func TestEngine_RecoveringDemotedOnRelapse(t *testing.T) {
	e, hr, _, _ := testEngine(Config{RecoveryConfirmation: 30 * time.Second})
	ctx := context.Background()

	hr.set(pool.Blue, health.StateDown)
	e.HandleTransition(ctx, downTransition(pool.Blue, engineBase), engineBase)

	recoveredAt := engineBase.Add(60 * time.Second)
	hr.set(pool.Blue, health.StateHealthy)
	e.HandleTransition(ctx, health.Transition{Pool: pool.Blue, From: health.StateDown, To: health.StateHealthy, At: recoveredAt}, recoveredAt)
	e.Tick(ctx, recoveredAt.Add(30*time.Second))
	require.Equal(t, PhaseRecovering, e.Status().Phase)

	// Green is still degraded, so the engine has not settled to nominal
	// when blue relapses.
	hr.set(pool.Green, health.StateDegraded)
	hr.set(pool.Blue, health.StateDown)
	relapseAt := recoveredAt.Add(40 * time.Second)
	e.HandleTransition(ctx, downTransition(pool.Blue, relapseAt), relapseAt)

	st := e.Status()
	assert.Equal(t, PhaseFailed, st.Phase)
	assert.True(t, st.HealthySince.IsZero())
}

func TestEngine_ManualSwitch(t *testing.T) {
	e, _, sw, al := testEngine(Config{})
	ctx := context.Background()

	cfg, err := e.ManualSwitch(ctx, pool.Green, 0, "deploy-pipeline")
	require.NoError(t, err)
	assert.Equal(t, pool.Green, cfg.ActivePool)
	assert.Equal(t, uint64(1), cfg.Generation)

	require.Equal(t, 1, sw.applyCount())
	assert.Equal(t, switchover.ReasonManual, sw.applies[0].Reason)
	assert.Equal(t, "deploy-pipeline", sw.applies[0].RequestedBy)

	failovers := al.byType(alerting.TypeFailover)
	require.Len(t, failovers, 1)
	assert.Contains(t, failovers[0].Description, "manual switch")
}

func TestEngine_ManualSwitchToDownPoolRejected(t *testing.T) {
	e, hr, sw, _ := testEngine(Config{})
	ctx := context.Background()

	hr.set(pool.Green, health.StateDown)
	_, err := e.ManualSwitch(ctx, pool.Green, 0, "operator")
	assert.ErrorIs(t, err, ErrSwitchToDownPool)

	// Never touches the active config.
	assert.Equal(t, 0, sw.applyCount())
	assert.Equal(t, uint64(0), sw.LastKnown().Generation)
}

func TestEngine_ManualSwitchClearsPendingRetry(t *testing.T) {
	e, hr, sw, _ := testEngine(Config{SwitchAttempts: 3, SwitchBackoff: 500 * time.Millisecond})
	ctx := context.Background()

	sw.errs = []error{errors.New("store unreachable")}
	hr.set(pool.Blue, health.StateDown)
	e.HandleTransition(ctx, downTransition(pool.Blue, engineBase), engineBase)
	require.True(t, e.Status().SwitchPending)

	_, err := e.ManualSwitch(ctx, pool.Green, 0, "operator")
	require.NoError(t, err)

	st := e.Status()
	assert.Equal(t, PhaseNominal, st.Phase)
	assert.False(t, st.SwitchPending)

	// The abandoned automatic command never fires again.
	e.Tick(ctx, engineBase.Add(time.Minute))
	assert.Equal(t, 2, sw.applyCount())
}

func TestEngine_ReloadUnconfirmedStillCommits(t *testing.T) {
	e, hr, sw, al := testEngine(Config{})
	ctx := context.Background()

	sw.errs = []error{fmt.Errorf("%w: reload endpoint timed out", switchover.ErrReloadUnconfirmed)}
	hr.set(pool.Blue, health.StateDown)
	e.HandleTransition(ctx, downTransition(pool.Blue, engineBase), engineBase)

	assert.Equal(t, PhaseFailed, e.Status().Phase)
	assert.Equal(t, pool.Green, sw.LastKnown().ActivePool)
	require.Len(t, al.byType(alerting.TypeFailover), 1)
	require.Len(t, al.byType(alerting.TypeReloadUnconfirmed), 1)
}

func TestEngine_AbandonsPendingWhenTargetGoesDown(t *testing.T) {
	e, hr, sw, al := testEngine(Config{SwitchAttempts: 3, SwitchBackoff: 500 * time.Millisecond})
	ctx := context.Background()

	sw.errs = []error{errors.New("store unreachable")}
	hr.set(pool.Blue, health.StateDown)
	e.HandleTransition(ctx, downTransition(pool.Blue, engineBase), engineBase)
	require.True(t, e.Status().SwitchPending)

	// Green drops before the retry lands.
	hr.set(pool.Green, health.StateDown)
	e.Tick(ctx, engineBase.Add(time.Second))

	st := e.Status()
	assert.False(t, st.SwitchPending)
	assert.Equal(t, 1, sw.applyCount())
	require.Len(t, al.byType(alerting.TypeBothPoolsDown), 1)
}

func TestPhase_String(t *testing.T) {
	assert.Equal(t, "nominal", PhaseNominal.String())
	assert.Equal(t, "failed", PhaseFailed.String())
	assert.Equal(t, "recovering", PhaseRecovering.String())
}
