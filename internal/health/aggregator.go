// internal/health/aggregator.go
package health

import (
	"sync"
	"time"

	"github.com/FairForge/poolwatch/internal/pool"
)

// bucket accumulates one second of outcomes. Buckets are reused in place; the
// sec stamp tells live data from leftovers of a previous lap around the ring.
type bucket struct {
	sec      int64
	total    int
	failures int
}

type poolWindow struct {
	buckets []bucket

	committed State
	since     time.Time

	candidate      State
	candidateSince time.Time
	hasCandidate   bool

	// stats cached by the last Tick, served by Snapshot.
	errorRate float64
	samples   int
}

// Aggregator maintains per-pool sliding error-rate windows and commits health
// state changes through the dwell filter. Record is called from the ingest
// path, Tick from the evaluation timer, snapshots from the API; a single lock
// covers all three.
type Aggregator struct {
	mu   sync.RWMutex
	cfg  Config
	wins map[pool.ID]*poolWindow
}

func NewAggregator(cfg Config) *Aggregator {
	cfg = cfg.withDefaults()
	now := time.Now()
	a := &Aggregator{
		cfg:  cfg,
		wins: make(map[pool.ID]*poolWindow, 2),
	}
	for _, id := range []pool.ID{pool.Blue, pool.Green} {
		a.wins[id] = &poolWindow{
			buckets:   make([]bucket, a.bucketCount()),
			committed: StateHealthy,
			since:     now,
		}
	}
	return a
}

func (a *Aggregator) bucketCount() int {
	n := int(a.cfg.Window / time.Second)
	if n < 1 {
		n = 1
	}
	return n
}

// Record adds one outcome to its pool's current time bucket. Outcomes for
// unknown pools are ignored; the parser already rejects them.
func (a *Aggregator) Record(out pool.RequestOutcome) {
	a.mu.Lock()
	defer a.mu.Unlock()

	w, ok := a.wins[out.Pool]
	if !ok {
		return
	}

	sec := out.Timestamp.Unix()
	b := &w.buckets[sec%int64(len(w.buckets))]
	if b.sec != sec {
		b.sec = sec
		b.total = 0
		b.failures = 0
	}
	b.total++
	if !out.Success {
		b.failures++
	}
}

// windowStats sums the buckets still inside the window ending at now.
func (w *poolWindow) windowStats(now time.Time) (rate float64, samples int) {
	nowSec := now.Unix()
	oldest := nowSec - int64(len(w.buckets)) + 1

	total, failures := 0, 0
	for i := range w.buckets {
		b := &w.buckets[i]
		if b.sec >= oldest && b.sec <= nowSec {
			total += b.total
			failures += b.failures
		}
	}
	if total == 0 {
		return 0, 0
	}
	return float64(failures) / float64(total), total
}

func (a *Aggregator) classify(rate float64, samples int) State {
	if samples < a.cfg.MinSamples {
		return StateHealthy
	}
	switch {
	case rate >= a.cfg.HighThreshold:
		return StateDown
	case rate >= a.cfg.LowThreshold:
		return StateDegraded
	default:
		return StateHealthy
	}
}

// Tick re-evaluates both pools at now and returns the transitions committed on
// this pass, blue before green. A computed state different from the committed
// one becomes a candidate; it commits once it has held for the dwell time and
// is dropped the moment the computed state returns to the committed one.
func (a *Aggregator) Tick(now time.Time) []Transition {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []Transition
	for _, id := range []pool.ID{pool.Blue, pool.Green} {
		w := a.wins[id]
		rate, samples := w.windowStats(now)
		w.errorRate = rate
		w.samples = samples

		raw := a.classify(rate, samples)
		if raw == w.committed {
			w.hasCandidate = false
			continue
		}

		if !w.hasCandidate || w.candidate != raw {
			w.hasCandidate = true
			w.candidate = raw
			w.candidateSince = now
		}
		if now.Sub(w.candidateSince) >= a.cfg.Dwell {
			out = append(out, Transition{
				Pool:      id,
				From:      w.committed,
				To:        raw,
				At:        now,
				ErrorRate: rate,
				Samples:   samples,
			})
			w.committed = raw
			w.since = now
			w.hasCandidate = false
		}
	}
	return out
}

// State returns the committed state for one pool.
func (a *Aggregator) State(id pool.ID) State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if w, ok := a.wins[id]; ok {
		return w.committed
	}
	return StateHealthy
}

func (w *poolWindow) snapshot(id pool.ID) Snapshot {
	return Snapshot{
		Pool:      id,
		State:     w.committed,
		StateName: w.committed.String(),
		ErrorRate: w.errorRate,
		Samples:   w.samples,
		Since:     w.since,
	}
}

// Snapshot returns the queryable view of one pool.
func (a *Aggregator) Snapshot(id pool.ID) Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if w, ok := a.wins[id]; ok {
		return w.snapshot(id)
	}
	return Snapshot{Pool: id, State: StateHealthy, StateName: StateHealthy.String()}
}

// Snapshots returns the queryable view of both pools, blue before green.
func (a *Aggregator) Snapshots() []Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]Snapshot, 0, 2)
	for _, id := range []pool.ID{pool.Blue, pool.Green} {
		out = append(out, a.wins[id].snapshot(id))
	}
	return out
}
