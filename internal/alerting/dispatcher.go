// internal/alerting/dispatcher.go
package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/FairForge/poolwatch/internal/health"
	"github.com/FairForge/poolwatch/internal/metrics"
	"github.com/FairForge/poolwatch/internal/pool"
)

const recentCapacity = 100

// DispatcherConfig holds dispatch policy settings.
type DispatcherConfig struct {
	// SuppressionWindow dedups identical {type, pool} alerts.
	SuppressionWindow time.Duration
	// QueueSize bounds the delivery queue; the oldest alert is dropped
	// when a new one arrives on a full queue.
	QueueSize int
	// RatePerSecond and RateBurst shape the storm guard applied after
	// dedup, across all alert types.
	RatePerSecond float64
	RateBurst     int
	// Maintenance suppresses all deliveries while set.
	Maintenance bool
	// DeliveryTimeout bounds one sink delivery.
	DeliveryTimeout time.Duration
	// DrainTimeout bounds the best-effort flush at shutdown.
	DrainTimeout time.Duration
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		SuppressionWindow: 5 * time.Minute,
		QueueSize:         64,
		RatePerSecond:     5,
		RateBurst:         10,
		DeliveryTimeout:   10 * time.Second,
		DrainTimeout:      5 * time.Second,
	}
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	d := DefaultDispatcherConfig()
	if c.SuppressionWindow < 0 {
		c.SuppressionWindow = 0
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = d.RatePerSecond
	}
	if c.RateBurst <= 0 {
		c.RateBurst = d.RateBurst
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = d.DeliveryTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = d.DrainTimeout
	}
	return c
}

// Stats counts dispatcher outcomes since start.
type Stats struct {
	Dispatched            uint64 `json:"dispatched"`
	SuppressedDedup       uint64 `json:"suppressed_dedup"`
	SuppressedMaintenance uint64 `json:"suppressed_maintenance"`
	RateLimited           uint64 `json:"rate_limited"`
	DroppedQueue          uint64 `json:"dropped_queue"`
	Delivered             uint64 `json:"delivered"`
	DeliveryErrors        uint64 `json:"delivery_errors"`
}

// Sink delivers one alert to an external destination.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev Event) error
}

type dedupKey struct {
	t Type
	p pool.ID
}

// Dispatcher fans alerts out to sinks without ever blocking the control loop:
// Dispatch filters (maintenance, dedup, storm guard), records the event for
// the API, and enqueues; the Run worker owns actual delivery. Losing an alert
// to the drop-oldest queue is acceptable, stalling a switch is not.
type Dispatcher struct {
	cfg    DispatcherConfig
	logger *zap.Logger
	sinks  []Sink
	queue  chan Event

	limiter *rate.Limiter
	now     func() time.Time

	mu       sync.Mutex
	lastSent map[dedupKey]time.Time
	recent   []Event
	stats    Stats
}

func NewDispatcher(cfg DispatcherConfig, sinks []Sink, logger *zap.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		cfg:      cfg,
		logger:   logger,
		sinks:    sinks,
		queue:    make(chan Event, cfg.QueueSize),
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst),
		now:      time.Now,
		lastSent: make(map[dedupKey]time.Time),
	}
}

// Dispatch accepts one alert. It never blocks and never returns an error;
// everything that can go wrong is counted and logged instead.
func (d *Dispatcher) Dispatch(ev Event) {
	d.mu.Lock()

	if d.cfg.Maintenance {
		d.stats.SuppressedMaintenance++
		d.mu.Unlock()
		metrics.RecordAlert(string(ev.Type), "suppressed_maintenance")
		d.logger.Info("alert suppressed, maintenance mode",
			zap.String("type", string(ev.Type)), zap.String("pool", ev.Pool.String()))
		return
	}

	key := dedupKey{t: ev.Type, p: ev.Pool}
	now := d.now()
	if last, ok := d.lastSent[key]; ok && now.Sub(last) < d.cfg.SuppressionWindow {
		d.stats.SuppressedDedup++
		d.mu.Unlock()
		metrics.RecordAlert(string(ev.Type), "suppressed_dedup")
		d.logger.Debug("alert suppressed, within suppression window",
			zap.String("type", string(ev.Type)), zap.String("pool", ev.Pool.String()))
		return
	}

	if !d.limiter.Allow() {
		d.stats.RateLimited++
		d.mu.Unlock()
		metrics.RecordAlert(string(ev.Type), "rate_limited")
		d.logger.Warn("alert dropped by storm guard",
			zap.String("type", string(ev.Type)), zap.String("pool", ev.Pool.String()))
		return
	}

	d.lastSent[key] = now
	d.recent = append(d.recent, ev)
	if len(d.recent) > recentCapacity {
		d.recent = d.recent[len(d.recent)-recentCapacity:]
	}
	d.stats.Dispatched++
	d.mu.Unlock()

	metrics.RecordAlert(string(ev.Type), "dispatched")
	d.enqueue(ev)
}

// enqueue adds the event, evicting the oldest queued alert when full.
func (d *Dispatcher) enqueue(ev Event) {
	for {
		select {
		case d.queue <- ev:
			metrics.SetAlertQueueDepth(len(d.queue))
			return
		default:
		}

		select {
		case old := <-d.queue:
			d.mu.Lock()
			d.stats.DroppedQueue++
			d.mu.Unlock()
			metrics.RecordAlert(string(old.Type), "dropped_queue")
			d.logger.Warn("alert queue full, dropped oldest",
				zap.String("dropped_type", string(old.Type)), zap.String("dropped_id", old.ID))
		default:
		}
	}
}

// ObserveTransition raises an error-rate alert for committed transitions into
// degraded or down. Transitions back to healthy are the engine's business
// (recovery is confirmed, not announced per transition).
func (d *Dispatcher) ObserveTransition(tr health.Transition) {
	if tr.To == health.StateHealthy {
		return
	}
	d.Dispatch(NewEvent(TypeErrorRate, tr.Pool,
		fmt.Sprintf("pool %s error rate %.1f%% over %d samples, now %s",
			tr.Pool, tr.ErrorRate*100, tr.Samples, tr.To),
		map[string]string{
			"error_rate": fmt.Sprintf("%.4f", tr.ErrorRate),
			"samples":    fmt.Sprintf("%d", tr.Samples),
			"from":       tr.From.String(),
			"to":         tr.To.String(),
		}))
}

// Run delivers queued alerts until ctx is cancelled, then flushes what it can
// within the drain timeout.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			d.drain()
			return nil
		case ev := <-d.queue:
			metrics.SetAlertQueueDepth(len(d.queue))
			d.deliver(ctx, ev)
		}
	}
}

func (d *Dispatcher) drain() {
	deadline := time.After(d.cfg.DrainTimeout)
	for {
		select {
		case ev := <-d.queue:
			ctx, cancel := context.WithTimeout(context.Background(), d.cfg.DeliveryTimeout)
			d.deliver(ctx, ev)
			cancel()
		case <-deadline:
			d.logger.Warn("alert drain timeout, remaining alerts lost",
				zap.Int("remaining", len(d.queue)))
			return
		default:
			return
		}
	}
}

// deliver fans one event out to every sink. At-least-once per sink; failures
// are logged and counted, never retried here (sinks own their retry policy).
func (d *Dispatcher) deliver(ctx context.Context, ev Event) {
	for _, sink := range d.sinks {
		sctx, cancel := context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
		err := sink.Deliver(sctx, ev)
		cancel()

		metrics.RecordDelivery(sink.Name(), err)
		d.mu.Lock()
		if err != nil {
			d.stats.DeliveryErrors++
		} else {
			d.stats.Delivered++
		}
		d.mu.Unlock()

		if err != nil {
			d.logger.Error("alert delivery failed",
				zap.String("sink", sink.Name()),
				zap.String("type", string(ev.Type)),
				zap.String("id", ev.ID),
				zap.Error(err))
		}
	}
}

// Recent returns up to limit most recent dispatched alerts, newest first.
func (d *Dispatcher) Recent(limit int) []Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	if limit <= 0 || limit > len(d.recent) {
		limit = len(d.recent)
	}
	out := make([]Event, 0, limit)
	for i := len(d.recent) - 1; i >= len(d.recent)-limit; i-- {
		out = append(out, d.recent[i])
	}
	return out
}

// Stats returns a copy of the counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}
