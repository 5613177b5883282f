package engine

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"scanguard/internal/config"
	"scanguard/internal/metrics"
	"scanguard/internal/model"
	"scanguard/internal/normalize"
)

// Publisher takes emitted alerts off the detection path. Publish must not
// block; false means the alert was not queued.
type Publisher interface {
	Publish(alert model.AlertEvent) bool
}

type Engine struct {
	logger     *slog.Logger
	metrics    *metrics.Metrics
	publisher  Publisher
	normalizer normalize.Normalizer
	store      *WindowStore
	cfg        atomic.Value
	filter     atomic.Pointer[SourceFilter]
	now        func() time.Time
	started    time.Time
	wg         sync.WaitGroup
	stats      counters
}

type counters struct {
	records   atomic.Uint64
	events    atomic.Uint64
	allowed   atomic.Uint64
	other     atomic.Uint64
	ignored   atomic.Uint64
	malformed atomic.Uint64
	fast      atomic.Uint64
	slow      atomic.Uint64
}

// Stats is a point in time view of the engine counters.
type Stats struct {
	Started        time.Time `json:"started"`
	Format         string    `json:"format"`
	Records        uint64    `json:"records"`
	Events         uint64    `json:"events"`
	Allowed        uint64    `json:"allowed"`
	Other          uint64    `json:"other"`
	Ignored        uint64    `json:"ignored"`
	Malformed      uint64    `json:"malformed"`
	FastAlerts     uint64    `json:"fast_alerts"`
	SlowAlerts     uint64    `json:"slow_alerts"`
	TrackedSources int       `json:"tracked_sources"`
}

// NewEngine builds the detector for cfg. It fails when the configured
// parser format or ignore list is invalid. metrics and publisher may be nil.
func NewEngine(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, publisher Publisher) (*Engine, error) {
	n, err := normalize.NewInLocation(cfg.Ingest.ParserFormat, cfg.Ingest.Location())
	if err != nil {
		return nil, err
	}
	filter, err := buildSourceFilter(cfg)
	if err != nil {
		return nil, err
	}
	d := cfg.Detection
	e := &Engine{
		logger:     logger,
		metrics:    m,
		publisher:  publisher,
		normalizer: n,
		store:      NewWindowStore(d.FastScanWindowDuration, d.SlowScanWindowDuration),
		now:        time.Now,
		started:    time.Now().UTC(),
	}
	e.store.SetConfig(windowsFor(cfg))
	e.cfg.Store(cfg)
	e.filter.Store(filter)
	return e, nil
}

func windowsFor(cfg *config.Config) Windows {
	d := cfg.Detection
	return Windows{
		Fast:         d.FastScanWindowDuration,
		Slow:         d.SlowScanWindowDuration,
		FastCooldown: d.FastCooldown(),
		SlowCooldown: d.SlowCooldown(),
	}
}

// SetClock replaces the processing time source. Call before Start.
func (e *Engine) SetClock(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// UpdateConfig applies thresholds, windows and the ignore list from cfg.
// The parser format is fixed for the life of the engine.
func (e *Engine) UpdateConfig(cfg *config.Config) error {
	filter, err := buildSourceFilter(cfg)
	if err != nil {
		return err
	}
	if cfg.Ingest.ParserFormat != e.normalizer.Name() && e.logger != nil {
		e.logger.Warn("parser format change requires a restart",
			"active", e.normalizer.Name(),
			"configured", cfg.Ingest.ParserFormat,
		)
	}
	e.cfg.Store(cfg)
	e.filter.Store(filter)
	e.store.SetConfig(windowsFor(cfg))
	return nil
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

func (e *Engine) Store() *WindowStore {
	return e.store
}

// Start launches the worker pool and the sweeper. Workers stop when ctx is
// done or in is closed; Wait blocks until they have.
func (e *Engine) Start(ctx context.Context, in <-chan model.Record) {
	cfg := e.config()
	workers := cfg.Detection.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx, in)
	}
	e.store.StartSweeper(ctx, cfg.Detection.CleanupInterval, e.now, func(removed, remaining int) {
		e.metrics.SourcesSwept(removed)
		e.metrics.SetTrackedSources(remaining)
		if removed > 0 && e.logger != nil {
			e.logger.Debug("swept expired sources", "removed", removed, "remaining", remaining)
		}
	})
	if e.logger != nil {
		e.logger.Info("detection engine started",
			"workers", workers,
			"format", e.normalizer.Name(),
			"fast_threshold", cfg.Detection.FastScanPortThreshold,
			"fast_window", cfg.Detection.FastScanWindowDuration.String(),
			"slow_threshold", cfg.Detection.SlowScanPortThreshold,
			"slow_window", cfg.Detection.SlowScanWindowDuration.String(),
		)
	}
}

func (e *Engine) worker(ctx context.Context, in <-chan model.Record) {
	defer e.wg.Done()
	for {
		select {
		case rec, ok := <-in:
			if !ok {
				return
			}
			e.ProcessRecord(rec)
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) Wait() {
	e.wg.Wait()
}

// ProcessRecord normalizes one raw line and runs detection on the result.
func (e *Engine) ProcessRecord(rec model.Record) []model.AlertEvent {
	start := time.Now()
	defer func() { e.metrics.ObserveProcessing(time.Since(start).Seconds()) }()
	e.stats.records.Add(1)

	receivedAt := rec.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = e.now()
	}
	ev, ok := e.normalizer.Parse(rec.Line, receivedAt)
	if !ok {
		e.stats.malformed.Add(1)
		e.metrics.RecordProcessed(metrics.ResultMalformed)
		if e.logger != nil {
			e.logger.Debug("record skipped", "source", rec.Source, "format", e.normalizer.Name())
		}
		return nil
	}
	return e.ProcessEvent(ev)
}

// ProcessEvent feeds a canonical event to the window store and returns the
// alerts it caused. Only dropped traffic is counted.
func (e *Engine) ProcessEvent(ev model.CanonicalEvent) []model.AlertEvent {
	switch ev.Action {
	case model.ActionDropped:
	case model.ActionAllowed:
		e.stats.allowed.Add(1)
		e.metrics.RecordProcessed(metrics.ResultAllowed)
		return nil
	default:
		e.stats.other.Add(1)
		e.metrics.RecordProcessed(metrics.ResultOther)
		return nil
	}
	if !ev.SourceAddr.IsValid() || ev.DestPort == 0 {
		e.stats.malformed.Add(1)
		e.metrics.RecordProcessed(metrics.ResultMalformed)
		return nil
	}
	if e.filter.Load().Ignored(ev.SourceAddr) {
		e.stats.ignored.Add(1)
		e.metrics.RecordProcessed(metrics.ResultIgnored)
		return nil
	}
	e.stats.events.Add(1)
	e.metrics.RecordProcessed(metrics.ResultEvent)

	d := e.config().Detection
	src := ev.SourceAddr.Unmap()
	var out []model.AlertEvent
	e.store.Update(src, e.now().UTC(), func(st *SourceState, at time.Time) {
		c := st.observe(ev.DestPort, at)
		if c.Fast > d.FastScanPortThreshold && st.tryAlert(model.AlertFastScan, at) {
			out = append(out, newAlert(model.AlertFastScan, src, c.Fast, st.win.Fast, d.FastScanPortThreshold, at))
		}
		if c.Slow > d.SlowScanPortThreshold && st.tryAlert(model.AlertSlowScan, at) {
			out = append(out, newAlert(model.AlertSlowScan, src, c.Slow, st.win.Slow, d.SlowScanPortThreshold, at))
		}
	})
	for _, alert := range out {
		e.emit(alert)
	}
	return out
}

func newAlert(kind model.AlertKind, src netip.Addr, ports int, window time.Duration, threshold int, at time.Time) model.AlertEvent {
	return model.AlertEvent{
		ID:            uuid.NewString(),
		Kind:          kind,
		SourceAddr:    src,
		DistinctPorts: ports,
		Window:        window,
		Threshold:     threshold,
		Timestamp:     at,
	}
}

func (e *Engine) emit(alert model.AlertEvent) {
	switch alert.Kind {
	case model.AlertFastScan:
		e.stats.fast.Add(1)
	case model.AlertSlowScan:
		e.stats.slow.Add(1)
	}
	e.metrics.AlertEmitted(string(alert.Kind))
	if e.logger != nil {
		e.logger.Info("scan alert",
			"id", alert.ID,
			"kind", alert.Kind,
			"src", alert.SourceAddr.String(),
			"ports", alert.DistinctPorts,
			"window", alert.Window.String(),
			"threshold", alert.Threshold,
		)
	}
	if e.publisher != nil {
		e.publisher.Publish(alert)
	}
}

// Reset forgets every tracked source, including debounce state.
func (e *Engine) Reset() {
	e.store.Reset()
	e.metrics.SetTrackedSources(0)
}

func (e *Engine) Sources() []SourceSnapshot {
	return e.store.Snapshot(e.now().UTC())
}

func (e *Engine) Source(addr netip.Addr) (SourceSnapshot, bool) {
	return e.store.Get(addr.Unmap(), e.now().UTC())
}

func (e *Engine) Stats() Stats {
	return Stats{
		Started:        e.started,
		Format:         e.normalizer.Name(),
		Records:        e.stats.records.Load(),
		Events:         e.stats.events.Load(),
		Allowed:        e.stats.allowed.Load(),
		Other:          e.stats.other.Load(),
		Ignored:        e.stats.ignored.Load(),
		Malformed:      e.stats.malformed.Load(),
		FastAlerts:     e.stats.fast.Load(),
		SlowAlerts:     e.stats.slow.Load(),
		TrackedSources: e.store.Len(),
	}
}
