// Package engine wires the ingestion pipeline, tiered storage pools,
// query path, alerting and streaming into one backend facade.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/loupe-obs/loupe/pkg/alerts"
	"github.com/loupe-obs/loupe/pkg/breaker"
	"github.com/loupe-obs/loupe/pkg/cache"
	"github.com/loupe-obs/loupe/pkg/events"
	"github.com/loupe-obs/loupe/pkg/logs"
	"github.com/loupe-obs/loupe/pkg/pipeline"
	"github.com/loupe-obs/loupe/pkg/pool"
	"github.com/loupe-obs/loupe/pkg/query"
	"github.com/loupe-obs/loupe/pkg/storage"
	"github.com/loupe-obs/loupe/pkg/stream"
	"github.com/prometheus/client_golang/prometheus"
)

// Config aggregates the tunables of every engine component.
type Config struct {
	Pool      pool.Config
	Resources pool.ManagerConfig
	Cache     cache.Config
	Alerts    alerts.Config
	Pipeline  pipeline.Config
	Breaker   breaker.Config
	Retry     breaker.RetryPolicy

	HealthInterval   time.Duration // degraded-state monitor cadence
	DegradedRecovery time.Duration // how long after a pressure event load shedding stays on
}

// Validate fills defaults across all component configs.
func (c *Config) Validate() error {
	for _, v := range []interface{ Validate() error }{
		&c.Pool, &c.Resources, &c.Cache, &c.Alerts, &c.Pipeline, &c.Breaker, &c.Retry,
	} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 15 * time.Second
	}
	if c.DegradedRecovery <= 0 {
		c.DegradedRecovery = 30 * time.Second
	}
	return nil
}

// Options carry the engine's external collaborators.
type Options struct {
	// Backends maps every tier to its storage. All three tiers are required.
	Backends map[storage.Tier]storage.Backend

	// Enricher is the ML scoring service; nil disables enrichment.
	Enricher pipeline.Enricher

	// Notifiers override alert transports per action type. Types without an
	// override fall back to log-only delivery.
	Notifiers map[alerts.ActionType]alerts.Notifier

	Registry prometheus.Registerer
	Clock    clockwork.Clock
	Logger   *slog.Logger
}

// Engine is the log-intelligence backend: ingest, query, alert, stream.
type Engine struct {
	cfg    Config
	logger *slog.Logger
	clock  clockwork.Clock

	bus      *events.Bus
	manager  *pool.Manager[storage.Backend]
	backends map[storage.Tier]storage.Backend
	breakers map[string]*breaker.Breaker

	cache    *cache.Cache
	planner  *query.Planner
	executor *query.Executor
	alerts   *alerts.Engine
	streams  *stream.Manager
	pipeline *pipeline.Pipeline
	metrics  *Metrics

	cancelPressure func()

	stop     chan struct{}
	stopOnce sync.Once
}

// New builds and starts an engine. The passed context bounds pool warmup.
func New(ctx context.Context, cfg Config, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, tier := range []storage.Tier{storage.TierHot, storage.TierWarm, storage.TierCold} {
		if opts.Backends[tier] == nil {
			return nil, fmt.Errorf("engine: no backend for tier %q", tier)
		}
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	e := &Engine{
		cfg:      cfg,
		logger:   opts.Logger,
		clock:    opts.Clock,
		backends: opts.Backends,
		breakers: make(map[string]*breaker.Breaker),
		stop:     make(chan struct{}),
	}
	e.bus = events.NewBus(e.logger)

	var err error
	e.manager, err = pool.NewManager[storage.Backend](cfg.Resources, e.bus, e.clock, e.logger)
	if err != nil {
		return nil, err
	}
	for tier, backend := range opts.Backends {
		name := string(tier)
		if err := e.manager.CreatePool(ctx, name, &backendFactory{backend: backend}, cfg.Pool); err != nil {
			return nil, err
		}
		if e.breakers[name], err = breaker.New(name, cfg.Breaker, e.clock, e.logger); err != nil {
			return nil, err
		}
	}

	if e.cache, err = cache.New(cfg.Cache, e.clock, e.logger); err != nil {
		return nil, err
	}
	e.planner = query.NewPlanner(e.clock, e.logger)
	e.executor = query.NewExecutor(e.manager, e.logger)

	if e.alerts, err = alerts.NewEngine(cfg.Alerts, e.Query, e.notifiers(opts.Notifiers), e.bus, e.clock, e.logger); err != nil {
		return nil, err
	}
	e.streams = stream.NewManager(e.manager, e.clock, e.logger)

	enricher := opts.Enricher
	if enricher != nil {
		guard, err := breaker.New("enrichment", cfg.Breaker, e.clock, e.logger)
		if err != nil {
			return nil, err
		}
		e.breakers["enrichment"] = guard
		enricher = &guardedEnricher{inner: opts.Enricher, guard: guard}
	}
	if e.pipeline, err = pipeline.New(cfg.Pipeline, e, enricher, e.alerts, e.streams, e.bus, e.clock, e.logger); err != nil {
		return nil, err
	}

	e.metrics = newMetrics(opts.Registry, e)

	pressureCh, cancel := e.bus.Subscribe(events.TopicMemoryPressure)
	e.cancelPressure = cancel
	go e.pressureWatch(pressureCh)
	go e.healthLoop()

	return e, nil
}

// notifiers fills a full transport map, defaulting to log-only delivery.
func (e *Engine) notifiers(overrides map[alerts.ActionType]alerts.Notifier) map[alerts.ActionType]alerts.Notifier {
	out := map[alerts.ActionType]alerts.Notifier{
		alerts.ActionEmail:     alerts.NewLogNotifier(e.logger),
		alerts.ActionSlack:     alerts.NewLogNotifier(e.logger),
		alerts.ActionWebhook:   alerts.NewWebhookNotifier(e.cfg.Alerts.ActionTimeout),
		alerts.ActionPagerDuty: alerts.NewLogNotifier(e.logger),
	}
	for t, n := range overrides {
		out[t] = n
	}
	return out
}

// Bus exposes the event bus for outer surfaces (websocket fan-out).
func (e *Engine) Bus() *events.Bus { return e.bus }

// Ingest runs one entry through the pipeline.
func (e *Engine) Ingest(ctx context.Context, entry *logs.Entry) error {
	if err := e.pipeline.ProcessLog(ctx, entry); err != nil {
		e.metrics.IngestErrors.Inc()
		return err
	}
	return nil
}

// IngestBatch runs a batch through the pipeline.
func (e *Engine) IngestBatch(ctx context.Context, entries []*logs.Entry) error {
	if err := e.pipeline.ProcessBatch(ctx, entries); err != nil {
		e.metrics.IngestErrors.Inc()
		return err
	}
	return nil
}

// WriteTier persists entries to one tier through the tier's pool, guarded
// by its breaker and retried with backoff on transient failures.
func (e *Engine) WriteTier(ctx context.Context, tier storage.Tier, entries []*logs.Entry) error {
	name := string(tier)
	err := e.breakers[name].ExecuteWithRetry(ctx, func(ctx context.Context) error {
		conn, err := e.manager.Acquire(ctx, name, pool.PriorityNormal)
		if err != nil {
			return err
		}
		defer conn.Release()
		if err := conn.Value().StoreBatch(ctx, entries); err != nil {
			return &storage.StorageError{Tier: tier, Op: "store_batch", Err: err}
		}
		return nil
	}, 0, e.cfg.Retry)
	if err != nil {
		return err
	}
	e.metrics.IngestedTotal.WithLabelValues(name).Add(float64(len(entries)))
	return nil
}

// Query answers a query, consulting the result cache first unless the
// bypass strategy is set. Cache hits are returned with the stored result's
// performance record flagged, not re-executed.
func (e *Engine) Query(ctx context.Context, q *query.Query) (*query.Result, error) {
	start := time.Now()
	defer func() {
		e.metrics.QueryDuration.Observe(time.Since(start).Seconds())
	}()

	strategy := q.Hints.CacheStrategy
	if strategy != query.CacheBypass {
		if cached := e.cache.Get(q); cached != nil {
			out := *cached
			out.Performance.CacheHit = true
			e.metrics.QueriesTotal.WithLabelValues("hit").Inc()
			return &out, nil
		}
	}

	plan, err := e.planner.Plan(q)
	if err != nil {
		return nil, err
	}

	var res *query.Result
	err = e.breakers[string(plan.PreferredStorage)].Execute(ctx, func(ctx context.Context) error {
		r, execErr := e.executor.Execute(ctx, plan)
		if execErr != nil {
			return execErr
		}
		res = r
		return nil
	}, q.Hints.Timeout)
	if err != nil {
		e.metrics.QueriesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	e.metrics.QueriesTotal.WithLabelValues("miss").Inc()

	if ttl, ok := e.cache.TTLFor(strategy); ok {
		e.cache.Set(q, res, ttl)
	}
	return res, nil
}

// Plan exposes the planner for explain-style inspection without executing.
func (e *Engine) Plan(q *query.Query) (*query.Plan, error) {
	return e.planner.Plan(q)
}

// Alert rule management, delegated to the alert engine.

func (e *Engine) CreateAlert(rule *alerts.Rule) (*alerts.Rule, error) { return e.alerts.Create(rule) }
func (e *Engine) UpdateAlert(rule *alerts.Rule) (*alerts.Rule, error) { return e.alerts.Update(rule) }
func (e *Engine) DeleteAlert(id string) error                         { return e.alerts.Delete(id) }
func (e *Engine) GetAlert(id string) (*alerts.Rule, bool)             { return e.alerts.Get(id) }
func (e *Engine) ListAlerts() []*alerts.Rule                          { return e.alerts.List() }

// Subscribe opens a live streaming subscription for a query.
func (e *Engine) Subscribe(q *query.Query, opts stream.Options) (*stream.Subscription, error) {
	return e.streams.Subscribe(q, opts)
}

// Unsubscribe closes a streaming subscription.
func (e *Engine) Unsubscribe(id string) { e.streams.Unsubscribe(id) }

// CacheStats reports query-cache effectiveness.
func (e *Engine) CacheStats() cache.Stats { return e.cache.Stats() }

// InvalidateCache drops cached results matching the pattern (all when empty).
func (e *Engine) InvalidateCache(pattern string) error { return e.cache.Invalidate(pattern) }

// Usage reports aggregate resource usage.
func (e *Engine) Usage() pool.Usage { return e.manager.Usage() }

// pressureWatch reacts to memory-pressure events: the query cache is
// dropped and the pipeline sheds enrichment load until pressure has been
// absent for the recovery window.
func (e *Engine) pressureWatch(ch <-chan events.Event) {
	timer := e.clock.NewTimer(e.cfg.DegradedRecovery)
	defer timer.Stop()

	for {
		select {
		case <-e.stop:
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			e.logger.Warn("memory pressure: clearing cache and shedding enrichment")
			e.cache.Clear()
			e.pipeline.SetDegraded(true)
			timer.Reset(e.cfg.DegradedRecovery)
		case <-timer.Chan():
			e.pipeline.SetDegraded(false)
		}
	}
}

// Shutdown stops components in dependency order: no new ingests, streams
// closed, alert ticks stopped, then pools drained within ctx and backends
// closed.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stopOnce.Do(func() { close(e.stop) })
	e.cancelPressure()

	e.pipeline.Stop()
	e.streams.Shutdown()
	e.alerts.Stop()
	e.cache.Stop()

	err := e.manager.Shutdown(ctx)
	for tier, backend := range e.backends {
		if cerr := backend.Close(); cerr != nil {
			e.logger.Error("backend close failed", "tier", tier, "err", cerr)
			if err == nil {
				err = cerr
			}
		}
	}
	e.bus.Close()
	return err
}

// backendFactory adapts a shared backend into pooled sessions. The pool
// bounds concurrent access; the engine owns the backend's lifecycle, so
// Destroy is a no-op.
type backendFactory struct {
	backend storage.Backend
}

func (f *backendFactory) Create(ctx context.Context) (storage.Backend, error) {
	return f.backend, nil
}

func (f *backendFactory) Validate(storage.Backend) bool { return true }

func (f *backendFactory) Destroy(storage.Backend) error { return nil }

// guardedEnricher runs ML calls under the enrichment breaker so a flapping
// scoring service fails fast instead of stalling every ingest.
type guardedEnricher struct {
	inner pipeline.Enricher
	guard *breaker.Breaker
}

func (g *guardedEnricher) EnrichLog(ctx context.Context, entry *logs.Entry) (*logs.Enrichment, error) {
	var out *logs.Enrichment
	err := g.guard.Execute(ctx, func(ctx context.Context) error {
		ml, err := g.inner.EnrichLog(ctx, entry)
		if err != nil {
			return err
		}
		out = ml
		return nil
	}, 0)
	return out, err
}

func (g *guardedEnricher) DetectBatchAnomalies(ctx context.Context, entries []*logs.Entry) (map[string]float64, error) {
	var out map[string]float64
	err := g.guard.Execute(ctx, func(ctx context.Context) error {
		scores, err := g.inner.DetectBatchAnomalies(ctx, entries)
		if err != nil {
			return err
		}
		out = scores
		return nil
	}, 0)
	return out, err
}
