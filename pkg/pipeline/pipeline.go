package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"
	"github.com/loupe-obs/loupe/pkg/alerts"
	"github.com/loupe-obs/loupe/pkg/events"
	"github.com/loupe-obs/loupe/pkg/logs"
	"github.com/loupe-obs/loupe/pkg/storage"
	"github.com/loupe-obs/loupe/pkg/stream"
)

// Enricher is the external ML scoring service. The pipeline only assumes
// scores in [0,1]; the algorithm behind them is pluggable.
type Enricher interface {
	EnrichLog(ctx context.Context, entry *logs.Entry) (*logs.Enrichment, error)
	DetectBatchAnomalies(ctx context.Context, entries []*logs.Entry) (map[string]float64, error)
}

// TierWriter persists entries to one tier. Implemented by the engine on
// top of pooled, breaker-guarded backend connections.
type TierWriter interface {
	WriteTier(ctx context.Context, tier storage.Tier, entries []*logs.Entry) error
}

// EnrichmentError reports a failed ML call. Non-fatal: the pipeline
// substitutes the default enrichment and continues.
type EnrichmentError struct {
	EntryID string
	Err     error
}

func (e *EnrichmentError) Error() string {
	return fmt.Sprintf("enrich entry %s: %v", e.EntryID, e.Err)
}

func (e *EnrichmentError) Unwrap() error { return e.Err }

// IsEnrichmentError reports whether err is an EnrichmentError.
func IsEnrichmentError(err error) bool {
	var ee *EnrichmentError
	return errors.As(err, &ee)
}

// Config tunes the ingestion pipeline.
type Config struct {
	EnrichConcurrency int           // ML-service concurrency limit for batches
	EnrichTimeout     time.Duration // per enrichment call
	StoreTimeout      time.Duration // per tier write
}

// Validate fills defaults.
func (c *Config) Validate() error {
	if c.EnrichConcurrency <= 0 {
		c.EnrichConcurrency = 8
	}
	if c.EnrichTimeout <= 0 {
		c.EnrichTimeout = 2 * time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 10 * time.Second
	}
	return nil
}

// Pipeline orchestrates ingestion: validate, enrich, assign tier, store,
// check alerts, publish.
type Pipeline struct {
	cfg      Config
	logger   *slog.Logger
	clock    clockwork.Clock
	enricher Enricher
	writer   TierWriter
	alerts   *alerts.Engine
	streams  *stream.Manager
	bus      *events.Bus

	workers  pond.Pool
	stopOnce sync.Once

	// degraded skips ML enrichment under memory pressure.
	degraded atomic.Bool
}

// New creates a pipeline. The enricher may be nil, in which case every
// entry gets the default enrichment.
func New(cfg Config, writer TierWriter, enricher Enricher, alertEngine *alerts.Engine, streams *stream.Manager, bus *events.Bus, clock clockwork.Clock, logger *slog.Logger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if writer == nil {
		return nil, errors.New("pipeline: tier writer is required")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Pipeline{
		cfg:      cfg,
		logger:   logger,
		clock:    clock,
		enricher: enricher,
		writer:   writer,
		alerts:   alertEngine,
		streams:  streams,
		bus:      bus,
		workers:  pond.NewPool(cfg.EnrichConcurrency),
	}, nil
}

// SetDegraded toggles load shedding: while degraded, enrichment is
// skipped and entries carry the default scores.
func (p *Pipeline) SetDegraded(on bool) {
	p.degraded.Store(on)
}

// Stop releases the enrichment worker pool.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(p.workers.StopAndWait)
}

// ProcessLog ingests a single entry.
func (p *Pipeline) ProcessLog(ctx context.Context, entry *logs.Entry) error {
	if err := logs.Validate(entry); err != nil {
		return err
	}

	p.enrich(ctx, entry)
	tier := p.assignTier(entry)

	storeCtx, cancel := context.WithTimeout(ctx, p.cfg.StoreTimeout)
	defer cancel()
	if err := p.writer.WriteTier(storeCtx, tier, []*logs.Entry{entry}); err != nil {
		return err
	}

	if p.alerts != nil {
		p.alerts.CheckLog(ctx, entry)
	}
	p.publish([]*logs.Entry{entry}, []string{string(tier)})
	return nil
}

// ProcessBatch ingests a batch: every entry is validated up front,
// enrichment runs in parallel bounded by the ML concurrency limit, and
// writes are grouped by tier and issued sequentially per tier in input
// order. Any storage failure aborts the whole batch.
func (p *Pipeline) ProcessBatch(ctx context.Context, entries []*logs.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	for _, e := range entries {
		if err := logs.Validate(e); err != nil {
			return err
		}
	}

	group := p.workers.NewGroup()
	for _, e := range entries {
		entry := e
		group.Submit(func() {
			p.enrich(ctx, entry)
		})
	}
	group.Wait()

	// Group by tier, preserving input order within each group.
	groups := make(map[storage.Tier][]*logs.Entry)
	var tiers []string
	for _, e := range entries {
		tier := p.assignTier(e)
		if _, seen := groups[tier]; !seen {
			tiers = append(tiers, string(tier))
		}
		groups[tier] = append(groups[tier], e)
	}

	for tier, group := range groups {
		storeCtx, cancel := context.WithTimeout(ctx, p.cfg.StoreTimeout)
		err := p.writer.WriteTier(storeCtx, tier, group)
		cancel()
		if err != nil {
			return fmt.Errorf("batch aborted: %w", err)
		}
	}

	if p.alerts != nil {
		p.alerts.CheckBatch(ctx, entries)
	}
	p.publish(entries, tiers)
	return nil
}

// enrich sets entry.ML exactly once. Failures are logged and replaced by
// the default enrichment; they never fail the ingest.
func (p *Pipeline) enrich(ctx context.Context, entry *logs.Entry) {
	if entry.ML != nil {
		return
	}
	if p.enricher == nil || p.degraded.Load() {
		entry.ML = logs.DefaultEnrichment()
		return
	}

	enrichCtx, cancel := context.WithTimeout(ctx, p.cfg.EnrichTimeout)
	defer cancel()

	ml, err := p.enricher.EnrichLog(enrichCtx, entry)
	if err != nil {
		p.logger.Warn("enrichment failed, using defaults",
			"err", &EnrichmentError{EntryID: entry.ID, Err: err})
		entry.ML = logs.DefaultEnrichment()
		return
	}
	entry.ML = ml
}

// assignTier routes the entry by age and stamps it.
func (p *Pipeline) assignTier(entry *logs.Entry) storage.Tier {
	tier := storage.TierFor(entry.Age(p.clock.Now()))
	entry.StorageTier = string(tier)
	return tier
}

func (p *Pipeline) publish(entries []*logs.Entry, tiers []string) {
	if p.streams != nil {
		p.streams.Publish(entries)
	}
	if p.bus != nil {
		p.bus.Publish(events.Event{
			Topic:  events.TopicLogStored,
			Stored: &events.StoredPayload{Entries: entries, Tiers: tiers},
		})
	}
}
