package stream

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/loupe-obs/loupe/pkg/logs"
	"github.com/loupe-obs/loupe/pkg/query"
	"github.com/loupe-obs/loupe/pkg/storage"
)

// Quality controls flush aggressiveness. The batching contract is the
// same for all levels; only the effective interval changes.
type Quality string

const (
	QualityRealtime     Quality = "realtime"
	QualityNearRealtime Quality = "near-realtime"
	QualityBatch        Quality = "batch"
)

// Options configure one subscription's batching.
type Options struct {
	BatchSize     int
	BatchInterval time.Duration
	Quality       Quality
}

// Validate fills defaults.
func (o *Options) Validate() error {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.BatchInterval <= 0 {
		o.BatchInterval = time.Second
	}
	if o.Quality == "" {
		o.Quality = QualityNearRealtime
	}
	return nil
}

// effectiveInterval applies the quality preset to the base interval.
func (o *Options) effectiveInterval() time.Duration {
	switch o.Quality {
	case QualityRealtime:
		return o.BatchInterval / 4
	case QualityBatch:
		return o.BatchInterval * 4
	default:
		return o.BatchInterval
	}
}

// Limiter caps concurrent subscriptions; satisfied by pool.Manager.
type Limiter interface {
	ReserveSubscription() error
	ReleaseSubscription()
}

// Subscription receives batches of matching newly-ingested entries on C.
// The channel is closed on unsubscribe or manager shutdown.
type Subscription struct {
	ID string
	C  <-chan []*logs.Entry

	query *query.Query
	opts  Options
	ch    chan []*logs.Entry

	mu  sync.Mutex
	buf []*logs.Entry

	kick     chan struct{} // size-triggered flush requests
	arm      chan struct{} // interval debounce, armed by the first buffered entry
	stop     chan struct{}
	stopOnce sync.Once
}

// Manager tracks live subscriptions and delivers batched log events.
type Manager struct {
	logger  *slog.Logger
	clock   clockwork.Clock
	limiter Limiter

	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewManager creates a stream manager.
func NewManager(limiter Limiter, clock clockwork.Clock, logger *slog.Logger) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{
		logger:  logger,
		clock:   clock,
		limiter: limiter,
		subs:    make(map[string]*Subscription),
	}
}

// Subscribe registers a live query. Fails immediately when the resource
// manager's subscription cap is reached.
func (m *Manager) Subscribe(q *query.Query, opts Options) (*Subscription, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if m.limiter != nil {
		if err := m.limiter.ReserveSubscription(); err != nil {
			return nil, err
		}
	}

	ch := make(chan []*logs.Entry, 16)
	sub := &Subscription{
		ID:    uuid.NewString(),
		C:     ch,
		query: q,
		opts:  opts,
		ch:    ch,
		kick:  make(chan struct{}, 1),
		arm:   make(chan struct{}, 1),
		stop:  make(chan struct{}),
	}

	m.mu.Lock()
	m.subs[sub.ID] = sub
	m.mu.Unlock()

	go m.flushLoop(sub)

	m.logger.Debug("subscription created", "id", sub.ID, "quality", opts.Quality)
	return sub, nil
}

// Unsubscribe removes a subscription and closes its channel.
func (m *Manager) Unsubscribe(id string) {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if ok {
		delete(m.subs, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	// The flush loop owns the delivery channel and closes it on exit.
	sub.stopOnce.Do(func() { close(sub.stop) })
	if m.limiter != nil {
		m.limiter.ReleaseSubscription()
	}
}

// Count returns the number of live subscriptions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

// Publish offers newly-ingested entries to every subscription. Entries
// matching a subscription's filters are buffered and flushed when the
// batch fills or one effective interval after the first entry was
// buffered, whichever comes first.
func (m *Manager) Publish(entries []*logs.Entry) {
	m.mu.RLock()
	subs := make([]*Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.RUnlock()

	for _, sub := range subs {
		var matched []*logs.Entry
		for _, e := range entries {
			if matchesLive(e, sub.query) {
				matched = append(matched, e)
			}
		}
		if len(matched) == 0 {
			continue
		}

		sub.mu.Lock()
		wasEmpty := len(sub.buf) == 0
		sub.buf = append(sub.buf, matched...)
		full := len(sub.buf) >= sub.opts.BatchSize
		sub.mu.Unlock()

		if full {
			select {
			case sub.kick <- struct{}{}:
			default:
			}
		} else if wasEmpty {
			select {
			case sub.arm <- struct{}{}:
			default:
			}
		}
	}
}

// Shutdown closes every subscription.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Unsubscribe(id)
	}
}

// matchesLive applies only the query's filters: a live subscription has
// no meaningful time range.
func matchesLive(e *logs.Entry, q *query.Query) bool {
	if q == nil {
		return true
	}
	for _, f := range q.Filters {
		if !storage.MatchFilter(e, f) {
			return false
		}
	}
	return true
}

// flushLoop is the only goroutine that sends on the delivery channel. It
// drains the buffer when the batch fills (kick) or when the debounce
// timer fires, one effective interval after the first entry was
// buffered; the next buffered entry after a flush re-arms the timer. The
// channel is closed on exit.
func (m *Manager) flushLoop(sub *Subscription) {
	defer close(sub.ch)

	interval := sub.opts.effectiveInterval()
	var timer clockwork.Timer
	var timerC <-chan time.Time // nil until the first entry arms it

	disarm := func() {
		if timer != nil && !timer.Stop() {
			select {
			case <-timerC:
			default:
			}
		}
	}
	defer disarm()

	for {
		select {
		case <-sub.stop:
			return
		case <-sub.arm:
			if timer == nil {
				timer = m.clock.NewTimer(interval)
				timerC = timer.Chan()
			} else {
				disarm()
				timer.Reset(interval)
			}
		case <-sub.kick:
			m.flush(sub)
			disarm()
		case <-timerC:
			m.flush(sub)
		}
	}
}

func (m *Manager) flush(sub *Subscription) {
	sub.mu.Lock()
	if len(sub.buf) == 0 {
		sub.mu.Unlock()
		return
	}
	batch := sub.buf
	sub.buf = nil
	sub.mu.Unlock()

	select {
	case sub.ch <- batch:
	default:
		// Subscriber not keeping up; drop the batch rather than block
		// ingestion.
		m.logger.Warn("subscription batch dropped", "id", sub.ID, "size", len(batch))
	}
}
