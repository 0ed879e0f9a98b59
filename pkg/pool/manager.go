package pool

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/loupe-obs/loupe/pkg/events"
)

// ManagerConfig bounds aggregate resource usage across the engine.
type ManagerConfig struct {
	MaxMemoryMB            float64
	MemoryPressureRatio    float64 // fraction of MaxMemoryMB that triggers a pressure event
	MaxStreamSubscriptions int64
	PressureCheckInterval  time.Duration
}

// Validate fills defaults.
func (c *ManagerConfig) Validate() error {
	if c.MaxMemoryMB <= 0 {
		c.MaxMemoryMB = 512
	}
	if c.MemoryPressureRatio <= 0 || c.MemoryPressureRatio > 1 {
		c.MemoryPressureRatio = 0.8
	}
	if c.MaxStreamSubscriptions <= 0 {
		c.MaxStreamSubscriptions = 1000
	}
	if c.PressureCheckInterval <= 0 {
		c.PressureCheckInterval = 10 * time.Second
	}
	return nil
}

// Usage is an aggregate snapshot across all managed resources.
type Usage struct {
	MemoryMB            float64 `json:"memory_mb"`
	Connections         int     `json:"connections"`
	ActiveQueries       int64   `json:"active_queries"`
	StreamSubscriptions int64   `json:"stream_subscriptions"`
}

// Manager owns the named connection pools and global resource accounting.
// Memory pressure events it publishes are advisory: subscribers (cache,
// planner) shed load themselves.
type Manager[C any] struct {
	cfg    ManagerConfig
	logger *slog.Logger
	bus    *events.Bus
	clock  clockwork.Clock

	mu    sync.RWMutex
	pools map[string]*Pool[C]

	activeQueries atomic.Int64
	streamSubs    atomic.Int64

	stop     chan struct{}
	stopOnce sync.Once
}

// NewManager creates a resource manager and starts its pressure monitor.
func NewManager[C any](cfg ManagerConfig, bus *events.Bus, clock clockwork.Clock, logger *slog.Logger) (*Manager[C], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	m := &Manager[C]{
		cfg:    cfg,
		logger: logger,
		bus:    bus,
		clock:  clock,
		pools:  make(map[string]*Pool[C]),
		stop:   make(chan struct{}),
	}
	go m.pressureLoop()
	return m, nil
}

// CreatePool registers a named pool, warming it to its minimum size.
func (m *Manager[C]) CreatePool(ctx context.Context, name string, factory Factory[C], cfg Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pools[name]; exists {
		return fmt.Errorf("pool %q already exists", name)
	}

	p, err := New(ctx, name, factory, cfg, m.clock, m.logger)
	if err != nil {
		return err
	}
	m.pools[name] = p
	return nil
}

// Acquire gets a connection from a named pool.
func (m *Manager[C]) Acquire(ctx context.Context, poolName string, priority Priority) (*Conn[C], error) {
	m.mu.RLock()
	p, ok := m.pools[poolName]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPool, poolName)
	}
	return p.Acquire(ctx, priority)
}

// PoolStats returns a snapshot for one pool.
func (m *Manager[C]) PoolStats(poolName string) (Stats, error) {
	m.mu.RLock()
	p, ok := m.pools[poolName]
	m.mu.RUnlock()
	if !ok {
		return Stats{}, fmt.Errorf("%w: %q", ErrUnknownPool, poolName)
	}
	return p.Stats(), nil
}

// Usage reports aggregate resource usage.
func (m *Manager[C]) Usage() Usage {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	m.mu.RLock()
	conns := 0
	for _, p := range m.pools {
		s := p.Stats()
		conns += s.Idle + s.Active
	}
	m.mu.RUnlock()

	return Usage{
		MemoryMB:            float64(ms.HeapAlloc) / (1024 * 1024),
		Connections:         conns,
		ActiveQueries:       m.activeQueries.Load(),
		StreamSubscriptions: m.streamSubs.Load(),
	}
}

// QueryStarted / QueryFinished track in-flight query counts.
func (m *Manager[C]) QueryStarted()  { m.activeQueries.Add(1) }
func (m *Manager[C]) QueryFinished() { m.activeQueries.Add(-1) }

// ReserveSubscription claims a stream subscription slot, failing once the
// configured cap is reached.
func (m *Manager[C]) ReserveSubscription() error {
	if m.streamSubs.Add(1) > m.cfg.MaxStreamSubscriptions {
		m.streamSubs.Add(-1)
		return ErrSubscriptionLimit
	}
	return nil
}

// ReleaseSubscription frees a slot claimed by ReserveSubscription.
func (m *Manager[C]) ReleaseSubscription() {
	m.streamSubs.Add(-1)
}

// pressureLoop periodically samples memory usage and publishes a pressure
// event when it crosses the configured fraction of the budget.
func (m *Manager[C]) pressureLoop() {
	ticker := m.clock.NewTicker(m.cfg.PressureCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.Chan():
			m.checkPressure()
		}
	}
}

func (m *Manager[C]) checkPressure() {
	usage := m.Usage()
	ratio := usage.MemoryMB / m.cfg.MaxMemoryMB
	if ratio < m.cfg.MemoryPressureRatio {
		return
	}

	m.logger.Warn("memory pressure",
		"used_mb", usage.MemoryMB,
		"max_mb", m.cfg.MaxMemoryMB,
		"ratio", ratio,
	)
	if m.bus != nil {
		m.bus.Publish(events.Event{
			Topic: events.TopicMemoryPressure,
			Pressure: &events.PressurePayload{
				UsedMB:     usage.MemoryMB,
				MaxMB:      m.cfg.MaxMemoryMB,
				UsageRatio: ratio,
			},
		})
	}
}

// Shutdown drains every pool. Each pool gets the remaining ctx budget as
// its grace period.
func (m *Manager[C]) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stop) })

	m.mu.Lock()
	pools := make([]*Pool[C], 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()

	var firstErr error
	for _, p := range pools {
		if err := p.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
