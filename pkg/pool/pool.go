package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Factory creates, validates and destroys connections for one backend.
type Factory[C any] interface {
	Create(ctx context.Context) (C, error)
	Validate(conn C) bool
	Destroy(conn C) error
}

// Config holds pool sizing and lifetime settings.
type Config struct {
	MinSize        int
	MaxSize        int
	ConnectTimeout time.Duration // max wait in Acquire
	IdleTimeout    time.Duration // idle connections above MinSize are reaped after this
	MaxLifetime    time.Duration // connections are recycled after this, 0 = never
}

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	if c.MaxSize <= 0 {
		c.MaxSize = 10
	}
	if c.MinSize < 0 || c.MinSize > c.MaxSize {
		return fmt.Errorf("pool: min size %d out of range [0,%d]", c.MinSize, c.MaxSize)
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	return nil
}

// Conn is a pooled connection handle. The holder must call Release exactly
// once when done.
type Conn[C any] struct {
	value     C
	pool      *Pool[C]
	createdAt time.Time
	idleSince time.Time
}

// Value returns the underlying connection.
func (c *Conn[C]) Value() C { return c.value }

// Release returns the connection to its pool. If a caller is waiting, the
// connection is handed to the oldest highest-priority waiter directly,
// bypassing the idle set.
func (c *Conn[C]) Release() { c.pool.release(c) }

// Stats is a point-in-time snapshot of pool state.
type Stats struct {
	Idle    int
	Active  int
	Waiting int
}

// Pool manages connections of one backend type: an idle stack (most
// recently released reused first), an active set, and a priority queue of
// waiters blocked on Acquire.
type Pool[C any] struct {
	name    string
	factory Factory[C]
	cfg     Config
	clock   clockwork.Clock
	logger  *slog.Logger

	mu       sync.Mutex
	idle     []*Conn[C]
	active   map[*Conn[C]]struct{}
	creating int
	waiters  waiterQueue[C]
	seq      uint64
	closed   bool

	stopReaper chan struct{}
}

// New creates a pool and eagerly opens MinSize connections.
func New[C any](ctx context.Context, name string, factory Factory[C], cfg Config, clock clockwork.Clock, logger *slog.Logger) (*Pool[C], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	p := &Pool[C]{
		name:       name,
		factory:    factory,
		cfg:        cfg,
		clock:      clock,
		logger:     logger.With("pool", name),
		active:     make(map[*Conn[C]]struct{}),
		stopReaper: make(chan struct{}),
	}

	for i := 0; i < cfg.MinSize; i++ {
		v, err := factory.Create(ctx)
		if err != nil {
			p.destroyIdle()
			return nil, fmt.Errorf("pool %s: warmup connection %d: %w", name, i, err)
		}
		now := clock.Now()
		p.idle = append(p.idle, &Conn[C]{value: v, pool: p, createdAt: now, idleSince: now})
	}

	go p.reapLoop()
	return p, nil
}

// Acquire returns a connection, waiting up to the configured connect
// timeout if the pool is at capacity. Priority only affects ordering among
// concurrent waiters.
func (p *Pool[C]) Acquire(ctx context.Context, priority Priority) (*Conn[C], error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	// Reuse the most recently released idle connection. Stale or invalid
	// ones are destroyed and the next candidate tried.
	var stale []*Conn[C]
	for len(p.idle) > 0 {
		c := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if p.expired(c) || !p.factory.Validate(c.value) {
			stale = append(stale, c)
			continue
		}
		p.active[c] = struct{}{}
		p.mu.Unlock()
		p.destroyAll(stale)
		return c, nil
	}

	// Room to grow: create a fresh connection outside the lock.
	if p.total() < p.cfg.MaxSize {
		p.creating++
		p.mu.Unlock()
		p.destroyAll(stale)
		return p.create(ctx)
	}

	// At capacity: enqueue and suspend.
	w := &waiter[C]{priority: priority, seq: p.seq, ch: make(chan *Conn[C], 1)}
	p.seq++
	p.waiters.push(w)
	p.mu.Unlock()
	p.destroyAll(stale)

	select {
	case c, ok := <-w.ch:
		if !ok {
			return nil, ErrPoolClosed
		}
		return c, nil
	case <-ctx.Done():
		return nil, p.abandonWait(w, fmt.Errorf("%w: %v", ErrAcquireTimeout, ctx.Err()))
	case <-p.clock.After(p.cfg.ConnectTimeout):
		return nil, p.abandonWait(w, ErrAcquireTimeout)
	}
}

// abandonWait removes a timed-out waiter. If a connection was handed over
// concurrently, it is returned to the pool instead of leaking.
func (p *Pool[C]) abandonWait(w *waiter[C], err error) error {
	p.mu.Lock()
	removed := p.waiters.remove(w)
	p.mu.Unlock()
	if !removed {
		if c, ok := <-w.ch; ok {
			c.Release()
		}
	}
	return err
}

func (p *Pool[C]) create(ctx context.Context) (*Conn[C], error) {
	createCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()

	v, err := p.factory.Create(createCtx)

	p.mu.Lock()
	p.creating--
	if err != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("pool %s: create connection: %w", p.name, err)
	}
	if p.closed {
		p.mu.Unlock()
		p.factory.Destroy(v)
		return nil, ErrPoolClosed
	}
	c := &Conn[C]{value: v, pool: p, createdAt: p.clock.Now()}
	p.active[c] = struct{}{}
	p.mu.Unlock()
	return c, nil
}

func (p *Pool[C]) release(c *Conn[C]) {
	p.mu.Lock()
	if _, ok := p.active[c]; !ok {
		// Double release; nothing sane to do.
		p.mu.Unlock()
		p.logger.Warn("release of connection not in active set")
		return
	}
	delete(p.active, c)

	if p.closed {
		p.mu.Unlock()
		p.destroy(c)
		return
	}

	// Hand off directly to the oldest highest-priority waiter to minimize
	// acquire latency.
	if w := p.waiters.pop(); w != nil {
		p.active[c] = struct{}{}
		p.mu.Unlock()
		w.ch <- c
		return
	}

	if p.expired(c) {
		p.mu.Unlock()
		p.destroy(c)
		return
	}

	c.idleSince = p.clock.Now()
	p.idle = append(p.idle, c)
	p.mu.Unlock()
}

// Stats returns a snapshot of pool state.
func (p *Pool[C]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Idle:    len(p.idle),
		Active:  len(p.active) + p.creating,
		Waiting: p.waiters.Len(),
	}
}

// Shutdown drains the pool: new acquires fail immediately, waiters are
// woken with ErrPoolClosed, idle connections are destroyed, and active
// ones get until ctx expires to be released before being force-destroyed.
func (p *Pool[C]) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stopReaper)

	for {
		w := p.waiters.pop()
		if w == nil {
			break
		}
		close(w.ch)
	}

	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	p.destroyAll(idle)

	ticker := p.clock.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		p.mu.Lock()
		remaining := len(p.active)
		p.mu.Unlock()
		if remaining == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			// Grace period over: force-destroy whatever is still out.
			p.mu.Lock()
			var leftover []*Conn[C]
			for c := range p.active {
				leftover = append(leftover, c)
				delete(p.active, c)
			}
			p.mu.Unlock()
			p.destroyAll(leftover)
			p.logger.Warn("force-destroyed active connections at shutdown", "count", len(leftover))
			return ctx.Err()
		case <-ticker.Chan():
		}
	}
}

// reapLoop recycles idle connections past their idle timeout, keeping the
// pool at or above MinSize.
func (p *Pool[C]) reapLoop() {
	ticker := p.clock.NewTicker(p.cfg.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopReaper:
			return
		case <-ticker.Chan():
			p.reap()
		}
	}
}

func (p *Pool[C]) reap() {
	now := p.clock.Now()

	p.mu.Lock()
	var dead []*Conn[C]
	kept := p.idle[:0]
	for _, c := range p.idle {
		tooIdle := now.Sub(c.idleSince) > p.cfg.IdleTimeout
		if (tooIdle || p.expired(c)) && p.total()-len(dead) > p.cfg.MinSize {
			dead = append(dead, c)
			continue
		}
		kept = append(kept, c)
	}
	p.idle = kept
	p.mu.Unlock()

	p.destroyAll(dead)
}

// total counts every connection the pool is responsible for. Callers must
// hold mu.
func (p *Pool[C]) total() int {
	return len(p.idle) + len(p.active) + p.creating
}

func (p *Pool[C]) expired(c *Conn[C]) bool {
	return p.cfg.MaxLifetime > 0 && p.clock.Now().Sub(c.createdAt) > p.cfg.MaxLifetime
}

func (p *Pool[C]) destroy(c *Conn[C]) {
	if err := p.factory.Destroy(c.value); err != nil {
		p.logger.Warn("destroy connection failed", "err", err)
	}
}

func (p *Pool[C]) destroyAll(conns []*Conn[C]) {
	for _, c := range conns {
		p.destroy(c)
	}
}

func (p *Pool[C]) destroyIdle() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	p.destroyAll(idle)
}
