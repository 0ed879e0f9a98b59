package pool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeConn struct {
	id int
}

type fakeFactory struct {
	mu        sync.Mutex
	created   int
	destroyed int
	valid     bool
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{valid: true}
}

func (f *fakeFactory) Create(ctx context.Context) (*fakeConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	return &fakeConn{id: f.created}, nil
}

func (f *fakeFactory) Validate(*fakeConn) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.valid
}

func (f *fakeFactory) Destroy(*fakeConn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed++
	return nil
}

func (f *fakeFactory) counts() (created, destroyed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created, f.destroyed
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPool(t *testing.T, cfg Config) (*Pool[*fakeConn], *fakeFactory) {
	t.Helper()
	factory := newFakeFactory()
	p, err := New(context.Background(), "test", factory, cfg, nil, testLogger())
	if err != nil {
		t.Fatalf("New pool failed: %v", err)
	}
	return p, factory
}

func TestPool_AcquireReleaseCycles_NoLeak(t *testing.T) {
	p, factory := newTestPool(t, Config{MaxSize: 5})
	defer p.Shutdown(context.Background())

	ctx := context.Background()
	for i := 0; i < 1000; i++ {
		conn, err := p.Acquire(ctx, PriorityNormal)
		if err != nil {
			t.Fatalf("acquire %d failed: %v", i, err)
		}
		conn.Release()
	}

	stats := p.Stats()
	if stats.Active != 0 {
		t.Errorf("expected 0 active after all releases, got %d", stats.Active)
	}
	if stats.Idle != 1 {
		t.Errorf("expected 1 idle connection reused throughout, got %d", stats.Idle)
	}
	if created, _ := factory.counts(); created != 1 {
		t.Errorf("sequential cycles should reuse one connection, created %d", created)
	}
}

func TestPool_NeverExceedsMaxSize(t *testing.T) {
	const max = 4
	p, factory := newTestPool(t, Config{MaxSize: max, ConnectTimeout: 50 * time.Millisecond})
	defer p.Shutdown(context.Background())

	ctx := context.Background()
	var conns []*Conn[*fakeConn]
	for i := 0; i < max; i++ {
		conn, err := p.Acquire(ctx, PriorityNormal)
		if err != nil {
			t.Fatalf("acquire %d failed: %v", i, err)
		}
		conns = append(conns, conn)
	}

	if stats := p.Stats(); stats.Active != max {
		t.Errorf("expected %d active, got %d", max, stats.Active)
	}

	// Pool is at capacity: the next acquire must time out, not create.
	if _, err := p.Acquire(ctx, PriorityNormal); !errors.Is(err, ErrAcquireTimeout) {
		t.Errorf("expected ErrAcquireTimeout, got %v", err)
	}
	if created, _ := factory.counts(); created != max {
		t.Errorf("expected exactly %d connections created, got %d", max, created)
	}

	for _, c := range conns {
		c.Release()
	}
	if stats := p.Stats(); stats.Idle+stats.Active != max {
		t.Errorf("connections lost: idle=%d active=%d", stats.Idle, stats.Active)
	}
}

func TestPool_ReleaseHandsOffByPriority(t *testing.T) {
	p, _ := newTestPool(t, Config{MaxSize: 1, ConnectTimeout: 5 * time.Second})
	defer p.Shutdown(context.Background())

	ctx := context.Background()
	held, err := p.Acquire(ctx, PriorityNormal)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	order := make(chan Priority, 2)
	var wg sync.WaitGroup
	start := func(prio Priority) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := p.Acquire(ctx, prio)
			if err != nil {
				t.Errorf("waiter acquire failed: %v", err)
				return
			}
			order <- prio
			conn.Release()
		}()
	}

	start(PriorityLow)
	waitForWaiters(t, p, 1)
	start(PriorityHigh)
	waitForWaiters(t, p, 2)

	held.Release()
	wg.Wait()
	close(order)

	first := <-order
	if first != PriorityHigh {
		t.Errorf("high-priority waiter should be served first, got %v", first)
	}
}

func TestPool_ShutdownWakesWaiters(t *testing.T) {
	p, _ := newTestPool(t, Config{MaxSize: 1, ConnectTimeout: 5 * time.Second})

	ctx := context.Background()
	held, err := p.Acquire(ctx, PriorityNormal)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	waiterErr := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx, PriorityNormal)
		waiterErr <- err
	}()
	waitForWaiters(t, p, 1)

	go func() {
		time.Sleep(20 * time.Millisecond)
		held.Release()
	}()

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := p.Shutdown(shutdownCtx); err != nil {
		t.Errorf("shutdown should succeed once the holder releases: %v", err)
	}

	if err := <-waiterErr; !errors.Is(err, ErrPoolClosed) {
		t.Errorf("waiter should see ErrPoolClosed, got %v", err)
	}

	if _, err := p.Acquire(ctx, PriorityNormal); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("acquire after shutdown should fail with ErrPoolClosed, got %v", err)
	}
}

func TestPool_InvalidIdleConnectionsReplaced(t *testing.T) {
	p, factory := newTestPool(t, Config{MaxSize: 2})
	defer p.Shutdown(context.Background())

	ctx := context.Background()
	conn, err := p.Acquire(ctx, PriorityNormal)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	conn.Release()

	// The idle connection now fails validation and must be replaced.
	factory.mu.Lock()
	factory.valid = false
	factory.mu.Unlock()

	conn2, err := p.Acquire(ctx, PriorityNormal)
	if err != nil {
		t.Fatalf("acquire after invalidation failed: %v", err)
	}
	defer conn2.Release()

	created, destroyed := factory.counts()
	if created != 2 {
		t.Errorf("expected a replacement connection, created=%d", created)
	}
	if destroyed != 1 {
		t.Errorf("invalid connection should be destroyed, destroyed=%d", destroyed)
	}
}

func waitForWaiters(t *testing.T, p *Pool[*fakeConn], n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.Stats().Waiting >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d pool waiters", n)
}
