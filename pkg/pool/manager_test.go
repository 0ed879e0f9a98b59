package pool

import (
	"context"
	"errors"
	"testing"
)

func newTestManager(t *testing.T, cfg ManagerConfig) *Manager[*fakeConn] {
	t.Helper()
	m, err := NewManager[*fakeConn](cfg, nil, nil, testLogger())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m
}

func TestManager_AcquireRoutesByPoolName(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	for _, name := range []string{"hot", "warm", "cold"} {
		if err := m.CreatePool(ctx, name, newFakeFactory(), Config{MaxSize: 2}); err != nil {
			t.Fatalf("CreatePool(%s) failed: %v", name, err)
		}
	}

	conn, err := m.Acquire(ctx, "warm", PriorityNormal)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	conn.Release()

	if _, err := m.Acquire(ctx, "glacier", PriorityNormal); !errors.Is(err, ErrUnknownPool) {
		t.Errorf("expected ErrUnknownPool, got %v", err)
	}
}

func TestManager_DuplicatePoolRejected(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	if err := m.CreatePool(ctx, "hot", newFakeFactory(), Config{}); err != nil {
		t.Fatalf("CreatePool failed: %v", err)
	}
	if err := m.CreatePool(ctx, "hot", newFakeFactory(), Config{}); err == nil {
		t.Error("duplicate pool name should be rejected")
	}
}

func TestManager_SubscriptionCap(t *testing.T) {
	m := newTestManager(t, ManagerConfig{MaxStreamSubscriptions: 2})

	if err := m.ReserveSubscription(); err != nil {
		t.Fatalf("first reserve failed: %v", err)
	}
	if err := m.ReserveSubscription(); err != nil {
		t.Fatalf("second reserve failed: %v", err)
	}
	if err := m.ReserveSubscription(); !errors.Is(err, ErrSubscriptionLimit) {
		t.Errorf("expected ErrSubscriptionLimit, got %v", err)
	}

	m.ReleaseSubscription()
	if err := m.ReserveSubscription(); err != nil {
		t.Errorf("reserve after release should succeed: %v", err)
	}
	if got := m.Usage().StreamSubscriptions; got != 2 {
		t.Errorf("expected 2 reserved subscriptions, got %d", got)
	}
}

func TestManager_QueryCounting(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})

	m.QueryStarted()
	m.QueryStarted()
	m.QueryFinished()

	if got := m.Usage().ActiveQueries; got != 1 {
		t.Errorf("expected 1 active query, got %d", got)
	}
}
