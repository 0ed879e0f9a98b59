package events

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loupe-obs/loupe/pkg/logs"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBus_PublishReachesTopicSubscribers(t *testing.T) {
	bus := NewBus(testLogger())
	defer bus.Close()

	stored, cancelStored := bus.Subscribe(TopicLogStored)
	defer cancelStored()
	alerts, cancelAlerts := bus.Subscribe(TopicAlertTriggered)
	defer cancelAlerts()

	bus.Publish(Event{
		Topic:  TopicLogStored,
		Stored: &StoredPayload{Entries: []*logs.Entry{{ID: "e-1"}}, Tiers: []string{"hot"}},
	})

	select {
	case ev := <-stored:
		if ev.Stored == nil || len(ev.Stored.Entries) != 1 {
			t.Errorf("unexpected payload: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive the event")
	}

	select {
	case ev := <-alerts:
		t.Errorf("alert subscriber received an unrelated topic: %+v", ev)
	default:
	}
}

func TestBus_CancelStopsDelivery(t *testing.T) {
	bus := NewBus(testLogger())
	defer bus.Close()

	ch, cancel := bus.Subscribe(TopicMemoryPressure)
	cancel()

	if _, ok := <-ch; ok {
		t.Error("cancelled subscription channel should be closed")
	}

	// Publishing after cancel must not panic or block.
	bus.Publish(Event{Topic: TopicMemoryPressure, Pressure: &PressurePayload{UsageRatio: 0.9}})
}

func TestBus_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus(testLogger())
	defer bus.Close()

	ch, cancel := bus.Subscribe(TopicLogStored)
	defer cancel()

	// Overfill the subscriber buffer; Publish must never block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			bus.Publish(Event{Topic: TopicLogStored, Stored: &StoredPayload{}})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	received := 0
	for {
		select {
		case <-ch:
			received++
			continue
		default:
		}
		break
	}
	if received == 0 || received > 200 {
		t.Errorf("expected partial delivery, got %d", received)
	}
}

func TestBus_CloseClosesAllSubscribers(t *testing.T) {
	bus := NewBus(testLogger())
	ch, _ := bus.Subscribe(TopicHealthDegraded)

	bus.Close()
	if _, ok := <-ch; ok {
		t.Error("close should close subscriber channels")
	}

	// Subscribing after close yields an already-closed channel.
	ch2, cancel := bus.Subscribe(TopicHealthDegraded)
	defer cancel()
	if _, ok := <-ch2; ok {
		t.Error("subscribe after close should return a closed channel")
	}
}
