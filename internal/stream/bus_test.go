package stream

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestChannelBusDeliversPublishedEvents(t *testing.T) {
	bus := NewChannelBus(zerolog.Nop())
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ch, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ev, err := New(TypeHandoffRequested, "d1", map[string]string{"reason": "billing"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ev.ID = "42"
	if err := bus.Publish(ctx, ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got, ok := <-ch:
		if !ok {
			t.Fatal("channel closed before delivery")
		}
		if got.ID != "42" || got.Type != TypeHandoffRequested || got.DialogID != "d1" {
			t.Fatalf("unexpected event %+v", got)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}

func TestChannelBusSubscriptionEndsOnCancel(t *testing.T) {
	bus := NewChannelBus(zerolog.Nop())
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after cancel")
		}
	}
}

func TestLogPublisherAssignsIDAndFansOut(t *testing.T) {
	store := NewMemoryStore(10, 5)
	bus := NewChannelBus(zerolog.Nop())
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ch, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	pub := NewLogPublisher(store, bus, zerolog.Nop())
	ev, err := pub.PublishEvent(ctx, TypeHandoffStarted, "d1", map[string]string{"operator_id": "op-1"})
	if err != nil {
		t.Fatalf("PublishEvent: %v", err)
	}
	if ev.ID == "" {
		t.Fatal("published event has no id")
	}

	select {
	case got := <-ch:
		if got.ID != ev.ID {
			t.Fatalf("bus delivered id %q, stored id %q", got.ID, ev.ID)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for fan-out")
	}

	replayed, err := store.Replay(ctx, "d1", "", 0)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(replayed) != 1 || replayed[0].ID != ev.ID {
		t.Fatalf("event not durable in store: %v", replayed)
	}
}
