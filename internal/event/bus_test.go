package event

import (
	"context"
	"testing"
	"time"
)

func TestPublishReachesSubscriber(t *testing.T) {
	bus := NewBus[string](context.Background(), BusOptions{Name: "test"})
	defer bus.Close()

	values, cancel := bus.Subscribe()
	defer cancel()

	bus.Publish("instance-added")

	select {
	case value := <-values:
		if value != "instance-added" {
			t.Fatalf("expected %q, got %q", "instance-added", value)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published value")
	}
}

func TestFilteredSubscriptionSkipsNonMatching(t *testing.T) {
	bus := NewBus[int](context.Background(), BusOptions{})
	defer bus.Close()

	values, cancel := bus.SubscribeFiltered(func(v int) bool { return v%2 == 0 })
	defer cancel()

	bus.Publish(1)
	bus.Publish(2)

	select {
	case value := <-values:
		if value != 2 {
			t.Fatalf("expected 2, got %d", value)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for filtered value")
	}
}

func TestFullSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus[int](context.Background(), BusOptions{SubscriberBufferSize: 1})
	defer bus.Close()

	_, cancel := bus.Subscribe()
	defer cancel()

	bus.Publish(1)
	bus.Publish(2)

	if dropped := bus.Dropped(); dropped != 1 {
		t.Fatalf("expected 1 dropped value, got %d", dropped)
	}
}

func TestCloseUnblocksSubscribers(t *testing.T) {
	bus := NewBus[int](context.Background(), BusOptions{})
	values, cancel := bus.Subscribe()
	defer cancel()

	bus.Close()

	select {
	case _, ok := <-values:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}
