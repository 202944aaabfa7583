package event

import (
	"errors"
	"testing"
)

func TestBusFanOut(t *testing.T) {
	bus := NewBus()
	a, cancelA := bus.Subscribe(4)
	defer cancelA()
	b, cancelB := bus.Subscribe(4)
	defer cancelB()

	bus.Publish(PeerConnected{})

	for i, ch := range []<-chan Event{a, b} {
		select {
		case e := <-ch:
			if e.Name() != "peerConnected" {
				t.Fatalf("subscriber %d got %q", i, e.Name())
			}
		default:
			t.Fatalf("subscriber %d got nothing", i)
		}
	}
}

func TestBusDropsWhenFull(t *testing.T) {
	bus := NewBus()
	_, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Publish(BackendError{Err: errors.New("one")})
	bus.Publish(BackendError{Err: errors.New("two")})

	if bus.Dropped() != 1 {
		t.Fatalf("Dropped() = %d, want 1", bus.Dropped())
	}
}

func TestCancelClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	bus.Publish(PeerDisconnected{})
}

func TestNilBusPublish(t *testing.T) {
	var bus *Bus
	bus.Publish(PeerConnected{})
}
