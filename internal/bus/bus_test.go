package bus

import (
	"testing"
)

func TestPublishDeliversInSubscriptionOrder(t *testing.T) {
	b := New()
	var got []string
	b.Subscribe(func(Event) { got = append(got, "first") })
	b.Subscribe(func(Event) { got = append(got, "second") })
	b.Subscribe(func(Event) { got = append(got, "third") })

	b.Publish(MuteChanged{IsMuted: true})

	want := []string{"first", "second", "third"}
	if len(got) != len(want) {
		t.Fatalf("delivered to %d listeners, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivery order %v, want %v", got, want)
		}
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	b := New()
	calls := 0
	sub := b.Subscribe(func(Event) { calls++ })

	b.Publish(ConnectionAttempt{Attempt: 1})
	sub.Cancel()
	b.Publish(ConnectionAttempt{Attempt: 2})

	if calls != 1 {
		t.Fatalf("listener called %d times, want 1", calls)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	b := New()
	sub := b.Subscribe(func(Event) {})
	sub.Cancel()
	sub.Cancel()
	b.Publish(CallEnded{Reason: "local_ended"})
}

func TestEventPayloadVariants(t *testing.T) {
	b := New()
	var last Event
	b.Subscribe(func(ev Event) { last = ev })

	b.Publish(StateChanged{State: "connected", Contact: "bob", Direction: "outgoing"})
	sc, ok := last.(StateChanged)
	if !ok {
		t.Fatalf("expected StateChanged, got %T", last)
	}
	if sc.State != "connected" || sc.Contact != "bob" || sc.Direction != "outgoing" {
		t.Fatalf("unexpected payload: %+v", sc)
	}

	b.Publish(CallEnded{Reason: "remote_ended"})
	if ce, ok := last.(CallEnded); !ok || ce.Reason != "remote_ended" {
		t.Fatalf("expected CallEnded remote_ended, got %#v", last)
	}
}

func TestSubscribeDuringPublishDoesNotDeadlock(t *testing.T) {
	b := New()
	b.Subscribe(func(Event) {
		b.Subscribe(func(Event) {})
	})
	b.Publish(MuteChanged{})
	b.Publish(MuteChanged{})
}
