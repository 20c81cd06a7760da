package signaling

import (
	"context"
	"testing"
	"time"
)

// chanChannel is an in-memory Channel for tests.
type chanChannel struct {
	in  chan Envelope
	out chan Envelope
}

func newChanChannel() *chanChannel {
	return &chanChannel{in: make(chan Envelope, 64), out: make(chan Envelope, 64)}
}

func (c *chanChannel) Send(_ context.Context, env Envelope) error {
	c.out <- env
	return nil
}

func (c *chanChannel) Receive() <-chan Envelope { return c.in }

func (c *chanChannel) Close() error {
	close(c.in)
	return nil
}

func recvOne(t *testing.T, ch <-chan Envelope) Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for envelope")
		return Envelope{}
	}
}

func assertNone(t *testing.T, ch <-chan Envelope) {
	t.Helper()
	select {
	case env := <-ch:
		t.Fatalf("unexpected envelope %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDedupPassesEveryResponse(t *testing.T) {
	inner := newChanChannel()
	d := WithDedup(inner)
	t.Cleanup(func() { _ = d.Close() })

	// Two identical bounces then an accept, the sequence a re-dialed
	// request produces. All three must reach the engine.
	bounce := Envelope{Type: TypeCallResponse, CallID: "c1", Payload: MarshalPayload(ResponsePayload{Reason: "unavailable"})}
	accept := Envelope{Type: TypeCallResponse, CallID: "c1", Payload: MarshalPayload(ResponsePayload{Accepted: true})}
	inner.in <- bounce
	inner.in <- bounce
	inner.in <- accept

	recvOne(t, d.Receive())
	recvOne(t, d.Receive())
	got := recvOne(t, d.Receive())
	var payload ResponsePayload
	if err := UnmarshalPayload(got, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if !payload.Accepted {
		t.Fatalf("final delivered response = %+v, want the accept", payload)
	}
	assertNone(t, d.Receive())
}

func TestDedupPassesDistinctCandidates(t *testing.T) {
	inner := newChanChannel()
	d := WithDedup(inner)
	t.Cleanup(func() { _ = d.Close() })

	c1 := Envelope{Type: TypeICECandidate, CallID: "c1", Payload: MarshalPayload(CandidatePayload{Candidate: "a"})}
	c2 := Envelope{Type: TypeICECandidate, CallID: "c1", Payload: MarshalPayload(CandidatePayload{Candidate: "b"})}
	inner.in <- c1
	inner.in <- c2
	inner.in <- c1 // exact redelivery

	if got := recvOne(t, d.Receive()); got.Type != TypeICECandidate {
		t.Fatalf("got %v", got.Type)
	}
	if got := recvOne(t, d.Receive()); got.Type != TypeICECandidate {
		t.Fatalf("got %v", got.Type)
	}
	assertNone(t, d.Receive())
}

func TestDedupPassesFreshOffersAcrossAttempts(t *testing.T) {
	inner := newChanChannel()
	d := WithDedup(inner)
	t.Cleanup(func() { _ = d.Close() })

	first := Envelope{Type: TypeMediaOffer, CallID: "c1", Payload: MarshalPayload(SDPPayload{SDP: "attempt-0"})}
	second := Envelope{Type: TypeMediaOffer, CallID: "c1", Payload: MarshalPayload(SDPPayload{SDP: "attempt-1"})}
	inner.in <- first
	inner.in <- first
	inner.in <- second

	recvOne(t, d.Receive())
	got := recvOne(t, d.Receive())
	var payload SDPPayload
	if err := UnmarshalPayload(got, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.SDP != "attempt-1" {
		t.Fatalf("second delivered offer = %q, want attempt-1", payload.SDP)
	}
	assertNone(t, d.Receive())
}

func TestDedupIsPerCall(t *testing.T) {
	inner := newChanChannel()
	d := WithDedup(inner)
	t.Cleanup(func() { _ = d.Close() })

	inner.in <- Envelope{Type: TypeCallEnd, CallID: "c1"}
	inner.in <- Envelope{Type: TypeCallEnd, CallID: "c2"}
	inner.in <- Envelope{Type: TypeCallEnd, CallID: "c1"}

	if got := recvOne(t, d.Receive()); got.CallID != "c1" {
		t.Fatalf("got call %q", got.CallID)
	}
	if got := recvOne(t, d.Receive()); got.CallID != "c2" {
		t.Fatalf("got call %q", got.CallID)
	}
	assertNone(t, d.Receive())
}
