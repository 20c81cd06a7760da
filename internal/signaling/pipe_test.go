package signaling

import (
	"context"
	"strings"
	"testing"

	"github.com/Avicted/ringline/internal/identity"
)

type captureSender struct {
	recipient identity.ID
	text      string
	err       error
}

func (c *captureSender) Send(_ context.Context, recipient identity.ID, text string) error {
	c.recipient = recipient
	c.text = text
	return c.err
}

func TestPipeRoundTrip(t *testing.T) {
	sender := &captureSender{}
	out := NewPipe(sender)
	t.Cleanup(func() { _ = out.Close() })

	env := Envelope{
		Type:      TypeCallRequest,
		CallID:    "call-1",
		Sender:    "alice",
		Recipient: "bob",
		Payload:   MarshalPayload(ResponsePayload{Accepted: true}),
	}
	if err := out.Send(context.Background(), env); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if sender.recipient != "bob" {
		t.Fatalf("sent to %q, want bob", sender.recipient)
	}
	if !strings.HasPrefix(sender.text, pipePrefix) {
		t.Fatalf("outbound text missing prefix: %q", sender.text)
	}

	in := NewPipe(&captureSender{})
	t.Cleanup(func() { _ = in.Close() })
	if !in.HandleMessage("alice", sender.text) {
		t.Fatalf("HandleMessage rejected a signal message")
	}

	select {
	case got := <-in.Receive():
		if got.Type != TypeCallRequest || got.CallID != "call-1" || got.Sender != "alice" {
			t.Fatalf("round-tripped envelope = %+v", got)
		}
	default:
		t.Fatalf("no envelope delivered")
	}
}

func TestPipeIgnoresOrdinaryText(t *testing.T) {
	p := NewPipe(&captureSender{})
	t.Cleanup(func() { _ = p.Close() })

	if p.HandleMessage("alice", "hello there") {
		t.Fatalf("ordinary text claimed as signal")
	}
	select {
	case env := <-p.Receive():
		t.Fatalf("unexpected envelope %+v", env)
	default:
	}
}

func TestPipeConsumesMalformedSignalText(t *testing.T) {
	p := NewPipe(&captureSender{})
	t.Cleanup(func() { _ = p.Close() })

	// Claimed as a signal (prefix matched) but must not surface an envelope.
	if !p.HandleMessage("alice", pipePrefix+"not-base64!!") {
		t.Fatalf("prefixed garbage should still be consumed")
	}
	select {
	case env := <-p.Receive():
		t.Fatalf("unexpected envelope %+v", env)
	default:
	}
}

func TestPipeRejectsInvalidEnvelope(t *testing.T) {
	p := NewPipe(&captureSender{})
	err := p.Send(context.Background(), Envelope{Type: "bogus", CallID: "x"})
	if err == nil {
		t.Fatalf("expected validation error for bogus type")
	}
	err = p.Send(context.Background(), Envelope{Type: TypeCallEnd})
	if err == nil {
		t.Fatalf("expected validation error for missing call id")
	}
}
