package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Avicted/ringline/internal/signaling"
)

func startRelay(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub("sec")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/signal", hub.HandleSignal)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return hub, srv
}

func waitClients(t *testing.T, hub *Hub, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("client count = %d, want %d", hub.ClientCount(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func dialRelay(t *testing.T, srv *httptest.Server, token string) *signaling.Socket {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sock, err := signaling.DialSocket(ctx, srv.URL, token)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	t.Cleanup(func() { _ = sock.Close() })
	return sock
}

func recvEnvelope(t *testing.T, sock *signaling.Socket) signaling.Envelope {
	t.Helper()
	select {
	case env := <-sock.Receive():
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope received")
		return signaling.Envelope{}
	}
}

func TestRelayRoutesBetweenClients(t *testing.T) {
	hub, srv := startRelay(t)
	alice := dialRelay(t, srv, "alice:sec")
	bob := dialRelay(t, srv, "bob:sec")
	waitClients(t, hub, 2)

	err := alice.Send(context.Background(), signaling.Envelope{
		Type:      signaling.TypeCallRequest,
		CallID:    "c1",
		Sender:    "alice",
		Recipient: "bob",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	got := recvEnvelope(t, bob)
	if got.Type != signaling.TypeCallRequest || got.CallID != "c1" || got.Sender != "alice" {
		t.Fatalf("unexpected envelope: %+v", got)
	}
}

func TestRelayOverridesClaimedSender(t *testing.T) {
	hub, srv := startRelay(t)
	alice := dialRelay(t, srv, "alice:sec")
	bob := dialRelay(t, srv, "bob:sec")
	waitClients(t, hub, 2)

	err := alice.Send(context.Background(), signaling.Envelope{
		Type:      signaling.TypeCallRequest,
		CallID:    "c1",
		Sender:    "mallory",
		Recipient: "bob",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	got := recvEnvelope(t, bob)
	if got.Sender != "alice" {
		t.Fatalf("sender = %q, want the authenticated identity", got.Sender)
	}
}

func TestRelayBouncesUnavailablePeer(t *testing.T) {
	hub, srv := startRelay(t)
	alice := dialRelay(t, srv, "alice:sec")
	waitClients(t, hub, 1)

	err := alice.Send(context.Background(), signaling.Envelope{
		Type:      signaling.TypeCallRequest,
		CallID:    "c1",
		Sender:    "alice",
		Recipient: "nobody",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	got := recvEnvelope(t, alice)
	if got.Type != signaling.TypeCallResponse || got.CallID != "c1" {
		t.Fatalf("unexpected envelope: %+v", got)
	}
	if got.Sender != "nobody" || got.Recipient != "alice" {
		t.Fatalf("unexpected addressing: %+v", got)
	}
	var payload signaling.ResponsePayload
	if err := signaling.UnmarshalPayload(got, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Accepted || payload.Reason != "unavailable" {
		t.Fatalf("payload = %+v, want unavailable rejection", payload)
	}
}

func TestRelayNonRequestToMissingPeerDropped(t *testing.T) {
	hub, srv := startRelay(t)
	alice := dialRelay(t, srv, "alice:sec")
	waitClients(t, hub, 1)

	err := alice.Send(context.Background(), signaling.Envelope{
		Type:      signaling.TypeICECandidate,
		CallID:    "c1",
		Sender:    "alice",
		Recipient: "nobody",
		Payload:   signaling.MarshalPayload(signaling.CandidatePayload{Candidate: "candidate:1"}),
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case env := <-alice.Receive():
		t.Fatalf("unexpected envelope: %+v", env)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRelayRejectsBadSecret(t *testing.T) {
	_, srv := startRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := signaling.DialSocket(ctx, srv.URL, "alice:wrong"); err == nil {
		t.Fatal("expected dial to fail with a bad secret")
	}
	if _, err := signaling.DialSocket(ctx, srv.URL, "no-identity"); err == nil {
		t.Fatal("expected dial to fail without an identity")
	}
}

func TestRelayRoutesBothDirections(t *testing.T) {
	hub, srv := startRelay(t)
	alice := dialRelay(t, srv, "alice:sec")
	bob := dialRelay(t, srv, "bob:sec")
	waitClients(t, hub, 2)

	err := bob.Send(context.Background(), signaling.Envelope{
		Type:      signaling.TypeCallRequest,
		CallID:    "c2",
		Sender:    "bob",
		Recipient: "alice",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	got := recvEnvelope(t, alice)
	if got.Sender != "bob" {
		t.Fatalf("unexpected envelope: %+v", got)
	}
}
