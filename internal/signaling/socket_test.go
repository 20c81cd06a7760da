package signaling

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// echoSignalServer accepts one websocket and echoes every frame back.
func echoSignalServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/signal" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")
		for {
			typ, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			if err := conn.Write(r.Context(), typ, data); err != nil {
				return
			}
		}
	}))
}

func TestSocketSendReceive(t *testing.T) {
	srv := echoSignalServer(t)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sock, err := DialSocket(ctx, srv.URL, "token-123")
	if err != nil {
		t.Fatalf("DialSocket: %v", err)
	}
	t.Cleanup(func() { _ = sock.Close() })

	env := Envelope{
		Type:      TypeCallRequest,
		CallID:    "call-7",
		Sender:    "alice",
		Recipient: "bob",
	}
	if err := sock.Send(ctx, env); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-sock.Receive():
		if got.CallID != "call-7" || got.Type != TypeCallRequest {
			t.Fatalf("echoed envelope = %+v", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no envelope received")
	}
}

func TestSocketSendAfterCloseFails(t *testing.T) {
	srv := echoSignalServer(t)
	t.Cleanup(srv.Close)

	ctx := context.Background()
	sock, err := DialSocket(ctx, srv.URL, "token-123")
	if err != nil {
		t.Fatalf("DialSocket: %v", err)
	}
	if err := sock.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sock.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	select {
	case _, ok := <-sock.Receive():
		if ok {
			t.Fatalf("unexpected envelope after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("receive channel still open after Close")
	}
	if err := sock.Send(ctx, Envelope{Type: TypeCallEnd, CallID: "c1"}); err == nil {
		t.Fatalf("Send after Close should fail")
	}
}

func TestSocketRejectsInvalidEnvelope(t *testing.T) {
	srv := echoSignalServer(t)
	t.Cleanup(srv.Close)

	sock, err := DialSocket(context.Background(), srv.URL, "token-123")
	if err != nil {
		t.Fatalf("DialSocket: %v", err)
	}
	t.Cleanup(func() { _ = sock.Close() })

	if err := sock.Send(context.Background(), Envelope{Type: "nope", CallID: "c"}); err == nil {
		t.Fatalf("expected validation error")
	}
}
