package main

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/Avicted/ringline/internal/bus"
	"github.com/Avicted/ringline/internal/call"
	"github.com/Avicted/ringline/internal/config"
	"github.com/Avicted/ringline/internal/ipc"
	"github.com/Avicted/ringline/internal/media"
	"github.com/Avicted/ringline/internal/signaling"
)

type stubChannel struct {
	mu   sync.Mutex
	sent []signaling.Envelope
	recv chan signaling.Envelope
}

func newStubChannel() *stubChannel {
	return &stubChannel{recv: make(chan signaling.Envelope, 16)}
}

func (c *stubChannel) Send(_ context.Context, env signaling.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, env)
	return nil
}

func (c *stubChannel) Receive() <-chan signaling.Envelope { return c.recv }
func (c *stubChannel) Close() error { return nil }

func (c *stubChannel) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type stubSource struct{ frames chan []int16 }

func (s *stubSource) Frames() <-chan []int16 { return s.frames }
func (s *stubSource) Close() error { return nil }

type stubAcquirer struct{}

func (stubAcquirer) Acquire(context.Context, media.Constraints) (media.Source, error) {
	return &stubSource{frames: make(chan []int16)}, nil
}

func newTestDaemon(t *testing.T) (*callDaemon, *stubChannel) {
	t.Helper()
	d := newCallDaemon(config.Config{Identity: "alice"}, webrtc.Configuration{}, nil)
	channel := newStubChannel()
	d.engine = call.NewEngine(call.Config{
		Self:    "alice",
		Signal:  channel,
		Acquire: stubAcquirer{},
		Bus:     bus.New(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	go d.engine.Run(ctx)
	t.Cleanup(cancel)
	return d, channel
}

func TestHandleIPCPing(t *testing.T) {
	d, _ := newTestDaemon(t)
	resp, err := d.handleIPC(context.Background(), ipc.Message{Cmd: ipc.CommandPing})
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if resp.Event != ipc.EventPong {
		t.Fatalf("unexpected ping reply: %#v", resp)
	}
}

func TestHandleIPCStatusIdle(t *testing.T) {
	d, _ := newTestDaemon(t)
	resp, err := d.handleIPC(context.Background(), ipc.Message{Cmd: ipc.CommandStatus})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if resp.Event != ipc.EventStatus || resp.State != string(call.StateIdle) {
		t.Fatalf("unexpected status reply: %#v", resp)
	}
}

func TestHandleIPCCall(t *testing.T) {
	d, channel := newTestDaemon(t)
	ctx := context.Background()

	if _, err := d.handleIPC(ctx, ipc.Message{Cmd: ipc.CommandCall, Peer: "bob"}); err != nil {
		t.Fatalf("call: %v", err)
	}
	if channel.sentCount() == 0 {
		t.Fatal("call command sent no signaling envelope")
	}
	resp, err := d.handleIPC(ctx, ipc.Message{Cmd: ipc.CommandStatus})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if resp.State != string(call.StateRingingOutgoing) || resp.Peer != "bob" {
		t.Fatalf("unexpected status after call: %#v", resp)
	}
}

func TestCurrentStatusReportsIdle(t *testing.T) {
	d, _ := newTestDaemon(t)
	msg := d.currentStatus()
	if msg.Event != ipc.EventStatus || msg.State != string(call.StateIdle) {
		t.Fatalf("unexpected status greeting: %#v", msg)
	}
	if got := d.callState(); got != string(call.StateIdle) {
		t.Fatalf("call state = %q, want %s", got, call.StateIdle)
	}
}

func TestHandleIPCMuteWithoutCall(t *testing.T) {
	d, _ := newTestDaemon(t)
	if _, err := d.handleIPC(context.Background(), ipc.Message{Cmd: ipc.CommandMute}); err == nil {
		t.Fatal("expected error for mute with no call")
	}
}

func TestHandleIPCUnknownCommand(t *testing.T) {
	d, _ := newTestDaemon(t)
	if _, err := d.handleIPC(context.Background(), ipc.Message{Cmd: "bogus"}); err == nil {
		t.Fatal("expected error for unknown command")
	}
}

func TestRelayEventIncomingBroadcast(t *testing.T) {
	addr := filepath.Join(t.TempDir(), "calld.sock")
	server := newIPCServer(addr, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = server.Run(ctx) }()

	conn := dialIPC(t, addr)
	defer conn.Close()
	dec := ipc.NewDecoder(conn)

	// Give the server a beat to register the connection.
	deadline := time.Now().Add(2 * time.Second)
	for {
		server.mu.Lock()
		n := len(server.conns)
		server.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("connection never registered")
		}
		time.Sleep(time.Millisecond)
	}

	d := &callDaemon{ipc: server}
	d.relayEvent(bus.StateChanged{
		State:     string(call.StateRingingIncoming),
		Contact:   "Bob Smith",
		Direction: "incoming",
	})

	var state ipc.Message
	if err := dec.Decode(&state); err != nil {
		t.Fatalf("decode state event: %v", err)
	}
	if state.Event != ipc.EventState || state.State != string(call.StateRingingIncoming) {
		t.Fatalf("unexpected state event: %#v", state)
	}
	var incoming ipc.Message
	if err := dec.Decode(&incoming); err != nil {
		t.Fatalf("decode incoming event: %v", err)
	}
	if incoming.Event != ipc.EventIncoming || incoming.Contact != "Bob Smith" {
		t.Fatalf("unexpected incoming event: %#v", incoming)
	}

	d.relayEvent(bus.CallEnded{Reason: "remote_ended"})
	var ended ipc.Message
	if err := dec.Decode(&ended); err != nil {
		t.Fatalf("decode ended event: %v", err)
	}
	if ended.Event != ipc.EventEnded || ended.Reason != "remote_ended" {
		t.Fatalf("unexpected ended event: %#v", ended)
	}
}
