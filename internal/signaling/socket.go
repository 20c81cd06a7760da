package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

const (
	socketWriteTimeout = 5 * time.Second
	socketRecvBuffer   = 64
)

// Socket is the preferred signaling backend: a dedicated low-latency
// websocket to the signaling service.
type Socket struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	recv   chan Envelope

	mu     sync.Mutex
	closed bool
}

// DialSocket connects to the signaling endpoint of serverURL, authenticating
// with the bearer token.
func DialSocket(ctx context.Context, serverURL, token string) (*Socket, error) {
	wsURL := strings.Replace(serverURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL = strings.TrimRight(wsURL, "/") + "/signal"

	connCtx, cancel := context.WithCancel(context.Background())
	options := &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	}
	conn, _, err := websocket.Dial(ctx, wsURL, options)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("signaling dial: %w", err)
	}

	s := &Socket{
		conn:   conn,
		ctx:    connCtx,
		cancel: cancel,
		recv:   make(chan Envelope, socketRecvBuffer),
	}
	go s.readLoop()
	return s, nil
}

func (s *Socket) Send(ctx context.Context, env Envelope) error {
	if err := env.Valid(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("signaling: socket closed")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	writeCtx, writeCancel := context.WithTimeout(ctx, socketWriteTimeout)
	defer writeCancel()
	return s.conn.Write(writeCtx, websocket.MessageText, data)
}

func (s *Socket) Receive() <-chan Envelope {
	return s.recv
}

func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	// Send the close frame before cancelling the read context: the cancel
	// tears down the underlying connection and the handshake would fail.
	err := s.conn.Close(websocket.StatusNormalClosure, "bye")
	s.cancel()
	return err
}

func (s *Socket) readLoop() {
	defer close(s.recv)
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.Valid() != nil {
			continue
		}
		select {
		case s.recv <- env:
		case <-s.ctx.Done():
			return
		}
	}
}
