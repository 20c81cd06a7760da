// Package relay is the signaling service: it accepts websocket
// connections from call daemons and routes envelopes between them by
// recipient identity. It keeps no call state and stores nothing.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/Avicted/ringline/internal/identity"
	"github.com/Avicted/ringline/internal/signaling"
)

const (
	sendBuffer   = 64
	writeTimeout = 5 * time.Second
)

var ErrUnauthorized = errors.New("relay: unauthorized")

type Hub struct {
	secret string

	register   chan *Client
	unregister chan *Client
	incoming   chan incomingEnvelope
	clients    map[*Client]struct{}
	byIdentity map[identity.ID]map[*Client]struct{}
	count      atomic.Int64
}

type incomingEnvelope struct {
	client *Client
	env    signaling.Envelope
}

func NewHub(secret string) *Hub {
	return &Hub{
		secret:     secret,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		incoming:   make(chan incomingEnvelope, 256),
		clients:    make(map[*Client]struct{}),
		byIdentity: make(map[identity.ID]map[*Client]struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				c.close(websocket.StatusGoingAway, "server shutdown")
			}
			return
		case c := <-h.register:
			h.clients[c] = struct{}{}
			if h.byIdentity[c.id] == nil {
				h.byIdentity[c.id] = make(map[*Client]struct{})
			}
			h.byIdentity[c.id][c] = struct{}{}
			h.count.Add(1)
		case c := <-h.unregister:
			if _, ok := h.clients[c]; !ok {
				continue
			}
			delete(h.clients, c)
			if clients := h.byIdentity[c.id]; clients != nil {
				delete(clients, c)
				if len(clients) == 0 {
					delete(h.byIdentity, c.id)
				}
			}
			h.count.Add(-1)
			c.close(websocket.StatusNormalClosure, "bye")
		case msg := <-h.incoming:
			h.route(msg.client, msg.env)
		}
	}
}

func (h *Hub) ClientCount() int64 {
	return h.count.Load()
}

// route forwards env to every connection of the recipient. A call request
// for an identity with no connections bounces straight back as an
// "unavailable" response so the caller's retry logic can take over.
func (h *Hub) route(from *Client, env signaling.Envelope) {
	// The authenticated identity wins over whatever the envelope claims.
	env.Sender = from.id

	targets := h.byIdentity[env.Recipient]
	if len(targets) == 0 {
		if env.Type == signaling.TypeCallRequest {
			h.bounceUnavailable(from, env)
		}
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	for c := range targets {
		if c == from {
			continue
		}
		c.Send(data)
	}
}

func (h *Hub) bounceUnavailable(to *Client, env signaling.Envelope) {
	resp := signaling.Envelope{
		Type:      signaling.TypeCallResponse,
		CallID:    env.CallID,
		Sender:    env.Recipient,
		Recipient: env.Sender,
		Payload:   signaling.MarshalPayload(signaling.ResponsePayload{Reason: "unavailable"}),
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	to.Send(data)
}

// HandleSignal upgrades an authenticated request to a signaling
// connection. The bearer token carries the identity: "<identity>:<secret>".
func (h *Hub) HandleSignal(w http.ResponseWriter, r *http.Request) {
	id, err := h.authenticate(r)
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	client := &Client{
		conn:   conn,
		hub:    h,
		ctx:    ctx,
		cancel: cancel,
		send:   make(chan []byte, sendBuffer),
		id:     id,
	}

	h.register <- client

	go client.writeLoop()
	client.readLoop()
}

func (h *Hub) authenticate(r *http.Request) (identity.ID, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", ErrUnauthorized
	}
	id, secret, ok := strings.Cut(token, ":")
	if !ok || id == "" || secret != h.secret {
		return "", ErrUnauthorized
	}
	return identity.ID(id), nil
}

type Client struct {
	conn      *websocket.Conn
	hub       *Hub
	ctx       context.Context
	cancel    context.CancelFunc
	send      chan []byte
	closeOnce sync.Once
	id        identity.ID
}

func (c *Client) Send(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) readLoop() {
	defer func() {
		c.hub.unregister <- c
	}()

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}
		var env signaling.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.Valid() != nil {
			continue
		}
		c.hub.incoming <- incomingEnvelope{client: c, env: env}
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				c.hub.unregister <- c
				return
			}
		}
	}
}

func (c *Client) close(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.send)
		_ = c.conn.Close(status, reason)
	})
}
