package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"sync"

	"github.com/Avicted/ringline/internal/ipc"
)

// ipcServer accepts local frontend connections, answers their commands and
// fans call events out to all of them. A frontend attaching mid-call gets
// the current status first, before any events.
type ipcServer struct {
	addr   string
	h      ipcHandler
	status func() ipc.Message

	mu    sync.Mutex
	ln    net.Listener
	conns map[net.Conn]*frontend
}

type ipcHandler func(ctx context.Context, msg ipc.Message) (ipc.Message, error)

// frontend is one attached UI connection. Writes are serialized so command
// replies and broadcast events never interleave mid-line.
type frontend struct {
	conn net.Conn
	enc  *json.Encoder
	mu   sync.Mutex
}

func (f *frontend) send(msg ipc.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enc.Encode(msg)
}

func newIPCServer(addr string, handler ipcHandler, status func() ipc.Message) *ipcServer {
	return &ipcServer{addr: addr, h: handler, status: status}
}

func (s *ipcServer) Run(ctx context.Context) error {
	ln, err := ipc.Listen(s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	if s.conns == nil {
		s.conns = make(map[net.Conn]*frontend)
	}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *ipcServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		_ = s.ln.Close()
		s.ln = nil
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.conns = make(map[net.Conn]*frontend)
	return nil
}

func (s *ipcServer) Broadcast(msg ipc.Message) {
	s.mu.Lock()
	fes := make([]*frontend, 0, len(s.conns))
	for _, fe := range s.conns {
		fes = append(fes, fe)
	}
	s.mu.Unlock()
	for _, fe := range fes {
		_ = fe.send(msg)
	}
}

func (s *ipcServer) handleConn(ctx context.Context, conn net.Conn) {
	fe := &frontend{conn: conn, enc: ipc.NewEncoder(conn)}
	dec := ipc.NewDecoder(conn)

	s.trackConn(fe)
	if s.status != nil {
		_ = fe.send(s.status())
	}

	for {
		var msg ipc.Message
		if err := dec.Decode(&msg); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Printf("ipc decode error: %v", err)
			}
			break
		}
		if msg.Cmd == "" {
			continue
		}
		s.handleCommand(ctx, msg, fe)
	}

	s.untrackConn(conn)
	_ = conn.Close()
}

func (s *ipcServer) handleCommand(ctx context.Context, msg ipc.Message, fe *frontend) {
	if s.h == nil {
		s.sendError(fe, "ipc handler unavailable")
		return
	}
	resp, err := s.h(ctx, msg)
	if err != nil {
		s.sendError(fe, err.Error())
		return
	}
	if resp.Event == "" {
		return
	}
	_ = fe.send(resp)
}

func (s *ipcServer) sendError(fe *frontend, message string) {
	_ = fe.send(ipc.Message{Event: ipc.EventError, Error: message})
}

func (s *ipcServer) trackConn(fe *frontend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		s.conns = make(map[net.Conn]*frontend)
	}
	s.conns[fe.conn] = fe
}

func (s *ipcServer) untrackConn(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}
