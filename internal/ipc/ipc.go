// Package ipc carries newline-delimited JSON messages between the call
// daemon and local frontends over a unix socket or named pipe.
package ipc

import "encoding/json"

const (
	CommandCall   = "call"
	CommandAnswer = "answer"
	CommandReject = "reject"
	CommandHangup = "hangup"
	CommandMute   = "mute"
	CommandStatus = "status"
	CommandPing   = "ping"

	EventState    = "state"
	EventIncoming = "incoming"
	EventAttempt  = "attempt"
	EventMute     = "mute"
	EventEnded    = "ended"
	EventStatus   = "status"
	EventError    = "error"
	EventPong     = "pong"
)

type Message struct {
	Cmd   string `json:"cmd,omitempty"`
	Event string `json:"event,omitempty"`

	// Peer is the remote identity for CommandCall and incoming events;
	// Contact is its display name when the resolver knows one.
	Peer    string `json:"peer,omitempty"`
	Contact string `json:"contact,omitempty"`

	State     string `json:"state,omitempty"`
	Direction string `json:"direction,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
	Muted     bool   `json:"muted,omitempty"`
	Network   string `json:"network,omitempty"`
	Error     string `json:"error,omitempty"`
}

func NewDecoder(r interface{ Read([]byte) (int, error) }) *json.Decoder {
	return json.NewDecoder(r)
}

func NewEncoder(w interface{ Write([]byte) (int, error) }) *json.Encoder {
	return json.NewEncoder(w)
}
