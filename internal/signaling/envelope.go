// Package signaling carries the small control envelopes (call request,
// response, media negotiation, end) between the two parties of a call. The
// transport is interchangeable: a dedicated websocket or the encrypted
// messaging pipe as a fallback. Delivery is best-effort and may duplicate.
package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/Avicted/ringline/internal/identity"
)

type Type string

const (
	TypeCallRequest  Type = "call_request"
	TypeCallResponse Type = "call_response"
	TypeMediaOffer   Type = "media_offer"
	TypeMediaAnswer  Type = "media_answer"
	TypeICECandidate Type = "ice_candidate"
	TypeCallEnd      Type = "call_end"
)

// Envelope is immutable once sent and must be handled idempotently on
// receive: the same envelope can arrive more than once on the fallback path.
type Envelope struct {
	Type      Type            `json:"type"`
	CallID    string          `json:"call_id"`
	Sender    identity.ID     `json:"sender"`
	Recipient identity.ID     `json:"recipient"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func (e Envelope) Valid() error {
	switch e.Type {
	case TypeCallRequest, TypeCallResponse, TypeMediaOffer, TypeMediaAnswer, TypeICECandidate, TypeCallEnd:
	default:
		return fmt.Errorf("signaling: unknown envelope type %q", e.Type)
	}
	if e.CallID == "" {
		return fmt.Errorf("signaling: call id is required")
	}
	return nil
}

// ResponsePayload answers a call_request.
type ResponsePayload struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// SDPPayload carries an offer or answer description.
type SDPPayload struct {
	SDP     string `json:"sdp"`
	Restart bool   `json:"restart,omitempty"`
}

// CandidatePayload carries one discovered ICE candidate.
type CandidatePayload struct {
	Candidate string `json:"candidate"`
}

// EndPayload explains why the sender tore the call down.
type EndPayload struct {
	Reason string `json:"reason,omitempty"`
}

func MarshalPayload(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

func UnmarshalPayload(e Envelope, v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("signaling: empty payload on %s", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("signaling: decode %s payload: %w", e.Type, err)
	}
	return nil
}
