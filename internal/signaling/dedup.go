package signaling

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// maxTrackedCalls bounds the dedup memory. Only one call is ever live, so a
// small window over recent call IDs is plenty.
const maxTrackedCalls = 16

// Dedup wraps a Channel and drops envelopes already seen for a call. The
// fallback pipe can redeliver, and both backends may replay after a
// reconnect. Negotiation envelopes are keyed by payload hash, since several
// distinct offers or candidates share a type; call responses pass through
// untouched because each one carries live state for the engine.
type Dedup struct {
	inner Channel
	out   chan Envelope

	seen  map[string]map[string]struct{}
	order []string
}

func WithDedup(inner Channel) *Dedup {
	d := &Dedup{
		inner: inner,
		out:   make(chan Envelope, socketRecvBuffer),
		seen:  make(map[string]map[string]struct{}),
	}
	go d.filterLoop()
	return d
}

func (d *Dedup) Send(ctx context.Context, env Envelope) error {
	return d.inner.Send(ctx, env)
}

func (d *Dedup) Receive() <-chan Envelope {
	return d.out
}

func (d *Dedup) Close() error {
	return d.inner.Close()
}

func (d *Dedup) filterLoop() {
	defer close(d.out)
	for env := range d.inner.Receive() {
		if d.duplicate(env) {
			continue
		}
		d.out <- env
	}
}

func (d *Dedup) duplicate(env Envelope) bool {
	key := string(env.Type)
	switch env.Type {
	case TypeCallResponse:
		// Responses recur with meaning: every bounced request yields
		// another "unavailable", and an accept can follow them all. The
		// engine resolves true duplicates by call state, not delivery.
		return false
	case TypeICECandidate, TypeMediaOffer, TypeMediaAnswer:
		// Negotiation envelopes legitimately recur with fresh payloads
		// (retry attempts, ICE restarts); only exact redelivery is a dup.
		sum := sha256.Sum256(env.Payload)
		key += "/" + hex.EncodeToString(sum[:8])
	}
	calls, ok := d.seen[env.CallID]
	if !ok {
		calls = make(map[string]struct{})
		d.seen[env.CallID] = calls
		d.order = append(d.order, env.CallID)
		if len(d.order) > maxTrackedCalls {
			oldest := d.order[0]
			d.order = d.order[1:]
			delete(d.seen, oldest)
		}
	}
	if _, dup := calls[key]; dup {
		return true
	}
	calls[key] = struct{}{}
	return false
}
