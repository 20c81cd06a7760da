package signaling

import "context"

// Channel is the duplex transport for envelopes. Send is fire-and-forget:
// an error means the envelope definitely did not go out, a nil error is no
// delivery guarantee.
type Channel interface {
	Send(ctx context.Context, env Envelope) error
	Receive() <-chan Envelope
	Close() error
}
