package signaling

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Avicted/ringline/internal/identity"
)

// pipePrefix marks a text message as a serialized signal envelope so the
// receiving client can pull it back out of the normal message flow.
const pipePrefix = "!RLSIG1 "

// TextSender is the existing encrypted messaging pipe, consumed as an opaque
// send capability.
type TextSender interface {
	Send(ctx context.Context, recipient identity.ID, text string) error
}

// Pipe piggy-backs envelopes on the messaging pipe. It is the fallback
// transport when no dedicated socket is available; the pipe may redeliver,
// so consumers sit behind the dedup wrapper.
type Pipe struct {
	sender TextSender
	recv   chan Envelope
	done   chan struct{}
}

func NewPipe(sender TextSender) *Pipe {
	return &Pipe{
		sender: sender,
		recv:   make(chan Envelope, socketRecvBuffer),
		done:   make(chan struct{}),
	}
}

func (p *Pipe) Send(ctx context.Context, env Envelope) error {
	if err := env.Valid(); err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	text := pipePrefix + base64.StdEncoding.EncodeToString(data)
	if err := p.sender.Send(ctx, env.Recipient, text); err != nil {
		return fmt.Errorf("signaling pipe send: %w", err)
	}
	return nil
}

// HandleMessage inspects an inbound text message. It reports true when the
// message was a signal envelope (consumed), false when it is ordinary text
// the messaging layer should keep.
func (p *Pipe) HandleMessage(sender identity.ID, text string) bool {
	if !strings.HasPrefix(text, pipePrefix) {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(text, pipePrefix))
	if err != nil {
		return true
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return true
	}
	if env.Valid() != nil {
		return true
	}
	if sender != "" {
		env.Sender = sender
	}
	select {
	case p.recv <- env:
	case <-p.done:
	default:
	}
	return true
}

func (p *Pipe) Receive() <-chan Envelope {
	return p.recv
}

func (p *Pipe) Close() error {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
	return nil
}
