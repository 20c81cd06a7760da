package signaling

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const sealNonceSize = 12

var (
	ErrInvalidSealKey = errors.New("signaling: invalid seal key")
	ErrOpenFailed     = errors.New("signaling: payload open failed")
)

// sealInfo binds derived keys to this protocol version.
var sealInfo = []byte("ringline-signal-v1")

// Sealer encrypts envelope payloads end to end so call metadata (SDP,
// candidates, reject reasons) stays opaque to the signaling relay. The
// routing fields of the envelope remain in the clear; only the payload is
// sealed. Keys are derived from a pre-shared call secret with HKDF-SHA256.
type Sealer struct {
	aead cipher.AEAD
}

func NewSealer(secret []byte) (*Sealer, error) {
	if len(secret) == 0 {
		return nil, ErrInvalidSealKey
	}
	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, secret, nil, sealInfo)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive seal key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSealKey, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSealKey, err)
	}
	return &Sealer{aead: aead}, nil
}

type sealedPayload struct {
	Nonce []byte `json:"n"`
	Box   []byte `json:"b"`
}

// Seal replaces the envelope payload with its sealed form. The envelope
// type and call id are bound as additional data so a relay cannot splice a
// payload onto another envelope.
func (s *Sealer) Seal(env Envelope) (Envelope, error) {
	if len(env.Payload) == 0 {
		return env, nil
	}
	nonce := make([]byte, sealNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, fmt.Errorf("seal nonce: %w", err)
	}
	box := s.aead.Seal(nil, nonce, env.Payload, s.aad(env))
	sealed, err := json.Marshal(sealedPayload{Nonce: nonce, Box: box})
	if err != nil {
		return Envelope{}, err
	}
	env.Payload = sealed
	return env, nil
}

// Open reverses Seal. Envelopes without a payload pass through untouched.
func (s *Sealer) Open(env Envelope) (Envelope, error) {
	if len(env.Payload) == 0 {
		return env, nil
	}
	var sealed sealedPayload
	if err := json.Unmarshal(env.Payload, &sealed); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	if len(sealed.Nonce) != sealNonceSize {
		return Envelope{}, ErrOpenFailed
	}
	plain, err := s.aead.Open(nil, sealed.Nonce, sealed.Box, s.aad(env))
	if err != nil {
		return Envelope{}, ErrOpenFailed
	}
	env.Payload = plain
	return env, nil
}

func (s *Sealer) aad(env Envelope) []byte {
	return []byte(string(env.Type) + "|" + env.CallID)
}

// Sealed wraps a Channel so every outbound payload is sealed and every
// inbound payload opened. Envelopes that fail to open are dropped.
type Sealed struct {
	inner  Channel
	sealer *Sealer
	out    chan Envelope
}

func WithSealing(inner Channel, sealer *Sealer) *Sealed {
	w := &Sealed{inner: inner, sealer: sealer, out: make(chan Envelope, socketRecvBuffer)}
	go w.openLoop()
	return w
}

func (w *Sealed) Send(ctx context.Context, env Envelope) error {
	sealed, err := w.sealer.Seal(env)
	if err != nil {
		return err
	}
	return w.inner.Send(ctx, sealed)
}

func (w *Sealed) Receive() <-chan Envelope { return w.out }

func (w *Sealed) Close() error { return w.inner.Close() }

func (w *Sealed) openLoop() {
	defer close(w.out)
	for env := range w.inner.Receive() {
		opened, err := w.sealer.Open(env)
		if err != nil {
			continue
		}
		w.out <- opened
	}
}
