// Package peerconn negotiates and maintains the direct media transport for a
// single call: offer/answer exchange, candidate trickling, retry with
// backoff, network-tuned encoding and ICE self-healing. It owns the local
// media handle for the session's lifetime.
package peerconn

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/Avicted/ringline/internal/clock"
	"github.com/Avicted/ringline/internal/identity"
	"github.com/Avicted/ringline/internal/media"
	"github.com/Avicted/ringline/internal/netmon"
	"github.com/Avicted/ringline/internal/signaling"
)

const (
	// MaxConnectionAttempts bounds the outgoing negotiation retry loop.
	MaxConnectionAttempts = 8

	attemptTimeoutBase      = 10 * time.Second
	attemptTimeoutIncrement = 5 * time.Second
	peerUnavailableStep     = 2 * time.Second
	peerUnavailableCap      = 30 * time.Second
	transportErrorDelay     = 500 * time.Millisecond
	iceDisconnectGrace      = 5 * time.Second

	eventBuffer = 32
)

// Outcome is the result of one connection attempt.
type Outcome string

const (
	OutcomePending         Outcome = "pending"
	OutcomeSuccess         Outcome = "success"
	OutcomePeerUnavailable Outcome = "peer_unavailable"
	OutcomeTimeout         Outcome = "timeout"
	OutcomeError           Outcome = "error"
)

// Attempt records one pass of the negotiation loop.
type Attempt struct {
	Index     int
	StartedAt time.Time
	Outcome   Outcome
}

// Event is the manager's channel to the call state machine.
type Event interface {
	isEvent()
}

// AttemptStarted is emitted at the start of each negotiation attempt,
// 1-based.
type AttemptStarted struct {
	Attempt int
}

// MediaEstablished is emitted exactly once, when the transport first carries
// media. Both the ICE and the overall connection state feed it; the manager
// de-duplicates before it reaches the state machine.
type MediaEstablished struct{}

// RemoteTrackAdded is emitted when the remote audio track arrives.
type RemoteTrackAdded struct {
	Track *media.Track
}

// Failed is the manager's permanent-failure report.
type Failed struct {
	Reason string
}

func (AttemptStarted) isEvent()   {}
func (MediaEstablished) isEvent() {}
func (RemoteTrackAdded) isEvent() {}
func (Failed) isEvent()           {}

// SendFunc delivers an outbound envelope via the signaling channel.
type SendFunc func(ctx context.Context, env signaling.Envelope) error

// Params configure a Manager for one call session.
type Params struct {
	CallID    string
	Self      identity.ID
	Remote    identity.ID
	Initiator bool

	ICEServers []webrtc.ICEServer
	Profile    netmon.Profile

	// Source is the acquired local audio; nil disables the encode pipeline
	// (the transport still negotiates, useful in tests).
	Source media.Source

	// Sink receives the remote track's opus payloads; nil discards them.
	Sink RTPSink

	Send  SendFunc
	Clock clock.Clock
}

// RTPSink consumes received audio payloads, typically for playback.
type RTPSink interface {
	Push(payload []byte)
}

// Manager drives the media transport for exactly one call.
type Manager struct {
	params Params
	api    *webrtc.API
	clk    clock.Clock
	events chan Event
	done   chan struct{}

	mu            sync.Mutex
	pc            *webrtc.PeerConnection
	localTrack    *media.Track
	localHandle   *media.Handle
	remoteHandle  *media.Handle
	profile       netmon.Profile
	pipeline      *media.Pipeline
	pipelineStop  context.CancelFunc
	attempts      []Attempt
	attemptResult chan Outcome
	pendingCands  []webrtc.ICECandidateInit
	established   bool
	closed        bool
	disconnectT   clock.Timer

	bytesReceived atomic.Uint64
	bytesSent     atomic.Uint64

	attemptFn func(ctx context.Context, attempt int) Outcome
}

// Stats is the health monitor's view of the transport.
type Stats struct {
	RemoteTrackCount   int
	AudioBytesReceived uint64
	AudioBytesSent     uint64
}

func NewManager(params Params) (*Manager, error) {
	if params.CallID == "" {
		return nil, fmt.Errorf("peerconn: call id is required")
	}
	if params.Send == nil {
		return nil, fmt.Errorf("peerconn: send func is required")
	}
	if params.Clock == nil {
		params.Clock = clock.System{}
	}

	engine := &webrtc.MediaEngine{}
	if err := engine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	m := &Manager{
		params:       params,
		api:          webrtc.NewAPI(webrtc.WithMediaEngine(engine)),
		clk:          params.Clock,
		events:       make(chan Event, eventBuffer),
		done:         make(chan struct{}),
		localHandle:  media.NewHandle(media.OwnerLocal),
		remoteHandle: media.NewHandle(media.OwnerRemote),
		profile:      params.Profile,
	}
	m.attemptFn = m.runAttempt

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "ringline")
	if err != nil {
		return nil, fmt.Errorf("new audio track: %w", err)
	}
	m.localTrack = media.NewLocalTrack("mic", track)
	m.localHandle.AddTrack(m.localTrack)

	if params.Source != nil {
		pipeline, err := media.NewPipeline(params.Source, m.localTrack, media.DefaultConstraints(),
			params.Profile.TargetBitrateKbps, func(n int) { m.bytesSent.Add(uint64(n)) })
		if err != nil {
			return nil, err
		}
		m.pipeline = pipeline
		pipeCtx, cancel := context.WithCancel(context.Background())
		m.pipelineStop = cancel
		go func() {
			if err := pipeline.Run(pipeCtx); err != nil {
				log.Printf("audio pipeline stopped: %v", err)
			}
		}()
	}

	return m, nil
}

// Events delivers manager events to the state machine.
func (m *Manager) Events() <-chan Event { return m.events }

// LocalHandle returns the exclusively-owned local media handle.
func (m *Manager) LocalHandle() *media.Handle { return m.localHandle }

// RemoteHandle returns the remote media handle; tracks appear as they arrive.
func (m *Manager) RemoteHandle() *media.Handle { return m.remoteHandle }

// Attempts returns a copy of the attempt history.
func (m *Manager) Attempts() []Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Attempt, len(m.attempts))
	copy(out, m.attempts)
	return out
}

func (m *Manager) Stats() Stats {
	return Stats{
		RemoteTrackCount:   m.remoteHandle.TrackCount(),
		AudioBytesReceived: m.bytesReceived.Load(),
		AudioBytesSent:     m.bytesSent.Load(),
	}
}

// ApplyProfile retargets encoding for a changed network without any
// renegotiation: a live parameter update on the active sender.
func (m *Manager) ApplyProfile(p netmon.Profile) {
	m.mu.Lock()
	m.profile = p
	pipeline := m.pipeline
	m.mu.Unlock()
	if pipeline != nil {
		if err := pipeline.SetBitrate(p.TargetBitrateKbps); err != nil {
			log.Printf("bitrate update failed: %v", err)
		}
	}
}

// PeerUnavailable resolves the in-flight attempt: the remote party could not
// be reached. Fed by the signaling layer.
func (m *Manager) PeerUnavailable() {
	m.resolveAttempt(OutcomePeerUnavailable)
}

// Close tears the transport down. Idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	pc := m.pc
	m.pc = nil
	stop := m.pipelineStop
	if m.disconnectT != nil {
		m.disconnectT.Stop()
		m.disconnectT = nil
	}
	m.mu.Unlock()

	close(m.done)
	if stop != nil {
		stop()
	}
	if m.params.Source != nil {
		_ = m.params.Source.Close()
	}
	if pc != nil {
		return pc.Close()
	}
	return nil
}

func (m *Manager) emit(ev Event) {
	select {
	case <-m.done:
	case m.events <- ev:
	default:
		log.Printf("peerconn: dropping event %T, consumer too slow", ev)
	}
}

func (m *Manager) isClosed() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// markEstablished funnels every "connected" signal into one MediaEstablished
// event.
func (m *Manager) markEstablished() {
	m.mu.Lock()
	if m.established || m.closed {
		m.mu.Unlock()
		return
	}
	m.established = true
	m.mu.Unlock()
	m.resolveAttempt(OutcomeSuccess)
	m.emit(MediaEstablished{})
}

func (m *Manager) isEstablished() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.established
}

func (m *Manager) resolveAttempt(outcome Outcome) {
	m.mu.Lock()
	ch := m.attemptResult
	m.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- outcome:
	default:
	}
}
