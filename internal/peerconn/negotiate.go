package peerconn

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/Avicted/ringline/internal/media"
	"github.com/Avicted/ringline/internal/netmon"
	"github.com/Avicted/ringline/internal/signaling"
)

// Negotiate runs the outgoing side's retry loop: each attempt rebuilds the
// peer connection, sends a fresh offer and waits for media. After
// MaxConnectionAttempts failures the manager reports permanent failure and
// stops.
func (m *Manager) Negotiate(ctx context.Context) {
	for attempt := 0; attempt < MaxConnectionAttempts; attempt++ {
		if ctx.Err() != nil || m.isClosed() {
			return
		}
		m.recordAttempt(attempt)
		m.emit(AttemptStarted{Attempt: attempt + 1})

		outcome := m.attemptFn(ctx, attempt)
		m.finishAttempt(outcome)
		if outcome == OutcomeSuccess {
			return
		}

		delay := retryDelay(outcome, attempt)
		if delay > 0 {
			timer := m.clk.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-m.done:
				timer.Stop()
				return
			case <-timer.C():
			}
		}
	}
	m.emit(Failed{Reason: "connection_failed"})
}

// retryDelay picks the wait before the next attempt: an unreachable peer
// backs off progressively, transport-level errors retry almost immediately.
func retryDelay(outcome Outcome, attempt int) time.Duration {
	switch outcome {
	case OutcomePeerUnavailable:
		delay := time.Duration(attempt+1) * peerUnavailableStep
		if delay > peerUnavailableCap {
			delay = peerUnavailableCap
		}
		return delay
	case OutcomeTimeout:
		return transportErrorDelay
	default:
		return transportErrorDelay
	}
}

// UnavailableRetryDelay is the backoff before re-dialing a peer that
// signaling reported unreachable. Shared with the call engine, which retries
// the call request itself before any negotiator exists.
func UnavailableRetryDelay(attempt int) time.Duration {
	return retryDelay(OutcomePeerUnavailable, attempt)
}

// attemptTimeout grows linearly per attempt and doubles on cellular, where
// setup round trips are slower and transient drops common.
func attemptTimeout(attempt int, profile netmon.Profile) time.Duration {
	timeout := attemptTimeoutBase + time.Duration(attempt)*attemptTimeoutIncrement
	if profile.Kind == netmon.KindCellular {
		timeout *= 2
	}
	return timeout
}

func (m *Manager) recordAttempt(attempt int) {
	m.mu.Lock()
	m.attempts = append(m.attempts, Attempt{
		Index:     attempt,
		StartedAt: m.clk.Now(),
		Outcome:   OutcomePending,
	})
	m.attemptResult = make(chan Outcome, 1)
	m.mu.Unlock()
}

func (m *Manager) finishAttempt(outcome Outcome) {
	m.mu.Lock()
	if n := len(m.attempts); n > 0 {
		m.attempts[n-1].Outcome = outcome
	}
	m.attemptResult = nil
	m.mu.Unlock()
}

// runAttempt is one full negotiation pass. Replaced in tests to exercise the
// retry loop without a network.
func (m *Manager) runAttempt(ctx context.Context, attempt int) Outcome {
	if err := m.resetConnection(); err != nil {
		log.Printf("peer connection setup failed: %v", err)
		return OutcomeError
	}
	if err := m.sendOffer(ctx, false); err != nil {
		log.Printf("offer failed: %v", err)
		return OutcomeError
	}

	m.mu.Lock()
	result := m.attemptResult
	m.mu.Unlock()

	timer := m.clk.NewTimer(attemptTimeout(attempt, m.currentProfile()))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return OutcomeError
	case <-m.done:
		return OutcomeError
	case outcome := <-result:
		return outcome
	case <-timer.C():
		return OutcomeTimeout
	}
}

func (m *Manager) currentProfile() netmon.Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profile
}

// resetConnection tears down any previous attempt's transport and builds a
// fresh peer connection with the local track attached.
func (m *Manager) resetConnection() error {
	m.mu.Lock()
	old := m.pc
	m.pc = nil
	m.pendingCands = nil
	m.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	_, err := m.ensureConnection()
	return err
}

func (m *Manager) ensureConnection() (*webrtc.PeerConnection, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("peerconn: closed")
	}
	if m.pc != nil {
		pc := m.pc
		m.mu.Unlock()
		return pc, nil
	}
	m.mu.Unlock()

	pc, err := m.api.NewPeerConnection(webrtc.Configuration{ICEServers: m.params.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	if _, err := pc.AddTrack(m.localTrack.LocalStatic()); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("add audio track: %w", err)
	}

	pc.OnICECandidate(m.handleLocalCandidate)
	pc.OnICEConnectionStateChange(m.handleICEState)
	pc.OnConnectionStateChange(m.handleConnectionState)
	pc.OnTrack(m.handleRemoteTrack)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = pc.Close()
		return nil, fmt.Errorf("peerconn: closed")
	}
	m.pc = pc
	m.mu.Unlock()
	return pc, nil
}

// sendOffer creates an offer, applies it locally and ships a tuned copy to
// the peer. With restart=true the offer renegotiates ICE credentials in
// place instead of starting over.
func (m *Manager) sendOffer(ctx context.Context, restart bool) error {
	pc, err := m.ensureConnection()
	if err != nil {
		return err
	}
	var opts *webrtc.OfferOptions
	if restart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := pc.CreateOffer(opts)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	// The local description must stay exactly as created; only the copy on
	// the wire carries the bandwidth and codec tuning.
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	tuned, err := TuneSDP(offer.SDP, m.currentProfile())
	if err != nil {
		return fmt.Errorf("tune offer: %w", err)
	}
	return m.send(ctx, signaling.TypeMediaOffer, signaling.SDPPayload{SDP: tuned, Restart: restart})
}

// HandleOffer is the accepting side's entry point, also hit by restart
// re-offers from the initiator.
func (m *Manager) HandleOffer(ctx context.Context, payload signaling.SDPPayload) error {
	pc, err := m.ensureConnection()
	if err != nil {
		return err
	}
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: payload.SDP}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	m.flushPendingCandidates(pc)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	tuned, err := TuneSDP(answer.SDP, m.currentProfile())
	if err != nil {
		return fmt.Errorf("tune answer: %w", err)
	}
	return m.send(ctx, signaling.TypeMediaAnswer, signaling.SDPPayload{SDP: tuned})
}

func (m *Manager) HandleAnswer(_ context.Context, payload signaling.SDPPayload) error {
	m.mu.Lock()
	pc := m.pc
	m.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("peerconn: no connection for answer")
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: payload.SDP}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	m.flushPendingCandidates(pc)
	return nil
}

// AddCandidate applies a remote candidate, queueing it when the remote
// description has not arrived yet.
func (m *Manager) AddCandidate(payload signaling.CandidatePayload) error {
	init := webrtc.ICECandidateInit{Candidate: payload.Candidate}
	m.mu.Lock()
	pc := m.pc
	if pc == nil || pc.RemoteDescription() == nil {
		m.pendingCands = append(m.pendingCands, init)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	return pc.AddICECandidate(init)
}

func (m *Manager) flushPendingCandidates(pc *webrtc.PeerConnection) {
	m.mu.Lock()
	pending := m.pendingCands
	m.pendingCands = nil
	m.mu.Unlock()
	for _, cand := range pending {
		if err := pc.AddICECandidate(cand); err != nil {
			log.Printf("apply queued candidate failed: %v", err)
		}
	}
}

// RestartICE renegotiates transport credentials without a full teardown.
// Only the initiating side re-offers; the accepting side answers the
// incoming restart offer through HandleOffer.
func (m *Manager) RestartICE() error {
	if !m.params.Initiator {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), socketTimeout())
	defer cancel()
	return m.sendOffer(ctx, true)
}

func socketTimeout() time.Duration { return 5 * time.Second }

func (m *Manager) handleLocalCandidate(c *webrtc.ICECandidate) {
	if c == nil || m.isClosed() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), socketTimeout())
	defer cancel()
	if err := m.send(ctx, signaling.TypeICECandidate, signaling.CandidatePayload{Candidate: c.ToJSON().Candidate}); err != nil {
		log.Printf("candidate send failed: %v", err)
	}
}

func (m *Manager) handleICEState(state webrtc.ICEConnectionState) {
	if m.isClosed() {
		return
	}
	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		m.cancelDisconnectGrace()
		m.markEstablished()
	case webrtc.ICEConnectionStateFailed:
		m.cancelDisconnectGrace()
		if m.isEstablished() {
			if err := m.RestartICE(); err != nil {
				log.Printf("ice restart failed: %v", err)
			}
			return
		}
		m.resolveAttempt(OutcomeError)
	case webrtc.ICEConnectionStateDisconnected:
		// Mobile networks report transient disconnects; act only if it
		// persists past the grace window.
		m.startDisconnectGrace()
	}
}

func (m *Manager) handleConnectionState(state webrtc.PeerConnectionState) {
	if m.isClosed() {
		return
	}
	switch state {
	case webrtc.PeerConnectionStateConnected:
		m.markEstablished()
	case webrtc.PeerConnectionStateFailed:
		if m.isEstablished() {
			m.emit(Failed{Reason: "connection_failed"})
			return
		}
		m.resolveAttempt(OutcomeError)
	}
}

func (m *Manager) startDisconnectGrace() {
	m.mu.Lock()
	if m.disconnectT != nil || m.closed {
		m.mu.Unlock()
		return
	}
	timer := m.clk.NewTimer(iceDisconnectGrace)
	m.disconnectT = timer
	m.mu.Unlock()

	go func() {
		select {
		case <-m.done:
			timer.Stop()
			return
		case <-timer.C():
		}
		m.mu.Lock()
		m.disconnectT = nil
		pc := m.pc
		m.mu.Unlock()
		if pc == nil || pc.ICEConnectionState() != webrtc.ICEConnectionStateDisconnected {
			return
		}
		if m.isEstablished() {
			if err := m.RestartICE(); err != nil {
				log.Printf("ice restart failed: %v", err)
			}
			return
		}
		m.resolveAttempt(OutcomeError)
	}()
}

func (m *Manager) cancelDisconnectGrace() {
	m.mu.Lock()
	if m.disconnectT != nil {
		m.disconnectT.Stop()
		m.disconnectT = nil
	}
	m.mu.Unlock()
}

func (m *Manager) handleRemoteTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	if track == nil || track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	wrapped := media.NewRemoteTrack(track.ID(), track)
	m.remoteHandle.AddTrack(wrapped)
	m.emit(RemoteTrackAdded{Track: wrapped})

	// Account received audio bytes for the health monitor.
	go func() {
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				return
			}
			if !wrapped.Enabled() {
				continue
			}
			m.bytesReceived.Add(uint64(len(pkt.Payload)))
			if m.params.Sink != nil {
				m.params.Sink.Push(pkt.Payload)
			}
		}
	}()
}

func (m *Manager) send(ctx context.Context, typ signaling.Type, payload any) error {
	return m.params.Send(ctx, signaling.Envelope{
		Type:      typ,
		CallID:    m.params.CallID,
		Sender:    m.params.Self,
		Recipient: m.params.Remote,
		Payload:   signaling.MarshalPayload(payload),
	})
}
