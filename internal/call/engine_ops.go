package call

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/Avicted/ringline/internal/bus"
	"github.com/Avicted/ringline/internal/health"
	"github.com/Avicted/ringline/internal/identity"
	"github.com/Avicted/ringline/internal/media"
	"github.com/Avicted/ringline/internal/netmon"
	"github.com/Avicted/ringline/internal/peerconn"
	"github.com/Avicted/ringline/internal/securelog"
	"github.com/Avicted/ringline/internal/signaling"
)

const (
	rejectReasonBusy     = "busy"
	rejectReasonTimeout  = "timeout"
	rejectReasonDeclined = "declined"
	// rejectReasonUnavailable is the relay's bounce for an unreachable
	// peer; it feeds the retry path instead of ending the call.
	rejectReasonUnavailable = "unavailable"
)

func (e *Engine) initiate(ctx context.Context, remote identity.ID) error {
	if remote == "" {
		return fmt.Errorf("call: remote identity is required")
	}
	if e.session != nil {
		return ErrAlreadyInCall
	}

	source, err := e.cfg.Acquire.Acquire(ctx, media.DefaultConstraints())
	if err != nil {
		return err
	}
	e.source = source

	session := &Session{
		ID:             e.idGen(),
		Direction:      DirectionOutgoing,
		LocalIdentity:  e.cfg.Self,
		RemoteIdentity: remote,
		State:          StateRingingOutgoing,
		StartedAt:      e.clk.Now(),
		Network:        e.cfg.Profile(),
	}
	if err := e.sendTo(remote, session.ID, signaling.TypeCallRequest, nil); err != nil {
		_ = source.Close()
		e.source = nil
		return fmt.Errorf("call request: %w", err)
	}
	e.session = session
	e.ringTimer = e.clk.NewTimer(ringTimeout)
	e.publishState()
	return nil
}

func (e *Engine) answer(ctx context.Context) error {
	if e.session == nil || e.session.State != StateRingingIncoming {
		return ErrNotRinging
	}

	source, err := e.cfg.Acquire.Acquire(ctx, media.DefaultConstraints())
	if err != nil {
		e.sendResponse(false, rejectReasonDeclined)
		e.end(acquireReason(err), false)
		return err
	}
	e.source = source

	e.stopRingTimer()
	e.sendResponse(true, "")
	e.startConnecting(false)
	return nil
}

// acquireReason maps a media acquisition failure onto a terminal reason.
func acquireReason(err error) Reason {
	switch {
	case errors.Is(err, media.ErrPermissionDenied):
		return ReasonPermissionDenied
	case errors.Is(err, media.ErrDeviceNotFound):
		return ReasonDeviceNotFound
	default:
		return ReasonDeviceNotFound
	}
}

// hangup serves both Reject and End. A second hangup on a finished session
// is a no-op, never a second transition.
func (e *Engine) hangup(reject bool) error {
	if reject && (e.session == nil || e.session.State != StateRingingIncoming) {
		return ErrNotRinging
	}
	if e.session == nil || e.session.State.Terminal() {
		return nil
	}
	if e.session.State == StateRingingIncoming {
		e.sendResponse(false, rejectReasonDeclined)
		e.end(ReasonLocalEnded, false)
		return nil
	}
	e.end(ReasonLocalEnded, true)
	return nil
}

// toggleMute flips the mute flag without any state transition. It works from
// ring onward; a flag set before negotiation carries into the local tracks
// when they appear.
func (e *Engine) toggleMute() (bool, error) {
	if e.session == nil || e.session.State.Terminal() {
		return false, ErrNoActiveCall
	}
	muted := !e.muted.Load()
	e.muted.Store(muted)
	if e.neg != nil {
		e.neg.LocalHandle().SetAllEnabled(!muted)
	}
	e.cfg.Bus.Publish(bus.MuteChanged{IsMuted: muted})
	return muted, nil
}

func (e *Engine) handleEnvelope(ctx context.Context, env signaling.Envelope) {
	switch env.Type {
	case signaling.TypeCallRequest:
		e.handleCallRequest(env)
	case signaling.TypeCallResponse:
		e.handleCallResponse(env)
	case signaling.TypeMediaOffer:
		if !e.forSession(env) || e.neg == nil {
			return
		}
		var payload signaling.SDPPayload
		if err := signaling.UnmarshalPayload(env, &payload); err != nil {
			securelog.Error("media offer", err)
			return
		}
		if err := e.neg.HandleOffer(ctx, payload); err != nil {
			securelog.Error("handle offer", err)
		}
	case signaling.TypeMediaAnswer:
		if !e.forSession(env) || e.neg == nil {
			return
		}
		var payload signaling.SDPPayload
		if err := signaling.UnmarshalPayload(env, &payload); err != nil {
			securelog.Error("media answer", err)
			return
		}
		if err := e.neg.HandleAnswer(ctx, payload); err != nil {
			securelog.Error("handle answer", err)
		}
	case signaling.TypeICECandidate:
		if !e.forSession(env) || e.neg == nil {
			return
		}
		var payload signaling.CandidatePayload
		if err := signaling.UnmarshalPayload(env, &payload); err != nil {
			securelog.Error("ice candidate", err)
			return
		}
		if err := e.neg.AddCandidate(payload); err != nil {
			securelog.Error("add candidate", err)
		}
	case signaling.TypeCallEnd:
		if !e.forSession(env) {
			return
		}
		e.end(ReasonRemoteEnded, false)
	}
}

func (e *Engine) forSession(env signaling.Envelope) bool {
	return e.session != nil && env.CallID == e.session.ID
}

func (e *Engine) handleCallRequest(env signaling.Envelope) {
	if e.session != nil {
		if env.CallID == e.session.ID {
			return // redelivered request for the current call
		}
		// Busy: exactly one call may be non-terminal at a time.
		payload := signaling.ResponsePayload{Reason: rejectReasonBusy}
		if err := e.sendTo(env.Sender, env.CallID, signaling.TypeCallResponse, payload); err != nil {
			securelog.Error("busy response", err)
		}
		return
	}

	e.session = &Session{
		ID:             env.CallID,
		Direction:      DirectionIncoming,
		LocalIdentity:  e.cfg.Self,
		RemoteIdentity: env.Sender,
		State:          StateRingingIncoming,
		StartedAt:      e.clk.Now(),
		Network:        e.cfg.Profile(),
	}
	e.ringTimer = e.clk.NewTimer(ringTimeout)
	e.publishState()
}

func (e *Engine) handleCallResponse(env signaling.Envelope) {
	if !e.forSession(env) {
		return
	}
	var payload signaling.ResponsePayload
	if err := signaling.UnmarshalPayload(env, &payload); err != nil {
		securelog.Error("call response", err)
		return
	}

	if !payload.Accepted {
		if payload.Reason == rejectReasonUnavailable {
			switch e.session.State {
			case StateRingingOutgoing:
				// The relay bounced the request: the callee is not
				// connected. Re-dial with backoff instead of giving up.
				e.scheduleRedial()
				return
			case StateConnecting:
				if e.neg != nil {
					e.neg.PeerUnavailable()
					return
				}
			}
		}
		if e.session.State == StateRingingOutgoing || e.session.State == StateConnecting {
			e.end(ReasonRemoteRejected, false)
		}
		return
	}

	if e.session.State != StateRingingOutgoing {
		return // duplicate accept
	}
	e.stopRingTimer()
	e.stopRedialTimer()
	e.startConnecting(true)
}

// scheduleRedial backs off and re-sends the call request after an
// "unavailable" bounce. The redials share the negotiation attempt budget:
// a peer that never comes online exhausts it into connection_failed.
func (e *Engine) scheduleRedial() {
	if e.redialTimer != nil {
		return // a redial is already pending
	}
	if e.session.ConnectionAttempt == 0 {
		e.session.ConnectionAttempt = 1 // the initial request
	}
	if e.session.ConnectionAttempt >= peerconn.MaxConnectionAttempts {
		e.end(ReasonConnectionFailed, false)
		return
	}
	e.session.ConnectionAttempt++
	e.cfg.Bus.Publish(bus.ConnectionAttempt{Attempt: e.session.ConnectionAttempt})
	// The peer is not ringing while we wait; the ring timer re-arms with
	// the next request.
	e.stopRingTimer()
	e.redialTimer = e.clk.NewTimer(peerconn.UnavailableRetryDelay(e.session.ConnectionAttempt - 2))
}

func (e *Engine) handleRedial() {
	if e.session == nil || e.session.State != StateRingingOutgoing {
		return
	}
	if err := e.sendTo(e.session.RemoteIdentity, e.session.ID, signaling.TypeCallRequest, nil); err != nil {
		securelog.Error("call redial", err)
		e.end(ReasonConnectionFailed, false)
		return
	}
	e.ringTimer = e.clk.NewTimer(ringTimeout)
}

func (e *Engine) startConnecting(initiator bool) {
	e.session.State = StateConnecting
	neg, err := e.newNegotiator(peerconn.Params{
		CallID:     e.session.ID,
		Self:       e.cfg.Self,
		Remote:     e.session.RemoteIdentity,
		Initiator:  initiator,
		ICEServers: e.cfg.ICEServers,
		Profile:    e.session.Network,
		Source:     e.source,
		Sink:       e.cfg.Sink,
		Send:       e.cfg.Signal.Send,
		Clock:      e.clk,
	})
	if err != nil {
		securelog.Error("negotiator setup", err)
		e.end(ReasonConnectionFailed, true)
		return
	}
	e.neg = neg
	e.negEvents = neg.Events()
	if e.muted.Load() {
		neg.LocalHandle().SetAllEnabled(false)
	}
	if initiator {
		negCtx, cancel := context.WithCancel(context.Background())
		e.negCancel = cancel
		go neg.Negotiate(negCtx)
	}
	e.publishState()
}

func (e *Engine) handleNegotiatorEvent(ev peerconn.Event) {
	if e.session == nil {
		return
	}
	switch ev := ev.(type) {
	case peerconn.AttemptStarted:
		e.session.ConnectionAttempt = ev.Attempt
		e.cfg.Bus.Publish(bus.ConnectionAttempt{Attempt: ev.Attempt})
	case peerconn.MediaEstablished:
		if e.session.State != StateConnecting {
			return
		}
		e.session.State = StateConnected
		e.publishState()
		e.healthMon = e.newHealth(e.neg, e.clk, e.muted.Load)
		e.healthEvents = e.healthMon.Events()
		e.healthMon.Start()
	case peerconn.RemoteTrackAdded:
		if e.streamSeen {
			return
		}
		e.streamSeen = true
		e.cfg.Bus.Publish(bus.RemoteStreamAdded{Stream: e.neg.RemoteHandle()})
	case peerconn.Failed:
		e.end(ReasonConnectionFailed, true)
	}
}

func (e *Engine) handleHealthEvent(ev health.Event) {
	switch ev.(type) {
	case health.Stalled:
		e.end(ReasonAudioStalled, true)
	case health.Healed:
		log.Printf("audio path recovered after restart")
	}
}

func (e *Engine) handleProfileChange(profile netmon.Profile) {
	if e.session == nil {
		return
	}
	e.session.Network = profile
	if e.neg != nil {
		e.neg.ApplyProfile(profile)
	}
}

func (e *Engine) handleRingTimeout() {
	if e.session == nil {
		return
	}
	switch e.session.State {
	case StateRingingIncoming:
		e.sendResponse(false, rejectReasonTimeout)
		e.end(ReasonTimeout, false)
	case StateRingingOutgoing:
		e.end(ReasonTimeout, true)
	}
}

// end is the single terminal transition: every failure, rejection and hangup
// funnels through here exactly once per session.
func (e *Engine) end(reason Reason, notify bool) {
	if e.session == nil || e.session.State.Terminal() {
		return
	}
	if notify {
		if err := e.sendTo(e.session.RemoteIdentity, e.session.ID, signaling.TypeCallEnd,
			signaling.EndPayload{Reason: string(reason)}); err != nil {
			securelog.Error("call end", err)
		}
	}
	e.session.State = StateEnded
	e.session.Reason = reason
	e.cleanup()
	e.publishState()
	e.cfg.Bus.Publish(bus.CallEnded{Reason: string(reason)})
	e.graceTimer = e.clk.NewTimer(endedGrace)
}

// cleanup cancels timers, stops monitors and releases media. Safe to run
// more than once.
func (e *Engine) cleanup() {
	e.stopRingTimer()
	e.stopRedialTimer()
	if e.healthMon != nil {
		e.healthMon.Stop()
		e.healthMon = nil
		e.healthEvents = nil
	}
	if e.negCancel != nil {
		e.negCancel()
		e.negCancel = nil
	}
	if e.neg != nil {
		if err := e.neg.Close(); err != nil {
			securelog.Error("negotiator close", err)
		}
		e.neg = nil
		e.negEvents = nil
	} else if e.source != nil {
		_ = e.source.Close()
	}
	e.source = nil
	e.muted.Store(false)
	e.streamSeen = false
}

// resetToIdle clears the finished session after the grace delay.
func (e *Engine) resetToIdle() {
	if e.session == nil {
		return
	}
	if e.graceTimer != nil {
		e.graceTimer.Stop()
		e.graceTimer = nil
	}
	e.session = nil
	e.cfg.Bus.Publish(bus.StateChanged{State: string(StateIdle)})
}

func (e *Engine) stopRingTimer() {
	if e.ringTimer != nil {
		e.ringTimer.Stop()
		e.ringTimer = nil
	}
}

func (e *Engine) stopRedialTimer() {
	if e.redialTimer != nil {
		e.redialTimer.Stop()
		e.redialTimer = nil
	}
}

func (e *Engine) publishState() {
	if e.session == nil {
		return
	}
	e.cfg.Bus.Publish(bus.StateChanged{
		State:     string(e.session.State),
		Contact:   e.contactName(),
		Direction: string(e.session.Direction),
	})
}

func (e *Engine) contactName() string {
	if e.session == nil {
		return ""
	}
	if e.cfg.Resolver == nil {
		return string(e.session.RemoteIdentity)
	}
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()
	name, err := e.cfg.Resolver.Resolve(ctx, e.session.RemoteIdentity)
	if err != nil || name == "" {
		return string(e.session.RemoteIdentity)
	}
	return name
}

func (e *Engine) sendResponse(accepted bool, reason string) {
	payload := signaling.ResponsePayload{Accepted: accepted, Reason: reason}
	if err := e.sendTo(e.session.RemoteIdentity, e.session.ID, signaling.TypeCallResponse, payload); err != nil {
		securelog.Error("call response", err)
	}
}

func (e *Engine) sendTo(recipient identity.ID, callID string, typ signaling.Type, payload any) error {
	env := signaling.Envelope{
		Type:      typ,
		CallID:    callID,
		Sender:    e.cfg.Self,
		Recipient: recipient,
	}
	if payload != nil {
		env.Payload = signaling.MarshalPayload(payload)
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	return e.cfg.Signal.Send(ctx, env)
}
