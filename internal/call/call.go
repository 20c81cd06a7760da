// Package call holds the call lifecycle state machine. The Engine is the
// single writer of call state: signaling, negotiation, network tuning and
// health monitoring all funnel their events through its one loop goroutine.
package call

import (
	"errors"
	"time"

	"github.com/Avicted/ringline/internal/identity"
	"github.com/Avicted/ringline/internal/netmon"
)

type State string

const (
	StateIdle            State = "idle"
	StateRingingOutgoing State = "ringing_outgoing"
	StateRingingIncoming State = "ringing_incoming"
	StateConnecting      State = "connecting"
	StateConnected       State = "connected"
	StateEnded           State = "ended"
)

// Terminal reports whether the state admits no further transitions except
// the reset to Idle.
func (s State) Terminal() bool { return s == StateEnded }

// Ringing reports either ringing variant.
func (s State) Ringing() bool {
	return s == StateRingingOutgoing || s == StateRingingIncoming
}

type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// Reason is the single terminal code attached to the Ended transition. Every
// way a call can finish funnels into one of these.
type Reason string

const (
	ReasonLocalEnded       Reason = "local_ended"
	ReasonRemoteEnded      Reason = "remote_ended"
	ReasonRemoteRejected   Reason = "remote_rejected"
	ReasonTimeout          Reason = "timeout"
	ReasonConnectionFailed Reason = "connection_failed"
	ReasonAudioStalled     Reason = "audio_stalled"
	ReasonPermissionDenied Reason = "permission_denied"
	ReasonDeviceNotFound   Reason = "device_not_found"
)

var (
	ErrAlreadyInCall = errors.New("call: already in a call")
	ErrNotRinging    = errors.New("call: no incoming call to answer")
	ErrNoActiveCall  = errors.New("call: no active call")
	ErrEngineStopped = errors.New("call: engine stopped")
)

// Session is the state of one call. Owned and mutated exclusively by the
// Engine loop; at most one session is non-terminal at any time.
type Session struct {
	ID                string
	Direction         Direction
	LocalIdentity     identity.ID
	RemoteIdentity    identity.ID
	State             State
	Reason            Reason
	StartedAt         time.Time
	ConnectionAttempt int
	Network           netmon.Profile
}
