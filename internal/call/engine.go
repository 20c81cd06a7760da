package call

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/Avicted/ringline/internal/bus"
	"github.com/Avicted/ringline/internal/clock"
	"github.com/Avicted/ringline/internal/health"
	"github.com/Avicted/ringline/internal/identity"
	"github.com/Avicted/ringline/internal/media"
	"github.com/Avicted/ringline/internal/netmon"
	"github.com/Avicted/ringline/internal/peerconn"
	"github.com/Avicted/ringline/internal/signaling"
)

const (
	// ringTimeout bounds both an unanswered incoming ring (auto-reject) and
	// an outgoing ring the remote never responds to.
	ringTimeout = 30 * time.Second
	// endedGrace is how long a finished session lingers before the engine
	// resets to Idle.
	endedGrace = 3 * time.Second

	resolveTimeout = 2 * time.Second
	sendTimeout    = 5 * time.Second
	cmdBuffer      = 16
)

// Negotiator is the peer connection manager as the engine sees it.
// *peerconn.Manager is the production implementation.
type Negotiator interface {
	Negotiate(ctx context.Context)
	HandleOffer(ctx context.Context, payload signaling.SDPPayload) error
	HandleAnswer(ctx context.Context, payload signaling.SDPPayload) error
	AddCandidate(payload signaling.CandidatePayload) error
	ApplyProfile(p netmon.Profile)
	RestartICE() error
	Stats() peerconn.Stats
	LocalHandle() *media.Handle
	RemoteHandle() *media.Handle
	Events() <-chan peerconn.Event
	PeerUnavailable()
	Close() error
}

// NegotiatorFactory builds the transport for one call session.
type NegotiatorFactory func(params peerconn.Params) (Negotiator, error)

type healthMonitor interface {
	Start()
	Stop()
	Events() <-chan health.Event
}

type healthFactory func(transport health.Transport, clk clock.Clock, muted func() bool) healthMonitor

// Config wires the engine's collaborators. Signal, Acquire and Bus are
// required; everything else has a sensible default.
type Config struct {
	Self       identity.ID
	ICEServers []webrtc.ICEServer

	Signal   signaling.Channel
	Acquire  media.Acquirer
	Bus      *bus.Bus
	Resolver identity.Resolver
	Clock    clock.Clock

	// Sink receives remote audio payloads for playback; nil discards them.
	Sink peerconn.RTPSink

	// NetUpdates feeds live network profile changes; Profile snapshots the
	// current one for new sessions. Both usually come from netmon.Monitor.
	NetUpdates <-chan netmon.Profile
	Profile    func() netmon.Profile
}

// Engine is the call state machine. All state lives on the Run goroutine;
// the exported methods post commands onto it and wait for the answer.
type Engine struct {
	cfg Config
	clk clock.Clock

	cmds chan command
	done chan struct{}

	// Loop-owned state below; never touched off the Run goroutine.
	sigIn        <-chan signaling.Envelope
	session      *Session
	neg          Negotiator
	negEvents    <-chan peerconn.Event
	negCancel    context.CancelFunc
	source       media.Source
	healthMon    healthMonitor
	healthEvents <-chan health.Event
	ringTimer    clock.Timer
	redialTimer  clock.Timer
	graceTimer   clock.Timer
	streamSeen   bool

	muted atomic.Bool

	idGen         func() string
	newNegotiator NegotiatorFactory
	newHealth     healthFactory
}

func NewEngine(cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.Profile == nil {
		cfg.Profile = func() netmon.Profile { return netmon.ProfileFor(netmon.KindUnknown) }
	}
	e := &Engine{
		cfg:   cfg,
		clk:   cfg.Clock,
		cmds:  make(chan command, cmdBuffer),
		done:  make(chan struct{}),
		idGen: func() string { return uuid.NewString() },
	}
	e.newNegotiator = func(params peerconn.Params) (Negotiator, error) {
		return peerconn.NewManager(params)
	}
	e.newHealth = func(transport health.Transport, clk clock.Clock, muted func() bool) healthMonitor {
		return health.NewMonitor(transport, clk, muted)
	}
	return e
}

// Run drives the state machine until ctx is cancelled. All call state is
// confined to this goroutine.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.done)
	e.sigIn = e.cfg.Signal.Receive()
	for {
		select {
		case <-ctx.Done():
			e.end(ReasonLocalEnded, true)
			e.resetToIdle()
			return
		case cmd := <-e.cmds:
			cmd.reply <- e.handleCommand(ctx, cmd)
		case env, ok := <-e.sigIn:
			if !ok {
				e.sigIn = nil
				e.end(ReasonConnectionFailed, false)
				continue
			}
			e.handleEnvelope(ctx, env)
		case ev, ok := <-e.negEventsOrNil():
			if !ok {
				e.negEvents = nil
				continue
			}
			e.handleNegotiatorEvent(ev)
		case ev, ok := <-e.healthEventsOrNil():
			if !ok {
				e.healthEvents = nil
				continue
			}
			e.handleHealthEvent(ev)
		case profile, ok := <-e.netUpdatesOrNil():
			if !ok {
				continue
			}
			e.handleProfileChange(profile)
		case <-timerC(e.ringTimer):
			e.ringTimer = nil
			e.handleRingTimeout()
		case <-timerC(e.redialTimer):
			e.redialTimer = nil
			e.handleRedial()
		case <-timerC(e.graceTimer):
			e.graceTimer = nil
			e.resetToIdle()
		}
	}
}

// nil-channel helpers keep the select simple when a source is absent.
func (e *Engine) negEventsOrNil() <-chan peerconn.Event { return e.negEvents }

func (e *Engine) healthEventsOrNil() <-chan health.Event { return e.healthEvents }

func (e *Engine) netUpdatesOrNil() <-chan netmon.Profile { return e.cfg.NetUpdates }

func timerC(t clock.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C()
}

type cmdKind int

const (
	cmdInitiate cmdKind = iota
	cmdAnswer
	cmdReject
	cmdEnd
	cmdToggleMute
	cmdSnapshot
)

type command struct {
	kind   cmdKind
	remote identity.ID
	reply  chan result
}

type result struct {
	err     error
	muted   bool
	session Session
	active  bool
}

func (e *Engine) post(ctx context.Context, cmd command) (result, error) {
	cmd.reply = make(chan result, 1)
	select {
	case e.cmds <- cmd:
	case <-e.done:
		return result{}, ErrEngineStopped
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
	select {
	case res := <-cmd.reply:
		return res, res.err
	case <-e.done:
		return result{}, ErrEngineStopped
	}
}

// Initiate places an outgoing call. Fails with ErrAlreadyInCall unless Idle;
// media acquisition errors (permission, missing device) surface to the
// caller and no session is created.
func (e *Engine) Initiate(ctx context.Context, remote identity.ID) error {
	_, err := e.post(ctx, command{kind: cmdInitiate, remote: remote})
	return err
}

// Answer accepts the currently ringing incoming call.
func (e *Engine) Answer(ctx context.Context) error {
	_, err := e.post(ctx, command{kind: cmdAnswer})
	return err
}

// Reject declines the currently ringing incoming call.
func (e *Engine) Reject(ctx context.Context) error {
	_, err := e.post(ctx, command{kind: cmdReject})
	return err
}

// End hangs up. Valid from any non-terminal state and idempotent.
func (e *Engine) End(ctx context.Context) error {
	_, err := e.post(ctx, command{kind: cmdEnd})
	return err
}

// ToggleMute flips the local tracks' enabled flag and reports the new muted
// state. No state transition.
func (e *Engine) ToggleMute(ctx context.Context) (bool, error) {
	res, err := e.post(ctx, command{kind: cmdToggleMute})
	return res.muted, err
}

// Snapshot returns a copy of the current session, if any.
func (e *Engine) Snapshot(ctx context.Context) (Session, bool, error) {
	res, err := e.post(ctx, command{kind: cmdSnapshot})
	return res.session, res.active, err
}

func (e *Engine) handleCommand(ctx context.Context, cmd command) result {
	switch cmd.kind {
	case cmdInitiate:
		return result{err: e.initiate(ctx, cmd.remote)}
	case cmdAnswer:
		return result{err: e.answer(ctx)}
	case cmdReject:
		return result{err: e.hangup(true)}
	case cmdEnd:
		return result{err: e.hangup(false)}
	case cmdToggleMute:
		muted, err := e.toggleMute()
		return result{muted: muted, err: err}
	case cmdSnapshot:
		if e.session == nil {
			return result{}
		}
		return result{session: *e.session, active: true}
	default:
		return result{}
	}
}
