// Package health watches a connected call's audio path and repairs it when
// it stalls: tracks that were disabled behind our back get re-enabled, a dead
// receive path first gets an ICE restart and, failing that, the call is
// reported stalled so the state machine can end it.
package health

import (
	"context"
	"log"
	"time"

	"github.com/Avicted/ringline/internal/clock"
	"github.com/Avicted/ringline/internal/media"
	"github.com/Avicted/ringline/internal/peerconn"
)

const (
	checkInterval = 5 * time.Second
	// connectGrace is how long after connect a silent or track-less remote
	// side is tolerated before it counts as a stall.
	connectGrace = 10 * time.Second
	// healWindow is how long an ICE restart gets to restore flow before the
	// monitor escalates to teardown.
	healWindow = 10 * time.Second
)

// Transport is the slice of the peer connection manager the monitor needs.
type Transport interface {
	Stats() peerconn.Stats
	LocalHandle() *media.Handle
	RemoteHandle() *media.Handle
	RestartICE() error
}

// Event is the monitor's report to the call state machine.
type Event interface {
	isEvent()
}

// Stalled means self-healing failed and the call should end.
type Stalled struct{}

// Healed notes that flow resumed after a restart. Informational.
type Healed struct{}

func (Stalled) isEvent() {}
func (Healed) isEvent()  {}

// Monitor checks the audio path on a fixed interval while a call is
// connected. Start it on Connected, stop it on any transition away.
type Monitor struct {
	transport Transport
	clk       clock.Clock
	// muted reports the intended local mute state so repair does not undo
	// a deliberate mute.
	muted func() bool

	events chan Event
	cancel context.CancelFunc

	connectedAt   time.Time
	lastBytes     uint64
	lastFlowAt    time.Time
	healDeadline  time.Time
	restartIssued bool
}

func NewMonitor(transport Transport, clk clock.Clock, muted func() bool) *Monitor {
	if clk == nil {
		clk = clock.System{}
	}
	if muted == nil {
		muted = func() bool { return false }
	}
	return &Monitor{
		transport: transport,
		clk:       clk,
		muted:     muted,
		events:    make(chan Event, 4),
	}
}

func (m *Monitor) Events() <-chan Event { return m.events }

// Start begins periodic checks. Returns immediately; checks run until Stop.
func (m *Monitor) Start() {
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	now := m.clk.Now()
	m.connectedAt = now
	m.lastFlowAt = now
	m.lastBytes = m.transport.Stats().AudioBytesReceived
	go m.run(ctx)
}

// Stop halts checking. Idempotent, safe before Start.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

func (m *Monitor) run(ctx context.Context) {
	ticker := m.clk.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			m.check()
		}
	}
}

func (m *Monitor) check() {
	m.repairTracks()

	now := m.clk.Now()
	stats := m.transport.Stats()

	flowing := stats.AudioBytesReceived > m.lastBytes && stats.RemoteTrackCount > 0
	m.lastBytes = stats.AudioBytesReceived
	if flowing {
		m.lastFlowAt = now
		if m.restartIssued {
			m.restartIssued = false
			m.healDeadline = time.Time{}
			m.emit(Healed{})
		}
		return
	}

	// Tolerate silence right after connect; tracks and packets can lag the
	// transport coming up.
	if now.Sub(m.connectedAt) < connectGrace {
		return
	}
	if now.Sub(m.lastFlowAt) < connectGrace {
		return
	}

	if !m.restartIssued {
		m.restartIssued = true
		m.healDeadline = now.Add(healWindow)
		log.Printf("audio path stalled, attempting ice restart")
		if err := m.transport.RestartICE(); err != nil {
			log.Printf("ice restart failed: %v", err)
		}
		return
	}
	if now.After(m.healDeadline) {
		m.emit(Stalled{})
	}
}

// repairTracks undoes unexpected enabled-flag flips from platform quirks.
// Local tracks stay disabled only while deliberately muted; remote tracks
// are never legitimately disabled on our side.
func (m *Monitor) repairTracks() {
	if !m.muted() {
		for _, t := range m.transport.LocalHandle().Tracks() {
			if !t.Enabled() {
				log.Printf("re-enabling local track %s", t.ID())
				t.SetEnabled(true)
			}
		}
	}
	for _, t := range m.transport.RemoteHandle().Tracks() {
		if !t.Enabled() {
			log.Printf("re-enabling remote track %s", t.ID())
			t.SetEnabled(true)
		}
	}
}

func (m *Monitor) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
	}
}
