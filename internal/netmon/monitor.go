package netmon

import (
	"context"
	"sync"
	"time"

	gopsnet "github.com/shirou/gopsutil/v3/net"

	"github.com/Avicted/ringline/internal/clock"
)

// Monitor polls the platform interface list and emits a fresh Profile on
// every classification change.
type Monitor struct {
	interfaces func() (gopsnet.InterfaceStatList, error)
	clk        clock.Clock
	interval   time.Duration
	updates    chan Profile

	mu      sync.Mutex
	current Profile
}

func NewMonitor(clk clock.Clock) *Monitor {
	if clk == nil {
		clk = clock.System{}
	}
	return &Monitor{
		interfaces: gopsnet.Interfaces,
		clk:        clk,
		interval:   defaultPollInterval * time.Second,
		updates:    make(chan Profile, 4),
		current:    ProfileFor(KindUnknown),
	}
}

// Updates delivers a Profile whenever the classification changes.
func (m *Monitor) Updates() <-chan Profile {
	return m.updates
}

// Current returns the latest snapshot.
func (m *Monitor) Current() Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Run polls until the context is cancelled. The first poll happens
// immediately so callers start with a real classification.
func (m *Monitor) Run(ctx context.Context) {
	m.poll()
	ticker := m.clk.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			m.poll()
		}
	}
}

func (m *Monitor) poll() {
	ifaces, err := m.interfaces()
	if err != nil {
		return
	}
	profile := ProfileFor(Classify(ifaces))

	m.mu.Lock()
	changed := profile != m.current
	if changed {
		m.current = profile
	}
	m.mu.Unlock()

	if changed {
		select {
		case m.updates <- profile:
		default:
		}
	}
}
