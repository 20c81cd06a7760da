package clock

import (
	"sort"
	"sync"
	"time"
)

// Manual is a test clock. Time only moves when Advance is called; timers and
// tickers due at or before the new time fire in deadline order.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) NewTimer(d time.Duration) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{
		clk:      m,
		ch:       make(chan time.Time, 1),
		deadline: m.now.Add(d),
	}
	m.timers = append(m.timers, t)
	return t
}

func (m *Manual) NewTicker(d time.Duration) Ticker {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{
		clk:      m,
		ch:       make(chan time.Time, 1),
		deadline: m.now.Add(d),
		period:   d,
	}
	m.timers = append(m.timers, t)
	return manualTicker{t: t}
}

// Advance moves the clock forward and fires everything that came due.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	for {
		next := m.nextDueLocked(target)
		if next == nil {
			break
		}
		m.now = next.deadline
		next.fireLocked()
	}
	m.now = target
	m.mu.Unlock()
}

// PendingTimers reports how many timers are armed, for leak assertions.
func (m *Manual) PendingTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

func (m *Manual) nextDueLocked(limit time.Time) *manualTimer {
	due := make([]*manualTimer, 0, len(m.timers))
	for _, t := range m.timers {
		if !t.stopped && !t.deadline.After(limit) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	return due[0]
}

type manualTimer struct {
	clk      *Manual
	ch       chan time.Time
	deadline time.Time
	period   time.Duration
	stopped  bool
}

func (t *manualTimer) C() <-chan time.Time { return t.ch }

func (t *manualTimer) Stop() bool {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

// manualTicker narrows a periodic manualTimer to the Ticker contract.
type manualTicker struct{ t *manualTimer }

func (mt manualTicker) C() <-chan time.Time { return mt.t.ch }
func (mt manualTicker) Stop()               { mt.t.Stop() }

// fireLocked delivers the tick; one-shot timers disarm, tickers re-arm.
func (t *manualTimer) fireLocked() {
	select {
	case t.ch <- t.deadline:
	default:
	}
	if t.period > 0 {
		t.deadline = t.deadline.Add(t.period)
		return
	}
	t.stopped = true
}
