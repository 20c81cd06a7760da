// Package media models the audio stream handles exchanged with the peer
// connection layer and the capability for acquiring the local microphone.
package media

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

const (
	SampleRate = 48000
	Channels   = 1
)

var (
	ErrPermissionDenied = errors.New("media: microphone permission denied")
	ErrDeviceNotFound   = errors.New("media: no capture device found")
)

type Owner string

const (
	OwnerLocal  Owner = "local"
	OwnerRemote Owner = "remote"
)

// Constraints describe the requested capture format.
type Constraints struct {
	SampleRate int
	Channels   int
}

func DefaultConstraints() Constraints {
	return Constraints{SampleRate: SampleRate, Channels: Channels}
}

// Source delivers raw PCM frames from a capture device.
type Source interface {
	Frames() <-chan []int16
	Close() error
}

// Acquirer obtains the local audio source. Acquisition can fail with
// ErrPermissionDenied or ErrDeviceNotFound.
type Acquirer interface {
	Acquire(ctx context.Context, c Constraints) (Source, error)
}

// Track is one audio track inside a Handle. The enabled flag is the mute
// switch: a disabled local track drops outgoing samples instead of tearing
// anything down.
type Track struct {
	id      string
	enabled atomic.Bool
	local   *webrtc.TrackLocalStaticSample
	remote  *webrtc.TrackRemote
}

func NewLocalTrack(id string, local *webrtc.TrackLocalStaticSample) *Track {
	t := &Track{id: id, local: local}
	t.enabled.Store(true)
	return t
}

func NewRemoteTrack(id string, remote *webrtc.TrackRemote) *Track {
	t := &Track{id: id, remote: remote}
	t.enabled.Store(true)
	return t
}

func (t *Track) ID() string         { return t.id }
func (t *Track) Enabled() bool      { return t.enabled.Load() }
func (t *Track) SetEnabled(on bool) { t.enabled.Store(on) }
func (t *Track) IsLocal() bool      { return t.local != nil }

func (t *Track) Remote() *webrtc.TrackRemote { return t.remote }

// LocalStatic exposes the underlying pion track for attaching to a peer
// connection.
func (t *Track) LocalStatic() *webrtc.TrackLocalStaticSample { return t.local }

// WriteSample forwards an encoded sample to the underlying local track.
// Disabled tracks swallow samples so the peer hears silence while muted.
func (t *Track) WriteSample(data []byte, duration time.Duration) error {
	if t.local == nil {
		return errors.New("media: not a local track")
	}
	if !t.enabled.Load() {
		return nil
	}
	return t.local.WriteSample(media.Sample{Data: data, Duration: duration})
}

// Handle is a set of tracks with a single owner. The local handle belongs to
// the peer connection manager for the session's lifetime; consumers get the
// handle reference but must not assume mutation rights over its tracks.
type Handle struct {
	owner  Owner
	mu     sync.Mutex
	tracks []*Track
}

func NewHandle(owner Owner) *Handle {
	return &Handle{owner: owner}
}

func (h *Handle) Owner() Owner { return h.owner }

func (h *Handle) AddTrack(t *Track) {
	if t == nil {
		return
	}
	h.mu.Lock()
	h.tracks = append(h.tracks, t)
	h.mu.Unlock()
}

func (h *Handle) Tracks() []*Track {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Track, len(h.tracks))
	copy(out, h.tracks)
	return out
}

func (h *Handle) TrackCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.tracks)
}

// SetAllEnabled flips every track's enabled flag, used for mute toggling and
// health-monitor repair.
func (h *Handle) SetAllEnabled(on bool) {
	for _, t := range h.Tracks() {
		t.SetEnabled(on)
	}
}

// AllEnabled reports whether every track is currently enabled. An empty
// handle counts as enabled.
func (h *Handle) AllEnabled() bool {
	for _, t := range h.Tracks() {
		if !t.Enabled() {
			return false
		}
	}
	return true
}
