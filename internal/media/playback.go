//go:build linux && cgo

package media

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/hraban/opus"
)

const (
	// playbackBufferSeconds caps buffered audio so a stalled output device
	// never grows the ring unbounded.
	playbackBufferSeconds = 2

	maxDecodedFrame = opusFrameSize * 6
)

// Player decodes received opus payloads and feeds the default output
// device. Push is safe for concurrent use.
type Player struct {
	mu  sync.Mutex
	dec *opus.Decoder
	out *speaker
	pcm []int16
}

func NewPlayer(ctx context.Context) (*Player, error) {
	dec, err := opus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("opus decoder: %w", err)
	}
	out, err := startSpeaker(ctx)
	if err != nil {
		return nil, err
	}
	return &Player{
		dec: dec,
		out: out,
		pcm: make([]int16, maxDecodedFrame),
	}, nil
}

// Push decodes one opus payload and queues it for playback. Decode
// failures drop the frame; a glitch beats killing the call.
func (p *Player) Push(payload []byte) {
	if len(payload) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n, err := p.dec.Decode(payload, p.pcm)
	if err != nil || n <= 0 {
		return
	}
	p.out.write(p.pcm[:n])
}

func (p *Player) Close() error {
	return p.out.close()
}

// speaker owns the malgo playback device and a bounded sample ring.
type speaker struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device

	mu        sync.Mutex
	buf       []int16
	maxBuf    int
	closeOnce sync.Once
}

func startSpeaker(ctx context.Context) (*speaker, error) {
	malgoCtx, err := malgoInitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init malgo context: %w", classifyDeviceErr(err))
	}

	deviceConfig := malgoDefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = Channels
	deviceConfig.SampleRate = SampleRate

	s := &speaker{
		ctx:    malgoCtx,
		maxBuf: SampleRate * playbackBufferSeconds,
	}

	callback := malgo.DeviceCallbacks{
		Data: func(output, _ []byte, _ uint32) {
			s.fill(output)
		},
	}

	device, err := malgoInitDevice(malgoCtx.Context, deviceConfig, callback)
	if err != nil {
		malgoContextUninit(malgoCtx)
		return nil, fmt.Errorf("init playback device: %w", classifyDeviceErr(err))
	}
	if err := malgoDeviceStart(device); err != nil {
		malgoDeviceUninit(device)
		malgoContextUninit(malgoCtx)
		return nil, fmt.Errorf("start playback device: %w", classifyDeviceErr(err))
	}
	s.device = device

	go func() {
		<-ctx.Done()
		_ = s.close()
	}()

	return s, nil
}

// write appends samples, discarding the oldest audio once the ring is
// full so playback never lags more than playbackBufferSeconds behind.
func (s *speaker) write(samples []int16) {
	if len(samples) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if over := len(s.buf) + len(samples) - s.maxBuf; over > 0 {
		if over >= len(s.buf) {
			s.buf = s.buf[:0]
		} else {
			s.buf = s.buf[over:]
		}
	}
	s.buf = append(s.buf, samples...)
}

func (s *speaker) fill(output []byte) {
	if len(output) == 0 {
		return
	}
	want := len(output) / 2
	s.mu.Lock()
	defer s.mu.Unlock()
	have := len(s.buf)
	use := want
	if have < use {
		use = have
	}
	for i := 0; i < use; i++ {
		binary.LittleEndian.PutUint16(output[i*2:], uint16(s.buf[i]))
	}
	for i := use; i < want; i++ {
		binary.LittleEndian.PutUint16(output[i*2:], 0)
	}
	if use > 0 {
		copy(s.buf, s.buf[use:])
		s.buf = s.buf[:have-use]
	}
}

func (s *speaker) close() error {
	s.closeOnce.Do(func() {
		if s.device != nil {
			malgoDeviceUninit(s.device)
			s.device = nil
		}
		if s.ctx != nil {
			malgoContextUninit(s.ctx)
			s.ctx = nil
		}
	})
	return nil
}
