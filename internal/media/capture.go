//go:build linux && cgo

package media

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"
)

// DeviceAcquirer captures the default microphone via malgo.
type DeviceAcquirer struct{}

func (DeviceAcquirer) Acquire(ctx context.Context, c Constraints) (Source, error) {
	if c.SampleRate <= 0 {
		c.SampleRate = SampleRate
	}
	if c.Channels <= 0 {
		c.Channels = Channels
	}

	malgoCtx, err := malgoInitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init malgo context: %w", classifyDeviceErr(err))
	}

	deviceConfig := malgoDefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(c.Channels)
	deviceConfig.SampleRate = uint32(c.SampleRate)

	ch := make(chan []int16, 8)
	callback := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			if len(input) == 0 {
				return
			}
			samples := make([]int16, len(input)/2)
			for i := 0; i < len(samples); i++ {
				samples[i] = int16(binary.LittleEndian.Uint16(input[i*2:]))
			}
			select {
			case ch <- samples:
			default:
			}
		},
	}

	device, err := malgoInitDevice(malgoCtx.Context, deviceConfig, callback)
	if err != nil {
		malgoContextUninit(malgoCtx)
		return nil, fmt.Errorf("init capture device: %w", classifyDeviceErr(err))
	}
	if err := malgoDeviceStart(device); err != nil {
		malgoDeviceUninit(device)
		malgoContextUninit(malgoCtx)
		return nil, fmt.Errorf("start capture: %w", classifyDeviceErr(err))
	}

	src := &deviceSource{ctx: malgoCtx, device: device, frames: ch}
	go func() {
		<-ctx.Done()
		_ = src.Close()
	}()
	return src, nil
}

// classifyDeviceErr maps malgo failures onto the acquisition error taxonomy
// so callers can distinguish a denied microphone from a missing one.
func classifyDeviceErr(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "access denied"), strings.Contains(msg, "permission"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case strings.Contains(msg, "no device"), strings.Contains(msg, "device type not supported"), strings.Contains(msg, "does not exist"):
		return fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
	default:
		return err
	}
}

type deviceSource struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	frames chan []int16

	closeOnce sync.Once
}

func (s *deviceSource) Frames() <-chan []int16 { return s.frames }

func (s *deviceSource) Close() error {
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
