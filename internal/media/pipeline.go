//go:build linux && cgo

package media

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hraban/opus"
)

const (
	opusFrameSize = 960 // 20ms at 48kHz
	opusMaxBytes  = 4000
	frameDuration = 20 * time.Millisecond
)

// Pipeline encodes PCM frames from a Source into opus samples on a local
// track. Bitrate can be retargeted live while the pipeline runs; no
// renegotiation is involved.
type Pipeline struct {
	src   Source
	track *Track

	mu  sync.Mutex
	enc *opus.Encoder

	onSent func(bytes int)
}

func NewPipeline(src Source, track *Track, c Constraints, targetKbps int, onSent func(bytes int)) (*Pipeline, error) {
	if src == nil || track == nil {
		return nil, fmt.Errorf("media: pipeline needs a source and a track")
	}
	if c.SampleRate <= 0 {
		c.SampleRate = SampleRate
	}
	if c.Channels <= 0 {
		c.Channels = Channels
	}
	enc, err := opus.NewEncoder(c.SampleRate, c.Channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("opus encoder: %w", err)
	}
	p := &Pipeline{src: src, track: track, enc: enc, onSent: onSent}
	if targetKbps > 0 {
		if err := p.SetBitrate(targetKbps); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// SetBitrate retargets the encoder, in kbit/s.
func (p *Pipeline) SetBitrate(kbps int) error {
	if kbps <= 0 {
		return fmt.Errorf("media: bitrate must be positive, got %d", kbps)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enc.SetBitrate(kbps * 1000); err != nil {
		return fmt.Errorf("opus set bitrate: %w", err)
	}
	return nil
}

// Run encodes until the context is cancelled or the source closes.
func (p *Pipeline) Run(ctx context.Context) error {
	buf := make([]int16, 0, opusFrameSize*4)
	for {
		select {
		case <-ctx.Done():
			return nil
		case samples, ok := <-p.src.Frames():
			if !ok {
				return nil
			}
			if len(samples) == 0 {
				continue
			}
			buf = append(buf, samples...)
			for len(buf) >= opusFrameSize {
				frame := buf[:opusFrameSize]
				buf = buf[opusFrameSize:]
				packet := make([]byte, opusMaxBytes)
				p.mu.Lock()
				n, err := p.enc.Encode(frame, packet)
				p.mu.Unlock()
				if err != nil {
					log.Printf("opus encode failed: %v", err)
					continue
				}
				if err := p.track.WriteSample(packet[:n], frameDuration); err != nil {
					log.Printf("write sample failed: %v", err)
					continue
				}
				if p.onSent != nil && p.track.Enabled() {
					p.onSent(n)
				}
			}
		}
	}
}
