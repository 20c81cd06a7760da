//go:build !linux || !cgo

package media

import (
	"context"
	"fmt"
)

type Player struct{}

func NewPlayer(context.Context) (*Player, error) {
	return nil, fmt.Errorf("media: audio playback is supported on linux only")
}

func (p *Player) Push([]byte) {}

func (p *Player) Close() error { return nil }
