//go:build !linux || !cgo

package media

import (
	"context"
	"fmt"
)

type Pipeline struct{}

func NewPipeline(Source, *Track, Constraints, int, func(int)) (*Pipeline, error) {
	return nil, fmt.Errorf("media: audio pipeline is supported on linux only")
}

func (p *Pipeline) SetBitrate(int) error { return nil }

func (p *Pipeline) Run(context.Context) error { return nil }
