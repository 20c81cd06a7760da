//go:build !linux || !cgo

package media

import (
	"context"
	"fmt"
)

type DeviceAcquirer struct{}

func (DeviceAcquirer) Acquire(context.Context, Constraints) (Source, error) {
	return nil, fmt.Errorf("%w: audio capture is supported on linux only", ErrDeviceNotFound)
}
