//go:build nocgo
// +build nocgo

package audio

import (
	"fmt"
	"io"
)

// Stub device context for static analysis and builds without CGO. Every
// operation reports the device as unavailable; callers fall back to the
// mock context.
type otoContext struct{}

func newOtoContext() *otoContext {
	return &otoContext{}
}

func (c *otoContext) EnsureReady() error {
	return fmt.Errorf("%w: audio device not available in nocgo build", ErrNotReady)
}

func (c *otoContext) NewPlayer(io.Reader) (Player, error) {
	return nil, ErrNotReady
}

func (c *otoContext) Close() error {
	return nil
}
