//go:build !nocgo
// +build !nocgo

package audio

import (
	"fmt"
	"io"
	"runtime"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ebitengine/oto/v3"
)

// otoContext is the production Context backed by an oto device context.
// The oto context is created lazily in EnsureReady because device
// startup must happen in response to a user interaction on some
// platforms.
type otoContext struct {
	mu    sync.Mutex
	ctx   *oto.Context
	ready bool
}

func newOtoContext() *otoContext {
	return &otoContext{}
}

// EnsureReady creates the oto device context on first call.
func (c *otoContext) EnsureReady() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ready {
		return nil
	}

	opts := &oto.NewContextOptions{
		SampleRate:   SampleRate,
		ChannelCount: Channels,
		Format:       oto.FormatSignedInt16LE,
	}

	// Platform-specific device buffer sizes.
	switch runtime.GOOS {
	case "darwin":
		opts.BufferSize = 100 * time.Millisecond
	default:
		opts.BufferSize = 50 * time.Millisecond
	}

	ctx, readyChan, err := oto.NewContext(opts)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotReady, err)
	}
	<-readyChan

	c.ctx = ctx
	c.ready = true
	log.Debug("audio device ready", "sample_rate", SampleRate, "channels", Channels)
	return nil
}

func (c *otoContext) NewPlayer(r io.Reader) (Player, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.ready || c.ctx == nil {
		return nil, ErrNotReady
	}
	return &otoPlayer{player: c.ctx.NewPlayer(r)}, nil
}

func (c *otoContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// oto contexts cannot be torn down; suspend instead.
	if c.ready && c.ctx != nil {
		if err := c.ctx.Suspend(); err != nil {
			return fmt.Errorf("failed to suspend audio context: %w", err)
		}
	}
	c.ready = false
	return nil
}

type otoPlayer struct {
	player *oto.Player
}

func (p *otoPlayer) Play()           { p.player.Play() }
func (p *otoPlayer) Pause()          { p.player.Pause() }
func (p *otoPlayer) IsPlaying() bool { return p.player.IsPlaying() }
func (p *otoPlayer) Close() error    { return p.player.Close() }
