package audio

import (
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// MockContext implements Context without a real audio device. Players
// drain their readers in the background so scheduler bookkeeping behaves
// as it does against real hardware.
type MockContext struct {
	mu      sync.Mutex
	ready   bool
	players []*MockPlayer

	// FailReady makes EnsureReady fail, simulating a platform that
	// refuses to start audio without a user interaction.
	FailReady bool

	// PlayersCreated counts players handed out, for test assertions.
	PlayersCreated int
}

// NewMockContext creates a mock audio context.
func NewMockContext() *MockContext {
	return &MockContext{}
}

// EnsureReady marks the mock device as up, or fails when FailReady is set.
func (c *MockContext) EnsureReady() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.FailReady {
		return ErrNotReady
	}
	c.ready = true
	return nil
}

// NewPlayer returns a mock player that consumes r in the background.
func (c *MockContext) NewPlayer(r io.Reader) (Player, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.ready {
		return nil, ErrNotReady
	}

	p := &MockPlayer{reader: r, done: make(chan struct{})}
	c.players = append(c.players, p)
	c.PlayersCreated++
	log.Debug("created mock audio player", "players_created", c.PlayersCreated)
	return p, nil
}

// Close closes all outstanding players and marks the device down.
func (c *MockContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range c.players {
		_ = p.Close()
	}
	c.players = nil
	c.ready = false
	return nil
}

// Players returns the players created so far.
func (c *MockContext) Players() []*MockPlayer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*MockPlayer(nil), c.players...)
}

// MockPlayer consumes its reader continuously while playing, standing in
// for the device draining the stream.
type MockPlayer struct {
	reader io.Reader

	mu      sync.Mutex
	playing bool
	closed  bool
	drained int64
	done    chan struct{}
}

// Play starts the background drain loop.
func (p *MockPlayer) Play() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.playing || p.closed {
		return
	}
	p.playing = true
	go p.drainLoop()
}

func (p *MockPlayer) drainLoop() {
	buf := make([]byte, 4096)
	for {
		select {
		case <-p.done:
			return
		default:
		}

		p.mu.Lock()
		playing := p.playing && !p.closed
		p.mu.Unlock()
		if !playing {
			return
		}

		n, err := p.reader.Read(buf)
		p.mu.Lock()
		p.drained += int64(n)
		p.mu.Unlock()
		if err != nil {
			return
		}
		// Pace the drain so tests observe a running player without
		// burning a core.
		time.Sleep(time.Millisecond)
	}
}

// Pause stops consuming audio.
func (p *MockPlayer) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playing = false
}

// IsPlaying reports whether the drain loop is active.
func (p *MockPlayer) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing && !p.closed
}

// Drained returns the number of bytes consumed so far.
func (p *MockPlayer) Drained() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.drained
}

// Close stops the player permanently.
func (p *MockPlayer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.playing = false
	close(p.done)
	return nil
}
