// Package narration implements the streaming narration playback engine:
// one controller per application session that opens a synthesis session,
// feeds inbound audio chunks through the decoder into the playback
// scheduler, and publishes the externally observable state through the
// Store.
package narration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/sagafm/saga/internal/audio"
	"github.com/sagafm/saga/internal/transport"
)

// cancelCloseGrace is how long the controller waits between sending the
// best-effort cancel frame and closing the connection, so the close does
// not race the outbound cancel on the wire.
const cancelCloseGrace = 100 * time.Millisecond

// Transport is the connection surface the controller drives. Satisfied
// by *transport.Conn; tests substitute a scripted fake.
type Transport interface {
	Events() <-chan transport.Event
	SendCancel()
	Close() error
}

// DialFunc opens the narration stream for an existing session.
type DialFunc func(ctx context.Context, sessionID string) (Transport, error)

// SessionCreator requests a new narration session for a scene from the
// synthesis backend.
type SessionCreator interface {
	CreateNarrationSession(ctx context.Context, sceneID, voice string) (string, error)
}

// Cache stores the complete audio of finished narrations keyed by scene
// and voice. A hit plays back locally without opening a session.
type Cache interface {
	Get(sceneID, voice string) ([]byte, bool)
	Put(sceneID, voice string, pcm []byte)
}

// Controller orchestrates one narration session end to end. It is the
// only writer to its Store; at most one session is active at a time, and
// attaching to a new session tears the previous one down first.
type Controller struct {
	store    *Store
	actx     audio.Context
	sched    *audio.Scheduler
	sessions SessionCreator
	dial     DialFunc

	cache Cache
	voice string

	closeGrace time.Duration

	mu        sync.Mutex
	machine   *StateMachine
	sessionID string
	sceneID   string
	conn      Transport

	// End-of-playback requires both conditions: the backend has said
	// generation is complete, and the scheduler has drained.
	genDone bool
	drained bool

	queued int    // chunks successfully scheduled this session
	pcm    []byte // accumulated audio for the cache
}

// NewController wires a controller to its collaborators. The store must
// not be written by anyone else.
func NewController(store *Store, actx audio.Context, sessions SessionCreator, dial DialFunc) *Controller {
	c := &Controller{
		store:      store,
		actx:       actx,
		sched:      audio.NewScheduler(actx),
		sessions:   sessions,
		dial:       dial,
		machine:    NewStateMachine(),
		closeGrace: cancelCloseGrace,
	}
	c.sched.SetOnPlaybackEnd(c.onSchedulerDrained)
	return c
}

// UseCache enables the narration audio cache for the given voice.
func (c *Controller) UseCache(cache Cache, voice string) {
	c.cache = cache
	c.voice = voice
}

// Scheduler exposes the playback scheduler for inspection in tests.
func (c *Controller) Scheduler() *audio.Scheduler {
	return c.sched
}

// PlayScene starts narration for a scene: cache hit plays locally,
// otherwise a new session is requested from the backend and attached.
func (c *Controller) PlayScene(ctx context.Context, sceneID string) error {
	if c.cache != nil {
		if pcm, ok := c.cache.Get(sceneID, c.voice); ok {
			return c.playCached(sceneID, pcm)
		}
	}

	sessionID, err := c.sessions.CreateNarrationSession(ctx, sceneID, c.voice)
	if err != nil {
		c.mu.Lock()
		c.store.update(func(st *PlaybackState) {
			st.Err = fmt.Sprintf("could not start narration: %v", err)
		})
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrSessionCreate, err)
	}
	return c.ConnectToSession(ctx, sessionID, sceneID)
}

// ConnectToSession attaches the controller to an existing session.
// Attaching to the already-active session is a no-op; attaching to a
// different one tears the previous session down first.
func (c *Controller) ConnectToSession(ctx context.Context, sessionID, sceneID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && c.sessionID == sessionID {
		log.Debug("already attached", "session", sessionID)
		return nil
	}
	if c.conn != nil {
		c.teardownLocked()
	}

	c.resetSessionLocked(sessionID, sceneID)
	c.machine.Transition(StateConnecting)
	c.store.update(func(st *PlaybackState) {
		*st = PlaybackState{
			State:        StateConnecting,
			SessionID:    sessionID,
			SceneID:      sceneID,
			IsGenerating: true,
		}
	})

	// Unlock the audio output while we still hold the user-gesture
	// context. A failure here is not fatal: the first Queue call
	// reports the actionable error.
	if err := c.actx.EnsureReady(); err != nil {
		log.Warn("audio output not ready", "err", err)
	}
	c.sched.ResetQueue()

	conn, err := c.dial(ctx, sessionID)
	if err != nil {
		c.machine.Transition(StateError)
		c.store.update(func(st *PlaybackState) {
			st.State = StateError
			st.IsGenerating = false
			st.Err = fmt.Sprintf("could not connect to narration: %v", err)
		})
		return fmt.Errorf("connect to session %s: %w", sessionID, err)
	}

	c.conn = conn
	c.machine.Transition(StateGenerating)
	c.store.update(func(st *PlaybackState) {
		st.State = StateGenerating
	})
	log.Debug("narration session attached", "session", sessionID, "scene", sceneID)

	go c.eventLoop(conn)
	return nil
}

// Stop cancels the active session: best-effort cancel to the backend,
// immediate local halt, state back to the idle default. Safe to call
// from any state.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil && c.machine.Current() == StateIdle {
		return
	}

	if c.conn != nil {
		conn := c.conn
		c.conn = nil
		conn.SendCancel()
		// Delay the close so it does not race the cancel frame.
		time.AfterFunc(c.closeGrace, func() { _ = conn.Close() })
	}

	c.sched.StopAll()
	c.machine.Transition(StateCancelled)
	c.machine.Transition(StateIdle)
	c.resetSessionLocked("", "")
	c.store.update(func(st *PlaybackState) {
		*st = PlaybackState{}
	})
	log.Debug("narration stopped")
}

// ClearError clears the error field without touching playback state.
func (c *Controller) ClearError() {
	c.store.update(func(st *PlaybackState) {
		st.Err = ""
	})
}

// playCached schedules a complete cached narration without opening a
// session.
func (c *Controller) playCached(sceneID string, pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.teardownLocked()
	}
	c.resetSessionLocked("", sceneID)
	c.machine.Transition(StateConnecting)

	if err := c.actx.EnsureReady(); err != nil {
		c.machine.Transition(StateError)
		c.store.update(func(st *PlaybackState) {
			st.State = StateError
			st.SceneID = sceneID
			st.Err = msgAudioNotEnabled
		})
		return fmt.Errorf("play cached narration: %w", err)
	}
	c.sched.ResetQueue()

	buf, err := audio.NewBuffer(pcm)
	if err != nil {
		return fmt.Errorf("cached narration for scene %s: %w", sceneID, err)
	}
	if _, err := c.sched.Queue(buf); err != nil {
		return fmt.Errorf("play cached narration: %w", err)
	}

	c.machine.Transition(StateGenerating)
	c.machine.Transition(StateComplete)
	c.genDone = true
	c.queued = 1
	c.store.update(func(st *PlaybackState) {
		*st = PlaybackState{
			State:           StateComplete,
			SceneID:         sceneID,
			IsPlaying:       true,
			ProgressPercent: 100,
			ChunksReceived:  1,
			TotalChunks:     1,
		}
	})
	log.Debug("narration cache hit", "scene", sceneID, "bytes", len(pcm))
	return nil
}

// eventLoop consumes transport events in strict receipt order until the
// connection ends. Events for a superseded connection are dropped.
func (c *Controller) eventLoop(conn Transport) {
	for ev := range conn.Events() {
		c.mu.Lock()
		if c.conn != conn {
			c.mu.Unlock()
			return
		}
		c.dispatchLocked(ev)
		c.mu.Unlock()
	}
}

// dispatchLocked routes one event to its handler. Callers hold c.mu.
func (c *Controller) dispatchLocked(ev transport.Event) {
	switch ev := ev.(type) {
	case transport.ChunkReady:
		c.handleChunkLocked(ev)
	case transport.Progress:
		c.handleProgressLocked(ev)
	case transport.Complete:
		c.handleCompleteLocked()
	case transport.ErrorEvent:
		c.handleErrorLocked(ev)
	case transport.Closed:
		c.handleClosedLocked(ev)
	}
}

func (c *Controller) handleChunkLocked(ev transport.ChunkReady) {
	buf, err := decodeChunk(ev.ChunkNumber, ev.AudioBase64)
	if err != nil {
		log.Warn("chunk decode failed, continuing", "chunk", ev.ChunkNumber, "err", err)
		if c.queued == 0 {
			c.store.update(func(st *PlaybackState) {
				st.Err = fmt.Sprintf("narration audio could not be decoded: %v", err)
			})
		}
		return
	}

	if _, err := c.sched.Queue(buf); err != nil {
		if errors.Is(err, audio.ErrNotReady) {
			// User-actionable; the session stays up so a later chunk
			// can succeed once the output is enabled.
			c.store.update(func(st *PlaybackState) {
				st.Err = msgAudioNotEnabled
			})
			return
		}
		log.Warn("chunk could not be scheduled, continuing", "chunk", ev.ChunkNumber, "err", err)
		return
	}

	c.queued++
	c.drained = false
	c.pcm = append(c.pcm, buf.PCM...)
	c.store.update(func(st *PlaybackState) {
		st.IsPlaying = true
		st.ChunksReceived++
		if ev.TotalChunks > 0 {
			st.TotalChunks = ev.TotalChunks
		}
	})
}

func (c *Controller) handleProgressLocked(ev transport.Progress) {
	c.store.update(func(st *PlaybackState) {
		st.ProgressPercent = ev.Percent
	})
}

func (c *Controller) handleCompleteLocked() {
	c.genDone = true
	if c.queued == 0 {
		// Empty narration: nothing was ever scheduled, so the
		// scheduler will never report a drain.
		c.drained = true
	}
	c.store.update(func(st *PlaybackState) {
		st.IsGenerating = false
		st.ProgressPercent = 100
	})
	log.Debug("generation complete", "session", c.sessionID, "chunks", c.queued)
	c.evaluateEndLocked()
}

func (c *Controller) handleErrorLocked(ev transport.ErrorEvent) {
	if isChunkScoped(ev.Message) {
		log.Warn("chunk-scoped backend error, continuing", "session", c.sessionID, "message", ev.Message)
		if c.queued == 0 {
			c.store.update(func(st *PlaybackState) {
				st.Err = ev.Message
			})
		}
		return
	}

	log.Error("fatal backend error", "session", c.sessionID, "message", ev.Message)
	c.machine.Transition(StateError)
	c.sched.StopAll()
	if c.conn != nil {
		conn := c.conn
		c.conn = nil
		go func() { _ = conn.Close() }()
	}
	c.store.update(func(st *PlaybackState) {
		st.State = StateError
		st.IsGenerating = false
		st.IsPlaying = false
		st.Err = ev.Message
	})
}

func (c *Controller) handleClosedLocked(ev transport.Closed) {
	c.conn = nil
	if ev.Reason == transport.CloseNormal || !c.store.Snapshot().IsGenerating {
		return
	}

	var msg string
	switch ev.Reason {
	case transport.CloseSessionExpired:
		msg = msgSessionExpired
	case transport.CloseNetworkLost:
		msg = msgNetworkLost
	default:
		msg = fmt.Sprintf("narration connection closed unexpectedly: %v", ev.Err)
	}
	log.Error("narration connection lost", "session", c.sessionID, "reason", ev.Reason, "err", ev.Err)

	c.machine.Transition(StateError)
	// Generation will deliver nothing more; let the drain callback
	// clear IsPlaying once queued audio plays out.
	c.genDone = true
	c.store.update(func(st *PlaybackState) {
		st.State = StateError
		st.IsGenerating = false
		st.Err = msg
	})
}

// onSchedulerDrained is the scheduler's end-of-playback callback. It is
// one half of the completion gate; the other is the backend's complete
// signal.
func (c *Controller) onSchedulerDrained() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drained = true
	c.evaluateEndLocked()
}

// evaluateEndLocked declares end-of-playback when generation is complete
// and the timeline has drained. Callers hold c.mu.
func (c *Controller) evaluateEndLocked() {
	if !c.genDone || !c.drained {
		return
	}

	switch c.machine.Current() {
	case StateGenerating:
		c.machine.Transition(StateComplete)
		if c.cache != nil && len(c.pcm) > 0 {
			c.cache.Put(c.sceneID, c.voice, c.pcm)
		}
		c.store.update(func(st *PlaybackState) {
			st.State = StateComplete
			st.IsPlaying = false
		})
		log.Debug("narration playback finished", "session", c.sessionID, "scene", c.sceneID)
	case StateComplete, StateError:
		// Cached playback drain, or queued audio playing out after a
		// fatal error.
		c.store.update(func(st *PlaybackState) {
			st.IsPlaying = false
		})
	}
}

// teardownLocked closes the active connection and stops all audio.
// Callers hold c.mu.
func (c *Controller) teardownLocked() {
	conn := c.conn
	c.conn = nil
	go func() { _ = conn.Close() }()
	c.sched.StopAll()
	log.Debug("previous narration session torn down", "session", c.sessionID)
}

// resetSessionLocked clears all per-session bookkeeping. Callers hold
// c.mu.
func (c *Controller) resetSessionLocked(sessionID, sceneID string) {
	c.sessionID = sessionID
	c.sceneID = sceneID
	c.genDone = false
	c.drained = false
	c.queued = 0
	c.pcm = nil
}
