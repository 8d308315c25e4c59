package audio

import (
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// drainRecheck is how long the scheduler waits before re-checking the
// stream when the timeline clock says playback should have ended but the
// device has not consumed everything yet.
const drainRecheck = 25 * time.Millisecond

// ScheduledBuffer records where one buffer sits on the output timeline.
type ScheduledBuffer struct {
	// Start is the buffer's offset from the beginning of the timeline.
	Start time.Duration
	// Duration is the buffer's playback duration.
	Duration time.Duration
}

// Scheduler owns the output timeline. Buffers queued while the timeline
// is idle start immediately; buffers queued while audio is pending start
// exactly at the end of the last scheduled buffer, regardless of how
// much wall-clock time passes between Queue calls.
type Scheduler struct {
	ctx Context

	mu          sync.Mutex
	stream      *stream
	player      Player
	startedAt   time.Time     // wall clock at which the timeline began
	timelineEnd time.Duration // offset at which the next buffer starts
	scheduled   []ScheduledBuffer
	onEnd       func()
	endFired    bool
	endTimer    *time.Timer
	generation  int // invalidates timers armed before a stop/reset
}

// NewScheduler creates a scheduler on the given audio context.
func NewScheduler(ctx Context) *Scheduler {
	return &Scheduler{ctx: ctx}
}

// Queue schedules one decoded buffer on the timeline and returns its
// duration. The first buffer of an idle timeline starts a fresh device
// player; every later buffer is appended at the exact end of the
// previous one.
func (s *Scheduler) Queue(buf *Buffer) (time.Duration, error) {
	if buf == nil || len(buf.PCM) == 0 {
		return 0, ErrEmptyBuffer
	}
	if err := s.ctx.EnsureReady(); err != nil {
		return 0, fmt.Errorf("cannot start playback: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.player == nil {
		st := newStream()
		p, err := s.ctx.NewPlayer(st)
		if err != nil {
			return 0, fmt.Errorf("cannot start playback: %w", err)
		}
		s.stream = st
		s.player = p
		s.startedAt = time.Now()
		s.timelineEnd = 0
		p.Play()
	}

	start := s.timelineEnd
	s.scheduled = append(s.scheduled, ScheduledBuffer{Start: start, Duration: buf.Duration})
	s.stream.append(buf.PCM)
	s.timelineEnd += buf.Duration
	s.endFired = false
	s.armEndTimerLocked()

	log.Debug("queued buffer", "start", start, "dur", buf.Duration, "timeline_end", s.timelineEnd)
	return buf.Duration, nil
}

// SetOnPlaybackEnd registers the callback fired when the last scheduled
// buffer finishes playing and nothing has been queued since. The
// callback fires once per drain; queueing again re-arms it.
func (s *Scheduler) SetOnPlaybackEnd(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEnd = fn
}

// armEndTimerLocked (re)arms the drain timer at the wall-clock end of
// the timeline. Callers must hold s.mu.
func (s *Scheduler) armEndTimerLocked() {
	if s.endTimer != nil {
		s.endTimer.Stop()
	}
	gen := s.generation
	remaining := time.Until(s.startedAt.Add(s.timelineEnd))
	if remaining < 0 {
		remaining = 0
	}
	s.endTimer = time.AfterFunc(remaining, func() { s.checkDrained(gen) })
}

// checkDrained fires the end-of-playback callback once the device has
// consumed everything on the timeline, then releases the player so it
// does not sit on the device consuming underrun silence.
func (s *Scheduler) checkDrained(gen int) {
	s.mu.Lock()
	if gen != s.generation || s.endFired {
		s.mu.Unlock()
		return
	}
	if s.stream != nil && s.stream.buffered() > 0 {
		// Device is running behind the timeline clock; check again
		// shortly.
		s.endTimer = time.AfterFunc(drainRecheck, func() { s.checkDrained(gen) })
		s.mu.Unlock()
		return
	}
	s.endFired = true
	fn := s.onEnd
	s.releasePlayerLocked()
	s.mu.Unlock()

	log.Debug("playback timeline drained")
	if fn != nil {
		fn()
	}
}

// releasePlayerLocked closes the current player and stream and clears
// the timeline so the next Queue starts fresh. Callers must hold s.mu.
func (s *Scheduler) releasePlayerLocked() {
	if s.player != nil {
		s.player.Pause()
		_ = s.player.Close()
		s.player = nil
	}
	if s.stream != nil {
		s.stream.close()
		s.stream = nil
	}
	s.scheduled = nil
	s.timelineEnd = 0
}

// Scheduled returns a snapshot of the buffers placed on the current
// timeline, in queue order.
func (s *Scheduler) Scheduled() []ScheduledBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ScheduledBuffer(nil), s.scheduled...)
}

// StopAll immediately halts all scheduled and playing audio and clears
// the timeline. Idempotent.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.generation++
	if s.endTimer != nil {
		s.endTimer.Stop()
		s.endTimer = nil
	}
	s.releasePlayerLocked()
	s.endFired = false
}

// ResetQueue clears the timeline and releases any player left over from
// a previous session so the next Queue call begins a fresh timeline.
// Unlike StopAll it does not fire through the end callback machinery; it
// is the quiet reset used when attaching a new session.
func (s *Scheduler) ResetQueue() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.generation++
	if s.endTimer != nil {
		s.endTimer.Stop()
		s.endTimer = nil
	}
	s.releasePlayerLocked()
	s.endFired = false
}
