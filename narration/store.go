package narration

import "sync"

// PlaybackState is the externally observable narration state. UI
// surfaces read it through the Store; only the controller writes it.
type PlaybackState struct {
	State     SessionState
	SessionID string
	SceneID   string

	// IsGenerating is true from session start until the backend signals
	// completion or a fatal error.
	IsGenerating bool
	// IsPlaying is true once at least one chunk has been scheduled and
	// stays true until the timeline drains with generation complete.
	IsPlaying bool

	ProgressPercent float64
	ChunksReceived  int
	TotalChunks     int

	// Err is the current user-facing error message, empty when none.
	Err string
}

// Store holds the playback state for one application session and fans
// updates out to subscribers. Instances are independent so tests can
// run side by side; there are no package-level globals.
type Store struct {
	mu    sync.Mutex
	state PlaybackState
	subs  map[int]func(PlaybackState)
	next  int
}

// NewStore returns a store in the idle default state.
func NewStore() *Store {
	return &Store{subs: make(map[int]func(PlaybackState))}
}

// Snapshot returns a copy of the current playback state.
func (s *Store) Snapshot() PlaybackState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe registers fn to be called with every state update. The
// returned function cancels the subscription. Callbacks run outside the
// store's lock, in the updating goroutine.
func (s *Store) Subscribe(fn func(PlaybackState)) (cancel func()) {
	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// update applies mut to the state and notifies subscribers.
func (s *Store) update(mut func(*PlaybackState)) {
	s.mu.Lock()
	mut(&s.state)
	state := s.state
	subs := make([]func(PlaybackState), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(state)
	}
}
