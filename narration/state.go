package narration

// SessionState represents the lifecycle state of a narration session.
type SessionState int

const (
	// StateIdle indicates no narration session is active.
	StateIdle SessionState = iota
	// StateConnecting indicates a session is being established.
	StateConnecting
	// StateGenerating indicates the backend is synthesizing audio.
	// Playback runs concurrently once the first chunk is queued.
	StateGenerating
	// StateComplete indicates generation finished and playback drained.
	StateComplete
	// StateCancelled indicates the session was stopped by the user.
	StateCancelled
	// StateError indicates the session ended with a fatal error.
	StateError
)

// String returns the string representation of the state.
func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateGenerating:
		return "generating"
	case StateComplete:
		return "complete"
	case StateCancelled:
		return "cancelled"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether the session has ended in this state.
func (s SessionState) Terminal() bool {
	return s == StateComplete || s == StateCancelled || s == StateError
}

// StateMachine manages session state transitions. It is not safe for
// concurrent use; the controller serializes access.
type StateMachine struct {
	current     SessionState
	transitions map[SessionState][]SessionState
}

// NewStateMachine creates a state machine with the valid session
// transitions, starting at StateIdle.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		current: StateIdle,
		transitions: map[SessionState][]SessionState{
			StateIdle:       {StateConnecting},
			StateConnecting: {StateGenerating, StateCancelled, StateError, StateIdle},
			StateGenerating: {StateComplete, StateCancelled, StateError},
			StateComplete:   {StateIdle, StateConnecting},
			StateCancelled:  {StateIdle, StateConnecting},
			StateError:      {StateIdle, StateConnecting},
		},
	}
}

// Transition attempts to transition to the specified state and reports
// whether the transition was valid.
func (sm *StateMachine) Transition(to SessionState) bool {
	for _, state := range sm.transitions[sm.current] {
		if state == to {
			sm.current = to
			return true
		}
	}
	return false
}

// Current returns the current state.
func (sm *StateMachine) Current() SessionState {
	return sm.current
}
