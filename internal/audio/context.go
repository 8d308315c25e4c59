// Package audio plays 24kHz mono 16-bit PCM through a single device,
// scheduling decoded chunks back to back so narration sounds gapless.
package audio

import (
	"errors"
	"io"
	"os"

	"github.com/charmbracelet/log"
)

// ErrNotReady is returned when the audio output device has not been
// brought up yet. On constrained platforms device startup needs a user
// interaction, so callers surface this as an actionable error rather
// than dropping audio silently.
var ErrNotReady = errors.New("audio output not enabled")

// Context abstracts the platform audio device so the Scheduler can be
// tested without real output hardware.
type Context interface {
	// EnsureReady brings the output device up. It must be called once
	// from a user-interaction context before any player is created and
	// is a no-op afterwards.
	EnsureReady() error

	// NewPlayer creates a player that consumes PCM from r as it plays.
	// Fails with ErrNotReady if the device is not up.
	NewPlayer(r io.Reader) (Player, error)

	// Close tears the device down.
	Close() error
}

// Player is a single stream of audio being fed to the device.
type Player interface {
	Play()
	Pause()
	IsPlaying() bool
	Close() error
}

// IsCI reports whether we are running in a CI environment, where no
// audio device is available and the mock context must be used.
func IsCI() bool {
	for _, v := range []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI", "JENKINS_URL", "BUILDKITE", "CIRCLECI"} {
		if val := os.Getenv(v); val != "" && val != "false" {
			log.Debug("ci environment detected", "variable", v)
			return true
		}
	}
	return os.Getenv("SAGA_MOCK_AUDIO") == "true"
}

// NewContext returns the audio context appropriate for the environment:
// the mock context in CI or when mock is forced, the oto-backed
// production context otherwise.
func NewContext(forceMock bool) Context {
	if forceMock || IsCI() {
		log.Debug("using mock audio context")
		return NewMockContext()
	}
	return newOtoContext()
}
