package narration

import (
	"errors"
	"strings"
)

// ErrSessionCreate indicates the backend refused or failed the
// session-creation request. No session exists afterwards.
var ErrSessionCreate = errors.New("narration session could not be created")

// User-facing error messages written to the playback state. The audio
// message is actionable: restarting playback re-runs the output unlock.
const (
	msgAudioNotEnabled = "audio output is not enabled; restart playback to enable it"
	msgSessionExpired  = "narration session expired; start playback again"
	msgNetworkLost     = "connection to the narration service was lost"
)

// isChunkScoped reports whether a backend error message names a specific
// chunk. Chunk-scoped errors are non-fatal: the backend keeps
// synthesizing and later chunks still arrive.
func isChunkScoped(message string) bool {
	return strings.Contains(strings.ToLower(message), "chunk")
}
