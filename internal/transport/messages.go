// Package transport maintains the persistent duplex connection for one
// narration session. Inbound frames are parsed into typed events and
// delivered in receipt order; the only outbound control message is a
// best-effort cancel.
package transport

import "strings"

// frame is the wire format of every inbound message. Exactly one message
// type arrives per frame; unused fields stay at their zero value.
type frame struct {
	Type            string  `json:"type"`
	ChunkNumber     int     `json:"chunk_number,omitempty"`
	AudioBase64     string  `json:"audio_base64,omitempty"`
	TotalChunks     int     `json:"total_chunks,omitempty"`
	TextPreview     string  `json:"text_preview,omitempty"`
	ProgressPercent float64 `json:"progress_percent,omitempty"`
	Message         string  `json:"message,omitempty"`
}

// cancelFrame is the single outbound control message.
type cancelFrame struct {
	Type string `json:"type"`
}

// Event is an inbound protocol event delivered to the session consumer.
type Event interface{ isEvent() }

// ChunkReady carries one playable unit of narration audio.
type ChunkReady struct {
	// ChunkNumber is 1-based and assigned by the synthesis backend.
	ChunkNumber int
	// AudioBase64 is the transport encoding of the audio payload.
	AudioBase64 string
	// TotalChunks is a hint; it is not authoritative until Complete.
	TotalChunks int
	// TextPreview is the prose this chunk narrates, when provided.
	TextPreview string
}

// Progress is a generation progress hint, independent of chunk delivery.
type Progress struct {
	Percent float64
}

// Complete signals that no more chunks will be sent.
type Complete struct{}

// ErrorEvent reports a recoverable (chunk-scoped) or fatal error from
// the backend.
type ErrorEvent struct {
	Message string
}

// Closed is the final event on every session: the connection ended.
type Closed struct {
	Reason CloseReason
	Err    error
}

func (ChunkReady) isEvent() {}
func (Progress) isEvent()   {}
func (Complete) isEvent()   {}
func (ErrorEvent) isEvent() {}
func (Closed) isEvent()     {}

// CloseReason classifies why the session connection ended.
type CloseReason int

const (
	// CloseNormal is an orderly shutdown after completion or cancel.
	CloseNormal CloseReason = iota
	// CloseSessionExpired means the backend discarded the session.
	CloseSessionExpired
	// CloseNetworkLost is an abnormal drop without a close handshake.
	CloseNetworkLost
	// CloseOther covers everything else.
	CloseOther
)

// String returns the string representation of the close reason.
func (r CloseReason) String() string {
	switch r {
	case CloseNormal:
		return "normal"
	case CloseSessionExpired:
		return "session-expired"
	case CloseNetworkLost:
		return "network-lost"
	case CloseOther:
		return "other"
	default:
		return "unknown"
	}
}

// closeCodeSessionExpired is the application close code the backend uses
// when a narration session is no longer known to it.
const closeCodeSessionExpired = 4401

// reasonMentionsExpiry matches close reason text for backends that send
// a generic code with an explanatory message.
func reasonMentionsExpiry(text string) bool {
	t := strings.ToLower(text)
	return strings.Contains(t, "expired") || strings.Contains(t, "unknown session")
}
