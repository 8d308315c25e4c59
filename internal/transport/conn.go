package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

// Conn is the persistent duplex connection for one narration session.
// Events are delivered on Events() in strict receipt order; the channel
// is closed after the terminal Closed event.
type Conn struct {
	sessionID string
	ws        *websocket.Conn
	events    chan Event
	done      chan struct{}

	writeMu    sync.Mutex
	cancelOnce sync.Once
	closeOnce  sync.Once
}

// Dial opens the narration stream for an existing session. The base URL
// is the backend's HTTP endpoint; the scheme is rewritten for the
// websocket handshake.
func Dial(ctx context.Context, baseURL, sessionID string) (*Conn, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	case "ws", "wss":
		// already a websocket url
	default:
		return nil, fmt.Errorf("unsupported backend scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/narration/" + sessionID + "/stream"

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("narration stream dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("narration stream dial failed: %w", err)
	}
	log.Debug("narration stream open", "session", sessionID, "url", u.String())

	c := &Conn{
		sessionID: sessionID,
		ws:        ws,
		events:    make(chan Event, 16),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// SessionID returns the session this connection belongs to.
func (c *Conn) SessionID() string {
	return c.sessionID
}

// Events returns the inbound event stream. The channel closes after the
// terminal Closed event has been delivered.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// readLoop parses inbound frames into typed events until the connection
// ends, then emits the terminal Closed event.
func (c *Conn) readLoop() {
	defer close(c.events)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.emit(Closed{Reason: classifyClose(err), Err: err})
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warn("unparseable narration frame, skipping", "session", c.sessionID, "err", err)
			continue
		}

		var ev Event
		switch f.Type {
		case "chunk_ready":
			ev = ChunkReady{
				ChunkNumber: f.ChunkNumber,
				AudioBase64: f.AudioBase64,
				TotalChunks: f.TotalChunks,
				TextPreview: f.TextPreview,
			}
		case "progress":
			ev = Progress{Percent: f.ProgressPercent}
		case "complete":
			ev = Complete{}
		case "error":
			ev = ErrorEvent{Message: f.Message}
		default:
			log.Debug("unknown narration frame type, skipping", "type", f.Type)
			continue
		}
		if !c.emit(ev) {
			return
		}
	}
}

// emit delivers one event, giving up when the connection is closed so an
// abandoned consumer cannot wedge the read loop.
func (c *Conn) emit(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

// SendCancel writes the cancel control message. It is sent at most once
// per session and is fire-and-forget: a write failure is logged, never
// returned, because local teardown proceeds regardless.
func (c *Conn) SendCancel() {
	c.cancelOnce.Do(func() {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		if err := c.ws.WriteJSON(cancelFrame{Type: "cancel"}); err != nil {
			log.Debug("cancel send failed", "session", c.sessionID, "err", err)
			return
		}
		log.Debug("cancel sent", "session", c.sessionID)
	})
}

// Close performs an orderly shutdown of the connection. Idempotent.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

// classifyClose maps a read error to a close reason.
func classifyClose(err error) CloseReason {
	ce, ok := err.(*websocket.CloseError)
	if !ok {
		// No close handshake at all: the network went away.
		return CloseNetworkLost
	}
	switch ce.Code {
	case websocket.CloseNormalClosure, websocket.CloseGoingAway:
		return CloseNormal
	case closeCodeSessionExpired:
		return CloseSessionExpired
	case websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived:
		return CloseNetworkLost
	default:
		if reasonMentionsExpiry(ce.Text) {
			return CloseSessionExpired
		}
		return CloseOther
	}
}
