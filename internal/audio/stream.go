package audio

import (
	"io"
	"sync"
)

// stream is the byte FIFO feeding a device player. The scheduler appends
// PCM as chunks arrive; the player reads at device rate. When the FIFO
// underruns, Read emits silence so the device clock keeps advancing and
// late chunks play as soon as they land instead of erroring the player.
type stream struct {
	mu     sync.Mutex
	chunks [][]byte
	pos    int // read offset into chunks[0]
	closed bool
}

func newStream() *stream {
	return &stream{}
}

// Read implements io.Reader for the device player.
func (s *stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, io.EOF
	}

	n := 0
	for n < len(p) && len(s.chunks) > 0 {
		c := s.chunks[0]
		copied := copy(p[n:], c[s.pos:])
		n += copied
		s.pos += copied
		if s.pos == len(c) {
			s.chunks = s.chunks[1:]
			s.pos = 0
		}
	}
	if n > 0 {
		return n, nil
	}

	// Underrun: emit silence.
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// append adds PCM to the tail of the FIFO.
func (s *stream) append(pcm []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.chunks = append(s.chunks, pcm)
}

// buffered returns the number of bytes not yet consumed by the player.
func (s *stream) buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := -s.pos
	for _, c := range s.chunks {
		n += len(c)
	}
	return n
}

// close makes subsequent reads return EOF.
func (s *stream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.chunks = nil
	s.pos = 0
}
