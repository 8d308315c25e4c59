package narration

import (
	"encoding/base64"
	"fmt"

	"github.com/sagafm/saga/internal/audio"
)

// DecodeError reports that one chunk's payload could not be turned into
// a playable buffer. It never aborts the session; later chunks are
// still processed.
type DecodeError struct {
	Chunk int
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode chunk %d: %v", e.Chunk, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// decodeChunk converts a transport-encoded chunk payload into a
// playable audio buffer. Stateless, called once per chunk.
func decodeChunk(chunkNumber int, audioBase64 string) (*audio.Buffer, error) {
	pcm, err := base64.StdEncoding.DecodeString(audioBase64)
	if err != nil {
		return nil, &DecodeError{Chunk: chunkNumber, Err: err}
	}
	buf, err := audio.NewBuffer(pcm)
	if err != nil {
		return nil, &DecodeError{Chunk: chunkNumber, Err: err}
	}
	return buf, nil
}
