package llm

import (
	"context"
	"io"
	"sync"

	"github.com/modelmux/modelmux/internal/domain/chat"
)

// Stream is a pull-style sequence of normalized chunks. Adapters produce
// into it from a goroutine; the lifecycle engine consumes with Recv.
type Stream struct {
	ch chan *chat.Chunk

	mu  sync.Mutex
	err error
}

// NewStream creates a stream with a small buffer so producers stay slightly
// ahead of the client write path.
func NewStream() *Stream {
	return &Stream{ch: make(chan *chat.Chunk, 8)}
}

// Recv returns the next chunk. It returns io.EOF when the stream ended
// cleanly and the producer's error otherwise.
func (s *Stream) Recv() (*chat.Chunk, error) {
	c, ok := <-s.ch
	if !ok {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	return c, nil
}

// Send delivers a chunk to the consumer. It returns false when ctx is
// cancelled before the chunk is accepted; producers should stop then.
func (s *Stream) Send(ctx context.Context, c *chat.Chunk) bool {
	select {
	case s.ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close ends the stream. A nil err means clean termination (Recv returns
// io.EOF); a non-nil err is handed to the consumer on the next Recv.
// Close must be called exactly once, by the producer.
func (s *Stream) Close(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.ch)
}
