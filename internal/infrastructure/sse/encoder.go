package sse

import (
	"fmt"
	"io"
	"net/http"
	"sync"
)

// Encoder writes server-sent events to an http.ResponseWriter, flushing after
// every frame so chunks reach the client immediately. Writes are serialized
// with a mutex because heartbeats and data frames come from different
// goroutines.
type Encoder struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
}

// NewEncoder prepares w for streaming and sets the response headers. The
// returned encoder is safe for concurrent use.
func NewEncoder(w http.ResponseWriter) *Encoder {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	flusher, _ := w.(http.Flusher)
	return &Encoder{w: w, flusher: flusher}
}

// Data writes a plain data frame.
func (e *Encoder) Data(payload []byte) error {
	return e.write(fmt.Sprintf("data: %s\n\n", payload))
}

// Event writes a named event frame.
func (e *Encoder) Event(name string, payload []byte) error {
	return e.write(fmt.Sprintf("event: %s\ndata: %s\n\n", name, payload))
}

// Heartbeat writes an SSE comment that keeps intermediaries from closing an
// idle connection. Clients ignore comment frames.
func (e *Encoder) Heartbeat() error {
	return e.write(":heartbeat\n\n")
}

// Done writes the [DONE] terminator.
func (e *Encoder) Done() error {
	return e.write("data: " + DoneSentinel + "\n\n")
}

func (e *Encoder) write(frame string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := io.WriteString(e.w, frame); err != nil {
		return err
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}
