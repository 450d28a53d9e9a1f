// Package sse implements the text/event-stream wire format used by every
// upstream provider and by our own streaming responses.
package sse

import (
	"bufio"
	"io"
	"strings"
)

// DoneSentinel is the payload OpenAI-style streams send to mark a clean end.
const DoneSentinel = "[DONE]"

// Event is one decoded server-sent event. Name is empty for plain data
// events; Data holds the joined payload of all data lines in the event.
type Event struct {
	Name string
	Data string
}

// Done reports whether this event is the [DONE] terminator.
func (e Event) Done() bool { return e.Data == DoneSentinel }

// Decoder reads server-sent events from a byte stream. Events are delimited
// by blank lines; comment lines (leading ':') are skipped; multiple data
// lines within one event are joined with '\n', as the SSE standard requires.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder wraps r. Lines up to 1MB are accepted, matching the largest
// chunks observed from upstream APIs.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Decoder{scanner: scanner}
}

// Next returns the next complete event. It returns io.EOF when the stream
// ends cleanly and the underlying read error otherwise. Events with neither
// a name nor data (pure comment blocks, stray blank lines) are skipped.
func (d *Decoder) Next() (Event, error) {
	var (
		name  string
		data  []string
		began bool
	)

	for d.scanner.Scan() {
		line := d.scanner.Text()

		if line == "" {
			if began {
				return Event{Name: name, Data: strings.Join(data, "\n")}, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value := splitField(line)
		switch field {
		case "event":
			name = value
			began = true
		case "data":
			data = append(data, value)
			began = true
		default:
			// id/retry and unknown fields are ignored.
		}
	}

	if err := d.scanner.Err(); err != nil {
		return Event{}, err
	}
	if began {
		// Stream ended mid-event; deliver what we have.
		return Event{Name: name, Data: strings.Join(data, "\n")}, nil
	}
	return Event{}, io.EOF
}

// splitField splits "field: value" per the SSE spec, stripping at most one
// leading space from the value.
func splitField(line string) (string, string) {
	field, value, ok := strings.Cut(line, ":")
	if !ok {
		return line, ""
	}
	return field, strings.TrimPrefix(value, " ")
}
