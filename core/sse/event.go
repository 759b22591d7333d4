// Package sse produces text/event-stream responses and fans events out to
// subscribed clients.
package sse

import (
	"strconv"
	"strings"
)

// Event represents a Server-Sent Event
type Event struct {
	ID    string
	Event string
	Data  string
	Retry int // milliseconds
}

// Format renders the event in wire form. Multi-line data is split into one
// data line per line; the blank line terminator is always present.
func (e Event) Format() []byte {
	var b strings.Builder
	if e.ID != "" {
		b.WriteString("id: ")
		b.WriteString(e.ID)
		b.WriteByte('\n')
	}
	if e.Event != "" {
		b.WriteString("event: ")
		b.WriteString(e.Event)
		b.WriteByte('\n')
	}
	if e.Retry > 0 {
		b.WriteString("retry: ")
		b.WriteString(strconv.Itoa(e.Retry))
		b.WriteByte('\n')
	}
	if e.Data != "" {
		data := strings.ReplaceAll(e.Data, "\r\n", "\n")
		for _, line := range strings.Split(data, "\n") {
			b.WriteString("data: ")
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	b.WriteByte('\n')
	return []byte(b.String())
}

// Comment renders a comment line, which clients ignore. It keeps idle
// connections from being reaped by proxies.
func Comment(text string) []byte {
	return []byte(": " + text + "\n\n")
}

// Message is a data-only event.
func Message(data string) Event {
	return Event{Data: data}
}
