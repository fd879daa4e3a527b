// Package sse implements the MCP SSE transport: a long-lived event stream
// for server-to-client messages and a POST endpoint for client-to-server
// messages.
package sse

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Event types used by the MCP SSE transport.
const (
	EventEndpoint = "endpoint"
	EventMessage  = "message"
)

// Event is one Server-Sent Event.
type Event struct {
	Type string
	Data string
}

// Scanner reads Server-Sent Events from a stream. Events are delimited by
// blank lines; multiple data lines are joined with newlines. Comments and
// unknown fields are ignored.
type Scanner struct {
	reader  *bufio.Reader
	current Event
	err     error
}

// NewScanner creates a scanner over r.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{reader: bufio.NewReaderSize(r, 64*1024)}
}

// Next advances to the next event. It returns false at the end of the
// stream or on error; Err distinguishes the two.
func (s *Scanner) Next() bool {
	s.current = Event{}
	if s.err != nil {
		return false
	}

	var data []string
	var typ string
	hasData := false

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil && line == "" {
			s.err = err
			if hasData {
				s.current = Event{Type: typ, Data: strings.Join(data, "\n")}
				return true
			}
			return false
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if hasData {
				s.current = Event{Type: typ, Data: strings.Join(data, "\n")}
				return true
			}
			typ = ""
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, ok := strings.Cut(line, ":")
		if !ok {
			field, value = line, ""
		} else {
			value = strings.TrimPrefix(value, " ")
		}
		switch field {
		case "data":
			data = append(data, value)
			hasData = true
		case "event":
			typ = value
		}
	}
}

// Event returns the event parsed by the last successful Next.
func (s *Scanner) Event() Event {
	return s.current
}

// Err returns the error that ended scanning, or nil on a clean EOF.
func (s *Scanner) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}

// Writer emits events to an HTTP response and flushes after each one.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
}

// NewWriter sets the event-stream headers on w. It fails when w cannot
// flush, since events would otherwise sit in a buffer.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported by response writer")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	return &Writer{w: w, flusher: flusher}, nil
}

// Write sends one event. Data containing newlines is split over several
// data lines.
func (sw *Writer) Write(typ, data string) error {
	var b strings.Builder
	if typ != "" {
		b.WriteString("event: ")
		b.WriteString(typ)
		b.WriteByte('\n')
	}
	for _, line := range strings.Split(data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')

	if _, err := io.WriteString(sw.w, b.String()); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// Flush pushes headers and any buffered bytes to the client.
func (sw *Writer) Flush() {
	sw.flusher.Flush()
}
