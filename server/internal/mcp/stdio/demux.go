// Package stdio carries MCP traffic over a container's attached stdin and
// multiplexed stdout/stderr.
package stdio

import (
	"bytes"
	"encoding/binary"

	"github.com/obot-platform/mcprunner/server/internal/mcp"
)

const headerLen = 8

// Stream designators used by the engine's attach protocol.
const (
	StreamStdin  byte = 0
	StreamStdout byte = 1
	StreamStderr byte = 2
)

// Line is one newline-terminated segment decoded from a frame payload.
type Line struct {
	Stream  byte
	Message *mcp.Message
	Err     error
}

// Demuxer parses the engine's framed attach stream. Bytes of an incomplete
// frame are kept and prefixed to the next chunk; bytes of an incomplete line
// are kept per stream until the newline arrives in a later frame.
type Demuxer struct {
	residual []byte
	partial  map[byte][]byte
}

// NewDemuxer returns an empty demuxer.
func NewDemuxer() *Demuxer {
	return &Demuxer{partial: make(map[byte][]byte)}
}

// Feed consumes one chunk and returns the lines completed by it. A line that
// is not valid JSON-RPC is returned with Err set; later lines are unaffected.
func (d *Demuxer) Feed(chunk []byte) []Line {
	d.residual = append(d.residual, chunk...)

	var lines []Line
	for len(d.residual) >= headerLen {
		size := int(binary.BigEndian.Uint32(d.residual[4:headerLen]))
		if len(d.residual) < headerLen+size {
			break
		}
		stream := d.residual[0]
		payload := d.residual[headerLen : headerLen+size]
		lines = d.split(stream, payload, lines)
		d.residual = d.residual[headerLen+size:]
	}

	if len(d.residual) == 0 {
		d.residual = nil
	} else {
		d.residual = append([]byte(nil), d.residual...)
	}
	return lines
}

// Buffered reports the number of bytes held back for the next Feed.
func (d *Demuxer) Buffered() int {
	n := len(d.residual)
	for _, p := range d.partial {
		n += len(p)
	}
	return n
}

func (d *Demuxer) split(stream byte, payload []byte, lines []Line) []Line {
	buf := append(d.partial[stream], payload...)
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		seg := bytes.TrimSpace(buf[:i])
		buf = buf[i+1:]
		if len(seg) == 0 {
			continue
		}
		lines = append(lines, parseLine(stream, seg))
	}

	if len(buf) == 0 {
		delete(d.partial, stream)
	} else {
		d.partial[stream] = append([]byte(nil), buf...)
	}
	return lines
}

// Flush returns whatever unterminated text is left on each stream. It is
// called once the attach stream has ended.
func (d *Demuxer) Flush() []Line {
	var lines []Line
	for _, stream := range []byte{StreamStdout, StreamStderr} {
		seg := bytes.TrimSpace(d.partial[stream])
		delete(d.partial, stream)
		if len(seg) > 0 {
			lines = append(lines, parseLine(stream, seg))
		}
	}
	d.residual = nil
	return lines
}

func parseLine(stream byte, seg []byte) Line {
	if stream == StreamStderr {
		return Line{Stream: stream, Err: &StderrLine{Text: string(seg)}}
	}
	m, err := mcp.Decode(seg)
	if err != nil {
		return Line{Stream: stream, Err: err}
	}
	return Line{Stream: stream, Message: m}
}

// StderrLine carries text the server wrote to stderr. It is not a protocol
// error and transports only log it.
type StderrLine struct {
	Text string
}

func (e *StderrLine) Error() string { return "stderr: " + e.Text }

// EncodeFrame wraps payload in an attach frame header.
func EncodeFrame(stream byte, payload []byte) []byte {
	out := make([]byte, headerLen+len(payload))
	out[0] = stream
	binary.BigEndian.PutUint32(out[4:headerLen], uint32(len(payload)))
	copy(out[headerLen:], payload)
	return out
}
