package gabp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

const (
	headerContentLength = "Content-Length"
	headerTerminator    = "\r\n\r\n"
	contentTypeJSON     = "application/json"
)

// errBadFrameHeader signals an undecodable header block. The transport
// closes the connection when it sees this, since the stream offset can no
// longer be trusted.
var errBadFrameHeader = errors.New("undecodable frame header")

// EncodeFrame serializes msg into a single LSP-style frame: an ASCII header
// block terminated by a blank line, followed by the UTF-8 JSON payload. The
// returned slice is meant to be handed to the socket in one write so headers
// and payload of concurrent messages never interleave.
func EncodeFrame(msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(len(payload) + 64)
	fmt.Fprintf(&buf, "%s: %d\r\n", headerContentLength, len(payload))
	fmt.Fprintf(&buf, "Content-Type: %s\r\n\r\n", contentTypeJSON)
	buf.Write(payload)

	return buf.Bytes(), nil
}

// FrameDecoder incrementally decodes LSP-style frames from a growing byte
// buffer. Feed raw socket reads with Push, then drain complete messages with
// Next. The decoder tolerates partial frames; bytes stay buffered until a
// full header block and payload have arrived.
type FrameDecoder struct {
	buf    []byte
	logger *slog.Logger
}

// NewFrameDecoder creates a FrameDecoder. A nil logger falls back to
// slog.Default.
func NewFrameDecoder(logger *slog.Logger) *FrameDecoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &FrameDecoder{
		logger: logger,
	}
}

// Push appends raw bytes read from the connection to the decode buffer.
func (d *FrameDecoder) Push(p []byte) {
	d.buf = append(d.buf, p...)
}

// Next returns the next complete message in the buffer. The boolean reports
// whether a message was produced; false with a nil error means more bytes
// are needed. A non-nil error means the header block could not be decoded
// and the caller should close the connection.
//
// A payload that fails JSON parsing, or whose envelope is not a recognized
// type, is logged and skipped; the buffer advances past its declared length
// and decoding continues with the following frame.
func (d *FrameDecoder) Next() (Message, bool, error) {
	for {
		idx := bytes.Index(d.buf, []byte(headerTerminator))
		if idx < 0 {
			return Message{}, false, nil
		}

		length, err := parseContentLength(d.buf[:idx])
		if err != nil {
			return Message{}, false, fmt.Errorf("%w: %w", errBadFrameHeader, err)
		}

		start := idx + len(headerTerminator)
		if len(d.buf) < start+length {
			return Message{}, false, nil
		}

		payload := d.buf[start : start+length]
		msg, err := decodePayload(payload)

		// Advance past this frame regardless of whether the payload decoded.
		d.buf = d.buf[start+length:]
		if len(d.buf) == 0 {
			d.buf = nil
		}

		if err != nil {
			d.logger.Warn("dropping malformed frame", slog.String("err", err.Error()))
			continue
		}

		return msg, true, nil
	}
}

func decodePayload(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	if err := msg.validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// parseContentLength extracts the Content-Length value from a header block.
// Header names are matched case-insensitively and whitespace around the
// numeric value is trimmed. Unknown headers, such as Content-Type, are
// ignored.
func parseContentLength(headers []byte) (int, error) {
	for _, line := range bytes.Split(headers, []byte("\r\n")) {
		name, value, ok := bytes.Cut(line, []byte(":"))
		if !ok {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(string(name)), headerContentLength) {
			continue
		}

		n, err := strconv.Atoi(strings.TrimSpace(string(value)))
		if err != nil {
			return 0, fmt.Errorf("invalid %s value: %w", headerContentLength, err)
		}
		if n < 0 {
			return 0, fmt.Errorf("negative %s value: %d", headerContentLength, n)
		}
		return n, nil
	}
	return 0, fmt.Errorf("missing %s header", headerContentLength)
}
