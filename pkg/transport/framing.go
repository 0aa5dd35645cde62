// Package transport serves the daemon's wire protocol: a local unix stream
// socket carrying length-delimited JSON frames. Each connection gets one
// reader goroutine feeding a bounded inbound channel and one writer
// goroutine draining an outbound channel, so the router never blocks on a
// slow client.
package transport

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// maxFrameBytes bounds a single frame in either direction.
const maxFrameBytes = 16 << 20

// ReadFrame reads one length-prefixed frame: 4-byte big-endian length, then
// that many bytes of UTF-8 JSON.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size == 0 {
		return nil, fmt.Errorf("zero-length frame")
	}
	if size > maxFrameBytes {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxFrameBytes {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(payload))
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// MarshalFrame encodes v and frames it in one buffer, so the writer
// goroutine performs a single Write per frame.
func MarshalFrame(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(payload) > maxFrameBytes {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", len(payload))
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)
	return buf, nil
}

// requestFrame is the inbound wire shape: {"event": "...", "data": {...}}.
// Anything else in the frame (including a context object) is ignored; the
// router assigns context on ingress.
type requestFrame struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

// errorFrame is the outbound error shape.
type errorFrame struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Kind          string `json:"kind"`
	Message       string `json:"message"`
	Retryable     bool   `json:"retryable"`
	CorrelationID string `json:"correlation_id,omitempty"`
}
