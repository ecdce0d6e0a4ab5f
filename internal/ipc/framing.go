// Package ipc implements cross-process coordination between the control
// plane and the execution daemon: a PID lock file guarding the daemon's
// singleton instance, and a length-prefixed JSON frame protocol carried
// over a Unix domain socket.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	v1 "github.com/ponybunny-ai/taskforge/pkg/api/v1"
)

// maxFrameBytes bounds a single frame's payload to guard against a
// corrupt or hostile length prefix driving an unbounded allocation.
const maxFrameBytes = 16 * 1024 * 1024

// WriteFrame writes f to conn as a 4-byte big-endian length prefix
// followed by its UTF-8 JSON encoding.
func WriteFrame(conn net.Conn, f *v1.Frame) error {
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now().UTC()
	}
	body, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("ipc: encode frame: %w", err)
	}
	if len(body) > maxFrameBytes {
		return fmt.Errorf("ipc: frame of %d bytes exceeds limit", len(body))
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(body)))
	if _, err := conn.Write(header); err != nil {
		return fmt.Errorf("ipc: write frame header: %w", err)
	}
	if _, err := conn.Write(body); err != nil {
		return fmt.Errorf("ipc: write frame body: %w", err)
	}
	return nil
}

// ReadFrame blocks until it can read one complete length-prefixed frame
// from conn, or returns the underlying I/O error (including io.EOF on a
// clean close).
func ReadFrame(conn net.Conn) (*v1.Frame, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header)
	if n > maxFrameBytes {
		return nil, fmt.Errorf("ipc: incoming frame of %d bytes exceeds limit", n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(conn, body); err != nil {
		return nil, fmt.Errorf("ipc: read frame body: %w", err)
	}

	var f v1.Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("ipc: decode frame: %w", err)
	}
	return &f, nil
}

// DecodeData re-marshals a frame's loosely-typed Data map into dst, a
// pointer to a concrete payload struct (CommandRequest, CommandResult, ...).
func DecodeData(data map[string]interface{}, dst interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("ipc: re-encode frame data: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("ipc: decode frame data: %w", err)
	}
	return nil
}

// EncodeData converts a concrete payload struct into the loosely-typed
// map a Frame carries.
func EncodeData(src interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(src)
	if err != nil {
		return nil, fmt.Errorf("ipc: encode frame data: %w", err)
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("ipc: decode frame data: %w", err)
	}
	return data, nil
}
