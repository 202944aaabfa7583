package transfer

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
)

// maxFrameSize bounds request and header frames; file bytes are not framed.
const maxFrameSize = 64 * 1024

// writeMessage writes data with a 4-byte big-endian length prefix.
func writeMessage(w io.Writer, data []byte) error {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(data)))
	if _, err := w.Write(length[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// readMessage reads one length-prefixed frame.
func readMessage(r io.Reader) ([]byte, error) {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(length[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	return writeMessage(w, data)
}

func readJSON(r io.Reader, v any) error {
	data, err := readMessage(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal frame: %w", err)
	}
	return nil
}

// idleStream moves the stream deadline forward before every read and
// write, so a body transfer fails when it stalls for idle rather than
// when it runs long. The deadline never passes end, when end is set.
type idleStream struct {
	stream network.Stream
	idle   time.Duration
	end    time.Time
}

func (s *idleStream) deadline() time.Time {
	var d time.Time
	if s.idle > 0 {
		d = time.Now().Add(s.idle)
	}
	if !s.end.IsZero() && (d.IsZero() || s.end.Before(d)) {
		d = s.end
	}
	return d
}

func (s *idleStream) Read(p []byte) (int, error) {
	_ = s.stream.SetReadDeadline(s.deadline())
	return s.stream.Read(p)
}

func (s *idleStream) Write(p []byte) (int, error) {
	_ = s.stream.SetWriteDeadline(s.deadline())
	return s.stream.Write(p)
}
