package audit

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/vmihailenco/msgpack/v5"
)

// maxFrameSize bounds one event frame on read, guarding against a
// corrupt length prefix.
const maxFrameSize = 1 << 20

// FileSink appends events to a file as length-prefixed msgpack frames:
// a big-endian uint32 length followed by the encoded event.
type FileSink struct {
	file *os.File
	w    *bufio.Writer
}

// NewFileSink opens (or creates) the trail file for appending.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit sink: %w", err)
	}
	return &FileSink{file: f, w: bufio.NewWriter(f)}, nil
}

func (s *FileSink) Append(event *Event) error {
	payload, err := msgpack.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := s.w.Write(prefix[:]); err != nil {
		return err
	}
	if _, err := s.w.Write(payload); err != nil {
		return err
	}
	return s.w.Flush()
}

// Close flushes buffered frames and fsyncs the trail.
func (s *FileSink) Close() error {
	if err := s.w.Flush(); err != nil {
		return err
	}
	if err := s.file.Sync(); err != nil {
		return err
	}
	return s.file.Close()
}

// ReadTrail decodes every event frame in a trail file, in order.
func ReadTrail(path string) ([]*Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var events []*Event
	for {
		var prefix [4]byte
		if _, err := io.ReadFull(r, prefix[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return events, nil
			}
			return events, fmt.Errorf("read frame length: %w", err)
		}
		size := binary.BigEndian.Uint32(prefix[:])
		if size > maxFrameSize {
			return events, fmt.Errorf("frame length %d exceeds limit", size)
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			return events, fmt.Errorf("read frame: %w", err)
		}
		var event Event
		if err := msgpack.Unmarshal(payload, &event); err != nil {
			return events, fmt.Errorf("decode frame: %w", err)
		}
		events = append(events, &event)
	}
}
