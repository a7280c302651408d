// Package capture records the bytes relayed through the bridge in a
// JSON-Lines trace file, one header line followed by timed events. The
// format is deliberately close to Asciinema v2 so existing line-oriented
// tooling can process it, with base64 payloads since serial traffic is
// binary.
package capture

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Header is the first line of a capture file.
type Header struct {
	Version   int    `json:"version"`
	Mode      string `json:"mode"`
	Topic     string `json:"topic"`
	Timestamp int64  `json:"timestamp"`
}

// Event is one relayed chunk. Wire format: [time_offset, direction, data]
// where direction is "i" for client-to-device and "o" for device-to-client,
// and data is base64.
type Event struct {
	TimeOffset float64
	Direction  string
	Data       []byte
}

// MarshalJSON implements custom JSON marshaling for Event.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{
		e.TimeOffset,
		e.Direction,
		base64.StdEncoding.EncodeToString(e.Data),
	})
}

// UnmarshalJSON implements custom JSON unmarshaling for Event.
func (e *Event) UnmarshalJSON(data []byte) error {
	var arr []interface{}
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 3 {
		return fmt.Errorf("invalid event format: expected 3 elements, got %d", len(arr))
	}

	timeOffset, ok := arr[0].(float64)
	if !ok {
		return fmt.Errorf("invalid time offset type")
	}
	e.TimeOffset = timeOffset

	direction, ok := arr[1].(string)
	if !ok {
		return fmt.Errorf("invalid direction type")
	}
	e.Direction = direction

	encoded, ok := arr[2].(string)
	if !ok {
		return fmt.Errorf("invalid event data type")
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("invalid event data: %w", err)
	}
	e.Data = decoded

	return nil
}

// Recorder writes a capture trace. Safe for concurrent use.
type Recorder struct {
	writer    io.Writer
	file      *os.File // only set if we own the file
	startTime time.Time
	mu        sync.Mutex
}

// NewRecorder creates a Recorder that writes to the given file path and
// writes the header line immediately.
func NewRecorder(filePath, mode, topic string) (*Recorder, error) {
	file, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture file: %w", err)
	}

	r := &Recorder{
		writer:    file,
		file:      file,
		startTime: time.Now(),
	}
	if err := r.writeHeader(mode, topic); err != nil {
		file.Close()
		return nil, err
	}
	return r, nil
}

// NewRecorderWithWriter creates a Recorder that writes to the given writer.
// This is useful for testing.
func NewRecorderWithWriter(w io.Writer, mode, topic string) (*Recorder, error) {
	r := &Recorder{
		writer:    w,
		startTime: time.Now(),
	}
	if err := r.writeHeader(mode, topic); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Recorder) writeHeader(mode, topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	header := Header{
		Version:   1,
		Mode:      mode,
		Topic:     topic,
		Timestamp: r.startTime.Unix(),
	}

	data, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	if _, err := r.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	return nil
}

// RecordClientIn records bytes received from the local TCP client.
func (r *Recorder) RecordClientIn(data []byte) {
	r.writeEvent("i", data)
}

// RecordClientOut records bytes sent to the local TCP client.
func (r *Recorder) RecordClientOut(data []byte) {
	r.writeEvent("o", data)
}

// writeEvent appends one event line. Capture is best effort: a write
// failure must not disturb the relay, so errors are swallowed after the
// first and the recorder goes quiet.
func (r *Recorder) writeEvent(direction string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.writer == nil {
		return
	}

	event := Event{
		TimeOffset: time.Since(r.startTime).Seconds(),
		Direction:  direction,
		Data:       data,
	}

	line, err := json.Marshal(event)
	if err != nil {
		return
	}
	if _, err := r.writer.Write(append(line, '\n')); err != nil {
		r.writer = nil
	}
}

// Close closes the capture file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.writer = nil
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// StartTime returns the start time of the capture.
func (r *Recorder) StartTime() time.Time {
	return r.startTime
}
