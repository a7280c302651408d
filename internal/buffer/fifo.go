// Package buffer provides byte buffering primitives for the serial relay.
package buffer

import (
	"sync"
)

// FIFO is a thread-safe first-in-first-out byte queue. Bytes appended with
// Write are returned by Read in the same order.
//
// This backs the virtual serial port's receive buffer: the channel receive
// path appends remote data while the client reader loop drains it, so both
// paths go through a single mutex.
type FIFO struct {
	data []byte
	mu   sync.Mutex
}

// NewFIFO creates an empty FIFO.
func NewFIFO() *FIFO {
	return &FIFO{}
}

// Write appends p to the end of the queue. It never fails and never blocks.
// This method implements io.Writer interface.
func (f *FIFO) Write(p []byte) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.data = append(f.data, p...)
	return len(p), nil
}

// Read removes and returns up to max bytes from the front of the queue.
// It returns nil when the queue is empty or max is not positive; it never
// blocks waiting for data.
func (f *FIFO) Read(max int) []byte {
	if max <= 0 {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.data) == 0 {
		return nil
	}

	if max > len(f.data) {
		max = len(f.data)
	}

	out := make([]byte, max)
	copy(out, f.data[:max])
	f.data = f.data[max:]

	// Release the backing array once fully drained so a long burst does not
	// pin memory for the rest of the session.
	if len(f.data) == 0 {
		f.data = nil
	}
	return out
}

// Len returns the current number of queued bytes.
func (f *FIFO) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.data)
}

// Clear removes all queued bytes.
func (f *FIFO) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = nil
}
