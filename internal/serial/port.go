// Package serial provides the in-memory serial port backing the relay.
package serial

import (
	"sync"

	"github.com/remote-serial-bridge/bridge/internal/buffer"
)

// DefaultBaudRate is the baud rate a freshly created port reports before a
// client negotiates one.
const DefaultBaudRate = 115200

// VirtualPort is a stand-in for a physical serial device. Data written to it
// is forwarded through the data-out callback instead of hardware, and data
// fed into it is queued for the next Read. Control-line and baud changes are
// reported through callbacks, but only when the value actually changes.
//
// All methods are safe for concurrent use; the port never blocks and never
// fails.
type VirtualPort struct {
	rx *buffer.FIFO

	mu       sync.Mutex
	dtr      bool
	rts      bool
	baudRate int

	// OnDataOut is invoked with every non-empty Write payload.
	OnDataOut func(data []byte)

	// OnSignalChange is invoked with the new (dtr, rts) pair whenever either
	// line changes state.
	OnSignalChange func(dtr, rts bool)

	// OnBaudChange is invoked with the new rate whenever the baud rate
	// changes.
	OnBaudChange func(rate int)
}

// NewVirtualPort creates a port with both control lines deasserted and the
// default baud rate.
func NewVirtualPort() *VirtualPort {
	return &VirtualPort{
		rx:       buffer.NewFIFO(),
		baudRate: DefaultBaudRate,
	}
}

// Read returns up to max bytes from the receive buffer without blocking.
// It returns nil when no data is queued.
func (p *VirtualPort) Read(max int) []byte {
	return p.rx.Read(max)
}

// Write forwards data to the data-out callback and returns the number of
// bytes written. Nothing is buffered locally; the port behaves as if it
// were looped straight to the remote endpoint.
func (p *VirtualPort) Write(data []byte) int {
	if len(data) > 0 && p.OnDataOut != nil {
		p.OnDataOut(data)
	}
	return len(data)
}

// Feed appends remote data to the receive buffer. It is called from the
// channel receive path and races with Read from the client reader loop.
func (p *VirtualPort) Feed(data []byte) {
	p.rx.Write(data)
}

// InWaiting returns the number of bytes queued in the receive buffer.
func (p *VirtualPort) InWaiting() int {
	return p.rx.Len()
}

// DTR returns the current state of the DTR line.
func (p *VirtualPort) DTR() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dtr
}

// SetDTR sets the DTR line. The signal-change callback fires only when the
// state actually changes.
func (p *VirtualPort) SetDTR(value bool) {
	p.mu.Lock()
	if p.dtr == value {
		p.mu.Unlock()
		return
	}
	p.dtr = value
	dtr, rts := p.dtr, p.rts
	cb := p.OnSignalChange
	p.mu.Unlock()

	if cb != nil {
		cb(dtr, rts)
	}
}

// RTS returns the current state of the RTS line.
func (p *VirtualPort) RTS() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rts
}

// SetRTS sets the RTS line. The signal-change callback fires only when the
// state actually changes.
func (p *VirtualPort) SetRTS(value bool) {
	p.mu.Lock()
	if p.rts == value {
		p.mu.Unlock()
		return
	}
	p.rts = value
	dtr, rts := p.dtr, p.rts
	cb := p.OnSignalChange
	p.mu.Unlock()

	if cb != nil {
		cb(dtr, rts)
	}
}

// BaudRate returns the current baud rate.
func (p *VirtualPort) BaudRate() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.baudRate
}

// SetBaudRate sets the baud rate. The baud-change callback fires only when
// the rate actually changes.
func (p *VirtualPort) SetBaudRate(rate int) {
	p.mu.Lock()
	if p.baudRate == rate {
		p.mu.Unlock()
		return
	}
	p.baudRate = rate
	cb := p.OnBaudChange
	p.mu.Unlock()

	if cb != nil {
		cb(rate)
	}
}
