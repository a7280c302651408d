// Package rfc2217 implements the Telnet COM-port-control protocol (RFC 2217)
// used by serial-over-TCP clients such as the PlatformIO device monitor.
//
// The codec sits between a TCP client and a VirtualPort: Escape prepares raw
// serial bytes for the wire, Filter strips and interprets embedded control
// sequences, applying baud and DTR/RTS requests to the port so its change
// callbacks fire. Negotiation replies go straight back to the client writer,
// never through the relay path.
package rfc2217

import (
	"io"

	"github.com/rs/zerolog"

	"github.com/remote-serial-bridge/bridge/internal/serial"
)

// Telnet protocol constants.
const (
	SE   = 240
	NOP  = 241
	SB   = 250
	WILL = 251
	WONT = 252
	DO   = 253
	DONT = 254
	IAC  = 255

	// Telnet options.
	OptTransmitBinary  = 0
	OptEcho            = 1
	OptSuppressGoAhead = 3
	OptComPortControl  = 44
)

// RFC 2217 COM-port-control subcommands, client to access server.
const (
	SetBaudRateReq     = 1
	SetDataSizeReq     = 2
	SetParityReq       = 3
	SetStopSizeReq     = 4
	SetControlReq      = 5
	NotifyLineState    = 6
	NotifyModemState   = 7
	FlowControlSuspend = 8
	FlowControlResume  = 9
	SetLineStateMask   = 10
	SetModemStateMask  = 11
	PurgeData          = 12
)

// RFC 2217 COM-port-control subcommands, access server to client. Each is
// the client subcommand plus 100.
const serverOffset = 100

// SET_CONTROL parameter values.
const (
	controlFlowReq     = 0
	controlFlowNone    = 1
	controlFlowXonXoff = 2
	controlFlowHard    = 3
	controlBreakReq    = 4
	controlBreakOn     = 5
	controlBreakOff    = 6
	controlDTRReq      = 7
	controlDTROn       = 8
	controlDTROff      = 9
	controlRTSReq      = 10
	controlRTSOn       = 11
	controlRTSOff      = 12
)

// parser states
const (
	stateData = iota
	stateIAC
	stateCommand
)

// maxCommandLength bounds a buffered subnegotiation. The longest legitimate
// COM-port command is the 4-byte baud rate with every byte IAC-escaped, well
// under this; anything longer is a client that lost the terminator.
const maxCommandLength = 64

type optionState struct {
	sentWill, sentDo bool
}

// Codec decodes one client's Telnet stream and encodes outbound serial data.
// It is bound to a single client connection and a single VirtualPort; a new
// Codec is created per accepted client.
//
// Codec is not safe for concurrent Filter calls; the bridge drives it from
// the one writer loop. Escape is stateless and may be called from any
// goroutine.
type Codec struct {
	port *serial.VirtualPort
	out  io.Writer
	log  zerolog.Logger

	state      int
	commandBuf []byte
	opts       [256]optionState

	flowControl byte
	breakState  bool
	lineMask    byte
	modemMask   byte
}

// NewCodec creates a codec for one client connection. Negotiation replies
// are written to out, which must be the client's own connection.
func NewCodec(port *serial.VirtualPort, out io.Writer, log zerolog.Logger) *Codec {
	return &Codec{
		port:        port,
		out:         out,
		log:         log,
		commandBuf:  make([]byte, 0, 64),
		flowControl: controlFlowNone,
		modemMask:   255,
	}
}

// Escape doubles IAC bytes so raw serial data can share the stream with
// protocol commands.
func Escape(raw []byte) []byte {
	out := make([]byte, 0, len(raw))
	for _, c := range raw {
		if c == IAC {
			out = append(out, IAC, IAC)
		} else {
			out = append(out, c)
		}
	}
	return out
}

// Filter consumes wire bytes from the client and returns the raw serial
// payload with all Telnet sequences removed. Option negotiation and COM-port
// commands are handled as a side effect: control requests are applied to the
// port and replies are written back to the client.
//
// Wire data may be split at arbitrary boundaries; parser state carries over
// between calls.
func (c *Codec) Filter(wire []byte) []byte {
	raw := make([]byte, 0, len(wire))

	for _, b := range wire {
		switch c.state {
		case stateData:
			if b == IAC {
				c.state = stateIAC
			} else {
				raw = append(raw, b)
			}

		case stateIAC:
			switch {
			case b == IAC:
				// Escaped literal 255.
				raw = append(raw, b)
				c.state = stateData
			case b == SB || (b >= WILL && b <= DONT):
				c.commandBuf = c.commandBuf[:0]
				c.commandBuf = append(c.commandBuf, IAC, b)
				c.state = stateCommand
			default:
				// Standalone command (NOP and friends); nothing to do.
				c.state = stateData
			}

		case stateCommand:
			c.commandBuf = append(c.commandBuf, b)
			cmd := c.commandBuf[1]

			if cmd == SB {
				l := len(c.commandBuf)
				if l >= 4 && c.commandBuf[l-2] == IAC && c.commandBuf[l-1] == SE && !pendingIACEscape(c.commandBuf[2:l-2]) {
					c.handleSubnegotiation()
					c.state = stateData
				} else if l > maxCommandLength {
					c.log.Warn().Int("length", l).Msg("oversized subnegotiation dropped")
					c.commandBuf = c.commandBuf[:0]
					c.state = stateData
				}
			} else if len(c.commandBuf) == 3 {
				c.handleOption()
				c.state = stateData
			}
		}
	}

	return raw
}

// pendingIACEscape reports whether params ends mid way through a doubled-IAC
// escape, in which case a following IAC SE is payload, not the terminator.
func pendingIACEscape(params []byte) bool {
	n := 0
	for i := len(params) - 1; i >= 0 && params[i] == IAC; i-- {
		n++
	}
	return n%2 == 1
}

// SendInitialNegotiation announces the options a serial client expects from
// an access server: binary transmission both ways, local echo, go-ahead
// suppression and COM-port control.
func (c *Codec) SendInitialNegotiation() {
	c.sendOption(WILL, OptTransmitBinary)
	c.sendOption(DO, OptTransmitBinary)
	c.sendOption(WILL, OptEcho)
	c.sendOption(WILL, OptSuppressGoAhead)
	c.sendOption(DO, OptSuppressGoAhead)
	c.sendOption(DO, OptComPortControl)
}

func (c *Codec) handleOption() {
	cmd := c.commandBuf[1]
	opt := c.commandBuf[2]

	switch cmd {
	case WILL:
		switch opt {
		case OptComPortControl:
			c.log.Debug().Msg("client enabled COM port control")
			fallthrough
		case OptTransmitBinary, OptSuppressGoAhead:
			if !c.opts[opt].sentDo {
				c.sendOption(DO, opt)
			}
		default:
			c.sendOption(DONT, opt)
		}
		c.opts[opt].sentDo = false

	case DO:
		switch opt {
		case OptComPortControl, OptTransmitBinary, OptSuppressGoAhead, OptEcho:
			if !c.opts[opt].sentWill {
				c.sendOption(WILL, opt)
			}
		default:
			c.sendOption(WONT, opt)
		}
		c.opts[opt].sentWill = false

	case WONT, DONT:
		// Option refusals need no reply for anything we offer.
	}
}

func (c *Codec) handleSubnegotiation() {
	// commandBuf holds IAC SB <opt> <payload...> IAC SE.
	if len(c.commandBuf) < 6 {
		return
	}
	if c.commandBuf[2] != OptComPortControl {
		return
	}

	params := unescapeIAC(c.commandBuf[3 : len(c.commandBuf)-2])
	if len(params) == 0 {
		return
	}

	switch params[0] {
	case SetBaudRateReq:
		if len(params) < 5 {
			return
		}
		rate := int(params[1])<<24 | int(params[2])<<16 | int(params[3])<<8 | int(params[4])
		if rate > 0 {
			c.log.Debug().Int("rate", rate).Msg("baud rate change requested")
			c.port.SetBaudRate(rate)
		}
		c.sendBaudRate(c.port.BaudRate())

	case SetDataSizeReq:
		if len(params) < 2 {
			return
		}
		// The virtual port is always 8N1; echo a nonzero request, answer
		// queries with the fixed value.
		c.replyByte(SetDataSizeReq, params[1], 8)

	case SetParityReq:
		if len(params) < 2 {
			return
		}
		c.replyByte(SetParityReq, params[1], 1)

	case SetStopSizeReq:
		if len(params) < 2 {
			return
		}
		c.replyByte(SetStopSizeReq, params[1], 1)

	case SetControlReq:
		if len(params) < 2 {
			return
		}
		c.handleSetControl(params[1])

	case SetLineStateMask:
		if len(params) < 2 {
			return
		}
		c.lineMask = params[1]
		c.sendSubnegotiation(SetLineStateMask+serverOffset, []byte{c.lineMask})

	case SetModemStateMask:
		if len(params) < 2 {
			return
		}
		c.modemMask = params[1]
		c.sendSubnegotiation(SetModemStateMask+serverOffset, []byte{c.modemMask})

	case PurgeData:
		if len(params) < 2 {
			return
		}
		// Nothing buffered on the virtual device side; acknowledge as done.
		c.sendSubnegotiation(PurgeData+serverOffset, []byte{params[1]})

	case FlowControlSuspend, FlowControlResume:
		c.log.Debug().Uint8("subcommand", params[0]).Msg("flow control request ignored")

	default:
		c.log.Debug().Uint8("subcommand", params[0]).Msg("unhandled COM port subcommand")
	}
}

func (c *Codec) handleSetControl(value byte) {
	switch value {
	case controlFlowReq:
		c.sendSubnegotiation(SetControlReq+serverOffset, []byte{c.flowControl})

	case controlFlowNone, controlFlowXonXoff, controlFlowHard:
		c.flowControl = value
		c.sendSubnegotiation(SetControlReq+serverOffset, []byte{c.flowControl})

	case controlBreakReq:
		state := byte(controlBreakOff)
		if c.breakState {
			state = controlBreakOn
		}
		c.sendSubnegotiation(SetControlReq+serverOffset, []byte{state})

	case controlBreakOn:
		c.breakState = true
		c.sendSubnegotiation(SetControlReq+serverOffset, []byte{value})

	case controlBreakOff:
		c.breakState = false
		c.sendSubnegotiation(SetControlReq+serverOffset, []byte{value})

	case controlDTRReq:
		state := byte(controlDTROff)
		if c.port.DTR() {
			state = controlDTROn
		}
		c.sendSubnegotiation(SetControlReq+serverOffset, []byte{state})

	case controlDTROn:
		c.port.SetDTR(true)
		c.sendSubnegotiation(SetControlReq+serverOffset, []byte{value})

	case controlDTROff:
		c.port.SetDTR(false)
		c.sendSubnegotiation(SetControlReq+serverOffset, []byte{value})

	case controlRTSReq:
		state := byte(controlRTSOff)
		if c.port.RTS() {
			state = controlRTSOn
		}
		c.sendSubnegotiation(SetControlReq+serverOffset, []byte{state})

	case controlRTSOn:
		c.port.SetRTS(true)
		c.sendSubnegotiation(SetControlReq+serverOffset, []byte{value})

	case controlRTSOff:
		c.port.SetRTS(false)
		c.sendSubnegotiation(SetControlReq+serverOffset, []byte{value})

	default:
		c.log.Debug().Uint8("value", value).Msg("unhandled SET_CONTROL value")
	}
}

// replyByte answers a one-byte subcommand: a nonzero request is echoed back
// as accepted, a zero request is a query answered with current.
func (c *Codec) replyByte(subCmd, requested, current byte) {
	v := requested
	if v == 0 {
		v = current
	}
	c.sendSubnegotiation(subCmd+serverOffset, []byte{v})
}

func (c *Codec) sendOption(cmd, opt byte) {
	switch cmd {
	case WILL:
		c.opts[opt].sentWill = true
	case DO:
		c.opts[opt].sentDo = true
	}
	c.write([]byte{IAC, cmd, opt})
}

func (c *Codec) sendSubnegotiation(subCmd byte, params []byte) {
	pkt := []byte{IAC, SB, OptComPortControl, subCmd}
	for _, v := range params {
		if v == IAC {
			pkt = append(pkt, IAC)
		}
		pkt = append(pkt, v)
	}
	pkt = append(pkt, IAC, SE)
	c.write(pkt)
}

func (c *Codec) sendBaudRate(rate int) {
	c.sendSubnegotiation(SetBaudRateReq+serverOffset, []byte{
		byte(rate >> 24), byte(rate >> 16), byte(rate >> 8), byte(rate),
	})
}

func (c *Codec) write(pkt []byte) {
	if _, err := c.out.Write(pkt); err != nil {
		c.log.Error().Err(err).Msg("failed to write negotiation reply to client")
	}
}

func unescapeIAC(in []byte) []byte {
	out := make([]byte, 0, len(in))
	for i := 0; i < len(in); i++ {
		out = append(out, in[i])
		if in[i] == IAC && i+1 < len(in) && in[i+1] == IAC {
			i++
		}
	}
	return out
}
