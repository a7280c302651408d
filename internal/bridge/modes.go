package bridge

import (
	"encoding/base64"
	"strings"

	"github.com/rs/zerolog"

	"github.com/remote-serial-bridge/bridge/internal/serial"
)

const (
	// MaxBroadcastSize is the relay's hard cap on one broadcast message.
	MaxBroadcastSize = 200 * 1024

	// ChunkThreshold is the conservative size at which an encoded payload is
	// split into numbered chunks.
	ChunkThreshold = MaxBroadcastSize / 2
)

// modeHandler translates between local serial events and remote channel
// events. One implementation exists per relay mode; the instance is chosen
// once at startup.
type modeHandler interface {
	// ClientAttached runs once per accepted TCP client, after the initial
	// control signals are asserted.
	ClientAttached()

	// DataOut handles bytes the client wrote to the virtual port.
	DataOut(data []byte)

	// SignalChange handles a DTR/RTS transition on the virtual port.
	SignalChange(dtr, rts bool)

	// BaudChange handles a baud rate change on the virtual port.
	BaudChange(rate int)

	// Broadcast dispatches one inbound channel event.
	Broadcast(event string, payload map[string]any)
}

// publisher is the slice of the channel client the mode handlers need.
type publisher interface {
	SendBroadcast(event string, payload map[string]any) error
}

// sessionRelayMode forwards raw bytes and signals transparently to a
// browser-hosted support session.
type sessionRelayMode struct {
	channel publisher
	port    *serial.VirtualPort
	log     zerolog.Logger

	inbound map[string]func(payload map[string]any)
}

func newSessionRelayMode(channel publisher, port *serial.VirtualPort, log zerolog.Logger) *sessionRelayMode {
	m := &sessionRelayMode{
		channel: channel,
		port:    port,
		log:     log,
	}
	m.inbound = map[string]func(payload map[string]any){
		"serial_output": m.onSerialOutput,
		"baud_ack":      m.onBaudAck,
	}
	return m
}

func (m *sessionRelayMode) ClientAttached() {
	if err := m.channel.SendBroadcast("shim_hello", map[string]any{"type": "pio_bridge"}); err != nil {
		m.log.Error().Err(err).Msg("failed to send shim_hello")
	}
}

// DataOut base64-encodes the payload and splits the encoded form into
// numbered chunks when it exceeds the threshold. Chunk boundaries fall at
// arbitrary offsets of the encoded string; the receiver concatenates before
// decoding.
func (m *sessionRelayMode) DataOut(data []byte) {
	encoded := base64.StdEncoding.EncodeToString(data)

	if len(encoded) <= ChunkThreshold {
		m.send("serial_input", map[string]any{"data": encoded, "binary": true})
		return
	}

	for i := 0; i*ChunkThreshold < len(encoded); i++ {
		start := i * ChunkThreshold
		end := start + ChunkThreshold
		if end > len(encoded) {
			end = len(encoded)
		}
		m.send("serial_input", map[string]any{
			"data":   encoded[start:end],
			"binary": true,
			"chunk":  i,
		})
	}
}

func (m *sessionRelayMode) SignalChange(dtr, rts bool) {
	m.send("signal", map[string]any{"dtr": dtr, "rts": rts})
}

func (m *sessionRelayMode) BaudChange(rate int) {
	m.send("set_baud", map[string]any{"rate": rate})
}

func (m *sessionRelayMode) Broadcast(event string, payload map[string]any) {
	if handler, ok := m.inbound[event]; ok {
		handler(payload)
	}
}

func (m *sessionRelayMode) onSerialOutput(payload map[string]any) {
	encoded, _ := payload["data"].(string)
	if encoded == "" {
		return
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		m.log.Error().Err(err).Msg("failed to decode serial_output payload")
		return
	}
	m.port.Feed(data)
}

func (m *sessionRelayMode) onBaudAck(payload map[string]any) {
	m.log.Debug().Interface("rate", payload["rate"]).Msg("baud rate acknowledged")
}

func (m *sessionRelayMode) send(event string, payload map[string]any) {
	if err := m.channel.SendBroadcast(event, payload); err != nil {
		m.log.Error().Err(err).Str("event", event).Msg("broadcast failed")
	}
}

// directDeviceMode interprets serial input as structured commands addressed
// to one cloud-registered device, and renders its debug logs back as serial
// output.
type directDeviceMode struct {
	channel    publisher
	port       *serial.VirtualPort
	deviceUUID string
	log        zerolog.Logger

	inbound map[string]func(payload map[string]any)
}

func newDirectDeviceMode(channel publisher, port *serial.VirtualPort, deviceUUID string, log zerolog.Logger) *directDeviceMode {
	m := &directDeviceMode{
		channel:    channel,
		port:       port,
		deviceUUID: deviceUUID,
		log:        log,
	}
	m.inbound = map[string]func(payload map[string]any){
		"debug_log": m.onDebugLog,
		"command":   m.onCommandAck,
	}
	return m
}

func (m *directDeviceMode) ClientAttached() {}

func (m *directDeviceMode) DataOut(data []byte) {
	// Serial lines can carry garbage bytes from resets; commands are text.
	text := strings.TrimSpace(strings.ToValidUTF8(string(data), ""))
	if text == "" {
		return
	}

	cmd := ParseCommandLine(text)
	m.sendCommand(cmd.Type, cmd.Params)
}

// SignalChange watches for the DTR/RTS reset pattern: (false,true) marks a
// potential reset start and produces nothing; the completing (false,false)
// transition sends one reboot command.
func (m *directDeviceMode) SignalChange(dtr, rts bool) {
	if dtr {
		return
	}
	if rts {
		m.log.Debug().Msg("potential reset start observed")
		return
	}
	m.sendCommand("reboot", map[string]any{})
}

func (m *directDeviceMode) BaudChange(rate int) {
	// The device has no baud concept over this transport.
	m.log.Debug().Int("rate", rate).Msg("baud change acknowledged locally")
}

func (m *directDeviceMode) Broadcast(event string, payload map[string]any) {
	if handler, ok := m.inbound[event]; ok {
		handler(payload)
	}
}

// onDebugLog formats a device debug log as a serial console line:
// "[LEVEL] [tag] message\r\n", tag omitted when absent.
func (m *directDeviceMode) onDebugLog(payload map[string]any) {
	level, _ := payload["level"].(string)
	if level == "" {
		level = "info"
	}
	message, _ := payload["message"].(string)

	var tag string
	if metadata, ok := payload["metadata"].(map[string]any); ok {
		tag, _ = metadata["tag"].(string)
	}

	var sb strings.Builder
	sb.WriteString("[")
	sb.WriteString(strings.ToUpper(level))
	sb.WriteString("]")
	if tag != "" {
		sb.WriteString(" [")
		sb.WriteString(tag)
		sb.WriteString("]")
	}
	sb.WriteString(" ")
	sb.WriteString(message)
	sb.WriteString("\r\n")

	m.port.Feed([]byte(sb.String()))
}

func (m *directDeviceMode) onCommandAck(payload map[string]any) {
	// Command acknowledgements carry no actionable state.
}

func (m *directDeviceMode) sendCommand(cmdType string, params map[string]any) {
	payload := map[string]any{
		"device_uuid": m.deviceUUID,
		"command": map[string]any{
			"type":   cmdType,
			"params": params,
		},
	}
	if err := m.channel.SendBroadcast("command", payload); err != nil {
		m.log.Error().Err(err).Str("type", cmdType).Msg("command broadcast failed")
	}
}
