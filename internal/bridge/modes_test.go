package bridge

import (
	"bytes"
	"encoding/base64"
	"math/rand"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"

	"github.com/remote-serial-bridge/bridge/internal/serial"
)

// recordingPublisher captures every broadcast a mode handler sends.
type recordingPublisher struct {
	mu         sync.Mutex
	broadcasts []broadcastRecord
}

type broadcastRecord struct {
	event   string
	payload map[string]any
}

func (p *recordingPublisher) SendBroadcast(event string, payload map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.broadcasts = append(p.broadcasts, broadcastRecord{event: event, payload: payload})
	return nil
}

func (p *recordingPublisher) all() []broadcastRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]broadcastRecord, len(p.broadcasts))
	copy(out, p.broadcasts)
	return out
}

func TestSessionRelay_DataOutSingleEvent(t *testing.T) {
	pub := &recordingPublisher{}
	mode := newSessionRelayMode(pub, serial.NewVirtualPort(), zerolog.Nop())

	mode.DataOut([]byte("AT\r\n"))

	records := pub.all()
	if len(records) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(records))
	}
	rec := records[0]
	if rec.event != "serial_input" {
		t.Errorf("expected serial_input, got %q", rec.event)
	}
	decoded, err := base64.StdEncoding.DecodeString(rec.payload["data"].(string))
	if err != nil {
		t.Fatalf("data is not valid base64: %v", err)
	}
	if !bytes.Equal(decoded, []byte("AT\r\n")) {
		t.Errorf("decoded data = %q, want AT\\r\\n", decoded)
	}
	if rec.payload["binary"] != true {
		t.Errorf("expected binary=true")
	}
	if _, hasChunk := rec.payload["chunk"]; hasChunk {
		t.Errorf("small payload must not carry a chunk index")
	}
}

func TestSessionRelay_DataOutChunking(t *testing.T) {
	pub := &recordingPublisher{}
	mode := newSessionRelayMode(pub, serial.NewVirtualPort(), zerolog.Nop())

	// Big enough that the encoded form spans several chunks.
	data := make([]byte, 250000)
	rand.New(rand.NewSource(42)).Read(data)

	mode.DataOut(data)

	records := pub.all()
	if len(records) < 2 {
		t.Fatalf("expected multiple chunks, got %d broadcasts", len(records))
	}

	var encoded string
	for i, rec := range records {
		if rec.event != "serial_input" {
			t.Fatalf("broadcast %d: expected serial_input, got %q", i, rec.event)
		}
		if rec.payload["binary"] != true {
			t.Fatalf("broadcast %d: expected binary=true", i)
		}
		chunk, ok := rec.payload["chunk"].(int)
		if !ok {
			t.Fatalf("broadcast %d: missing chunk index", i)
		}
		if chunk != i {
			t.Fatalf("broadcast %d: chunk index %d, want %d", i, chunk, i)
		}
		part := rec.payload["data"].(string)
		if len(part) > ChunkThreshold {
			t.Fatalf("broadcast %d: chunk longer than threshold (%d)", i, len(part))
		}
		encoded += part
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("concatenated chunks are not valid base64: %v", err)
	}
	if !bytes.Equal(decoded, data) {
		t.Errorf("reassembled payload differs from original")
	}
}

func TestSessionRelay_DataOutRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("serial_input data decodes back to the written bytes", prop.ForAll(
		func(data []byte) bool {
			if len(data) == 0 {
				return true
			}
			pub := &recordingPublisher{}
			mode := newSessionRelayMode(pub, serial.NewVirtualPort(), zerolog.Nop())
			mode.DataOut(data)

			records := pub.all()
			if len(records) != 1 {
				return false
			}
			decoded, err := base64.StdEncoding.DecodeString(records[0].payload["data"].(string))
			return err == nil && bytes.Equal(decoded, data)
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}

func TestSessionRelay_SignalAndBaud(t *testing.T) {
	pub := &recordingPublisher{}
	mode := newSessionRelayMode(pub, serial.NewVirtualPort(), zerolog.Nop())

	mode.SignalChange(true, false)
	mode.BaudChange(921600)

	records := pub.all()
	if len(records) != 2 {
		t.Fatalf("expected two broadcasts, got %d", len(records))
	}
	if records[0].event != "signal" || records[0].payload["dtr"] != true || records[0].payload["rts"] != false {
		t.Errorf("unexpected signal broadcast: %+v", records[0])
	}
	if records[1].event != "set_baud" || records[1].payload["rate"] != 921600 {
		t.Errorf("unexpected set_baud broadcast: %+v", records[1])
	}
}

func TestSessionRelay_SerialOutputFeedsPort(t *testing.T) {
	pub := &recordingPublisher{}
	port := serial.NewVirtualPort()
	mode := newSessionRelayMode(pub, port, zerolog.Nop())

	mode.Broadcast("serial_output", map[string]any{
		"data": base64.StdEncoding.EncodeToString([]byte("boot ok\r\n")),
	})

	got := port.Read(port.InWaiting())
	if !bytes.Equal(got, []byte("boot ok\r\n")) {
		t.Errorf("port received %q, want 'boot ok\\r\\n'", got)
	}
}

func TestSessionRelay_BadBase64Dropped(t *testing.T) {
	pub := &recordingPublisher{}
	port := serial.NewVirtualPort()
	mode := newSessionRelayMode(pub, port, zerolog.Nop())

	mode.Broadcast("serial_output", map[string]any{"data": "!!not-base64!!"})

	if port.InWaiting() != 0 {
		t.Errorf("malformed payload must be dropped, %d bytes fed", port.InWaiting())
	}
}

func TestSessionRelay_UnknownEventIgnored(t *testing.T) {
	pub := &recordingPublisher{}
	port := serial.NewVirtualPort()
	mode := newSessionRelayMode(pub, port, zerolog.Nop())

	mode.Broadcast("debug_log", map[string]any{"level": "info", "message": "not for this mode"})

	if port.InWaiting() != 0 {
		t.Errorf("session-relay mode must ignore debug_log")
	}
}

func TestDirectDevice_DataOutCommands(t *testing.T) {
	pub := &recordingPublisher{}
	mode := newDirectDeviceMode(pub, serial.NewVirtualPort(), "dev-uuid-1", zerolog.Nop())

	mode.DataOut([]byte("set_brightness {\"level\": 50}\r\n"))

	records := pub.all()
	if len(records) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(records))
	}
	rec := records[0]
	if rec.event != "command" {
		t.Fatalf("expected command event, got %q", rec.event)
	}
	if rec.payload["device_uuid"] != "dev-uuid-1" {
		t.Errorf("unexpected device_uuid: %v", rec.payload["device_uuid"])
	}
	cmd := rec.payload["command"].(map[string]any)
	if cmd["type"] != "set_brightness" {
		t.Errorf("unexpected command type: %v", cmd["type"])
	}
	params := cmd["params"].(map[string]any)
	if params["level"] != float64(50) {
		t.Errorf("unexpected params: %v", params)
	}
}

func TestDirectDevice_EmptyInputIgnored(t *testing.T) {
	pub := &recordingPublisher{}
	mode := newDirectDeviceMode(pub, serial.NewVirtualPort(), "dev-uuid-1", zerolog.Nop())

	mode.DataOut([]byte("\r\n"))
	mode.DataOut([]byte("   "))

	if len(pub.all()) != 0 {
		t.Errorf("whitespace-only input must not broadcast, got %v", pub.all())
	}
}

func TestDirectDevice_InvalidUTF8Stripped(t *testing.T) {
	pub := &recordingPublisher{}
	mode := newDirectDeviceMode(pub, serial.NewVirtualPort(), "dev-uuid-1", zerolog.Nop())

	// Reset garbage mixed into the command line is dropped, not relayed.
	mode.DataOut([]byte("sta\xfftus\r\n"))

	records := pub.all()
	if len(records) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(records))
	}
	cmd := records[0].payload["command"].(map[string]any)
	if cmd["type"] != "status" {
		t.Errorf("expected invalid bytes stripped from command type, got %q", cmd["type"])
	}
}

func TestDirectDevice_GarbageOnlyInputIgnored(t *testing.T) {
	pub := &recordingPublisher{}
	mode := newDirectDeviceMode(pub, serial.NewVirtualPort(), "dev-uuid-1", zerolog.Nop())

	mode.DataOut([]byte{0xFF, 0xFE, 0x80, '\r', '\n'})

	if len(pub.all()) != 0 {
		t.Errorf("garbage-only input must not broadcast, got %v", pub.all())
	}
}

func TestDirectDevice_ResetSequence(t *testing.T) {
	pub := &recordingPublisher{}
	mode := newDirectDeviceMode(pub, serial.NewVirtualPort(), "dev-uuid-1", zerolog.Nop())

	// (true,true) -> (false,true) -> (false,false): exactly one reboot, on
	// the final transition only.
	mode.SignalChange(false, true)
	if len(pub.all()) != 0 {
		t.Fatalf("reset-start marker must not broadcast, got %v", pub.all())
	}

	mode.SignalChange(false, false)

	records := pub.all()
	if len(records) != 1 {
		t.Fatalf("expected exactly one broadcast, got %d", len(records))
	}
	cmd := records[0].payload["command"].(map[string]any)
	if cmd["type"] != "reboot" {
		t.Errorf("expected reboot command, got %v", cmd["type"])
	}
	if len(cmd["params"].(map[string]any)) != 0 {
		t.Errorf("reboot params must be empty, got %v", cmd["params"])
	}
}

func TestDirectDevice_AssertedSignalsProduceNothing(t *testing.T) {
	pub := &recordingPublisher{}
	mode := newDirectDeviceMode(pub, serial.NewVirtualPort(), "dev-uuid-1", zerolog.Nop())

	mode.SignalChange(true, true)
	mode.SignalChange(true, false)
	mode.BaudChange(115200)

	if len(pub.all()) != 0 {
		t.Errorf("expected no broadcasts, got %v", pub.all())
	}
}

func TestDirectDevice_DebugLogFormatting(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]any
		want    string
	}{
		{
			name: "level, tag and message",
			payload: map[string]any{
				"level":    "error",
				"message":  "boom",
				"metadata": map[string]any{"tag": "wifi"},
			},
			want: "[ERROR] [wifi] boom\r\n",
		},
		{
			name:    "tag omitted when absent",
			payload: map[string]any{"level": "warn", "message": "low heap"},
			want:    "[WARN] low heap\r\n",
		},
		{
			name:    "level defaults to info",
			payload: map[string]any{"message": "started"},
			want:    "[INFO] started\r\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &recordingPublisher{}
			port := serial.NewVirtualPort()
			mode := newDirectDeviceMode(pub, port, "dev-uuid-1", zerolog.Nop())

			mode.Broadcast("debug_log", tt.payload)

			got := string(port.Read(port.InWaiting()))
			if got != tt.want {
				t.Errorf("port received %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDirectDevice_CommandAckIgnored(t *testing.T) {
	pub := &recordingPublisher{}
	port := serial.NewVirtualPort()
	mode := newDirectDeviceMode(pub, port, "dev-uuid-1", zerolog.Nop())

	mode.Broadcast("command", map[string]any{"device_uuid": "dev-uuid-1"})

	if port.InWaiting() != 0 || len(pub.all()) != 0 {
		t.Errorf("command acks must be ignored")
	}
}
