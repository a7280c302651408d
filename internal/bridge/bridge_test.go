package bridge

import (
	"bytes"
	"context"
	"encoding/base64"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/remote-serial-bridge/bridge/internal/channel"
	"github.com/remote-serial-bridge/bridge/internal/model"
)

// fakeChannel is an in-process stand-in for the relay channel client.
type fakeChannel struct {
	mu         sync.Mutex
	broadcasts []broadcastRecord
	handler    channel.BroadcastHandler
	connected  bool
	subscribed bool
	topic      string
}

func newFakeChannel(topic string) *fakeChannel {
	return &fakeChannel{topic: topic}
}

func (f *fakeChannel) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	f.subscribed = true
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.subscribed = false
	return nil
}

func (f *fakeChannel) SendBroadcast(event string, payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, broadcastRecord{event: event, payload: payload})
	return nil
}

func (f *fakeChannel) SetOnBroadcast(handler channel.BroadcastHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
}

func (f *fakeChannel) HeartbeatLoop(ctx context.Context) { <-ctx.Done() }

func (f *fakeChannel) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeChannel) Subscribed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribed
}

func (f *fakeChannel) Topic() string { return f.topic }

// push delivers an inbound broadcast as if it came from the relay.
func (f *fakeChannel) push(event string, payload map[string]any) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	if handler != nil {
		handler(event, payload)
	}
}

func (f *fakeChannel) all() []broadcastRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]broadcastRecord, len(f.broadcasts))
	copy(out, f.broadcasts)
	return out
}

// byEvent returns all recorded broadcasts with the given event name.
func (f *fakeChannel) byEvent(event string) []broadcastRecord {
	var out []broadcastRecord
	for _, rec := range f.all() {
		if rec.event == event {
			out = append(out, rec)
		}
	}
	return out
}

func startBridge(t *testing.T, cfg Config, ch Channel) (*Bridge, net.Addr, context.CancelFunc) {
	t.Helper()

	cfg.Port = 0
	cfg.Logger = zerolog.Nop()
	b := New(cfg, ch)

	ctx, cancel := context.WithCancel(context.Background())
	if err := b.Start(ctx); err != nil {
		cancel()
		t.Fatalf("bridge start failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("bridge did not shut down")
		}
	})

	return b, b.Addr(), cancel
}

func dialBridge(t *testing.T, addr net.Addr) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial bridge: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForBridge(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// readUntil reads from conn until the accumulated bytes contain want.
func readUntil(t *testing.T, conn net.Conn, want []byte) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var got []byte
	buf := make([]byte, 512)
	for !bytes.Contains(got, want) {
		n, err := conn.Read(buf)
		if n > 0 {
			got = append(got, buf[:n]...)
		}
		if err != nil {
			t.Fatalf("read: %v (got %q so far)", err, got)
		}
	}
	return got
}

func TestBridge_DirectMode_CommandFromRawBytes(t *testing.T) {
	ch := newFakeChannel("realtime:user:owner-1")
	_, addr, _ := startBridge(t, Config{
		Mode:       model.ModeDirectDevice,
		DeviceUUID: "dev-1",
		OwnerUUID:  "owner-1",
	}, ch)

	conn := dialBridge(t, addr)

	if _, err := conn.Write([]byte("AT\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitForBridge(t, func() bool { return len(ch.byEvent("command")) >= 1 }, "command broadcast never arrived")

	rec := ch.byEvent("command")[0]
	if rec.payload["device_uuid"] != "dev-1" {
		t.Errorf("unexpected device_uuid: %v", rec.payload["device_uuid"])
	}
	cmd := rec.payload["command"].(map[string]any)
	if cmd["type"] != "AT" {
		t.Errorf("expected command type AT, got %v", cmd["type"])
	}
	if len(cmd["params"].(map[string]any)) != 0 {
		t.Errorf("expected empty params, got %v", cmd["params"])
	}
}

func TestBridge_SessionRelay_SerialInputFromRawBytes(t *testing.T) {
	ch := newFakeChannel("realtime:support:sess-1")
	_, addr, _ := startBridge(t, Config{
		Mode:      model.ModeSessionRelay,
		SessionID: "sess-1",
	}, ch)

	conn := dialBridge(t, addr)

	// A client attach announces the bridge to the support session.
	waitForBridge(t, func() bool { return len(ch.byEvent("shim_hello")) >= 1 }, "shim_hello never arrived")
	hello := ch.byEvent("shim_hello")[0]
	if hello.payload["type"] != "pio_bridge" {
		t.Errorf("unexpected shim_hello payload: %v", hello.payload)
	}

	if _, err := conn.Write([]byte("AT\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitForBridge(t, func() bool { return len(ch.byEvent("serial_input")) >= 1 }, "serial_input never arrived")

	rec := ch.byEvent("serial_input")[0]
	decoded, err := base64.StdEncoding.DecodeString(rec.payload["data"].(string))
	if err != nil {
		t.Fatalf("data is not base64: %v", err)
	}
	if !bytes.Equal(decoded, []byte("AT\r\n")) {
		t.Errorf("decoded serial_input = %q, want AT\\r\\n", decoded)
	}
}

func TestBridge_SessionRelay_SignalBroadcastOnAttach(t *testing.T) {
	ch := newFakeChannel("realtime:support:sess-1")
	_, addr, _ := startBridge(t, Config{
		Mode:      model.ModeSessionRelay,
		SessionID: "sess-1",
	}, ch)

	dialBridge(t, addr)

	// Attach asserts RTS then DTR, one signal broadcast each.
	waitForBridge(t, func() bool { return len(ch.byEvent("signal")) >= 2 }, "signal broadcasts never arrived")

	signals := ch.byEvent("signal")
	if signals[0].payload["rts"] != true || signals[0].payload["dtr"] != false {
		t.Errorf("first signal should assert RTS only, got %v", signals[0].payload)
	}
	if signals[1].payload["rts"] != true || signals[1].payload["dtr"] != true {
		t.Errorf("second signal should assert both, got %v", signals[1].payload)
	}
}

func TestBridge_DirectMode_DebugLogReachesClient(t *testing.T) {
	ch := newFakeChannel("realtime:user:owner-1")
	_, addr, _ := startBridge(t, Config{
		Mode:       model.ModeDirectDevice,
		DeviceUUID: "dev-1",
		OwnerUUID:  "owner-1",
	}, ch)

	conn := dialBridge(t, addr)

	ch.push("debug_log", map[string]any{
		"level":    "error",
		"message":  "boom",
		"metadata": map[string]any{"tag": "wifi"},
	})

	got := readUntil(t, conn, []byte("[ERROR] [wifi] boom\r\n"))
	if !bytes.Contains(got, []byte("[ERROR] [wifi] boom\r\n")) {
		t.Errorf("client never received formatted debug log, got %q", got)
	}
}

func TestBridge_SessionRelay_SerialOutputReachesClient(t *testing.T) {
	ch := newFakeChannel("realtime:support:sess-1")
	_, addr, _ := startBridge(t, Config{
		Mode:      model.ModeSessionRelay,
		SessionID: "sess-1",
	}, ch)

	conn := dialBridge(t, addr)

	ch.push("serial_output", map[string]any{
		"data": base64.StdEncoding.EncodeToString([]byte("ready> ")),
	})

	got := readUntil(t, conn, []byte("ready> "))
	if !bytes.Contains(got, []byte("ready> ")) {
		t.Errorf("client never received serial output, got %q", got)
	}
}

func TestBridge_InitialNegotiationSent(t *testing.T) {
	ch := newFakeChannel("realtime:support:sess-1")
	_, addr, _ := startBridge(t, Config{
		Mode:      model.ModeSessionRelay,
		SessionID: "sess-1",
	}, ch)

	conn := dialBridge(t, addr)

	// IAC DO COM-PORT-OPTION announces RFC 2217 support.
	readUntil(t, conn, []byte{255, 253, 44})
}

func TestBridge_DisconnectDeassertsSignals(t *testing.T) {
	ch := newFakeChannel("realtime:support:sess-1")
	b, addr, _ := startBridge(t, Config{
		Mode:      model.ModeSessionRelay,
		SessionID: "sess-1",
	}, ch)

	conn := dialBridge(t, addr)
	waitForBridge(t, func() bool { return b.Status().ClientAttached }, "client never attached")

	conn.Close()
	waitForBridge(t, func() bool { return !b.Status().ClientAttached }, "session never tore down")

	if b.Port().DTR() || b.Port().RTS() {
		t.Errorf("control signals must be deasserted after disconnect, dtr=%v rts=%v",
			b.Port().DTR(), b.Port().RTS())
	}

	// Teardown transitions (true,true) -> (false,true) -> (false,false),
	// two more signal broadcasts after the two from attach.
	waitForBridge(t, func() bool { return len(ch.byEvent("signal")) >= 4 }, "teardown signals never arrived")
}

func TestBridge_SecondClientAfterFirstCloses(t *testing.T) {
	ch := newFakeChannel("realtime:user:owner-1")
	b, addr, _ := startBridge(t, Config{
		Mode:       model.ModeDirectDevice,
		DeviceUUID: "dev-1",
	}, ch)

	first := dialBridge(t, addr)
	waitForBridge(t, func() bool { return b.Status().ClientAttached }, "first client never attached")
	first.Close()
	waitForBridge(t, func() bool { return !b.Status().ClientAttached }, "first session never tore down")

	second := dialBridge(t, addr)
	if _, err := second.Write([]byte("status\r\n")); err != nil {
		t.Fatalf("write on second connection: %v", err)
	}
	waitForBridge(t, func() bool {
		for _, rec := range ch.byEvent("command") {
			cmd := rec.payload["command"].(map[string]any)
			if cmd["type"] == "status" {
				return true
			}
		}
		return false
	}, "second session never relayed a command")

	if b.Status().Sessions != 2 {
		t.Errorf("expected 2 sessions handled, got %d", b.Status().Sessions)
	}
}

func TestBridge_StatusSnapshot(t *testing.T) {
	ch := newFakeChannel("realtime:user:owner-1")
	b, addr, _ := startBridge(t, Config{
		Mode:       model.ModeDirectDevice,
		DeviceUUID: "dev-1",
	}, ch)

	status := b.Status()
	if status.Mode != model.ModeDirectDevice {
		t.Errorf("unexpected mode: %v", status.Mode)
	}
	if status.Topic != "realtime:user:owner-1" {
		t.Errorf("unexpected topic: %v", status.Topic)
	}
	if !status.Connected || !status.Subscribed {
		t.Errorf("expected connected and subscribed channel")
	}
	if status.ClientAttached {
		t.Errorf("no client attached yet")
	}

	conn := dialBridge(t, addr)
	waitForBridge(t, func() bool { return b.Status().ClientAttached }, "client never attached")

	conn.Write([]byte("ping\r\n"))
	waitForBridge(t, func() bool { return b.Status().BytesIn >= 6 }, "bytes-in counter never moved")
}
