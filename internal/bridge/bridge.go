// Package bridge ties the local RFC 2217 endpoint to the remote pub/sub
// channel: it owns the TCP listener, the virtual serial port, the channel
// client and the per-mode event translation.
package bridge

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/remote-serial-bridge/bridge/internal/channel"
	"github.com/remote-serial-bridge/bridge/internal/model"
	"github.com/remote-serial-bridge/bridge/internal/rfc2217"
	"github.com/remote-serial-bridge/bridge/internal/serial"
)

const (
	// acceptPollInterval bounds how long a shutdown signal can sit unnoticed
	// while the listener waits for a client.
	acceptPollInterval = 500 * time.Millisecond

	// readerPollInterval is the idle sleep of the serial-to-client loop.
	readerPollInterval = 10 * time.Millisecond

	// clientReadBufferSize is the read buffer for the client-to-serial loop.
	clientReadBufferSize = 1024
)

// Channel is the pub/sub client surface the bridge drives. It is satisfied
// by *channel.Client; tests substitute a fake.
type Channel interface {
	Connect(ctx context.Context) error
	Close() error
	SendBroadcast(event string, payload map[string]any) error
	SetOnBroadcast(handler channel.BroadcastHandler)
	HeartbeatLoop(ctx context.Context)
	Connected() bool
	Subscribed() bool
	Topic() string
}

// SessionRecorder persists client session history. Recording is best effort:
// failures are logged and the relay continues.
type SessionRecorder interface {
	Start(ctx context.Context, session *model.BridgeSession) error
	Finish(ctx context.Context, id string, bytesIn, bytesOut int64, endedAt time.Time) error
}

// TrafficCapture receives a copy of the relayed bytes for offline analysis.
type TrafficCapture interface {
	RecordClientIn(data []byte)
	RecordClientOut(data []byte)
}

// Config carries the immutable per-run bridge settings.
type Config struct {
	// Port is the local TCP port the RFC 2217 server binds on localhost.
	// Port 0 binds an ephemeral port.
	Port int

	// Mode selects the event translation; fixed for the process run.
	Mode model.Mode

	// SessionID identifies the support session in session-relay mode.
	SessionID string

	// DeviceUUID and OwnerUUID identify the target device in direct-device
	// mode, resolved before the bridge is constructed.
	DeviceUUID string
	OwnerUUID  string

	// History is the optional session history store.
	History SessionRecorder

	// Capture is the optional traffic capture sink.
	Capture TrafficCapture

	Logger zerolog.Logger
}

// Bridge accepts one local serial-over-TCP client at a time and relays its
// bytes and control signals over the channel.
type Bridge struct {
	cfg     Config
	log     zerolog.Logger
	channel Channel
	port    *serial.VirtualPort
	mode    modeHandler

	listener  net.Listener
	startedAt time.Time

	mu         sync.Mutex
	clientAddr string

	bytesIn  atomic.Int64
	bytesOut atomic.Int64
	sessions atomic.Int64
}

// New wires a bridge: the virtual port's callbacks dispatch to the mode
// handler, and inbound channel broadcasts dispatch back through it.
func New(cfg Config, ch Channel) *Bridge {
	log := cfg.Logger.With().Str("component", "bridge").Str("mode", string(cfg.Mode)).Logger()

	b := &Bridge{
		cfg:     cfg,
		log:     log,
		channel: ch,
		port:    serial.NewVirtualPort(),
	}

	switch cfg.Mode {
	case model.ModeDirectDevice:
		b.mode = newDirectDeviceMode(ch, b.port, cfg.DeviceUUID, log)
	default:
		b.mode = newSessionRelayMode(ch, b.port, log)
	}

	b.port.OnDataOut = b.mode.DataOut
	b.port.OnSignalChange = b.mode.SignalChange
	b.port.OnBaudChange = b.mode.BaudChange
	ch.SetOnBroadcast(b.mode.Broadcast)

	return b
}

// Port returns the bridge's virtual serial port.
func (b *Bridge) Port() *serial.VirtualPort {
	return b.port
}

// Addr returns the bound listener address, or nil before Start.
func (b *Bridge) Addr() net.Addr {
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Start connects the channel, starts the heartbeat loop and binds the TCP
// listener. A failed initial connect is fatal and returned to the caller;
// later disconnects are handled by the channel's own reconnect policy.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.channel.Connect(ctx); err != nil {
		return fmt.Errorf("channel connect: %w", err)
	}

	go b.channel.HeartbeatLoop(ctx)

	listener, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", b.cfg.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	b.listener = listener
	b.startedAt = time.Now()

	b.log.Info().Stringer("addr", listener.Addr()).Msg("serial server listening")
	return nil
}

// Serve accepts clients until the context is cancelled. Only one client is
// serviced at a time; the next accepted connection waits for the previous
// session to fully tear down.
func (b *Bridge) Serve(ctx context.Context) error {
	defer b.listener.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if tcp, ok := b.listener.(*net.TCPListener); ok {
			tcp.SetDeadline(time.Now().Add(acceptPollInterval))
		}

		conn, err := b.listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			b.log.Error().Err(err).Msg("accept failed")
			continue
		}

		b.handleClient(ctx, conn)
	}
}

// Run starts the bridge and serves until the context is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.Start(ctx); err != nil {
		return err
	}
	return b.Serve(ctx)
}

// handleClient runs one full client session: negotiation, the two relay
// loops, and teardown. It returns when the client disconnects or the
// context is cancelled.
func (b *Bridge) handleClient(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	b.log.Info().Str("remote", remote).Msg("client connected")

	// Interactive serial use needs every byte now, not a coalesced segment.
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}

	b.mu.Lock()
	b.clientAddr = remote
	b.mu.Unlock()
	b.sessions.Add(1)

	codec := rfc2217.NewCodec(b.port, conn, b.log)
	codec.SendInitialNegotiation()

	// A freshly attached device presents both lines asserted.
	b.port.SetRTS(true)
	b.port.SetDTR(true)

	b.mode.ClientAttached()

	record := b.startHistory(ctx, remote)
	startIn, startOut := b.bytesIn.Load(), b.bytesOut.Load()

	sessionCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.readerLoop(sessionCtx, conn)
	}()

	// The client read below blocks with no deadline; closing the socket is
	// what unwinds it on shutdown.
	go func() {
		<-sessionCtx.Done()
		conn.Close()
	}()

	b.writerLoop(sessionCtx, conn, codec)

	cancel()
	conn.Close()
	wg.Wait()

	b.port.SetDTR(false)
	b.port.SetRTS(false)

	b.mu.Lock()
	b.clientAddr = ""
	b.mu.Unlock()

	b.finishHistory(record, b.bytesIn.Load()-startIn, b.bytesOut.Load()-startOut)
	b.log.Info().Str("remote", remote).Msg("client disconnected")
}

// readerLoop drains the virtual port into the TCP client, escaping the
// payload for the Telnet stream. It polls on a short interval to avoid
// spinning while idle.
func (b *Bridge) readerLoop(ctx context.Context, conn net.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		waiting := b.port.InWaiting()
		if waiting == 0 {
			time.Sleep(readerPollInterval)
			continue
		}

		data := b.port.Read(waiting)
		if len(data) == 0 {
			continue
		}

		if _, err := conn.Write(rfc2217.Escape(data)); err != nil {
			b.log.Debug().Err(err).Msg("reader loop: client write failed")
			return
		}
		b.bytesOut.Add(int64(len(data)))
		if b.cfg.Capture != nil {
			b.cfg.Capture.RecordClientOut(data)
		}
	}
}

// writerLoop reads from the TCP client, strips and applies embedded control
// commands, and writes the remaining raw bytes to the virtual port. It
// returns on client disconnect.
func (b *Bridge) writerLoop(ctx context.Context, conn net.Conn, codec *rfc2217.Codec) {
	buf := make([]byte, clientReadBufferSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := conn.Read(buf)
		if n > 0 {
			b.bytesIn.Add(int64(n))
			if b.cfg.Capture != nil {
				b.cfg.Capture.RecordClientIn(buf[:n])
			}
			if raw := codec.Filter(buf[:n]); len(raw) > 0 {
				b.port.Write(raw)
			}
		}
		if err != nil {
			return
		}
	}
}

func (b *Bridge) startHistory(ctx context.Context, remote string) *model.BridgeSession {
	if b.cfg.History == nil {
		return nil
	}

	session := &model.BridgeSession{
		ID:         uuid.NewString(),
		Mode:       b.cfg.Mode,
		Topic:      b.channel.Topic(),
		RemoteAddr: remote,
		StartedAt:  time.Now(),
	}
	if err := b.cfg.History.Start(ctx, session); err != nil {
		b.log.Error().Err(err).Msg("failed to record session start")
		return nil
	}
	return session
}

func (b *Bridge) finishHistory(session *model.BridgeSession, bytesIn, bytesOut int64) {
	if session == nil || b.cfg.History == nil {
		return
	}
	if err := b.cfg.History.Finish(context.Background(), session.ID, bytesIn, bytesOut, time.Now()); err != nil {
		b.log.Error().Err(err).Msg("failed to record session end")
	}
}

// Status is a point-in-time snapshot of the bridge for the status endpoint.
type Status struct {
	Mode           model.Mode `json:"mode"`
	Topic          string     `json:"topic"`
	Connected      bool       `json:"connected"`
	Subscribed     bool       `json:"subscribed"`
	ClientAttached bool       `json:"clientAttached"`
	RemoteAddr     string     `json:"remoteAddr,omitempty"`
	BytesIn        int64      `json:"bytesIn"`
	BytesOut       int64      `json:"bytesOut"`
	Sessions       int64      `json:"sessions"`
	UptimeSeconds  int64      `json:"uptimeSeconds"`
}

// Status reports the current bridge state.
func (b *Bridge) Status() Status {
	b.mu.Lock()
	remote := b.clientAddr
	b.mu.Unlock()

	var uptime int64
	if !b.startedAt.IsZero() {
		uptime = int64(time.Since(b.startedAt).Seconds())
	}

	return Status{
		Mode:           b.cfg.Mode,
		Topic:          b.channel.Topic(),
		Connected:      b.channel.Connected(),
		Subscribed:     b.channel.Subscribed(),
		ClientAttached: remote != "",
		RemoteAddr:     remote,
		BytesIn:        b.bytesIn.Load(),
		BytesOut:       b.bytesOut.Load(),
		Sessions:       b.sessions.Load(),
		UptimeSeconds:  uptime,
	}
}
