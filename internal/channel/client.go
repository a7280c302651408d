// Package channel implements the topic-based pub/sub WebSocket client used
// to reach the cloud relay. The wire protocol is Phoenix Channels as spoken
// by Supabase Realtime: JSON frames {topic, event, payload, ref, join_ref},
// reserved events phx_join / phx_reply / heartbeat / broadcast.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// HeartbeatInterval is how often a liveness heartbeat is sent while the
	// socket is connected.
	HeartbeatInterval = 30 * time.Second

	// ReconnectBaseDelay is the first reconnect delay after an unexpected
	// disconnect.
	ReconnectBaseDelay = 5 * time.Second

	// ReconnectMaxDelay caps the exponential reconnect backoff.
	ReconnectMaxDelay = 60 * time.Second

	// controlTopic is the reserved topic for connection-level messages.
	controlTopic = "phoenix"

	// protocolVersion is the Phoenix wire protocol version tag.
	protocolVersion = "1.0.0"
)

// Frame is one Phoenix Channels message. Refs are strings on the wire.
type Frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref"`
	JoinRef string          `json:"join_ref,omitempty"`
}

// BroadcastHandler receives application broadcasts from the joined topic.
type BroadcastHandler func(event string, payload map[string]any)

// Client is a reconnecting Phoenix Channels client bound to a single topic.
// The underlying socket is replaced across reconnects; topic and credentials
// are preserved.
type Client struct {
	baseURL     string
	apiKey      string
	accessToken string
	topic       string
	log         zerolog.Logger

	dialer *websocket.Dialer

	mu          sync.Mutex
	conn        *websocket.Conn
	connected   bool
	subscribed  bool
	msgRef      int
	joinRef     int
	onBroadcast BroadcastHandler

	reconnectEnabled bool
	closed           chan struct{}
	closeOnce        sync.Once

	// runCtx is the context passed to Connect; reconnect attempts inherit it.
	runCtx context.Context
}

// NewClient creates a client for the given relay endpoint and topic. The
// access token is sent with the channel join, the API key with the socket
// handshake.
func NewClient(baseURL, apiKey, accessToken, topic string, log zerolog.Logger) *Client {
	return &Client{
		baseURL:          strings.TrimRight(baseURL, "/"),
		apiKey:           apiKey,
		accessToken:      accessToken,
		topic:            topic,
		log:              log.With().Str("component", "channel").Str("topic", topic).Logger(),
		dialer:           websocket.DefaultDialer,
		reconnectEnabled: true,
		closed:           make(chan struct{}),
	}
}

// Topic returns the joined channel topic.
func (c *Client) Topic() string {
	return c.topic
}

// SetOnBroadcast registers the handler invoked for every broadcast frame
// received on the joined topic.
func (c *Client) SetOnBroadcast(handler BroadcastHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onBroadcast = handler
}

// Connected reports whether the socket is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Subscribed reports whether the channel join has been acknowledged on the
// current connection. Subscribed implies Connected.
func (c *Client) Subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed
}

// SocketURL returns the WebSocket endpoint derived from the configured base
// URL and API key. A plain-HTTP base URL maps to ws for local testing;
// everything else is wss.
func (c *Client) SocketURL() string {
	host := c.baseURL
	scheme := "wss"
	if u, err := url.Parse(c.baseURL); err == nil && u.Host != "" {
		host = u.Host
		if u.Scheme == "http" || u.Scheme == "ws" {
			scheme = "ws"
		}
	}
	return fmt.Sprintf("%s://%s/realtime/v1/websocket?apikey=%s&vsn=%s", scheme, host, c.apiKey, protocolVersion)
}

// Connect opens the WebSocket, starts the receive loop and sends the channel
// join. It fails if the handshake fails; the initial caller decides whether
// that is fatal, while later reconnects retry internally.
func (c *Client) Connect(ctx context.Context) error {
	wsURL := c.SocketURL()
	c.log.Info().Str("url", strings.Replace(wsURL, c.apiKey, "<redacted>", 1)).Msg("connecting to relay")

	conn, _, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.subscribed = false
	c.runCtx = ctx
	c.mu.Unlock()

	c.log.Info().Msg("websocket connected")

	go c.receiveLoop(conn)

	if err := c.joinChannel(); err != nil {
		return fmt.Errorf("channel join: %w", err)
	}
	return nil
}

// joinChannel sends phx_join with the configured bearer token and channel
// options: no self-echo on broadcast, empty presence key, private channel.
func (c *Client) joinChannel() error {
	c.mu.Lock()
	c.joinRef++
	joinRef := c.joinRef
	c.mu.Unlock()

	payload := map[string]any{
		"config": map[string]any{
			"broadcast": map[string]any{"self": false},
			"presence":  map[string]any{"key": ""},
			"private":   true,
		},
		"access_token": c.accessToken,
	}

	if err := c.send(c.topic, "phx_join", payload, joinRef); err != nil {
		return err
	}
	c.log.Info().Msg("sent phx_join")
	return nil
}

// SendBroadcast publishes an application event on the joined topic. It is a
// warned no-op until the join reply arrives; a send failure is returned to
// the caller, who treats it as non-fatal.
func (c *Client) SendBroadcast(event string, payload map[string]any) error {
	c.mu.Lock()
	ready := c.connected && c.subscribed
	c.mu.Unlock()

	if !ready {
		c.log.Warn().Str("event", event).Msg("dropping broadcast: not subscribed")
		return nil
	}

	broadcast := map[string]any{
		"event":   event,
		"payload": payload,
	}
	return c.send(c.topic, "broadcast", broadcast, 0)
}

// SendHeartbeat sends a single liveness heartbeat on the control topic.
func (c *Client) SendHeartbeat() error {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return c.send(controlTopic, "heartbeat", map[string]any{}, 0)
}

// HeartbeatLoop sends heartbeats on a fixed interval until the context is
// cancelled or the client is closed. It is run as a background goroutine by
// the bridge.
func (c *Client) HeartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case <-ticker.C:
			if err := c.SendHeartbeat(); err != nil {
				c.log.Error().Err(err).Msg("heartbeat failed")
			}
		}
	}
}

// send builds and writes one frame. A ref of 0 allocates the next message
// ref; join-lifecycle and broadcast events additionally carry the join ref.
func (c *Client) send(topic, event string, payload any, ref int) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	c.mu.Lock()
	if ref == 0 {
		c.msgRef++
		ref = c.msgRef
	}
	frame := Frame{
		Topic:   topic,
		Event:   event,
		Payload: data,
		Ref:     strconv.Itoa(ref),
	}
	switch event {
	case "phx_join", "access_token", "broadcast", "presence", "phx_leave":
		if c.joinRef > 0 {
			frame.JoinRef = strconv.Itoa(c.joinRef)
		}
	}
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return fmt.Errorf("no connection")
	}
	err = conn.WriteJSON(frame)
	c.mu.Unlock()

	if err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// receiveLoop decodes inbound frames until the connection drops, then hands
// off to the reconnect policy.
func (c *Client) receiveLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(err)
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.log.Error().Err(err).Msg("failed to parse frame")
			continue
		}
		c.handleFrame(&frame)
	}
}

func (c *Client) handleFrame(frame *Frame) {
	// Heartbeat replies on the control topic carry no channel state.
	if frame.Topic == controlTopic && frame.Event == "phx_reply" {
		return
	}

	if frame.Topic != c.topic {
		return
	}

	switch frame.Event {
	case "phx_reply":
		var reply struct {
			Status   string `json:"status"`
			Response struct {
				Reason string `json:"reason"`
			} `json:"response"`
		}
		if err := json.Unmarshal(frame.Payload, &reply); err != nil {
			c.log.Error().Err(err).Msg("failed to parse reply payload")
			return
		}
		if reply.Status == "ok" {
			c.mu.Lock()
			c.subscribed = true
			c.mu.Unlock()
			c.log.Info().Msg("joined channel")
		} else {
			reason := reply.Response.Reason
			if reason == "" {
				reason = "unknown"
			}
			c.log.Error().Str("status", reply.Status).Str("reason", reason).Msg("channel join failed")
		}

	case "broadcast":
		var broadcast struct {
			Event   string         `json:"event"`
			Payload map[string]any `json:"payload"`
		}
		if err := json.Unmarshal(frame.Payload, &broadcast); err != nil {
			c.log.Error().Err(err).Msg("failed to parse broadcast payload")
			return
		}

		c.mu.Lock()
		handler := c.onBroadcast
		c.mu.Unlock()

		if handler != nil {
			handler(broadcast.Event, broadcast.Payload)
		}
	}
}

// handleDisconnect clears connection state and reconnects with backoff
// unless Close was requested.
func (c *Client) handleDisconnect(cause error) {
	c.mu.Lock()
	c.connected = false
	c.subscribed = false
	reconnect := c.reconnectEnabled
	ctx := c.runCtx
	c.mu.Unlock()

	select {
	case <-c.closed:
		return
	default:
	}

	if websocket.IsUnexpectedCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.log.Warn().Err(cause).Msg("websocket connection closed")
	} else {
		c.log.Warn().Msg("websocket connection closed")
	}

	if reconnect {
		c.reconnectLoop(ctx)
	}
}

// reconnectLoop retries Connect with exponential backoff starting at
// ReconnectBaseDelay, doubling per failure up to ReconnectMaxDelay, forever
// until success, close or context cancellation.
func (c *Client) reconnectLoop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	delay := ReconnectBaseDelay
	for {
		c.log.Info().Dur("delay", delay).Msg("reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-c.closed:
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := c.Connect(ctx); err != nil {
			c.log.Error().Err(err).Msg("reconnect failed")
			delay = NextBackoff(delay)
			continue
		}
		return
	}
}

// NextBackoff returns the delay for the attempt after one that waited d:
// doubled, capped at ReconnectMaxDelay.
func NextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > ReconnectMaxDelay {
		d = ReconnectMaxDelay
	}
	return d
}

// Close disables reconnects, closes the transport and clears state. It is
// idempotent.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reconnectEnabled = false
		conn := c.conn
		c.conn = nil
		c.connected = false
		c.subscribed = false
		c.mu.Unlock()

		close(c.closed)
		if conn != nil {
			err = conn.Close()
		}
	})
	return err
}
