package model

import (
	"time"
)

// Mode selects how the bridge translates between the local serial client and
// the remote channel. It is fixed for the lifetime of the process.
type Mode string

const (
	// ModeSessionRelay forwards raw serial bytes and control signals to a
	// browser-hosted support session.
	ModeSessionRelay Mode = "session-relay"

	// ModeDirectDevice interprets serial input as structured commands for an
	// online device and renders its debug logs as serial output.
	ModeDirectDevice Mode = "direct-device"
)

// Valid reports whether m is a known relay mode.
func (m Mode) Valid() bool {
	return m == ModeSessionRelay || m == ModeDirectDevice
}

// BridgeSession records one TCP client session handled by the bridge, from
// accept to disconnect. Sessions are persisted to the optional history
// database.
type BridgeSession struct {
	ID         string     `json:"id"`
	Mode       Mode       `json:"mode"`
	Topic      string     `json:"topic"`
	RemoteAddr string     `json:"remoteAddr"`
	BytesIn    int64      `json:"bytesIn"`
	BytesOut   int64      `json:"bytesOut"`
	StartedAt  time.Time  `json:"startedAt"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
}

// Duration returns how long the session has been (or was) attached.
func (s *BridgeSession) Duration() time.Duration {
	if s.EndedAt != nil {
		return s.EndedAt.Sub(s.StartedAt)
	}
	return time.Since(s.StartedAt)
}

// Command is a structured device command parsed from a serial input line in
// direct-device mode.
type Command struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"params"`
}
