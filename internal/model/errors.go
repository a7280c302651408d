package model

import "errors"

var (
	// ErrMissingRelayURL is returned when no relay base URL is configured.
	ErrMissingRelayURL = errors.New("relay URL is required")

	// ErrMissingAPIKey is returned when no relay API key is configured.
	ErrMissingAPIKey = errors.New("relay API key is required")

	// ErrMissingCredentials is returned when neither a bearer token nor
	// email/password credentials are configured.
	ErrMissingCredentials = errors.New("access token or email/password credentials are required")

	// ErrMissingSessionID is returned when session-relay mode is selected
	// without a support session identifier.
	ErrMissingSessionID = errors.New("session ID is required in session-relay mode")

	// ErrMissingDeviceID is returned when direct-device mode is selected
	// without a device identifier.
	ErrMissingDeviceID = errors.New("device identifier is required in direct-device mode")

	// ErrDeviceNotFound is returned when a device identifier resolves to no
	// registered device.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrSessionNotFound is returned when a session ID has no history record.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNotSubscribed is returned when a broadcast is attempted before the
	// channel join completed.
	ErrNotSubscribed = errors.New("channel not subscribed")
)
