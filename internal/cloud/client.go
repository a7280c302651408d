// Package cloud talks to the relay platform's HTTP APIs: password
// authentication and device lookup. Everything here runs once at startup,
// before the channel connection is opened.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/remote-serial-bridge/bridge/internal/model"
)

const requestTimeout = 15 * time.Second

// Client issues authentication and lookup requests against one platform
// deployment.
type Client struct {
	baseURL string
	anonKey string
	http    *http.Client
	log     zerolog.Logger
}

func NewClient(baseURL, anonKey string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		anonKey: anonKey,
		http:    &http.Client{Timeout: requestTimeout},
		log:     log.With().Str("component", "cloud").Logger(),
	}
}

// Authenticate exchanges email/password credentials for a bearer token.
func (c *Client) Authenticate(ctx context.Context, email, password string) (string, error) {
	body, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return "", fmt.Errorf("failed to encode credentials: %w", err)
	}

	endpoint := c.baseURL + "/auth/v1/token?grant_type=password"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.anonKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("auth request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("authentication failed: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("failed to decode auth response: %w", err)
	}
	if payload.AccessToken == "" {
		return "", fmt.Errorf("authentication succeeded but no access token returned")
	}

	c.log.Debug().Str("email", email).Msg("authenticated")
	return payload.AccessToken, nil
}

// deviceRow is the projection we ask the REST layer for.
type deviceRow struct {
	UUID   string `json:"uuid"`
	UserID string `json:"user_id"`
}

// LookupDevice resolves a device identifier, either its UUID or its serial
// number, to the device UUID and owning user UUID. The identifier's shape
// decides which column is tried first; the other is the fallback.
func (c *Client) LookupDevice(ctx context.Context, identifier string) (deviceUUID, ownerUUID string, err error) {
	columns := []string{"serial_number", "uuid"}
	if _, parseErr := uuid.Parse(identifier); parseErr == nil {
		columns = []string{"uuid", "serial_number"}
	}

	for _, column := range columns {
		row, found, err := c.queryDevice(ctx, column, identifier)
		if err != nil {
			return "", "", err
		}
		if found {
			c.log.Debug().Str("device", row.UUID).Str("owner", row.UserID).Msg("device resolved")
			return row.UUID, row.UserID, nil
		}
	}

	return "", "", fmt.Errorf("%w: %s", model.ErrDeviceNotFound, identifier)
}

func (c *Client) queryDevice(ctx context.Context, column, identifier string) (deviceRow, bool, error) {
	query := url.Values{}
	query.Set(column, "eq."+identifier)
	query.Set("select", "uuid,user_id")
	endpoint := c.baseURL + "/rest/v1/display.devices?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return deviceRow{}, false, fmt.Errorf("failed to build lookup request: %w", err)
	}
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Authorization", "Bearer "+c.anonKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return deviceRow{}, false, fmt.Errorf("device lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// A rejected filter on one column is not fatal, the other may match.
		c.log.Debug().Int("status", resp.StatusCode).Str("column", column).Msg("device query returned non-200")
		return deviceRow{}, false, nil
	}

	var rows []deviceRow
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return deviceRow{}, false, fmt.Errorf("failed to decode device rows: %w", err)
	}
	if len(rows) == 0 {
		return deviceRow{}, false, nil
	}
	return rows[0], true, nil
}
