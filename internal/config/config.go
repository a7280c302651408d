// Package config resolves bridge settings from an optional TOML file, the
// environment, and command-line flags. Later sources win: file, then
// environment, then flags.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/remote-serial-bridge/bridge/internal/model"
)

// DefaultPort is the local TCP port the serial server binds when none is
// configured.
const DefaultPort = 4000

// Config carries everything the bridge process needs for one run.
type Config struct {
	RelayURL string `toml:"relay_url"`
	AnonKey  string `toml:"anon_key"`

	Email    string `toml:"email"`
	Password string `toml:"password"`
	Token    string `toml:"token"`

	Mode      model.Mode `toml:"-"`
	SessionID string     `toml:"-"`
	DeviceID  string     `toml:"-"`

	Port       int    `toml:"port"`
	HistoryDB  string `toml:"history_db"`
	Capture    string `toml:"capture"`
	StatusPort int    `toml:"status_port"`
	Verbose    bool   `toml:"verbose"`
}

// Default returns a config with the built-in defaults applied.
func Default() Config {
	return Config{Port: DefaultPort}
}

// LoadFile overlays settings from a TOML file onto c.
func (c *Config) LoadFile(path string) error {
	if _, err := toml.DecodeFile(path, c); err != nil {
		return fmt.Errorf("failed to load config file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays settings from the environment onto c. Each setting
// accepts the server-side variable or its NEXT_PUBLIC_ twin, matching how
// the platform's web frontend is configured.
func (c *Config) ApplyEnv() {
	if v := firstEnv("SUPABASE_URL", "NEXT_PUBLIC_SUPABASE_URL"); v != "" {
		c.RelayURL = v
	}
	if v := firstEnv("SUPABASE_ANON_KEY", "NEXT_PUBLIC_SUPABASE_ANON_KEY"); v != "" {
		c.AnonKey = v
	}
	if v := os.Getenv("SUPABASE_ADMIN_EMAIL"); v != "" {
		c.Email = v
	}
	if v := os.Getenv("SUPABASE_ADMIN_PASSWORD"); v != "" {
		c.Password = v
	}
	if v := os.Getenv("SUPABASE_ACCESS_TOKEN"); v != "" {
		c.Token = v
	}
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

// Validate checks that the config is complete for the selected mode. It is
// called after all sources are applied; a failure here aborts the process
// before any network I/O.
func (c *Config) Validate() error {
	if c.RelayURL == "" {
		return model.ErrMissingRelayURL
	}
	if c.AnonKey == "" {
		return model.ErrMissingAPIKey
	}
	if c.Token == "" && (c.Email == "" || c.Password == "") {
		return model.ErrMissingCredentials
	}
	if !c.Mode.Valid() {
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	switch c.Mode {
	case model.ModeSessionRelay:
		if c.SessionID == "" {
			return model.ErrMissingSessionID
		}
	case model.ModeDirectDevice:
		if c.DeviceID == "" {
			return model.ErrMissingDeviceID
		}
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}
