package stdb

import (
	"errors"
	"fmt"
	"time"

	"github.com/calebmills/stdb-go/internal/protocol"
)

// Mode selects the wire format for a connection.
type Mode = protocol.Mode

// Wire format modes. A Config must pick one; there is no default.
const (
	TextEncoded   = protocol.TextEncoded
	BinaryEncoded = protocol.BinaryEncoded
)

// Default values for optional configuration fields.
const (
	DefaultPort                 = 3000
	DefaultCallTimeout          = 10 * time.Second
	DefaultPingInterval         = 15 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultReconnectMaxDelay    = 60 * time.Second
	DefaultReconnectMaxAttempts = 10
	DefaultReconnectJitter      = 0.25
	DefaultFrameBufferSize      = 1024
)

// Config is the resolved connection target and tuning for one client.
// The caller's config loader produces it; the client only validates.
type Config struct {
	Host     string
	Port     int
	Database string
	Mode     Mode

	// Insecure selects ws:// instead of wss://.
	Insecure bool

	// CredentialFile overrides the user-scoped credential store path.
	CredentialFile string

	CallTimeout      time.Duration
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration

	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int

	// FrameBufferSize is the inbound frame channel capacity.
	FrameBufferSize int
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.PingInterval == 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.ReconnectMaxAttempts == 0 {
		c.ReconnectMaxAttempts = DefaultReconnectMaxAttempts
	}
	if c.FrameBufferSize == 0 {
		c.FrameBufferSize = DefaultFrameBufferSize
	}
}

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.New("host is required")
	}
	if c.Database == "" {
		return errors.New("database is required")
	}
	if c.Mode == protocol.ModeUnset {
		return errors.New("protocol mode is required before negotiation")
	}
	if c.Mode != TextEncoded && c.Mode != BinaryEncoded {
		return fmt.Errorf("unknown protocol mode %d", c.Mode)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.ReconnectBaseDelay > c.ReconnectMaxDelay {
		return fmt.Errorf("reconnect_base_delay (%v) cannot exceed reconnect_max_delay (%v)",
			c.ReconnectBaseDelay, c.ReconnectMaxDelay)
	}
	return nil
}
