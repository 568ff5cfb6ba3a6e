package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/calebmills/stdb-go/internal/protocol"
	"github.com/calebmills/stdb-go/internal/version"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no inbound activity)")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrRejected        = errors.New("connection rejected by server")
)

// Response headers carrying issued credentials on a rejected attempt.
const (
	headerIdentity = "Spacetime-Identity"
	headerToken    = "Spacetime-Identity-Token"
)

// Grant carries the identity and token a server issues when it rejects an
// unauthenticated attempt. It is the expected first half of the two-step
// handshake, not a failure.
type Grant struct {
	Identity string
	Token    string
}

// Frame is one received transport frame with its observed kind.
type Frame struct {
	Kind       protocol.FrameKind
	Data       []byte
	ReceivedAt time.Time
}

// DialConfig configures one connection attempt.
type DialConfig struct {
	Host             string
	Port             int
	Database         string
	Mode             protocol.Mode
	Token            string // bearer credential, empty for the unauthenticated attempt
	Insecure         bool   // ws:// instead of wss://
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	BufferSize       int
}

// URL builds the subscribe endpoint for the target database.
func (cfg DialConfig) URL(connID string) string {
	scheme := "wss"
	if cfg.Insecure {
		scheme = "ws"
	}
	u := url.URL{
		Scheme:   scheme,
		Host:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:     fmt.Sprintf("/v1/database/%s/subscribe", cfg.Database),
		RawQuery: "connection_id=" + connID,
	}
	return u.String()
}

// Conn is a single live WebSocket connection. Dial returns it before any
// read has started; Start begins the read and heartbeat loops.
type Conn struct {
	cfg    DialConfig
	logger *slog.Logger

	ws *websocket.Conn
	id string

	messages chan Frame
	errors   chan error
	done     chan struct{}

	writeMu sync.Mutex
	wg      sync.WaitGroup

	mu           sync.RWMutex
	connected    bool
	closed       bool
	started      bool
	lastActivity time.Time
}

// Dial opens a transport to the target database, requesting exactly the
// subprotocol the configured mode implies.
//
// Three outcomes:
//   - authenticated: a live *Conn, nil Grant
//   - credential issuance: nil Conn, a *Grant extracted from the
//     rejection metadata
//   - failure: an error (ErrRejected for a credential-less rejection)
func Dial(ctx context.Context, cfg DialConfig, logger *slog.Logger) (*Conn, *Grant, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Mode == protocol.ModeUnset {
		return nil, nil, protocol.ErrModeUnset
	}

	connID := uuid.NewString()

	header := http.Header{}
	header.Set("User-Agent", "stdb-go/"+version.Version)
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
		Subprotocols:     []string{cfg.Mode.Subprotocol()},
	}

	ws, resp, err := dialer.DialContext(ctx, cfg.URL(connID), header)
	if err != nil {
		if resp != nil {
			if grant := grantFromResponse(resp); grant != nil {
				return nil, grant, nil
			}
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return nil, nil, fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
			}
		}
		return nil, nil, fmt.Errorf("dial %s: %w", cfg.Host, err)
	}

	c := &Conn{
		cfg:      cfg,
		logger:   logger.With("conn_id", connID),
		ws:       ws,
		id:       connID,
		messages: make(chan Frame, cfg.BufferSize),
		errors:   make(chan error, 1),
		done:     make(chan struct{}),
	}

	c.mu.Lock()
	c.connected = true
	c.lastActivity = time.Now()
	c.mu.Unlock()

	ws.SetPingHandler(func(data string) error {
		c.touch()
		return ws.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(time.Second),
		)
	})
	ws.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	c.logger.Debug("transport connected",
		"host", cfg.Host,
		"database", cfg.Database,
		"subprotocol", cfg.Mode.Subprotocol(),
	)

	return c, nil, nil
}

// grantFromResponse extracts issued credentials from handshake rejection
// metadata, if present.
func grantFromResponse(resp *http.Response) *Grant {
	identity := resp.Header.Get(headerIdentity)
	token := resp.Header.Get(headerToken)
	if identity == "" || token == "" {
		return nil
	}
	return &Grant{Identity: identity, Token: token}
}

// ID returns the connection id generated at dial time.
func (c *Conn) ID() string { return c.id }

// Start begins the read and heartbeat loops. Attach all observers before
// calling this.
func (c *Conn) Start() {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	c.wg.Add(2)
	go c.readLoop()
	go c.heartbeatLoop()
}

// Close tears the connection down. The read loop and heartbeat are
// stopped and the transport released before Close returns. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	c.mu.Unlock()

	close(c.done)

	c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	err := c.ws.Close()

	// Closing the socket unblocks a pending ReadMessage, so this wait is
	// bounded.
	c.wg.Wait()
	return err
}

// Send writes one payload as the frame kind the negotiated mode requires.
func (c *Conn) Send(payload []byte) error {
	c.mu.RLock()
	if !c.connected {
		c.mu.RUnlock()
		return ErrNotConnected
	}
	c.mu.RUnlock()

	messageType := websocket.TextMessage
	if c.cfg.Mode.FrameKind() == protocol.FrameBinary {
		messageType = websocket.BinaryMessage
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.ws.WriteMessage(messageType, payload)
}

// Done is closed when the connection is torn down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Messages returns the inbound frame channel.
func (c *Conn) Messages() <-chan Frame {
	return c.messages
}

// Errors returns the transport error channel.
func (c *Conn) Errors() <-chan error {
	return c.errors
}

// IsConnected reports whether the transport is live.
func (c *Conn) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *Conn) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// readLoop reads frames from the transport and delivers them in order.
func (c *Conn) readLoop() {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
	}()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		messageType, data, err := c.ws.ReadMessage()
		receivedAt := time.Now()

		if err != nil {
			// Errors after Close are the close itself.
			select {
			case <-c.done:
				return
			default:
			}
			select {
			case c.errors <- err:
			default:
			}
			return
		}

		c.touch()

		frame := Frame{
			Kind:       frameKind(messageType),
			Data:       data,
			ReceivedAt: receivedAt,
		}

		select {
		case c.messages <- frame:
		case <-c.done:
			return
		default:
			c.logger.Warn("frame buffer full, dropping frame")
		}
	}
}

// heartbeatLoop sends liveness probes and detects stale connections. A
// connection with no inbound activity for twice the ping interval is
// treated as lost.
func (c *Conn) heartbeatLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				c.logger.Debug("failed to send ping", "error", err)
			}

			c.mu.RLock()
			last := c.lastActivity
			c.mu.RUnlock()

			if time.Since(last) > 2*c.cfg.PingInterval {
				c.logger.Warn("no inbound activity, connection stale",
					"last_activity", last,
					"ping_interval", c.cfg.PingInterval,
				)
				select {
				case c.errors <- ErrStaleConnection:
				default:
				}
				return
			}
		}
	}
}

func frameKind(messageType int) protocol.FrameKind {
	switch messageType {
	case websocket.TextMessage:
		return protocol.FrameText
	case websocket.BinaryMessage:
		return protocol.FrameBinary
	default:
		return protocol.FrameUnknown
	}
}
