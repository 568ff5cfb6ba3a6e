// Package stdb is a client engine for a SpacetimeDB tuple-store backend.
// It maintains one persistent, authenticated WebSocket connection,
// negotiates one of two wire formats, and keeps a local materialized view
// of subscribed tables in sync with the server's subscription stream.
//
// Lifecycle is explicit: construct with New, register observers with On,
// Connect, use, Disconnect. There is no package-level client.
//
// Event handlers run on the connection's read goroutine; a handler that
// blocks stalls message processing.
package stdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/calebmills/stdb-go/internal/auth"
	"github.com/calebmills/stdb-go/internal/cache"
	"github.com/calebmills/stdb-go/internal/connection"
	"github.com/calebmills/stdb-go/internal/correlate"
	"github.com/calebmills/stdb-go/internal/events"
	"github.com/calebmills/stdb-go/internal/protocol"
)

// State is the connection lifecycle state.
type State = connection.State

// Connection states.
const (
	Disconnected = connection.StateDisconnected
	Connecting   = connection.StateConnecting
	Connected    = connection.StateConnected
	Reconnecting = connection.StateReconnecting
	Failed       = connection.StateFailed
)

// Event is a dispatched occurrence delivered to observers.
type Event = events.Event

// Handler receives dispatched events.
type Handler = events.Handler

// RowDecoder turns a string-encoded row document into its identity key
// and decoded value.
type RowDecoder = cache.RowDecoder

// Health is a point-in-time diagnostic snapshot of the client.
type Health struct {
	State             State
	Identity          string
	DecodeErrors      uint64
	UnknownTables     uint64
	RowCounts         map[string]int
	PendingCalls      int
	ReconnectAttempts uint64
}

// Client is one connection to one database. All methods are safe for
// concurrent use.
type Client struct {
	cfg    Config
	logger *slog.Logger

	dispatcher *events.Dispatcher
	processor  *cache.Processor
	correlator *correlate.Correlator
	machine    *connection.Machine
	handshake  *auth.Handshake

	mu       sync.Mutex
	conn     *connection.Conn
	codec    protocol.Codec
	identity string
	stop     chan struct{} // closed by Disconnect, cancels reconnection
	queries  []string      // subscribed query strings, replayed on reconnect

	reconnects atomic.Uint64
}

// New creates a client for the target in cfg. The client holds no
// connection until Connect.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	store, err := auth.NewStore(cfg.CredentialFile)
	if err != nil {
		return nil, fmt.Errorf("credential store: %w", err)
	}

	dispatcher := events.NewDispatcher(logger)
	c := &Client{
		cfg:        cfg,
		logger:     logger.With("database", cfg.Database),
		dispatcher: dispatcher,
		processor:  cache.NewProcessor(dispatcher, logger),
		correlator: correlate.New(),
		handshake:  auth.NewHandshake(store, logger),
	}
	c.machine = connection.NewMachine(func(from, to State) {
		c.logger.Debug("connection state changed", "from", from, "to", to)
	})
	return c, nil
}

// On registers an observer under either the wire-level or client-level
// event name. Observers registered before Connect never miss the
// handshake-adjacent events; the identity-issuance and initial-snapshot
// events additionally replay to observers registered just after Connect
// returns.
func (c *Client) On(name string, h Handler) {
	c.dispatcher.On(name, h)
}

// RegisterTable adds a table to the known set with a typed row decoder.
// A nil decoder selects the default JSON decoder keyed by the row's "id"
// field. Aliases are additional exact spellings (an established plural or
// singular form) resolving to the same table.
func (c *Client) RegisterTable(name string, dec RowDecoder, aliases ...string) {
	c.processor.Register(name, dec, aliases...)
}

// State returns the current connection state.
func (c *Client) State() State {
	return c.machine.State()
}

// Connect performs the full connect path: credential handshake, wire
// format negotiation, transport open, read loop and heartbeat start. On
// failure the client is left in the Failed state, distinguishing "tried
// and failed" from "never tried", and the error is also emitted on the
// error event channel.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.machine.To(connection.StateConnecting); err != nil {
		return err
	}

	if err := c.establish(ctx); err != nil {
		c.machine.To(connection.StateFailed)
		c.fireError(err)
		return err
	}

	c.machine.To(connection.StateConnected)
	c.dispatcher.Fire(Event{Name: events.EventConnect})
	return nil
}

// establish runs one full connection attempt: codec construction and
// consistency check, credential handshake, observer wiring, read loop
// start, and subscription replay. It does not touch the state machine.
func (c *Client) establish(ctx context.Context) error {
	codec, err := protocol.New(c.cfg.Mode)
	if err != nil {
		return err
	}

	conn, cred, err := c.handshake.Connect(ctx, c.dialConfig())
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.codec = codec
	c.identity = cred.Identity
	c.stop = make(chan struct{})
	queries := make([]string, len(c.queries))
	copy(queries, c.queries)
	c.mu.Unlock()

	c.dispatcher.ClearSticky()

	// The routing goroutine is attached while the connection is still
	// not reading; only then does Start begin delivery. Nothing the
	// server pushes right after the handshake can be missed.
	go c.pump(conn, codec)
	conn.Start()

	// A credential issued during the handshake is the identity-issuance
	// event; an in-band identity message later refreshes it.
	if cred.Token != "" {
		c.dispatcher.Fire(Event{Name: events.EventIdentity, Data: protocol.IdentityToken{
			Identity:     cred.Identity,
			Token:        cred.Token,
			ConnectionID: conn.ID(),
		}})
	}

	if len(queries) > 0 {
		if err := c.sendSubscribe(conn, codec, queries); err != nil {
			c.logger.Warn("subscription replay failed", "error", err)
		}
	}
	return nil
}

func (c *Client) dialConfig() connection.DialConfig {
	return connection.DialConfig{
		Host:             c.cfg.Host,
		Port:             c.cfg.Port,
		Database:         c.cfg.Database,
		Mode:             c.cfg.Mode,
		Insecure:         c.cfg.Insecure,
		HandshakeTimeout: c.cfg.HandshakeTimeout,
		PingInterval:     c.cfg.PingInterval,
		WriteTimeout:     c.cfg.WriteTimeout,
		BufferSize:       c.cfg.FrameBufferSize,
	}
}

// Disconnect tears the connection down: the read loop and heartbeat are
// cancelled and the transport released before it returns. Pending calls
// fail with ErrConnectionLost. Idempotent.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	stop := c.stop
	c.conn = nil
	c.codec = nil
	c.stop = nil
	c.mu.Unlock()

	if conn == nil && c.machine.State() == connection.StateDisconnected {
		return nil
	}

	if stop != nil {
		close(stop)
	}
	c.machine.To(connection.StateDisconnected)

	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.correlator.FailAll(ErrConnectionLost)
	// The cache is a mirror of a subscription stream that no longer
	// exists; registrations and decoders stay, rows go.
	c.processor.Reset()
	c.dispatcher.Fire(Event{Name: events.EventDisconnect})
	return err
}

// Call invokes a named reducer and waits for its result. A timeout fails
// only this caller; the read loop and other callers are unaffected.
func (c *Client) Call(ctx context.Context, reducer string, args any) error {
	conn, codec := c.current()
	if conn == nil {
		return ErrNotConnected
	}

	argsJSON := []byte("{}")
	if args != nil {
		var err error
		argsJSON, err = json.Marshal(args)
		if err != nil {
			return fmt.Errorf("encode reducer args: %w", err)
		}
	}

	id := c.correlator.NextID()
	ch, err := c.correlator.Register(id)
	if err != nil {
		return err
	}

	payload, err := codec.EncodeClient(protocol.CallReducer{
		Reducer:   reducer,
		Args:      string(argsJSON),
		RequestID: id,
	})
	if err != nil {
		c.correlator.Drop(id)
		return err
	}
	if err := conn.Send(payload); err != nil {
		c.correlator.Drop(id)
		return err
	}

	if _, err := c.correlator.Wait(ctx, id, ch, c.cfg.CallTimeout); err != nil {
		// The result slot only knows the request id; the reducer name is
		// attached here where it is in scope.
		var rerr *ReducerError
		if errors.As(err, &rerr) {
			return &ReducerError{Reducer: reducer, Message: rerr.Message}
		}
		return err
	}
	return nil
}

// Subscribe issues a standing subscription for the named tables and waits
// for the initial snapshot to be applied. Tables not yet registered get
// the default row decoder. Subscriptions survive reconnects.
func (c *Client) Subscribe(ctx context.Context, tables ...string) error {
	conn, codec := c.current()
	if conn == nil {
		return ErrNotConnected
	}

	queries := make([]string, 0, len(tables))
	for _, table := range tables {
		if !c.processor.Known(table) {
			c.processor.Register(table, nil)
		}
		queries = append(queries, "SELECT * FROM "+table)
	}

	id := c.correlator.NextID()
	ch, err := c.correlator.Register(id)
	if err != nil {
		return err
	}

	payload, err := codec.EncodeClient(protocol.Subscribe{
		QueryStrings: queries,
		RequestID:    id,
	})
	if err != nil {
		c.correlator.Drop(id)
		return err
	}
	if err := conn.Send(payload); err != nil {
		c.correlator.Drop(id)
		return err
	}

	if _, err := c.correlator.Wait(ctx, id, ch, c.cfg.CallTimeout); err != nil {
		return err
	}

	c.mu.Lock()
	c.queries = mergeQueries(c.queries, queries)
	c.mu.Unlock()
	return nil
}

// sendSubscribe re-issues the accumulated subscription set on a fresh
// connection without waiting for the snapshot.
func (c *Client) sendSubscribe(conn *connection.Conn, codec protocol.Codec, queries []string) error {
	id := c.correlator.NextID()
	payload, err := codec.EncodeClient(protocol.Subscribe{
		QueryStrings: queries,
		RequestID:    id,
	})
	if err != nil {
		return err
	}
	return conn.Send(payload)
}

func mergeQueries(existing, added []string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, q := range existing {
		seen[q] = struct{}{}
	}
	for _, q := range added {
		if _, ok := seen[q]; !ok {
			existing = append(existing, q)
			seen[q] = struct{}{}
		}
	}
	return existing
}

// Snapshot returns a copy of a table's current rows. The second return is
// false when the name does not resolve to a registered table.
func (c *Client) Snapshot(table string) (map[string]any, bool) {
	return c.processor.Snapshot(table)
}

// Health returns diagnostic counters for a health-status query.
func (c *Client) Health() Health {
	stats := c.processor.Stats()

	c.mu.Lock()
	identity := c.identity
	c.mu.Unlock()

	return Health{
		State:             c.machine.State(),
		Identity:          identity,
		DecodeErrors:      stats.DecodeErrors,
		UnknownTables:     stats.UnknownTables,
		RowCounts:         stats.RowCounts,
		PendingCalls:      c.correlator.PendingCount(),
		ReconnectAttempts: c.reconnects.Load(),
	}
}

func (c *Client) current() (*connection.Conn, protocol.Codec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn, c.codec
}

func (c *Client) fireError(err error) {
	c.dispatcher.Fire(Event{Name: events.EventError, Err: err})
}

// pump routes inbound frames and transport errors for one connection. It
// exits when the connection is torn down or the transport reports an
// error.
func (c *Client) pump(conn *connection.Conn, codec protocol.Codec) {
	for {
		select {
		case <-conn.Done():
			return

		case err := <-conn.Errors():
			c.handleTransportLoss(conn, err)
			return

		case frame := <-conn.Messages():
			c.handleFrame(conn, codec, frame)
		}
	}
}

// handleFrame processes one inbound frame. Nothing here may panic or
// block beyond a single message-processing step.
func (c *Client) handleFrame(conn *connection.Conn, codec protocol.Codec, frame connection.Frame) {
	if frame.Kind != codec.FrameKind() {
		// A negotiation bug upstream; surface it, then decode anyway.
		mismatch := &protocol.MismatchError{Got: frame.Kind, Want: codec.FrameKind()}
		c.logger.Warn("frame kind disagrees with negotiated mode",
			"got", frame.Kind,
			"negotiated", codec.FrameKind(),
		)
		c.dispatcher.Fire(Event{Name: events.EventProtocolMismatch, Err: mismatch})
	}

	msg, err := codec.DecodeServer(frame.Data)
	if err != nil {
		c.logger.Warn("undecodable server message, skipping", "error", err)
		return
	}

	switch m := msg.(type) {
	case protocol.IdentityToken:
		c.mu.Lock()
		c.identity = m.Identity
		c.mu.Unlock()
		c.dispatcher.Fire(Event{Name: events.EventIdentity, Data: m})

	case protocol.InitialSubscription:
		c.processor.ApplySnapshot(m.Tables)
		c.correlator.Resolve(correlate.Result{RequestID: m.RequestID})
		c.dispatcher.Fire(Event{Name: events.EventInitialSnapshot, Data: m})

	case protocol.TransactionUpdate:
		for _, tu := range m.Tables {
			c.processor.ApplyUpdate(tu)
		}
		c.dispatcher.Fire(Event{Name: events.EventTransaction, Data: m})

	case protocol.CallResult:
		res := correlate.Result{RequestID: m.RequestID}
		if m.Err != "" {
			res.Err = &ReducerError{Message: m.Err}
		}
		c.correlator.Resolve(res)
		c.dispatcher.Fire(Event{Name: events.EventCallResult, Data: m})

	default:
		c.logger.Warn("unhandled server message", "type", fmt.Sprintf("%T", msg))
	}
}

// handleTransportLoss reacts to a closed or stale transport. Pending
// calls fail immediately, and if the loss happened while Connected the
// reconnection manager takes over.
func (c *Client) handleTransportLoss(conn *connection.Conn, err error) {
	c.logger.Warn("transport lost", "error", err)
	c.correlator.FailAll(ErrConnectionLost)
	c.fireError(err)
	conn.Close()

	if c.machine.To(connection.StateReconnecting) != nil {
		// Not previously Connected; nothing to supervise.
		return
	}
	c.dispatcher.Fire(Event{Name: events.EventReconnecting})

	c.mu.Lock()
	stop := c.stop
	c.mu.Unlock()

	go c.reconnectLoop(stop)
}

// reconnectLoop retries the full connect path with bounded, jittered
// exponential backoff. After the configured attempts all fail it stops
// for good; only an explicit Connect call tries again.
func (c *Client) reconnectLoop(stop chan struct{}) {
	backoff := connection.Backoff{
		Base:   c.cfg.ReconnectBaseDelay,
		Cap:    c.cfg.ReconnectMaxDelay,
		Jitter: DefaultReconnectJitter,
	}

	for attempt := 0; attempt < c.cfg.ReconnectMaxAttempts; attempt++ {
		timer := time.NewTimer(backoff.Delay(attempt))
		select {
		case <-timer.C:
		case <-stop:
			timer.Stop()
			return
		}

		if c.machine.State() != connection.StateReconnecting {
			return
		}

		c.reconnects.Add(1)
		err := c.establish(context.Background())
		if err == nil {
			c.machine.To(connection.StateConnected)
			c.dispatcher.Fire(Event{Name: events.EventConnect})
			c.logger.Info("reconnected", "attempt", attempt+1)
			return
		}

		c.logger.Warn("reconnect attempt failed",
			"attempt", attempt+1,
			"max_attempts", c.cfg.ReconnectMaxAttempts,
			"error", err,
		)
	}

	c.machine.To(connection.StateFailed)
	c.fireError(ErrReconnectExhausted)
}
