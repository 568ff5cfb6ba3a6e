// Package events routes named events to registered observers.
//
// Upstream producers label the same logical event in one of two naming
// conventions: the capitalized wire-level message name or the lowercase
// client-level name. An explicit bridge table maps the pairs; firing or
// registering under either side resolves to the same slot, and each
// observer is invoked exactly once per event.
package events

import (
	"log/slog"
	"sync"
)

// Client-level event names. These are the canonical keys observers are
// stored under.
const (
	EventConnect          = "connect"
	EventDisconnect       = "disconnect"
	EventReconnecting     = "reconnecting"
	EventIdentity         = "identity"
	EventInitialSnapshot  = "initial_snapshot"
	EventTransaction      = "transaction"
	EventTableUpdate      = "table_update"
	EventCallResult       = "call_result"
	EventProtocolMismatch = "protocol_mismatch"
	EventError            = "error"
)

// bridge maps wire-level message names to client-level event names. The
// table is explicit: names outside it are not transformed at runtime and
// dispatch only to exact-name registrants.
var bridge = map[string]string{
	"Connect":             EventConnect,
	"Disconnect":          EventDisconnect,
	"Reconnecting":        EventReconnecting,
	"IdentityToken":       EventIdentity,
	"InitialSubscription": EventInitialSnapshot,
	"TransactionUpdate":   EventTransaction,
	"TableUpdate":         EventTableUpdate,
	"CallResult":          EventCallResult,
	"ProtocolMismatch":    EventProtocolMismatch,
	"Error":               EventError,
}

// stickyEvents are the handshake-adjacent events retained for replay.
// Observers that register after the event fired still receive it, so a
// registration racing connect() cannot miss identity issuance or the
// initial table snapshot.
var stickyEvents = map[string]bool{
	EventIdentity:        true,
	EventInitialSnapshot: true,
}

// Event is a dispatched occurrence. Name holds the canonical client-level
// name after bridging.
type Event struct {
	Name  string
	Table string // set for table-scoped events
	Err   error  // set for error-carrying events
	Data  any
}

// Handler receives dispatched events.
type Handler func(Event)

// Dispatcher routes events to ordered observer lists.
type Dispatcher struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[string][]Handler
	sticky map[string]Event
}

// NewDispatcher creates an event dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger: logger,
		subs:   make(map[string][]Handler),
		sticky: make(map[string]Event),
	}
}

// Canonical resolves a name through the bridge table. Wire-level names map
// to their client-level pair; unknown names pass through unchanged.
func Canonical(name string) string {
	if c, ok := bridge[name]; ok {
		return c
	}
	return name
}

// On registers an observer under either naming convention. If a sticky
// event already fired under the resolved name, the observer receives it
// immediately.
func (d *Dispatcher) On(name string, h Handler) {
	key := Canonical(name)

	d.mu.Lock()
	d.subs[key] = append(d.subs[key], h)
	replay, haveReplay := d.sticky[key]
	d.mu.Unlock()

	if haveReplay {
		h(replay)
	}
}

// Fire dispatches an event to every observer of its resolved name. The
// handler list is copied before dispatch so callbacks never run under the
// dispatcher lock.
func (d *Dispatcher) Fire(ev Event) {
	key := Canonical(ev.Name)
	ev.Name = key

	d.mu.Lock()
	if stickyEvents[key] {
		d.sticky[key] = ev
	}
	handlers := make([]Handler, len(d.subs[key]))
	copy(handlers, d.subs[key])
	d.mu.Unlock()

	if len(handlers) == 0 && key == EventError {
		// An error with zero listeners should not vanish silently.
		d.logger.Warn("unobserved error event", "error", ev.Err)
	}

	for _, h := range handlers {
		h(ev)
	}
}

// ClearSticky drops retained replay events. Called when a new connection
// begins so observers never replay a previous connection's handshake.
func (d *Dispatcher) ClearSticky() {
	d.mu.Lock()
	d.sticky = make(map[string]Event)
	d.mu.Unlock()
}
