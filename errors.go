package stdb

import (
	"errors"
	"fmt"

	"github.com/calebmills/stdb-go/internal/auth"
	"github.com/calebmills/stdb-go/internal/connection"
	"github.com/calebmills/stdb-go/internal/correlate"
	"github.com/calebmills/stdb-go/internal/protocol"
)

// Errors
var (
	// ErrNotConnected is returned by operations that need a live
	// connection.
	ErrNotConnected = connection.ErrNotConnected

	// ErrCallTimeout is returned to the caller of a reducer call or
	// subscription whose response did not arrive in time. It never
	// affects other callers or the read loop.
	ErrCallTimeout = correlate.ErrTimeout

	// ErrConnectionLost resolves pending calls when the transport drops.
	ErrConnectionLost = errors.New("connection lost")

	// ErrReconnectExhausted is surfaced on the error event channel after
	// the configured reconnect attempts all fail. A further explicit
	// Connect call is required.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// AuthError is an authentication failure. Stale marks a rejected cached
// credential whose store entry has been invalidated.
type AuthError = auth.Error

// ProtocolMismatchError reports a frame whose kind disagrees with the
// negotiated wire format.
type ProtocolMismatchError = protocol.MismatchError

// ReducerError is a reducer call the server executed and rejected.
type ReducerError struct {
	Reducer string
	Message string
}

func (e *ReducerError) Error() string {
	return fmt.Sprintf("reducer %s failed: %s", e.Reducer, e.Message)
}
