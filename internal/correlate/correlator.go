// Package correlate matches outbound calls to their asynchronous
// responses by request id.
package correlate

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Errors
var (
	ErrDuplicateID = errors.New("request id already in flight")
	ErrTimeout     = errors.New("call timed out")
)

// Result resolves one pending request. Err carries the failure when the
// server reported one.
type Result struct {
	RequestID uint32
	Err       error
	Data      any
}

// Correlator tracks in-flight requests. At most one pending entry exists
// per request id, and resolution never blocks the resolver.
type Correlator struct {
	mu      sync.Mutex
	nextID  uint32
	pending map[uint32]chan Result
}

// New creates a correlator.
func New() *Correlator {
	return &Correlator{pending: make(map[uint32]chan Result)}
}

// NextID returns a fresh request id. Zero is never issued.
func (c *Correlator) NextID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	if c.nextID == 0 {
		c.nextID = 1
	}
	return c.nextID
}

// Register creates the pending slot for a request id. The returned channel
// receives the result exactly once.
func (c *Correlator) Register(id uint32) (<-chan Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.pending[id]; exists {
		return nil, ErrDuplicateID
	}
	ch := make(chan Result, 1)
	c.pending[id] = ch
	return ch, nil
}

// Resolve delivers a result to the waiter for id. Returns false when no
// request is pending under that id (already resolved, timed out, or never
// issued). The buffered channel makes delivery non-blocking.
func (c *Correlator) Resolve(res Result) bool {
	c.mu.Lock()
	ch, ok := c.pending[res.RequestID]
	if ok {
		delete(c.pending, res.RequestID)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	ch <- res
	return true
}

// Drop abandons a pending request without resolving it.
func (c *Correlator) Drop(id uint32) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// FailAll resolves every pending request with err. Called when the
// connection is lost so no caller waits out its full timeout.
func (c *Correlator) FailAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint32]chan Result)
	c.mu.Unlock()

	for id, ch := range pending {
		ch <- Result{RequestID: id, Err: err}
	}
}

// Wait blocks for the result of id with a per-call deadline. On timeout or
// context cancellation the pending slot is dropped and the caller gets the
// failure alone; the read loop is never involved.
func (c *Correlator) Wait(ctx context.Context, id uint32, ch <-chan Result, timeout time.Duration) (Result, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res, res.Err
	case <-timer.C:
		c.Drop(id)
		return Result{}, ErrTimeout
	case <-ctx.Done():
		c.Drop(id)
		return Result{}, ctx.Err()
	}
}

// PendingCount returns the number of in-flight requests.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
