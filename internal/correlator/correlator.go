// Package correlator matches asynchronous responses on a control channel
// back to the goroutines waiting for them, keyed by request id.
package correlator

import (
	"errors"
	"sync"

	"github.com/pgourlain/PGrok/internal/protocol"
)

var (
	// ErrDuplicateID reports an id collision on insert. Ids are random
	// UUIDs, so a collision means the invariant is broken and the caller
	// must treat it as fatal.
	ErrDuplicateID = errors.New("request id already pending")

	// ErrTunnelClosed fails pending requests when their tunnel dies.
	ErrTunnelClosed = errors.New("tunnel disconnected")
)

// Outcome is the terminal result of a pending request: a response or an
// error, never both.
type Outcome struct {
	Response *protocol.HTTPResponse
	Err      error
}

// Correlator is a concurrent table of pending requests. Each id completes
// at most once; late responses are rejected so the caller can discard them
// with a warning.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]chan Outcome
}

// New creates an empty correlator.
func New() *Correlator {
	return &Correlator{pending: make(map[string]chan Outcome)}
}

// Insert registers a pending request and returns the channel its outcome
// will be delivered on. The channel is buffered; delivery never blocks.
func (c *Correlator) Insert(id string) (<-chan Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.pending[id]; exists {
		return nil, ErrDuplicateID
	}
	ch := make(chan Outcome, 1)
	c.pending[id] = ch
	return ch, nil
}

// Complete delivers a response for id. Returns false if the id is unknown
// or already completed.
func (c *Correlator) Complete(id string, resp *protocol.HTTPResponse) bool {
	return c.resolve(id, Outcome{Response: resp})
}

// Fail delivers an error for id. Returns false if the id is unknown or
// already completed.
func (c *Correlator) Fail(id string, err error) bool {
	return c.resolve(id, Outcome{Err: err})
}

// Remove drops a pending entry without delivering anything. Used by the
// waiter itself on timeout or cancellation.
func (c *Correlator) Remove(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Drain fails every pending request with err and empties the table.
func (c *Correlator) Drain(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		ch <- Outcome{Err: err}
		delete(c.pending, id)
	}
}

// Len returns the number of pending requests.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) resolve(id string, out Outcome) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.pending[id]
	if !ok {
		return false
	}
	delete(c.pending, id)
	ch <- out
	return true
}
