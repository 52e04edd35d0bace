package dispatch

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mastercactapus/grbllink/grbl"
)

// A Command is one line to be sent to the controller.
//
// It is owned by the Queue until dispatched and by the Tracker until it is
// settled.
type Command struct {
	ID          string
	Payload     string
	SubmittedAt time.Time
	Timeout     time.Duration

	future *Future
}

// NewCommand creates a Command with a fresh id. payload must already be
// trimmed and must not contain a newline.
func NewCommand(payload string, timeout time.Duration) *Command {
	id := uuid.NewString()
	return &Command{
		ID:          id,
		Payload:     payload,
		SubmittedAt: time.Now(),
		Timeout:     timeout,
		future:      newFuture(id),
	}
}

// Future returns the handle the caller waits on.
func (c *Command) Future() *Future { return c.future }

func (c *Command) wire() []byte { return []byte(c.Payload + "\n") }

// size is the number of bytes the command occupies in the controller's
// receive buffer.
func (c *Command) size() int { return len(c.Payload) + 1 }

// A Future is settled exactly once with either a Response or an error.
type Future struct {
	id      string
	done    chan struct{}
	settled atomic.Bool

	resp grbl.Response
	err  error
}

func newFuture(id string) *Future {
	return &Future{id: id, done: make(chan struct{})}
}

// ID is the id of the command the Future belongs to.
func (f *Future) ID() string { return f.id }

// Done is closed once the Future is settled.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the Future is settled or ctx is done.
//
// Error and alarm replies are returned as a Response with a nil error; use
// Response.Err to treat them as failures.
func (f *Future) Wait(ctx context.Context) (grbl.Response, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		return grbl.Response{}, ctx.Err()
	}
}

// settle reports false if the Future was already settled.
func (f *Future) settle(resp grbl.Response, err error) bool {
	if !f.settled.CompareAndSwap(false, true) {
		return false
	}
	f.resp, f.err = resp, err
	close(f.done)
	return true
}
