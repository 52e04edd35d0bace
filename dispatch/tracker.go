package dispatch

import (
	"fmt"
	"sync"
	"time"

	"github.com/mastercactapus/grbllink/grbl"
)

// A PendingEntry is a command that was written but not yet acknowledged.
type PendingEntry struct {
	Command *Command
	SentAt  time.Time

	timer *time.Timer
}

// Tracker holds in-flight commands. Its capacity is the backpressure gate
// that keeps the controller's receive buffer from overflowing.
//
// Replies carry no command identity, so acknowledgements are matched to the
// Oldest entry. That is only valid on an in-order, lossless link.
type Tracker struct {
	maxPending int
	maxBytes   int
	onExpire   func(*PendingEntry)

	mx      sync.Mutex
	pending map[string]*PendingEntry
	order   []*PendingEntry
	bytes   int
}

// NewTracker creates a Tracker allowing maxPending commands and, if maxBytes
// is positive, at most maxBytes bytes in flight.
//
// onExpire, if non-nil, is called after a command is rejected by its timeout.
func NewTracker(maxPending, maxBytes int, onExpire func(*PendingEntry)) *Tracker {
	if maxPending < 1 {
		maxPending = 1
	}
	return &Tracker{
		maxPending: maxPending,
		maxBytes:   maxBytes,
		onExpire:   onExpire,
		pending:    make(map[string]*PendingEntry),
	}
}

func (t *Tracker) hasRoomLocked(size int) bool {
	if len(t.order) >= t.maxPending {
		return false
	}
	return t.maxBytes <= 0 || t.bytes+size <= t.maxBytes
}

// HasRoom reports whether a command of size bytes may be tracked now.
func (t *Tracker) HasRoom(size int) bool {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.hasRoomLocked(size)
}

// Track starts tracking cmd and arms its timeout. It returns false if the
// tracker is at capacity or cmd is already tracked.
func (t *Tracker) Track(cmd *Command, timeout time.Duration) bool {
	t.mx.Lock()
	defer t.mx.Unlock()
	if _, ok := t.pending[cmd.ID]; ok || !t.hasRoomLocked(cmd.size()) {
		return false
	}

	e := &PendingEntry{Command: cmd, SentAt: time.Now()}
	if timeout > 0 {
		e.timer = time.AfterFunc(timeout, func() { t.expire(e, timeout) })
	}
	t.pending[cmd.ID] = e
	t.order = append(t.order, e)
	t.bytes += cmd.size()
	return true
}

func (t *Tracker) expire(e *PendingEntry, timeout time.Duration) {
	if !t.remove(e.Command.ID, e) {
		// already settled
		return
	}
	e.Command.future.settle(grbl.Response{}, fmt.Errorf("%w after %s", ErrCommandTimeout, timeout))
	if t.onExpire != nil {
		t.onExpire(e)
	}
}

// remove drops id, and only if it still maps to want when want is non-nil.
func (t *Tracker) remove(id string, want *PendingEntry) bool {
	t.mx.Lock()
	defer t.mx.Unlock()
	e, ok := t.pending[id]
	if !ok || (want != nil && e != want) {
		return false
	}
	t.removeLocked(e)
	return true
}

func (t *Tracker) removeLocked(e *PendingEntry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(t.pending, e.Command.ID)
	t.bytes -= e.Command.size()
	for i, o := range t.order {
		if o == e {
			copy(t.order[i:], t.order[i+1:])
			t.order[len(t.order)-1] = nil
			t.order = t.order[:len(t.order)-1]
			break
		}
	}
}

func (t *Tracker) take(id string) (*PendingEntry, bool) {
	t.mx.Lock()
	defer t.mx.Unlock()
	e, ok := t.pending[id]
	if ok {
		t.removeLocked(e)
	}
	return e, ok
}

// Resolve settles id with resp. A second call for the same id, or a call
// after its timeout fired, returns false.
func (t *Tracker) Resolve(id string, resp grbl.Response) bool {
	e, ok := t.take(id)
	if !ok {
		return false
	}
	return e.Command.future.settle(resp, nil)
}

// Reject settles id with err. It returns false if id is not pending.
func (t *Tracker) Reject(id string, err error) bool {
	e, ok := t.take(id)
	if !ok {
		return false
	}
	return e.Command.future.settle(grbl.Response{}, err)
}

// Oldest returns the entry sent first, which the next acknowledgement
// belongs to.
func (t *Tracker) Oldest() (*PendingEntry, bool) {
	t.mx.Lock()
	defer t.mx.Unlock()
	if len(t.order) == 0 {
		return nil, false
	}
	return t.order[0], true
}

func (t *Tracker) IsPending(id string) bool {
	t.mx.Lock()
	defer t.mx.Unlock()
	_, ok := t.pending[id]
	return ok
}

// Len is the number of commands in flight.
func (t *Tracker) Len() int {
	t.mx.Lock()
	defer t.mx.Unlock()
	return len(t.order)
}

// Bytes is the number of bytes in flight.
func (t *Tracker) Bytes() int {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.bytes
}

func (t *Tracker) Cap() int { return t.maxPending }

// ClearAll rejects every pending command with err, disarming all timers, and
// returns the cleared entries in send order.
func (t *Tracker) ClearAll(err error) []*PendingEntry {
	t.mx.Lock()
	entries := t.order
	t.order = nil
	t.pending = make(map[string]*PendingEntry)
	t.bytes = 0
	for _, e := range entries {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	t.mx.Unlock()

	for _, e := range entries {
		e.Command.future.settle(grbl.Response{}, err)
	}
	return entries
}
