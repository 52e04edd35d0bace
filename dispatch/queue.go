package dispatch

import (
	"sync"
	"time"
)

type queueSlot struct {
	cmd        *Command
	enqueuedAt time.Time
}

// Queue is a bounded FIFO of commands waiting to be sent. Insertion order is
// dispatch order.
type Queue struct {
	mx    sync.Mutex
	slots []queueSlot
	head  int
	n     int
}

// NewQueue creates a Queue holding at most capacity commands.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{slots: make([]queueSlot, capacity)}
}

func (q *Queue) at(i int) *queueSlot { return &q.slots[(q.head+i)%len(q.slots)] }

// Enqueue appends cmd. It returns false if the queue is full; the caller must
// treat that as a rejection.
func (q *Queue) Enqueue(cmd *Command) bool {
	q.mx.Lock()
	defer q.mx.Unlock()
	if q.n == len(q.slots) {
		return false
	}
	*q.at(q.n) = queueSlot{cmd: cmd, enqueuedAt: time.Now()}
	q.n++
	return true
}

func (q *Queue) popLocked() *Command {
	s := q.at(0)
	cmd := s.cmd
	*s = queueSlot{}
	q.head = (q.head + 1) % len(q.slots)
	q.n--
	return cmd
}

// Dequeue removes and returns the oldest command.
func (q *Queue) Dequeue() (*Command, bool) {
	q.mx.Lock()
	defer q.mx.Unlock()
	if q.n == 0 {
		return nil, false
	}
	return q.popLocked(), true
}

// DequeueIf removes and returns the oldest command only if ok accepts it.
func (q *Queue) DequeueIf(ok func(*Command) bool) (*Command, bool) {
	q.mx.Lock()
	defer q.mx.Unlock()
	if q.n == 0 || !ok(q.at(0).cmd) {
		return nil, false
	}
	return q.popLocked(), true
}

// Peek returns the oldest command without removing it.
func (q *Queue) Peek() (*Command, bool) {
	q.mx.Lock()
	defer q.mx.Unlock()
	if q.n == 0 {
		return nil, false
	}
	return q.at(0).cmd, true
}

func (q *Queue) Len() int {
	q.mx.Lock()
	defer q.mx.Unlock()
	return q.n
}

func (q *Queue) Cap() int { return len(q.slots) }

func (q *Queue) Full() bool {
	q.mx.Lock()
	defer q.mx.Unlock()
	return q.n == len(q.slots)
}

// Clear empties the queue and returns the evicted commands in order so the
// caller can fail them.
func (q *Queue) Clear() []*Command {
	q.mx.Lock()
	defer q.mx.Unlock()
	out := make([]*Command, 0, q.n)
	for q.n > 0 {
		out = append(out, q.popLocked())
	}
	q.head = 0
	return out
}

// removeAtLocked removes the i'th command, keeping the others in order.
func (q *Queue) removeAtLocked(i int) *Command {
	cmd := q.at(i).cmd
	for ; i < q.n-1; i++ {
		*q.at(i) = *q.at(i + 1)
	}
	*q.at(q.n - 1) = queueSlot{}
	q.n--
	return cmd
}

// RemoveByID removes the command with the given id.
func (q *Queue) RemoveByID(id string) (*Command, bool) {
	q.mx.Lock()
	defer q.mx.Unlock()
	for i := 0; i < q.n; i++ {
		if q.at(i).cmd.ID == id {
			return q.removeAtLocked(i), true
		}
	}
	return nil, false
}

// RemoveOlderThan removes every command that has been queued longer than
// maxAge.
func (q *Queue) RemoveOlderThan(maxAge time.Duration) []*Command {
	q.mx.Lock()
	defer q.mx.Unlock()
	var out []*Command
	now := time.Now()
	// enqueue times are non-decreasing, so stale entries are at the head
	for q.n > 0 && now.Sub(q.at(0).enqueuedAt) > maxAge {
		out = append(out, q.popLocked())
	}
	return out
}

// FindMatching returns queued commands accepted by match, in queue order.
func (q *Queue) FindMatching(match func(*Command) bool) []*Command {
	q.mx.Lock()
	defer q.mx.Unlock()
	var out []*Command
	for i := 0; i < q.n; i++ {
		if c := q.at(i).cmd; match(c) {
			out = append(out, c)
		}
	}
	return out
}
