package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(cmds []*Command) []string {
	out := make([]string, len(cmds))
	for i, c := range cmds {
		out[i] = c.Payload
	}
	return out
}

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue(3)
	assert.Equal(t, 3, q.Cap())

	a, b, c := NewCommand("a", 0), NewCommand("b", 0), NewCommand("c", 0)
	assert.True(t, q.Enqueue(a))
	assert.True(t, q.Enqueue(b))
	assert.True(t, q.Enqueue(c))
	assert.True(t, q.Full())
	assert.False(t, q.Enqueue(NewCommand("d", 0)))
	assert.Equal(t, 3, q.Len())

	p, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, a, p)

	got, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, a, got)

	// wrap around the ring
	assert.True(t, q.Enqueue(NewCommand("d", 0)))
	assert.Equal(t, []string{"b", "c", "d"}, ids(q.Clear()))
	assert.Equal(t, 0, q.Len())

	_, ok = q.Dequeue()
	assert.False(t, ok)
	_, ok = q.Peek()
	assert.False(t, ok)
}

func TestQueue_DequeueIf(t *testing.T) {
	q := NewQueue(2)
	q.Enqueue(NewCommand("a", 0))

	_, ok := q.DequeueIf(func(*Command) bool { return false })
	assert.False(t, ok)
	assert.Equal(t, 1, q.Len())

	c, ok := q.DequeueIf(func(*Command) bool { return true })
	assert.True(t, ok)
	assert.Equal(t, "a", c.Payload)
}

func TestQueue_RemoveByID(t *testing.T) {
	q := NewQueue(4)
	cmds := []*Command{NewCommand("a", 0), NewCommand("b", 0), NewCommand("c", 0)}
	for _, c := range cmds {
		q.Enqueue(c)
	}

	got, ok := q.RemoveByID(cmds[1].ID)
	require.True(t, ok)
	assert.Equal(t, cmds[1], got)

	_, ok = q.RemoveByID(cmds[1].ID)
	assert.False(t, ok)

	assert.Equal(t, []string{"a", "c"}, ids(q.FindMatching(func(*Command) bool { return true })))
	assert.Equal(t, []string{"c"}, ids(q.FindMatching(func(c *Command) bool { return c.Payload == "c" })))
}

func TestQueue_RemoveOlderThan(t *testing.T) {
	q := NewQueue(4)
	q.Enqueue(NewCommand("old", 0))
	time.Sleep(30 * time.Millisecond)
	q.Enqueue(NewCommand("new", 0))

	assert.Equal(t, []string{"old"}, ids(q.RemoveOlderThan(20*time.Millisecond)))
	assert.Equal(t, 1, q.Len())
	assert.Empty(t, q.RemoveOlderThan(time.Hour))
}
