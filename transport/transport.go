// Package transport provides the byte links a GRBL controller can sit
// behind: a local serial port, a TCP bridge, or a Serial Port JSON Server.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrNotConnected is returned by Write while the link is down.
	ErrNotConnected = errors.New("not connected")

	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("transport closed")
)

// EventType identifies a transport event.
type EventType string

const (
	EventData       EventType = "data"
	EventError      EventType = "error"
	EventConnect    EventType = "connect"
	EventDisconnect EventType = "disconnect"
)

// An Event is something that happened on the link. Data events carry raw
// bytes exactly as read, which need not be aligned to line boundaries.
//
// One dropped link is one Disconnect event; when a read failure caused it,
// Err holds that failure. Error events are for failures that leave the link
// state unchanged, like a failed open.
type Event struct {
	Type EventType
	Data []byte
	Err  error
}

// A Transport is a bidirectional, in-order byte link.
//
// Events are delivered on a single channel in the order they happened and
// are meant for exactly one consumer.
type Transport interface {
	Write(ctx context.Context, p []byte) error
	Connected() bool
	Events() <-chan Event

	// Reconnect drops the current link, if any, and opens a new one.
	Reconnect(ctx context.Context, port string, baud int) error
	Close() error
}
