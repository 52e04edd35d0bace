package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueFull is returned by Submit when the queue is at capacity. It is
	// never retried internally; callers must back off.
	ErrQueueFull = errors.New("command queue full")

	// ErrCommandTimeout rejects a command whose reply did not arrive in time.
	ErrCommandTimeout = errors.New("command timed out")

	// ErrCommandCancelled rejects commands removed by a bulk clear.
	ErrCommandCancelled = errors.New("command cancelled")

	// ErrWriteFailed rejects a command the transport could not write. Such a
	// command was never tracked.
	ErrWriteFailed = errors.New("write failed")

	// ErrDisconnected rejects every queued and in-flight command when the
	// link drops.
	ErrDisconnected = errors.New("disconnected")

	// ErrInvalidCommand is returned by Submit for payloads that cannot be sent
	// as a single line.
	ErrInvalidCommand = errors.New("invalid command")

	// ErrControllerReset rejects in-flight commands when the controller
	// resets; the controller drops its receive buffer so they never complete.
	ErrControllerReset = fmt.Errorf("controller reset: %w", ErrCommandCancelled)
)

// Code returns the taxonomy name of err, or "" if it is not a dispatch error.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrQueueFull):
		return "QUEUE_FULL"
	case errors.Is(err, ErrCommandTimeout):
		return "COMMAND_TIMEOUT"
	case errors.Is(err, ErrCommandCancelled):
		return "COMMAND_CANCELLED"
	case errors.Is(err, ErrWriteFailed):
		return "WRITE_FAILED"
	case errors.Is(err, ErrDisconnected):
		return "DISCONNECTED"
	case errors.Is(err, ErrInvalidCommand):
		return "INVALID_COMMAND"
	}
	return ""
}
