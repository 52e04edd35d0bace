// Package transporttest provides an in-memory transport.Transport that
// behaves like an in-order, lossless serial link to a scripted controller.
package transporttest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/mastercactapus/grbllink/transport"
)

// A Responder returns the lines the fake controller prints in reply to a
// written line. Realtime bytes are passed as one-character strings.
type Responder func(line string) []string

// Banner is the line Grbl prints after a reset.
const Banner = "Grbl 1.1h ['$' for help]"

// OK is a Responder that acknowledges every line and ignores realtime bytes.
func OK(line string) []string {
	if len(line) == 1 && isRealtime(line[0]) {
		return nil
	}
	return []string{"ok"}
}

// Controller acknowledges every line like OK and prints the Banner after a
// soft reset.
func Controller(line string) []string {
	if line == "\x18" {
		return []string{Banner}
	}
	return OK(line)
}

func isRealtime(b byte) bool {
	switch b {
	case '?', '!', '~', 0x18:
		return true
	}
	return b >= 0x80
}

// Transport is a fake transport.Transport. The zero value is not usable;
// call New.
type Transport struct {
	events chan transport.Event

	mu           sync.Mutex
	connected    bool
	responder    Responder
	writes       []string
	writeErr     error
	reconnectErr error
	reconnects   int
	bootBanner   bool
	closed       bool
}

var _ transport.Transport = &Transport{}

// New returns a connected Transport with no responder.
func New() *Transport {
	return &Transport{
		connected: true,
		events:    make(chan transport.Event, 8192),
	}
}

// SetResponder installs the reply script; nil means never reply.
func (t *Transport) SetResponder(r Responder) {
	t.mu.Lock()
	t.responder = r
	t.mu.Unlock()
}

// SetWriteError makes every following Write fail with err (nil clears it).
func (t *Transport) SetWriteError(err error) {
	t.mu.Lock()
	t.writeErr = err
	t.mu.Unlock()
}

// SetBootBanner makes Reconnect print the Banner once connected, like a
// board that reboots when its serial port is opened.
func (t *Transport) SetBootBanner(on bool) {
	t.mu.Lock()
	t.bootBanner = on
	t.mu.Unlock()
}

// SetReconnectError makes Reconnect fail with err (nil clears it).
func (t *Transport) SetReconnectError(err error) {
	t.mu.Lock()
	t.reconnectErr = err
	t.mu.Unlock()
}

func (t *Transport) Write(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return transport.ErrClosed
	}
	if !t.connected {
		t.mu.Unlock()
		return transport.ErrNotConnected
	}
	if t.writeErr != nil {
		err := t.writeErr
		t.mu.Unlock()
		return err
	}
	t.writes = append(t.writes, string(p))
	r := t.responder
	t.mu.Unlock()

	if r == nil {
		return nil
	}
	s := string(p)
	if !strings.HasSuffix(s, "\n") {
		// realtime bytes
		for i := 0; i < len(s); i++ {
			t.Reply(r(s[i : i+1])...)
		}
		return nil
	}
	for _, line := range strings.SplitAfter(s, "\n") {
		if line == "" {
			continue
		}
		t.Reply(r(strings.TrimSuffix(line, "\n"))...)
	}
	return nil
}

// Reply emits lines as inbound data, newline terminated.
func (t *Transport) Reply(lines ...string) {
	if len(lines) == 0 {
		return
	}
	t.Emit(transport.Event{Type: transport.EventData, Data: []byte(strings.Join(lines, "\n") + "\n")})
}

// ReplyAfter emits lines once d has elapsed.
func (t *Transport) ReplyAfter(d time.Duration, lines ...string) {
	time.AfterFunc(d, func() { t.Reply(lines...) })
}

// Emit delivers a raw event.
func (t *Transport) Emit(ev transport.Event) { t.events <- ev }

// Disconnect simulates the link dropping.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
	t.Emit(transport.Event{Type: transport.EventDisconnect})
}

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected && !t.closed
}

func (t *Transport) Events() <-chan transport.Event { return t.events }

func (t *Transport) Reconnect(ctx context.Context, port string, baud int) error {
	t.mu.Lock()
	t.reconnects++
	err := t.reconnectErr
	was, banner := t.connected, t.bootBanner
	if err == nil {
		t.connected = true
	}
	t.mu.Unlock()
	if err != nil {
		t.Emit(transport.Event{Type: transport.EventError, Err: err})
		return err
	}
	if was {
		t.Emit(transport.Event{Type: transport.EventDisconnect})
	}
	t.Emit(transport.Event{Type: transport.EventConnect})
	if banner {
		t.Reply(Banner)
	}
	return nil
}

// Reconnects returns how many times Reconnect was called.
func (t *Transport) Reconnects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reconnects
}

// Writes returns a copy of everything written so far.
func (t *Transport) Writes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.writes...)
}

// WaitWrites blocks until at least n writes were made or timeout elapses,
// and returns the writes seen.
func (t *Transport) WaitWrites(n int, timeout time.Duration) []string {
	deadline := time.Now().Add(timeout)
	for {
		w := t.Writes()
		if len(w) >= n || time.Now().After(deadline) {
			return w
		}
		time.Sleep(time.Millisecond)
	}
}

func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}
