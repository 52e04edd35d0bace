package transport

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/mastercactapus/grbllink/spjs"
)

// SPJSClient is the part of *spjs.Client the SPJS transport uses.
type SPJSClient interface {
	Messages() <-chan interface{}
	Connected() bool
	Send(ctx context.Context, port, data string) (string, error)
	SendNoBuf(ctx context.Context, port, data string) error
	Open(ctx context.Context, port string, baud int, bufferAlgorithm string) error
	ClosePort(ctx context.Context, port string) error
	List(ctx context.Context) error
}

// SPJS is a Transport to a port on a Serial Port JSON Server. The port is
// opened with the server's pass-through buffer so flow control stays with
// the caller.
type SPJS struct {
	client SPJSClient
	logger *log.Logger

	// OpenTimeout bounds how long Reconnect waits for the server to
	// confirm the port is open.
	OpenTimeout time.Duration

	events chan Event

	mx      sync.Mutex
	port    string
	baud    int
	open    bool
	closed  bool
	waiters []chan error
}

var _ Transport = &SPJS{}

// NewSPJS creates a transport for port on the server behind client. Run
// must be active for events to flow.
func NewSPJS(client SPJSClient, port string, baud int, logger *log.Logger) *SPJS {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &SPJS{
		client:      client,
		logger:      logger,
		port:        port,
		baud:        baud,
		OpenTimeout: 10 * time.Second,
		events:      make(chan Event, 256),
	}
}

func (s *SPJS) Events() <-chan Event { return s.events }

func (s *SPJS) Connected() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.open && !s.closed && s.client.Connected()
}

func (s *SPJS) emit(ctx context.Context, ev Event) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

// setOpen records the port state and reports whether it changed.
func (s *SPJS) setOpen(open bool, err error) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	changed := s.open != open
	s.open = open
	if open || err != nil {
		for _, w := range s.waiters {
			w <- err
		}
		s.waiters = nil
	}
	return changed
}

// Run translates server messages into transport events until ctx is done.
func (s *SPJS) Run(ctx context.Context) error {
	msgs := s.client.Messages()
	for {
		var m interface{}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m = <-msgs:
		}

		s.mx.Lock()
		port, baud := s.port, s.baud
		s.mx.Unlock()

		switch msg := m.(type) {
		case *spjs.DataFrame:
			if msg.Port == port && msg.Data != "" {
				s.emit(ctx, Event{Type: EventData, Data: []byte(msg.Data)})
			}
		case *spjs.PortEvent:
			if msg.Port != port {
				continue
			}
			switch msg.Cmd {
			case "Open":
				if s.setOpen(true, nil) {
					s.logger.Println("Port opened:", port)
					s.emit(ctx, Event{Type: EventConnect})
				}
			case "Close":
				if s.setOpen(false, nil) {
					s.logger.Println("Port closed:", port)
					s.emit(ctx, Event{Type: EventDisconnect})
				}
			case "OpenFail":
				err := fmt.Errorf("open %s: %s", port, msg.Desc)
				s.setOpen(false, err)
				s.emit(ctx, Event{Type: EventError, Err: err})
			}
		case *spjs.SerialPortList:
			found := false
			for _, p := range msg.SerialPorts {
				if p.Name != port {
					continue
				}
				found = true
				if p.IsOpen {
					if s.setOpen(true, nil) {
						s.emit(ctx, Event{Type: EventConnect})
					}
				} else if err := s.client.Open(ctx, port, baud, "default"); err != nil {
					s.logger.Println("ERROR: open:", err)
				}
			}
			if !found && s.setOpen(false, nil) {
				s.emit(ctx, Event{Type: EventDisconnect})
			}
		case *spjs.ErrorMessage:
			s.logger.Println("ERROR: server:", msg.Error)
			s.emit(ctx, Event{Type: EventError, Err: fmt.Errorf("spjs: %s", msg.Error)})
		case spjs.Disconnected:
			if s.setOpen(false, nil) {
				s.emit(ctx, Event{Type: EventDisconnect})
			}
		}
	}
}

func (s *SPJS) Write(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mx.Lock()
	port, closed := s.port, s.closed
	s.mx.Unlock()
	if closed {
		return ErrClosed
	}
	if !s.Connected() {
		return ErrNotConnected
	}

	if len(p) == 1 && p[0] != '\n' {
		return s.client.SendNoBuf(ctx, port, string(p))
	}
	_, err := s.client.Send(ctx, port, string(p))
	return err
}

// Reconnect closes the port on the server, if open, and opens it again,
// waiting for the server to confirm.
func (s *SPJS) Reconnect(ctx context.Context, port string, baud int) error {
	s.mx.Lock()
	if s.closed {
		s.mx.Unlock()
		return ErrClosed
	}
	oldPort, wasOpen := s.port, s.open
	s.port, s.baud = port, baud
	s.open = false
	wait := make(chan error, 1)
	s.waiters = append(s.waiters, wait)
	s.mx.Unlock()

	if wasOpen {
		if err := s.client.ClosePort(ctx, oldPort); err != nil {
			s.logger.Println("ERROR: close:", err)
		}
		s.emit(ctx, Event{Type: EventDisconnect})
	}

	s.logger.Println("Connecting to", port)
	if err := s.client.Open(ctx, port, baud, "default"); err != nil {
		s.emit(ctx, Event{Type: EventError, Err: err})
		return err
	}

	timer := time.NewTimer(s.OpenTimeout)
	defer timer.Stop()
	select {
	case err := <-wait:
		return err
	case <-timer.C:
		return fmt.Errorf("open %s: no reply from server after %s", port, s.OpenTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the port on the server and stops delivering writes.
func (s *SPJS) Close() error {
	s.mx.Lock()
	port, wasOpen := s.port, s.open
	s.closed = true
	s.open = false
	s.mx.Unlock()
	if !wasOpen || !s.client.Connected() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return s.client.ClosePort(ctx, port)
}
