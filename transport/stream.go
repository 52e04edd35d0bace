package transport

import (
	"context"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/tarm/serial"
)

// An Opener opens the underlying connection for a Stream.
type Opener func(ctx context.Context, port string, baud int) (io.ReadWriteCloser, error)

// Stream is a Transport over any io.ReadWriteCloser.
type Stream struct {
	open   Opener
	logger *log.Logger

	events    chan Event
	closeCh   chan struct{}
	closeOnce sync.Once

	// rMx serializes Reconnect.
	rMx sync.Mutex
	wMx sync.Mutex

	mx     sync.Mutex
	conn   io.ReadWriteCloser
	gen    int
	port   string
	baud   int
	closed bool
}

var _ Transport = &Stream{}

// NewStream creates a Stream that is not yet connected; call Open or
// Reconnect to bring it up.
func NewStream(open Opener, port string, baud int, logger *log.Logger) *Stream {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Stream{
		open:    open,
		logger:  logger,
		port:    port,
		baud:    baud,
		events:  make(chan Event, 256),
		closeCh: make(chan struct{}),
	}
}

// NewSerial creates a Stream over a local serial port.
func NewSerial(port string, baud int, logger *log.Logger) *Stream {
	return NewStream(openSerial, port, baud, logger)
}

func openSerial(ctx context.Context, port string, baud int) (io.ReadWriteCloser, error) {
	return serial.OpenPort(&serial.Config{Name: port, Baud: baud})
}

// NewTCP creates a Stream to a serial-over-TCP bridge at addr (host:port).
func NewTCP(addr string, logger *log.Logger) *Stream {
	return NewStream(dialTCP, addr, 0, logger)
}

func dialTCP(ctx context.Context, addr string, _ int) (io.ReadWriteCloser, error) {
	d := net.Dialer{Timeout: 5 * time.Second}
	return d.DialContext(ctx, "tcp", addr)
}

// Open connects using the port and baud the Stream was created with.
func (s *Stream) Open(ctx context.Context) error {
	s.mx.Lock()
	port, baud := s.port, s.baud
	s.mx.Unlock()
	return s.Reconnect(ctx, port, baud)
}

func (s *Stream) Events() <-chan Event { return s.events }

func (s *Stream) Connected() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.conn != nil
}

func (s *Stream) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.closeCh:
	}
}

func (s *Stream) Reconnect(ctx context.Context, port string, baud int) error {
	s.rMx.Lock()
	defer s.rMx.Unlock()

	s.mx.Lock()
	if s.closed {
		s.mx.Unlock()
		return ErrClosed
	}
	old := s.conn
	s.conn = nil
	s.gen++
	s.port, s.baud = port, baud
	s.mx.Unlock()

	if old != nil {
		old.Close()
		s.emit(Event{Type: EventDisconnect})
	}

	s.logger.Println("Connecting to", port)
	conn, err := s.open(ctx, port, baud)
	if err != nil {
		s.logger.Printf("ERROR: connect %s: %v", port, err)
		s.emit(Event{Type: EventError, Err: err})
		return err
	}

	s.mx.Lock()
	if s.closed {
		s.mx.Unlock()
		conn.Close()
		return ErrClosed
	}
	s.conn = conn
	gen := s.gen
	s.mx.Unlock()

	s.logger.Println("Connected.")
	s.emit(Event{Type: EventConnect})
	go s.readLoop(conn, gen)
	return nil
}

func (s *Stream) readLoop(conn io.ReadWriteCloser, gen int) {
	buf := make([]byte, 1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.emit(Event{Type: EventData, Data: data})
		}
		if err == nil {
			continue
		}

		s.mx.Lock()
		current := s.gen == gen && s.conn == conn
		if current {
			s.conn = nil
		}
		s.mx.Unlock()
		if !current {
			// replaced by Reconnect or Close, which reported it already
			return
		}

		conn.Close()
		s.logger.Println("ERROR: read from port:", err)
		ev := Event{Type: EventDisconnect}
		if err != io.EOF {
			ev.Err = err
		}
		s.emit(ev)
		return
	}
}

func (s *Stream) Write(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mx.Lock()
	conn, closed := s.conn, s.closed
	s.mx.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	s.wMx.Lock()
	_, err := conn.Write(p)
	s.wMx.Unlock()
	return err
}

// Close drops the link. Events stop being delivered.
func (s *Stream) Close() error {
	s.mx.Lock()
	conn := s.conn
	s.conn = nil
	s.closed = true
	s.gen++
	s.mx.Unlock()

	s.closeOnce.Do(func() { close(s.closeCh) })
	if conn != nil {
		return conn.Close()
	}
	return nil
}
