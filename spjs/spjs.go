// Package spjs is a client for Serial Port JSON Server, which exposes the
// serial ports of another machine over a websocket.
package spjs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNotConnected is returned by writes while the websocket is down.
var ErrNotConnected = errors.New("spjs: not connected")

// Client keeps a websocket to the server open and redials it when it drops.
type Client struct {
	url    string
	logger *log.Logger
	dialer *websocket.Dialer

	// RetryDelay is the pause between dial attempts.
	RetryDelay time.Duration

	connected atomic.Bool
	lastID    atomic.Int64

	outgoing chan message
	incoming chan interface{}
}

type message struct {
	done    chan error
	payload []byte
}

// DataFrame is raw data read from a port.
type DataFrame struct {
	Port string `json:"P"`
	Data string `json:"D"`
}

// CmdStatus reports progress of a buffered send.
type CmdStatus struct {
	Cmd        string
	QueueCount int `json:"QCnt"`
	Type       []string
	Data       []string `json:"D"`
	ID         string   `json:"Id"`
}

// PortEvent reports a port being opened or closed, or failing to open.
type PortEvent struct {
	Cmd  string
	Desc string
	Port string
	Baud int
}

type ErrorMessage struct {
	Error string
}

type SerialPortList struct {
	SerialPorts []SerialPort
}

type SerialPort struct {
	Name                      string
	Friendly                  string
	SerialNumber              string
	DeviceClass               string
	IsOpen                    bool
	IsPrimary                 bool
	RelatedNames              []string
	Baud                      int
	BufferAlgorithm           string
	AvailableBufferAlgorithms []string
	Ver                       float64
	USBVID                    string
	USBPID                    string
	FeedRateOverride          float64
}

// Connected is delivered on Messages after the websocket comes up.
type Connected struct{}

// Disconnected is delivered on Messages after the websocket drops.
type Disconnected struct {
	Err error
}

// NewClient creates a Client for the websocket at url, e.g.
// ws://localhost:8989/ws. Nothing happens until Run is called.
func NewClient(url string, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Client{
		url:        url,
		logger:     logger,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		RetryDelay: 3 * time.Second,
		outgoing:   make(chan message, 1000),
		incoming:   make(chan interface{}, 1000),
	}
}

// Messages delivers parsed server messages in order, along with Connected
// and Disconnected markers.
func (c *Client) Messages() <-chan interface{} { return c.incoming }

// Connected reports whether the websocket is currently up.
func (c *Client) Connected() bool { return c.connected.Load() }

func parseMessage(data []byte) (val interface{}, err error) {
	var msg map[string]json.RawMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	check := func(fieldName string, v interface{}) bool {
		if msg[fieldName] == nil {
			return false
		}
		val = v
		err = json.Unmarshal(data, val)
		return true
	}
	if check("Error", &ErrorMessage{}) {
		return
	}
	if check("SerialPorts", &SerialPortList{}) {
		return
	}
	if check("Type", &CmdStatus{}) {
		return
	}
	if check("Port", &PortEvent{}) {
		return
	}
	if check("D", &DataFrame{}) {
		return
	}

	return nil, errors.New("unknown message: " + string(data))
}

func (c *Client) deliver(ctx context.Context, v interface{}) {
	select {
	case c.incoming <- v:
	case <-ctx.Done():
	}
}

func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Println("ERROR: read:", err)
			}
			return
		}
		if !bytes.HasPrefix(data, []byte("{")) {
			// ignore echo messages
			continue
		}
		val, err := parseMessage(data)
		if err != nil {
			c.logger.Println("ERROR: parse:", err)
			continue
		}
		c.deliver(ctx, val)
	}
}

// Run dials the server and keeps the connection up until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	for {
		c.logger.Println("Connecting to", c.url)
		ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Println("ERROR: connect:", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.RetryDelay):
			}
			continue
		}
		c.logger.Println("Connected.")

		done := make(chan struct{})
		go c.readLoop(ctx, ws, done)
		c.connected.Store(true)
		c.deliver(ctx, Connected{})

		err = c.writeLoop(ctx, ws, done)
		c.connected.Store(false)
		ws.Close()
		<-done
		c.deliver(ctx, Disconnected{Err: err})

		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Println("ERROR: connection lost:", err)
	}
}

func (c *Client) writeLoop(ctx context.Context, ws *websocket.Conn, done chan struct{}) error {
	// refresh list on reconnect
	if err := ws.WriteMessage(websocket.TextMessage, []byte("list")); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return ctx.Err()
		case <-done:
			return errors.New("websocket closed")
		case msg := <-c.outgoing:
			err := ws.WriteMessage(websocket.TextMessage, msg.payload)
			msg.done <- err
			if err != nil {
				return err
			}
		}
	}
}

func (c *Client) write(ctx context.Context, payload []byte) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	msg := message{done: make(chan error, 1), payload: payload}
	select {
	case c.outgoing <- msg:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-msg.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriteString sends a raw server command, e.g. "list".
func (c *Client) WriteString(ctx context.Context, data string) error {
	return c.write(ctx, []byte(data))
}

type JSON struct {
	Port string `json:"P"`
	Data []Data
}

type Data struct {
	Data string `json:"D"`
	ID   string `json:"Id"`
}

// SendJSON queues data on a port through the server's buffer.
func (c *Client) SendJSON(ctx context.Context, v JSON) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("sendjson (marshal): %w", err)
	}
	return c.write(ctx, append([]byte("sendjson "), data...))
}

// Send writes data to port and returns the ID it was tagged with.
func (c *Client) Send(ctx context.Context, port, data string) (string, error) {
	id := "grbllink-" + strconv.FormatInt(c.lastID.Add(1), 36)
	return id, c.SendJSON(ctx, JSON{Port: port, Data: []Data{{Data: data, ID: id}}})
}

// SendNoBuf writes data to port ahead of anything the server has buffered.
func (c *Client) SendNoBuf(ctx context.Context, port, data string) error {
	return c.WriteString(ctx, "sendnobuf "+port+" "+data)
}

// Open asks the server to open port. bufferAlgorithm is one of the server's
// buffer types; "default" passes data straight through.
func (c *Client) Open(ctx context.Context, port string, baud int, bufferAlgorithm string) error {
	return c.WriteString(ctx, fmt.Sprintf("open %s %d %s", port, baud, bufferAlgorithm))
}

// ClosePort asks the server to close port.
func (c *Client) ClosePort(ctx context.Context, port string) error {
	return c.WriteString(ctx, "close "+port)
}

// List asks the server for a SerialPortList.
func (c *Client) List(ctx context.Context) error {
	return c.WriteString(ctx, "list")
}
