package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mastercactapus/grbllink/event"
	"github.com/mastercactapus/grbllink/grbl"
	"github.com/mastercactapus/grbllink/transport"
)

// maxLineLength bounds the partial-line buffer; Grbl lines are far shorter.
const maxLineLength = 1024

// Transport is the part of transport.Transport the Dispatcher uses.
type Transport interface {
	Write(ctx context.Context, p []byte) error
	Connected() bool
	Events() <-chan transport.Event
}

// Options apply to a single submission.
type Options struct {
	// Timeout overrides Config.CommandTimeout when positive.
	Timeout time.Duration
}

// Stats are cumulative counters since the Dispatcher was created.
type Stats struct {
	Sent            int64         `json:"sent"`
	Completed       int64         `json:"completed"`
	TimedOut        int64         `json:"timedOut"`
	Errored         int64         `json:"errored"`
	Cancelled       int64         `json:"cancelled"`
	Rejected        int64         `json:"rejected"`
	AvgResponseTime time.Duration `json:"avgResponseTime"`
}

// Status is a point-in-time snapshot of the Dispatcher.
type Status struct {
	Connected     bool    `json:"connected"`
	Holding       bool    `json:"holding"`
	QueueDepth    int     `json:"queueDepth"`
	QueueCapacity int     `json:"queueCapacity"`
	InFlight      int     `json:"inFlight"`
	MaxInFlight   int     `json:"maxInFlight"`
	InFlightBytes int     `json:"inFlightBytes"`
	RxBufferSize  int     `json:"rxBufferSize"`
	Utilization   float64 `json:"utilization"`
	Stats         Stats   `json:"stats"`
}

type resetRequest struct {
	done chan error
}

// Dispatcher multiplexes commands onto a single transport. Commands are
// written in submission order and acknowledgements are matched to them in
// the same order.
type Dispatcher struct {
	cfg       Config
	transport Transport
	logger    *log.Logger
	hub       *event.Hub

	queue   *Queue
	tracker *Tracker

	wake     chan struct{}
	resetReq chan resetRequest

	// opMx is held while commands move from the queue to the tracker, so
	// bulk clears never miss one in transit.
	opMx sync.Mutex

	// connected follows the transport's connect and disconnect events as
	// the Run loop handles them, not the transport's current state.
	connected atomic.Bool
	holding   atomic.Bool
	lastData  atomic.Int64

	// readyCh is closed while connected and not holding.
	readyMx sync.Mutex
	readyCh chan struct{}

	statMx    sync.Mutex
	stats     Stats
	acked     int64
	respTotal time.Duration

	stateMx sync.Mutex
	state   grbl.State

	// owned by the Run loop
	lineBuf   []byte
	holdTimer *time.Timer
	holdC     <-chan time.Time
}

// New creates a Dispatcher. Call Run to start moving commands.
func New(t Transport, cfg Config, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	d := &Dispatcher{
		cfg:       cfg,
		transport: t,
		logger:    logger,
		hub:       event.NewHub(256, 256),
		queue:     NewQueue(cfg.MaxQueueSize),
		wake:      make(chan struct{}, 1),
		resetReq:  make(chan resetRequest),
		readyCh:   make(chan struct{}),
	}
	d.tracker = NewTracker(cfg.MaxPendingCommands, cfg.RxBufferSize, d.expired)
	d.connected.Store(t.Connected())
	d.updateReady()
	return d
}

// Subscribe returns a channel of dispatcher events.
func (d *Dispatcher) Subscribe() (<-chan event.Event, func()) { return d.hub.Subscribe() }

// Hub exposes the event hub for replaying recent events.
func (d *Dispatcher) Hub() *event.Hub { return d.hub }

func (d *Dispatcher) kick() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Submit queues line and returns a Future for its reply. It fails
// immediately with ErrQueueFull, ErrDisconnected or ErrInvalidCommand.
func (d *Dispatcher) Submit(line string, opts Options) (*Future, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.ContainsAny(line, "\r\n") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCommand, line)
	}
	if d.cfg.RxBufferSize > 0 && len(line)+1 > d.cfg.RxBufferSize {
		return nil, fmt.Errorf("%w: line length %d exceeds receive buffer of %d", ErrInvalidCommand, len(line)+1, d.cfg.RxBufferSize)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = d.cfg.CommandTimeout
	}
	cmd := NewCommand(line, timeout)

	d.opMx.Lock()
	if !d.connected.Load() {
		d.opMx.Unlock()
		return nil, ErrDisconnected
	}
	ok := d.queue.Enqueue(cmd)
	d.opMx.Unlock()
	if !ok {
		d.statMx.Lock()
		d.stats.Rejected++
		d.statMx.Unlock()
		commandsTotal.WithLabelValues("queue_full").Inc()
		return nil, ErrQueueFull
	}

	queueDepth.Set(float64(d.queue.Len()))
	d.hub.Publish(EventCommandQueued, cmd.ID, CommandEvent{Payload: cmd.Payload})
	d.kick()
	return cmd.future, nil
}

// Send submits line and waits for its reply.
func (d *Dispatcher) Send(ctx context.Context, line string, opts Options) (grbl.Response, error) {
	f, err := d.Submit(line, opts)
	if err != nil {
		return grbl.Response{}, err
	}
	return f.Wait(ctx)
}

// Realtime writes a single realtime byte straight to the transport. It is
// not queued and gets no acknowledgement. A soft reset goes through
// SoftReset.
func (d *Dispatcher) Realtime(ctx context.Context, b byte) error {
	if b == grbl.RealtimeSoftReset {
		return d.SoftReset(ctx)
	}
	return d.transport.Write(ctx, []byte{b})
}

// SoftReset resets the controller. In-flight commands are rejected with
// ErrControllerReset and dispatch pauses until the welcome banner arrives
// or ResetHoldTime elapses. Queued commands are kept.
//
// It requires Run to be active.
func (d *Dispatcher) SoftReset(ctx context.Context) error {
	req := resetRequest{done: make(chan error, 1)}
	select {
	case d.resetReq <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitReady blocks until the link is up and dispatch is not held for a
// reset or a fresh connection.
func (d *Dispatcher) WaitReady(ctx context.Context) error {
	d.readyMx.Lock()
	ch := d.readyCh
	d.readyMx.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) updateReady() {
	ready := d.connected.Load() && !d.holding.Load()
	d.readyMx.Lock()
	defer d.readyMx.Unlock()
	select {
	case <-d.readyCh:
		if !ready {
			d.readyCh = make(chan struct{})
		}
	default:
		if ready {
			close(d.readyCh)
		}
	}
}

// ClearAll rejects every queued and in-flight command with
// ErrCommandCancelled and returns how many were affected.
func (d *Dispatcher) ClearAll() int {
	pending, queued := d.clear(ErrCommandCancelled, ErrCommandCancelled)
	d.logger.Printf("cleared %d in-flight and %d queued commands", pending, queued)
	return pending + queued
}

func (d *Dispatcher) clear(pendingErr, queuedErr error) (int, int) {
	d.opMx.Lock()
	entries := d.tracker.ClearAll(pendingErr)
	var cmds []*Command
	if queuedErr != nil {
		cmds = d.queue.Clear()
		for _, cmd := range cmds {
			cmd.future.settle(grbl.Response{}, queuedErr)
		}
	}
	d.opMx.Unlock()

	for _, e := range entries {
		d.hub.Publish(EventCommandError, e.Command.ID, commandError(e.Command, pendingErr))
	}
	for _, cmd := range cmds {
		d.hub.Publish(EventCommandError, cmd.ID, commandError(cmd, queuedErr))
	}

	d.statMx.Lock()
	d.stats.Cancelled += int64(len(entries) + len(cmds))
	d.statMx.Unlock()
	if len(entries) > 0 {
		commandsTotal.WithLabelValues(resultLabel(pendingErr)).Add(float64(len(entries)))
	}
	if len(cmds) > 0 {
		commandsTotal.WithLabelValues(resultLabel(queuedErr)).Add(float64(len(cmds)))
	}
	d.updateGauges()
	return len(entries), len(cmds)
}

func (d *Dispatcher) updateGauges() {
	queueDepth.Set(float64(d.queue.Len()))
	inFlight.Set(float64(d.tracker.Len()))
}

// expired is called by the tracker after a command's timeout fired.
func (d *Dispatcher) expired(e *PendingEntry) {
	d.statMx.Lock()
	d.stats.TimedOut++
	d.statMx.Unlock()
	commandsTotal.WithLabelValues("timeout").Inc()
	d.logger.Printf("ERROR: command %s (%q) timed out after %s", e.Command.ID, e.Command.Payload, e.Command.Timeout)
	d.hub.Publish(EventCommandError, e.Command.ID, commandError(e.Command, fmt.Errorf("%w after %s", ErrCommandTimeout, e.Command.Timeout)))
	d.updateGauges()
	d.kick()
}

// LastDataAt is when bytes of any kind last arrived from the controller.
func (d *Dispatcher) LastDataAt() time.Time {
	n := d.lastData.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// MachineState is the state from the most recent status report.
func (d *Dispatcher) MachineState() grbl.State {
	d.stateMx.Lock()
	defer d.stateMx.Unlock()
	return d.state
}

// Status returns a snapshot of queue, in-flight and cumulative counters.
func (d *Dispatcher) Status() Status {
	d.statMx.Lock()
	stats := d.stats
	d.statMx.Unlock()

	s := Status{
		Connected:     d.connected.Load(),
		Holding:       d.holding.Load(),
		QueueDepth:    d.queue.Len(),
		QueueCapacity: d.queue.Cap(),
		InFlight:      d.tracker.Len(),
		MaxInFlight:   d.tracker.Cap(),
		InFlightBytes: d.tracker.Bytes(),
		RxBufferSize:  d.cfg.RxBufferSize,
		Stats:         stats,
	}
	s.Utilization = float64(s.InFlight) / float64(s.MaxInFlight)
	return s
}

// Run moves commands from the queue to the transport and routes replies
// until ctx is done. Everything still queued or in flight is then rejected
// with ErrCommandCancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Println("dispatch loop started")
	defer d.logger.Println("dispatch loop stopped")

	var pollC, janitorC <-chan time.Time
	if d.cfg.StatusPollInterval > 0 {
		t := time.NewTicker(d.cfg.StatusPollInterval)
		defer t.Stop()
		pollC = t.C
	}
	if d.cfg.MaxQueueAge > 0 {
		period := d.cfg.MaxQueueAge / 4
		if period < 10*time.Millisecond {
			period = 10 * time.Millisecond
		}
		t := time.NewTicker(period)
		defer t.Stop()
		janitorC = t.C
	}
	defer d.stopHold()

	events := d.transport.Events()
	for {
		events = d.drain(events)
		d.pump(ctx)

		select {
		case <-ctx.Done():
			d.clear(ErrCommandCancelled, ErrCommandCancelled)
			return ctx.Err()
		case <-d.wake:
		case ev, ok := <-events:
			if !ok {
				events = nil
				d.disconnected(nil)
				continue
			}
			d.handleEvent(ev)
		case req := <-d.resetReq:
			req.done <- d.softReset(ctx)
		case <-d.holdC:
			d.holdC = nil
			if d.holding.CompareAndSwap(true, false) {
				d.logger.Println("no welcome banner, resuming dispatch")
				d.updateReady()
			}
		case <-pollC:
			if d.connected.Load() {
				if err := d.transport.Write(ctx, []byte{grbl.RealtimeStatus}); err != nil {
					d.logger.Println("ERROR: status poll:", err)
				}
			}
		case <-janitorC:
			d.expireQueued()
		}
	}
}

// drain handles the transport events already waiting, so nothing is written
// on the strength of a link state that has since changed.
func (d *Dispatcher) drain(events <-chan transport.Event) <-chan transport.Event {
	for n := len(events); n > 0 && events != nil; n-- {
		ev, ok := <-events
		if !ok {
			d.disconnected(nil)
			return nil
		}
		d.handleEvent(ev)
	}
	return events
}

// hold pauses dispatch until the welcome banner or ResetHoldTime.
func (d *Dispatcher) hold() {
	if d.cfg.ResetHoldTime <= 0 {
		return
	}
	d.stopHold()
	d.holding.Store(true)
	d.holdTimer = time.NewTimer(d.cfg.ResetHoldTime)
	d.holdC = d.holdTimer.C
	d.updateReady()
}

func (d *Dispatcher) stopHold() {
	if d.holdTimer != nil {
		d.holdTimer.Stop()
	}
	d.holdTimer, d.holdC = nil, nil
}

// pump writes queued commands while the in-flight budget allows.
func (d *Dispatcher) pump(ctx context.Context) {
	for !d.holding.Load() && d.connected.Load() && ctx.Err() == nil {
		if !d.dispatchOne(ctx) {
			return
		}
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context) bool {
	d.opMx.Lock()
	cmd, ok := d.queue.DequeueIf(func(c *Command) bool { return d.tracker.HasRoom(c.size()) })
	if ok {
		d.tracker.Track(cmd, cmd.Timeout)
	}
	d.opMx.Unlock()
	if !ok {
		return false
	}

	// Only Run writes lines, and acks are read by Run too, so nothing can
	// settle cmd from the wire before Write returns.
	err := d.transport.Write(ctx, cmd.wire())
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrWriteFailed, err)
		if !d.tracker.Reject(cmd.ID, err) {
			// cleared or timed out while writing
			return true
		}
		d.statMx.Lock()
		d.stats.Errored++
		d.statMx.Unlock()
		commandsTotal.WithLabelValues("write_failed").Inc()
		d.logger.Printf("ERROR: write %q: %v", cmd.Payload, err)
		d.hub.Publish(EventCommandError, cmd.ID, commandError(cmd, err))
		d.updateGauges()
		return true
	}

	d.statMx.Lock()
	d.stats.Sent++
	d.statMx.Unlock()
	d.updateGauges()
	d.hub.Publish(EventCommandSent, cmd.ID, CommandEvent{Payload: cmd.Payload})
	return true
}

func (d *Dispatcher) expireQueued() {
	d.opMx.Lock()
	cmds := d.queue.RemoveOlderThan(d.cfg.MaxQueueAge)
	d.opMx.Unlock()
	if len(cmds) == 0 {
		return
	}

	err := fmt.Errorf("%w: queued longer than %s", ErrCommandTimeout, d.cfg.MaxQueueAge)
	for _, cmd := range cmds {
		cmd.future.settle(grbl.Response{}, err)
		d.hub.Publish(EventCommandError, cmd.ID, commandError(cmd, err))
	}
	d.statMx.Lock()
	d.stats.TimedOut += int64(len(cmds))
	d.statMx.Unlock()
	commandsTotal.WithLabelValues("timeout").Add(float64(len(cmds)))
	d.logger.Printf("ERROR: expired %d stale queued commands", len(cmds))
	d.updateGauges()
}

func (d *Dispatcher) softReset(ctx context.Context) error {
	if err := d.transport.Write(ctx, []byte{grbl.RealtimeSoftReset}); err != nil {
		return err
	}
	d.lineBuf = d.lineBuf[:0]
	d.hold()
	pending, _ := d.clear(ErrControllerReset, nil)
	d.logger.Printf("soft reset sent, %d in-flight commands dropped", pending)
	return nil
}

func (d *Dispatcher) handleEvent(ev transport.Event) {
	switch ev.Type {
	case transport.EventData:
		d.lastData.Store(time.Now().UnixNano())
		d.feed(ev.Data)
	case transport.EventConnect:
		d.logger.Println("transport connected")
		d.lineBuf = d.lineBuf[:0]
		d.connected.Store(true)
		// a serial open reboots most boards
		d.hold()
		d.updateReady()
		d.hub.Publish(EventConnect, "", nil)
	case transport.EventDisconnect:
		d.disconnected(ev.Err)
	case transport.EventError:
		d.logger.Println("ERROR: transport:", ev.Err)
		msg := ""
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		d.hub.Publish(EventTransportError, "", ClearEvent{Error: msg})
	}
}

func (d *Dispatcher) disconnected(cause error) {
	d.connected.Store(false)
	d.lineBuf = d.lineBuf[:0]
	d.stopHold()
	d.holding.Store(false)
	d.updateReady()
	pending, queued := d.clear(ErrDisconnected, ErrDisconnected)
	ev := ClearEvent{Pending: pending, Queued: queued}
	if cause != nil {
		ev.Error = cause.Error()
		d.logger.Printf("ERROR: transport disconnected: %v, rejected %d in-flight and %d queued commands", cause, pending, queued)
	} else {
		d.logger.Printf("transport disconnected, rejected %d in-flight and %d queued commands", pending, queued)
	}
	d.hub.Publish(EventDisconnect, "", ev)
}

// feed splits inbound bytes into lines.
func (d *Dispatcher) feed(data []byte) {
	d.lineBuf = append(d.lineBuf, data...)
	for {
		i := bytes.IndexByte(d.lineBuf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimSpace(string(d.lineBuf[:i]))
		d.lineBuf = append(d.lineBuf[:0], d.lineBuf[i+1:]...)
		if line != "" {
			d.handleLine(line)
		}
	}
	if len(d.lineBuf) > maxLineLength {
		d.logger.Printf("ERROR: discarding %d bytes without a line break", len(d.lineBuf))
		d.lineBuf = d.lineBuf[:0]
	}
}

func (d *Dispatcher) handleLine(line string) {
	resp, err := grbl.ParseResponse(line)
	if err != nil {
		d.logger.Println("ERROR: parse:", err)
	}

	switch {
	case resp.IsAck():
		d.acknowledge(resp)
		return
	case resp.Type == grbl.TypeAlarm:
		d.logger.Println("ERROR: controller alarm:", resp.Err())
		d.hub.Publish(EventAlarm, "", resp)
		if _, ok := d.tracker.Oldest(); ok {
			d.acknowledge(resp)
		}
		return
	case resp.Type == grbl.TypeStatus:
		d.stateMx.Lock()
		stat, err := grbl.ParseStatus(d.state, resp.Raw)
		if err == nil {
			d.state = *stat
		}
		d.stateMx.Unlock()
		if err != nil {
			d.logger.Println("ERROR: parse status:", err)
		}
	case resp.Type == grbl.TypeSetting && grbl.IsProbe(resp.Raw):
		prb, err := grbl.ParseProbe(resp.Raw)
		if err != nil {
			d.logger.Println("ERROR: parse probe:", err)
			break
		}
		d.stateMx.Lock()
		d.state.Probe = prb
		d.stateMx.Unlock()
	case resp.IsWelcome():
		d.controllerReset()
	}

	unsolicitedTotal.WithLabelValues(string(resp.Type)).Inc()
	d.hub.Publish(EventUnsolicitedData, "", resp)
}

// acknowledge settles the oldest in-flight command with resp.
func (d *Dispatcher) acknowledge(resp grbl.Response) {
	e, ok := d.tracker.Oldest()
	if !ok {
		d.logger.Printf("ERROR: %q received with nothing in flight", resp.Raw)
		unsolicitedTotal.WithLabelValues(string(resp.Type)).Inc()
		d.hub.Publish(EventUnsolicitedData, "", resp)
		return
	}
	if !d.tracker.Resolve(e.Command.ID, resp) {
		// its timeout fired first; the reply still belonged to it
		return
	}

	latency := time.Since(e.SentAt)
	responseSeconds.Observe(latency.Seconds())
	d.statMx.Lock()
	if resp.Type == grbl.TypeOK {
		d.stats.Completed++
	} else {
		d.stats.Errored++
	}
	d.acked++
	d.respTotal += latency
	d.stats.AvgResponseTime = d.respTotal / time.Duration(d.acked)
	d.statMx.Unlock()
	commandsTotal.WithLabelValues(string(resp.Type)).Inc()
	d.updateGauges()

	ev := CommandEvent{Payload: e.Command.Payload, Response: &resp, Latency: latency}
	if err := resp.Err(); err != nil {
		ev.Error = err.Error()
		d.hub.Publish(EventCommandError, e.Command.ID, ev)
	} else {
		d.hub.Publish(EventCommandResponse, e.Command.ID, ev)
	}
	d.kick()
}

// controllerReset handles the welcome banner: the controller restarted and
// dropped whatever was in flight.
func (d *Dispatcher) controllerReset() {
	held := d.holding.Swap(false)
	d.stopHold()
	d.updateReady()
	pending, _ := d.clear(ErrControllerReset, nil)
	if !held {
		d.logger.Printf("ERROR: unexpected controller reset, %d in-flight commands dropped", pending)
	}
	d.hub.Publish(EventControllerReset, "", ClearEvent{Pending: pending})
}
