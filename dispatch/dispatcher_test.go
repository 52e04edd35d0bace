package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mastercactapus/grbllink/event"
	"github.com/mastercactapus/grbllink/grbl"
	"github.com/mastercactapus/grbllink/transport"
	"github.com/mastercactapus/grbllink/transport/transporttest"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CommandTimeout = 2 * time.Second
	cfg.ResetHoldTime = 0
	return cfg
}

func startDispatcher(t *testing.T, cfg Config) (*Dispatcher, *transporttest.Transport) {
	t.Helper()
	tr := transporttest.New()
	d := New(tr, cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return d, tr
}

func wait(t *testing.T, f *Future) (grbl.Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := f.Wait(ctx)
	require.NotEqual(t, context.DeadlineExceeded, err, "future never settled")
	return resp, err
}

func waitEvent(t *testing.T, ch <-chan event.Event, typ event.Type) event.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", typ)
			return event.Event{}
		}
	}
}

func TestDispatcher_Send(t *testing.T) {
	d, tr := startDispatcher(t, testConfig())
	tr.SetResponder(func(line string) []string {
		tr.ReplyAfter(5*time.Millisecond, "ok")
		return nil
	})

	resp, err := d.Send(context.Background(), "  G0 X10 ", Options{})
	require.NoError(t, err)
	assert.Equal(t, grbl.TypeOK, resp.Type)
	assert.Equal(t, []string{"G0 X10\n"}, tr.Writes())

	s := d.Status()
	assert.Equal(t, int64(1), s.Stats.Sent)
	assert.Equal(t, int64(1), s.Stats.Completed)
	assert.True(t, s.Stats.AvgResponseTime >= 5*time.Millisecond)
	assert.Equal(t, 0, s.InFlight)
}

func TestDispatcher_Timeout(t *testing.T) {
	d, tr := startDispatcher(t, testConfig())
	ch, cancel := d.Subscribe()
	defer cancel()

	start := time.Now()
	f, err := d.Submit("G4 P1", Options{Timeout: 100 * time.Millisecond})
	require.NoError(t, err)
	tr.WaitWrites(1, time.Second)

	_, err = wait(t, f)
	assert.True(t, errors.Is(err, ErrCommandTimeout))
	assert.Equal(t, "COMMAND_TIMEOUT", Code(err))
	assert.True(t, time.Since(start) >= 100*time.Millisecond)
	assert.False(t, d.tracker.IsPending(f.ID()))
	assert.Equal(t, int64(1), d.Status().Stats.TimedOut)

	ev := waitEvent(t, ch, EventCommandError)
	assert.Equal(t, f.ID(), ev.CommandID)
	assert.Equal(t, "COMMAND_TIMEOUT", ev.Data.(CommandEvent).Code)
}

// Replies are matched in send order: command i gets error:i.
func TestDispatcher_FIFO(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPendingCommands = 4
	d, tr := startDispatcher(t, cfg)
	tr.SetResponder(func(line string) []string {
		n := strings.TrimPrefix(strings.Fields(line)[0], "N")
		return []string{"error:" + n}
	})

	const n = 50
	futures := make([]*Future, n)
	for i := range futures {
		f, err := d.Submit(fmt.Sprintf("N%d G0 X%d", i, i), Options{})
		require.NoError(t, err)
		futures[i] = f
	}
	for i, f := range futures {
		resp, err := wait(t, f)
		require.NoError(t, err)
		assert.Equal(t, grbl.TypeError, resp.Type)
		assert.Equal(t, i, resp.Code)
	}

	writes := tr.Writes()
	require.Len(t, writes, n)
	for i, w := range writes {
		assert.Equal(t, "N"+strconv.Itoa(i), strings.Fields(w)[0])
	}
	assert.Equal(t, int64(n), d.Status().Stats.Errored)
}

func TestDispatcher_Backpressure(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPendingCommands = 3
	d, tr := startDispatcher(t, cfg)

	for i := 0; i < 10; i++ {
		_, err := d.Submit("G1 X1", Options{})
		require.NoError(t, err)
	}
	tr.WaitWrites(3, time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, tr.Writes(), 3)

	s := d.Status()
	assert.Equal(t, 3, s.InFlight)
	assert.Equal(t, 7, s.QueueDepth)
	assert.Equal(t, 1.0, s.Utilization)

	tr.Reply("ok")
	assert.Len(t, tr.WaitWrites(4, time.Second), 4)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, tr.Writes(), 4)
	assert.True(t, d.Status().InFlight <= 3)
}

func TestDispatcher_ByteBudget(t *testing.T) {
	cfg := testConfig()
	cfg.RxBufferSize = 16
	d, tr := startDispatcher(t, cfg)

	// 11 bytes each with the newline, so only one fits
	d.Submit("G1 X10 Y10", Options{})
	d.Submit("G1 X20 Y20", Options{})
	tr.WaitWrites(1, time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, tr.Writes(), 1)
	assert.Equal(t, 11, d.Status().InFlightBytes)

	tr.Reply("ok")
	assert.Len(t, tr.WaitWrites(2, time.Second), 2)

	_, err := d.Submit(strings.Repeat("X", 16), Options{})
	assert.True(t, errors.Is(err, ErrInvalidCommand))
}

func TestDispatcher_Disconnect(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPendingCommands = 2
	d, tr := startDispatcher(t, cfg)
	ch, cancel := d.Subscribe()
	defer cancel()

	var futures []*Future
	for i := 0; i < 5; i++ {
		f, err := d.Submit("G1 Y1", Options{})
		require.NoError(t, err)
		futures = append(futures, f)
	}
	tr.WaitWrites(2, time.Second)

	tr.Disconnect()
	for _, f := range futures {
		_, err := wait(t, f)
		assert.Equal(t, ErrDisconnected, err)
	}

	ev := waitEvent(t, ch, EventDisconnect)
	assert.Equal(t, ClearEvent{Pending: 2, Queued: 3}, ev.Data)

	s := d.Status()
	assert.Equal(t, 0, s.QueueDepth)
	assert.Equal(t, 0, s.InFlight)
	assert.False(t, s.Connected)
	assert.Equal(t, int64(5), s.Stats.Cancelled)

	_, err := d.Submit("G0", Options{})
	assert.Equal(t, ErrDisconnected, err)
}

func TestDispatcher_WriteFailed(t *testing.T) {
	d, tr := startDispatcher(t, testConfig())
	tr.SetWriteError(errors.New("port gone"))

	_, err := d.Send(context.Background(), "G0", Options{})
	assert.True(t, errors.Is(err, ErrWriteFailed))
	assert.Contains(t, err.Error(), "port gone")
	assert.Equal(t, 0, d.Status().InFlight)
	assert.Equal(t, int64(1), d.Status().Stats.Errored)

	// the loop keeps going
	tr.SetWriteError(nil)
	tr.SetResponder(transporttest.OK)
	resp, err := d.Send(context.Background(), "G0", Options{})
	require.NoError(t, err)
	assert.Equal(t, grbl.TypeOK, resp.Type)
}

func TestDispatcher_Alarm(t *testing.T) {
	d, tr := startDispatcher(t, testConfig())
	ch, cancel := d.Subscribe()
	defer cancel()

	f, err := d.Submit("G38.2 Z-10 F100", Options{})
	require.NoError(t, err)
	tr.WaitWrites(1, time.Second)
	tr.Reply("ALARM:5")

	resp, err := wait(t, f)
	require.NoError(t, err)
	assert.Equal(t, grbl.TypeAlarm, resp.Type)
	assert.Equal(t, 5, resp.Code)
	assert.Error(t, resp.Err())

	ev := waitEvent(t, ch, EventAlarm)
	assert.Equal(t, 5, ev.Data.(grbl.Response).Code)

	// with nothing pending it is still broadcast
	tr.Reply("ALARM:1")
	ev = waitEvent(t, ch, EventAlarm)
	assert.Equal(t, 1, ev.Data.(grbl.Response).Code)
}

func TestDispatcher_Unsolicited(t *testing.T) {
	d, tr := startDispatcher(t, testConfig())
	ch, cancel := d.Subscribe()
	defer cancel()

	f, err := d.Submit("$G", Options{})
	require.NoError(t, err)
	tr.WaitWrites(1, time.Second)

	// split across reads, with a status report in the middle
	tr.Emit(transport.Event{Type: transport.EventData, Data: []byte("<Idle|MPos:1.000,2.000,3.000|FS:0,0>\r\n[GC:G0 G54")})
	tr.Emit(transport.Event{Type: transport.EventData, Data: []byte(" G17]\r\nok\r\n")})

	resp, err := wait(t, f)
	require.NoError(t, err)
	assert.Equal(t, grbl.TypeOK, resp.Type)

	ev := waitEvent(t, ch, EventUnsolicitedData)
	assert.Equal(t, grbl.TypeStatus, ev.Data.(grbl.Response).Type)
	ev = waitEvent(t, ch, EventUnsolicitedData)
	assert.Equal(t, "[GC:G0 G54 G17]", ev.Data.(grbl.Response).Raw)

	assert.Equal(t, grbl.Position{X: 1, Y: 2, Z: 3}, d.MachineState().MPos)
	assert.False(t, d.LastDataAt().IsZero())
}

func TestDispatcher_MalformedLineIsInfo(t *testing.T) {
	d, tr := startDispatcher(t, testConfig())
	ch, cancel := d.Subscribe()
	defer cancel()

	tr.Reply("error: Bad number format")
	ev := waitEvent(t, ch, EventUnsolicitedData)
	assert.Equal(t, grbl.TypeInfo, ev.Data.(grbl.Response).Type)
	assert.Equal(t, 0, d.Status().InFlight)
}

func TestDispatcher_ControllerResetBanner(t *testing.T) {
	d, tr := startDispatcher(t, testConfig())

	a, _ := d.Submit("G1 X1", Options{})
	b, _ := d.Submit("G1 X2", Options{})
	tr.WaitWrites(2, time.Second)
	tr.Reply(transporttest.Banner)

	for _, f := range []*Future{a, b} {
		_, err := wait(t, f)
		assert.Equal(t, ErrControllerReset, err)
		assert.True(t, errors.Is(err, ErrCommandCancelled))
	}
}

func TestDispatcher_SoftReset(t *testing.T) {
	cfg := testConfig()
	cfg.ResetHoldTime = time.Second
	d, tr := startDispatcher(t, cfg)
	tr.SetResponder(transporttest.Controller)

	require.NoError(t, d.SoftReset(context.Background()))
	assert.Equal(t, "\x18", tr.Writes()[0])

	// the banner ends the hold well before ResetHoldTime
	start := time.Now()
	resp, err := d.Send(context.Background(), "$X", Options{})
	require.NoError(t, err)
	assert.Equal(t, grbl.TypeOK, resp.Type)
	assert.True(t, time.Since(start) < time.Second)
}

func TestDispatcher_SoftResetHold(t *testing.T) {
	cfg := testConfig()
	cfg.ResetHoldTime = 100 * time.Millisecond
	d, tr := startDispatcher(t, cfg)

	// written but never acknowledged
	pending, _ := d.Submit("G4 P5", Options{})
	tr.WaitWrites(1, time.Second)

	require.NoError(t, d.Realtime(context.Background(), grbl.RealtimeSoftReset))
	_, err := wait(t, pending)
	assert.Equal(t, ErrControllerReset, err)

	tr.SetResponder(transporttest.OK)
	f, err := d.Submit("$X", Options{})
	require.NoError(t, err)
	time.Sleep(40 * time.Millisecond)
	assert.Len(t, tr.Writes(), 2, "held until banner or ResetHoldTime")
	assert.True(t, d.Status().Holding)

	resp, err := wait(t, f)
	require.NoError(t, err)
	assert.Equal(t, grbl.TypeOK, resp.Type)
	assert.False(t, d.Status().Holding)
}

func TestDispatcher_Realtime(t *testing.T) {
	d, tr := startDispatcher(t, testConfig())
	require.NoError(t, d.Realtime(context.Background(), grbl.RealtimeFeedHold))
	assert.Equal(t, []string{"!"}, tr.Writes())
	assert.Equal(t, 0, d.Status().InFlight)
}

func TestDispatcher_StatusPoll(t *testing.T) {
	cfg := testConfig()
	cfg.StatusPollInterval = 10 * time.Millisecond
	_, tr := startDispatcher(t, cfg)

	w := tr.WaitWrites(2, time.Second)
	require.True(t, len(w) >= 2)
	assert.Equal(t, "?", w[0])
}

func TestDispatcher_QueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueueSize = 2
	cfg.MaxPendingCommands = 1
	d, tr := startDispatcher(t, cfg)

	_, err := d.Submit("G0 X1", Options{})
	require.NoError(t, err)
	tr.WaitWrites(1, time.Second)

	_, err = d.Submit("G0 X2", Options{})
	require.NoError(t, err)
	_, err = d.Submit("G0 X3", Options{})
	require.NoError(t, err)
	_, err = d.Submit("G0 X4", Options{})
	assert.Equal(t, ErrQueueFull, err)
	assert.Equal(t, "QUEUE_FULL", Code(err))
	assert.Equal(t, int64(1), d.Status().Stats.Rejected)
}

func TestDispatcher_InvalidCommand(t *testing.T) {
	d, _ := startDispatcher(t, testConfig())
	for _, line := range []string{"", "   ", "G0\nG1"} {
		_, err := d.Submit(line, Options{})
		assert.True(t, errors.Is(err, ErrInvalidCommand), "%q", line)
	}
}

func TestDispatcher_QueueExpiry(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPendingCommands = 1
	cfg.MaxQueueAge = 40 * time.Millisecond
	d, tr := startDispatcher(t, cfg)

	first, _ := d.Submit("G4 P10", Options{})
	tr.WaitWrites(1, time.Second)
	stuck, _ := d.Submit("G0 X1", Options{})

	_, err := wait(t, stuck)
	assert.True(t, errors.Is(err, ErrCommandTimeout))
	assert.True(t, d.tracker.IsPending(first.ID()))
}

func TestDispatcher_ClearAll(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPendingCommands = 1
	d, tr := startDispatcher(t, cfg)

	a, _ := d.Submit("G0 X1", Options{})
	tr.WaitWrites(1, time.Second)
	b, _ := d.Submit("G0 X2", Options{})

	assert.Equal(t, 2, d.ClearAll())
	for _, f := range []*Future{a, b} {
		_, err := wait(t, f)
		assert.Equal(t, ErrCommandCancelled, err)
	}
	assert.Equal(t, 0, d.Status().QueueDepth)
	assert.Equal(t, 0, d.Status().InFlight)
}

func TestDispatcher_StopRejectsOutstanding(t *testing.T) {
	tr := transporttest.New()
	d := New(tr, testConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- d.Run(ctx) }()

	f, err := d.Submit("G0", Options{})
	require.NoError(t, err)
	tr.WaitWrites(1, time.Second)
	cancel()
	assert.Equal(t, context.Canceled, <-done)

	_, err = wait(t, f)
	assert.Equal(t, ErrCommandCancelled, err)
}

// Randomized submit/reply/disconnect traffic must leave no future unsettled
// and never exceed either budget.
func TestDispatcher_NoLeakedFutures(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueueSize = 20
	cfg.MaxPendingCommands = 4
	cfg.CommandTimeout = 50 * time.Millisecond
	d, tr := startDispatcher(t, cfg)

	var futures []*Future
	for i := 0; i < 2000; i++ {
		switch i % 7 {
		case 0, 1, 2, 3:
			if f, err := d.Submit("G1 X1", Options{}); err == nil {
				futures = append(futures, f)
			}
		case 4, 5:
			tr.Reply("ok")
		case 6:
			if i%91 == 6 {
				tr.Disconnect()
				tr.Reconnect(context.Background(), "", 0)
			}
		}
		s := d.Status()
		require.True(t, s.QueueDepth <= cfg.MaxQueueSize)
		require.True(t, s.InFlight <= cfg.MaxPendingCommands)
	}
	d.ClearAll()

	for _, f := range futures {
		wait(t, f)
	}
}

func TestDispatcher_ProbeResult(t *testing.T) {
	d, tr := startDispatcher(t, testConfig())
	tr.SetResponder(func(line string) []string {
		return []string{"[PRB:1.000,2.000,-4.250:1]", "ok"}
	})

	_, err := d.Send(context.Background(), "G38.2 Z-10 F50", Options{})
	require.NoError(t, err)
	prb := d.MachineState().Probe
	require.NotNil(t, prb)
	assert.True(t, prb.Valid)
	assert.Equal(t, grbl.Position{X: 1, Y: 2, Z: -4.25}, prb.Position)
}

// A disconnect the loop has not handled yet must not let a command reach
// the new link and then be rejected as lost.
func TestDispatcher_StaleDisconnect(t *testing.T) {
	tr := transporttest.New()
	d := New(tr, testConfig(), nil)

	tr.Disconnect()
	require.NoError(t, tr.Reconnect(context.Background(), "", 0))
	f, err := d.Submit("G0 X1", Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	_, err = wait(t, f)
	assert.Equal(t, ErrDisconnected, err)
	assert.Empty(t, tr.Writes(), "rejected as disconnected yet written")

	tr.SetResponder(transporttest.OK)
	resp, err := d.Send(context.Background(), "G0 X2", Options{})
	require.NoError(t, err)
	assert.Equal(t, grbl.TypeOK, resp.Type)
	assert.Equal(t, []string{"G0 X2\n"}, tr.Writes())
}

func TestDispatcher_DisconnectCause(t *testing.T) {
	d, tr := startDispatcher(t, testConfig())
	ch, cancel := d.Subscribe()
	defer cancel()

	tr.Emit(transport.Event{Type: transport.EventDisconnect, Err: errors.New("input/output error")})
	ev := waitEvent(t, ch, EventDisconnect)
	assert.Equal(t, "input/output error", ev.Data.(ClearEvent).Error)
	assert.False(t, d.Status().Connected)
}

func TestDispatcher_ConnectHold(t *testing.T) {
	cfg := testConfig()
	cfg.ResetHoldTime = time.Second
	d, tr := startDispatcher(t, cfg)
	tr.SetResponder(transporttest.OK)

	tr.Disconnect()
	require.Eventually(t, func() bool { return !d.Status().Connected }, time.Second, time.Millisecond)
	require.NoError(t, tr.Reconnect(context.Background(), "", 0))
	require.Eventually(t, func() bool { return d.Status().Connected }, time.Second, time.Millisecond)

	ready := make(chan error, 1)
	go func() { ready <- d.WaitReady(context.Background()) }()

	f, err := d.Submit("$G", Options{})
	require.NoError(t, err)
	time.Sleep(40 * time.Millisecond)
	assert.Empty(t, tr.Writes(), "held until the board finishes booting")
	assert.True(t, d.Status().Holding)
	assert.Len(t, ready, 0)

	tr.Reply(transporttest.Banner)
	assert.NoError(t, <-ready)
	resp, err := wait(t, f)
	require.NoError(t, err)
	assert.Equal(t, grbl.TypeOK, resp.Type)
	assert.False(t, d.Status().Holding)
}

func TestDispatcher_WaitReady(t *testing.T) {
	cfg := testConfig()
	cfg.ResetHoldTime = 50 * time.Millisecond
	d, tr := startDispatcher(t, cfg)

	require.NoError(t, d.WaitReady(context.Background()))

	// no banner: ready again once the hold runs out
	require.NoError(t, d.SoftReset(context.Background()))
	start := time.Now()
	require.NoError(t, d.WaitReady(context.Background()))
	assert.True(t, time.Since(start) >= 30*time.Millisecond)

	tr.Disconnect()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.Eventually(t, func() bool { return !d.Status().Connected }, time.Second, time.Millisecond)
	assert.Equal(t, context.DeadlineExceeded, d.WaitReady(ctx))
}

type slowTransport struct {
	*transporttest.Transport
	started chan struct{}
	release chan struct{}
}

func (s *slowTransport) Write(ctx context.Context, p []byte) error {
	if strings.HasSuffix(string(p), "\n") {
		s.started <- struct{}{}
		<-s.release
	}
	return s.Transport.Write(ctx, p)
}

// Submit and ClearAll must not wait behind a write that is slow to finish.
func TestDispatcher_SlowWrite(t *testing.T) {
	tr := &slowTransport{
		Transport: transporttest.New(),
		started:   make(chan struct{}, 1),
		release:   make(chan struct{}),
	}
	d := New(tr, testConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	a, err := d.Submit("G0 X1", Options{})
	require.NoError(t, err)
	<-tr.started

	done := make(chan int, 1)
	go func() {
		_, err := d.Submit("G0 X2", Options{})
		assert.NoError(t, err)
		done <- d.ClearAll()
	}()
	select {
	case n := <-done:
		assert.Equal(t, 2, n)
	case <-time.After(time.Second):
		t.Fatal("blocked behind a pending write")
	}
	_, err = wait(t, a)
	assert.Equal(t, ErrCommandCancelled, err)

	close(tr.release)
	require.Eventually(t, func() bool { return len(tr.Writes()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, d.Status().InFlight)
}
