package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mastercactapus/grbllink/dispatch"
	"github.com/mastercactapus/grbllink/transport/transporttest"
)

func TestMonitor_WithDispatcher(t *testing.T) {
	tr := transporttest.New()
	tr.SetResponder(transporttest.Controller)

	dcfg := dispatch.DefaultConfig()
	dcfg.ResetHoldTime = 50 * time.Millisecond
	d := dispatch.New(tr, dcfg, nil)

	cfg := testConfig()
	cfg.EnableAutoRecovery = true
	cfg.RecoveryAttempts = 2
	cfg.PingTimeout = 50 * time.Millisecond
	m := New(d, tr, cfg, nil)
	ch := collect(t, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	require.True(t, m.Check(ctx))
	assert.True(t, m.State().Healthy)
	assert.False(t, m.State().LastDataAt.IsZero())

	// controller goes silent
	tr.SetResponder(nil)
	for i := 0; i < 3; i++ {
		m.Check(ctx)
	}
	expectEvent(t, ch, EventHealthDegraded)
	ev := expectEvent(t, ch, EventRecoveryFailed)
	assert.Equal(t, 2, ev.Data.(Details).Attempts)
	m.wg.Wait()
	assert.False(t, m.State().Healthy)

	// manual intervention once it answers again
	tr.SetResponder(transporttest.Controller)
	require.NoError(t, m.Recover(ctx))
	assert.True(t, m.State().Healthy)
	assert.Contains(t, tr.Writes(), "\x18")
	assert.Contains(t, tr.Writes(), "$G\n")
}

func TestMonitor_ReconnectsDroppedLink(t *testing.T) {
	tr := transporttest.New()
	tr.SetResponder(transporttest.Controller)
	tr.SetBootBanner(true)
	d := dispatch.New(tr, dispatch.DefaultConfig(), nil)

	cfg := testConfig()
	cfg.Port, cfg.Baud = "/dev/ttyACM0", 115200
	m := New(d, tr, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	tr.Disconnect()
	require.Eventually(t, func() bool { return !d.Status().Connected }, time.Second, time.Millisecond)

	// the board reboots on open; dispatch holds for its banner
	require.NoError(t, m.Recover(ctx))
	assert.Equal(t, 1, tr.Reconnects())
	assert.True(t, d.Status().Connected)
	assert.False(t, d.Status().Holding)
	assert.Contains(t, tr.Writes(), "$G\n")
}
