// Package health watches a dispatcher's connection with periodic probes and
// drives a bounded recovery when it goes bad.
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mastercactapus/grbllink/dispatch"
	"github.com/mastercactapus/grbllink/event"
	"github.com/mastercactapus/grbllink/grbl"
)

const (
	EventHealthDegraded     event.Type = "healthDegraded"
	EventHealthRestored     event.Type = "healthRestored"
	EventRecoveryStarted    event.Type = "recoveryStarted"
	EventRecoverySuccessful event.Type = "recoverySuccessful"
	EventRecoveryFailed     event.Type = "recoveryFailed"
	EventLatencyWarning     event.Type = "latencyWarning"
	EventLatencyCritical    event.Type = "latencyCritical"
	EventDataStale          event.Type = "dataStale"
)

var (
	ErrRecoveryInProgress = errors.New("recovery already in progress")
	ErrRecoveryFailed     = errors.New("recovery failed")
)

// Details is the payload of every health event; only the fields relevant to
// the event are set.
type Details struct {
	ConsecutiveFailures int           `json:"consecutiveFailures,omitempty"`
	Attempts            int           `json:"attempts,omitempty"`
	Latency             time.Duration `json:"latency,omitempty"`
	Threshold           time.Duration `json:"threshold,omitempty"`
	LastDataAt          time.Time     `json:"lastDataAt,omitempty"`
	Reason              string        `json:"reason,omitempty"`
}

// Prober is the part of *dispatch.Dispatcher the Monitor uses.
type Prober interface {
	Send(ctx context.Context, line string, opts dispatch.Options) (grbl.Response, error)
	SoftReset(ctx context.Context) error
	WaitReady(ctx context.Context) error
	LastDataAt() time.Time
	Subscribe() (<-chan event.Event, func())
}

// Connector is the part of transport.Transport the Monitor uses to
// reconnect.
type Connector interface {
	Connected() bool
	Reconnect(ctx context.Context, port string, baud int) error
}

// State is a snapshot of connection health.
type State struct {
	Healthy             bool      `json:"healthy"`
	Recovering          bool      `json:"recovering"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastSuccessAt       time.Time `json:"lastSuccessAt"`
	LastDataAt          time.Time `json:"lastDataAt"`
	StabilityScore      float64   `json:"stabilityScore"`
}

// Metrics are cumulative since the Monitor started or ResetMetrics.
type Metrics struct {
	State

	Checks           int64 `json:"checks"`
	FailedChecks     int64 `json:"failedChecks"`
	Disconnections   int64 `json:"disconnections"`
	Recoveries       int64 `json:"recoveries"`
	FailedRecoveries int64 `json:"failedRecoveries"`

	LatencySamples int           `json:"latencySamples"`
	LatencyAvg     time.Duration `json:"latencyAvg"`
	LatencyMin     time.Duration `json:"latencyMin"`
	LatencyMax     time.Duration `json:"latencyMax"`
}

// Monitor probes a Dispatcher on an interval and keeps the HealthState.
//
// Healthy turns false once MaxConsecutiveFailures probes or transport
// failures happen in a row, and back to true on the next successful probe.
type Monitor struct {
	cfg    Config
	d      Prober
	conn   Connector
	logger *log.Logger
	hub    *event.Hub

	recovering atomic.Bool
	checking   atomic.Bool
	wg         sync.WaitGroup

	mx                  sync.Mutex
	healthy             bool
	consecutiveFailures int
	lastSuccessAt       time.Time
	startedAt           time.Time
	stale               bool
	checks              int64
	failedChecks        int64
	disconnections      int64
	recoveries          int64
	failedRecoveries    int64
	latency             *LatencyWindow
}

// New creates a Monitor for d, reconnecting through conn during recovery.
func New(d Prober, conn Connector, cfg Config, logger *log.Logger) *Monitor {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	healthyGauge.Set(1)
	stabilityGauge.Set(100)
	return &Monitor{
		cfg:       cfg,
		d:         d,
		conn:      conn,
		logger:    logger,
		hub:       event.NewHub(100, 64),
		healthy:   true,
		startedAt: time.Now(),
		latency:   NewLatencyWindow(cfg.LatencyWindowSize),
	}
}

func (m *Monitor) Subscribe() (<-chan event.Event, func()) { return m.hub.Subscribe() }

// Hub exposes the event hub for replaying recent events.
func (m *Monitor) Hub() *event.Hub { return m.hub }

// Run checks health every HealthCheckInterval and follows dispatcher
// connection events until ctx is done. A recovery in progress is waited
// for before returning.
func (m *Monitor) Run(ctx context.Context) error {
	events, cancel := m.d.Subscribe()
	defer cancel()
	defer m.wg.Wait()

	m.mx.Lock()
	m.startedAt = time.Now()
	m.mx.Unlock()

	t := time.NewTicker(m.cfg.HealthCheckInterval)
	defer t.Stop()

	m.logger.Println("health monitor started")
	defer m.logger.Println("health monitor stopped")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				m.Check(ctx)
			}()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			m.observe(ctx, ev)
		}
	}
}

func (m *Monitor) observe(ctx context.Context, ev event.Event) {
	switch ev.Type {
	case dispatch.EventDisconnect:
		m.mx.Lock()
		m.disconnections++
		m.mx.Unlock()
		disconnectionsTotal.Inc()
		reason := "transport disconnected"
		if ce, ok := ev.Data.(dispatch.ClearEvent); ok && ce.Error != "" {
			reason += ": " + ce.Error
		}
		m.fail(ctx, reason, false)
	case dispatch.EventTransportError:
		reason := "transport error"
		if ce, ok := ev.Data.(dispatch.ClearEvent); ok && ce.Error != "" {
			reason += ": " + ce.Error
		}
		m.fail(ctx, reason, false)
	}
}

// Check runs one probe and the staleness check. It does nothing while a
// recovery or another check is running, and reports whether it ran.
func (m *Monitor) Check(ctx context.Context) bool {
	if m.recovering.Load() {
		return false
	}
	if !m.checking.CompareAndSwap(false, true) {
		return false
	}
	defer m.checking.Store(false)

	m.checkStale()

	latency, err := m.probe(ctx)
	if ctx.Err() != nil {
		return true
	}
	if err != nil {
		m.logger.Println("ERROR: health probe:", err)
		m.fail(ctx, err.Error(), true)
		return true
	}
	m.succeed(latency, true)
	return true
}

func (m *Monitor) probe(ctx context.Context) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.PingTimeout)
	defer cancel()

	start := time.Now()
	_, err := m.d.Send(ctx, m.cfg.ProbeCommand, dispatch.Options{Timeout: m.cfg.PingTimeout})
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("no reply within %s", m.cfg.PingTimeout)
	}
	return time.Since(start), err
}

func (m *Monitor) checkStale() {
	if m.cfg.DataStaleThreshold <= 0 {
		return
	}
	last := m.d.LastDataAt()

	m.mx.Lock()
	since := last
	if since.IsZero() {
		since = m.startedAt
	}
	stale := time.Since(since) > m.cfg.DataStaleThreshold
	fire := stale && !m.stale
	m.stale = stale
	m.mx.Unlock()

	if fire {
		m.logger.Printf("ERROR: no data from controller for %s", time.Since(since).Round(time.Millisecond))
		m.hub.Publish(EventDataStale, "", Details{LastDataAt: last, Threshold: m.cfg.DataStaleThreshold})
	}
}

func (m *Monitor) succeed(latency time.Duration, check bool) {
	m.mx.Lock()
	if check {
		m.checks++
	}
	m.consecutiveFailures = 0
	m.lastSuccessAt = time.Now()
	m.latency.Add(latency)
	restored := !m.healthy
	m.healthy = true
	m.mx.Unlock()

	checksTotal.WithLabelValues("ok").Inc()
	probeSeconds.Observe(latency.Seconds())
	healthyGauge.Set(1)
	m.updateScore()

	switch {
	case m.cfg.CriticalLatencyThreshold > 0 && latency > m.cfg.CriticalLatencyThreshold:
		m.hub.Publish(EventLatencyCritical, "", Details{Latency: latency, Threshold: m.cfg.CriticalLatencyThreshold})
	case m.cfg.WarningLatencyThreshold > 0 && latency > m.cfg.WarningLatencyThreshold:
		m.hub.Publish(EventLatencyWarning, "", Details{Latency: latency, Threshold: m.cfg.WarningLatencyThreshold})
	}
	if restored {
		m.logger.Println("connection healthy again")
		m.hub.Publish(EventHealthRestored, "", Details{Latency: latency})
	}
}

// fail counts a failed probe (check) or transport failure.
func (m *Monitor) fail(ctx context.Context, reason string, check bool) {
	m.mx.Lock()
	if check {
		m.checks++
		m.failedChecks++
	}
	m.consecutiveFailures++
	n := m.consecutiveFailures
	degraded := m.healthy && n >= m.cfg.MaxConsecutiveFailures
	if degraded {
		m.healthy = false
	}
	m.mx.Unlock()

	if check {
		checksTotal.WithLabelValues("failed").Inc()
	}
	m.updateScore()
	if !degraded {
		return
	}

	healthyGauge.Set(0)
	m.logger.Printf("ERROR: connection unhealthy after %d consecutive failures: %s", n, reason)
	m.hub.Publish(EventHealthDegraded, "", Details{ConsecutiveFailures: n, Reason: reason})
	if !m.cfg.EnableAutoRecovery {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.Recover(ctx); err != nil && !errors.Is(err, ErrRecoveryInProgress) {
			m.logger.Println("ERROR:", err)
		}
	}()
}

// Recover runs the recovery procedure: up to RecoveryAttempts rounds of
// reconnect (or soft reset, if still connected) followed by a probe, with
// RecoveryDelay between rounds. Only one recovery runs at a time.
func (m *Monitor) Recover(ctx context.Context) error {
	if !m.recovering.CompareAndSwap(false, true) {
		return ErrRecoveryInProgress
	}
	defer m.recovering.Store(false)

	m.logger.Println("starting recovery")
	m.hub.Publish(EventRecoveryStarted, "", Details{})

	var lastErr error
	attempts := 0
	for attempts < m.cfg.RecoveryAttempts {
		if attempts > 0 {
			t := time.NewTimer(m.cfg.RecoveryDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		attempts++

		latency, err := m.attempt(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			lastErr = err
			m.logger.Printf("ERROR: recovery attempt %d/%d: %v", attempts, m.cfg.RecoveryAttempts, err)
			continue
		}

		m.mx.Lock()
		m.recoveries++
		m.mx.Unlock()
		recoveriesTotal.WithLabelValues("success").Inc()
		m.logger.Printf("recovered after %d attempts", attempts)
		m.hub.Publish(EventRecoverySuccessful, "", Details{Attempts: attempts, Latency: latency})
		m.succeed(latency, false)
		return nil
	}

	m.mx.Lock()
	m.failedRecoveries++
	m.healthy = false
	m.mx.Unlock()
	healthyGauge.Set(0)
	recoveriesTotal.WithLabelValues("failed").Inc()

	d := Details{Attempts: attempts}
	if lastErr != nil {
		d.Reason = lastErr.Error()
	}
	m.hub.Publish(EventRecoveryFailed, "", d)
	m.updateScore()
	return fmt.Errorf("%w after %d attempts: %v", ErrRecoveryFailed, attempts, lastErr)
}

func (m *Monitor) attempt(ctx context.Context) (time.Duration, error) {
	if !m.conn.Connected() {
		if err := m.conn.Reconnect(ctx, m.cfg.Port, m.cfg.Baud); err != nil {
			return 0, fmt.Errorf("reconnect: %w", err)
		}
	} else {
		rctx, cancel := context.WithTimeout(ctx, m.cfg.PingTimeout)
		err := m.d.SoftReset(rctx)
		cancel()
		if err != nil {
			return 0, fmt.Errorf("soft reset: %w", err)
		}
	}

	// the controller reboots on reset and usually on reconnect
	rctx, cancel := context.WithTimeout(ctx, m.cfg.ReadyTimeout)
	err := m.d.WaitReady(rctx)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("controller not ready: %w", err)
	}

	latency, err := m.probe(ctx)
	if err != nil {
		return 0, fmt.Errorf("probe: %w", err)
	}
	return latency, nil
}

// stabilityScore is advisory and never drives state changes. Caller holds mx.
func (m *Monitor) stabilityScore() float64 {
	score := 100.0
	score -= float64(min(m.disconnections*10, 50))
	if m.checks > 0 {
		score -= float64(m.failedChecks) / float64(m.checks) * 100
	}
	avg := m.latency.Average()
	if m.cfg.WarningLatencyThreshold > 0 && avg > m.cfg.WarningLatencyThreshold {
		score -= 10
	}
	if m.cfg.CriticalLatencyThreshold > 0 && avg > m.cfg.CriticalLatencyThreshold {
		score -= 20
	}
	return max(score, 0)
}

func (m *Monitor) updateScore() {
	m.mx.Lock()
	s := m.stabilityScore()
	m.mx.Unlock()
	stabilityGauge.Set(s)
}

func (m *Monitor) State() State {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.state()
}

func (m *Monitor) state() State {
	return State{
		Healthy:             m.healthy,
		Recovering:          m.recovering.Load(),
		ConsecutiveFailures: m.consecutiveFailures,
		LastSuccessAt:       m.lastSuccessAt,
		LastDataAt:          m.d.LastDataAt(),
		StabilityScore:      m.stabilityScore(),
	}
}

func (m *Monitor) Metrics() Metrics {
	m.mx.Lock()
	defer m.mx.Unlock()
	return Metrics{
		State:            m.state(),
		Checks:           m.checks,
		FailedChecks:     m.failedChecks,
		Disconnections:   m.disconnections,
		Recoveries:       m.recoveries,
		FailedRecoveries: m.failedRecoveries,
		LatencySamples:   m.latency.Len(),
		LatencyAvg:       m.latency.Average(),
		LatencyMin:       m.latency.Min(),
		LatencyMax:       m.latency.Max(),
	}
}

// ResetMetrics starts a fresh HealthState: healthy, no failures, empty
// latency window and zeroed counters.
func (m *Monitor) ResetMetrics() {
	m.mx.Lock()
	m.healthy = true
	m.consecutiveFailures = 0
	m.lastSuccessAt = time.Time{}
	m.startedAt = time.Now()
	m.stale = false
	m.checks, m.failedChecks = 0, 0
	m.disconnections = 0
	m.recoveries, m.failedRecoveries = 0, 0
	m.latency.Reset()
	m.mx.Unlock()

	healthyGauge.Set(1)
	stabilityGauge.Set(100)
	m.logger.Println("health metrics reset")
}
