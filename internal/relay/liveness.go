package relay

import (
	"context"
	"sync"
	"time"

	"github.com/adred-codev/telemetry-relay/internal/monitoring"
	"github.com/rs/zerolog"
)

// Liveness defaults
const (
	DefaultSweepInterval    = 30 * time.Second
	DefaultLivenessDeadline = 120 * time.Second
)

// SweepResult summarizes one liveness sweep
type SweepResult struct {
	Checked    int
	Probed     int
	Terminated int
}

// LivenessMonitor periodically probes every connection and terminates those
// with no inbound activity (frames or pongs) within the deadline.
type LivenessMonitor struct {
	registry  *Registry
	interval  time.Duration
	deadline  time.Duration
	terminate TerminateFunc
	logger    zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewLivenessMonitor creates a monitor. Zero durations use the defaults.
func NewLivenessMonitor(registry *Registry, interval, deadline time.Duration, terminate TerminateFunc, logger zerolog.Logger) *LivenessMonitor {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if deadline <= 0 {
		deadline = DefaultLivenessDeadline
	}
	return &LivenessMonitor{
		registry:  registry,
		interval:  interval,
		deadline:  deadline,
		terminate: terminate,
		logger:    logger.With().Str("component", "liveness").Logger(),
	}
}

// Start launches the sweep loop. Calling Start on a running monitor is a no-op.
func (m *LivenessMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.stopped = make(chan struct{})

	go m.run(ctx, m.stopped)

	m.logger.Info().
		Dur("sweep_interval", m.interval).
		Dur("deadline", m.deadline).
		Msg("Liveness monitor started")
}

// Stop halts the sweep loop and waits for it to exit. Safe to call when not running.
func (m *LivenessMonitor) Stop() {
	m.mu.Lock()
	cancel, stopped := m.cancel, m.stopped
	m.cancel, m.stopped = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

func (m *LivenessMonitor) run(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)
	defer monitoring.RecoverPanic(m.logger, "liveness_monitor", nil)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Sweep(now)
		}
	}
}

// Sweep checks every registered connection once against now.
// Dead or expired connections are terminated; the rest are sent a probe.
func (m *LivenessMonitor) Sweep(now time.Time) SweepResult {
	var res SweepResult
	for _, c := range m.registry.All() {
		res.Checked++

		idle := now.Sub(c.LastActivity())
		if !c.IsOpen() || idle > m.deadline {
			m.logger.Info().
				Str("conn_id", c.ID()).
				Str("client_type", string(c.Role())).
				Dur("idle", idle).
				Bool("open", c.IsOpen()).
				Msg("Terminating unresponsive connection")
			monitoring.IncrementLivenessTerminations()
			m.terminate(c, monitoring.DisconnectReasonLivenessDeadline)
			res.Terminated++
			continue
		}

		if c.Probe() {
			monitoring.IncrementLivenessProbes()
			res.Probed++
		}
	}

	if res.Terminated > 0 {
		m.logger.Info().
			Int("checked", res.Checked).
			Int("terminated", res.Terminated).
			Msg("Liveness sweep")
	}
	return res
}
