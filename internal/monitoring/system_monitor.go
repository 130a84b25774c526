package monitoring

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/adred-codev/telemetry-relay/internal/types"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemMetrics holds one sample of process resource usage
type SystemMetrics struct {
	CPUPercent       float64   // Process CPU usage since the previous sample
	MemoryBytes      uint64    // Process resident set size
	MemoryMB         float64   // MemoryBytes in MiB, as shown on /health
	HostMemoryTotal  uint64    // Host (or container view) total memory
	HostMemoryUsedPc float64   // Host memory used, percent
	Goroutines       int       // runtime.NumGoroutine at sample time
	Timestamp        time.Time // When the sample was taken
}

// SystemMonitor samples process CPU and memory on a fixed interval and
// publishes them to Stats (for /health) and Prometheus.
//
// It is the single source of these figures: the resource guard reads the
// CPU and memory it stored in Stats instead of measuring on every upgrade,
// so admission checks cost a lock and two field reads.
//
// Example:
//
//	monitor, err := NewSystemMonitor(stats, logger)
//	if err != nil {
//	    logger.Warn().Err(err).Msg("System monitor unavailable")
//	} else {
//	    monitor.Start(ctx, cfg.MetricsInterval)
//	    defer monitor.Stop()
//	}
type SystemMonitor struct {
	proc   *process.Process
	stats  *types.Stats // Receives every sample for /health and the resource guard
	logger zerolog.Logger

	// Latest sample (protected by mu)
	mu      sync.RWMutex
	metrics SystemMetrics

	// Lifecycle
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSystemMonitor creates a monitor for the current process
func NewSystemMonitor(stats *types.Stats, logger zerolog.Logger) (*SystemMonitor, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &SystemMonitor{
		proc:   proc,
		stats:  stats,
		logger: logger.With().Str("component", "system_monitor").Logger(),
	}, nil
}

// Start begins periodic sampling until ctx is cancelled or Stop is called
func (sm *SystemMonitor) Start(ctx context.Context, interval time.Duration) {
	ctx, sm.cancel = context.WithCancel(ctx)

	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		defer RecoverPanic(sm.logger, "systemMonitor", nil)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		sm.Sample()
		for {
			select {
			case <-ticker.C:
				sm.Sample()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts sampling and waits for the sampling goroutine
func (sm *SystemMonitor) Stop() {
	if sm.cancel != nil {
		sm.cancel()
	}
	sm.wg.Wait()
}

// Sample takes one measurement and publishes it
func (sm *SystemMonitor) Sample() SystemMetrics {
	m := SystemMetrics{
		Goroutines: runtime.NumGoroutine(),
		Timestamp:  time.Now(),
	}

	if cpu, err := sm.proc.Percent(0); err == nil {
		m.CPUPercent = cpu
	} else {
		sm.logger.Debug().Err(err).Msg("Failed to sample process CPU")
	}

	if info, err := sm.proc.MemoryInfo(); err == nil {
		m.MemoryBytes = info.RSS
		m.MemoryMB = float64(info.RSS) / 1024 / 1024
	} else {
		sm.logger.Debug().Err(err).Msg("Failed to sample process memory")
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		m.HostMemoryTotal = vm.Total
		m.HostMemoryUsedPc = vm.UsedPercent
	}

	sm.mu.Lock()
	sm.metrics = m
	sm.mu.Unlock()

	if sm.stats != nil {
		sm.stats.Mu.Lock()
		sm.stats.CPUPercent = m.CPUPercent
		sm.stats.MemoryMB = m.MemoryMB
		sm.stats.Mu.Unlock()
	}

	memoryUsageBytes.Set(float64(m.MemoryBytes))
	cpuUsagePercent.Set(m.CPUPercent)
	goroutinesActive.Set(float64(m.Goroutines))

	return m
}

// Metrics returns the most recent sample
func (sm *SystemMonitor) Metrics() SystemMetrics {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.metrics
}
