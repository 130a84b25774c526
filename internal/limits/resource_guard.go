package limits

import (
	"fmt"
	"runtime"

	"github.com/adred-codev/telemetry-relay/internal/monitoring"
	"github.com/adred-codev/telemetry-relay/internal/types"
	"github.com/rs/zerolog"
)

// memoryRejectRatio is the share of the memory limit above which new
// connections are refused
const memoryRejectRatio = 0.9

// ResourceGuardConfig holds the emergency brake thresholds. Zero disables a check.
type ResourceGuardConfig struct {
	// Reject new connections while process CPU is above this percent (0-100)
	CPURejectThreshold float64

	// Reject new connections while more goroutines than this are running.
	// Each connection runs two pumps, so this is roughly 2x the connection
	// ceiling plus background tasks.
	MaxGoroutines int

	// Container memory limit in bytes. New connections are rejected above
	// 90% of it.
	MemoryLimit int64
}

// ResourceGuard refuses new connections while the process is under resource
// pressure. The connection ceiling itself is enforced by the server's
// semaphore; the guard covers what a count cannot see.
//
// CPU and memory are read from Stats, which the system monitor refreshes.
type ResourceGuard struct {
	config ResourceGuardConfig
	stats  *types.Stats
	logger zerolog.Logger

	numGoroutine func() int
}

// NewResourceGuard returns nil when every check is disabled
func NewResourceGuard(config ResourceGuardConfig, stats *types.Stats, logger zerolog.Logger) *ResourceGuard {
	if config.CPURejectThreshold <= 0 && config.MaxGoroutines <= 0 && config.MemoryLimit <= 0 {
		return nil
	}
	return &ResourceGuard{
		config:       config,
		stats:        stats,
		logger:       logger.With().Str("component", "resource_guard").Logger(),
		numGoroutine: runtime.NumGoroutine,
	}
}

// ShouldAcceptConnection runs the checks in order: CPU, memory, goroutines.
// The first failing check decides, and its reason is returned for logging.
// A nil guard accepts everything.
//
// Each rejection increments relay_capacity_rejections_total with the reason
// "cpu_overload", "memory_limit" or "goroutine_limit".
//
// Example:
//
//	if accept, reason := guard.ShouldAcceptConnection(); !accept {
//	    logger.Warn().Str("reason", reason).Msg("Connection rejected")
//	    http.Error(w, "Server overloaded", http.StatusServiceUnavailable)
//	    return
//	}
func (rg *ResourceGuard) ShouldAcceptConnection() (accept bool, reason string) {
	if rg == nil {
		return true, ""
	}

	rg.stats.Mu.RLock()
	cpuPercent := rg.stats.CPUPercent
	memoryMB := rg.stats.MemoryMB
	rg.stats.Mu.RUnlock()

	if rg.config.CPURejectThreshold > 0 && cpuPercent > rg.config.CPURejectThreshold {
		monitoring.IncrementCapacityRejection("cpu_overload")
		rg.logger.Debug().
			Float64("current_cpu", cpuPercent).
			Float64("threshold", rg.config.CPURejectThreshold).
			Msg("Connection rejected: CPU overload")
		return false, fmt.Sprintf("CPU %.1f%% > %.1f%%", cpuPercent, rg.config.CPURejectThreshold)
	}

	if rg.config.MemoryLimit > 0 {
		limitMB := float64(rg.config.MemoryLimit) / (1024 * 1024)
		if memoryMB > limitMB*memoryRejectRatio {
			monitoring.IncrementCapacityRejection("memory_limit")
			rg.logger.Debug().
				Float64("memory_mb", memoryMB).
				Float64("limit_mb", limitMB).
				Msg("Connection rejected: memory limit")
			return false, "memory limit exceeded"
		}
	}

	if rg.config.MaxGoroutines > 0 {
		if n := rg.numGoroutine(); n > rg.config.MaxGoroutines {
			monitoring.IncrementCapacityRejection("goroutine_limit")
			rg.logger.Debug().
				Int("current_goroutines", n).
				Int("max_goroutines", rg.config.MaxGoroutines).
				Msg("Connection rejected: goroutine limit")
			return false, fmt.Sprintf("goroutine limit exceeded (%d > %d)", n, rg.config.MaxGoroutines)
		}
	}

	return true, ""
}

// GetStats returns the thresholds for /health
func (rg *ResourceGuard) GetStats() map[string]any {
	if rg == nil {
		return map[string]any{"enabled": false}
	}
	return map[string]any{
		"enabled":              true,
		"cpu_reject_threshold": rg.config.CPURejectThreshold,
		"memory_limit_bytes":   rg.config.MemoryLimit,
		"goroutines_limit":     rg.config.MaxGoroutines,
	}
}
