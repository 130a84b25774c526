package platform

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// CgroupRoot is where the container's cgroup filesystem is mounted
const CgroupRoot = "/sys/fs/cgroup"

// ReadMemoryLimit returns the container memory limit in bytes, or 0 when no
// limit is set or root is not a cgroup mount.
//
// cgroup v2 (memory.max, "max" when unlimited) is tried before cgroup v1
// (memory/memory.limit_in_bytes, a huge number when unlimited).
func ReadMemoryLimit(root string) (int64, error) {
	if data, err := os.ReadFile(filepath.Join(root, "memory.max")); err == nil {
		limit := strings.TrimSpace(string(data))
		if limit == "max" {
			return 0, nil
		}
		return strconv.ParseInt(limit, 10, 64)
	}

	if data, err := os.ReadFile(filepath.Join(root, "memory", "memory.limit_in_bytes")); err == nil {
		limit, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			return 0, err
		}
		// v1 reports roughly MaxInt64 rounded to the page size when unlimited
		if limit >= 1<<62 {
			return 0, nil
		}
		return limit, nil
	}

	return 0, nil
}

// ReadCPUAllocation returns the CPU quota in cores (1.5 = one and a half
// cores), or 0 when unlimited.
func ReadCPUAllocation(root string) float64 {
	// v2: "<quota> <period>" or "max <period>"
	if data, err := os.ReadFile(filepath.Join(root, "cpu.max")); err == nil {
		fields := strings.Fields(string(data))
		if len(fields) != 2 || fields[0] == "max" {
			return 0
		}
		return ratio(fields[0], fields[1])
	}

	// v1: separate quota (-1 when unlimited) and period files
	quota, err := os.ReadFile(filepath.Join(root, "cpu", "cpu.cfs_quota_us"))
	if err != nil {
		return 0
	}
	period, err := os.ReadFile(filepath.Join(root, "cpu", "cpu.cfs_period_us"))
	if err != nil {
		return 0
	}
	return ratio(strings.TrimSpace(string(quota)), strings.TrimSpace(string(period)))
}

func ratio(quota, period string) float64 {
	q, err := strconv.ParseInt(quota, 10, 64)
	if err != nil || q <= 0 {
		return 0
	}
	p, err := strconv.ParseInt(period, 10, 64)
	if err != nil || p <= 0 {
		return 0
	}
	return float64(q) / float64(p)
}

// Connection sizing bounds
const (
	defaultAutoConnections = 10000
	minAutoConnections     = 100
	maxAutoConnections     = 50000

	runtimeOverheadBytes = 128 * 1024 * 1024
	avgFrameBytes        = 512
	connOverheadBytes    = 16 * 1024 // Pump goroutine stacks, bufio buffers, bookkeeping
)

// MaxConnectionsFor sizes the connection ceiling from the memory limit.
// Each connection is budgeted a full send buffer of average-sized frames.
func MaxConnectionsFor(memoryLimit int64, sendBuffer int) int {
	if memoryLimit <= 0 {
		return defaultAutoConnections
	}

	available := memoryLimit - runtimeOverheadBytes
	if available < 0 {
		available = memoryLimit / 2
	}

	perConn := int64(sendBuffer*avgFrameBytes + connOverheadBytes)
	n := int(available / perConn)
	if n < minAutoConnections {
		n = minAutoConnections
	}
	if n > maxAutoConnections {
		n = maxAutoConnections
	}
	return n
}
