package platform

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, name, content string) {
	t.Helper()
	path := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestReadMemoryLimit(t *testing.T) {
	t.Run("cgroup v2", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, root, "memory.max", "536870912\n")
		limit, err := ReadMemoryLimit(root)
		require.NoError(t, err)
		assert.Equal(t, int64(512<<20), limit)
	})

	t.Run("cgroup v2 unlimited", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, root, "memory.max", "max\n")
		limit, err := ReadMemoryLimit(root)
		require.NoError(t, err)
		assert.Zero(t, limit)
	})

	t.Run("cgroup v1", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, root, "memory/memory.limit_in_bytes", "268435456")
		limit, err := ReadMemoryLimit(root)
		require.NoError(t, err)
		assert.Equal(t, int64(256<<20), limit)
	})

	t.Run("cgroup v1 unlimited", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, root, "memory/memory.limit_in_bytes", "9223372036854771712")
		limit, err := ReadMemoryLimit(root)
		require.NoError(t, err)
		assert.Zero(t, limit)
	})

	t.Run("not a cgroup mount", func(t *testing.T) {
		limit, err := ReadMemoryLimit(t.TempDir())
		require.NoError(t, err)
		assert.Zero(t, limit)
	})

	t.Run("garbage", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, root, "memory.max", "lots")
		_, err := ReadMemoryLimit(root)
		assert.Error(t, err)
	})
}

func TestReadCPUAllocation(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "cpu.max", "150000 100000\n")
	assert.Equal(t, 1.5, ReadCPUAllocation(root))

	root = t.TempDir()
	writeFile(t, root, "cpu.max", "max 100000\n")
	assert.Zero(t, ReadCPUAllocation(root))

	root = t.TempDir()
	writeFile(t, root, "cpu/cpu.cfs_quota_us", "200000\n")
	writeFile(t, root, "cpu/cpu.cfs_period_us", "100000\n")
	assert.Equal(t, 2.0, ReadCPUAllocation(root))

	root = t.TempDir()
	writeFile(t, root, "cpu/cpu.cfs_quota_us", "-1\n")
	writeFile(t, root, "cpu/cpu.cfs_period_us", "100000\n")
	assert.Zero(t, ReadCPUAllocation(root))

	assert.Zero(t, ReadCPUAllocation(t.TempDir()))
}

func TestMaxConnectionsFor(t *testing.T) {
	assert.Equal(t, defaultAutoConnections, MaxConnectionsFor(0, 256))

	// 512MB - 128MB overhead over (256*512 + 16KB) per connection
	assert.Equal(t, 2730, MaxConnectionsFor(512<<20, 256))

	assert.Equal(t, minAutoConnections, MaxConnectionsFor(64<<20, 4096))
	assert.Equal(t, maxAutoConnections, MaxConnectionsFor(64<<30, 1))
}
