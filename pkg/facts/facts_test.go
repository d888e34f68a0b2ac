package facts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixtureCollector(t *testing.T) *Collector {
	t.Helper()
	root := t.TempDir()
	procDir := filepath.Join(root, "proc")
	etcDir := filepath.Join(root, "etc")
	require.NoError(t, os.MkdirAll(filepath.Join(procDir, "sys", "kernel"), 0755))
	require.NoError(t, os.MkdirAll(etcDir, 0755))

	require.NoError(t, os.WriteFile(filepath.Join(etcDir, "os-release"), []byte(
		"NAME=\"Debian GNU/Linux\"\nID=debian\nVERSION_ID=\"12\"\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(procDir, "sys", "kernel", "osrelease"), []byte(
		"6.1.0-18-amd64\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(procDir, "cpuinfo"), []byte(
		"processor\t: 0\nmodel name\t: Example CPU @ 2.40GHz\nprocessor\t: 1\nmodel name\t: Example CPU @ 2.40GHz\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(procDir, "meminfo"), []byte(
		"MemTotal:        8192000 kB\nMemAvailable:    4096000 kB\nSwapTotal:       2048000 kB\nSwapFree:        2048000 kB\n"), 0644))

	c := NewCollector(nil)
	c.procDir = procDir
	c.etcDir = etcDir
	return c
}

func TestCollectReadsFixtures(t *testing.T) {
	facts := fixtureCollector(t).Collect()

	assert.Equal(t, "Debian GNU/Linux", facts.OS.Name)
	assert.Equal(t, "debian", facts.OS.ID)
	assert.Equal(t, "12", facts.OS.Version)
	assert.Equal(t, "6.1.0-18-amd64", facts.OS.Kernel)
	assert.NotEmpty(t, facts.OS.Arch)
	assert.Equal(t, "Example CPU @ 2.40GHz", facts.CPU.Model)
	assert.Equal(t, 2, facts.CPU.Cores)
	assert.Equal(t, int64(8000), facts.Memory.TotalMB)
	assert.Equal(t, int64(4000), facts.Memory.AvailableMB)
}

func TestCollectDegradesWithoutProcFiles(t *testing.T) {
	c := NewCollector(nil)
	c.procDir = filepath.Join(t.TempDir(), "missing")
	c.etcDir = filepath.Join(t.TempDir(), "missing")

	facts := c.Collect()

	// Probes degrade to zero values; the collector never fails the run.
	assert.Empty(t, facts.OS.Name)
	assert.NotZero(t, facts.CPU.Cores, "core count falls back to runtime.NumCPU")
}

func TestFactsMapShape(t *testing.T) {
	facts := fixtureCollector(t).Collect()
	m := facts.Map()

	assert.Equal(t, "debian", m["os_id"])
	assert.Equal(t, 2, m["cpu_cores"])
	assert.Equal(t, int64(8000), m["memory_total_mb"])
	assert.Contains(t, m, "package_manager")
}
