package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	require.Equal(t, int64(DefaultTickIntervalMs), c.TickIntervalMs)
	require.Equal(t, int64(DefaultMinLeaseMs), c.MinLeaseMs)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleet.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nodeId: n1\ndataDir: /tmp/fleet\ntickIntervalMs: 30000\n"), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "n1", c.NodeID)
	require.Equal(t, "/tmp/fleet", c.DataDir)
	require.Equal(t, int64(30000), c.TickIntervalMs)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("TICK_INTERVAL_MS", "15000")
	c, err := Load("")
	require.NoError(t, err)
	require.Equal(t, int64(15000), c.TickIntervalMs)
}

func TestClampLeaseDuration(t *testing.T) {
	c := Default()

	require.Equal(t, c.DefaultLeaseMs, c.ClampLeaseDuration(0))
	require.Equal(t, c.MinLeaseMs, c.ClampLeaseDuration(1))
	require.Equal(t, c.MaxLeaseMs, c.ClampLeaseDuration(c.MaxLeaseMs*2))
	require.Equal(t, int64(120_000), c.ClampLeaseDuration(120_000))
}

func TestGetSet(t *testing.T) {
	custom := Default()
	custom.NodeID = "custom-node"
	Set(custom)
	require.Equal(t, "custom-node", Get().NodeID)
}
