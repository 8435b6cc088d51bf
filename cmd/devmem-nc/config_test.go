//go:build linux

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/romshark/devmem-nc/devmem"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "devmem-nc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestApplyYAMLDefaultsFillsZeroValueFields(t *testing.T) {
	path := writeConfigFile(t, `
listen: true
interface: eth0
port: 5201
num-queues: 4
start-queue: 2
modulus: 16
max-chunk: 4096
pace-pps: 1000
`)
	cfg := devmem.Config{StartQueue: -1}
	require.NoError(t, applyYAMLDefaults(&cfg, path))

	require.True(t, cfg.Listen)
	require.Equal(t, "eth0", cfg.Iface)
	require.Equal(t, 5201, cfg.Port)
	require.Equal(t, 4, cfg.NumQueues)
	require.Equal(t, 2, cfg.StartQueue)
	require.Equal(t, 16, cfg.Modulus)
	require.Equal(t, 4096, cfg.MaxChunk)
	require.Equal(t, uint64(1000), cfg.PacePPS)
}

func TestApplyYAMLDefaultsNeverOverridesCLIValues(t *testing.T) {
	path := writeConfigFile(t, `
interface: eth0
port: 5201
start-queue: 7
`)
	cfg := devmem.Config{Iface: "eth1", Port: 9000, StartQueue: 0}
	require.NoError(t, applyYAMLDefaults(&cfg, path))

	require.Equal(t, "eth1", cfg.Iface)
	require.Equal(t, 9000, cfg.Port)
	require.Equal(t, 0, cfg.StartQueue)
}

func TestApplyYAMLDefaultsFailsOnMissingFile(t *testing.T) {
	cfg := devmem.Config{StartQueue: -1}
	err := applyYAMLDefaults(&cfg, filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	require.ErrorIs(t, err, devmem.ErrConfiguration)
}

func TestApplyYAMLDefaultsFailsOnMalformedYAML(t *testing.T) {
	path := writeConfigFile(t, "not: [valid: yaml")
	cfg := devmem.Config{StartQueue: -1}
	err := applyYAMLDefaults(&cfg, path)
	require.Error(t, err)
	require.ErrorIs(t, err, devmem.ErrConfiguration)
}
