// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("DERV_CONFIG", "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.Hub.ControllerTimeout)
	assert.Equal(t, 4*time.Second, cfg.Hub.UnitTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Hub.IdleTimeout())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, uint16(1), cfg.Unit.Address)
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "derv.yaml")
	data := `
hub:
  diagnostic: true
  unitTimeout: 50ms
  lines:
    driver: gpio
    re: [1, 2, 3, 4, 5, 6]
    de: [7, 8, 9, 10, 11, 12]
unit:
  address: 4660
  features:
    - code: 1
      size: 4
      mode: fixed
      values: [1, 2, 3, 4]
  calibration:
    - inner: 3
      size: 8
sim:
  units:
    - segment: 2
      address: 7
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, time.Second, cfg.Hub.IdleTimeout())
	assert.Equal(t, 50*time.Millisecond, cfg.Hub.UnitTimeout)
	assert.Equal(t, []int{7, 8, 9, 10, 11, 12}, cfg.Hub.Lines.DE)
	assert.Equal(t, uint16(0x1234), cfg.Unit.Address)
	require.Len(t, cfg.Unit.Features, 1)
	assert.Equal(t, []int{1, 2, 3, 4}, cfg.Unit.Features[0].Values)
	require.Len(t, cfg.Unit.Calibration, 1)
	assert.Equal(t, 8, cfg.Unit.Calibration[0].Size)
	require.Len(t, cfg.Sim.Units, 1)
	assert.Equal(t, uint8(2), cfg.Sim.Units[0].Segment)
}

func TestLoad_EnvOverride(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("DERV_HUB_UNITTIMEOUT", "100ms")
	t.Setenv("DERV_LOGGING_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, cfg.Hub.UnitTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	chdir(t, t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)

	bad := *cfg
	bad.Hub.Bus.Driver = "ftdi"
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Hub.Lines = LinesConfig{Driver: "gpio", RE: []int{1}}
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Sim.Units = []SimUnitConfig{{Segment: 7, Address: 1}}
	assert.Error(t, bad.Validate())
}

func TestValidate_HubWatchdog(t *testing.T) {
	chdir(t, t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	tests := []struct {
		name     string
		unit     time.Duration
		watchdog time.Duration
		ok       bool
	}{
		{"zero", 4 * time.Second, 0, false},
		{"negative", 4 * time.Second, -time.Second, false},
		{"equal to unit timeout", 4 * time.Second, 4 * time.Second, false},
		{"below unit timeout", 4 * time.Second, 3 * time.Second, false},
		{"equal to kick interval", 200 * time.Millisecond, time.Second, false},
		{"above both", 200 * time.Millisecond, 1500 * time.Millisecond, true},
		{"defaults", 4 * time.Second, 8 * time.Second, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *cfg
			c.Hub.UnitTimeout = tt.unit
			c.Hub.Watchdog = tt.watchdog
			if tt.ok {
				assert.NoError(t, c.Validate())
			} else {
				assert.Error(t, c.Validate())
			}
		})
	}
}

// chdir mirrors testing.T.Chdir (Go 1.24+): it changes the working directory
// for the duration of the test and restores it on cleanup.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { require.NoError(t, os.Chdir(prev)) })
}
