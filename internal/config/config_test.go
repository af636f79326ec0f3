package config

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, yaml string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	return path
}

const minimalCPUOnly = `
cpu_zone:
  enabled: true
`

// TestLoad_AppliesDefaults covers setDefaults for an otherwise-empty zone.
func TestLoad_AppliesDefaults(t *testing.T) {
	// Arrange
	path := writeTempConfig(t, minimalCPUOnly)

	// Act
	cfg, err := Load(path)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/ipmitool", cfg.Paths.IpmitoolPath)
	assert.Equal(t, "avg", cfg.CPU.TempCalc)
	assert.Equal(t, 6, cfg.CPU.Steps)
	assert.Equal(t, 100, cfg.CPU.MaxLevel)
	assert.True(t, math.IsNaN(cfg.CPU.MinTemp), "min_temp/max_temp must stay absent unless set, so the IPMI sensor's own thresholds apply")
	assert.True(t, math.IsNaN(cfg.CPU.MaxTemp))
}

// TestLoad_NeitherZoneEnabledErrors is the exit-code-8 condition.
func TestLoad_NeitherZoneEnabledErrors(t *testing.T) {
	path := writeTempConfig(t, "paths:\n  ipmitool_path: /usr/bin/ipmitool\n")

	_, err := Load(path)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoZoneEnabled))
}

// TestLoad_UnreadableFileErrors is the exit-code-6 condition.
func TestLoad_UnreadableFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}

// TestLoad_MalformedYAMLErrors also maps to exit code 6.
func TestLoad_MalformedYAMLErrors(t *testing.T) {
	path := writeTempConfig(t, "cpu_zone: [this is not a mapping")

	_, err := Load(path)

	assert.Error(t, err)
}

// TestValidateZone rejects the documented invalid shapes.
func TestValidateZone(t *testing.T) {
	base := ZoneConfig{
		Enabled: true, TempCalc: "avg", Steps: 6, Sensitivity: 0.05,
		Polling: 0, MinLevel: 20, MaxLevel: 100, MinTemp: 30, MaxTemp: 70,
	}

	cases := []struct {
		name   string
		mutate func(z *ZoneConfig)
	}{
		{"bad temp_calc", func(z *ZoneConfig) { z.TempCalc = "median" }},
		{"zero steps", func(z *ZoneConfig) { z.Steps = 0 }},
		{"sensitivity out of range", func(z *ZoneConfig) { z.Sensitivity = 2 }},
		{"min above max level", func(z *ZoneConfig) { z.MinLevel, z.MaxLevel = 90, 10 }},
		{"min_temp above max_temp", func(z *ZoneConfig) { z.MinTemp, z.MaxTemp = 70, 30 }},
		{"min_temp set without max_temp", func(z *ZoneConfig) { z.MaxTemp = math.NaN() }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			z := base
			tc.mutate(&z)
			assert.Error(t, validateZone("cpu_zone", z))
		})
	}
}

// TestValidateZone_AbsentMinMaxTempIsValid checks that leaving both
// min_temp and max_temp unset (NaN) passes validation, since it means
// "fall back to the IPMI sensor's own lnc/unc" rather than an error.
func TestValidateZone_AbsentMinMaxTempIsValid(t *testing.T) {
	z := ZoneConfig{
		Enabled: true, TempCalc: "avg", Steps: 6, Sensitivity: 0.05,
		MinLevel: 20, MaxLevel: 100, MinTemp: math.NaN(), MaxTemp: math.NaN(),
	}
	assert.NoError(t, validateZone("cpu_zone", z))
}

// TestValidate_HDZoneDiskThresholds covers the HD-specific min/max pairs.
func TestValidate_HDZoneDiskThresholds(t *testing.T) {
	cfg := Config{
		Paths: PathsConfig{IpmitoolPath: "ipmitool", SmartctlPath: "smartctl"},
		HD: HDZoneConfig{
			ZoneConfig: ZoneConfig{
				Enabled: true, TempCalc: "avg", Steps: 6, Sensitivity: 0.05,
				MinLevel: 20, MaxLevel: 100, MinTemp: 28, MaxTemp: 46,
			},
			MinTempHDD: 50,
			MaxTempHDD: 10, // inverted
			MinTempSSD: 10,
			MaxTempSSD: 70,
		},
	}

	assert.Error(t, cfg.Validate())
}
