package sensors

import (
	"context"
	"math"
	"testing"

	"github.com/martinbreit/fan-controller/internal/cmdrun"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleSensorOutput = `CPU1 Temp        | 45.000     | degrees C  | ok    | 0.000     | 0.000     | 0.000     | 85.000    | 90.000    | 95.000
System Temp      | 32.000     | degrees C  | ok    | -7.000    | -5.000    | 0.000     | 80.000    | 85.000    | 90.000
FAN1             | 1200.000   | RPM        | ok    | na        | na        | na        | na        | na        | na
Peripheral Temp  | na         | degrees C  | ns    | na        | na        | na        | na        | na        | na
`

// TestIPMIReader_Query_FiltersByNameAndTemp keeps only temp-bearing rows
// matching a requested substring.
func TestIPMIReader_Query_FiltersByNameAndTemp(t *testing.T) {
	// Arrange
	runner := cmdrun.NewFakeRunner()
	runner.Responses["ipmitool sensor"] = cmdrun.Result{Stdout: []byte(sampleSensorOutput)}
	reader := NewIPMIReader(runner, "ipmitool")

	// Act
	readings, err := reader.Query(context.Background(), []string{"cpu"}, nil)

	// Assert
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, "CPU1 Temp", readings[0].Name)
	assert.Equal(t, KindIPMI, readings[0].Kind)
	assert.InDelta(t, 45.0, readings[0].Temperature, 0.001)
	assert.Equal(t, UnitCelsius, readings[0].Unit)
}

// TestIPMIReader_Query_EmptySubstringsMatchesAllTempRows covers the "no
// filter" case.
func TestIPMIReader_Query_EmptySubstringsMatchesAllTempRows(t *testing.T) {
	// Arrange
	runner := cmdrun.NewFakeRunner()
	runner.Responses["ipmitool sensor"] = cmdrun.Result{Stdout: []byte(sampleSensorOutput)}
	reader := NewIPMIReader(runner, "ipmitool")

	// Act
	readings, err := reader.Query(context.Background(), nil, nil)

	// Assert
	require.NoError(t, err)
	// FAN1 has no "temp" in its name and is excluded; Peripheral Temp
	// (NaN value) is still a well-formed ten-field row and is kept.
	assert.Len(t, readings, 3)
}

// TestIPMIReader_Query_NaNValueYieldsFailStatus covers the NaN-implies-FAIL
// invariant.
func TestIPMIReader_Query_NaNValueYieldsFailStatus(t *testing.T) {
	// Arrange
	runner := cmdrun.NewFakeRunner()
	runner.Responses["ipmitool sensor"] = cmdrun.Result{Stdout: []byte(sampleSensorOutput)}
	reader := NewIPMIReader(runner, "ipmitool")

	// Act
	readings, err := reader.Query(context.Background(), []string{"peripheral"}, nil)

	// Assert
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.True(t, math.IsNaN(readings[0].Temperature))
	assert.Equal(t, StatusFail, readings[0].Status)
}

// TestIPMIReader_Query_MalformedLineDiscarded drops lines that don't split
// into ten fields without erroring.
func TestIPMIReader_Query_MalformedLineDiscarded(t *testing.T) {
	// Arrange
	runner := cmdrun.NewFakeRunner()
	runner.Responses["ipmitool sensor"] = cmdrun.Result{Stdout: []byte("garbage temp line with no pipes\n")}
	reader := NewIPMIReader(runner, "ipmitool")

	// Act
	readings, err := reader.Query(context.Background(), nil, nil)

	// Assert
	require.NoError(t, err)
	assert.Empty(t, readings)
}

// TestIPMIReader_Query_AppliesValidOverride replaces lnc/unc and leaves
// surrounding thresholds that already lie outside the new bounds untouched.
func TestIPMIReader_Query_AppliesValidOverride(t *testing.T) {
	// Arrange
	runner := cmdrun.NewFakeRunner()
	runner.Responses["ipmitool sensor"] = cmdrun.Result{Stdout: []byte(sampleSensorOutput)}
	reader := NewIPMIReader(runner, "ipmitool")
	override := &ThresholdOverride{Min: 5, Max: 60}

	// Act
	readings, err := reader.Query(context.Background(), []string{"cpu"}, override)

	// Assert
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, 5.0, readings[0].Thresholds.LNC)
	assert.Equal(t, 60.0, readings[0].Thresholds.UNC)
	// ucr/unr were 90/95, above the new unc=60, so left untouched.
	assert.Equal(t, 90.0, readings[0].Thresholds.UCR)
}

// TestIPMIReader_Query_InvalidOverrideIgnored leaves thresholds as IPMI
// reported them when min >= max.
func TestIPMIReader_Query_InvalidOverrideIgnored(t *testing.T) {
	// Arrange
	runner := cmdrun.NewFakeRunner()
	runner.Responses["ipmitool sensor"] = cmdrun.Result{Stdout: []byte(sampleSensorOutput)}
	reader := NewIPMIReader(runner, "ipmitool")
	override := &ThresholdOverride{Min: 90, Max: 10}

	// Act
	readings, err := reader.Query(context.Background(), []string{"cpu"}, override)

	// Assert
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, 0.0, readings[0].Thresholds.LNC)
}

// TestIPMIReader_Query_SpawnFailureErrors surfaces BinaryMissing-like
// spawn failures.
func TestIPMIReader_Query_SpawnFailureErrors(t *testing.T) {
	// Arrange
	runner := cmdrun.NewFakeRunner() // no responses registered
	reader := NewIPMIReader(runner, "ipmitool")

	// Act
	_, err := reader.Query(context.Background(), nil, nil)

	// Assert
	assert.Error(t, err)
}

type fakeFailureRecorder struct {
	kinds []string
}

func (r *fakeFailureRecorder) RecordParseFailure(kind string) {
	r.kinds = append(r.kinds, kind)
}

// TestIPMIReader_Query_RecordsParseFailureOnUnparseableTemp checks that a
// matched row whose temperature field is "na" is still returned (with a
// NaN temperature and FAIL status) but also reported to the attached Recorder.
func TestIPMIReader_Query_RecordsParseFailureOnUnparseableTemp(t *testing.T) {
	// Arrange
	runner := cmdrun.NewFakeRunner()
	runner.Responses["ipmitool sensor"] = cmdrun.Result{Stdout: []byte(sampleSensorOutput)}
	rec := &fakeFailureRecorder{}
	reader := NewIPMIReader(runner, "ipmitool")
	reader.Recorder = rec

	// Act
	readings, err := reader.Query(context.Background(), []string{"peripheral"}, nil)

	// Assert
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.True(t, math.IsNaN(readings[0].Temperature))
	assert.Equal(t, []string{"ipmi"}, rec.kinds)
}

// TestReading_Rel covers the boundary and degenerate threshold cases.
func TestReading_Rel(t *testing.T) {
	cases := []struct {
		name string
		r    Reading
		want float64
	}{
		{"at lnc", Reading{Temperature: 30, Thresholds: Thresholds{LNC: 30, UNC: 70}}, 0},
		{"at unc", Reading{Temperature: 70, Thresholds: Thresholds{LNC: 30, UNC: 70}}, 1},
		{"mid", Reading{Temperature: 50, Thresholds: Thresholds{LNC: 30, UNC: 70}}, 0.5},
		{"below lnc clamps to 0", Reading{Temperature: 10, Thresholds: Thresholds{LNC: 30, UNC: 70}}, 0},
		{"above unc clamps to 1", Reading{Temperature: 90, Thresholds: Thresholds{LNC: 30, UNC: 70}}, 1},
		{"degenerate equal thresholds fails hot", Reading{Temperature: 50, Thresholds: Thresholds{LNC: 40, UNC: 40}}, 1},
		{"NaN threshold fails hot", Reading{Temperature: 50, Thresholds: Thresholds{LNC: math.NaN(), UNC: 70}}, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, tc.r.Rel(), 0.0001)
		})
	}
}
