package zone

import (
	"context"
	"testing"

	"github.com/martinbreit/fan-controller/internal/cmdrun"
	"github.com/martinbreit/fan-controller/internal/sensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hdIPMISensorOutput = `MB Temp         | 40.000     | degrees C  | ok    | 0.000     | 5.000     | 10.000    | 70.000    | 75.000    | 80.000
`

const hdLsblkOutput = `sda  1 WDC WD40EFAX
`

const hdSmartOutput = `194 Temperature_Celsius     0x0022   038   045   000    Old_age   Always       -       45
`

// TestHDSource_Update_CombinesIPMIAndDiskReadings checks that the HD zone's
// sensor population is the union of matching IPMI rows and every
// enumerated disk's SMART temperature.
func TestHDSource_Update_CombinesIPMIAndDiskReadings(t *testing.T) {
	// Arrange
	runner := cmdrun.NewFakeRunner()
	runner.Responses["ipmitool sensor"] = cmdrun.Result{Stdout: []byte(hdIPMISensorOutput)}
	runner.Responses["lsblk -nido KNAME,ROTA,MODEL"] = cmdrun.Result{Stdout: []byte(hdLsblkOutput)}
	runner.Responses["smartctl -A /dev/sda"] = cmdrun.Result{Stdout: []byte(hdSmartOutput)}

	src := &HDSource{
		IPMI:          sensors.NewIPMIReader(runner, "ipmitool"),
		Names:         nil,
		Disks:         &sensors.Disks{Runner: runner, GOOS: "linux", SmartctlCmd: "smartctl"},
		LimitsHDD:     sensors.DefaultLimitsHDD,
		LimitsSSD:     sensors.DefaultLimitsSSD,
		LimitsUnknown: sensors.DefaultLimitsUnknown,
	}

	// Act
	readings, err := src.Update(context.Background())

	// Assert
	require.NoError(t, err)
	require.Len(t, readings, 2)
	assert.Equal(t, "MB Temp", readings[0].Name)
	assert.Equal(t, "sda", readings[1].Name)
}

// TestHDSource_Update_ReenumeratesDisksEveryPoll checks that a disk added
// between polls is picked up on the very next Update, since there is no
// persistent device registry.
func TestHDSource_Update_ReenumeratesDisksEveryPoll(t *testing.T) {
	// Arrange
	runner := cmdrun.NewFakeRunner()
	runner.Responses["ipmitool sensor"] = cmdrun.Result{Stdout: []byte("")}
	runner.Responses["lsblk -nido KNAME,ROTA,MODEL"] = cmdrun.Result{Stdout: []byte(hdLsblkOutput)}
	runner.Responses["smartctl -A /dev/sda"] = cmdrun.Result{Stdout: []byte(hdSmartOutput)}

	src := &HDSource{
		IPMI:          sensors.NewIPMIReader(runner, "ipmitool"),
		Disks:         &sensors.Disks{Runner: runner, GOOS: "linux", SmartctlCmd: "smartctl"},
		LimitsHDD:     sensors.DefaultLimitsHDD,
		LimitsSSD:     sensors.DefaultLimitsSSD,
		LimitsUnknown: sensors.DefaultLimitsUnknown,
	}

	// Act: first poll sees one disk.
	readings1, err1 := src.Update(context.Background())

	// A second disk appears before the next poll.
	runner.Responses["lsblk -nido KNAME,ROTA,MODEL"] = cmdrun.Result{Stdout: []byte(hdLsblkOutput + "sdb  0 Samsung SSD 860\n")}
	runner.Responses["smartctl -A /dev/sdb"] = cmdrun.Result{Stdout: []byte(hdSmartOutput)}
	readings2, err2 := src.Update(context.Background())

	// Assert
	require.NoError(t, err1)
	require.Len(t, readings1, 1)
	require.NoError(t, err2)
	require.Len(t, readings2, 2)
}

// TestCPUSource_Update_FiltersByName exercises the CPU zone's narrower
// IPMI-only source.
func TestCPUSource_Update_FiltersByName(t *testing.T) {
	// Arrange
	runner := cmdrun.NewFakeRunner()
	runner.Responses["ipmitool sensor"] = cmdrun.Result{Stdout: []byte(hdIPMISensorOutput)}
	src := &CPUSource{IPMI: sensors.NewIPMIReader(runner, "ipmitool"), Names: []string{"MB"}}

	// Act
	readings, err := src.Update(context.Background())

	// Assert
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, "MB Temp", readings[0].Name)
}
