// Package diagnose provides an operational "diagnose" command: a one-shot
// dump of host facts, sensor/disk readings, and the live BMC fan mode. It
// never participates in the control loop, so a gopsutil failure here can
// never affect actuation.
package diagnose

import (
	"context"
	"fmt"

	"github.com/martinbreit/fan-controller/internal/bmc"
	"github.com/martinbreit/fan-controller/internal/sensors"
	"github.com/shirou/gopsutil/v3/host"
)

// HostFacts is the subset of gopsutil host info the report surfaces.
type HostFacts struct {
	OS              string
	Platform        string
	PlatformVersion string
	KernelVersion   string
	Uptime          uint64 // seconds
}

// Report is the full diagnose output.
type Report struct {
	Host    HostFacts
	FanMode bmc.Mode
	IPMI    []sensors.Reading
	Disks   []sensors.Disk
	DiskTemps []sensors.Reading
}

// Collect gathers a Report. bmcController may be nil (e.g. when BMC
// construction failed), in which case FanMode is left at bmc.ModeUnknown.
func Collect(ctx context.Context, bmcController *bmc.Controller, ipmiReader *sensors.IPMIReader, disks *sensors.Disks, parseLimits bool) (Report, error) {
	var r Report

	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return r, fmt.Errorf("diagnose: host info: %w", err)
	}
	r.Host = HostFacts{
		OS:              info.OS,
		Platform:        info.Platform,
		PlatformVersion: info.PlatformVersion,
		KernelVersion:   info.KernelVersion,
		Uptime:          info.Uptime,
	}

	r.FanMode = bmc.ModeUnknown
	if bmcController != nil {
		mode, err := bmcController.GetFanMode(ctx)
		if err == nil {
			r.FanMode = mode
		}
	}

	if ipmiReader != nil {
		readings, err := ipmiReader.Query(ctx, nil, nil)
		if err == nil {
			r.IPMI = readings
		}
	}

	if disks != nil {
		diskList, err := disks.Enumerate(ctx)
		if err == nil {
			r.Disks = diskList
			r.DiskTemps = disks.Temperatures(ctx, diskList, parseLimits,
				sensors.DefaultLimitsHDD, sensors.DefaultLimitsSSD, sensors.DefaultLimitsUnknown)
		}
	}

	return r, nil
}

// String renders a human-readable summary for the CLI.
func (r Report) String() string {
	s := fmt.Sprintf("host: %s %s %s (kernel %s, uptime %ds)\n", r.Host.OS, r.Host.Platform, r.Host.PlatformVersion, r.Host.KernelVersion, r.Host.Uptime)
	s += fmt.Sprintf("bmc fan mode: %s\n", r.FanMode)
	s += fmt.Sprintf("ipmi sensors: %d matched\n", len(r.IPMI))
	for _, reading := range r.IPMI {
		s += fmt.Sprintf("  %s: %.1f%s (%s)\n", reading.Name, reading.Temperature, reading.Unit, reading.Status)
	}
	s += fmt.Sprintf("disks: %d enumerated\n", len(r.Disks))
	for _, reading := range r.DiskTemps {
		s += fmt.Sprintf("  %s (%s): %.1f%s (%s)\n", reading.Name, reading.Kind, reading.Temperature, reading.Unit, reading.Status)
	}
	return s
}
