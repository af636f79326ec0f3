package sensors

import (
	"context"
	"encoding/xml"
	"fmt"
	"math"
	"regexp"
	"runtime"
	"strconv"
	"strings"

	"github.com/martinbreit/fan-controller/internal/cmdrun"
)

// ErrUnsupportedOS is returned by Disks.Enumerate on platforms with no
// known disk-enumeration strategy.
var ErrUnsupportedOS = fmt.Errorf("sensors: unsupported OS for disk enumeration")

// Disk is one enumerated block-storage device.
type Disk struct {
	Name string // kernel device node name, e.g. "sda"
	Kind Kind   // KindDiskHDD, KindDiskSSD, or KindDiskUnknown
}

// Limits is the (min, max) default threshold pair applied to a disk kind
// when SMART doesn't report its own limits (parse_limits == false, or
// parsing finds nothing).
type Limits struct {
	Min float64
	Max float64
}

// DefaultLimitsHDD, DefaultLimitsSSD and DefaultLimitsUnknown are the
// spec-mandated fallback thresholds per disk kind.
var (
	DefaultLimitsHDD     = Limits{Min: 10, Max: 50}
	DefaultLimitsSSD     = Limits{Min: 10, Max: 70}
	DefaultLimitsUnknown = Limits{Min: 10, Max: 60}
)

// Disks enumerates attached disks and reads their SMART temperatures.
type Disks struct {
	Runner      cmdrun.Runner
	GOOS        string // overridable for tests; defaults to runtime.GOOS
	SmartctlCmd string
	Recorder    FailureRecorder
}

// NewDisks builds a Disks reader against the host's own OS.
func NewDisks(runner cmdrun.Runner, smartctlCmd string) *Disks {
	return &Disks{Runner: runner, GOOS: runtime.GOOS, SmartctlCmd: smartctlCmd}
}

var linuxLsblkRow = regexp.MustCompile(`^(\S+)\s+(\d)\s+(.*)$`)

// Enumerate lists attached disks. On Linux it shells out to
// `lsblk -nido KNAME,ROTA,MODEL`. On BSD it reads GEOM's confxml and falls
// back to a flat `sysctl -n kern.disks` name list (KindDiskUnknown) if GEOM
// parsing fails. Any other OS returns ErrUnsupportedOS.
func (d *Disks) Enumerate(ctx context.Context) ([]Disk, error) {
	switch d.GOOS {
	case "linux":
		return d.enumerateLinux(ctx)
	case "freebsd", "darwin":
		return d.enumerateBSD(ctx)
	default:
		return nil, ErrUnsupportedOS
	}
}

func (d *Disks) enumerateLinux(ctx context.Context) ([]Disk, error) {
	res, err := d.Runner.Run(ctx, []string{"lsblk", "-nido", "KNAME,ROTA,MODEL"})
	if err != nil {
		return nil, fmt.Errorf("sensors: lsblk: %w", err)
	}

	var disks []Disk
	for _, line := range scanLines(string(res.Stdout)) {
		m := linuxLsblkRow.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		kind := KindDiskHDD
		if m[2] == "0" {
			kind = KindDiskSSD
		}
		disks = append(disks, Disk{Name: m[1], Kind: kind})
	}
	return disks, nil
}

type geomConfXML struct {
	XMLName xml.Name    `xml:"mesh"`
	Classes []geomClass `xml:"class"`
}

type geomClass struct {
	Name      string        `xml:"name,attr"`
	Providers []geomProvide `xml:"geom>provider"`
}

type geomProvide struct {
	Name   string `xml:"name"`
	Config struct {
		RotationRate string `xml:"rotationrate"`
	} `xml:"config"`
}

func (d *Disks) enumerateBSD(ctx context.Context) ([]Disk, error) {
	res, err := d.Runner.Run(ctx, []string{"sysctl", "-n", "kern.geom.confxml"})
	if err == nil && res.ExitCode == 0 {
		if disks, ok := parseGeomConfXML(res.Stdout); ok {
			return disks, nil
		}
	}

	// Fallback: flat disk-name list with unknown rotation type.
	res, err = d.Runner.Run(ctx, []string{"sysctl", "-n", "kern.disks"})
	if err != nil {
		return nil, fmt.Errorf("sensors: sysctl kern.disks: %w", err)
	}
	var disks []Disk
	for _, name := range strings.Fields(string(res.Stdout)) {
		disks = append(disks, Disk{Name: name, Kind: KindDiskUnknown})
	}
	return disks, nil
}

func parseGeomConfXML(data []byte) ([]Disk, bool) {
	var mesh geomConfXML
	if err := xml.Unmarshal(data, &mesh); err != nil {
		return nil, false
	}
	var disks []Disk
	for _, class := range mesh.Classes {
		if class.Name != "DISK" {
			continue
		}
		for _, p := range class.Providers {
			kind := KindDiskHDD
			if strings.TrimSpace(p.Config.RotationRate) == "0" {
				kind = KindDiskSSD
			}
			disks = append(disks, Disk{Name: p.Name, Kind: kind})
		}
	}
	if len(disks) == 0 {
		return nil, false
	}
	return disks, true
}

// Temperatures runs smartctl against every disk in disks and returns one
// Reading per disk. parseLimits selects `-x` (full vendor attribute dump,
// needed to find the vendor threshold lines) over the default `-A`.
// limitsHDD/limitsSSD/limitsUnknown are the per-kind fallback thresholds
// used when no limit line is found (or parseLimits is false).
func (d *Disks) Temperatures(ctx context.Context, disks []Disk, parseLimits bool, limitsHDD, limitsSSD, limitsUnknown Limits) []Reading {
	flag := "-A"
	if parseLimits {
		flag = "-x"
	}

	readings := make([]Reading, 0, len(disks))
	for _, disk := range disks {
		res, err := d.Runner.Run(ctx, []string{d.SmartctlCmd, flag, "/dev/" + disk.Name})
		var output string
		if err == nil {
			output = string(res.Stdout)
		}
		reading := parseSmartOutput(disk, output, parseLimits, limitsHDD, limitsSSD, limitsUnknown)
		if math.IsNaN(reading.Temperature) && d.Recorder != nil {
			d.Recorder.RecordParseFailure("smart")
		}
		readings = append(readings, reading)
	}
	return readings
}

var (
	smartAttr194 = regexp.MustCompile(`^194\s.*\s(\d+)\s*.*$`)
	smartAttr190 = regexp.MustCompile(`^190\s.*\s(\d+)\s*.*$`)
	smartTempAny = regexp.MustCompile(`[Tt]emperature.*\s(\d+)\s*.*`)
	smartUnitLong = regexp.MustCompile(`(Celsius|Fahrenheit)`)
	smartUnitShort = regexp.MustCompile(`\b(Cel|Fah)\b`)
	smartMaxLine = regexp.MustCompile(`Warning  Comp\. Temp\. Threshold|Specified Maximum Operating Temperature`)
	smartMinLine = regexp.MustCompile(`Specified Minimum Operating Temperature`)
	smartFirstInt = regexp.MustCompile(`\b(\d+)\b`)
)

// parseSmartOutput implements the three-extractor temperature scan
// (attribute 194, then 190, then any "Temperature" line), the unit
// normalization for the "Cel"/"Fah" vendor shorthand, and the optional
// threshold-line scan, in priority order.
func parseSmartOutput(disk Disk, output string, parseLimits bool, limitsHDD, limitsSSD, limitsUnknown Limits) Reading {
	lines := scanLines(output)

	temp := math.NaN()
	unit := UnitNotAvailable
	for _, rx := range []*regexp.Regexp{smartAttr194, smartAttr190, smartTempAny} {
		for _, line := range lines {
			m := rx.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			v, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				continue
			}
			temp = v
			unit = parseSmartUnit(line)
			break
		}
		if !math.IsNaN(temp) {
			break
		}
	}

	limits := limitsForKind(disk.Kind, limitsHDD, limitsSSD, limitsUnknown)
	thresholds := Thresholds{
		LNR: limits.Min, LCR: limits.Min, LNC: limits.Min,
		UNC: limits.Max, UCR: limits.Max, UNR: limits.Max,
	}

	if math.IsNaN(temp) {
		return Reading{
			Name:        disk.Name,
			Kind:        disk.Kind,
			Temperature: math.NaN(),
			Unit:        UnitNotAvailable,
			Status:      StatusFail,
			Thresholds:  thresholds,
		}
	}

	if parseLimits {
		for _, line := range lines {
			switch {
			case smartMaxLine.MatchString(line):
				if v, ok := firstInt(line); ok {
					thresholds.UNC, thresholds.UCR, thresholds.UNR = v, v, v
				}
			case smartMinLine.MatchString(line):
				if v, ok := firstInt(line); ok {
					thresholds.LNC, thresholds.LCR, thresholds.LNR = v, v, v
				}
			}
		}
	}

	return Reading{
		Name:        disk.Name,
		Kind:        disk.Kind,
		Temperature: temp,
		Unit:        unit,
		Status:      StatusOK,
		Thresholds:  thresholds,
	}
}

func limitsForKind(kind Kind, hdd, ssd, unknown Limits) Limits {
	switch kind {
	case KindDiskSSD:
		return ssd
	case KindDiskHDD:
		return hdd
	default:
		return unknown
	}
}

func parseSmartUnit(line string) Unit {
	if m := smartUnitLong.FindStringSubmatch(line); m != nil {
		if m[1] == "Celsius" {
			return UnitCelsius
		}
		return UnitFahrenheit
	}
	if m := smartUnitShort.FindStringSubmatch(line); m != nil {
		if m[1] == "Cel" {
			return UnitCelsius
		}
		return UnitFahrenheit
	}
	return UnitNotAvailable
}

func firstInt(line string) (float64, bool) {
	m := smartFirstInt.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
