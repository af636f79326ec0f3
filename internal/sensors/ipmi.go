package sensors

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/martinbreit/fan-controller/internal/cmdrun"
)

// FailureRecorder receives a sensor-kind label ("ipmi", "smart") every
// time a reading's temperature could not be parsed. The metrics package
// implements this.
type FailureRecorder interface {
	RecordParseFailure(kind string)
}

// IPMIReader runs `ipmitool sensor` and parses its pipe-delimited rows.
type IPMIReader struct {
	Runner   cmdrun.Runner
	Command  string // full path to ipmitool
	Recorder FailureRecorder
}

// NewIPMIReader builds an IPMIReader against the given command path.
func NewIPMIReader(runner cmdrun.Runner, command string) *IPMIReader {
	return &IPMIReader{Runner: runner, Command: command}
}

// Query returns temperature readings whose sensor name contains "temp"
// (case-insensitive) and at least one of nameSubstrings (also
// case-insensitive). A nil or empty nameSubstrings matches every "temp"
// sensor. An invalid override is silently ignored, per spec.
//
// Query never returns an error for parse problems: ill-formed lines are
// discarded and an empty result is a legal return. It only returns an
// error when ipmitool itself could not be spawned.
func (r *IPMIReader) Query(ctx context.Context, nameSubstrings []string, override *ThresholdOverride) ([]Reading, error) {
	res, err := r.Runner.Run(ctx, []string{r.Command, "sensor"})
	if err != nil {
		return nil, fmt.Errorf("sensors: ipmitool sensor: %w", err)
	}
	// A non-zero exit from ipmitool still yields whatever partial output
	// it produced; fall through to parsing rather than erroring.

	lines := strings.Split(string(res.Stdout), "\n")
	var out []Reading
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		reading, ok := parseIPMILine(line, nameSubstrings)
		if !ok {
			continue
		}
		if math.IsNaN(reading.Temperature) && r.Recorder != nil {
			r.Recorder.RecordParseFailure("ipmi")
		}
		if override != nil && override.Valid() {
			reading.Thresholds = reading.Thresholds.Apply(*override)
		}
		out = append(out, reading)
	}
	return out, nil
}

// parseIPMILine parses one "name | value | unit | status | lnr | lcr | lnc
// | unc | ucr | unr" row. It returns ok=false if the line doesn't carry
// "temp" in its name, doesn't match any requested substring, or doesn't
// split into exactly ten pipe-delimited fields.
func parseIPMILine(line string, nameSubstrings []string) (Reading, bool) {
	fields := strings.Split(line, "|")
	if len(fields) != 10 {
		return Reading{}, false
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	name := fields[0]
	lowerName := strings.ToLower(name)
	if !strings.Contains(lowerName, "temp") {
		return Reading{}, false
	}
	if len(nameSubstrings) > 0 && !containsAnyFold(lowerName, nameSubstrings) {
		return Reading{}, false
	}

	temp := str2float(fields[1])
	unit := parseIPMIUnit(fields[2])
	status := fields[3]
	if status == "" {
		status = StatusFail
	}

	thresholds := Thresholds{
		LNR: str2float(fields[4]),
		LCR: str2float(fields[5]),
		LNC: str2float(fields[6]),
		UNC: str2float(fields[7]),
		UCR: str2float(fields[8]),
		UNR: str2float(fields[9]),
	}

	reading := Reading{
		Name:        name,
		Kind:        KindIPMI,
		Temperature: temp,
		Unit:        unit,
		Status:      status,
		Thresholds:  thresholds,
	}
	if math.IsNaN(reading.Temperature) {
		reading.Status = StatusFail
	}
	return reading, true
}

func containsAnyFold(lowerHaystack string, substrings []string) bool {
	for _, s := range substrings {
		if strings.Contains(lowerHaystack, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

func parseIPMIUnit(field string) Unit {
	switch strings.ToLower(strings.TrimSpace(field)) {
	case "degrees c", "celsius", "c":
		return UnitCelsius
	case "degrees f", "fahrenheit", "f":
		return UnitFahrenheit
	default:
		return UnitNotAvailable
	}
}

// str2float converts a whitespace-trimmed string to float64, returning NaN
// on any parse failure instead of an error — the IPMI parser never rejects
// a whole line because one numeric field is "na".
func str2float(s string) float64 {
	s = strings.TrimSpace(s)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

// scanLines is a small helper kept for symmetry with the SMART parser,
// which needs to scan line-by-line with bufio.Scanner rather than
// strings.Split (its input can be much larger).
func scanLines(s string) []string {
	var out []string
	scanner := bufio.NewScanner(strings.NewReader(s))
	for scanner.Scan() {
		out = append(out, scanner.Text())
	}
	return out
}
