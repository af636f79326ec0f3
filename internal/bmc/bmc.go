// Package bmc encapsulates the BMC protocol surface: reading/setting the
// global fan mode and setting per-zone PWM levels, including the
// motherboard-family quirks (zone swap, alternate set-level wire format), and
// the settle delay that pauses the control loop briefly after fan mode or
// level changes.
package bmc

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/martinbreit/fan-controller/internal/cmdrun"
)

// Zone is a BMC fan-zone selector.
type Zone int

const (
	CPUZone Zone = 0
	HDZone  Zone = 1
)

// Mode is a BMC global fan mode.
type Mode int

const (
	ModeStandard Mode = 0
	ModeFull     Mode = 1
	ModeOptimal  Mode = 2
	ModeHeavyIO  Mode = 4
	ModeUnknown  Mode = -1
)

func (m Mode) String() string {
	switch m {
	case ModeStandard:
		return "STANDARD"
	case ModeFull:
		return "FULL"
	case ModeOptimal:
		return "OPTIMAL"
	case ModeHeavyIO:
		return "HEAVY_IO"
	default:
		return "UNKNOWN"
	}
}

func modeFromByte(v int) Mode {
	switch v {
	case 0:
		return ModeStandard
	case 1:
		return ModeFull
	case 2:
		return ModeOptimal
	case 4:
		return ModeHeavyIO
	default:
		return ModeUnknown
	}
}

var knownModes = map[Mode]bool{
	ModeStandard: true,
	ModeFull:     true,
	ModeOptimal:  true,
	ModeHeavyIO:  true,
}

// Config is the BMC Controller's immutable-after-construction
// configuration.
type Config struct {
	CommandPath        string
	FanModeSettleDelay time.Duration
	FanLevelSettleDelay time.Duration
	SwapZones          bool
	AlternateSetLevel  bool
}

// FailureRecorder receives a label for every BMC command that failed to
// spawn, exited non-zero, or returned an unparseable response. The
// metrics package implements this.
type FailureRecorder interface {
	RecordBMCFailure(operation string)
}

// Controller talks to the BMC through ipmitool raw commands.
type Controller struct {
	cfg      Config
	runner   cmdrun.Runner
	recorder FailureRecorder
}

// New validates cfg and probes that the configured ipmitool binary can be
// spawned at all (a cheap `sdr` call),
// surfacing BinaryMissing-class failures during initialization rather than
// at the first Tick().
func New(ctx context.Context, runner cmdrun.Runner, cfg Config) (*Controller, error) {
	if cfg.FanModeSettleDelay < 0 {
		return nil, fmt.Errorf("bmc: negative fan_mode_delay (%v)", cfg.FanModeSettleDelay)
	}
	if cfg.FanLevelSettleDelay < 0 {
		return nil, fmt.Errorf("bmc: negative fan_level_delay (%v)", cfg.FanLevelSettleDelay)
	}
	if cfg.CommandPath == "" {
		return nil, fmt.Errorf("bmc: empty command path")
	}

	if _, err := runner.Run(ctx, []string{cfg.CommandPath, "sdr"}); err != nil {
		return nil, fmt.Errorf("bmc: ipmitool not usable: %w", err)
	}

	return &Controller{cfg: cfg, runner: runner}, nil
}

// SetFailureRecorder attaches a FailureRecorder invoked on every protocol
// failure. Passing nil disables recording.
func (c *Controller) SetFailureRecorder(r FailureRecorder) { c.recorder = r }

func (c *Controller) recordFailure(operation string) {
	if c.recorder != nil {
		c.recorder.RecordBMCFailure(operation)
	}
}

// GetFanMode reads the current global fan mode.
func (c *Controller) GetFanMode(ctx context.Context) (Mode, error) {
	res, err := c.runner.Run(ctx, []string{c.cfg.CommandPath, "raw", "0x30", "0x45", "0x00"})
	if err != nil {
		c.recordFailure("get_fan_mode")
		return ModeUnknown, fmt.Errorf("bmc: get fan mode: %w", err)
	}
	if res.ExitCode != 0 {
		c.recordFailure("get_fan_mode")
		return ModeUnknown, fmt.Errorf("bmc: get fan mode: ipmitool exited %d: %s", res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}

	raw := strings.TrimSpace(string(res.Stdout))
	v, err := strconv.Atoi(raw)
	if err != nil {
		c.recordFailure("get_fan_mode")
		return ModeUnknown, fmt.Errorf("bmc: get fan mode: unparseable response %q: %w", raw, err)
	}
	return modeFromByte(v), nil
}

// SetFanMode issues SET_FAN_MODE and sleeps fan_mode_settle_delay
// afterward regardless of the command's exit code, giving the BMC time to
// transition.
func (c *Controller) SetFanMode(ctx context.Context, mode Mode) error {
	if !knownModes[mode] {
		return fmt.Errorf("bmc: invalid fan mode %v", mode)
	}

	res, err := c.runner.Run(ctx, []string{c.cfg.CommandPath, "raw", "0x30", "0x45", "0x01", strconv.Itoa(int(mode))})
	sleep(c.cfg.FanModeSettleDelay)
	if err != nil {
		c.recordFailure("set_fan_mode")
		return fmt.Errorf("bmc: set fan mode: %w", err)
	}
	if res.ExitCode != 0 {
		c.recordFailure("set_fan_mode")
		return fmt.Errorf("bmc: set fan mode: ipmitool exited %d: %s", res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}
	return nil
}

// SetFanLevel sets the PWM level (0-100) for a zone, honoring
// swap_zones and alternate_set_level, then sleeps
// fan_level_settle_delay regardless of exit code.
func (c *Controller) SetFanLevel(ctx context.Context, zone Zone, percent int) error {
	if zone != CPUZone && zone != HDZone {
		return fmt.Errorf("bmc: invalid zone %v", zone)
	}
	if percent < 0 || percent > 100 {
		return fmt.Errorf("bmc: invalid level %d", percent)
	}

	effectiveZone := zone
	if c.cfg.SwapZones {
		effectiveZone = 1 - zone
	}

	var argv []string
	if c.cfg.AlternateSetLevel {
		scaled := int(math.Round(255.0 * float64(percent) / 100.0))
		argv = []string{
			c.cfg.CommandPath, "raw", "0x30", "0x91", "0x5A", "0x03",
			fmt.Sprintf("0x%02x", 0x10+int(effectiveZone)),
			fmt.Sprintf("0x%02x", scaled),
		}
	} else {
		argv = []string{
			c.cfg.CommandPath, "raw", "0x30", "0x70", "0x66", "0x01",
			fmt.Sprintf("0x%02x", int(effectiveZone)),
			fmt.Sprintf("0x%02x", percent),
		}
	}

	res, err := c.runner.Run(ctx, argv)
	sleep(c.cfg.FanLevelSettleDelay)
	if err != nil {
		c.recordFailure("set_fan_level")
		return fmt.Errorf("bmc: set fan level: %w", err)
	}
	if res.ExitCode != 0 {
		c.recordFailure("set_fan_level")
		return fmt.Errorf("bmc: set fan level: ipmitool exited %d: %s", res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}
	return nil
}

// sleep is a package-level var so tests can stub out real time.Sleep.
var sleep = time.Sleep
