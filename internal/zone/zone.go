// Package zone implements the per-zone fan control loop: poll sensors,
// aggregate into a single relative temperature, quantize to a discrete
// step, and actuate the BMC only when the resulting fan level changes.
package zone

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/martinbreit/fan-controller/internal/bmc"
	"github.com/martinbreit/fan-controller/internal/logging"
	"github.com/martinbreit/fan-controller/internal/sensors"
)

// TempCalc is the aggregation mode used to reduce a zone's Readings to a
// single relative temperature.
type TempCalc int

const (
	CalcMin TempCalc = iota
	CalcAvg
	CalcMax
	CalcFirst // aggregates by taking the first reading only, ignoring the rest.
)

// BMCWriter is the subset of *bmc.Controller a zone needs; an interface so
// zone tests never spin up a real Controller.
type BMCWriter interface {
	SetFanLevel(ctx context.Context, zone bmc.Zone, percent int) error
}

// SensorSource produces the fresh list of Readings for one poll. CPU and
// HD zones each implement this differently (see cpu.go / hd.go).
type SensorSource interface {
	Update(ctx context.Context) ([]sensors.Reading, error)
}

// Config is a zone's static configuration.
type Config struct {
	ZoneID      bmc.Zone
	Name        string
	TempCalc    TempCalc
	Steps       int
	Sensitivity float64
	Polling     time.Duration
	MinLevel    int
	MaxLevel    int
}

// Validate checks Config against the control loop's structural constraints.
func (c Config) Validate() error {
	if c.ZoneID != bmc.CPUZone && c.ZoneID != bmc.HDZone {
		return fmt.Errorf("zone %q: invalid zone_id", c.Name)
	}
	if c.Name == "" {
		return fmt.Errorf("zone: name must not be empty")
	}
	if c.Steps <= 0 {
		return fmt.Errorf("zone %q: steps must be > 0", c.Name)
	}
	if c.Sensitivity <= 0 || c.Sensitivity > 1 {
		return fmt.Errorf("zone %q: sensitivity must be in (0, 1]", c.Name)
	}
	if c.Polling < 0 {
		return fmt.Errorf("zone %q: polling must be >= 0", c.Name)
	}
	if c.MinLevel < 0 || c.MaxLevel > 100 || c.MinLevel > c.MaxLevel {
		return fmt.Errorf("zone %q: invalid min_level/max_level (%d/%d)", c.Name, c.MinLevel, c.MaxLevel)
	}
	return nil
}

// Observer receives a per-tick snapshot after aggregation and quantization,
// regardless of whether the BMC was actually written to; the metrics
// package implements this to feed its gauges.
type Observer interface {
	ObserveTick(zone string, relTemp float64, step, level int, duration time.Duration)
}

// Controller is one zone's fan control loop and its mutable state.
type Controller struct {
	cfg      Config
	bmc      BMCWriter
	source   SensorSource
	log      logging.Logger
	observer Observer

	tempStep     float64
	levelStep    float64
	lastPollTime time.Time
	lastRelTemp  float64
	lastLevel    int
}

// New constructs a zone Controller. last_poll_time is initialized far
// enough in the past to force an immediate poll on the first Tick.
func New(cfg Config, bmcController BMCWriter, source SensorSource, log logging.Logger) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Nop{}
	}

	return &Controller{
		cfg:          cfg,
		bmc:          bmcController,
		source:       source,
		log:          log,
		tempStep:     1.0 / float64(cfg.Steps),
		levelStep:    float64(cfg.MaxLevel-cfg.MinLevel) / float64(cfg.Steps),
		lastPollTime: time.Now().Add(-(cfg.Polling + time.Second)),
		lastRelTemp:  0,
		lastLevel:    0,
	}, nil
}

// LastLevel returns the most recently actuated (or initial) fan level.
func (c *Controller) LastLevel() int { return c.lastLevel }

// SetObserver attaches a metrics Observer invoked at the end of every Tick
// that gets past the sensitivity gate. Passing nil disables observation.
func (c *Controller) SetObserver(o Observer) { c.observer = o }

// Tick runs one control-loop iteration: rate gate, sample, aggregate,
// hysteresis gate, quantize, actuate.
func (c *Controller) Tick(ctx context.Context) error {
	now := time.Now()
	if now.Sub(c.lastPollTime) < c.cfg.Polling {
		return nil
	}
	c.lastPollTime = now
	tickStart := now

	pollID := uuid.NewString()

	readings, err := c.source.Update(ctx)
	if err != nil {
		c.log.Errorf("%s[%s]: sensor update failed: %v", c.cfg.Name, pollID, err)
		return nil
	}
	for _, r := range readings {
		c.log.Debugf("%s[%s]: sensor %s = %.1f (rel=%.3f)", c.cfg.Name, pollID, r.Name, r.Temperature, r.Rel())
	}

	currentRel := aggregate(c.cfg.TempCalc, readings)
	if math.IsNaN(currentRel) {
		c.log.Errorf("%s[%s]: no sensor data this tick", c.cfg.Name, pollID)
		return nil
	}

	if math.Abs(currentRel-c.lastRelTemp) < c.cfg.Sensitivity {
		return nil
	}
	c.lastRelTemp = currentRel

	step := int(math.Round(currentRel / c.tempStep))
	if step < 0 {
		step = 0
	}
	if step > c.cfg.Steps {
		step = c.cfg.Steps
	}
	newLevel := int(math.Round(float64(step)*c.levelStep)) + c.cfg.MinLevel
	if newLevel < c.cfg.MinLevel {
		newLevel = c.cfg.MinLevel
	}
	if newLevel > c.cfg.MaxLevel {
		newLevel = c.cfg.MaxLevel
	}

	if newLevel != c.lastLevel {
		if err := c.bmc.SetFanLevel(ctx, c.cfg.ZoneID, newLevel); err != nil {
			c.log.Errorf("%s[%s]: set fan level %d%%: %v", c.cfg.Name, pollID, newLevel, err)
			if c.observer != nil {
				c.observer.ObserveTick(c.cfg.Name, currentRel, step, c.lastLevel, time.Since(tickStart))
			}
			return nil
		}
		c.lastLevel = newLevel
		c.log.Infof("%s[%s]: new fan level -> %d%% (rel=%.3f)", c.cfg.Name, pollID, newLevel, currentRel)
	}

	if c.observer != nil {
		c.observer.ObserveTick(c.cfg.Name, currentRel, step, c.lastLevel, time.Since(tickStart))
	}
	return nil
}

// aggregate reduces readings to a single relative temperature. MIN, MAX and
// AVG skip readings whose temperature is NaN; FIRST uses the first reading
// as is. An empty list (or one with no usable reading) yields NaN.
func aggregate(calc TempCalc, readings []sensors.Reading) float64 {
	if len(readings) == 0 {
		return math.NaN()
	}

	switch calc {
	case CalcFirst:
		return readings[0].Rel()
	case CalcMin:
		min := math.NaN()
		for _, r := range readings {
			rel := r.Rel()
			if math.IsNaN(r.Temperature) || math.IsNaN(rel) {
				continue
			}
			if math.IsNaN(min) || rel < min {
				min = rel
			}
		}
		return min
	case CalcMax:
		max := math.NaN()
		for _, r := range readings {
			rel := r.Rel()
			if math.IsNaN(r.Temperature) || math.IsNaN(rel) {
				continue
			}
			if math.IsNaN(max) || rel > max {
				max = rel
			}
		}
		return max
	case CalcAvg:
		sum := 0.0
		count := 0
		for _, r := range readings {
			rel := r.Rel()
			if math.IsNaN(r.Temperature) || math.IsNaN(rel) {
				continue
			}
			sum += rel
			count++
		}
		if count == 0 {
			return math.NaN()
		}
		return sum / float64(count)
	default:
		return math.NaN()
	}
}
