// Package config loads and validates the daemon's YAML configuration file,
// shaped by paths, IPMI settle timing, and the two zone sections.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrNoZoneEnabled is returned by Validate when neither zone is enabled;
// the daemon maps this to a distinct exit code from other config errors.
var ErrNoZoneEnabled = errors.New("config: at least one of cpu_zone or hd_zone must be enabled")

// Config is the top-level configuration document.
type Config struct {
	Paths  PathsConfig `yaml:"paths"`
	IPMI   IPMIConfig  `yaml:"ipmi"`
	CPU    ZoneConfig  `yaml:"cpu_zone"`
	HD     HDZoneConfig `yaml:"hd_zone"`
}

// PathsConfig points at the external command binaries.
type PathsConfig struct {
	IpmitoolPath string `yaml:"ipmitool_path"`
	SmartctlPath string `yaml:"smartctl_path"`
}

// IPMIConfig carries the BMC Controller's settle-timing and zone-mapping
// configuration.
type IPMIConfig struct {
	FanModeDelay       time.Duration `yaml:"fan_mode_delay"`
	FanLevelDelay      time.Duration `yaml:"fan_level_delay"`
	SwappedZones       bool          `yaml:"swapped_zones"`
	IpmiAlternateMode  bool          `yaml:"impi_alternate_mode"`
}

// ZoneConfig is the CPU zone's section.
type ZoneConfig struct {
	Enabled     bool    `yaml:"enabled"`
	SensorSpec  string  `yaml:"sensor_spec"` // comma-separated substrings
	TempCalc    string  `yaml:"temp_calc"`   // min|avg|max|first
	Steps       int     `yaml:"steps"`
	Sensitivity float64 `yaml:"sensitivity"`
	Polling     time.Duration `yaml:"polling"`
	MinLevel    int     `yaml:"min_level"`
	MaxLevel    int     `yaml:"max_level"`
	MinTemp     float64 `yaml:"min_temp"`
	MaxTemp     float64 `yaml:"max_temp"`
}

// HDZoneConfig extends ZoneConfig with the HD zone's disk-specific knobs.
type HDZoneConfig struct {
	ZoneConfig  `yaml:",inline"`
	ParseLimits bool    `yaml:"parse_limits"`
	MinTempHDD  float64 `yaml:"min_temp_hdd"`
	MaxTempHDD  float64 `yaml:"max_temp_hdd"`
	MinTempSSD  float64 `yaml:"min_temp_ssd"`
	MaxTempSSD  float64 `yaml:"max_temp_ssd"`
}

// Load reads, defaults, and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	// min_temp/max_temp are an optional IPMI threshold override: absent
	// unless the document sets them. Pre-seed with NaN so yaml.Unmarshal
	// (which only touches keys present in the document) leaves them
	// distinguishable from an explicit 0.
	cfg.CPU.MinTemp, cfg.CPU.MaxTemp = math.NaN(), math.NaN()
	cfg.HD.MinTemp, cfg.HD.MaxTemp = math.NaN(), math.NaN()

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate %s: %w", path, err)
	}

	return &cfg, nil
}

// setDefaults fills unset fields with the system's documented defaults.
func setDefaults(c *Config) {
	if c.Paths.IpmitoolPath == "" {
		c.Paths.IpmitoolPath = "/usr/bin/ipmitool"
	}
	if c.Paths.SmartctlPath == "" {
		c.Paths.SmartctlPath = "/usr/sbin/smartctl"
	}
	if c.IPMI.FanModeDelay == 0 {
		c.IPMI.FanModeDelay = 10 * time.Second
	}
	if c.IPMI.FanLevelDelay == 0 {
		c.IPMI.FanLevelDelay = 2 * time.Second
	}

	setZoneDefaults(&c.CPU, zoneDefaults{steps: 6, sensitivity: 0.05, polling: 2 * time.Second})
	setZoneDefaults(&c.HD.ZoneConfig, zoneDefaults{steps: 4, sensitivity: 0.02, polling: 10 * time.Second})
	if c.HD.MinTempHDD == 0 {
		c.HD.MinTempHDD = 10
	}
	if c.HD.MaxTempHDD == 0 {
		c.HD.MaxTempHDD = 50
	}
	if c.HD.MinTempSSD == 0 {
		c.HD.MinTempSSD = 10
	}
	if c.HD.MaxTempSSD == 0 {
		c.HD.MaxTempSSD = 70
	}
}

// zoneDefaults carries the per-kind defaults (CPU and HD zones differ in
// steps/sensitivity/polling). min_temp/max_temp have no synthesized
// default: they stay absent (NaN) unless the operator sets them, since
// they override the BMC's own reported thresholds rather than replace
// them.
type zoneDefaults struct {
	steps       int
	sensitivity float64
	polling     time.Duration
}

func setZoneDefaults(z *ZoneConfig, d zoneDefaults) {
	if z.TempCalc == "" {
		z.TempCalc = "avg"
	}
	if z.Steps == 0 {
		z.Steps = d.steps
	}
	if z.Sensitivity == 0 {
		z.Sensitivity = d.sensitivity
	}
	if z.Polling == 0 {
		z.Polling = d.polling
	}
	if z.MinLevel == 0 {
		z.MinLevel = 35
	}
	if z.MaxLevel == 0 {
		z.MaxLevel = 100
	}
}

// Validate enforces the documented numeric constraints per zone, plus the
// "at least one zone enabled" rule.
func (c *Config) Validate() error {
	if c.Paths.IpmitoolPath == "" {
		return fmt.Errorf("paths.ipmitool_path must not be empty")
	}
	if c.Paths.SmartctlPath == "" {
		return fmt.Errorf("paths.smartctl_path must not be empty")
	}
	if c.IPMI.FanModeDelay < 0 || c.IPMI.FanLevelDelay < 0 {
		return fmt.Errorf("ipmi: settle delays must be non-negative")
	}

	if !c.CPU.Enabled && !c.HD.Enabled {
		return ErrNoZoneEnabled
	}

	if c.CPU.Enabled {
		if err := validateZone("cpu_zone", c.CPU); err != nil {
			return err
		}
	}
	if c.HD.Enabled {
		if err := validateZone("hd_zone", c.HD.ZoneConfig); err != nil {
			return err
		}
		if c.HD.MinTempHDD >= c.HD.MaxTempHDD {
			return fmt.Errorf("hd_zone: min_temp_hdd (%.1f) must be less than max_temp_hdd (%.1f)", c.HD.MinTempHDD, c.HD.MaxTempHDD)
		}
		if c.HD.MinTempSSD >= c.HD.MaxTempSSD {
			return fmt.Errorf("hd_zone: min_temp_ssd (%.1f) must be less than max_temp_ssd (%.1f)", c.HD.MinTempSSD, c.HD.MaxTempSSD)
		}
	}

	return nil
}

func validateZone(name string, z ZoneConfig) error {
	switch z.TempCalc {
	case "min", "avg", "max", "first":
	default:
		return fmt.Errorf("%s: temp_calc must be one of min, avg, max, first; got %q", name, z.TempCalc)
	}
	if z.Steps <= 0 {
		return fmt.Errorf("%s: steps must be > 0, got %d", name, z.Steps)
	}
	if z.Sensitivity <= 0 || z.Sensitivity > 1 {
		return fmt.Errorf("%s: sensitivity must be in (0, 1], got %.3f", name, z.Sensitivity)
	}
	if z.Polling < 0 {
		return fmt.Errorf("%s: polling must be >= 0, got %v", name, z.Polling)
	}
	if z.MinLevel < 0 || z.MaxLevel > 100 || z.MinLevel > z.MaxLevel {
		return fmt.Errorf("%s: invalid min_level/max_level (%d/%d)", name, z.MinLevel, z.MaxLevel)
	}
	// min_temp/max_temp are an optional threshold override: absent (NaN)
	// on both sides means "use the IPMI sensor's own lnc/unc." Only
	// reject a half-set pair or an inverted range.
	minSet, maxSet := !math.IsNaN(z.MinTemp), !math.IsNaN(z.MaxTemp)
	if minSet != maxSet {
		return fmt.Errorf("%s: min_temp and max_temp must be set together", name)
	}
	if minSet && maxSet && z.MinTemp >= z.MaxTemp {
		return fmt.Errorf("%s: min_temp (%.1f) must be less than max_temp (%.1f)", name, z.MinTemp, z.MaxTemp)
	}
	return nil
}
