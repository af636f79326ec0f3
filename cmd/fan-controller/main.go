// Command fan-controller drives BMC fan zones from IPMI and SMART
// temperature readings, per the CPU/HD zone control loops in internal/zone.
package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/martinbreit/fan-controller/internal/bmc"
	"github.com/martinbreit/fan-controller/internal/cmdrun"
	"github.com/martinbreit/fan-controller/internal/config"
	"github.com/martinbreit/fan-controller/internal/diagnose"
	"github.com/martinbreit/fan-controller/internal/logging"
	"github.com/martinbreit/fan-controller/internal/metrics"
	"github.com/martinbreit/fan-controller/internal/sensors"
	"github.com/martinbreit/fan-controller/internal/zone"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// Exit codes returned by the daemon on startup failure.
const (
	exitOK                 = 0
	exitInvalidLogging     = 5
	exitConfigUnreadable   = 6
	exitBMCInitFailure     = 7
	exitNoZoneEnabled      = 8
)

var (
	configPath string
	dryRun     bool
	logLevel   string
	logOutput  string
	metricsPort int
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(1) // cobra already printed the error
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "fan-controller",
		Short: "IPMI/SMART driven BMC fan-zone controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMain(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "/etc/fan-controller/config.yaml", "path to configuration file")
	root.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "log intended fan-level writes without issuing them (the startup fan-mode write is still issued)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: none, error, info or debug (error when unset)")
	root.PersistentFlags().StringVar(&logOutput, "log-output", "stderr", "log sink: stdout or stderr")
	root.PersistentFlags().IntVar(&metricsPort, "metrics-port", 9090, "metrics/health HTTP port")

	root.AddCommand(newRunCmd())
	root.AddCommand(newTestBMCCmd())
	root.AddCommand(newDiagnoseCmd())
	return root
}

func buildLogger() (logging.Logger, error) {
	level := logging.ParseLevel(logLevel)
	if logLevel != "" && level == logging.LevelError && logLevel != "error" {
		return nil, fmt.Errorf("invalid --log-level %q", logLevel)
	}

	switch logOutput {
	case "stdout":
		return logging.NewStdout(level), nil
	case "stderr":
		return logging.NewStderr(level), nil
	default:
		return nil, fmt.Errorf("invalid --log-output %q (want stdout or stderr)", logOutput)
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "run the fan control loop (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMain(cmd.Context())
		},
	}
}

func runMain(ctx context.Context) error {
	log, err := buildLogger()
	if err != nil {
		os.Exit(exitInvalidLogging)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Errorf("config: %v", err)
		if errors.Is(err, config.ErrNoZoneEnabled) {
			os.Exit(exitNoZoneEnabled)
		}
		os.Exit(exitConfigUnreadable)
	}

	runner := cmdrun.NewExecRunner()

	bmcCfg := bmc.Config{
		CommandPath:         cfg.Paths.IpmitoolPath,
		FanModeSettleDelay:  cfg.IPMI.FanModeDelay,
		FanLevelSettleDelay: cfg.IPMI.FanLevelDelay,
		SwapZones:           cfg.IPMI.SwappedZones,
		AlternateSetLevel:   cfg.IPMI.IpmiAlternateMode,
	}
	bmcController, err := bmc.New(ctx, runner, bmcCfg)
	if err != nil {
		log.Errorf("bmc: init failed: %v", err)
		os.Exit(exitBMCInitFailure)
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	if err := metrics.Server(metrics.Addr(metricsPort)); err != nil {
		log.Errorf("metrics: %v", err)
	}
	bmcController.SetFailureRecorder(m)

	writer := fanWriter(bmcController, log)

	var zones []*zone.Controller
	ipmiReader := sensors.NewIPMIReader(runner, cfg.Paths.IpmitoolPath)
	ipmiReader.Recorder = m

	if cfg.CPU.Enabled {
		c, err := newCPUZone(cfg, ipmiReader, writer, log)
		if err != nil {
			log.Errorf("cpu_zone: %v", err)
			os.Exit(exitConfigUnreadable)
		}
		c.SetObserver(m)
		zones = append(zones, c)
	}
	if cfg.HD.Enabled {
		c, err := newHDZone(cfg, runner, ipmiReader, writer, log, m)
		if err != nil {
			log.Errorf("hd_zone: %v", err)
			os.Exit(exitConfigUnreadable)
		}
		c.SetObserver(m)
		zones = append(zones, c)
	}

	if mode, err := bmcController.GetFanMode(ctx); err == nil {
		log.Debugf("pre-daemon fan mode: %s", mode)
	}

	if err := bmcController.SetFanMode(ctx, bmc.ModeFull); err != nil {
		log.Errorf("bmc: transition to full mode on start: %v", err)
		os.Exit(exitBMCInitFailure)
	}
	log.Infof("bmc: fan mode set to full for daemon startup")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	stop := make(chan struct{})
	done := make(chan struct{})
	go controlLoop(ctx, cfg, zones, m, log, stop, done)

	<-sigCh
	log.Infof("shutdown signal received")
	close(stop)
	<-done
	return nil
}

// fanWriter wraps bmcController.SetFanLevel behind --dry-run, logging
// instead of writing when enabled.
func fanWriter(c *bmc.Controller, log logging.Logger) zone.BMCWriter {
	if !dryRun {
		return c
	}
	return dryRunWriter{log: log}
}

type dryRunWriter struct{ log logging.Logger }

func (w dryRunWriter) SetFanLevel(_ context.Context, z bmc.Zone, percent int) error {
	w.log.Infof("dry-run: would set zone %d to %d%%", z, percent)
	return nil
}

func newCPUZone(cfg *config.Config, ipmiReader *sensors.IPMIReader, writer zone.BMCWriter, log logging.Logger) (*zone.Controller, error) {
	names := splitSensorSpec(cfg.CPU.SensorSpec)
	override := thresholdOverride(cfg.CPU.MinTemp, cfg.CPU.MaxTemp)
	source := &zone.CPUSource{IPMI: ipmiReader, Names: names, Override: override}

	zc := zone.Config{
		ZoneID:      bmc.CPUZone,
		Name:        "cpu_zone",
		TempCalc:    tempCalcFromString(cfg.CPU.TempCalc),
		Steps:       cfg.CPU.Steps,
		Sensitivity: cfg.CPU.Sensitivity,
		Polling:     cfg.CPU.Polling,
		MinLevel:    cfg.CPU.MinLevel,
		MaxLevel:    cfg.CPU.MaxLevel,
	}
	return zone.New(zc, writer, source, log)
}

func newHDZone(cfg *config.Config, runner cmdrun.Runner, ipmiReader *sensors.IPMIReader, writer zone.BMCWriter, log logging.Logger, recorder sensors.FailureRecorder) (*zone.Controller, error) {
	names := splitSensorSpec(cfg.HD.SensorSpec)
	override := thresholdOverride(cfg.HD.MinTemp, cfg.HD.MaxTemp)
	disks := sensors.NewDisks(runner, cfg.Paths.SmartctlPath)
	disks.Recorder = recorder
	source := &zone.HDSource{
		IPMI:          ipmiReader,
		Names:         names,
		Override:      override,
		Disks:         disks,
		ParseLimits:   cfg.HD.ParseLimits,
		LimitsHDD:     sensors.Limits{Min: cfg.HD.MinTempHDD, Max: cfg.HD.MaxTempHDD},
		LimitsSSD:     sensors.Limits{Min: cfg.HD.MinTempSSD, Max: cfg.HD.MaxTempSSD},
		LimitsUnknown: sensors.DefaultLimitsUnknown,
	}

	zc := zone.Config{
		ZoneID:      bmc.HDZone,
		Name:        "hd_zone",
		TempCalc:    tempCalcFromString(cfg.HD.TempCalc),
		Steps:       cfg.HD.Steps,
		Sensitivity: cfg.HD.Sensitivity,
		Polling:     cfg.HD.Polling,
		MinLevel:    cfg.HD.MinLevel,
		MaxLevel:    cfg.HD.MaxLevel,
	}
	return zone.New(zc, writer, source, log)
}

func tempCalcFromString(s string) zone.TempCalc {
	switch s {
	case "min":
		return zone.CalcMin
	case "max":
		return zone.CalcMax
	case "first":
		return zone.CalcFirst
	default:
		return zone.CalcAvg
	}
}

func thresholdOverride(min, max float64) *sensors.ThresholdOverride {
	if math.IsNaN(min) || math.IsNaN(max) {
		return nil
	}
	o := &sensors.ThresholdOverride{Min: min, Max: max}
	if !o.Valid() {
		return nil
	}
	return o
}

func splitSensorSpec(spec string) []string {
	if spec == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// controlLoop runs every zone sequentially, sleeping for half the fastest
// enabled zone's polling interval between rounds, ticking every zone
// sequentially from a single goroutine.
func controlLoop(ctx context.Context, cfg *config.Config, zones []*zone.Controller, m *metrics.Metrics, log logging.Logger, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	interval := shortestPolling(cfg) / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, z := range zones {
				if err := z.Tick(ctx); err != nil {
					log.Errorf("tick: %v", err)
				}
			}
		}
	}
}

func shortestPolling(cfg *config.Config) time.Duration {
	shortest := time.Duration(math.MaxInt64)
	if cfg.CPU.Enabled && cfg.CPU.Polling < shortest {
		shortest = cfg.CPU.Polling
	}
	if cfg.HD.Enabled && cfg.HD.Polling < shortest {
		shortest = cfg.HD.Polling
	}
	if shortest == time.Duration(math.MaxInt64) {
		return time.Second
	}
	return shortest
}

func newTestBMCCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test-bmc",
		Short: "probe the configured BMC and print its current fan mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := buildLogger()
			if err != nil {
				os.Exit(exitInvalidLogging)
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				log.Errorf("config: %v", err)
				os.Exit(exitConfigUnreadable)
			}

			runner := cmdrun.NewExecRunner()
			bmcCfg := bmc.Config{
				CommandPath:         cfg.Paths.IpmitoolPath,
				FanModeSettleDelay:  cfg.IPMI.FanModeDelay,
				FanLevelSettleDelay: cfg.IPMI.FanLevelDelay,
				SwapZones:           cfg.IPMI.SwappedZones,
				AlternateSetLevel:   cfg.IPMI.IpmiAlternateMode,
			}
			c, err := bmc.New(cmd.Context(), runner, bmcCfg)
			if err != nil {
				log.Errorf("bmc: %v", err)
				os.Exit(exitBMCInitFailure)
			}

			mode, err := c.GetFanMode(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("fan mode: %s\n", mode)
			return nil
		},
	}
}

func newDiagnoseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diagnose",
		Short: "print host, sensor, and BMC diagnostics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			runner := cmdrun.NewExecRunner()
			ipmiReader := sensors.NewIPMIReader(runner, cfg.Paths.IpmitoolPath)
			disks := sensors.NewDisks(runner, cfg.Paths.SmartctlPath)

			var bmcController *bmc.Controller
			bmcCfg := bmc.Config{
				CommandPath:         cfg.Paths.IpmitoolPath,
				FanModeSettleDelay:  cfg.IPMI.FanModeDelay,
				FanLevelSettleDelay: cfg.IPMI.FanLevelDelay,
			}
			if c, err := bmc.New(cmd.Context(), runner, bmcCfg); err == nil {
				bmcController = c
			}

			report, err := diagnose.Collect(cmd.Context(), bmcController, ipmiReader, disks, cfg.HD.ParseLimits)
			if err != nil {
				return err
			}
			fmt.Print(report.String())
			return nil
		},
	}
}
