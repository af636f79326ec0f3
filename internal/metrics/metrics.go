// Package metrics exposes the daemon's Prometheus instrumentation and the
// /health + /metrics HTTP endpoints.
package metrics

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector the control loop feeds.
type Metrics struct {
	RelTemperature  *prometheus.GaugeVec // current relative temp per zone
	QuantizedStep   *prometheus.GaugeVec // current quantized step per zone
	FanLevelPercent *prometheus.GaugeVec // current PWM level per zone
	FanMode         prometheus.Gauge     // current BMC global fan mode

	ParseFailuresTotal *prometheus.CounterVec // by sensor kind
	BMCFailuresTotal   *prometheus.CounterVec // by operation
	TickDuration       *prometheus.HistogramVec
}

// HealthResponse is the /health endpoint body.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
}

var startTime = time.Now()

// New builds and registers every collector against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RelTemperature: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fan_controller_zone_rel_temperature",
				Help: "Current relative temperature (0-1) per zone",
			},
			[]string{"zone"},
		),
		QuantizedStep: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fan_controller_zone_step",
				Help: "Current quantized step per zone",
			},
			[]string{"zone"},
		),
		FanLevelPercent: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fan_controller_zone_fan_level_percent",
				Help: "Current PWM level percent per zone",
			},
			[]string{"zone"},
		),
		FanMode: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fan_controller_bmc_fan_mode",
				Help: "Current BMC global fan mode (0=standard,1=full,2=optimal,4=heavy_io,-1=unknown)",
			},
		),
		ParseFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fan_controller_parse_failures_total",
				Help: "Total sensor parse failures by source kind",
			},
			[]string{"kind"},
		),
		BMCFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fan_controller_bmc_failures_total",
				Help: "Total BMC command failures by operation",
			},
			[]string{"operation"},
		),
		TickDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fan_controller_tick_duration_seconds",
				Help:    "Zone Tick() execution time in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
			},
			[]string{"zone"},
		),
	}

	reg.MustRegister(
		m.RelTemperature,
		m.QuantizedStep,
		m.FanLevelPercent,
		m.FanMode,
		m.ParseFailuresTotal,
		m.BMCFailuresTotal,
		m.TickDuration,
	)

	return m
}

// ObserveTick records one zone's poll outcome.
func (m *Metrics) ObserveTick(zone string, relTemp float64, step, level int, duration time.Duration) {
	m.RelTemperature.WithLabelValues(zone).Set(relTemp)
	m.QuantizedStep.WithLabelValues(zone).Set(float64(step))
	m.FanLevelPercent.WithLabelValues(zone).Set(float64(level))
	m.TickDuration.WithLabelValues(zone).Observe(duration.Seconds())
}

// RecordParseFailure increments the parse-failure counter for kind (e.g.
// "ipmi", "smart").
func (m *Metrics) RecordParseFailure(kind string) {
	m.ParseFailuresTotal.WithLabelValues(kind).Inc()
}

// RecordBMCFailure increments the BMC-failure counter for operation (e.g.
// "get_fan_mode", "set_fan_level").
func (m *Metrics) RecordBMCFailure(operation string) {
	m.BMCFailuresTotal.WithLabelValues(operation).Inc()
}

// Server runs the /health and /metrics endpoints in the background.
func Server(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.Handle("/metrics", promhttp.Handler())

	go func() {
		log.Printf("metrics: listening on %s", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Printf("metrics: server error: %v", err)
		}
	}()

	return nil
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Uptime:    time.Since(startTime).String(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("metrics: health encode: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// Addr builds a ":port" listen address.
func Addr(port int) string {
	return fmt.Sprintf(":%d", port)
}
