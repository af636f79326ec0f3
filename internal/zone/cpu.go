package zone

import (
	"context"

	"github.com/martinbreit/fan-controller/internal/sensors"
)

// CPUSource is the SensorSource for the CPU zone: IPMI readings only,
// filtered to the configured sensor-name substrings.
type CPUSource struct {
	IPMI     *sensors.IPMIReader
	Names    []string
	Override *sensors.ThresholdOverride
}

func (s *CPUSource) Update(ctx context.Context) ([]sensors.Reading, error) {
	return s.IPMI.Query(ctx, s.Names, s.Override)
}
