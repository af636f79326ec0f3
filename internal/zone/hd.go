package zone

import (
	"context"
	"fmt"

	"github.com/martinbreit/fan-controller/internal/sensors"
)

// HDSource is the SensorSource for the HD zone: the union of matching IPMI
// readings and every enumerated disk's SMART temperature. Disks are
// re-enumerated on every Update, so a disk added or removed while the
// daemon is running is reflected on the next poll.
type HDSource struct {
	IPMI     *sensors.IPMIReader
	Names    []string
	Override *sensors.ThresholdOverride

	Disks       *sensors.Disks
	ParseLimits bool
	LimitsHDD   sensors.Limits
	LimitsSSD   sensors.Limits
	LimitsUnknown sensors.Limits

	disks []sensors.Disk
}

// Rescan re-enumerates attached disks. Update calls it on every poll.
func (s *HDSource) Rescan(ctx context.Context) error {
	disks, err := s.Disks.Enumerate(ctx)
	if err != nil {
		return fmt.Errorf("zone: hd source: %w", err)
	}
	s.disks = disks
	return nil
}

func (s *HDSource) Update(ctx context.Context) ([]sensors.Reading, error) {
	if err := s.Rescan(ctx); err != nil {
		return nil, err
	}

	ipmiReadings, err := s.IPMI.Query(ctx, s.Names, s.Override)
	if err != nil {
		return nil, err
	}

	diskReadings := s.Disks.Temperatures(ctx, s.disks, s.ParseLimits, s.LimitsHDD, s.LimitsSSD, s.LimitsUnknown)

	out := make([]sensors.Reading, 0, len(ipmiReadings)+len(diskReadings))
	out = append(out, ipmiReadings...)
	out = append(out, diskReadings...)
	return out, nil
}
