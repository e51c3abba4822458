package subdevice

import (
	"context"
	"math"
	"strconv"

	"github.com/ApplY3D/com.xiaomi-miio/internal/capability"
	"github.com/ApplY3D/com.xiaomi-miio/internal/hub"
)

// Battery voltage range of a CR2032 cell, in millivolts.
const (
	batteryMinMillivolts = 2800
	batteryMaxMillivolts = 3300
)

// SensorHT handles a temperature and humidity sensor. Both values are
// reported in hundredths.
type SensorHT struct {
	base
}

// NewSensorHT builds a sensor handler. Sensors take no commands.
func NewSensorHT(opts Options) *SensorHT {
	return &SensorHT{base: newBase(opts)}
}

// OnEvent applies readings and battery level.
func (s *SensorHT) OnEvent(ctx context.Context, ev hub.Event) {
	s.markAvailable(ctx)

	var changes []capability.Change
	if v, ok := hundredths(ev.Data["temperature"]); ok {
		changes = append(changes, set(capability.MeasureTemperature, v))
	}
	if v, ok := hundredths(ev.Data["humidity"]); ok {
		changes = append(changes, set(capability.MeasureHumidity, v))
	}
	if mv, err := strconv.Atoi(ev.Data["voltage"]); err == nil {
		changes = append(changes, set(capability.MeasureBattery, BatteryPercent(mv)))
	}
	if len(changes) == 0 {
		s.logDebug("event without readings", "cmd", ev.Cmd)
		return
	}
	s.apply(ctx, changes...)
}

// Close is a no-op; the sensor has no timers.
func (s *SensorHT) Close() {}

// BatteryPercent maps a cell voltage onto 0-100.
func BatteryPercent(millivolts int) int {
	pct := float64(millivolts-batteryMinMillivolts) / (batteryMaxMillivolts - batteryMinMillivolts) * 100
	return int(math.Round(math.Max(0, math.Min(100, pct))))
}

// hundredths parses "2150" as 21.5.
func hundredths(raw string) (float64, bool) {
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return float64(n) / 100, true
}
