package telemetry

import "time"

// Metric names a numeric field of a Sample.
type Metric string

const (
	ResponseTime    Metric = "response_time"
	ErrorRate       Metric = "error_rate"
	BatteryLevel    Metric = "battery_level"
	SignalStrength  Metric = "signal_strength"
	CPUUsage        Metric = "cpu_usage"
	MemoryUsage     Metric = "memory_usage"
	Temperature     Metric = "temperature"
	UptimeHours     Metric = "uptime_hours"
	RestartCount    Metric = "restart_count"
	ConnectionDrops Metric = "connection_drops"
	UsageEvents     Metric = "usage_events"
)

// AllMetrics lists every sample field in feature order.
var AllMetrics = []Metric{
	ResponseTime,
	ErrorRate,
	BatteryLevel,
	SignalStrength,
	CPUUsage,
	MemoryUsage,
	Temperature,
	UptimeHours,
	RestartCount,
	ConnectionDrops,
	UsageEvents,
}

// Sample is one metric observation for a device. A nil field was not
// reported, which is different from a reported zero.
type Sample struct {
	DeviceID        string    `json:"device_id"`
	Timestamp       time.Time `json:"timestamp"`
	ResponseTimeMs  *float64  `json:"response_time_ms,omitempty"`
	ErrorRate       *float64  `json:"error_rate,omitempty"`
	BatteryLevel    *float64  `json:"battery_level,omitempty"`
	SignalStrength  *float64  `json:"signal_strength,omitempty"`
	CPUUsage        *float64  `json:"cpu_usage,omitempty"`
	MemoryUsage     *float64  `json:"memory_usage,omitempty"`
	Temperature     *float64  `json:"temperature,omitempty"`
	UptimeHours     *float64  `json:"uptime_hours,omitempty"`
	RestartCount    *float64  `json:"restart_count,omitempty"`
	ConnectionDrops *float64  `json:"connection_drops,omitempty"`
	UsageEvents     *float64  `json:"usage_events,omitempty"`
}

func (s *Sample) field(m Metric) **float64 {
	switch m {
	case ResponseTime:
		return &s.ResponseTimeMs
	case ErrorRate:
		return &s.ErrorRate
	case BatteryLevel:
		return &s.BatteryLevel
	case SignalStrength:
		return &s.SignalStrength
	case CPUUsage:
		return &s.CPUUsage
	case MemoryUsage:
		return &s.MemoryUsage
	case Temperature:
		return &s.Temperature
	case UptimeHours:
		return &s.UptimeHours
	case RestartCount:
		return &s.RestartCount
	case ConnectionDrops:
		return &s.ConnectionDrops
	case UsageEvents:
		return &s.UsageEvents
	}
	return nil
}

// Value reports the metric and whether it was present.
func (s Sample) Value(m Metric) (float64, bool) {
	p := s.field(m)
	if p == nil || *p == nil {
		return 0, false
	}
	return **p, true
}

// Set stores v for metric m. Unknown metrics are ignored.
func (s *Sample) Set(m Metric, v float64) {
	if p := s.field(m); p != nil {
		*p = &v
	}
}

// Empty reports whether no metric is present.
func (s Sample) Empty() bool {
	for _, m := range AllMetrics {
		if _, ok := s.Value(m); ok {
			return false
		}
	}
	return true
}

// Clone returns a copy that shares no pointers with s.
func (s Sample) Clone() Sample {
	out := Sample{DeviceID: s.DeviceID, Timestamp: s.Timestamp}
	for _, m := range AllMetrics {
		if v, ok := s.Value(m); ok {
			out.Set(m, v)
		}
	}
	return out
}

// Values extracts the present values of m from samples, oldest first.
func Values(samples []Sample, m Metric) []float64 {
	out := make([]float64, 0, len(samples))
	for _, s := range samples {
		if v, ok := s.Value(m); ok {
			out = append(out, v)
		}
	}
	return out
}

// Mean returns the arithmetic mean of vs, or 0 when empty.
func Mean(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}
