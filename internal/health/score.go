package health

import (
	"math"
	"time"

	"homepulse/core-go/internal/telemetry"
)

type Status string

const (
	StatusExcellent Status = "excellent"
	StatusGood      Status = "good"
	StatusFair      Status = "fair"
	StatusPoor      Status = "poor"
	StatusCritical  Status = "critical"
	StatusNoData    Status = "no_data"
)

// Factor is one weighted component of a health score.
type Factor struct {
	Score  float64  `json:"score"`
	Weight float64  `json:"weight"`
	Value  *float64 `json:"value"`
	Status Status   `json:"status"`
}

type Result struct {
	DeviceID        string                      `json:"device_id"`
	Overall         float64                     `json:"overall"`
	Factors         map[telemetry.Metric]Factor `json:"factors"`
	TrendAdjustment float64                     `json:"trend_adjustment"`
	Status          Status                      `json:"status"`
	Recommendations []string                    `json:"recommendations"`
	ComputedAt      time.Time                   `json:"computed_at"`
}

type factorSpec struct {
	metric         telemetry.Metric
	weight         float64
	higherIsBetter bool
	tier           func(float64) float64
}

var factors = []factorSpec{
	{telemetry.ResponseTime, 0.25, false, responseTimeTier},
	{telemetry.ErrorRate, 0.30, false, errorRateTier},
	{telemetry.BatteryLevel, 0.20, true, batteryTier},
	{telemetry.SignalStrength, 0.15, true, signalTier},
	{telemetry.UsageEvents, 0.10, true, usageTier},
}

const (
	historyWindow     = 10
	historyThreshold  = 0.10
	historyAdjustment = 10.0
	trendPoints       = 5
	maxTrend          = 10.0

	// DefaultTrendScale converts a relative change of the trend metrics into
	// score points.
	DefaultTrendScale = 10.0
)

// Scorer computes weighted health scores. The zero value is not usable; use
// NewScorer.
type Scorer struct {
	TrendScale float64
	Now        func() time.Time
}

func NewScorer() *Scorer {
	return &Scorer{TrendScale: DefaultTrendScale, Now: time.Now}
}

// Score rates current against the tier tables and adjusts each factor by how
// it moved relative to historical. Missing metrics score 100.
func (s *Scorer) Score(deviceID string, current telemetry.Sample, historical []telemetry.Sample) Result {
	res := Result{
		DeviceID:   deviceID,
		Factors:    make(map[telemetry.Metric]Factor, len(factors)),
		ComputedAt: s.Now().UTC(),
	}

	overall := 0.0
	for _, f := range factors {
		v, ok := current.Value(f.metric)
		if !ok {
			res.Factors[f.metric] = Factor{Score: 100, Weight: f.weight, Status: StatusNoData}
			overall += f.weight * 100
			continue
		}
		score := clamp(f.tier(v)+historyAdjust(f, v, historical), 0, 100)
		value := v
		res.Factors[f.metric] = Factor{Score: score, Weight: f.weight, Value: &value, Status: statusFor(score)}
		overall += f.weight * score
	}

	res.TrendAdjustment = s.trendAdjustment(historical)
	res.Overall = round2(clamp(overall+res.TrendAdjustment, 0, 100))
	res.Status = statusFor(res.Overall)
	res.Recommendations = recommendations(current, res.Overall)
	return res
}

func historyAdjust(f factorSpec, current float64, historical []telemetry.Sample) float64 {
	vs := telemetry.Values(historical, f.metric)
	if len(vs) == 0 {
		return 0
	}
	if len(vs) > historyWindow {
		vs = vs[len(vs)-historyWindow:]
	}
	mean := telemetry.Mean(vs)
	if mean == 0 {
		return 0
	}
	change := (current - mean) / math.Abs(mean)
	if !f.higherIsBetter {
		change = -change
	}
	switch {
	case change >= historyThreshold:
		return historyAdjustment
	case change <= -historyThreshold:
		return -historyAdjustment
	}
	return 0
}

// trendAdjustment splits the last few error rate and response time points in
// half and penalizes growth in the second half.
func (s *Scorer) trendAdjustment(historical []telemetry.Sample) float64 {
	scale := s.TrendScale
	if scale == 0 {
		scale = DefaultTrendScale
	}
	total := 0.0
	for _, m := range []telemetry.Metric{telemetry.ErrorRate, telemetry.ResponseTime} {
		vs := telemetry.Values(historical, m)
		if len(vs) > trendPoints {
			vs = vs[len(vs)-trendPoints:]
		}
		if len(vs) < 2 {
			continue
		}
		first := telemetry.Mean(vs[:len(vs)/2])
		second := telemetry.Mean(vs[len(vs)/2:])
		if first == 0 {
			continue
		}
		total -= (second - first) / math.Abs(first) * scale
	}
	return round2(clamp(total, -maxTrend, maxTrend))
}

func recommendations(current telemetry.Sample, overall float64) []string {
	out := []string{}
	if v, ok := current.Value(telemetry.ResponseTime); ok && v > 1000 {
		out = append(out, "Response time is high; check network congestion and device load")
	}
	if v, ok := current.Value(telemetry.ErrorRate); ok && v > 5 {
		out = append(out, "Error rate is elevated; review device logs and configuration")
	}
	if v, ok := current.Value(telemetry.BatteryLevel); ok && v < 20 {
		out = append(out, "Battery is low; replace or recharge soon")
	}
	if v, ok := current.Value(telemetry.SignalStrength); ok && v < -80 {
		out = append(out, "Signal is weak; move the device closer to a router or add a repeater")
	}
	if v, ok := current.Value(telemetry.UsageEvents); ok && v < 1 {
		out = append(out, "Device is rarely used; consider whether it is still needed")
	}
	if overall < 40 {
		out = append(out, "Overall health is critical; inspect the device immediately")
	}
	return out
}

func responseTimeTier(ms float64) float64 {
	switch {
	case ms <= 100:
		return 100
	case ms <= 500:
		return 80
	case ms <= 1000:
		return 60
	case ms <= 3000:
		return 40
	}
	return 20
}

func errorRateTier(pct float64) float64 {
	switch {
	case pct <= 0.1:
		return 100
	case pct <= 1:
		return 80
	case pct <= 5:
		return 60
	case pct <= 10:
		return 40
	}
	return 20
}

func batteryTier(pct float64) float64 {
	switch {
	case pct >= 80:
		return 100
	case pct >= 50:
		return 80
	case pct >= 20:
		return 60
	case pct >= 10:
		return 40
	}
	return 20
}

func signalTier(dbm float64) float64 {
	switch {
	case dbm >= -50:
		return 100
	case dbm >= -65:
		return 80
	case dbm >= -75:
		return 60
	case dbm >= -85:
		return 40
	}
	return 20
}

func usageTier(perDay float64) float64 {
	switch {
	case perDay >= 10:
		return 100
	case perDay >= 5:
		return 80
	case perDay >= 1:
		return 60
	case perDay > 0:
		return 40
	}
	return 20
}

func statusFor(score float64) Status {
	switch {
	case score >= 90:
		return StatusExcellent
	case score >= 75:
		return StatusGood
	case score >= 60:
		return StatusFair
	case score >= 40:
		return StatusPoor
	}
	return StatusCritical
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
