package health

import (
	"sort"
	"time"

	"homepulse/core-go/internal/telemetry"
)

type TrendPoint struct {
	Date    string  `json:"date"`
	Score   float64 `json:"score"`
	Samples int     `json:"samples"`
}

type TrendReport struct {
	DeviceID  string       `json:"device_id"`
	Days      int          `json:"days"`
	Points    []TrendPoint `json:"points"`
	Direction string       `json:"direction"`
	Change    float64      `json:"change"`
}

// Trend scores each UTC day of the last days that has samples. Within a day
// the newest sample is scored against everything before it.
func (s *Scorer) Trend(deviceID string, samples []telemetry.Sample, days int) TrendReport {
	if days <= 0 {
		days = 7
	}
	rep := TrendReport{DeviceID: deviceID, Days: days, Points: []TrendPoint{}, Direction: "stable"}

	end := s.Now().UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	start := end.AddDate(0, 0, -days)

	byDay := make(map[string][]telemetry.Sample)
	var order []string
	var before []telemetry.Sample
	for _, smp := range samples {
		ts := smp.Timestamp.UTC()
		if ts.Before(start) {
			before = append(before, smp)
			continue
		}
		if !ts.Before(end) {
			continue
		}
		key := ts.Format("2006-01-02")
		if _, ok := byDay[key]; !ok {
			order = append(order, key)
		}
		byDay[key] = append(byDay[key], smp)
	}
	sort.Strings(order)

	history := before
	for _, day := range order {
		bucket := byDay[day]
		current := bucket[len(bucket)-1]
		hist := append(append([]telemetry.Sample(nil), history...), bucket[:len(bucket)-1]...)
		r := s.Score(deviceID, current, hist)
		rep.Points = append(rep.Points, TrendPoint{Date: day, Score: r.Overall, Samples: len(bucket)})
		history = append(history, bucket...)
	}

	if n := len(rep.Points); n >= 2 {
		rep.Change = round2(rep.Points[n-1].Score - rep.Points[0].Score)
		switch {
		case rep.Change >= 5:
			rep.Direction = "improving"
		case rep.Change <= -5:
			rep.Direction = "declining"
		}
	}
	return rep
}

type Ranked struct {
	Rank     int     `json:"rank"`
	DeviceID string  `json:"device_id"`
	Overall  float64 `json:"overall"`
	Status   Status  `json:"status"`
}

type Comparison struct {
	Devices []Ranked `json:"devices"`
	Best    string   `json:"best,omitempty"`
	Worst   string   `json:"worst,omitempty"`
	Average float64  `json:"average"`
	Spread  float64  `json:"spread"`
}

// Compare ranks results best first. Ties keep device id order.
func Compare(results []Result) Comparison {
	cmp := Comparison{Devices: []Ranked{}}
	if len(results) == 0 {
		return cmp
	}
	sorted := append([]Result(nil), results...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Overall != sorted[j].Overall {
			return sorted[i].Overall > sorted[j].Overall
		}
		return sorted[i].DeviceID < sorted[j].DeviceID
	})
	sum := 0.0
	for i, r := range sorted {
		cmp.Devices = append(cmp.Devices, Ranked{Rank: i + 1, DeviceID: r.DeviceID, Overall: r.Overall, Status: r.Status})
		sum += r.Overall
	}
	cmp.Best = sorted[0].DeviceID
	cmp.Worst = sorted[len(sorted)-1].DeviceID
	cmp.Average = round2(sum / float64(len(sorted)))
	cmp.Spread = round2(sorted[0].Overall - sorted[len(sorted)-1].Overall)
	return cmp
}

type Summary struct {
	Devices       int            `json:"devices"`
	Average       float64        `json:"average"`
	ByStatus      map[Status]int `json:"by_status"`
	NeedsAction   []string       `json:"needs_action"`
	WeakestFactor string         `json:"weakest_factor,omitempty"`
}

// Summarize aggregates a fleet of results. Devices rated poor or critical
// are listed under NeedsAction.
func Summarize(results []Result) Summary {
	sum := Summary{
		Devices:     len(results),
		ByStatus:    map[Status]int{},
		NeedsAction: []string{},
	}
	if len(results) == 0 {
		return sum
	}
	total := 0.0
	factorTotals := map[telemetry.Metric]float64{}
	factorCounts := map[telemetry.Metric]int{}
	for _, r := range results {
		total += r.Overall
		sum.ByStatus[r.Status]++
		if r.Status == StatusPoor || r.Status == StatusCritical {
			sum.NeedsAction = append(sum.NeedsAction, r.DeviceID)
		}
		for m, f := range r.Factors {
			if f.Status == StatusNoData {
				continue
			}
			factorTotals[m] += f.Score
			factorCounts[m]++
		}
	}
	sort.Strings(sum.NeedsAction)
	sum.Average = round2(total / float64(len(results)))

	weakest := 101.0
	for _, spec := range factors {
		n := factorCounts[spec.metric]
		if n == 0 {
			continue
		}
		if avg := factorTotals[spec.metric] / float64(n); avg < weakest {
			weakest = avg
			sum.WeakestFactor = string(spec.metric)
		}
	}
	return sum
}
