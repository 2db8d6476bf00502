package recommend

import "math"

type ImpactSummary struct {
	Total             int              `json:"total"`
	ByCategory        map[Category]int `json:"by_category"`
	ByPriority        map[Priority]int `json:"by_priority"`
	HighConfidence    int              `json:"high_confidence"`
	Critical          int              `json:"critical"`
	AverageConfidence float64          `json:"average_confidence"`
	EnergySavingsPct  float64          `json:"energy_savings_pct"`
	ReliabilityGain   float64          `json:"reliability_gain_pct"`
}

const highConfidence = 0.8

// AnalyzeImpact aggregates a set of recommendations. Percentage gains are
// averaged over the recommendations that claim one.
func AnalyzeImpact(recs []Recommendation) ImpactSummary {
	sum := ImpactSummary{
		Total:      len(recs),
		ByCategory: map[Category]int{},
		ByPriority: map[Priority]int{},
	}
	if len(recs) == 0 {
		return sum
	}
	conf := 0.0
	var energy, reliability []float64
	for _, r := range recs {
		sum.ByCategory[r.Category]++
		sum.ByPriority[r.Priority]++
		if r.Confidence >= highConfidence {
			sum.HighConfidence++
		}
		if r.Priority == PriorityCritical {
			sum.Critical++
		}
		conf += r.Confidence
		if r.Impact.EnergySavingsPct > 0 {
			energy = append(energy, r.Impact.EnergySavingsPct)
		}
		if r.Impact.ReliabilityGainPct > 0 {
			reliability = append(reliability, r.Impact.ReliabilityGainPct)
		}
	}
	sum.AverageConfidence = round2(conf / float64(len(recs)))
	sum.EnergySavingsPct = round2(mean(energy))
	sum.ReliabilityGain = round2(mean(reliability))
	return sum
}

func mean(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	t := 0.0
	for _, v := range vs {
		t += v
	}
	return t / float64(len(vs))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
