package recommend

import "time"

type Filter struct {
	Category      Category
	Priority      Priority
	MinConfidence float64
	// Now drops expired recommendations when set.
	Now time.Time
}

func (f Filter) Apply(recs []Recommendation) []Recommendation {
	out := make([]Recommendation, 0, len(recs))
	for _, r := range recs {
		if f.Category != "" && r.Category != f.Category {
			continue
		}
		if f.Priority != "" && r.Priority != f.Priority {
			continue
		}
		if r.Confidence < f.MinConfidence {
			continue
		}
		if !f.Now.IsZero() && r.Expired(f.Now) {
			continue
		}
		out = append(out, r)
	}
	return out
}
