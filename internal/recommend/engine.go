package recommend

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"homepulse/core-go/internal/telemetry"
)

type Category string

const (
	CategoryEnergy        Category = "energy"
	CategoryPerformance   Category = "performance"
	CategoryMaintenance   Category = "maintenance"
	CategoryConfiguration Category = "configuration"
	CategoryUsagePattern  Category = "usage_pattern"
)

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// ParsePriority reports whether s names a priority.
func ParsePriority(s string) (Priority, bool) {
	p := Priority(s)
	return p, p.rank() > 0
}

type Impact struct {
	EnergySavingsPct   float64 `json:"energy_savings_pct"`
	PerformanceGainPct float64 `json:"performance_gain_pct"`
	ReliabilityGainPct float64 `json:"reliability_gain_pct"`
	Cost               string  `json:"cost"`
	Effort             string  `json:"effort"`
}

type Recommendation struct {
	ID            string     `json:"id"`
	DeviceID      string     `json:"device_id"`
	Category      Category   `json:"category"`
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	Priority      Priority   `json:"priority"`
	Confidence    float64    `json:"confidence"`
	Impact        Impact     `json:"impact"`
	Steps         []string   `json:"steps"`
	Prerequisites []string   `json:"prerequisites"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	Status        string     `json:"status"`
}

// Expired reports whether r is past its expiry at now.
func (r Recommendation) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

const (
	StatusPending = "pending"

	// DefaultTTL is how long a recommendation stays actionable.
	DefaultTTL = 7 * 24 * time.Hour

	unusedMinSamples = 5
)

type Engine struct {
	TTL   time.Duration
	Now   func() time.Time
	NewID func() string
}

func NewEngine() *Engine {
	return &Engine{TTL: DefaultTTL, Now: time.Now, NewID: func() string { return uuid.NewString() }}
}

type draft struct {
	category      Category
	title         string
	description   string
	priority      Priority
	confidence    float64
	impact        Impact
	steps         []string
	prerequisites []string
}

// Generate evaluates every rule family against current and historical and
// returns the matches, most urgent first.
func (e *Engine) Generate(deviceID string, healthScore float64, current telemetry.Sample, historical []telemetry.Sample) []Recommendation {
	var drafts []draft
	drafts = append(drafts, energy(current)...)
	drafts = append(drafts, performance(current)...)
	drafts = append(drafts, maintenance(healthScore, current)...)
	drafts = append(drafts, configuration(current)...)
	drafts = append(drafts, usagePattern(current, historical)...)

	now := e.Now().UTC()
	out := make([]Recommendation, 0, len(drafts))
	for _, d := range drafts {
		r := Recommendation{
			ID:            e.NewID(),
			DeviceID:      deviceID,
			Category:      d.category,
			Title:         d.title,
			Description:   d.description,
			Priority:      d.priority,
			Confidence:    d.confidence,
			Impact:        d.impact,
			Steps:         nonNil(d.steps),
			Prerequisites: nonNil(d.prerequisites),
			CreatedAt:     now,
			Status:        StatusPending,
		}
		if e.TTL > 0 {
			exp := now.Add(e.TTL)
			r.ExpiresAt = &exp
		}
		out = append(out, r)
	}
	Sort(out)
	return out
}

// Sort orders by priority, then confidence, both descending.
func Sort(recs []Recommendation) {
	sort.SliceStable(recs, func(i, j int) bool {
		pi, pj := recs[i].Priority.rank(), recs[j].Priority.rank()
		if pi != pj {
			return pi > pj
		}
		return recs[i].Confidence > recs[j].Confidence
	})
}

func energy(s telemetry.Sample) []draft {
	var out []draft
	if v, ok := s.Value(telemetry.BatteryLevel); ok && v < 20 {
		prio := PriorityMedium
		if v < 10 {
			prio = PriorityHigh
		}
		out = append(out, draft{
			category:    CategoryEnergy,
			title:       "Replace or recharge battery",
			description: fmt.Sprintf("Battery is at %.0f%%. The device may stop reporting soon.", v),
			priority:    prio,
			confidence:  0.95,
			impact:      Impact{ReliabilityGainPct: 30, Cost: "low", Effort: "low"},
			steps: []string{
				"Check the battery type in the device manual",
				"Replace or recharge the battery",
				"Confirm the device reports a full battery",
			},
			prerequisites: []string{"Replacement battery"},
		})
	}
	return out
}

func performance(s telemetry.Sample) []draft {
	var out []draft
	if v, ok := s.Value(telemetry.ResponseTime); ok && v > 1000 {
		prio := PriorityMedium
		if v > 3000 {
			prio = PriorityHigh
		}
		out = append(out, draft{
			category:    CategoryPerformance,
			title:       "Investigate slow response",
			description: fmt.Sprintf("Average response time is %.0fms.", v),
			priority:    prio,
			confidence:  0.85,
			impact:      Impact{PerformanceGainPct: 40, Cost: "none", Effort: "medium"},
			steps: []string{
				"Check network congestion near the device",
				"Restart the device",
				"Update the firmware if an update is available",
			},
		})
	}
	cpu, okCPU := s.Value(telemetry.CPUUsage)
	usage, okUsage := s.Value(telemetry.UsageEvents)
	if okCPU && okUsage && cpu > 80 && usage < 5 {
		out = append(out, draft{
			category:    CategoryPerformance,
			title:       "Reduce polling frequency",
			description: fmt.Sprintf("CPU is at %.0f%% while the device is used %.0f times a day.", cpu, usage),
			priority:    PriorityLow,
			confidence:  0.7,
			impact:      Impact{EnergySavingsPct: 15, PerformanceGainPct: 10, Cost: "none", Effort: "low"},
			steps:       []string{"Lower the polling or reporting interval", "Disable unused sensors"},
		})
	}
	if v, ok := s.Value(telemetry.MemoryUsage); ok && v > 85 {
		out = append(out, draft{
			category:    CategoryPerformance,
			title:       "Reduce memory pressure",
			description: fmt.Sprintf("Memory usage is at %.0f%%.", v),
			priority:    PriorityMedium,
			confidence:  0.75,
			impact:      Impact{PerformanceGainPct: 20, ReliabilityGainPct: 10, Cost: "none", Effort: "low"},
			steps:       []string{"Restart the device", "Disable unused integrations or features"},
		})
	}
	return out
}

func maintenance(healthScore float64, s telemetry.Sample) []draft {
	var out []draft
	restarts, okR := s.Value(telemetry.RestartCount)
	drops, okD := s.Value(telemetry.ConnectionDrops)
	if (okR && restarts > 5) || (okD && drops > 10) {
		out = append(out, draft{
			category:    CategoryMaintenance,
			title:       "Schedule device maintenance",
			description: maintenanceDescription(restarts, okR, drops, okD),
			priority:    PriorityHigh,
			confidence:  0.8,
			impact:      Impact{ReliabilityGainPct: 40, Cost: "low", Effort: "medium"},
			steps: []string{
				"Inspect power supply and wiring",
				"Check for firmware updates",
				"Factory reset and re-pair if the problem persists",
			},
		})
	}
	if healthScore < 40 {
		out = append(out, draft{
			category:    CategoryMaintenance,
			title:       "Device requires immediate attention",
			description: fmt.Sprintf("Health score is %.0f.", healthScore),
			priority:    PriorityCritical,
			confidence:  0.9,
			impact:      Impact{ReliabilityGainPct: 60, Cost: "medium", Effort: "high"},
			steps: []string{
				"Review recent health alerts for the device",
				"Power cycle the device",
				"Replace the device if it does not recover",
			},
		})
	}
	if v, ok := s.Value(telemetry.UptimeHours); ok && v > 720 {
		out = append(out, draft{
			category:    CategoryMaintenance,
			title:       "Schedule preventive restart",
			description: fmt.Sprintf("Device has been running for %.0f hours.", v),
			priority:    PriorityLow,
			confidence:  0.6,
			impact:      Impact{ReliabilityGainPct: 10, PerformanceGainPct: 5, Cost: "none", Effort: "low"},
			steps:       []string{"Restart the device during a quiet period"},
		})
	}
	return out
}

func maintenanceDescription(restarts float64, okR bool, drops float64, okD bool) string {
	switch {
	case okR && okD:
		return fmt.Sprintf("Device restarted %.0f times and dropped its connection %.0f times.", restarts, drops)
	case okR:
		return fmt.Sprintf("Device restarted %.0f times.", restarts)
	default:
		return fmt.Sprintf("Device dropped its connection %.0f times.", drops)
	}
}

func configuration(s telemetry.Sample) []draft {
	var out []draft
	if v, ok := s.Value(telemetry.SignalStrength); ok && v < -80 {
		prio := PriorityMedium
		if v < -90 {
			prio = PriorityHigh
		}
		out = append(out, draft{
			category:    CategoryConfiguration,
			title:       "Improve network placement",
			description: fmt.Sprintf("Signal strength is %.0fdBm.", v),
			priority:    prio,
			confidence:  0.8,
			impact:      Impact{ReliabilityGainPct: 35, PerformanceGainPct: 20, Cost: "low", Effort: "medium"},
			steps: []string{
				"Move the device closer to a router or coordinator",
				"Add a repeater or mains-powered router device nearby",
			},
		})
	}
	if v, ok := s.Value(telemetry.ErrorRate); ok && v > 5 {
		out = append(out, draft{
			category:    CategoryConfiguration,
			title:       "Review device configuration",
			description: fmt.Sprintf("Error rate is %.1f%%.", v),
			priority:    PriorityMedium,
			confidence:  0.75,
			impact:      Impact{ReliabilityGainPct: 25, Cost: "none", Effort: "medium"},
			steps: []string{
				"Check the integration configuration for the device",
				"Review device logs for repeated errors",
			},
		})
	}
	return out
}

func usagePattern(s telemetry.Sample, historical []telemetry.Sample) []draft {
	var out []draft
	if vs := telemetry.Values(historical, telemetry.UsageEvents); len(vs) >= unusedMinSamples {
		if mean := telemetry.Mean(vs); mean < 1 {
			out = append(out, draft{
				category:    CategoryUsagePattern,
				title:       "Review unused device",
				description: fmt.Sprintf("Device averaged %.1f uses a day over %d samples.", mean, len(vs)),
				priority:    PriorityLow,
				confidence:  0.65,
				impact:      Impact{EnergySavingsPct: 100 - math.Min(100, mean*100), Cost: "none", Effort: "low"},
				steps:       []string{"Confirm the device is still needed", "Remove or repurpose it"},
			})
		}
	}
	if v, ok := s.Value(telemetry.Temperature); ok && v > 60 {
		out = append(out, draft{
			category:    CategoryUsagePattern,
			title:       "Check device ventilation",
			description: fmt.Sprintf("Device temperature is %.0f°C.", v),
			priority:    PriorityHigh,
			confidence:  0.85,
			impact:      Impact{ReliabilityGainPct: 30, Cost: "low", Effort: "low"},
			steps:       []string{"Make sure the device is not enclosed", "Move it away from heat sources"},
		})
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
