package recommend

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"homepulse/core-go/internal/telemetry"
)

func f(v float64) *float64 { return &v }

var testNow = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func newTestEngine() *Engine {
	n := 0
	return &Engine{
		TTL: DefaultTTL,
		Now: func() time.Time { return testNow },
		NewID: func() string {
			n++
			return fmt.Sprintf("rec-%d", n)
		},
	}
}

func byCategory(recs []Recommendation, c Category) []Recommendation {
	var out []Recommendation
	for _, r := range recs {
		if r.Category == c {
			out = append(out, r)
		}
	}
	return out
}

func TestGenerate_BatteryPriority(t *testing.T) {
	e := newTestEngine()
	cases := []struct {
		battery float64
		want    Priority
	}{
		{5, PriorityHigh},
		{9.9, PriorityHigh},
		{10, PriorityMedium},
		{19, PriorityMedium},
	}
	for _, tc := range cases {
		recs := byCategory(e.Generate("d1", 90, telemetry.Sample{BatteryLevel: f(tc.battery)}, nil), CategoryEnergy)
		if len(recs) != 1 {
			t.Fatalf("battery %v: expected exactly one energy recommendation, got %d", tc.battery, len(recs))
		}
		if recs[0].Priority != tc.want {
			t.Fatalf("battery %v: expected %s, got %s", tc.battery, tc.want, recs[0].Priority)
		}
	}
	busy := telemetry.Sample{BatteryLevel: f(5), CPUUsage: f(90), UsageEvents: f(2)}
	recs := e.Generate("d1", 90, busy, nil)
	if energy := byCategory(recs, CategoryEnergy); len(energy) != 1 || energy[0].Priority != PriorityHigh {
		t.Fatalf("expected exactly one high energy recommendation alongside polling advice, got %+v", energy)
	}
	if perf := byCategory(recs, CategoryPerformance); len(perf) != 1 || perf[0].Title != "Reduce polling frequency" {
		t.Fatalf("expected polling advice under performance, got %+v", perf)
	}
	if recs := e.Generate("d1", 90, telemetry.Sample{BatteryLevel: f(20)}, nil); len(recs) != 0 {
		t.Fatalf("expected no recommendation at 20%%, got %+v", recs)
	}
}

func TestGenerate_SortsAndStamps(t *testing.T) {
	e := newTestEngine()
	cur := telemetry.Sample{
		BatteryLevel:   f(15),
		ResponseTimeMs: f(4000),
		SignalStrength: f(-85),
		UptimeHours:    f(800),
		ErrorRate:      f(7),
	}
	recs := e.Generate("d1", 30, cur, nil)
	if len(recs) != 6 {
		t.Fatalf("expected 6 recommendations, got %d: %+v", len(recs), recs)
	}
	if recs[0].Priority != PriorityCritical || recs[0].Title != "Device requires immediate attention" {
		t.Fatalf("expected critical first, got %+v", recs[0])
	}
	if recs[len(recs)-1].Priority != PriorityLow {
		t.Fatalf("expected low priority last, got %+v", recs[len(recs)-1])
	}
	for i := 1; i < len(recs); i++ {
		a, b := recs[i-1], recs[i]
		if a.Priority.rank() < b.Priority.rank() ||
			(a.Priority == b.Priority && a.Confidence < b.Confidence) {
			t.Fatalf("expected priority then confidence order at %d: %+v before %+v", i, a, b)
		}
	}
	for _, r := range recs {
		if r.DeviceID != "d1" || r.Status != StatusPending || r.ID == "" {
			t.Fatalf("unexpected stamping %+v", r)
		}
		if r.ExpiresAt == nil || !r.ExpiresAt.Equal(testNow.Add(7*24*time.Hour)) {
			t.Fatalf("expected 7 day expiry, got %v", r.ExpiresAt)
		}
	}
}

func TestGenerate_UsagePatternNeedsHistory(t *testing.T) {
	e := newTestEngine()
	hist := make([]telemetry.Sample, 0, 5)
	for i := 0; i < 4; i++ {
		hist = append(hist, telemetry.Sample{UsageEvents: f(0.2)})
	}
	if recs := e.Generate("d1", 90, telemetry.Sample{}, hist); len(recs) != 0 {
		t.Fatalf("expected no usage recommendation with 4 samples, got %+v", recs)
	}
	hist = append(hist, telemetry.Sample{UsageEvents: f(0.2)})
	recs := e.Generate("d1", 90, telemetry.Sample{}, hist)
	if len(recs) != 1 || recs[0].Category != CategoryUsagePattern || recs[0].Title != "Review unused device" {
		t.Fatalf("expected unused device recommendation, got %+v", recs)
	}
}

func TestGenerate_MaintenanceAndHeat(t *testing.T) {
	e := newTestEngine()
	recs := e.Generate("d1", 80, telemetry.Sample{RestartCount: f(6), Temperature: f(65), CPUUsage: f(90), UsageEvents: f(1), MemoryUsage: f(90)}, nil)
	titles := map[string]Priority{}
	for _, r := range recs {
		titles[r.Title] = r.Priority
	}
	want := map[string]Priority{
		"Schedule device maintenance": PriorityHigh,
		"Check device ventilation":    PriorityHigh,
		"Reduce polling frequency":    PriorityLow,
		"Reduce memory pressure":      PriorityMedium,
	}
	if len(titles) != len(want) {
		t.Fatalf("expected %d recommendations, got %v", len(want), titles)
	}
	for title, prio := range want {
		if titles[title] != prio {
			t.Fatalf("expected %q at %s, got %v", title, prio, titles)
		}
	}
}

func TestGenerate_MaintenanceDescribesReportedMetrics(t *testing.T) {
	e := newTestEngine()
	cases := []struct {
		name string
		cur  telemetry.Sample
		want string
	}{
		{"restarts only", telemetry.Sample{RestartCount: f(6)}, "Device restarted 6 times."},
		{"drops only", telemetry.Sample{ConnectionDrops: f(11)}, "Device dropped its connection 11 times."},
		{"both", telemetry.Sample{RestartCount: f(6), ConnectionDrops: f(2)}, "Device restarted 6 times and dropped its connection 2 times."},
	}
	for _, tc := range cases {
		recs := byCategory(e.Generate("d1", 90, tc.cur, nil), CategoryMaintenance)
		if len(recs) != 1 || recs[0].Description != tc.want {
			t.Fatalf("%s: expected %q, got %+v", tc.name, tc.want, recs)
		}
	}
}

func TestNewEngineUsesUUIDs(t *testing.T) {
	recs := NewEngine().Generate("d1", 20, telemetry.Sample{}, nil)
	if len(recs) != 1 {
		t.Fatalf("expected one critical recommendation, got %d", len(recs))
	}
	if _, err := uuid.Parse(recs[0].ID); err != nil {
		t.Fatalf("expected uuid id, got %q", recs[0].ID)
	}
}

func TestAnalyzeImpact(t *testing.T) {
	e := newTestEngine()
	recs := e.Generate("d1", 30, telemetry.Sample{BatteryLevel: f(5), SignalStrength: f(-95)}, nil)
	sum := AnalyzeImpact(recs)
	if sum.Total != 3 || sum.Critical != 1 || sum.ByPriority[PriorityHigh] != 2 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if sum.ByCategory[CategoryMaintenance] != 1 || sum.ByCategory[CategoryEnergy] != 1 || sum.ByCategory[CategoryConfiguration] != 1 {
		t.Fatalf("unexpected categories %+v", sum.ByCategory)
	}
	if sum.HighConfidence != 3 {
		t.Fatalf("expected 3 high-confidence recommendations, got %d", sum.HighConfidence)
	}
	if sum.AverageConfidence != 0.88 {
		t.Fatalf("expected average confidence 0.88, got %v", sum.AverageConfidence)
	}
	if empty := AnalyzeImpact(nil); empty.Total != 0 || empty.AverageConfidence != 0 {
		t.Fatalf("expected zero summary, got %+v", empty)
	}
}

func TestFilter(t *testing.T) {
	e := newTestEngine()
	recs := e.Generate("d1", 30, telemetry.Sample{BatteryLevel: f(5), UptimeHours: f(1000)}, nil)

	if got := (Filter{Category: CategoryMaintenance}).Apply(recs); len(got) != 2 {
		t.Fatalf("expected 2 maintenance recommendations, got %d", len(got))
	}
	if got := (Filter{Priority: PriorityHigh}).Apply(recs); len(got) != 1 || got[0].Category != CategoryEnergy {
		t.Fatalf("expected battery recommendation for high priority, got %+v", got)
	}
	if got := (Filter{MinConfidence: 0.9}).Apply(recs); len(got) != 2 {
		t.Fatalf("expected 2 recommendations with confidence >= 0.9, got %d", len(got))
	}
	if got := (Filter{Now: testNow.Add(8 * 24 * time.Hour)}).Apply(recs); len(got) != 0 {
		t.Fatalf("expected expired recommendations to be dropped, got %d", len(got))
	}
}
