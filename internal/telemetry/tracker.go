package telemetry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"homepulse/core-go/internal/metrics"
)

type Kind string

const (
	KindThreshold Kind = "threshold"
	KindTrend     Kind = "trend"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Anomaly is a metric value or movement that crossed an alerting rule.
type Anomaly struct {
	DeviceID   string    `json:"device_id"`
	Metric     Metric    `json:"metric"`
	Kind       Kind      `json:"kind"`
	Severity   Severity  `json:"severity"`
	Value      float64   `json:"value"`
	Threshold  float64   `json:"threshold"`
	Message    string    `json:"message"`
	DetectedAt time.Time `json:"detected_at"`
}

const (
	responseTimeWarning   = 1000.0
	responseTimeCritical  = 5000.0
	errorRateWarning      = 5.0
	errorRateCritical     = 20.0
	batteryWarning        = 20.0
	batteryCritical       = 10.0
	signalWarning         = -80.0
	signalCritical        = -90.0
	trendMinSamples       = 10
	trendRecent           = 5
	responseTrendRatio    = 1.5
	errorTrendRatio       = 2.0
	errorTrendFloor       = 1.0
	defaultWindowSize     = 100
	defaultAlertQueueSize = 64
)

type Options struct {
	// WindowSize caps samples kept per device.
	WindowSize int
	// MaxAge drops samples older than this when set.
	MaxAge         time.Duration
	AlertQueueSize int
	Now            func() time.Time
	Metrics        *metrics.Metrics
}

type window struct {
	mu      sync.Mutex
	samples []Sample
}

// Tracker keeps a bounded, arrival-ordered window of samples per device.
type Tracker struct {
	log     zerolog.Logger
	size    int
	maxAge  time.Duration
	now     func() time.Time
	metrics *metrics.Metrics

	mu      sync.RWMutex
	windows map[string]*window

	alerts chan Anomaly
}

func NewTracker(log zerolog.Logger, opts Options) *Tracker {
	if opts.WindowSize <= 0 {
		opts.WindowSize = defaultWindowSize
	}
	if opts.AlertQueueSize <= 0 {
		opts.AlertQueueSize = defaultAlertQueueSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tracker{
		log:     log.With().Str("component", "telemetry").Logger(),
		size:    opts.WindowSize,
		maxAge:  opts.MaxAge,
		now:     opts.Now,
		metrics: opts.Metrics,
		windows: make(map[string]*window),
		alerts:  make(chan Anomaly, opts.AlertQueueSize),
	}
}

// Anomalies delivers every anomaly found by RecordSample. Deliveries are
// dropped when nobody keeps up with the channel.
func (t *Tracker) Anomalies() <-chan Anomaly {
	return t.alerts
}

func (t *Tracker) windowFor(deviceID string, create bool) *window {
	t.mu.RLock()
	w := t.windows[deviceID]
	t.mu.RUnlock()
	if w != nil || !create {
		return w
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if w = t.windows[deviceID]; w == nil {
		w = &window{}
		t.windows[deviceID] = w
	}
	return w
}

// RecordSample appends s to the device window and returns the anomalies it
// triggered.
func (t *Tracker) RecordSample(deviceID string, s Sample) []Anomaly {
	s = s.Clone()
	s.DeviceID = deviceID
	if s.Timestamp.IsZero() {
		s.Timestamp = t.now().UTC()
	}

	w := t.windowFor(deviceID, true)
	w.mu.Lock()
	w.samples = append(w.samples, s)
	if t.maxAge > 0 {
		cutoff := t.now().Add(-t.maxAge)
		i := 0
		for i < len(w.samples) && w.samples[i].Timestamp.Before(cutoff) {
			i++
		}
		w.samples = w.samples[i:]
	}
	if over := len(w.samples) - t.size; over > 0 {
		w.samples = append([]Sample(nil), w.samples[over:]...)
	}
	found := append(thresholdAnomalies(deviceID, s), trendAnomalies(deviceID, w.samples, s.Timestamp)...)
	w.mu.Unlock()

	t.metrics.IncSamplesIngested()
	for _, a := range found {
		t.metrics.IncAnomaly(string(a.Metric), string(a.Severity))
		select {
		case t.alerts <- a:
		default:
			t.metrics.IncAnomalyDropped()
			t.log.Debug().Str("device_id", deviceID).Str("metric", string(a.Metric)).Msg("anomaly delivery dropped")
		}
	}
	return found
}

// CheckAnomalies evaluates s against the thresholds and the trend of the
// current window without recording it.
func (t *Tracker) CheckAnomalies(deviceID string, s Sample) []Anomaly {
	at := s.Timestamp
	if at.IsZero() {
		at = t.now().UTC()
	}
	s.Timestamp = at
	found := thresholdAnomalies(deviceID, s)
	if w := t.windowFor(deviceID, false); w != nil {
		w.mu.Lock()
		found = append(found, trendAnomalies(deviceID, w.samples, at)...)
		w.mu.Unlock()
	}
	return found
}

// GetWindow returns up to limit of the most recent samples, oldest first.
// A limit of zero or less returns the whole window.
func (t *Tracker) GetWindow(deviceID string, limit int) []Sample {
	w := t.windowFor(deviceID, false)
	if w == nil {
		return []Sample{}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	start := 0
	if limit > 0 && limit < len(w.samples) {
		start = len(w.samples) - limit
	}
	out := make([]Sample, 0, len(w.samples)-start)
	for _, s := range w.samples[start:] {
		out = append(out, s.Clone())
	}
	return out
}

func (t *Tracker) Latest(deviceID string) (Sample, bool) {
	w := t.windowFor(deviceID, false)
	if w == nil {
		return Sample{}, false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.samples) == 0 {
		return Sample{}, false
	}
	return w.samples[len(w.samples)-1].Clone(), true
}

// LastSeen reports the timestamp of the newest sample for a device.
func (t *Tracker) LastSeen(deviceID string) (time.Time, bool) {
	s, ok := t.Latest(deviceID)
	if !ok {
		return time.Time{}, false
	}
	return s.Timestamp, true
}

func (t *Tracker) Devices() []string {
	t.mu.RLock()
	out := make([]string, 0, len(t.windows))
	for id := range t.windows {
		out = append(out, id)
	}
	t.mu.RUnlock()
	sort.Strings(out)
	return out
}

func thresholdAnomalies(deviceID string, s Sample) []Anomaly {
	var out []Anomaly
	add := func(m Metric, sev Severity, v, limit float64, msg string) {
		out = append(out, Anomaly{
			DeviceID:   deviceID,
			Metric:     m,
			Kind:       KindThreshold,
			Severity:   sev,
			Value:      v,
			Threshold:  limit,
			Message:    msg,
			DetectedAt: s.Timestamp,
		})
	}

	if v, ok := s.Value(ResponseTime); ok {
		switch {
		case v > responseTimeCritical:
			add(ResponseTime, SeverityCritical, v, responseTimeCritical, fmt.Sprintf("response time %.0fms exceeds %.0fms", v, responseTimeCritical))
		case v > responseTimeWarning:
			add(ResponseTime, SeverityWarning, v, responseTimeWarning, fmt.Sprintf("response time %.0fms exceeds %.0fms", v, responseTimeWarning))
		}
	}
	if v, ok := s.Value(ErrorRate); ok {
		switch {
		case v > errorRateCritical:
			add(ErrorRate, SeverityCritical, v, errorRateCritical, fmt.Sprintf("error rate %.1f%% exceeds %.0f%%", v, errorRateCritical))
		case v > errorRateWarning:
			add(ErrorRate, SeverityWarning, v, errorRateWarning, fmt.Sprintf("error rate %.1f%% exceeds %.0f%%", v, errorRateWarning))
		}
	}
	if v, ok := s.Value(BatteryLevel); ok {
		switch {
		case v < batteryCritical:
			add(BatteryLevel, SeverityCritical, v, batteryCritical, fmt.Sprintf("battery %.0f%% below %.0f%%", v, batteryCritical))
		case v < batteryWarning:
			add(BatteryLevel, SeverityWarning, v, batteryWarning, fmt.Sprintf("battery %.0f%% below %.0f%%", v, batteryWarning))
		}
	}
	if v, ok := s.Value(SignalStrength); ok {
		switch {
		case v < signalCritical:
			add(SignalStrength, SeverityCritical, v, signalCritical, fmt.Sprintf("signal %.0fdBm below %.0fdBm", v, signalCritical))
		case v < signalWarning:
			add(SignalStrength, SeverityWarning, v, signalWarning, fmt.Sprintf("signal %.0fdBm below %.0fdBm", v, signalWarning))
		}
	}
	return out
}

// trendAnomalies compares the mean of the last five values with the mean of
// everything before them.
func trendAnomalies(deviceID string, samples []Sample, at time.Time) []Anomaly {
	if len(samples) < trendMinSamples {
		return nil
	}
	var out []Anomaly

	if vs := Values(samples, ResponseTime); len(vs) >= trendMinSamples {
		prior, recent := Mean(vs[:len(vs)-trendRecent]), Mean(vs[len(vs)-trendRecent:])
		if prior > 0 && recent > prior*responseTrendRatio {
			out = append(out, Anomaly{
				DeviceID:   deviceID,
				Metric:     ResponseTime,
				Kind:       KindTrend,
				Severity:   SeverityWarning,
				Value:      recent,
				Threshold:  prior,
				Message:    fmt.Sprintf("response time rising: recent mean %.0fms vs baseline %.0fms", recent, prior),
				DetectedAt: at,
			})
		}
	}
	if vs := Values(samples, ErrorRate); len(vs) >= trendMinSamples {
		prior, recent := Mean(vs[:len(vs)-trendRecent]), Mean(vs[len(vs)-trendRecent:])
		if recent > errorTrendFloor && recent > prior*errorTrendRatio {
			out = append(out, Anomaly{
				DeviceID:   deviceID,
				Metric:     ErrorRate,
				Kind:       KindTrend,
				Severity:   SeverityWarning,
				Value:      recent,
				Threshold:  prior,
				Message:    fmt.Sprintf("error rate rising: recent mean %.2f%% vs baseline %.2f%%", recent, prior),
				DetectedAt: at,
			})
		}
	}
	return out
}
