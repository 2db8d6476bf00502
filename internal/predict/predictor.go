package predict

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"homepulse/core-go/internal/metrics"
	"homepulse/core-go/internal/telemetry"
)

var ErrInsufficientData = errors.New("insufficient training data")

const (
	VersionTrained   = "trained"
	VersionRuleBased = "rule-based"
)

type Risk string

const (
	RiskCritical Risk = "critical"
	RiskHigh     Risk = "high"
	RiskMedium   Risk = "medium"
	RiskLow      Risk = "low"
	RiskMinimal  Risk = "minimal"
)

type Prediction struct {
	DeviceID           string    `json:"device_id"`
	Probability        float64   `json:"failure_probability"`
	Risk               Risk      `json:"risk_level"`
	AnomalyScore       float64   `json:"anomaly_score"`
	IsAnomaly          bool      `json:"is_anomaly"`
	Confidence         float64   `json:"confidence"`
	RecommendedActions []string  `json:"recommended_actions"`
	ModelVersion       string    `json:"model_version"`
	PredictedAt        time.Time `json:"predicted_at"`
}

// TrainingSample is a labelled observation; Failed marks samples taken
// shortly before a device failure.
type TrainingSample struct {
	Sample telemetry.Sample `json:"sample"`
	Failed bool             `json:"failed"`
}

type TrainReport struct {
	Samples   int       `json:"samples"`
	Failures  int       `json:"failures"`
	Accuracy  float64   `json:"accuracy"`
	Epochs    int       `json:"epochs"`
	TrainedAt time.Time `json:"trained_at"`
}

type ModelStatus struct {
	Trained      bool      `json:"trained"`
	ModelVersion string    `json:"model_version"`
	Features     []string  `json:"features"`
	TrainedAt    time.Time `json:"trained_at,omitempty"`
	Samples      int       `json:"samples"`
	Accuracy     float64   `json:"accuracy"`
}

// Model is the persisted state of a trained predictor.
type Model struct {
	Features   []string   `json:"features"`
	Scaler     Scaler     `json:"scaler"`
	Classifier Classifier `json:"classifier"`
	Detector   Detector   `json:"detector"`
	TrainedAt  time.Time  `json:"trained_at"`
	Samples    int        `json:"samples"`
	Accuracy   float64    `json:"accuracy"`
}

const (
	defaultMinTrainingSamples = 100
	defaultEpochs             = 500
	defaultLearningRate       = 0.1
	defaultL2                 = 0.001

	anomalyZ           = 3.0
	baseConfidence     = 0.7
	maxConfidence      = 0.95
	ruleConfidence     = 0.6
	ruleAnomalyPercent = 60.0
)

type Options struct {
	MinTrainingSamples int
	Epochs             int
	LearningRate       float64
	Now                func() time.Time
	Metrics            *metrics.Metrics
}

// Predictor serves failure predictions from a trained model when one is
// loaded and from fixed rules otherwise.
type Predictor struct {
	log     zerolog.Logger
	opts    Options
	metrics *metrics.Metrics

	mu    sync.RWMutex
	model *Model
}

func New(log zerolog.Logger, opts Options) *Predictor {
	if opts.MinTrainingSamples <= 0 {
		opts.MinTrainingSamples = defaultMinTrainingSamples
	}
	if opts.Epochs <= 0 {
		opts.Epochs = defaultEpochs
	}
	if opts.LearningRate <= 0 {
		opts.LearningRate = defaultLearningRate
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Predictor{
		log:     log.With().Str("component", "predictor").Logger(),
		opts:    opts,
		metrics: opts.Metrics,
	}
}

func (p *Predictor) trained() *Model {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.model
}

func (p *Predictor) Predict(deviceID string, s telemetry.Sample) Prediction {
	var pred Prediction
	if m := p.trained(); m != nil {
		pred = predictTrained(m, s)
	} else {
		pred = predictRules(s)
	}
	pred.DeviceID = deviceID
	pred.Risk = riskFor(pred.Probability)
	pred.RecommendedActions = actionsFor(pred, s)
	pred.PredictedAt = p.opts.Now().UTC()
	p.metrics.IncPrediction(pred.ModelVersion)
	return pred
}

func predictTrained(m *Model, s telemetry.Sample) Prediction {
	x := Features(s)
	prob := m.Classifier.Prob(m.Scaler.Transform(x)) * 100
	score, peak := m.Detector.Score(x)

	conf := baseConfidence
	if prob < 10 || prob > 90 {
		conf += 0.15
	}
	if score > anomalyZ {
		conf += 0.1
	}
	return Prediction{
		Probability:  round2(prob),
		AnomalyScore: round2(score),
		IsAnomaly:    peak > anomalyZ,
		Confidence:   round2(math.Min(conf, maxConfidence)),
		ModelVersion: VersionTrained,
	}
}

// predictRules scores only the metrics that are present.
func predictRules(s telemetry.Sample) Prediction {
	prob := 0.0
	if v, ok := s.Value(telemetry.ErrorRate); ok {
		switch {
		case v > 10:
			prob += 30
		case v > 5:
			prob += 15
		}
	}
	if v, ok := s.Value(telemetry.BatteryLevel); ok {
		switch {
		case v < 10:
			prob += 25
		case v < 20:
			prob += 10
		}
	}
	if v, ok := s.Value(telemetry.ResponseTime); ok {
		switch {
		case v > 5000:
			prob += 20
		case v > 2000:
			prob += 10
		}
	}
	if v, ok := s.Value(telemetry.SignalStrength); ok && v < -85 {
		prob += 15
	}
	if v, ok := s.Value(telemetry.ConnectionDrops); ok {
		switch {
		case v > 10:
			prob += 20
		case v > 5:
			prob += 10
		}
	}
	prob = math.Min(prob, 100)
	return Prediction{
		Probability:  prob,
		AnomalyScore: round2(prob / 100 * 0.5),
		IsAnomaly:    prob >= ruleAnomalyPercent,
		Confidence:   ruleConfidence,
		ModelVersion: VersionRuleBased,
	}
}

func riskFor(prob float64) Risk {
	switch {
	case prob >= 80:
		return RiskCritical
	case prob >= 60:
		return RiskHigh
	case prob >= 40:
		return RiskMedium
	case prob >= 20:
		return RiskLow
	}
	return RiskMinimal
}

func actionsFor(pred Prediction, s telemetry.Sample) []string {
	var out []string
	switch pred.Risk {
	case RiskCritical:
		out = append(out, "Schedule immediate inspection", "Prepare a replacement device")
	case RiskHigh:
		out = append(out, "Schedule maintenance within the next week")
	case RiskMedium:
		out = append(out, "Increase monitoring frequency")
	}
	if v, ok := s.Value(telemetry.BatteryLevel); ok && v < 20 {
		out = append(out, "Replace or recharge the battery")
	}
	if v, ok := s.Value(telemetry.ConnectionDrops); ok && v > 5 {
		out = append(out, "Check network connectivity and placement")
	}
	if v, ok := s.Value(telemetry.ErrorRate); ok && v > 5 {
		out = append(out, "Review device logs for recurring errors")
	}
	if pred.IsAnomaly {
		out = append(out, "Investigate the anomalous metric pattern")
	}
	if len(out) == 0 {
		out = append(out, "Continue routine monitoring")
	}
	return out
}

// Train fits a new model. With too few samples, or only one class, the
// current model keeps serving and ErrInsufficientData is returned.
func (p *Predictor) Train(samples []TrainingSample) (TrainReport, error) {
	failures := 0
	for _, s := range samples {
		if s.Failed {
			failures++
		}
	}
	if len(samples) < p.opts.MinTrainingSamples || failures == 0 || failures == len(samples) {
		p.log.Warn().
			Int("samples", len(samples)).
			Int("failures", failures).
			Int("min_samples", p.opts.MinTrainingSamples).
			Msg("training skipped")
		return TrainReport{}, fmt.Errorf("%w: %d samples, %d failures (need %d with both classes)",
			ErrInsufficientData, len(samples), failures, p.opts.MinTrainingSamples)
	}

	xs := make([][]float64, len(samples))
	ys := make([]float64, len(samples))
	for i, s := range samples {
		xs[i] = Features(s.Sample)
		if s.Failed {
			ys[i] = 1
		}
	}
	scaler := fitScaler(xs)
	scaled := make([][]float64, len(xs))
	for i, x := range xs {
		scaled[i] = scaler.Transform(x)
	}
	clf := trainClassifier(scaled, ys, p.opts.Epochs, p.opts.LearningRate, defaultL2)

	correct := 0
	for i, x := range scaled {
		if (clf.Prob(x) >= 0.5) == (ys[i] == 1) {
			correct++
		}
	}

	m := &Model{
		Features:   FeatureNames,
		Scaler:     scaler,
		Classifier: clf,
		Detector:   fitDetector(xs),
		TrainedAt:  p.opts.Now().UTC(),
		Samples:    len(samples),
		Accuracy:   round2(float64(correct) / float64(len(samples))),
	}
	p.mu.Lock()
	p.model = m
	p.mu.Unlock()

	p.log.Info().Int("samples", m.Samples).Int("failures", failures).Float64("accuracy", m.Accuracy).Msg("model trained")
	return TrainReport{
		Samples:   m.Samples,
		Failures:  failures,
		Accuracy:  m.Accuracy,
		Epochs:    p.opts.Epochs,
		TrainedAt: m.TrainedAt,
	}, nil
}

func (p *Predictor) ModelStatus() ModelStatus {
	st := ModelStatus{ModelVersion: VersionRuleBased, Features: FeatureNames}
	if m := p.trained(); m != nil {
		st.Trained = true
		st.ModelVersion = VersionTrained
		st.TrainedAt = m.TrainedAt
		st.Samples = m.Samples
		st.Accuracy = m.Accuracy
	}
	return st
}

// Save writes the trained model as JSON. It is a no-op without a model.
func (p *Predictor) Save(path string) error {
	m := p.trained()
	if m == nil {
		return nil
	}
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode model: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write model: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace model: %w", err)
	}
	return nil
}

// Load replaces the current model with the one stored at path. A missing
// file yields an error matching fs.ErrNotExist.
func (p *Predictor) Load(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read model: %w", err)
	}
	var m Model
	if err := json.Unmarshal(b, &m); err != nil {
		return fmt.Errorf("decode model: %w", err)
	}
	n := len(FeatureNames)
	if len(m.Classifier.Weights) != n || len(m.Scaler.Mean) != n || len(m.Scaler.Std) != n ||
		len(m.Detector.Mean) != n || len(m.Detector.Std) != n {
		return fmt.Errorf("decode model: expected %d features", n)
	}
	p.mu.Lock()
	p.model = &m
	p.mu.Unlock()
	return nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
