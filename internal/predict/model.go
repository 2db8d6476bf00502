package predict

import (
	"math"

	"homepulse/core-go/internal/telemetry"
)

// FeatureNames is the fixed order of the feature vector.
var FeatureNames = func() []string {
	out := make([]string, len(telemetry.AllMetrics))
	for i, m := range telemetry.AllMetrics {
		out[i] = string(m)
	}
	return out
}()

// Features turns a sample into the model input. Missing metrics become 0.
func Features(s telemetry.Sample) []float64 {
	x := make([]float64, len(telemetry.AllMetrics))
	for i, m := range telemetry.AllMetrics {
		if v, ok := s.Value(m); ok {
			x[i] = v
		}
	}
	return x
}

// Scaler standardizes each feature to zero mean and unit variance.
type Scaler struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

func fitScaler(xs [][]float64) Scaler {
	mean, std := columnStats(xs)
	return Scaler{Mean: mean, Std: std}
}

func (s Scaler) Transform(x []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		if i >= len(s.Mean) {
			out[i] = v
			continue
		}
		out[i] = (v - s.Mean[i]) / s.Std[i]
	}
	return out
}

// Classifier is a binary logistic regression over scaled features.
type Classifier struct {
	Weights []float64 `json:"weights"`
	Bias    float64   `json:"bias"`
}

// trainClassifier runs full-batch gradient descent from zero weights, so the
// result depends only on the inputs.
func trainClassifier(xs [][]float64, ys []float64, epochs int, rate, l2 float64) Classifier {
	n, d := len(xs), len(xs[0])
	c := Classifier{Weights: make([]float64, d)}
	grad := make([]float64, d)
	for e := 0; e < epochs; e++ {
		for j := range grad {
			grad[j] = 0
		}
		gb := 0.0
		for i, x := range xs {
			diff := c.Prob(x) - ys[i]
			for j, v := range x {
				grad[j] += diff * v
			}
			gb += diff
		}
		for j := range c.Weights {
			c.Weights[j] -= rate * (grad[j]/float64(n) + l2*c.Weights[j])
		}
		c.Bias -= rate * gb / float64(n)
	}
	return c
}

func (c Classifier) Prob(x []float64) float64 {
	z := c.Bias
	for j, w := range c.Weights {
		if j < len(x) {
			z += w * x[j]
		}
	}
	return sigmoid(z)
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

// Detector flags samples far from the training distribution using per-feature
// z-scores.
type Detector struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

func fitDetector(xs [][]float64) Detector {
	mean, std := columnStats(xs)
	return Detector{Mean: mean, Std: std}
}

// Score returns the mean and the max absolute z-score of x.
func (d Detector) Score(x []float64) (mean, peak float64) {
	if len(d.Mean) == 0 {
		return 0, 0
	}
	sum := 0.0
	for i, v := range x {
		if i >= len(d.Mean) {
			break
		}
		z := math.Abs((v - d.Mean[i]) / d.Std[i])
		sum += z
		if z > peak {
			peak = z
		}
	}
	return sum / float64(len(d.Mean)), peak
}

// columnStats returns per-column mean and population std. A constant column
// gets std 1.
func columnStats(xs [][]float64) ([]float64, []float64) {
	d := len(xs[0])
	mean := make([]float64, d)
	std := make([]float64, d)
	for _, x := range xs {
		for j, v := range x {
			mean[j] += v
		}
	}
	n := float64(len(xs))
	for j := range mean {
		mean[j] /= n
	}
	for _, x := range xs {
		for j, v := range x {
			diff := v - mean[j]
			std[j] += diff * diff
		}
	}
	for j := range std {
		std[j] = math.Sqrt(std[j] / n)
		if std[j] < 1e-9 {
			std[j] = 1
		}
	}
	return mean, std
}
