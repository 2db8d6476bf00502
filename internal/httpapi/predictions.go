package httpapi

import (
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	"homepulse/core-go/internal/predict"
)

type trainRequest struct {
	Samples []predict.TrainingSample `json:"samples"`
}

func (h *Handler) handleDevicePrediction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := h.lookupDevice(w, id); !ok {
		return
	}
	current, _ := h.inputs(id)
	h.writeJSON(w, http.StatusOK, h.deps.Predictor.Predict(id, current))
}

// handleListPredictions predicts every known device, highest probability
// first.
func (h *Handler) handleListPredictions(w http.ResponseWriter, r *http.Request) {
	minProb, err := queryFloat(r, "min_probability")
	if err != nil || minProb < 0 || minProb > 100 {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "min_probability must be between 0 and 100", nil)
		return
	}
	risk := predict.Risk(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("risk"))))
	switch risk {
	case "", predict.RiskCritical, predict.RiskHigh, predict.RiskMedium, predict.RiskLow, predict.RiskMinimal:
	default:
		h.writeError(w, http.StatusBadRequest, "validation_failed", "unknown risk level", map[string]any{"risk": risk})
		return
	}

	out := make([]predict.Prediction, 0)
	for _, id := range h.deps.Store.IDs() {
		current, _ := h.inputs(id)
		p := h.deps.Predictor.Predict(id, current)
		if p.Probability < minProb {
			continue
		}
		if risk != "" && p.Risk != risk {
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Probability != out[j].Probability {
			return out[i].Probability > out[j].Probability
		}
		return out[i].DeviceID < out[j].DeviceID
	})
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleTrain(w http.ResponseWriter, r *http.Request) {
	var req trainRequest
	if err := decodeJSONStrict(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid json body", map[string]any{"error": err.Error()})
		return
	}

	report, err := h.deps.Predictor.Train(req.Samples)
	if err != nil {
		if errors.Is(err, predict.ErrInsufficientData) {
			h.writeError(w, http.StatusUnprocessableEntity, "insufficient_data", err.Error(), map[string]any{"samples": len(req.Samples)})
			return
		}
		h.log.Error().Err(err).Msg("train model failed")
		h.writeError(w, http.StatusInternalServerError, "internal_error", "failed to train model", nil)
		return
	}

	if h.deps.ModelPath != "" {
		if err := h.deps.Predictor.Save(h.deps.ModelPath); err != nil {
			h.log.Warn().Err(err).Str("path", h.deps.ModelPath).Msg("save model failed")
		}
	}
	h.writeJSON(w, http.StatusOK, report)
}

func (h *Handler) handleModelStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.deps.Predictor.ModelStatus())
}
