package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"homepulse/core-go/internal/recommend"
)

func (h *Handler) recommendationsFor(ctx context.Context, id string) []recommend.Recommendation {
	res := h.score(ctx, id)
	current, historical := h.inputs(id)
	return h.deps.Engine.Generate(id, res.Overall, current, historical)
}

func (h *Handler) handleDeviceRecommendations(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := h.lookupDevice(w, id); !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, h.recommendationsFor(r.Context(), id))
}

func (h *Handler) fleetRecommendations(ctx context.Context) []recommend.Recommendation {
	var all []recommend.Recommendation
	for _, id := range h.deps.Store.IDs() {
		all = append(all, h.recommendationsFor(ctx, id)...)
	}
	recommend.Sort(all)
	return all
}

func (h *Handler) handleListRecommendations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := recommend.Filter{
		Category: recommend.Category(strings.ToLower(strings.TrimSpace(q.Get("category")))),
		Now:      time.Now(),
	}
	if raw := strings.TrimSpace(q.Get("priority")); raw != "" {
		p, ok := recommend.ParsePriority(strings.ToLower(raw))
		if !ok {
			h.writeError(w, http.StatusBadRequest, "validation_failed", "unknown priority", map[string]any{"priority": raw})
			return
		}
		f.Priority = p
	}
	minConf, err := queryFloat(r, "min_confidence")
	if err != nil || minConf < 0 || minConf > 1 {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "min_confidence must be between 0 and 1", nil)
		return
	}
	f.MinConfidence = minConf

	h.writeJSON(w, http.StatusOK, f.Apply(h.fleetRecommendations(r.Context())))
}

func (h *Handler) handleRecommendationImpact(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, recommend.AnalyzeImpact(h.fleetRecommendations(r.Context())))
}
