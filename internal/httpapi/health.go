package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"homepulse/core-go/internal/health"
	"homepulse/core-go/internal/inventory"
)

const (
	defaultTrendDays = 7
	maxTrendDays     = 90
)

// score returns the health of id, preferring a cached result. Fresh scores
// are written back to the inventory, Postgres and the cache.
func (h *Handler) score(ctx context.Context, id string) health.Result {
	if res, ok, err := h.deps.Cache.Get(ctx, id); err != nil {
		h.log.Warn().Err(err).Str("id", id).Msg("read cached health failed")
	} else if ok {
		return res
	}

	current, historical := h.inputs(id)
	res := h.deps.Scorer.Score(id, current, historical)

	if err := h.deps.Store.SetHealth(id, res.Overall, current.Timestamp); err != nil && !errors.Is(err, inventory.ErrNotFound) {
		h.log.Warn().Err(err).Str("id", id).Msg("record health score failed")
	}
	if err := h.deps.Persister.SaveHealthScore(ctx, id, res.Overall); err != nil && !errors.Is(err, inventory.ErrNotFound) {
		h.log.Warn().Err(err).Str("id", id).Msg("persist health score failed")
	}
	if err := h.deps.Cache.Set(ctx, res); err != nil {
		h.log.Warn().Err(err).Str("id", id).Msg("cache health score failed")
	}
	return res
}

func (h *Handler) handleDeviceHealth(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := h.lookupDevice(w, id); !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, h.score(r.Context(), id))
}

func (h *Handler) handleDeviceHealthTrend(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	days, err := queryInt(r, "days", defaultTrendDays, maxTrendDays)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", err.Error(), nil)
		return
	}
	if _, ok := h.lookupDevice(w, id); !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, h.deps.Scorer.Trend(id, h.deps.Tracker.GetWindow(id, 0), days))
}

func (h *Handler) handleHealthCompare(w http.ResponseWriter, r *http.Request) {
	var ids []string
	for _, id := range strings.Split(r.URL.Query().Get("ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) < 2 {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "ids must name at least two devices", nil)
		return
	}

	var missing []string
	results := make([]health.Result, 0, len(ids))
	for _, id := range ids {
		if _, err := h.deps.Store.Get(id); err != nil {
			missing = append(missing, id)
			continue
		}
		results = append(results, h.score(r.Context(), id))
	}
	if len(missing) > 0 {
		h.writeError(w, http.StatusNotFound, "not_found", "device not found", map[string]any{"ids": missing})
		return
	}
	h.writeJSON(w, http.StatusOK, health.Compare(results))
}

func (h *Handler) handleHealthSummary(w http.ResponseWriter, r *http.Request) {
	ids := h.deps.Store.IDs()
	results := make([]health.Result, 0, len(ids))
	for _, id := range ids {
		results = append(results, h.score(r.Context(), id))
	}
	h.writeJSON(w, http.StatusOK, health.Summarize(results))
}
