package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"homepulse/core-go/internal/device"
	"homepulse/core-go/internal/inventory"
	"homepulse/core-go/internal/telemetry"
)

const (
	defaultMetricsLimit = 100
	maxMetricsLimit     = 1000
)

// lookupDevice writes a 404 and returns false when id is unknown.
func (h *Handler) lookupDevice(w http.ResponseWriter, id string) (device.Device, bool) {
	d, err := h.deps.Store.Get(id)
	if err != nil {
		if errors.Is(err, inventory.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "device not found", map[string]any{"id": id})
			return device.Device{}, false
		}
		h.log.Error().Err(err).Str("id", id).Msg("get device failed")
		h.writeError(w, http.StatusInternalServerError, "internal_error", "failed to fetch device", nil)
		return device.Device{}, false
	}
	return d, true
}

func (h *Handler) handleListDevices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	devs := h.deps.Store.List(inventory.Filter{
		Area:        strings.TrimSpace(q.Get("area")),
		Integration: strings.TrimSpace(q.Get("integration")),
	})
	h.writeJSON(w, http.StatusOK, devs)
}

func (h *Handler) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := h.lookupDevice(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, d)
}

func (h *Handler) handleGetCapabilities(w http.ResponseWriter, r *http.Request) {
	d, ok := h.lookupDevice(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	caps := d.Capabilities
	if caps == nil {
		caps = []device.Capability{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"device_id":    d.ID,
		"capabilities": caps,
	})
}

func (h *Handler) handleIngestMetrics(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var s telemetry.Sample
	if err := decodeJSONStrict(r, &s); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid json body", map[string]any{"error": err.Error()})
		return
	}
	if s.Empty() {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "sample carries no metrics", nil)
		return
	}
	if s.DeviceID != "" && s.DeviceID != id {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "device_id does not match path", map[string]any{"id": id, "device_id": s.DeviceID})
		return
	}
	if _, ok := h.lookupDevice(w, id); !ok {
		return
	}

	anomalies := h.deps.Tracker.RecordSample(id, s)
	if anomalies == nil {
		anomalies = []telemetry.Anomaly{}
	}
	if err := h.deps.Cache.Delete(r.Context(), id); err != nil {
		h.log.Warn().Err(err).Str("id", id).Msg("invalidate cached health failed")
	}

	h.writeJSON(w, http.StatusAccepted, map[string]any{
		"device_id":   id,
		"anomalies":   anomalies,
		"window_size": len(h.deps.Tracker.GetWindow(id, 0)),
	})
}

func (h *Handler) handleListMetrics(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit, err := queryInt(r, "limit", defaultMetricsLimit, maxMetricsLimit)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", err.Error(), nil)
		return
	}
	if _, ok := h.lookupDevice(w, id); !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"device_id": id,
		"samples":   h.deps.Tracker.GetWindow(id, limit),
	})
}

// inputs returns the newest sample for id and the samples before it.
func (h *Handler) inputs(id string) (telemetry.Sample, []telemetry.Sample) {
	window := h.deps.Tracker.GetWindow(id, 0)
	if len(window) == 0 {
		return telemetry.Sample{DeviceID: id}, nil
	}
	return window[len(window)-1], window[:len(window)-1]
}
