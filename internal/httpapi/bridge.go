package httpapi

import (
	"net/http"
	"time"

	"homepulse/core-go/internal/bridge"
)

// BridgeService is satisfied by *bridge.Client.
type BridgeService interface {
	Connected() bool
	GetBridgeInfo() (bridge.Info, bool)
	GetGroups() []bridge.Group
	GetNetworkMap() (bridge.NetworkMap, bool)
	LastUpdate() time.Time
	RequestNetworkMap() error
}

func (h *Handler) requireBridge(w http.ResponseWriter) bool {
	if h.deps.Bridge == nil {
		h.writeError(w, http.StatusServiceUnavailable, "bridge_unavailable", "no bridge broker configured", nil)
		return false
	}
	return true
}

func (h *Handler) handleBridgeStatus(w http.ResponseWriter, r *http.Request) {
	if !h.requireBridge(w) {
		return
	}
	b := h.deps.Bridge
	resp := map[string]any{
		"connected":   b.Connected(),
		"info":        nil,
		"groups":      b.GetGroups(),
		"last_update": nil,
	}
	if info, ok := b.GetBridgeInfo(); ok {
		resp["info"] = info
	}
	if ts := b.LastUpdate(); !ts.IsZero() {
		resp["last_update"] = ts
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleNetworkMap(w http.ResponseWriter, r *http.Request) {
	if !h.requireBridge(w) {
		return
	}
	m, ok := h.deps.Bridge.GetNetworkMap()
	if !ok {
		h.writeError(w, http.StatusNotFound, "not_found", "no network map received yet", nil)
		return
	}
	h.writeJSON(w, http.StatusOK, m)
}

func (h *Handler) handleRequestNetworkMap(w http.ResponseWriter, r *http.Request) {
	if !h.requireBridge(w) {
		return
	}
	if err := h.deps.Bridge.RequestNetworkMap(); err != nil {
		h.log.Warn().Err(err).Msg("network map request failed")
		h.writeError(w, http.StatusServiceUnavailable, "bridge_unavailable", "network map request failed", map[string]any{"error": err.Error()})
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]any{"status": "requested"})
}
