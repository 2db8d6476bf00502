package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"

	"homepulse/core-go/internal/discoveryworker"
	"homepulse/core-go/internal/sqlcgen"
)

const (
	recentRunsLimit = 10
	runLogsLimit    = 200
)

func (h *Handler) handleDiscoveryRefresh(w http.ResponseWriter, r *http.Request) {
	if h.deps.Discovery == nil {
		h.writeError(w, http.StatusServiceUnavailable, "discovery_unavailable", "discovery is not running", nil)
		return
	}
	queued := h.deps.Discovery.Trigger(discoveryworker.TriggerManual)
	h.writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "accepted",
		"queued": queued,
	})
}

type discoveryRun struct {
	ID          string         `json:"id"`
	Status      string         `json:"status"`
	Trigger     string         `json:"trigger"`
	Stats       map[string]any `json:"stats"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	LastError   *string        `json:"last_error,omitempty"`
}

func toDiscoveryRun(run sqlcgen.DiscoveryRun) discoveryRun {
	return discoveryRun{
		ID:          run.ID,
		Status:      run.Status,
		Trigger:     run.Trigger,
		Stats:       run.Stats,
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
		LastError:   run.LastError,
	}
}

func (h *Handler) handleDiscoveryStatus(w http.ResponseWriter, r *http.Request) {
	if h.deps.Discovery == nil {
		h.writeError(w, http.StatusServiceUnavailable, "discovery_unavailable", "discovery is not running", nil)
		return
	}
	resp := map[string]any{
		"worker":            h.deps.Discovery.Status(),
		"devices":           h.deps.Store.Len(),
		"inventory_updated": h.deps.Store.UpdatedAt(),
		"recent_runs":       []discoveryRun{},
	}
	if h.deps.Runs != nil {
		rows, err := h.deps.Runs.ListDiscoveryRuns(r.Context(), recentRunsLimit)
		if err != nil {
			h.log.Warn().Err(err).Msg("list discovery runs failed")
		} else {
			runs := make([]discoveryRun, 0, len(rows))
			for _, row := range rows {
				runs = append(runs, toDiscoveryRun(row))
			}
			resp["recent_runs"] = runs
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

type discoveryRunLog struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// handleLatestDiscoveryRun returns the newest persisted run with its log
// lines, newest first.
func (h *Handler) handleLatestDiscoveryRun(w http.ResponseWriter, r *http.Request) {
	if h.deps.Runs == nil {
		h.writeError(w, http.StatusServiceUnavailable, "db_unavailable", "run history requires a database", nil)
		return
	}
	run, err := h.deps.Runs.GetLatestDiscoveryRun(r.Context())
	if errors.Is(err, pgx.ErrNoRows) {
		h.writeError(w, http.StatusNotFound, "not_found", "no discovery runs recorded", nil)
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("get latest discovery run failed")
		h.writeError(w, http.StatusInternalServerError, "internal_error", "failed to load discovery run", nil)
		return
	}
	rows, err := h.deps.Runs.ListDiscoveryRunLogs(r.Context(), run.ID, runLogsLimit)
	if err != nil {
		h.log.Error().Err(err).Str("run_id", run.ID).Msg("list discovery run logs failed")
		h.writeError(w, http.StatusInternalServerError, "internal_error", "failed to load discovery run logs", nil)
		return
	}
	logs := make([]discoveryRunLog, 0, len(rows))
	for _, row := range rows {
		logs = append(logs, discoveryRunLog{Level: row.Level, Message: row.Message, CreatedAt: row.CreatedAt})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"run":  toDiscoveryRun(run),
		"logs": logs,
	})
}

func (h *Handler) handleConnectionStatus(w http.ResponseWriter, r *http.Request) {
	if h.deps.Connection == nil {
		h.writeError(w, http.StatusServiceUnavailable, "connection_unavailable", "no upstream endpoints configured", nil)
		return
	}
	h.writeJSON(w, http.StatusOK, h.deps.Connection.Status())
}

func (h *Handler) handleConnectionHealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.deps.Connection == nil {
		h.writeError(w, http.StatusServiceUnavailable, "connection_unavailable", "no upstream endpoints configured", nil)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 12*time.Second)
	defer cancel()

	results := h.deps.Connection.HealthCheck(ctx)
	h.writeJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"status":  h.deps.Connection.Status(),
	})
}
