package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"homepulse/core-go/internal/cache"
	"homepulse/core-go/internal/connection"
	"homepulse/core-go/internal/discoveryworker"
	"homepulse/core-go/internal/health"
	"homepulse/core-go/internal/inventory"
	"homepulse/core-go/internal/metrics"
	"homepulse/core-go/internal/predict"
	"homepulse/core-go/internal/recommend"
	"homepulse/core-go/internal/sqlcgen"
	"homepulse/core-go/internal/telemetry"
)

// ConnectionService is satisfied by *connection.Manager.
type ConnectionService interface {
	Status() connection.Status
	HealthCheck(ctx context.Context) map[string]bool
}

// DiscoveryService is satisfied by *discoveryworker.Worker.
type DiscoveryService interface {
	Trigger(reason string) bool
	Status() discoveryworker.Status
}

// RunHistory is satisfied by *sqlcgen.Queries.
type RunHistory interface {
	ListDiscoveryRuns(ctx context.Context, limit int32) ([]sqlcgen.DiscoveryRun, error)
	GetLatestDiscoveryRun(ctx context.Context) (sqlcgen.DiscoveryRun, error)
	ListDiscoveryRunLogs(ctx context.Context, runID string, limit int32) ([]sqlcgen.DiscoveryRunLog, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps wires the handler to the running components. Nil engines are replaced
// with defaults; nil services answer 503.
type Deps struct {
	Store      *inventory.Store
	Persister  *inventory.Persister
	Tracker    *telemetry.Tracker
	Scorer     *health.Scorer
	Predictor  *predict.Predictor
	Engine     *recommend.Engine
	Cache      *cache.HealthCache
	Connection ConnectionService
	Discovery  DiscoveryService
	Bridge     BridgeService
	Runs       RunHistory
	DB         Pinger
	Events     http.Handler
	Metrics    *metrics.Metrics
	ModelPath  string
}

type Handler struct {
	log  zerolog.Logger
	deps Deps
}

func NewHandler(log zerolog.Logger, deps Deps) *Handler {
	if deps.Store == nil {
		deps.Store = inventory.NewStore()
	}
	if deps.Tracker == nil {
		deps.Tracker = telemetry.NewTracker(log, telemetry.Options{})
	}
	if deps.Scorer == nil {
		deps.Scorer = health.NewScorer()
	}
	if deps.Predictor == nil {
		deps.Predictor = predict.New(log, predict.Options{})
	}
	if deps.Engine == nil {
		deps.Engine = recommend.NewEngine()
	}
	return &Handler{log: log, deps: deps}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.accessLog)

	// Health
	r.Get("/healthz", h.handleHealthz)
	r.Get("/readyz", h.handleReadyZ)
	if h.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.deps.Metrics.Handler())
	}

	// API
	r.Route("/api", func(r chi.Router) {
		r.Route("/v1", func(r chi.Router) {
			// The event stream is long-lived and must not sit behind the
			// request timeout.
			r.Get("/events", h.handleEvents)

			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(15 * time.Second))

				r.Route("/devices", func(r chi.Router) {
					r.Get("/", h.handleListDevices)
					r.Route("/{id}", func(r chi.Router) {
						r.Get("/", h.handleGetDevice)
						r.Get("/capabilities", h.handleGetCapabilities)
						r.Get("/health", h.handleDeviceHealth)
						r.Get("/health/trend", h.handleDeviceHealthTrend)
						r.Get("/prediction", h.handleDevicePrediction)
						r.Get("/recommendations", h.handleDeviceRecommendations)
						r.Get("/metrics", h.handleListMetrics)
						r.Post("/metrics", h.handleIngestMetrics)
					})
				})

				r.Route("/health", func(r chi.Router) {
					r.Get("/compare", h.handleHealthCompare)
					r.Get("/summary", h.handleHealthSummary)
				})

				r.Route("/predictions", func(r chi.Router) {
					r.Get("/", h.handleListPredictions)
					r.Post("/train", h.handleTrain)
					r.Get("/model", h.handleModelStatus)
				})

				r.Route("/recommendations", func(r chi.Router) {
					r.Get("/", h.handleListRecommendations)
					r.Get("/impact", h.handleRecommendationImpact)
				})

				r.Route("/discovery", func(r chi.Router) {
					r.Post("/refresh", h.handleDiscoveryRefresh)
					r.Get("/status", h.handleDiscoveryStatus)
					r.Get("/runs/latest", h.handleLatestDiscoveryRun)
				})

				r.Route("/bridge", func(r chi.Router) {
					r.Get("/", h.handleBridgeStatus)
					r.Get("/networkmap", h.handleNetworkMap)
					r.Post("/networkmap", h.handleRequestNetworkMap)
				})

				r.Route("/connection", func(r chi.Router) {
					r.Get("/status", h.handleConnectionStatus)
					r.Post("/health-check", h.handleConnectionHealthCheck)
				})
			})
		})
	})

	return r
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		h.deps.Metrics.ObserveHTTPRequest(r.Method, route, ww.Status(), elapsed)

		h.log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Int64("duration_ms", elapsed.Milliseconds()).
			Msg("http_request")
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, msg string, details map[string]any) {
	resp := map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": msg,
		},
	}
	if details != nil {
		resp["error"].(map[string]any)["details"] = details
	}
	h.writeJSON(w, status, resp)
}

func decodeJSONStrict(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return errors.New("unexpected extra data after JSON body")
		}
		return err
	}
	return nil
}

// queryInt parses an optional positive integer query parameter.
func queryInt(r *http.Request, name string, fallback, max int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New(name + " must be a positive integer")
	}
	if max > 0 && n > max {
		n = max
	}
	return n, nil
}

func queryFloat(r *http.Request, name string) (float64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, errors.New(name + " must be a number")
	}
	return v, nil
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleReadyZ reports ready once the database answers (when configured) and
// an upstream endpoint is usable.
func (h *Handler) handleReadyZ(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if h.deps.DB != nil {
		if err := h.deps.DB.Ping(ctx); err != nil {
			h.writeError(w, http.StatusServiceUnavailable, "db_unavailable", "database not ready", map[string]any{"error": err.Error()})
			return
		}
	}
	if h.deps.Connection != nil {
		st := h.deps.Connection.Status()
		if st.Overall == connection.OverallUnavailable {
			h.writeError(w, http.StatusServiceUnavailable, "upstream_unavailable", "no upstream endpoint available", map[string]any{"last_error": st.LastError})
			return
		}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"ready": true, "devices": h.deps.Store.Len()})
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if h.deps.Events == nil {
		h.writeError(w, http.StatusServiceUnavailable, "events_unavailable", "event stream not configured", nil)
		return
	}
	h.deps.Events.ServeHTTP(w, r)
}
