package connection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"homepulse/core-go/internal/breaker"
	"homepulse/core-go/internal/metrics"
	"homepulse/core-go/internal/realtime"
)

// ErrNoEndpoint is returned when every configured endpoint is refused by its
// breaker or fails its liveness probe.
var ErrNoEndpoint = errors.New("no upstream endpoint available")

type Kind string

const (
	KindPrimary    Kind = "primary"
	KindCloudRelay Kind = "cloud_relay"
	KindSecondary  Kind = "secondary"
	KindDiscovered Kind = "discovered"
)

// EndpointConfig describes one upstream hub endpoint. It is immutable after load.
type EndpointConfig struct {
	Name       string
	URL        string
	Token      string
	Kind       Kind
	Priority   int
	Timeout    time.Duration
	MaxRetries int
	Breaker    breaker.Config
}

// Prober performs a lightweight, protocol-appropriate liveness check.
type Prober interface {
	Probe(ctx context.Context, ep EndpointConfig) error
}

type ProberFunc func(ctx context.Context, ep EndpointConfig) error

func (f ProberFunc) Probe(ctx context.Context, ep EndpointConfig) error { return f(ctx, ep) }

type Overall string

const (
	OverallHealthy     Overall = "healthy"
	OverallDegraded    Overall = "degraded"
	OverallUnavailable Overall = "unavailable"
)

type EndpointStatus struct {
	Name               string        `json:"name"`
	URL                string        `json:"url"`
	Kind               Kind          `json:"kind"`
	Priority           int           `json:"priority"`
	TimeoutMS          int64         `json:"timeout_ms"`
	MaxRetries         int           `json:"max_retries"`
	HasCredential      bool          `json:"has_credential"`
	Current            bool          `json:"current"`
	Breaker            breaker.Stats `json:"circuit_breaker"`
	LastProbeAt        *time.Time    `json:"last_probe_at,omitempty"`
	LastProbeError     string        `json:"last_probe_error,omitempty"`
	LastProbeLatencyMS int64         `json:"last_probe_latency_ms"`
}

type Status struct {
	Overall        Overall          `json:"status"`
	Healthy        bool             `json:"healthy"`
	Current        string           `json:"current_endpoint,omitempty"`
	LastSelectedAt *time.Time       `json:"last_selected_at,omitempty"`
	LastError      string           `json:"last_error,omitempty"`
	Endpoints      []EndpointStatus `json:"endpoints"`
}

// Broadcaster receives system_status events. *realtime.Hub satisfies this.
type Broadcaster interface {
	Broadcast(ev realtime.Event)
}

// StatusChange is the payload of a system_status event.
type StatusChange struct {
	Event    string  `json:"event"`
	Endpoint string  `json:"endpoint,omitempty"`
	Kind     Kind    `json:"kind,omitempty"`
	From     string  `json:"from,omitempty"`
	To       string  `json:"to,omitempty"`
	Overall  Overall `json:"status"`
}

const (
	ChangeBreaker     = "breaker_transition"
	ChangeSelected    = "endpoint_selected"
	ChangeUnavailable = "upstream_unavailable"
)

type endpoint struct {
	cfg     EndpointConfig
	breaker *breaker.Breaker

	mu           sync.Mutex
	lastProbeAt  time.Time
	lastProbeErr string
	lastLatency  time.Duration
}

type Manager struct {
	log       zerolog.Logger
	prober    Prober
	metrics   *metrics.Metrics
	events    Broadcaster
	endpoints []*endpoint
	byName    map[string]*endpoint
	now       func() time.Time

	mu           sync.RWMutex
	current      *endpoint
	healthy      bool
	lastSelected time.Time
	lastErr      string
}

type Options struct {
	Metrics      *metrics.Metrics
	Events       Broadcaster
	BreakerClock func() time.Time
}

// NewManager builds a manager over the given endpoints, ordered by ascending
// priority. Endpoint names must be unique.
func NewManager(log zerolog.Logger, endpoints []EndpointConfig, prober Prober, opts Options) (*Manager, error) {
	if prober == nil {
		return nil, errors.New("connection manager requires a prober")
	}
	m := &Manager{
		log:     log.With().Str("component", "connection").Logger(),
		prober:  prober,
		metrics: opts.Metrics,
		events:  opts.Events,
		byName:  make(map[string]*endpoint, len(endpoints)),
		now:     time.Now,
	}

	sorted := make([]EndpointConfig, len(endpoints))
	copy(sorted, endpoints)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	for _, cfg := range sorted {
		name := strings.TrimSpace(cfg.Name)
		if name == "" {
			return nil, fmt.Errorf("endpoint with url %q has no name", cfg.URL)
		}
		if _, dup := m.byName[name]; dup {
			return nil, fmt.Errorf("duplicate endpoint name %q", name)
		}
		cfg.Name = name
		if cfg.Timeout <= 0 {
			cfg.Timeout = 10 * time.Second
		}
		bopts := []breaker.Option{breaker.WithTransitionHook(m.onTransition)}
		if opts.BreakerClock != nil {
			bopts = append(bopts, breaker.WithClock(opts.BreakerClock))
		}
		ep := &endpoint{cfg: cfg, breaker: breaker.New(name, cfg.Breaker, bopts...)}
		m.endpoints = append(m.endpoints, ep)
		m.byName[name] = ep
		m.metrics.SetBreakerState(name, string(breaker.StateClosed))
	}
	return m, nil
}

func (m *Manager) onTransition(name string, from, to breaker.State, n int64) {
	m.log.Warn().
		Str("endpoint", name).
		Str("from", string(from)).
		Str("to", string(to)).
		Int64("transition", n).
		Msg("circuit breaker transition")
	m.metrics.SetBreakerState(name, string(to))
	m.metrics.IncBreakerTransition(name, string(to))
	m.publish(StatusChange{Event: ChangeBreaker, Endpoint: name, From: string(from), To: string(to)})
}

func (m *Manager) publish(ch StatusChange) {
	if m.events == nil {
		return
	}
	ch.Overall = m.Status().Overall
	m.events.Broadcast(realtime.Event{Type: realtime.TypeSystemStatus, Data: ch})
}

// SelectConnection returns the first healthy endpoint. The cached current
// endpoint is re-validated first so the happy path costs a single probe.
func (m *Manager) SelectConnection(ctx context.Context) (EndpointConfig, error) {
	tried := make(map[string]struct{}, len(m.endpoints))

	m.mu.RLock()
	cur := m.current
	m.mu.RUnlock()

	if cur != nil && cur.breaker.CanExecute() {
		tried[cur.cfg.Name] = struct{}{}
		if err := m.probe(ctx, cur); err == nil {
			m.markSelected(cur)
			return cur.cfg, nil
		}
	}

	for _, ep := range m.endpoints {
		if ctx.Err() != nil {
			break
		}
		if _, ok := tried[ep.cfg.Name]; ok {
			continue
		}
		if !ep.breaker.CanExecute() {
			m.log.Debug().Str("endpoint", ep.cfg.Name).Msg("skipping endpoint with open breaker")
			continue
		}
		tried[ep.cfg.Name] = struct{}{}
		if err := m.probe(ctx, ep); err != nil {
			continue
		}
		m.markSelected(ep)
		return ep.cfg, nil
	}

	m.mu.Lock()
	wasHealthy := m.healthy
	m.current = nil
	m.healthy = false
	m.lastErr = ErrNoEndpoint.Error()
	m.mu.Unlock()
	m.log.Error().Int("endpoints", len(m.endpoints)).Msg("no upstream endpoint available")
	if wasHealthy {
		m.publish(StatusChange{Event: ChangeUnavailable})
	}
	return EndpointConfig{}, ErrNoEndpoint
}

func (m *Manager) probe(ctx context.Context, ep *endpoint) error {
	probeCtx, cancel := context.WithTimeout(ctx, ep.cfg.Timeout)
	defer cancel()

	start := m.now()
	err := m.prober.Probe(probeCtx, ep.cfg)
	latency := m.now().Sub(start)

	ep.mu.Lock()
	ep.lastProbeAt = start
	ep.lastLatency = latency
	if err != nil {
		ep.lastProbeErr = err.Error()
	} else {
		ep.lastProbeErr = ""
	}
	ep.mu.Unlock()

	if err != nil {
		ep.breaker.RecordFailure(err)
		m.log.Warn().Err(err).Str("endpoint", ep.cfg.Name).Dur("latency", latency).Msg("endpoint probe failed")
		return err
	}
	ep.breaker.RecordSuccess()
	return nil
}

func (m *Manager) markSelected(ep *endpoint) {
	m.mu.Lock()
	changed := m.current != ep
	m.current = ep
	m.healthy = true
	m.lastSelected = m.now()
	m.lastErr = ""
	m.mu.Unlock()
	if changed {
		m.log.Info().Str("endpoint", ep.cfg.Name).Str("kind", string(ep.cfg.Kind)).Msg("selected upstream endpoint")
		m.publish(StatusChange{Event: ChangeSelected, Endpoint: ep.cfg.Name, Kind: ep.cfg.Kind})
	}
}

// Current returns the cached endpoint without probing.
func (m *Manager) Current() (EndpointConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return EndpointConfig{}, false
	}
	return m.current.cfg, true
}

// ReportFailure records a connectivity error observed by a client after
// selection. The endpoint stops being current so the next selection re-probes.
func (m *Manager) ReportFailure(name string, err error) {
	ep, ok := m.byName[name]
	if !ok {
		return
	}
	ep.breaker.RecordFailure(err)
	m.mu.Lock()
	if m.current == ep {
		m.current = nil
	}
	if err != nil {
		m.lastErr = err.Error()
	}
	m.mu.Unlock()
}

func (m *Manager) ReportSuccess(name string) {
	if ep, ok := m.byName[name]; ok {
		ep.breaker.RecordSuccess()
	}
}

// HealthCheck probes every endpoint concurrently and reports per-endpoint
// liveness. Endpoints refused by their breaker are reported unhealthy without
// being probed.
func (m *Manager) HealthCheck(ctx context.Context) map[string]bool {
	out := make(map[string]bool, len(m.endpoints))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, ep := range m.endpoints {
		if !ep.breaker.CanExecute() {
			out[ep.cfg.Name] = false
			continue
		}
		wg.Add(1)
		go func(ep *endpoint) {
			defer wg.Done()
			ok := m.probe(ctx, ep) == nil
			mu.Lock()
			out[ep.cfg.Name] = ok
			mu.Unlock()
		}(ep)
	}
	wg.Wait()

	anyHealthy := false
	for _, ok := range out {
		anyHealthy = anyHealthy || ok
	}
	m.mu.Lock()
	if !anyHealthy {
		m.current = nil
		m.healthy = false
	} else if m.current != nil && !out[m.current.cfg.Name] {
		m.current = nil
	}
	m.mu.Unlock()
	return out
}

func (m *Manager) Endpoints() []EndpointConfig {
	out := make([]EndpointConfig, 0, len(m.endpoints))
	for _, ep := range m.endpoints {
		out = append(out, ep.cfg)
	}
	return out
}

// Status returns a full diagnostic snapshot. Credentials are never included.
func (m *Manager) Status() Status {
	m.mu.RLock()
	cur := m.current
	st := Status{
		Healthy:   m.healthy && cur != nil,
		LastError: m.lastErr,
	}
	if cur != nil {
		st.Current = cur.cfg.Name
	}
	if !m.lastSelected.IsZero() {
		t := m.lastSelected
		st.LastSelectedAt = &t
	}
	m.mu.RUnlock()

	openCount := 0
	for _, ep := range m.endpoints {
		ep.mu.Lock()
		es := EndpointStatus{
			Name:               ep.cfg.Name,
			URL:                ep.cfg.URL,
			Kind:               ep.cfg.Kind,
			Priority:           ep.cfg.Priority,
			TimeoutMS:          ep.cfg.Timeout.Milliseconds(),
			MaxRetries:         ep.cfg.MaxRetries,
			HasCredential:      ep.cfg.Token != "",
			Current:            cur == ep,
			LastProbeError:     ep.lastProbeErr,
			LastProbeLatencyMS: ep.lastLatency.Milliseconds(),
		}
		if !ep.lastProbeAt.IsZero() {
			t := ep.lastProbeAt
			es.LastProbeAt = &t
		}
		ep.mu.Unlock()
		es.Breaker = ep.breaker.Stats()
		if es.Breaker.State != breaker.StateClosed {
			openCount++
		}
		st.Endpoints = append(st.Endpoints, es)
	}

	switch {
	case !st.Healthy:
		st.Overall = OverallUnavailable
	case openCount > 0 || (len(m.endpoints) > 0 && st.Current != m.endpoints[0].cfg.Name):
		st.Overall = OverallDegraded
	default:
		st.Overall = OverallHealthy
	}
	return st
}
