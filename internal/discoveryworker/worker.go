package discoveryworker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"homepulse/core-go/internal/backoff"
	"homepulse/core-go/internal/bridge"
	"homepulse/core-go/internal/connection"
	"homepulse/core-go/internal/device"
	"homepulse/core-go/internal/inventory"
	"homepulse/core-go/internal/metrics"
	"homepulse/core-go/internal/realtime"
	"homepulse/core-go/internal/registry"
	"homepulse/core-go/internal/sqlcgen"
	"homepulse/core-go/internal/unify"
)

const (
	TriggerStartup  = "startup"
	TriggerInterval = "interval"
	TriggerManual   = "manual"
	TriggerTopology = "topology"
	TriggerRegistry = "registry_update"
)

// registryEvents are the hub events that mean the registry changed.
var registryEvents = []string{"device_registry_updated", "entity_registry_updated", "area_registry_updated"}

// Queries is the minimal DB interface the discovery worker needs to keep a
// run log. *sqlcgen.Queries satisfies this.
type Queries interface {
	InsertDiscoveryRun(ctx context.Context, arg sqlcgen.InsertDiscoveryRunParams) (sqlcgen.DiscoveryRun, error)
	UpdateDiscoveryRun(ctx context.Context, arg sqlcgen.UpdateDiscoveryRunParams) (sqlcgen.DiscoveryRun, error)
	InsertDiscoveryRunLog(ctx context.Context, arg sqlcgen.InsertDiscoveryRunLogParams) error
}

// Selector picks the upstream endpoint for a run and receives its outcome.
// *connection.Manager satisfies this.
type Selector interface {
	SelectConnection(ctx context.Context) (connection.EndpointConfig, error)
	ReportFailure(name string, err error)
	ReportSuccess(name string)
}

// Session is a connected registry client. *registry.Client satisfies this.
type Session interface {
	GetAreaRegistry(ctx context.Context) ([]registry.Area, error)
	GetDeviceRegistry(ctx context.Context) ([]registry.Device, error)
	GetEntityRegistry(ctx context.Context) ([]registry.Entity, error)
	SubscribeEvents(ctx context.Context, eventType string, handler registry.Handler) error
	Done() <-chan struct{}
	Disconnect()
}

// DialFunc opens a registry session against ep.
type DialFunc func(ctx context.Context, ep connection.EndpointConfig) (Session, error)

// Bridge is the read side of the bridge mirror. *bridge.Client satisfies this.
type Bridge interface {
	GetDevices() []bridge.Device
	TopologyChanges() <-chan struct{}
}

type Broadcaster interface {
	Broadcast(ev realtime.Event)
}

// Result describes one discovery run.
type Result struct {
	RunID           string     `json:"run_id"`
	Trigger         string     `json:"trigger"`
	Status          string     `json:"status"`
	Endpoint        string     `json:"endpoint,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	RegistryDevices int        `json:"registry_devices"`
	BridgeDevices   int        `json:"bridge_devices"`
	Devices         int        `json:"devices"`
	Added           []string   `json:"added"`
	Removed         []string   `json:"removed"`
	Updated         int        `json:"updated"`
	Error           string     `json:"error,omitempty"`
}

type Status struct {
	Running             bool       `json:"running"`
	IntervalSeconds     float64    `json:"interval_seconds"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastRun             *Result    `json:"last_run,omitempty"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
}

type Worker struct {
	log        zerolog.Logger
	q          Queries
	sel        Selector
	dial       DialFunc
	bridge     Bridge
	store      *inventory.Store
	persist    *inventory.Persister
	events     Broadcaster
	parser     unify.Parser
	metrics    *metrics.Metrics
	now        func() time.Time
	interval   time.Duration
	retryBase  time.Duration
	maxRuntime time.Duration

	trigger chan string

	runMu  sync.Mutex
	sess   Session
	sessEP string

	mu       sync.RWMutex
	running  bool
	failures int
	last     *Result
	lastOK   *time.Time
}

type Options struct {
	Interval   time.Duration
	RetryBase  time.Duration
	MaxRuntime time.Duration

	Queries   Queries
	Bridge    Bridge
	Persister *inventory.Persister
	Events    Broadcaster
	Parser    unify.Parser
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

func New(log zerolog.Logger, sel Selector, dial DialFunc, store *inventory.Store, opts Options) *Worker {
	interval := opts.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	retryBase := opts.RetryBase
	if retryBase <= 0 {
		retryBase = 5 * time.Second
	}
	maxRuntime := opts.MaxRuntime
	if maxRuntime <= 0 {
		maxRuntime = 60 * time.Second
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if store == nil {
		store = inventory.NewStore()
	}

	return &Worker{
		log:        log.With().Str("component", "discovery").Logger(),
		q:          opts.Queries,
		sel:        sel,
		dial:       dial,
		bridge:     opts.Bridge,
		store:      store,
		persist:    opts.Persister,
		events:     opts.Events,
		parser:     opts.Parser,
		metrics:    opts.Metrics,
		now:        now,
		interval:   interval,
		retryBase:  retryBase,
		maxRuntime: maxRuntime,
		trigger:    make(chan string, 1),
	}
}

// Run performs an initial discovery and then re-runs on the interval, on
// Trigger and on bridge topology changes until ctx ends. Failed runs retry
// sooner with exponential backoff capped at the interval.
func (w *Worker) Run(ctx context.Context) {
	if w == nil || w.sel == nil || w.dial == nil {
		return
	}
	defer w.closeSession()

	var topology <-chan struct{}
	if w.bridge != nil {
		topology = w.bridge.TopologyChanges()
	}

	w.runAndSchedule(ctx, TriggerStartup)
	timer := time.NewTimer(w.nextDelay())
	defer timer.Stop()

	for {
		reason := TriggerInterval
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case reason = <-w.trigger:
		case <-topology:
			reason = TriggerTopology
		}

		w.runAndSchedule(ctx, reason)
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(w.nextDelay())
	}
}

func (w *Worker) runAndSchedule(ctx context.Context, reason string) {
	_, err := w.RunOnce(ctx, reason)
	w.mu.Lock()
	if err != nil {
		w.failures++
	} else {
		w.failures = 0
	}
	w.mu.Unlock()
}

func (w *Worker) nextDelay() time.Duration {
	w.mu.RLock()
	failures := w.failures
	w.mu.RUnlock()
	if failures == 0 {
		return w.interval
	}
	return backoff.Duration(w.retryBase, w.interval, failures)
}

// Trigger asks the loop to run discovery soon. It reports false when a
// request is already queued.
func (w *Worker) Trigger(reason string) bool {
	if w == nil {
		return false
	}
	if reason == "" {
		reason = TriggerManual
	}
	select {
	case w.trigger <- reason:
		return true
	default:
		return false
	}
}

func (w *Worker) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	st := Status{
		Running:             w.running,
		IntervalSeconds:     w.interval.Seconds(),
		ConsecutiveFailures: w.failures,
	}
	if w.last != nil {
		r := *w.last
		st.LastRun = &r
	}
	if w.lastOK != nil {
		ts := *w.lastOK
		st.LastSuccessAt = &ts
	}
	return st
}

// RunOnce performs one discovery run. Runs never overlap.
func (w *Worker) RunOnce(ctx context.Context, reason string) (Result, error) {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	start := w.now()
	w.setRunning(true)
	defer w.setRunning(false)

	res := Result{Trigger: reason, Status: "running", StartedAt: start.UTC()}
	res.RunID = w.startRun(ctx, reason)

	execCtx, cancel := context.WithTimeout(ctx, w.maxRuntime)
	defer cancel()

	err := w.discover(execCtx, &res)

	completed := w.now().UTC()
	res.CompletedAt = &completed
	if err != nil {
		res.Status = "failed"
		res.Error = err.Error()
		w.finishRun(execCtx, res)
		w.log.Warn().Err(err).Str("run_id", res.RunID).Str("trigger", reason).Msg("discovery run failed")
	} else {
		res.Status = "succeeded"
		w.finishRun(execCtx, res)
		w.log.Info().
			Str("run_id", res.RunID).
			Str("trigger", reason).
			Str("endpoint", res.Endpoint).
			Int("devices", res.Devices).
			Int("added", len(res.Added)).
			Int("removed", len(res.Removed)).
			Msg("discovery run completed")
	}

	w.metrics.IncDiscoveryRun(res.Status)
	w.metrics.ObserveDiscoveryRunDuration(completed.Sub(start.UTC()))

	w.mu.Lock()
	r := res
	w.last = &r
	if err == nil {
		w.lastOK = &completed
	}
	w.mu.Unlock()

	return res, err
}

func (w *Worker) discover(ctx context.Context, res *Result) error {
	sess, ep, err := w.session(ctx)
	if err != nil {
		return err
	}
	res.Endpoint = ep.Name

	areas, err := sess.GetAreaRegistry(ctx)
	if err != nil {
		return w.upstreamFailed(ep, "area registry", err)
	}
	devs, err := sess.GetDeviceRegistry(ctx)
	if err != nil {
		return w.upstreamFailed(ep, "device registry", err)
	}
	ents, err := sess.GetEntityRegistry(ctx)
	if err != nil {
		return w.upstreamFailed(ep, "entity registry", err)
	}
	w.sel.ReportSuccess(ep.Name)

	var bridgeDevs []bridge.Device
	if w.bridge != nil {
		bridgeDevs = w.bridge.GetDevices()
	}
	res.RegistryDevices = len(devs)
	res.BridgeDevices = len(bridgeDevs)
	w.runLog(ctx, res.RunID, "info", fmt.Sprintf("fetched registry: endpoint=%s areas=%d devices=%d entities=%d bridge_devices=%d", ep.Name, len(areas), len(devs), len(ents), len(bridgeDevs)))

	unified := w.parser.Parse(areas, devs, ents, bridgeDevs)
	diff := w.store.Replace(unified, true)
	res.Devices = w.store.Len()
	res.Added = diff.Added
	res.Removed = diff.Removed
	res.Updated = len(diff.Updated)
	w.metrics.SetDiscoveredDevices(res.Devices)

	current := w.store.List(inventory.Filter{})
	if err := w.persist.Save(ctx, current); err != nil {
		w.log.Warn().Err(err).Str("run_id", res.RunID).Msg("persist inventory failed")
		w.runLog(ctx, res.RunID, "warn", "persist inventory failed: "+err.Error())
	}

	w.publish(current, diff)
	return nil
}

func (w *Worker) upstreamFailed(ep connection.EndpointConfig, what string, err error) error {
	w.sel.ReportFailure(ep.Name, err)
	w.closeSession()
	return fmt.Errorf("fetch %s from %s: %w", what, ep.Name, err)
}

// session returns a live registry session for the currently selected
// endpoint, dialing a new one when the endpoint changed or the old session
// ended.
func (w *Worker) session(ctx context.Context) (Session, connection.EndpointConfig, error) {
	ep, err := w.sel.SelectConnection(ctx)
	if err != nil {
		w.closeSession()
		return nil, ep, err
	}
	if w.sess != nil && w.sessEP == ep.Name && !closed(w.sess.Done()) {
		return w.sess, ep, nil
	}
	w.closeSession()

	sess, err := w.dial(ctx, ep)
	if err != nil {
		w.sel.ReportFailure(ep.Name, err)
		return nil, ep, fmt.Errorf("connect %s: %w", ep.Name, err)
	}
	w.sess = sess
	w.sessEP = ep.Name
	w.watchRegistry(ctx, sess, ep)
	return sess, ep, nil
}

// watchRegistry queues a rediscovery whenever the hub reports a registry
// change.
func (w *Worker) watchRegistry(ctx context.Context, sess Session, ep connection.EndpointConfig) {
	onChange := func(ev registry.Event) {
		if w.Trigger(TriggerRegistry) {
			w.log.Debug().Str("event", ev.Type).Msg("registry changed; rediscovery queued")
		}
	}
	for _, t := range registryEvents {
		if err := sess.SubscribeEvents(ctx, t, onChange); err != nil {
			w.log.Warn().Err(err).Str("endpoint", ep.Name).Str("event", t).Msg("registry subscription failed")
		}
	}
}

func (w *Worker) closeSession() {
	if w.sess != nil {
		w.sess.Disconnect()
	}
	w.sess = nil
	w.sessEP = ""
}

func closed(ch <-chan struct{}) bool {
	if ch == nil {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func (w *Worker) publish(current []device.Device, diff inventory.Diff) {
	if w.events == nil {
		return
	}
	changed := make(map[string]bool, len(diff.Added)+len(diff.Updated)+len(diff.Removed))
	for _, ids := range [][]string{diff.Added, diff.Updated, diff.Removed} {
		for _, id := range ids {
			changed[id] = true
		}
	}
	// Missing devices go out as full records with disabled set.
	for _, d := range current {
		if changed[d.ID] {
			w.events.Broadcast(realtime.Event{Type: realtime.TypeDeviceUpdate, DeviceID: d.ID, Data: d})
		}
	}
}

func (w *Worker) setRunning(v bool) {
	w.mu.Lock()
	w.running = v
	w.mu.Unlock()
}

func (w *Worker) startRun(ctx context.Context, reason string) string {
	if w.q == nil {
		return uuid.NewString()
	}
	run, err := w.q.InsertDiscoveryRun(ctx, sqlcgen.InsertDiscoveryRunParams{
		Status:  "running",
		Trigger: reason,
		Stats:   map[string]any{"stage": "running"},
	})
	if err != nil {
		w.log.Warn().Err(err).Msg("failed to record discovery run")
		return uuid.NewString()
	}
	w.runLog(ctx, run.ID, "info", "discovery run started")
	return run.ID
}

func (w *Worker) finishRun(ctx context.Context, res Result) {
	if w.q == nil {
		return
	}
	// The run may have timed out; still try to close it out.
	if ctx.Err() != nil {
		bg, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		ctx = bg
	}

	stats := map[string]any{
		"stage":            res.Status,
		"endpoint":         res.Endpoint,
		"registry_devices": res.RegistryDevices,
		"bridge_devices":   res.BridgeDevices,
		"devices":          res.Devices,
		"added":            len(res.Added),
		"removed":          len(res.Removed),
		"updated":          res.Updated,
	}
	var lastErr *string
	if res.Error != "" {
		msg := res.Error
		lastErr = &msg
	}
	if _, err := w.q.UpdateDiscoveryRun(ctx, sqlcgen.UpdateDiscoveryRunParams{
		ID:          res.RunID,
		Status:      res.Status,
		Stats:       stats,
		CompletedAt: res.CompletedAt,
		LastError:   lastErr,
	}); err != nil {
		w.log.Error().Err(err).Str("run_id", res.RunID).Msg("failed to update discovery run")
		return
	}

	if res.Error != "" {
		w.runLog(ctx, res.RunID, "error", "discovery run failed: "+res.Error)
		return
	}
	w.runLog(ctx, res.RunID, "info", "discovery run completed")
}

func (w *Worker) runLog(ctx context.Context, runID, level, msg string) {
	if w.q == nil {
		return
	}
	if err := w.q.InsertDiscoveryRunLog(ctx, sqlcgen.InsertDiscoveryRunLogParams{
		RunID:   runID,
		Level:   level,
		Message: msg,
	}); err != nil && !errors.Is(err, context.Canceled) {
		w.log.Warn().Err(err).Str("run_id", runID).Msg("failed to write discovery run log")
	}
}
