package discoveryworker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"homepulse/core-go/internal/bridge"
	"homepulse/core-go/internal/connection"
	"homepulse/core-go/internal/device"
	"homepulse/core-go/internal/inventory"
	"homepulse/core-go/internal/realtime"
	"homepulse/core-go/internal/registry"
	"homepulse/core-go/internal/sqlcgen"
)

func sp(s string) *string { return &s }

type fakeSelector struct {
	selectFn  func(ctx context.Context) (connection.EndpointConfig, error)
	failures  []string
	successes []string
}

func (f *fakeSelector) SelectConnection(ctx context.Context) (connection.EndpointConfig, error) {
	if f.selectFn == nil {
		return connection.EndpointConfig{Name: "primary", Kind: connection.KindPrimary}, nil
	}
	return f.selectFn(ctx)
}

func (f *fakeSelector) ReportFailure(name string, _ error) { f.failures = append(f.failures, name) }
func (f *fakeSelector) ReportSuccess(name string) { f.successes = append(f.successes, name) }

type fakeSession struct {
	areasFn    func(ctx context.Context) ([]registry.Area, error)
	devicesFn  func(ctx context.Context) ([]registry.Device, error)
	entitiesFn func(ctx context.Context) ([]registry.Entity, error)
	subErr     error
	handlers   map[string]registry.Handler
	done       chan struct{}
	closed     bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{done: make(chan struct{}), handlers: map[string]registry.Handler{}}
}

func (f *fakeSession) SubscribeEvents(ctx context.Context, eventType string, h registry.Handler) error {
	if f.subErr != nil {
		return f.subErr
	}
	f.handlers[eventType] = h
	return nil
}

func (f *fakeSession) GetAreaRegistry(ctx context.Context) ([]registry.Area, error) {
	if f.areasFn == nil {
		return []registry.Area{{AreaID: "hall", Name: "Hallway"}}, nil
	}
	return f.areasFn(ctx)
}

func (f *fakeSession) GetDeviceRegistry(ctx context.Context) ([]registry.Device, error) {
	if f.devicesFn == nil {
		return []registry.Device{{ID: "r1", Name: sp("Hall Sensor"), Manufacturer: sp("Acme"), Model: sp("S1"), AreaID: sp("hall")}}, nil
	}
	return f.devicesFn(ctx)
}

func (f *fakeSession) GetEntityRegistry(ctx context.Context) ([]registry.Entity, error) {
	if f.entitiesFn == nil {
		return []registry.Entity{{EntityID: "sensor.hall_temperature", DeviceID: sp("r1")}}, nil
	}
	return f.entitiesFn(ctx)
}

func (f *fakeSession) Done() <-chan struct{} { return f.done }

func (f *fakeSession) Disconnect() {
	if !f.closed {
		f.closed = true
		close(f.done)
	}
}

type fakeBridge struct {
	devices  []bridge.Device
	topology chan struct{}
}

func (f *fakeBridge) GetDevices() []bridge.Device { return f.devices }
func (f *fakeBridge) TopologyChanges() <-chan struct{} { return f.topology }

type fakeQueries struct {
	insertRunFn func(ctx context.Context, arg sqlcgen.InsertDiscoveryRunParams) (sqlcgen.DiscoveryRun, error)
	updateFn    func(ctx context.Context, arg sqlcgen.UpdateDiscoveryRunParams) (sqlcgen.DiscoveryRun, error)
	insertFn    func(ctx context.Context, arg sqlcgen.InsertDiscoveryRunLogParams) error
}

func (f *fakeQueries) InsertDiscoveryRun(ctx context.Context, arg sqlcgen.InsertDiscoveryRunParams) (sqlcgen.DiscoveryRun, error) {
	if f.insertRunFn == nil {
		return sqlcgen.DiscoveryRun{ID: "run-1", Status: arg.Status, Trigger: arg.Trigger}, nil
	}
	return f.insertRunFn(ctx, arg)
}

func (f *fakeQueries) UpdateDiscoveryRun(ctx context.Context, arg sqlcgen.UpdateDiscoveryRunParams) (sqlcgen.DiscoveryRun, error) {
	if f.updateFn == nil {
		return sqlcgen.DiscoveryRun{ID: arg.ID, Status: arg.Status}, nil
	}
	return f.updateFn(ctx, arg)
}

func (f *fakeQueries) InsertDiscoveryRunLog(ctx context.Context, arg sqlcgen.InsertDiscoveryRunLogParams) error {
	if f.insertFn == nil {
		return nil
	}
	return f.insertFn(ctx, arg)
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (r *recordingBroadcaster) Broadcast(ev realtime.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func zigbeeBridge() *fakeBridge {
	return &fakeBridge{devices: []bridge.Device{
		{IEEEAddress: "0x00000000000000aa", Type: "Coordinator"},
		{IEEEAddress: "0x00124B0022AABBCC", FriendlyName: "porch_button", Type: "EndDevice", Manufacturer: "IKEA", ModelID: "E1743", PowerSource: "Battery"},
	}}
}

func TestWorker_RunOnce_UnifiesAndRecordsRun(t *testing.T) {
	sel := &fakeSelector{}
	sess := newFakeSession()
	dials := 0
	dial := func(ctx context.Context, ep connection.EndpointConfig) (Session, error) {
		dials++
		return sess, nil
	}

	var (
		seenStarted   bool
		seenCompleted bool
		updatedStatus string
		updatedStats  map[string]any
	)
	q := &fakeQueries{
		insertRunFn: func(ctx context.Context, arg sqlcgen.InsertDiscoveryRunParams) (sqlcgen.DiscoveryRun, error) {
			if arg.Status != "running" || arg.Trigger != TriggerManual {
				t.Fatalf("unexpected run insert %#v", arg)
			}
			return sqlcgen.DiscoveryRun{ID: "run-1", Status: "running"}, nil
		},
		updateFn: func(ctx context.Context, arg sqlcgen.UpdateDiscoveryRunParams) (sqlcgen.DiscoveryRun, error) {
			updatedStatus = arg.Status
			updatedStats = arg.Stats
			if arg.CompletedAt == nil {
				t.Fatalf("expected completed_at set")
			}
			return sqlcgen.DiscoveryRun{ID: arg.ID, Status: arg.Status}, nil
		},
		insertFn: func(ctx context.Context, arg sqlcgen.InsertDiscoveryRunLogParams) error {
			switch arg.Message {
			case "discovery run started":
				seenStarted = true
			case "discovery run completed":
				seenCompleted = true
			}
			return nil
		},
	}
	events := &recordingBroadcaster{}
	store := inventory.NewStore()

	w := New(zerolog.Nop(), sel, dial, store, Options{Queries: q, Bridge: zigbeeBridge(), Events: events})
	res, err := w.RunOnce(context.Background(), TriggerManual)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if res.RunID != "run-1" || res.Status != "succeeded" || res.Endpoint != "primary" {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Devices != 2 || len(res.Added) != 2 || res.RegistryDevices != 1 || res.BridgeDevices != 2 {
		t.Fatalf("expected registry device plus bridge-only device, got %+v", res)
	}
	if _, err := store.Get("bridge_0x00124b0022aabbcc"); err != nil {
		t.Fatalf("expected bridge-only device in store: %v", err)
	}
	d, err := store.Get("r1")
	if err != nil {
		t.Fatalf("expected registry device in store: %v", err)
	}
	if d.AreaName == nil || *d.AreaName != "Hallway" {
		t.Fatalf("expected area name resolved, got %v", d.AreaName)
	}
	if updatedStatus != "succeeded" || updatedStats["devices"] != 2 {
		t.Fatalf("expected succeeded run with stats, got %q %#v", updatedStatus, updatedStats)
	}
	if !seenStarted || !seenCompleted {
		t.Fatalf("expected both logs, got started=%v completed=%v", seenStarted, seenCompleted)
	}
	if len(sel.successes) != 1 || len(sel.failures) != 0 {
		t.Fatalf("expected one success report, got successes=%v failures=%v", sel.successes, sel.failures)
	}
	if len(events.events) != 2 || events.events[0].Type != realtime.TypeDeviceUpdate {
		t.Fatalf("expected two device_update events, got %+v", events.events)
	}
	if dials != 1 {
		t.Fatalf("expected one dial, got %d", dials)
	}

	st := w.Status()
	if st.Running || st.LastRun == nil || st.LastRun.RunID != "run-1" || st.LastSuccessAt == nil {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestWorker_RunOnce_ReusesSessionAndReportsRemovals(t *testing.T) {
	sess := newFakeSession()
	dials := 0
	dial := func(ctx context.Context, ep connection.EndpointConfig) (Session, error) {
		dials++
		return sess, nil
	}
	events := &recordingBroadcaster{}
	b := zigbeeBridge()
	store := inventory.NewStore()
	w := New(zerolog.Nop(), &fakeSelector{}, dial, store, Options{Bridge: b, Events: events})

	if _, err := w.RunOnce(context.Background(), TriggerStartup); err != nil {
		t.Fatalf("first run: %v", err)
	}
	b.devices = b.devices[:1]
	events.events = nil

	res, err := w.RunOnce(context.Background(), TriggerTopology)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if dials != 1 {
		t.Fatalf("expected session reuse, got %d dials", dials)
	}
	if len(res.Removed) != 1 || res.Removed[0] != "bridge_0x00124b0022aabbcc" || res.Updated != 1 {
		t.Fatalf("expected one removal and one update, got %+v", res)
	}
	if res.RunID == "" {
		t.Fatalf("expected a generated run id without a database")
	}
	var removed bool
	for _, ev := range events.events {
		if d, ok := ev.Data.(device.Device); ok && ev.DeviceID == "bridge_0x00124b0022aabbcc" && d.Disabled {
			removed = true
		}
	}
	if !removed {
		t.Fatalf("expected a disabled device event, got %+v", events.events)
	}

	missing, err := store.Get("bridge_0x00124b0022aabbcc")
	if err != nil || !missing.Disabled {
		t.Fatalf("expected missing device kept and disabled, got %+v %v", missing, err)
	}
	if res.Devices != 2 {
		t.Fatalf("expected inventory to keep both devices, got %d", res.Devices)
	}
}

func TestWorker_RegistryEventQueuesRediscovery(t *testing.T) {
	sess := newFakeSession()
	dial := func(ctx context.Context, ep connection.EndpointConfig) (Session, error) { return sess, nil }
	w := New(zerolog.Nop(), &fakeSelector{}, dial, nil, Options{})

	if _, err := w.RunOnce(context.Background(), TriggerStartup); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(sess.handlers) != len(registryEvents) {
		t.Fatalf("expected %d subscriptions, got %d", len(registryEvents), len(sess.handlers))
	}

	sess.handlers["device_registry_updated"](registry.Event{Type: "device_registry_updated"})
	select {
	case reason := <-w.trigger:
		if reason != TriggerRegistry {
			t.Fatalf("expected %q trigger, got %q", TriggerRegistry, reason)
		}
	default:
		t.Fatalf("expected a queued rediscovery")
	}
}

func TestWorker_SubscriptionFailureDoesNotFailRun(t *testing.T) {
	sess := newFakeSession()
	sess.subErr = errors.New("unknown command")
	dial := func(ctx context.Context, ep connection.EndpointConfig) (Session, error) { return sess, nil }
	w := New(zerolog.Nop(), &fakeSelector{}, dial, nil, Options{})

	res, err := w.RunOnce(context.Background(), TriggerStartup)
	if err != nil || res.Status != "succeeded" {
		t.Fatalf("expected a successful run, got %+v err=%v", res, err)
	}
}

func TestWorker_RunOnce_RegistryFailureFailsRunAndRedials(t *testing.T) {
	sel := &fakeSelector{}
	var sessions []*fakeSession
	dial := func(ctx context.Context, ep connection.EndpointConfig) (Session, error) {
		s := newFakeSession()
		if len(sessions) == 0 {
			s.devicesFn = func(ctx context.Context) ([]registry.Device, error) {
				return nil, registry.ErrConnLost
			}
		}
		sessions = append(sessions, s)
		return s, nil
	}

	var lastErr *string
	q := &fakeQueries{
		updateFn: func(ctx context.Context, arg sqlcgen.UpdateDiscoveryRunParams) (sqlcgen.DiscoveryRun, error) {
			lastErr = arg.LastError
			if arg.Status != "failed" {
				t.Fatalf("expected failed status, got %q", arg.Status)
			}
			return sqlcgen.DiscoveryRun{ID: arg.ID, Status: arg.Status}, nil
		},
	}
	w := New(zerolog.Nop(), sel, dial, nil, Options{Queries: q})

	_, err := w.RunOnce(context.Background(), TriggerInterval)
	if !errors.Is(err, registry.ErrConnLost) {
		t.Fatalf("expected wrapped ErrConnLost, got %v", err)
	}
	if lastErr == nil || *lastErr == "" {
		t.Fatalf("expected last_error to be set")
	}
	if len(sel.failures) != 1 || sel.failures[0] != "primary" {
		t.Fatalf("expected failure reported for primary, got %v", sel.failures)
	}
	if !sessions[0].closed {
		t.Fatalf("expected failed session to be disconnected")
	}

	q.updateFn = nil
	if _, err := w.RunOnce(context.Background(), TriggerInterval); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected a fresh session after failure, got %d", len(sessions))
	}
}

func TestWorker_RunOnce_NoEndpoint(t *testing.T) {
	sel := &fakeSelector{selectFn: func(ctx context.Context) (connection.EndpointConfig, error) {
		return connection.EndpointConfig{}, connection.ErrNoEndpoint
	}}
	dial := func(ctx context.Context, ep connection.EndpointConfig) (Session, error) {
		t.Fatalf("dial must not be called without an endpoint")
		return nil, nil
	}
	w := New(zerolog.Nop(), sel, dial, nil, Options{})

	_, err := w.RunOnce(context.Background(), TriggerManual)
	if !errors.Is(err, connection.ErrNoEndpoint) {
		t.Fatalf("expected ErrNoEndpoint, got %v", err)
	}
	st := w.Status()
	if st.LastRun == nil || st.LastRun.Status != "failed" || st.LastSuccessAt != nil {
		t.Fatalf("expected failed last run, got %+v", st)
	}
}

func TestWorker_TriggerIsNonBlocking(t *testing.T) {
	w := New(zerolog.Nop(), &fakeSelector{}, nil, nil, Options{})
	if !w.Trigger("") {
		t.Fatalf("expected first trigger to queue")
	}
	if w.Trigger(TriggerManual) {
		t.Fatalf("expected second trigger to be dropped while one is queued")
	}
	if got := <-w.trigger; got != TriggerManual {
		t.Fatalf("expected manual trigger, got %q", got)
	}
}

func TestWorker_NextDelayBacksOff(t *testing.T) {
	w := New(zerolog.Nop(), &fakeSelector{}, nil, nil, Options{Interval: time.Minute, RetryBase: time.Second})
	if d := w.nextDelay(); d != time.Minute {
		t.Fatalf("expected interval without failures, got %v", d)
	}
	w.failures = 3
	if d := w.nextDelay(); d != 4*time.Second {
		t.Fatalf("expected 4s after three failures, got %v", d)
	}
	w.failures = 20
	if d := w.nextDelay(); d != time.Minute {
		t.Fatalf("expected backoff capped at interval, got %v", d)
	}
}

func TestWorker_Run_RediscoversOnTopologyChange(t *testing.T) {
	calls := make(chan struct{}, 8)
	sess := newFakeSession()
	sess.devicesFn = func(ctx context.Context) ([]registry.Device, error) {
		calls <- struct{}{}
		return nil, nil
	}
	dial := func(ctx context.Context, ep connection.EndpointConfig) (Session, error) {
		return sess, nil
	}
	b := &fakeBridge{topology: make(chan struct{}, 1)}
	w := New(zerolog.Nop(), &fakeSelector{}, dial, nil, Options{Interval: time.Hour, Bridge: b})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	wait := func(what string) {
		select {
		case <-calls:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s run", what)
		}
	}
	wait("startup")
	b.topology <- struct{}{}
	wait("topology")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not stop")
	}
	if !sess.closed {
		t.Fatalf("expected session closed on shutdown")
	}
}
