package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"homepulse/core-go/internal/breaker"
	"homepulse/core-go/internal/realtime"
)

type fakeProber struct {
	mu     sync.Mutex
	calls  []string
	failOn map[string]error
}

func (f *fakeProber) Probe(ctx context.Context, ep EndpointConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ep.Name)
	if err, ok := f.failOn[ep.Name]; ok {
		return err
	}
	return nil
}

func (f *fakeProber) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeProber) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func testEndpoints() []EndpointConfig {
	bc := breaker.Config{FailMax: 2, ResetTimeout: time.Minute, SuccessThreshold: 1}
	return []EndpointConfig{
		{Name: "secondary", URL: "ws://hub-b:8123", Token: "b", Kind: KindSecondary, Priority: 3, Timeout: time.Second, Breaker: bc},
		{Name: "primary", URL: "ws://hub-a:8123", Token: "a", Kind: KindPrimary, Priority: 1, Timeout: time.Second, Breaker: bc},
		{Name: "cloud", URL: "wss://relay.example", Token: "c", Kind: KindCloudRelay, Priority: 2, Timeout: time.Second, Breaker: bc},
	}
}

func TestNewManager_SortsByPriority(t *testing.T) {
	m, err := NewManager(zerolog.Nop(), testEndpoints(), &fakeProber{}, Options{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	got := m.Endpoints()
	want := []string{"primary", "cloud", "secondary"}
	for i := range want {
		if got[i].Name != want[i] {
			t.Fatalf("expected order %v, got %+v", want, got)
		}
	}
}

func TestNewManager_RejectsDuplicateNames(t *testing.T) {
	eps := []EndpointConfig{{Name: "a", Priority: 1}, {Name: "a", Priority: 2}}
	if _, err := NewManager(zerolog.Nop(), eps, &fakeProber{}, Options{}); err == nil {
		t.Fatalf("expected duplicate name error")
	}
}

func TestSelectConnection_ReturnsFirstHealthy(t *testing.T) {
	p := &fakeProber{}
	m, _ := NewManager(zerolog.Nop(), testEndpoints(), p, Options{})

	ep, err := m.SelectConnection(context.Background())
	if err != nil {
		t.Fatalf("expected endpoint, got %v", err)
	}
	if ep.Name != "primary" {
		t.Fatalf("expected primary, got %q", ep.Name)
	}
	if !m.Status().Healthy {
		t.Fatalf("expected healthy status")
	}
}

func TestSelectConnection_SkipsOpenBreakerWithoutProbing(t *testing.T) {
	p := &fakeProber{failOn: map[string]error{"primary": errors.New("refused")}}
	m, _ := NewManager(zerolog.Nop(), testEndpoints(), p, Options{})

	// Trip primary: FailMax is 2.
	m.ReportFailure("primary", errors.New("refused"))
	m.ReportFailure("primary", errors.New("refused"))
	if got := m.Status().Endpoints[0].Breaker.State; got != breaker.StateOpen {
		t.Fatalf("expected primary breaker open, got %s", got)
	}

	ep, err := m.SelectConnection(context.Background())
	if err != nil {
		t.Fatalf("expected endpoint, got %v", err)
	}
	if ep.Name != "cloud" {
		t.Fatalf("expected cloud, got %q", ep.Name)
	}
	for _, c := range p.Calls() {
		if c == "primary" {
			t.Fatalf("expected primary not to be probed, calls=%v", p.Calls())
		}
	}
	if st := m.Status(); st.Overall != OverallDegraded {
		t.Fatalf("expected degraded overall status, got %s", st.Overall)
	}
}

func TestSelectConnection_HappyPathCostsOneProbe(t *testing.T) {
	p := &fakeProber{}
	m, _ := NewManager(zerolog.Nop(), testEndpoints(), p, Options{})

	if _, err := m.SelectConnection(context.Background()); err != nil {
		t.Fatalf("first select: %v", err)
	}
	p.Reset()
	if _, err := m.SelectConnection(context.Background()); err != nil {
		t.Fatalf("second select: %v", err)
	}
	if calls := p.Calls(); len(calls) != 1 || calls[0] != "primary" {
		t.Fatalf("expected exactly one probe of the cached endpoint, got %v", calls)
	}
}

func TestSelectConnection_FallsThroughWhenCachedFails(t *testing.T) {
	p := &fakeProber{}
	m, _ := NewManager(zerolog.Nop(), testEndpoints(), p, Options{})
	if _, err := m.SelectConnection(context.Background()); err != nil {
		t.Fatalf("select: %v", err)
	}

	p.failOn = map[string]error{"primary": errors.New("timeout")}
	p.Reset()
	ep, err := m.SelectConnection(context.Background())
	if err != nil {
		t.Fatalf("expected fallback endpoint, got %v", err)
	}
	if ep.Name != "cloud" {
		t.Fatalf("expected cloud, got %q", ep.Name)
	}
	calls := p.Calls()
	if len(calls) != 2 || calls[0] != "primary" || calls[1] != "cloud" {
		t.Fatalf("expected primary then cloud probes, got %v", calls)
	}
}

func TestSelectConnection_NoneAvailable(t *testing.T) {
	boom := errors.New("down")
	p := &fakeProber{failOn: map[string]error{"primary": boom, "cloud": boom, "secondary": boom}}
	m, _ := NewManager(zerolog.Nop(), testEndpoints(), p, Options{})

	_, err := m.SelectConnection(context.Background())
	if !errors.Is(err, ErrNoEndpoint) {
		t.Fatalf("expected ErrNoEndpoint, got %v", err)
	}
	st := m.Status()
	if st.Healthy || st.Overall != OverallUnavailable {
		t.Fatalf("expected unavailable status, got %+v", st)
	}
	for _, es := range st.Endpoints {
		if es.LastProbeError != "down" {
			t.Fatalf("expected probe error recorded for %s, got %q", es.Name, es.LastProbeError)
		}
	}
}

type recordingEvents struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (r *recordingEvents) Broadcast(ev realtime.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingEvents) changes(t *testing.T) []StatusChange {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StatusChange, 0, len(r.events))
	for _, ev := range r.events {
		if ev.Type != realtime.TypeSystemStatus {
			t.Fatalf("expected system_status event, got %q", ev.Type)
		}
		ch, ok := ev.Data.(StatusChange)
		if !ok {
			t.Fatalf("expected StatusChange payload, got %T", ev.Data)
		}
		out = append(out, ch)
	}
	return out
}

func TestManager_PublishesSystemStatus(t *testing.T) {
	p := &fakeProber{failOn: map[string]error{}}
	events := &recordingEvents{}
	m, _ := NewManager(zerolog.Nop(), testEndpoints(), p, Options{Events: events})

	if _, err := m.SelectConnection(context.Background()); err != nil {
		t.Fatalf("select: %v", err)
	}
	// Same endpoint again is not a change.
	if _, err := m.SelectConnection(context.Background()); err != nil {
		t.Fatalf("select: %v", err)
	}
	m.ReportFailure("primary", errors.New("refused"))
	m.ReportFailure("primary", errors.New("refused"))
	if ep, err := m.SelectConnection(context.Background()); err != nil || ep.Name != "cloud" {
		t.Fatalf("expected failover to cloud, got %q %v", ep.Name, err)
	}

	boom := errors.New("down")
	p.failOn["cloud"] = boom
	p.failOn["secondary"] = boom
	if _, err := m.SelectConnection(context.Background()); !errors.Is(err, ErrNoEndpoint) {
		t.Fatalf("expected ErrNoEndpoint, got %v", err)
	}

	got := events.changes(t)
	if len(got) != 4 {
		t.Fatalf("expected 4 status changes, got %+v", got)
	}
	if got[0].Event != ChangeSelected || got[0].Endpoint != "primary" || got[0].Kind != KindPrimary || got[0].Overall != OverallHealthy {
		t.Fatalf("unexpected first change %+v", got[0])
	}
	if got[1].Event != ChangeBreaker || got[1].Endpoint != "primary" || got[1].From != string(breaker.StateClosed) || got[1].To != string(breaker.StateOpen) {
		t.Fatalf("unexpected breaker change %+v", got[1])
	}
	if got[2].Event != ChangeSelected || got[2].Endpoint != "cloud" || got[2].Overall != OverallDegraded {
		t.Fatalf("unexpected failover change %+v", got[2])
	}
	if got[3].Event != ChangeUnavailable || got[3].Overall != OverallUnavailable {
		t.Fatalf("unexpected final change %+v", got[3])
	}
}

func TestSelectConnection_HalfOpenAfterResetTimeout(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	p := &fakeProber{}
	m, _ := NewManager(zerolog.Nop(), testEndpoints(), p, Options{BreakerClock: clock})

	m.ReportFailure("primary", nil)
	m.ReportFailure("primary", nil)

	ep, _ := m.SelectConnection(context.Background())
	if ep.Name != "cloud" {
		t.Fatalf("expected cloud while primary open, got %q", ep.Name)
	}

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	m.ReportFailure("cloud", nil)

	ep, _ = m.SelectConnection(context.Background())
	if ep.Name != "primary" {
		t.Fatalf("expected primary after reset timeout, got %q", ep.Name)
	}
	if got := m.Status().Endpoints[0].Breaker.State; got != breaker.StateClosed {
		t.Fatalf("expected primary closed after successful probe, got %s", got)
	}
}

func TestHealthCheck_ReportsPerEndpoint(t *testing.T) {
	p := &fakeProber{failOn: map[string]error{"cloud": errors.New("503")}}
	m, _ := NewManager(zerolog.Nop(), testEndpoints(), p, Options{})

	report := m.HealthCheck(context.Background())
	if !report["primary"] || report["cloud"] || !report["secondary"] {
		t.Fatalf("unexpected report: %v", report)
	}
}

func TestStatus_RedactsCredentials(t *testing.T) {
	m, _ := NewManager(zerolog.Nop(), testEndpoints(), &fakeProber{}, Options{})
	for _, es := range m.Status().Endpoints {
		if !es.HasCredential {
			t.Fatalf("expected has_credential for %s", es.Name)
		}
	}
}
