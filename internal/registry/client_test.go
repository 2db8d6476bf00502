package registry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"homepulse/core-go/internal/connection"
)

// fakeHub is a scripted hub. onCommand answers correlated requests: nil
// sends nothing, a []any sends each frame in order.
type fakeHub struct {
	token       string
	authReply   string
	firstType   string
	refuseAfter int32
	onCommand   func(conn *websocket.Conn, msg map[string]any) any

	conns atomic.Int32
}

func (h *fakeHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := h.conns.Add(1)
	if h.refuseAfter > 0 && n > h.refuseAfter {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	first := h.firstType
	if first == "" {
		first = "auth_required"
	}
	_ = conn.WriteJSON(map[string]any{"type": first, "ha_version": "2026.10.1"})
	if first != "auth_required" {
		return
	}

	var auth map[string]any
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}
	if auth["access_token"] != h.token {
		_ = conn.WriteJSON(map[string]any{"type": "auth_invalid", "message": "Invalid access token"})
		return
	}
	reply := h.authReply
	if reply == "" {
		reply = "auth_ok"
	}
	_ = conn.WriteJSON(map[string]any{"type": reply, "ha_version": "2026.10.1"})

	var writeMu sync.Mutex
	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if h.onCommand == nil {
			continue
		}
		go func(msg map[string]any) {
			out := h.onCommand(conn, msg)
			if out == nil {
				return
			}
			writeMu.Lock()
			defer writeMu.Unlock()
			if frames, ok := out.([]any); ok {
				for _, f := range frames {
					_ = conn.WriteJSON(f)
				}
				return
			}
			_ = conn.WriteJSON(out)
		}(msg)
	}
}

func result(msg map[string]any, payload any) map[string]any {
	return map[string]any{"id": msg["id"], "type": "result", "success": true, "result": payload}
}

func startHub(t *testing.T, h *fakeHub) connection.EndpointConfig {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return connection.EndpointConfig{
		Name:    "primary",
		URL:     srv.URL,
		Token:   "secret",
		Timeout: 2 * time.Second,
	}
}

func TestWebSocketURL(t *testing.T) {
	cases := map[string]string{
		"http://hub.local:8123":             "ws://hub.local:8123/api/websocket",
		"https://relay.example/":            "wss://relay.example/api/websocket",
		"ws://hub.local:8123/custom/ws":     "ws://hub.local:8123/custom/ws",
		"wss://relay.example/api/websocket": "wss://relay.example/api/websocket",
	}
	for in, want := range cases {
		got, err := WebSocketURL(in)
		if err != nil {
			t.Fatalf("WebSocketURL(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("WebSocketURL(%q): expected %q, got %q", in, want, got)
		}
	}
	if _, err := WebSocketURL("ftp://hub"); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
}

func TestConnect_AuthInvalid(t *testing.T) {
	ep := startHub(t, &fakeHub{token: "other"})
	c := New(zerolog.Nop(), ep, Options{})
	err := c.Connect(context.Background())
	if !errors.Is(err, ErrAuthInvalid) {
		t.Fatalf("expected ErrAuthInvalid, got %v", err)
	}
}

func TestConnect_UnexpectedFirstFrame(t *testing.T) {
	ep := startHub(t, &fakeHub{token: "secret", firstType: "result"})
	c := New(zerolog.Nop(), ep, Options{})
	if err := c.Connect(context.Background()); !errors.Is(err, ErrHandshake) {
		t.Fatalf("expected ErrHandshake, got %v", err)
	}
}

func TestConnect_UnexpectedAuthReply(t *testing.T) {
	ep := startHub(t, &fakeHub{token: "secret", authReply: "pong"})
	c := New(zerolog.Nop(), ep, Options{})
	if err := c.Connect(context.Background()); !errors.Is(err, ErrHandshake) {
		t.Fatalf("expected ErrHandshake, got %v", err)
	}
}

func TestRequestBeforeConnect(t *testing.T) {
	c := New(zerolog.Nop(), connection.EndpointConfig{Name: "x", URL: "ws://127.0.0.1:1"}, Options{})
	if _, err := c.GetDeviceRegistry(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestGetDeviceRegistry_SkipsMalformedRecords(t *testing.T) {
	hub := &fakeHub{token: "secret"}
	hub.onCommand = func(_ *websocket.Conn, msg map[string]any) any {
		if msg["type"] != cmdDeviceList {
			return nil
		}
		return result(msg, []any{
			map[string]any{
				"id":           "dev1",
				"name":         "Kitchen Plug",
				"manufacturer": "IKEA",
				"identifiers":  [][]any{{"zigbee", "0x00124B0001"}},
			},
			map[string]any{"id": 42},
			map[string]any{"id": ""},
		})
	}
	ep := startHub(t, hub)
	c := New(zerolog.Nop(), ep, Options{})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()

	devices, err := c.GetDeviceRegistry(context.Background())
	if err != nil {
		t.Fatalf("GetDeviceRegistry: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("expected 1 valid device, got %d", len(devices))
	}
	d := devices[0]
	if d.DisplayName() != "Kitchen Plug" || d.Integration() != "zigbee" || d.Identifiers[0].Value != "0x00124B0001" {
		t.Fatalf("unexpected device: %+v", d)
	}
	if d.Model != nil {
		t.Fatalf("expected missing model to stay nil")
	}
}

func TestRequests_CorrelatedByID(t *testing.T) {
	hub := &fakeHub{token: "secret"}
	hub.onCommand = func(_ *websocket.Conn, msg map[string]any) any {
		switch msg["type"] {
		case cmdAreaList:
			// Answer areas late so the entity reply overtakes it.
			time.Sleep(100 * time.Millisecond)
			return result(msg, []any{map[string]any{"area_id": "kitchen", "name": "Kitchen"}})
		case cmdEntityList:
			return result(msg, []any{map[string]any{"entity_id": "light.kitchen", "device_id": "dev1", "platform": "hue"}})
		}
		return nil
	}
	ep := startHub(t, hub)
	c := New(zerolog.Nop(), ep, Options{})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()

	var wg sync.WaitGroup
	var areas []Area
	var entities []Entity
	var areaErr, entErr error
	wg.Add(2)
	go func() { defer wg.Done(); areas, areaErr = c.GetAreaRegistry(context.Background()) }()
	go func() { defer wg.Done(); entities, entErr = c.GetEntityRegistry(context.Background()) }()
	wg.Wait()

	if areaErr != nil || entErr != nil {
		t.Fatalf("unexpected errors: areas=%v entities=%v", areaErr, entErr)
	}
	if len(areas) != 1 || areas[0].Name != "Kitchen" {
		t.Fatalf("unexpected areas: %+v", areas)
	}
	if len(entities) != 1 || entities[0].Domain() != "light" {
		t.Fatalf("unexpected entities: %+v", entities)
	}
}

func TestRequest_FailureResult(t *testing.T) {
	hub := &fakeHub{token: "secret"}
	hub.onCommand = func(_ *websocket.Conn, msg map[string]any) any {
		return map[string]any{"id": msg["id"], "type": "result", "success": false,
			"error": map[string]any{"code": "unauthorized", "message": "admin required"}}
	}
	ep := startHub(t, hub)
	c := New(zerolog.Nop(), ep, Options{})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()

	_, err := c.GetAreaRegistry(context.Background())
	if err == nil || !strings.Contains(err.Error(), "admin required") {
		t.Fatalf("expected upstream error message, got %v", err)
	}
}

func TestRequest_Timeout(t *testing.T) {
	hub := &fakeHub{token: "secret"}
	hub.onCommand = func(*websocket.Conn, map[string]any) any { return nil }
	ep := startHub(t, hub)
	c := New(zerolog.Nop(), ep, Options{RequestTimeout: 50 * time.Millisecond})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()

	_, err := c.GetDeviceRegistry(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestSubscribeEvents_DispatchesToHandler(t *testing.T) {
	hub := &fakeHub{token: "secret"}
	hub.onCommand = func(_ *websocket.Conn, msg map[string]any) any {
		if msg["type"] != cmdSubscribeEvents {
			return nil
		}
		return []any{
			result(msg, nil),
			map[string]any{
				"id":   msg["id"],
				"type": "event",
				"event": map[string]any{
					"event_type": "device_registry_updated",
					"data":       map[string]any{"action": "create", "device_id": "dev9"},
					"time_fired": "2026-10-18T10:00:00Z",
				},
			},
		}
	}
	ep := startHub(t, hub)
	c := New(zerolog.Nop(), ep, Options{})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()

	got := make(chan Event, 1)
	err := c.SubscribeEvents(context.Background(), "device_registry_updated", func(ev Event) { got <- ev })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	select {
	case ev := <-got:
		var data map[string]string
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			t.Fatalf("decode event data: %v", err)
		}
		if ev.Type != "device_registry_updated" || data["device_id"] != "dev9" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected event to be dispatched")
	}
}

func TestReconnect_ExhaustionSurfacesUnavailable(t *testing.T) {
	hub := &fakeHub{token: "secret", refuseAfter: 1}
	hub.onCommand = func(conn *websocket.Conn, _ map[string]any) any {
		_ = conn.Close()
		return nil
	}
	ep := startHub(t, hub)

	reported := make(chan string, 1)
	c := New(zerolog.Nop(), ep, Options{
		MaxReconnectAttempts: 2,
		ReconnectBaseDelay:   time.Millisecond,
		ReconnectMaxDelay:    5 * time.Millisecond,
		OnUnavailable:        func(name string, _ error) { reported <- name },
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()

	if _, err := c.GetDeviceRegistry(context.Background()); err == nil {
		t.Fatalf("expected request to fail when the hub drops the connection")
	}

	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("expected Done after reconnect exhaustion")
	}
	if !errors.Is(c.Err(), ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", c.Err())
	}
	if name := <-reported; name != "primary" {
		t.Fatalf("expected unavailable report for primary, got %q", name)
	}
}

func TestReconnect_ResubscribesAfterDrop(t *testing.T) {
	hub := &fakeHub{token: "secret"}
	var subs atomic.Int32
	hub.onCommand = func(conn *websocket.Conn, msg map[string]any) any {
		switch msg["type"] {
		case cmdSubscribeEvents:
			if subs.Add(1) == 1 {
				// Acknowledge, then drop the first connection.
				go func() {
					time.Sleep(20 * time.Millisecond)
					_ = conn.Close()
				}()
			}
			return result(msg, nil)
		case cmdAreaList:
			return result(msg, []any{})
		}
		return nil
	}
	ep := startHub(t, hub)
	c := New(zerolog.Nop(), ep, Options{ReconnectBaseDelay: time.Millisecond})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()

	if err := c.SubscribeEvents(context.Background(), "state_changed", func(Event) {}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for subs.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected subscription to be replayed after reconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := c.GetAreaRegistry(context.Background()); err != nil {
		t.Fatalf("expected requests to work after reconnect, got %v", err)
	}
}

func TestProber(t *testing.T) {
	ep := startHub(t, &fakeHub{token: "secret"})
	if err := (Prober{}).Probe(context.Background(), ep); err != nil {
		t.Fatalf("expected probe success, got %v", err)
	}
	ep.Token = "wrong"
	if err := (Prober{}).Probe(context.Background(), ep); !errors.Is(err, ErrAuthInvalid) {
		t.Fatalf("expected ErrAuthInvalid, got %v", err)
	}
}
