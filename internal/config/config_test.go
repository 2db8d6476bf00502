package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"homepulse/core-go/internal/connection"
)

func env(m map[string]string) Lookup {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv(env(nil))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.HTTPAddr != ":8081" || cfg.LogLevel != "info" || cfg.BridgeBaseTopic != "zigbee2mqtt" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.DiscoveryInterval != 5*time.Minute || cfg.MetricWindowSize != 100 {
		t.Fatalf("unexpected discovery/window defaults %+v", cfg)
	}
	if cfg.LogFormat != "json" || cfg.DBMaxConns != 4 || cfg.SchemaPath != "" {
		t.Fatalf("unexpected logging/db defaults %+v", cfg)
	}
	if len(cfg.Endpoints) != 0 {
		t.Fatalf("expected no endpoints, got %+v", cfg.Endpoints)
	}
}

func TestFromEnv_Endpoints(t *testing.T) {
	cfg, err := FromEnv(env(map[string]string{
		"HA_URL":                "http://ha.local:8123",
		"HA_TOKEN":              "t1",
		"HA_CLOUD_URL":          "https://relay.example",
		"HA_CLOUD_TOKEN":        "t2",
		"HA_CLOUD_TIMEOUT":      "20s",
		"BREAKER_FAIL_MAX":      "3",
		"BREAKER_RESET_TIMEOUT": "30s",
	}))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(cfg.Endpoints) != 2 {
		t.Fatalf("expected 2 endpoints, got %+v", cfg.Endpoints)
	}
	p, c := cfg.Endpoints[0], cfg.Endpoints[1]
	if p.Kind != connection.KindPrimary || p.Priority != 0 || p.Timeout != 10*time.Second {
		t.Fatalf("unexpected primary %+v", p)
	}
	if c.Kind != connection.KindCloudRelay || c.Priority != 1 || c.Timeout != 20*time.Second {
		t.Fatalf("unexpected cloud relay %+v", c)
	}
	if p.Breaker.FailMax != 3 || p.Breaker.ResetTimeout != 30*time.Second || p.Breaker.SuccessThreshold != 2 {
		t.Fatalf("unexpected breaker config %+v", p.Breaker)
	}
}

func TestFromEnv_JoinsErrors(t *testing.T) {
	_, err := FromEnv(env(map[string]string{
		"METRIC_WINDOW_SIZE": "lots",
		"DISCOVERY_INTERVAL": "soon",
		"HA_URL":             "http://ha.local:8123",
	}))
	if err == nil {
		t.Fatalf("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{"METRIC_WINDOW_SIZE", "DISCOVERY_INTERVAL", "no access token"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected error to mention %q, got %q", want, msg)
		}
	}
}

func TestFromEnv_EndpointsFileOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "endpoints.yaml")
	content := `endpoints:
  - name: primary
    url: ws://10.0.0.5:8123/api/websocket
    kind: primary
    priority: 0
    timeout: 3s
    breaker:
      fail_max: 2
  - name: lab
    url: ws://lab.local:8123
    token: lab-token
    priority: 5
    max_retries: 1
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	cfg, err := FromEnv(env(map[string]string{
		"HA_URL":         "http://ha.local:8123",
		"HA_TOKEN":       "t1",
		"ENDPOINTS_FILE": path,
	}))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(cfg.Endpoints) != 2 {
		t.Fatalf("expected 2 endpoints, got %+v", cfg.Endpoints)
	}
	p := cfg.Endpoints[0]
	if p.URL != "ws://10.0.0.5:8123/api/websocket" || p.Token != "t1" || p.Timeout != 3*time.Second || p.Breaker.FailMax != 2 {
		t.Fatalf("expected file to override primary and keep env token, got %+v", p)
	}
	if p.Breaker.ResetTimeout != 60*time.Second {
		t.Fatalf("expected inherited reset timeout, got %v", p.Breaker.ResetTimeout)
	}
	lab := cfg.Endpoints[1]
	if lab.Kind != connection.KindSecondary || lab.Priority != 5 || lab.MaxRetries != 1 {
		t.Fatalf("unexpected lab endpoint %+v", lab)
	}
}

func TestLoadEndpointsFile_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("endpoints:\n  - url: ws://x\n    timeout: nope\n"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	_, err := FromEnv(env(map[string]string{"ENDPOINTS_FILE": path}))
	if err == nil || !strings.Contains(err.Error(), "has no name") || !strings.Contains(err.Error(), "timeout") {
		t.Fatalf("expected joined file errors, got %v", err)
	}
}

func TestConfig_LocatedEndpoint(t *testing.T) {
	cfg, err := FromEnv(env(map[string]string{
		"HA_TOKEN":                  "t1",
		"HA_MAX_RECONNECT_ATTEMPTS": "3",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Endpoints) != 0 {
		t.Fatalf("expected no endpoints without a url, got %d", len(cfg.Endpoints))
	}

	ep := cfg.LocatedEndpoint("http://10.0.0.5:8123")
	if ep.Name != "primary" || ep.Token != "t1" || ep.URL != "http://10.0.0.5:8123" {
		t.Fatalf("unexpected endpoint: %+v", ep)
	}
	if ep.MaxRetries != 3 || ep.Breaker.FailMax != 5 {
		t.Fatalf("expected retries 3 and fail max 5, got %d and %d", ep.MaxRetries, ep.Breaker.FailMax)
	}
}
