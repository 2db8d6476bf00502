package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"homepulse/core-go/internal/breaker"
	"homepulse/core-go/internal/connection"
)

type Config struct {
	HTTPAddr    string
	LogLevel    string
	LogFormat   string
	DatabaseURL string
	DBMaxConns  int
	SchemaPath  string
	RedisURL    string

	Endpoints []connection.EndpointConfig

	// HubToken authenticates against a hub located over DNS-SD.
	HubToken   string
	Breaker    breaker.Config
	MaxRetries int

	MQTTBroker      string
	MQTTUsername    string
	MQTTPassword    string
	MQTTClientID    string
	BridgeBaseTopic string

	DiscoveryInterval time.Duration
	MetricWindowSize  int
	MetricMaxAge      time.Duration
	ModelPath         string
	HealthCacheTTL    time.Duration

	// HubMDNSDiscovery enables a DNS-SD browse for a hub when no endpoint is
	// configured.
	HubMDNSDiscovery bool
}

// Lookup reads one environment variable.
type Lookup func(key string) (string, bool)

// Load reads an optional .env file and then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from lookup. Every invalid value is reported in
// the returned error.
func FromEnv(lookup Lookup) (Config, error) {
	r := reader{lookup: lookup}

	cfg := Config{
		HTTPAddr:          r.str("HTTP_ADDR", ":8081"),
		LogLevel:          r.str("LOG_LEVEL", "info"),
		LogFormat:         r.str("LOG_FORMAT", "json"),
		DatabaseURL:       r.str("DATABASE_URL", ""),
		DBMaxConns:        r.integer("DB_MAX_CONNS", 4),
		SchemaPath:        r.str("DB_SCHEMA_PATH", ""),
		RedisURL:          r.str("REDIS_URL", ""),
		MQTTBroker:        r.str("MQTT_BROKER", ""),
		MQTTUsername:      r.str("MQTT_USERNAME", ""),
		MQTTPassword:      r.str("MQTT_PASSWORD", ""),
		MQTTClientID:      r.str("MQTT_CLIENT_ID", ""),
		BridgeBaseTopic:   r.str("BRIDGE_BASE_TOPIC", "zigbee2mqtt"),
		DiscoveryInterval: r.duration("DISCOVERY_INTERVAL", 5*time.Minute),
		MetricWindowSize:  r.integer("METRIC_WINDOW_SIZE", 100),
		MetricMaxAge:      r.duration("METRIC_MAX_AGE", 0),
		ModelPath:         r.str("MODEL_PATH", "data/predictor.json"),
		HealthCacheTTL:    r.duration("HEALTH_CACHE_TTL", 5*time.Minute),
		HubMDNSDiscovery:  r.boolean("HUB_MDNS_DISCOVERY", false),
	}

	brk := breaker.Config{
		FailMax:          r.integer("BREAKER_FAIL_MAX", 5),
		ResetTimeout:     r.duration("BREAKER_RESET_TIMEOUT", 60*time.Second),
		SuccessThreshold: r.integer("BREAKER_SUCCESS_THRESHOLD", 2),
	}
	retries := r.integer("HA_MAX_RECONNECT_ATTEMPTS", 5)
	cfg.Breaker = brk
	cfg.MaxRetries = retries
	cfg.HubToken = r.str("HA_TOKEN", "")

	envEndpoints := []struct {
		prefix   string
		name     string
		kind     connection.Kind
		priority int
		timeout  time.Duration
	}{
		{"HA", "primary", connection.KindPrimary, 0, 10 * time.Second},
		{"HA_CLOUD", "cloud_relay", connection.KindCloudRelay, 1, 15 * time.Second},
		{"HA_SECONDARY", "secondary", connection.KindSecondary, 2, 10 * time.Second},
	}
	for _, e := range envEndpoints {
		url := r.str(e.prefix+"_URL", "")
		if url == "" {
			continue
		}
		cfg.Endpoints = append(cfg.Endpoints, connection.EndpointConfig{
			Name:       e.name,
			URL:        url,
			Token:      r.str(e.prefix+"_TOKEN", ""),
			Kind:       e.kind,
			Priority:   e.priority,
			Timeout:    r.duration(e.prefix+"_TIMEOUT", e.timeout),
			MaxRetries: retries,
			Breaker:    brk,
		})
	}

	if path := r.str("ENDPOINTS_FILE", ""); path != "" {
		eps, err := LoadEndpointsFile(path, brk, retries)
		if err != nil {
			r.errs = append(r.errs, err)
		} else {
			cfg.Endpoints = mergeEndpoints(cfg.Endpoints, eps)
		}
	}

	if cfg.MetricWindowSize <= 0 {
		r.errs = append(r.errs, fmt.Errorf("METRIC_WINDOW_SIZE must be positive, got %d", cfg.MetricWindowSize))
	}
	if cfg.DiscoveryInterval <= 0 {
		r.errs = append(r.errs, fmt.Errorf("DISCOVERY_INTERVAL must be positive, got %s", cfg.DiscoveryInterval))
	}
	for _, ep := range cfg.Endpoints {
		if ep.Token == "" {
			r.errs = append(r.errs, fmt.Errorf("endpoint %q has no access token", ep.Name))
		}
	}

	return cfg, errors.Join(r.errs...)
}

type reader struct {
	lookup Lookup
	errs   []error
}

func (r *reader) str(key, fallback string) string {
	v, ok := r.lookup(key)
	v = strings.TrimSpace(v)
	if !ok || v == "" {
		return fallback
	}
	return v
}

func (r *reader) integer(key string, fallback int) int {
	v := r.str(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func (r *reader) duration(key string, fallback time.Duration) time.Duration {
	v := r.str(key, "")
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}

func (r *reader) boolean(key string, fallback bool) bool {
	v := r.str(key, "")
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return b
}

type endpointsFile struct {
	Endpoints []endpointEntry `yaml:"endpoints"`
}

type endpointEntry struct {
	Name       string `yaml:"name"`
	URL        string `yaml:"url"`
	Token      string `yaml:"token"`
	TokenEnv   string `yaml:"token_env"`
	Kind       string `yaml:"kind"`
	Priority   *int   `yaml:"priority"`
	Timeout    string `yaml:"timeout"`
	MaxRetries *int   `yaml:"max_retries"`
	Breaker    struct {
		FailMax          *int   `yaml:"fail_max"`
		ResetTimeout     string `yaml:"reset_timeout"`
		SuccessThreshold *int   `yaml:"success_threshold"`
	} `yaml:"breaker"`
}

// LoadEndpointsFile reads endpoint definitions from a YAML file. Fields left
// out inherit brk and retries.
func LoadEndpointsFile(path string, brk breaker.Config, retries int) ([]connection.EndpointConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read endpoints file: %w", err)
	}
	var f endpointsFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse endpoints file %q: %w", path, err)
	}

	var errs []error
	out := make([]connection.EndpointConfig, 0, len(f.Endpoints))
	for i, e := range f.Endpoints {
		ep := connection.EndpointConfig{
			Name:       strings.TrimSpace(e.Name),
			URL:        strings.TrimSpace(e.URL),
			Token:      e.Token,
			Kind:       connection.Kind(strings.TrimSpace(e.Kind)),
			Priority:   i,
			MaxRetries: retries,
			Breaker:    brk,
		}
		if e.TokenEnv != "" {
			ep.Token = os.Getenv(e.TokenEnv)
		}
		if ep.Kind == "" {
			ep.Kind = connection.KindSecondary
		}
		if e.Priority != nil {
			ep.Priority = *e.Priority
		}
		if e.MaxRetries != nil {
			ep.MaxRetries = *e.MaxRetries
		}
		if e.Breaker.FailMax != nil {
			ep.Breaker.FailMax = *e.Breaker.FailMax
		}
		if e.Breaker.SuccessThreshold != nil {
			ep.Breaker.SuccessThreshold = *e.Breaker.SuccessThreshold
		}
		if e.Timeout != "" {
			d, err := time.ParseDuration(e.Timeout)
			if err != nil {
				errs = append(errs, fmt.Errorf("endpoint %d timeout: %w", i, err))
			}
			ep.Timeout = d
		}
		if e.Breaker.ResetTimeout != "" {
			d, err := time.ParseDuration(e.Breaker.ResetTimeout)
			if err != nil {
				errs = append(errs, fmt.Errorf("endpoint %d reset_timeout: %w", i, err))
			}
			ep.Breaker.ResetTimeout = d
		}
		if ep.Name == "" {
			errs = append(errs, fmt.Errorf("endpoint %d has no name", i))
		}
		if ep.URL == "" {
			errs = append(errs, fmt.Errorf("endpoint %d (%s) has no url", i, ep.Name))
		}
		out = append(out, ep)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("endpoints file %q: %w", path, err)
	}
	return out, nil
}

// mergeEndpoints overlays file entries on env entries by name.
func mergeEndpoints(base, overlay []connection.EndpointConfig) []connection.EndpointConfig {
	idx := make(map[string]int, len(base))
	out := append([]connection.EndpointConfig(nil), base...)
	for i, ep := range out {
		idx[ep.Name] = i
	}
	for _, ep := range overlay {
		if i, ok := idx[ep.Name]; ok {
			if ep.Token == "" {
				ep.Token = out[i].Token
			}
			out[i] = ep
			continue
		}
		idx[ep.Name] = len(out)
		out = append(out, ep)
	}
	return out
}

// LocatedEndpoint builds the primary endpoint for a hub found at url.
func (c Config) LocatedEndpoint(url string) connection.EndpointConfig {
	return connection.EndpointConfig{
		Name:       "primary",
		URL:        url,
		Token:      c.HubToken,
		Kind:       connection.KindPrimary,
		Priority:   0,
		Timeout:    10 * time.Second,
		MaxRetries: c.MaxRetries,
		Breaker:    c.Breaker,
	}
}
