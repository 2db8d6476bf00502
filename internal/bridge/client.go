package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"homepulse/core-go/internal/backoff"
	"homepulse/core-go/internal/metrics"
)

var ErrNotConnected = errors.New("bridge: not connected")

// MQTTClient is the subset of the paho client the bridge needs.
type MQTTClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnectionOpen() bool
}

// Handler receives raw payloads for a registered topic. Handlers run on the
// dispatch goroutine, after the mirror has been updated.
type Handler func(topic string, payload []byte)

type Options struct {
	Broker          string
	Username        string
	Password        string
	ClientID        string
	BaseTopic       string
	QueueSize       int
	ConnectAttempts int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ConnectTimeout  time.Duration
	Metrics         *metrics.Metrics
}

func (o Options) withDefaults() Options {
	o.BaseTopic = strings.Trim(strings.TrimSpace(o.BaseTopic), "/")
	if o.BaseTopic == "" {
		o.BaseTopic = "zigbee2mqtt"
	}
	if o.ClientID == "" {
		o.ClientID = "homepulse-" + uuid.NewString()[:8]
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.ConnectAttempts <= 0 {
		o.ConnectAttempts = 5
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	return o
}

type message struct {
	topic   string
	payload []byte
}

type Client struct {
	log  zerolog.Logger
	opts Options
	cli  MQTTClient

	topics topicSet

	queue     chan message
	stop      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	sessions  atomic.Int64

	handlersMu sync.RWMutex
	handlers   map[string][]Handler

	mu         sync.RWMutex
	devices    map[string]Device
	order      []string
	groups     []Group
	info       *Info
	networkMap *NetworkMap
	lastUpdate time.Time

	topology chan struct{}
}

type topicSet struct {
	devices    string
	groups     string
	info       string
	networkMap string
	event      string
	requestMap string
}

func newTopicSet(base string) topicSet {
	return topicSet{
		devices:    base + "/bridge/devices",
		groups:     base + "/bridge/groups",
		info:       base + "/bridge/info",
		networkMap: base + "/bridge/response/networkmap",
		event:      base + "/bridge/event",
		requestMap: base + "/bridge/request/networkmap",
	}
}

// New builds a client backed by a paho MQTT connection to opts.Broker.
func New(log zerolog.Logger, opts Options) (*Client, error) {
	opts = opts.withDefaults()
	server, err := brokerURL(opts.Broker)
	if err != nil {
		return nil, err
	}

	c := newClient(log, opts)
	po := mqtt.NewClientOptions()
	po.AddBroker(server)
	po.SetClientID(opts.ClientID)
	if opts.Username != "" {
		po.SetUsername(opts.Username)
		po.SetPassword(opts.Password)
	}
	po.SetAutoReconnect(true)
	po.SetKeepAlive(60 * time.Second)
	po.SetPingTimeout(10 * time.Second)
	po.SetConnectTimeout(opts.ConnectTimeout)
	po.SetOnConnectHandler(func(mqtt.Client) {
		c.log.Info().Str("broker", server).Msg("mqtt connected")
		c.onConnect()
	})
	po.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.log.Warn().Err(err).Msg("mqtt connection lost")
	})
	c.cli = mqtt.NewClient(po)
	return c, nil
}

// NewWithClient wraps an existing MQTT client. Subscriptions are made by
// Connect.
func NewWithClient(log zerolog.Logger, opts Options, cli MQTTClient) *Client {
	c := newClient(log, opts.withDefaults())
	c.cli = cli
	return c
}

func newClient(log zerolog.Logger, opts Options) *Client {
	return &Client{
		log:      log.With().Str("component", "bridge").Str("base_topic", opts.BaseTopic).Logger(),
		opts:     opts,
		topics:   newTopicSet(opts.BaseTopic),
		queue:    make(chan message, opts.QueueSize),
		stop:     make(chan struct{}),
		handlers: make(map[string][]Handler),
		devices:  make(map[string]Device),
		topology: make(chan struct{}, 1),
	}
}

// brokerURL maps mqtt:// and tls:// style URLs onto the schemes paho accepts.
func brokerURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("bridge: broker url is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "tcp://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("bridge: parse broker url: %w", err)
	}
	switch u.Scheme {
	case "mqtt", "tcp":
		return "tcp://" + u.Host, nil
	case "mqtts", "ssl", "tls":
		return "ssl://" + u.Host, nil
	case "ws", "wss":
		return u.Scheme + "://" + u.Host + u.Path, nil
	default:
		return "", fmt.Errorf("bridge: unsupported broker scheme %q", u.Scheme)
	}
}

func (c *Client) BaseTopic() string { return c.opts.BaseTopic }

// Connect connects to the broker with bounded exponential backoff and
// subscribes to the bridge topics. Later drops are handled by paho's
// auto-reconnect.
func (c *Client) Connect(ctx context.Context) error {
	c.startOnce.Do(func() { go c.dispatchLoop() })

	var lastErr error
	for attempt := 1; attempt <= c.opts.ConnectAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		tok := c.cli.Connect()
		if !tok.WaitTimeout(c.opts.ConnectTimeout) {
			lastErr = errors.New("connect timed out")
		} else {
			lastErr = tok.Error()
		}
		if lastErr == nil {
			return c.subscribeAll()
		}
		c.log.Warn().Err(lastErr).Int("attempt", attempt).Msg("mqtt connect failed")
		if attempt == c.opts.ConnectAttempts {
			break
		}
		timer := time.NewTimer(backoff.Duration(c.opts.BaseDelay, c.opts.MaxDelay, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-c.stop:
			timer.Stop()
			return ErrNotConnected
		case <-timer.C:
		}
	}
	return fmt.Errorf("bridge: connect after %d attempts: %w", c.opts.ConnectAttempts, lastErr)
}

// onConnect restores subscriptions after a reconnect; session state is not
// persisted. The first session is subscribed by Connect.
func (c *Client) onConnect() {
	if c.sessions.Add(1) == 1 {
		return
	}
	go func() {
		if err := c.subscribeAll(); err != nil {
			c.log.Error().Err(err).Msg("mqtt subscribe failed")
		}
	}()
}

func (c *Client) subscribeAll() error {
	for _, topic := range []string{c.topics.devices, c.topics.groups, c.topics.info, c.topics.networkMap, c.topics.event} {
		tok := c.cli.Subscribe(topic, 0, c.onMessage)
		if !tok.WaitTimeout(c.opts.ConnectTimeout) {
			return fmt.Errorf("bridge: subscribe %s: timed out", topic)
		}
		if err := tok.Error(); err != nil {
			return fmt.Errorf("bridge: subscribe %s: %w", topic, err)
		}
		c.log.Debug().Str("topic", topic).Msg("mqtt subscribed")
	}
	return nil
}

// onMessage runs on paho's goroutine; it only enqueues.
func (c *Client) onMessage(_ mqtt.Client, m mqtt.Message) {
	msg := message{topic: m.Topic(), payload: append([]byte(nil), m.Payload()...)}
	select {
	case c.queue <- msg:
	default:
		c.opts.Metrics.IncBridgeMessage(c.kindOf(msg.topic), "dropped")
		c.log.Warn().Str("topic", msg.topic).Msg("bridge queue full; dropping message")
	}
}

func (c *Client) dispatchLoop() {
	for {
		select {
		case <-c.stop:
			return
		case msg := <-c.queue:
			c.handle(msg)
		}
	}
}

func (c *Client) kindOf(topic string) string {
	switch topic {
	case c.topics.devices:
		return "devices"
	case c.topics.groups:
		return "groups"
	case c.topics.info:
		return "info"
	case c.topics.networkMap:
		return "networkmap"
	case c.topics.event:
		return "event"
	default:
		return "other"
	}
}

func (c *Client) handle(msg message) {
	kind := c.kindOf(msg.topic)
	var err error
	switch kind {
	case "devices":
		err = c.handleDevices(msg.payload)
	case "groups":
		err = c.handleGroups(msg.payload)
	case "info":
		err = c.handleInfo(msg.payload)
	case "networkmap":
		err = c.handleNetworkMap(msg.payload)
	case "event":
		err = c.handleEvent(msg.payload)
	}
	if err != nil {
		c.opts.Metrics.IncBridgeMessage(kind, "malformed")
		c.log.Warn().Err(err).Str("topic", msg.topic).Msg("dropping malformed bridge message")
		return
	}
	c.opts.Metrics.IncBridgeMessage(kind, "ok")

	c.handlersMu.RLock()
	hs := append([]Handler(nil), c.handlers[msg.topic]...)
	c.handlersMu.RUnlock()
	for _, h := range hs {
		c.safeHandle(h, msg)
	}
}

func (c *Client) safeHandle(h Handler, msg message) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Str("topic", msg.topic).Msg("bridge handler panicked")
		}
	}()
	h(msg.topic, msg.payload)
}

func (c *Client) handleDevices(payload []byte) error {
	var items []json.RawMessage
	if err := json.Unmarshal(payload, &items); err != nil {
		return fmt.Errorf("decode devices: %w", err)
	}
	next := make(map[string]Device, len(items))
	order := make([]string, 0, len(items))
	for i, item := range items {
		var d Device
		if err := json.Unmarshal(item, &d); err != nil {
			c.log.Warn().Err(err).Int("index", i).Msg("skipping malformed bridge device")
			continue
		}
		key := normalizeIEEE(d.IEEEAddress)
		if key == "" {
			continue
		}
		if _, dup := next[key]; !dup {
			order = append(order, key)
		}
		next[key] = d
	}

	c.mu.Lock()
	changed := len(next) != len(c.devices)
	if !changed {
		for k := range next {
			if _, ok := c.devices[k]; !ok {
				changed = true
				break
			}
		}
	}
	c.devices = next
	c.order = order
	c.lastUpdate = time.Now()
	c.mu.Unlock()

	if changed {
		c.log.Info().Int("devices", len(next)).Msg("bridge device list changed")
		c.signalTopology()
	}
	return nil
}

func (c *Client) handleGroups(payload []byte) error {
	var groups []Group
	if err := json.Unmarshal(payload, &groups); err != nil {
		return fmt.Errorf("decode groups: %w", err)
	}
	c.mu.Lock()
	c.groups = groups
	c.mu.Unlock()
	return nil
}

func (c *Client) handleInfo(payload []byte) error {
	var info Info
	if err := json.Unmarshal(payload, &info); err != nil {
		return fmt.Errorf("decode info: %w", err)
	}
	c.mu.Lock()
	c.info = &info
	c.mu.Unlock()
	return nil
}

func (c *Client) handleNetworkMap(payload []byte) error {
	var resp networkMapResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return fmt.Errorf("decode networkmap: %w", err)
	}
	if resp.Status != "" && resp.Status != "ok" {
		c.log.Warn().Str("status", resp.Status).Str("error", resp.Error).Msg("network map request failed")
		return nil
	}
	nm := resp.Data.Value
	nm.ReceivedAt = time.Now().UTC()
	c.mu.Lock()
	c.networkMap = &nm
	c.mu.Unlock()
	return nil
}

func (c *Client) handleEvent(payload []byte) error {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	switch ev.Type {
	case "device_joined", "device_leave":
		c.log.Info().Str("event", ev.Type).Str("ieee_address", ev.Data.IEEEAddress).Msg("bridge topology event")
		c.signalTopology()
	}
	return nil
}

func (c *Client) signalTopology() {
	select {
	case c.topology <- struct{}{}:
	default:
	}
}

// TopologyChanges emits (coalesced) when devices join, leave, or the device
// list changes membership.
func (c *Client) TopologyChanges() <-chan struct{} { return c.topology }

// RegisterHandler adds h for messages on the full topic name.
func (c *Client) RegisterHandler(topic string, h Handler) {
	if h == nil {
		return
	}
	c.handlersMu.Lock()
	c.handlers[topic] = append(c.handlers[topic], h)
	c.handlersMu.Unlock()
}

// RequestNetworkMap asks the bridge for a raw network map; the answer arrives
// asynchronously and replaces the mirrored map.
func (c *Client) RequestNetworkMap() error {
	if !c.cli.IsConnectionOpen() {
		return ErrNotConnected
	}
	payload, _ := json.Marshal(map[string]any{"type": "raw", "routes": false})
	tok := c.cli.Publish(c.topics.requestMap, 0, false, payload)
	if !tok.WaitTimeout(c.opts.ConnectTimeout) {
		return errors.New("bridge: network map request timed out")
	}
	return tok.Error()
}

func (c *Client) Connected() bool { return c.cli.IsConnectionOpen() }

// GetDevices returns the mirrored device list in the order last published.
func (c *Client) GetDevices() []Device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Device, 0, len(c.order))
	for _, k := range c.order {
		out = append(out, c.devices[k])
	}
	return out
}

func (c *Client) GetGroups() []Group {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Group, len(c.groups))
	copy(out, c.groups)
	return out
}

func (c *Client) GetBridgeInfo() (Info, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.info == nil {
		return Info{}, false
	}
	return *c.info, true
}

func (c *Client) GetNetworkMap() (NetworkMap, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.networkMap == nil {
		return NetworkMap{}, false
	}
	nm := *c.networkMap
	nm.Nodes = append([]NetworkNode(nil), nm.Nodes...)
	nm.Links = append([]NetworkLink(nil), nm.Links...)
	return nm, true
}

func (c *Client) LastUpdate() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdate
}

func (c *Client) Disconnect() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.cli.Disconnect(250)
	})
}

func normalizeIEEE(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
