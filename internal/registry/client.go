package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"homepulse/core-go/internal/backoff"
	"homepulse/core-go/internal/connection"
)

var (
	ErrAuthInvalid  = errors.New("registry: authentication rejected")
	ErrHandshake    = errors.New("registry: unexpected handshake frame")
	ErrNotConnected = errors.New("registry: not connected")
	ErrUnavailable  = errors.New("registry: upstream unavailable after reconnect attempts")
	ErrConnLost     = errors.New("registry: connection lost before response")
)

const (
	cmdDeviceList      = "config/device_registry/list"
	cmdEntityList      = "config/entity_registry/list"
	cmdAreaList        = "config/area_registry/list"
	cmdSubscribeEvents = "subscribe_events"
)

type Options struct {
	// RequestTimeout bounds each correlated request. Defaults to the
	// endpoint timeout.
	RequestTimeout       time.Duration
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	DispatchBuffer       int
	Dialer               *websocket.Dialer
	// OnUnavailable is called once when reconnect attempts are exhausted.
	OnUnavailable func(endpoint string, err error)
}

func (o Options) withDefaults(ep connection.EndpointConfig) Options {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = ep.Timeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = ep.MaxRetries
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = 5
	}
	if o.ReconnectBaseDelay <= 0 {
		o.ReconnectBaseDelay = time.Second
	}
	if o.ReconnectMaxDelay <= 0 {
		o.ReconnectMaxDelay = 30 * time.Second
	}
	if o.DispatchBuffer <= 0 {
		o.DispatchBuffer = 256
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	return o
}

// Client speaks the hub's WebSocket registry protocol. A single receive loop
// owns reads; event handlers run on a separate dispatch goroutine.
type Client struct {
	log  zerolog.Logger
	ep   connection.EndpointConfig
	opts Options

	writeMu sync.Mutex

	mu        sync.Mutex
	conn      *websocket.Conn
	nextID    int64
	pending   map[int64]chan Frame
	handlers  map[string][]Handler
	subscribe map[string]struct{}
	closed    bool
	started   bool
	err       error
	haVersion string

	events   chan Event
	stop     chan struct{}
	done     chan struct{}
	doneOnce sync.Once
}

func New(log zerolog.Logger, ep connection.EndpointConfig, opts Options) *Client {
	return &Client{
		log:       log.With().Str("component", "registry").Str("endpoint", ep.Name).Logger(),
		ep:        ep,
		opts:      opts.withDefaults(ep),
		pending:   make(map[int64]chan Frame),
		handlers:  make(map[string][]Handler),
		subscribe: make(map[string]struct{}),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Endpoint returns the endpoint this client is bound to.
func (c *Client) Endpoint() connection.EndpointConfig { return c.ep }

// Connect dials and authenticates, then starts the receive loop and the
// event dispatch worker.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, version, err := dialAndAuth(ctx, c.opts.Dialer, c.ep)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.haVersion = version
	startDispatch := !c.started
	c.started = true
	c.mu.Unlock()

	if startDispatch {
		c.events = make(chan Event, c.opts.DispatchBuffer)
		go c.dispatchLoop(c.events)
	}
	go c.readLoop(conn)
	c.log.Info().Str("ha_version", version).Msg("registry connected")
	return nil
}

// Disconnect closes the connection and stops background goroutines. The
// client cannot be reused.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	close(c.stop)
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	c.failPending()
}

// Done is closed when reconnection is exhausted.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) HAVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.haVersion
}

func (c *Client) GetDeviceRegistry(ctx context.Context) ([]Device, error) {
	raw, err := c.call(ctx, cmdDeviceList, nil)
	if err != nil {
		return nil, err
	}
	return decodeList(c.log, raw, "device", func(d Device) bool { return strings.TrimSpace(d.ID) != "" })
}

func (c *Client) GetEntityRegistry(ctx context.Context) ([]Entity, error) {
	raw, err := c.call(ctx, cmdEntityList, nil)
	if err != nil {
		return nil, err
	}
	return decodeList(c.log, raw, "entity", func(e Entity) bool { return strings.Contains(e.EntityID, ".") })
}

func (c *Client) GetAreaRegistry(ctx context.Context) ([]Area, error) {
	raw, err := c.call(ctx, cmdAreaList, nil)
	if err != nil {
		return nil, err
	}
	return decodeList(c.log, raw, "area", func(a Area) bool { return strings.TrimSpace(a.AreaID) != "" })
}

// SubscribeEvents registers handler for eventType. The upstream subscription
// is sent once per event type and replayed after every reconnect.
func (c *Client) SubscribeEvents(ctx context.Context, eventType string, handler Handler) error {
	if handler == nil {
		return errors.New("registry: nil event handler")
	}
	c.mu.Lock()
	c.handlers[eventType] = append(c.handlers[eventType], handler)
	_, already := c.subscribe[eventType]
	c.mu.Unlock()
	if already {
		return nil
	}

	if _, err := c.call(ctx, cmdSubscribeEvents, map[string]any{"event_type": eventType}); err != nil {
		c.mu.Lock()
		hs := c.handlers[eventType]
		c.handlers[eventType] = hs[:len(hs)-1]
		c.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", eventType, err)
	}
	c.mu.Lock()
	c.subscribe[eventType] = struct{}{}
	c.mu.Unlock()
	return nil
}

func (c *Client) call(ctx context.Context, msgType string, extra map[string]any) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.nextID++
	id := c.nextID
	ch := make(chan Frame, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	payload := map[string]any{"id": id, "type": msgType}
	for k, v := range extra {
		payload[k] = v
	}
	if err := c.write(ctx, conn, payload); err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("%s: %w", msgType, err)
	}

	select {
	case f, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%s: %w", msgType, ErrConnLost)
		}
		if f.Success != nil && !*f.Success {
			if f.Error != nil {
				return nil, fmt.Errorf("%s failed: %s: %s", msgType, f.Error.Code, f.Error.Message)
			}
			return nil, fmt.Errorf("%s failed", msgType)
		}
		return f.Result, nil
	case <-ctx.Done():
		c.dropPending(id)
		return nil, fmt.Errorf("%s: %w", msgType, ctx.Err())
	}
}

func (c *Client) write(ctx context.Context, conn *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
		defer func() { _ = conn.SetWriteDeadline(time.Time{}) }()
	}
	return conn.WriteJSON(v)
}

func (c *Client) dropPending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) failPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]chan Frame)
	c.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			c.mu.Lock()
			closed := c.closed
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			_ = conn.Close()
			c.failPending()
			if closed {
				return
			}
			c.log.Warn().Err(err).Msg("registry connection lost")
			go c.reconnect()
			return
		}

		switch f.Type {
		case "result", "pong":
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.mu.Unlock()
			if ok {
				ch <- f
			}
		case "event":
			if f.Event == nil {
				continue
			}
			ev := Event{Type: f.Event.EventType, Data: f.Event.Data, TimeFired: f.Event.TimeFired}
			select {
			case c.events <- ev:
			default:
				c.log.Warn().Str("event_type", ev.Type).Msg("event queue full; dropping event")
			}
		default:
			c.log.Debug().Str("type", f.Type).Msg("ignoring frame")
		}
	}
}

func (c *Client) dispatchLoop(events <-chan Event) {
	for {
		select {
		case <-c.stop:
			return
		case ev := <-events:
			c.mu.Lock()
			hs := append([]Handler(nil), c.handlers[ev.Type]...)
			c.mu.Unlock()
			for _, h := range hs {
				c.safeHandle(h, ev)
			}
		}
	}
}

func (c *Client) safeHandle(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Str("event_type", ev.Type).Msg("event handler panicked")
		}
	}()
	h(ev)
}

func (c *Client) reconnect() {
	for attempt := 1; attempt <= c.opts.MaxReconnectAttempts; attempt++ {
		delay := backoff.Duration(c.opts.ReconnectBaseDelay, c.opts.ReconnectMaxDelay, attempt)
		if !backoff.Sleep(delay, c.stop) {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
		conn, version, err := dialAndAuth(ctx, c.opts.Dialer, c.ep)
		cancel()
		if err != nil {
			c.log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("registry reconnect failed")
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conn = conn
		c.haVersion = version
		types := make([]string, 0, len(c.subscribe))
		for t := range c.subscribe {
			types = append(types, t)
		}
		c.mu.Unlock()

		go c.readLoop(conn)
		for _, t := range types {
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
			if _, err := c.call(ctx, cmdSubscribeEvents, map[string]any{"event_type": t}); err != nil {
				c.log.Warn().Err(err).Str("event_type", t).Msg("resubscribe failed")
			}
			cancel()
		}
		c.log.Info().Int("attempt", attempt).Msg("registry reconnected")
		return
	}

	c.mu.Lock()
	c.err = ErrUnavailable
	c.mu.Unlock()
	c.doneOnce.Do(func() { close(c.done) })
	c.log.Error().Int("attempts", c.opts.MaxReconnectAttempts).Msg("registry reconnect attempts exhausted")
	if c.opts.OnUnavailable != nil {
		c.opts.OnUnavailable(c.ep.Name, ErrUnavailable)
	}
}

// dialAndAuth opens a socket and completes the auth handshake.
func dialAndAuth(ctx context.Context, dialer *websocket.Dialer, ep connection.EndpointConfig) (*websocket.Conn, string, error) {
	wsURL, err := WebSocketURL(ep.URL)
	if err != nil {
		return nil, "", err
	}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("dial %s: %w", ep.Name, err)
	}
	version, err := handshake(ctx, conn, ep.Token)
	if err != nil {
		_ = conn.Close()
		return nil, "", err
	}
	return conn, version, nil
}

func handshake(ctx context.Context, conn *websocket.Conn, token string) (string, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(dl)
		_ = conn.SetWriteDeadline(dl)
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
			_ = conn.SetWriteDeadline(time.Time{})
		}()
	}

	var first Frame
	if err := conn.ReadJSON(&first); err != nil {
		return "", fmt.Errorf("read auth_required: %w", err)
	}
	if first.Type != "auth_required" {
		return "", fmt.Errorf("%w: got %q, want auth_required", ErrHandshake, first.Type)
	}
	if err := conn.WriteJSON(Frame{Type: "auth", AccessToken: token}); err != nil {
		return "", fmt.Errorf("send auth: %w", err)
	}

	var reply Frame
	if err := conn.ReadJSON(&reply); err != nil {
		return "", fmt.Errorf("read auth reply: %w", err)
	}
	switch reply.Type {
	case "auth_ok":
		return reply.HAVersion, nil
	case "auth_invalid":
		if reply.Message != "" {
			return "", fmt.Errorf("%w: %s", ErrAuthInvalid, reply.Message)
		}
		return "", ErrAuthInvalid
	default:
		return "", fmt.Errorf("%w: got %q after auth", ErrHandshake, reply.Type)
	}
}

// WebSocketURL maps http(s) URLs to ws(s) and appends /api/websocket when
// the URL has no path.
func WebSocketURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse endpoint url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("endpoint url %q has no host", raw)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/api/websocket"
	}
	return u.String(), nil
}

// decodeList parses a result array item by item, skipping (and logging)
// records that fail to decode or validate.
func decodeList[T any](log zerolog.Logger, raw json.RawMessage, kind string, valid func(T) bool) ([]T, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode %s list: %w", kind, err)
	}
	out := make([]T, 0, len(items))
	for i, item := range items {
		var v T
		if err := json.Unmarshal(item, &v); err != nil {
			log.Warn().Err(err).Str("kind", kind).Int("index", i).Msg("skipping malformed registry record")
			continue
		}
		if !valid(v) {
			log.Warn().Str("kind", kind).Int("index", i).Msg("skipping invalid registry record")
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// Prober implements connection.Prober with the auth handshake.
type Prober struct {
	Dialer *websocket.Dialer
}

func (p Prober) Probe(ctx context.Context, ep connection.EndpointConfig) error {
	dialer := p.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialAndAuth(ctx, dialer, ep)
	if err != nil {
		return err
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return conn.Close()
}
