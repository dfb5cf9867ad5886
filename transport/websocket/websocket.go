// Package websocket subscribes to postgres changes over the Phoenix channel protocol spoken by
// hosted realtime services. Every channel holds its own socket.
package websocket

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/segmentio/ksuid"
	"github.com/tidwall/gjson"

	"github.com/autom8ter/rtsync"
	"github.com/autom8ter/rtsync/errors"
	"github.com/autom8ter/rtsync/transport"
	"github.com/autom8ter/rtsync/util"
)

func init() {
	transport.Register("websocket", func(params map[string]any, logger rtsync.Logger) (rtsync.Transport, error) {
		var cfg Config
		if err := util.Decode(params, &cfg); err != nil {
			return nil, err
		}
		return New(cfg, logger, clock.WallClock)
	})
}

const (
	DefaultHeartbeat   = 30 * time.Second
	DefaultJoinTimeout = 10 * time.Second
	protocolVersion    = "1.0.0"
)

// Phoenix events
const (
	eventJoin      = "phx_join"
	eventLeave     = "phx_leave"
	eventReply     = "phx_reply"
	eventError     = "phx_error"
	eventClose     = "phx_close"
	eventHeartbeat = "heartbeat"
	eventChanges   = "postgres_changes"
	eventSystem    = "system"
	phoenixTopic   = "phoenix"
)

// Config configures the realtime endpoint
type Config struct {
	URL    string `json:"url" validate:"required"`
	APIKey string `json:"api_key"`
	// Heartbeat is the interval between heartbeats
	Heartbeat time.Duration `json:"heartbeat"`
	// JoinTimeout bounds the wait for the join reply; exceeding it reports TimedOut
	JoinTimeout time.Duration `json:"join_timeout"`
}

// Transport dials a realtime endpoint per channel
type Transport struct {
	endpoint    string
	header      http.Header
	heartbeat   time.Duration
	joinTimeout time.Duration
	logger      rtsync.Logger
	clock       clock.Clock
	dialer      *websocket.Dialer
}

var _ rtsync.Transport = (*Transport)(nil)

// New returns a transport for the endpoint in cfg
func New(cfg Config, logger rtsync.Logger, clk clock.Clock) (*Transport, error) {
	if err := util.ValidateStruct(cfg); err != nil {
		return nil, err
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, errors.Validation, "invalid realtime url")
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("vsn", protocolVersion)
	header := http.Header{}
	if cfg.APIKey != "" {
		q.Set("apikey", cfg.APIKey)
		header.Set("apikey", cfg.APIKey)
	}
	u.RawQuery = q.Encode()
	if logger == nil {
		logger = rtsync.NewZapLogger(nil)
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Transport{
		endpoint:    u.String(),
		header:      header,
		heartbeat:   util.DurationOr(cfg.Heartbeat, DefaultHeartbeat),
		joinTimeout: util.DurationOr(cfg.JoinTimeout, DefaultJoinTimeout),
		logger:      logger,
		clock:       clk,
		dialer:      &websocket.Dialer{HandshakeTimeout: 10 * time.Second, ReadBufferSize: 1024, WriteBufferSize: 1024},
	}, nil
}

// Endpoint returns the url channels dial
func (t *Transport) Endpoint() string {
	return t.endpoint
}

func (t *Transport) Open(ctx context.Context, spec rtsync.ChannelSpec) (rtsync.Channel, error) {
	if spec.Table == "" {
		return nil, errors.New(errors.Validation, "channel %s is missing its table", spec.Topic)
	}
	conn, _, err := t.dialer.DialContext(ctx, t.endpoint, t.header)
	if err != nil {
		return nil, errors.Wrap(err, errors.Unavailable, "failed to connect to realtime websocket")
	}
	return &channel{
		transport: t,
		spec:      spec,
		topic:     "realtime:" + spec.Topic,
		conn:      conn,
		done:      make(chan struct{}),
	}, nil
}

type message struct {
	Topic   string `json:"topic"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
	Ref     string `json:"ref"`
	JoinRef string `json:"join_ref,omitempty"`
}

type changeFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
}

type channel struct {
	transport *Transport
	spec      rtsync.ChannelSpec
	topic     string
	conn      *websocket.Conn
	writeMu   sync.Mutex
	done      chan struct{}

	mu        sync.Mutex
	onEvent   rtsync.EventHandler
	onStatus  rtsync.StatusHandler
	joinRef   string
	joinTimer clock.Timer
	joined    bool
	closed    bool
}

func (c *channel) Subscribe(ctx context.Context, onEvent rtsync.EventHandler, onStatus rtsync.StatusHandler) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New(errors.Unavailable, "channel %s is closed", c.spec.Topic)
	}
	if c.joinRef != "" {
		c.mu.Unlock()
		return errors.New(errors.Conflict, "channel %s is already subscribed", c.spec.Topic)
	}
	ref := ksuid.New().String()
	c.joinRef = ref
	c.onEvent = onEvent
	c.onStatus = onStatus
	c.mu.Unlock()

	timer := c.transport.clock.AfterFunc(c.transport.joinTimeout, c.joinExpired)
	c.mu.Lock()
	c.joinTimer = timer
	c.mu.Unlock()

	go c.read(ctx)
	go c.keepalive()

	schema := c.spec.Schema
	if schema == "" {
		schema = rtsync.DefaultSchema
	}
	join := message{
		Topic: c.topic,
		Event: eventJoin,
		Payload: map[string]any{
			"config": map[string]any{
				"postgres_changes": []changeFilter{{Event: "*", Schema: schema, Table: c.spec.Table}},
			},
		},
		Ref:     ref,
		JoinRef: ref,
	}
	if err := c.write(join); err != nil {
		c.stopJoinTimer()
		return errors.Wrap(err, errors.Unavailable, "failed to join %s", c.topic)
	}
	return nil
}

func (c *channel) write(msg message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(&msg)
}

func (c *channel) read(ctx context.Context) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !c.isClosed() {
				c.report(rtsync.ChannelError, errors.Wrap(err, errors.Unavailable, "realtime websocket read failed"))
			}
			return
		}
		c.route(ctx, data)
	}
}

func (c *channel) route(ctx context.Context, data []byte) {
	msg := gjson.ParseBytes(data)
	if msg.Get("topic").String() != c.topic {
		return
	}
	logger := c.transport.logger
	switch event := msg.Get("event").String(); event {
	case eventReply:
		c.mu.Lock()
		isJoin := msg.Get("ref").String() == c.joinRef
		c.mu.Unlock()
		if !isJoin {
			return
		}
		c.stopJoinTimer()
		if status := msg.Get("payload.status").String(); status != "ok" {
			reason := msg.Get("payload.response.reason").String()
			if reason == "" {
				reason = msg.Get("payload.response").Raw
			}
			c.report(rtsync.ChannelError, errors.New(errors.Unavailable, "join %s rejected: %s", c.topic, reason))
			return
		}
		c.mu.Lock()
		c.joined = true
		c.mu.Unlock()
		c.report(rtsync.Subscribed, nil)
	case eventChanges:
		raw := msg.Get("payload.data")
		e, err := rtsync.DecodeChangeEvent([]byte(raw.Raw))
		if err != nil {
			logger.Warn(ctx, "dropping malformed change event", map[string]any{
				"topic": c.topic,
				"error": err.Error(),
			})
			return
		}
		c.mu.Lock()
		onEvent := c.onEvent
		closed := c.closed
		c.mu.Unlock()
		if !closed && onEvent != nil && c.spec.Accepts(e) {
			onEvent(e)
		}
	case eventError:
		c.report(rtsync.ChannelError, errors.New(errors.Unavailable, "channel %s errored: %s", c.topic, msg.Get("payload").Raw))
	case eventClose:
		c.report(rtsync.Closed, nil)
	case eventSystem:
		if msg.Get("payload.status").String() == "error" {
			c.report(rtsync.ChannelError, errors.New(errors.Unavailable, "channel %s: %s", c.topic, msg.Get("payload.message").String()))
			return
		}
		logger.Debug(ctx, "realtime system message", map[string]any{
			"topic":   c.topic,
			"message": msg.Get("payload.message").String(),
		})
	}
}

func (c *channel) keepalive() {
	for {
		select {
		case <-c.done:
			return
		case <-c.transport.clock.After(c.transport.heartbeat):
			if err := c.write(message{Topic: phoenixTopic, Event: eventHeartbeat, Payload: map[string]any{}, Ref: ksuid.New().String()}); err != nil {
				return
			}
		}
	}
}

func (c *channel) joinExpired() {
	c.mu.Lock()
	expired := !c.joined && !c.closed && c.joinTimer != nil
	c.joinTimer = nil
	c.mu.Unlock()
	if expired {
		c.report(rtsync.TimedOut, errors.New(errors.Timeout, "no reply to join %s after %s", c.topic, c.transport.joinTimeout))
	}
}

func (c *channel) stopJoinTimer() {
	c.mu.Lock()
	timer := c.joinTimer
	c.joinTimer = nil
	c.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
}

func (c *channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *channel) report(status rtsync.Status, err error) {
	c.mu.Lock()
	fn := c.onStatus
	closed := c.closed
	c.mu.Unlock()
	if fn != nil && !closed {
		fn(status, err)
	}
}

func (c *channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	joinRef := c.joinRef
	fn := c.onStatus
	c.mu.Unlock()
	close(c.done)
	c.stopJoinTimer()
	if joinRef != "" {
		_ = c.write(message{Topic: c.topic, Event: eventLeave, Payload: map[string]any{}, Ref: ksuid.New().String(), JoinRef: joinRef})
	}
	c.writeMu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	err := c.conn.Close()
	if fn != nil {
		fn(rtsync.Closed, nil)
	}
	return err
}
