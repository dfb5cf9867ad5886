// Package nats delivers change events published as json on NATS subjects of the form
// <prefix>.<schema>.<table>.
package nats

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/autom8ter/rtsync"
	"github.com/autom8ter/rtsync/errors"
	"github.com/autom8ter/rtsync/transport"
	"github.com/autom8ter/rtsync/util"
)

func init() {
	transport.Register("nats", func(params map[string]any, logger rtsync.Logger) (rtsync.Transport, error) {
		var cfg Config
		if err := util.Decode(params, &cfg); err != nil {
			return nil, err
		}
		return Open(cfg, logger)
	})
}

// Config configures the NATS connection
type Config struct {
	URL           string        `json:"url" validate:"required"`
	SubjectPrefix string        `json:"subject_prefix"`
	MaxReconnects int           `json:"max_reconnects"`
	ReconnectWait time.Duration `json:"reconnect_wait"`
	// FlushTimeout bounds the subscribe handshake; exceeding it reports TimedOut
	FlushTimeout time.Duration `json:"flush_timeout"`
}

// Transport subscribes channels to NATS subjects
type Transport struct {
	conn         *nats.Conn
	prefix       string
	flushTimeout time.Duration
	logger       rtsync.Logger
	mu           sync.Mutex
	channels     map[*channel]struct{}
}

var _ rtsync.Transport = (*Transport)(nil)

// Open connects to NATS
func Open(cfg Config, logger rtsync.Logger) (*Transport, error) {
	if err := util.ValidateStruct(cfg); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = rtsync.NewZapLogger(nil)
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = 10
	}
	t := &Transport{
		prefix:       cfg.SubjectPrefix,
		flushTimeout: util.DurationOr(cfg.FlushTimeout, 5*time.Second),
		logger:       logger,
		channels:     map[*channel]struct{}{},
	}
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(util.DurationOr(cfg.ReconnectWait, 2*time.Second)),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn(context.Background(), "nats disconnected", map[string]any{"error": errString(err)})
			t.broadcast(rtsync.ChannelError, errors.Wrap(orDisconnected(err), errors.Unavailable, "nats disconnected"))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info(context.Background(), "nats reconnected", map[string]any{"url": nc.ConnectedUrl()})
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Warn(context.Background(), "nats connection closed", nil)
		}),
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.Unavailable, "failed to connect to nats")
	}
	t.conn = conn
	logger.Info(context.Background(), "connected to nats", map[string]any{"url": cfg.URL})
	return t, nil
}

// New wraps an existing connection
func New(conn *nats.Conn, prefix string, logger rtsync.Logger) *Transport {
	if logger == nil {
		logger = rtsync.NewZapLogger(nil)
	}
	return &Transport{
		conn:         conn,
		prefix:       prefix,
		flushTimeout: 5 * time.Second,
		logger:       logger,
		channels:     map[*channel]struct{}{},
	}
}

// Subject returns the subject events of schema.table are published on
func (t *Transport) Subject(schema, table string) string {
	if schema == "" {
		schema = rtsync.DefaultSchema
	}
	if t.prefix == "" {
		return schema + "." + table
	}
	return t.prefix + "." + schema + "." + table
}

// Publish encodes e and publishes it on its table's subject
func (t *Transport) Publish(ctx context.Context, e rtsync.ChangeEvent) error {
	if err := e.Validate(); err != nil {
		return err
	}
	data, err := rtsync.EncodeChangeEvent(e)
	if err != nil {
		return err
	}
	if err := t.conn.Publish(t.Subject(e.Schema, e.Table), data); err != nil {
		return errors.Wrap(err, errors.Unavailable, "failed to publish to nats")
	}
	return nil
}

func (t *Transport) Open(ctx context.Context, spec rtsync.ChannelSpec) (rtsync.Channel, error) {
	if spec.Table == "" {
		return nil, errors.New(errors.Validation, "channel %s is missing its table", spec.Topic)
	}
	if t.conn.IsClosed() {
		return nil, errors.New(errors.Unavailable, "nats connection is closed")
	}
	return &channel{transport: t, spec: spec}, nil
}

// Close drains and closes the connection
func (t *Transport) Close() error {
	return t.conn.Drain()
}

func (t *Transport) track(c *channel, live bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if live {
		t.channels[c] = struct{}{}
	} else {
		delete(t.channels, c)
	}
}

func (t *Transport) broadcast(status rtsync.Status, err error) {
	t.mu.Lock()
	var channels []*channel
	for c := range t.channels {
		channels = append(channels, c)
	}
	t.mu.Unlock()
	for _, c := range channels {
		c.report(status, err)
	}
}

type channel struct {
	transport *Transport
	spec      rtsync.ChannelSpec
	mu        sync.Mutex
	sub       *nats.Subscription
	onStatus  rtsync.StatusHandler
	closed    bool
}

func (c *channel) Subscribe(ctx context.Context, onEvent rtsync.EventHandler, onStatus rtsync.StatusHandler) error {
	t := c.transport
	subject := t.Subject(c.spec.Schema, c.spec.Table)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New(errors.Unavailable, "channel %s is closed", c.spec.Topic)
	}
	c.onStatus = onStatus
	c.mu.Unlock()

	sub, err := t.conn.Subscribe(subject, func(msg *nats.Msg) {
		e, err := rtsync.DecodeChangeEvent(msg.Data)
		if err != nil {
			t.logger.Warn(ctx, "dropping malformed change event", map[string]any{
				"subject": msg.Subject,
				"error":   err.Error(),
			})
			return
		}
		if c.spec.Accepts(e) {
			onEvent(e)
		}
	})
	if err != nil {
		return errors.Wrap(err, errors.Unavailable, "failed to subscribe to %s", subject)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = sub.Unsubscribe()
		return nil
	}
	c.sub = sub
	c.mu.Unlock()
	t.track(c, true)
	if err := t.conn.FlushTimeout(t.flushTimeout); err != nil {
		if stderrors.Is(err, nats.ErrTimeout) {
			c.report(rtsync.TimedOut, err)
		} else {
			c.report(rtsync.ChannelError, err)
		}
		return nil
	}
	c.report(rtsync.Subscribed, nil)
	return nil
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
	sub := c.sub
	fn := c.onStatus
	c.mu.Unlock()
	c.transport.track(c, false)
	var err error
	if sub != nil {
		// while reconnecting the unsubscribe is buffered and flushed on reconnect
		if err = sub.Unsubscribe(); stderrors.Is(err, nats.ErrConnectionClosed) {
			err = nil
		}
	}
	if fn != nil {
		fn(rtsync.Closed, nil)
	}
	return err
}

func orDisconnected(err error) error {
	if err == nil {
		return nats.ErrDisconnected
	}
	return err
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
