// Package pgnotify listens for change events sent by postgres triggers through LISTEN/NOTIFY.
// Install creates the trigger that emits a json change event for every row change of a table.
package pgnotify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/autom8ter/rtsync"
	"github.com/autom8ter/rtsync/errors"
	"github.com/autom8ter/rtsync/transport"
	"github.com/autom8ter/rtsync/util"
)

func init() {
	transport.Register("pgnotify", func(params map[string]any, logger rtsync.Logger) (rtsync.Transport, error) {
		var cfg Config
		if err := util.Decode(params, &cfg); err != nil {
			return nil, err
		}
		return Open(context.Background(), cfg, logger)
	})
}

const (
	MaxConns        = 10
	MinConns        = 1
	MaxConnLifetime = 10 * time.Minute
	MaxConnIdleTime = 5 * time.Minute
	// maxIdentifier is the postgres identifier length limit
	maxIdentifier = 63
)

// Config configures the postgres pool
type Config struct {
	DatabaseURL   string `json:"database_url" validate:"required"`
	ChannelPrefix string `json:"channel_prefix"`
	// MaxConns bounds the pool. Every subscribed channel holds one connection.
	MaxConns int32 `json:"max_conns"`
	// Install creates the notify trigger for a table when a channel opens
	Install bool `json:"install"`
}

// Transport subscribes channels to postgres notification channels
type Transport struct {
	pool    *pgxpool.Pool
	prefix  string
	install bool
	logger  rtsync.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

var _ rtsync.Transport = (*Transport)(nil)

// Open creates a pool and verifies it with a ping
func Open(ctx context.Context, cfg Config, logger rtsync.Logger) (*Transport, error) {
	if err := util.ValidateStruct(cfg); err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, errors.Validation, "failed to parse postgres config")
	}
	poolCfg.MaxConns = MaxConns
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MinConns = MinConns
	poolCfg.MaxConnLifetime = MaxConnLifetime
	poolCfg.MaxConnIdleTime = MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.Unavailable, "failed to create postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, errors.Unavailable, "failed to ping postgres")
	}
	t := New(pool, cfg.ChannelPrefix, logger)
	t.install = cfg.Install
	t.logger.Info(ctx, "postgres pool created", map[string]any{"max_conns": poolCfg.MaxConns})
	return t, nil
}

// New wraps an existing pool
func New(pool *pgxpool.Pool, prefix string, logger rtsync.Logger) *Transport {
	if logger == nil {
		logger = rtsync.NewZapLogger(nil)
	}
	if prefix == "" {
		prefix = "rtsync"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		pool:   pool,
		prefix: prefix,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// NotifyChannel returns the notification channel a table's trigger notifies on
func NotifyChannel(prefix, schema, table string) string {
	if schema == "" {
		schema = rtsync.DefaultSchema
	}
	name := strings.ToLower(prefix + "_" + schema + "_" + table)
	if len(name) > maxIdentifier {
		name = name[:maxIdentifier]
	}
	return name
}

// TriggerSQL returns the statements that make every row change of schema.table notify channel
// with a json change event
func TriggerSQL(schema, table, channel string) string {
	if schema == "" {
		schema = rtsync.DefaultSchema
	}
	fn := pgx.Identifier{schema, channel + "_notify"}.Sanitize()
	trigger := pgx.Identifier{channel + "_trigger"}.Sanitize()
	target := pgx.Identifier{schema, table}.Sanitize()
	return fmt.Sprintf(`CREATE OR REPLACE FUNCTION %[1]s() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify(%[4]s, json_build_object(
		'eventType', TG_OP,
		'schema', TG_TABLE_SCHEMA,
		'table', TG_TABLE_NAME,
		'old', CASE WHEN TG_OP = 'INSERT' THEN NULL ELSE row_to_json(OLD) END,
		'new', CASE WHEN TG_OP = 'DELETE' THEN NULL ELSE row_to_json(NEW) END,
		'commit_timestamp', to_char(clock_timestamp() AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS.US"Z"')
	)::text);
	RETURN NULL;
END;
$$ LANGUAGE plpgsql;
DROP TRIGGER IF EXISTS %[2]s ON %[3]s;
CREATE TRIGGER %[2]s AFTER INSERT OR UPDATE OR DELETE ON %[3]s
	FOR EACH ROW EXECUTE FUNCTION %[1]s();`, fn, trigger, target, quoteLiteral(channel))
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// Install creates the notify trigger of schema.table
func (t *Transport) Install(ctx context.Context, schema, table string) error {
	channel := NotifyChannel(t.prefix, schema, table)
	if _, err := t.pool.Exec(ctx, TriggerSQL(schema, table, channel)); err != nil {
		return errors.Wrap(err, errors.Internal, "failed to install notify trigger on %s.%s", schema, table)
	}
	t.logger.Info(ctx, "installed notify trigger", map[string]any{
		"schema":  schema,
		"table":   table,
		"channel": channel,
	})
	return nil
}

// Publish sends e on its table's notification channel. Payloads are limited to 8000 bytes by postgres.
func (t *Transport) Publish(ctx context.Context, e rtsync.ChangeEvent) error {
	if err := e.Validate(); err != nil {
		return err
	}
	data, err := rtsync.EncodeChangeEvent(e)
	if err != nil {
		return err
	}
	if _, err := t.pool.Exec(ctx, "SELECT pg_notify($1, $2)", NotifyChannel(t.prefix, e.Schema, e.Table), string(data)); err != nil {
		return errors.Wrap(err, errors.Unavailable, "failed to notify")
	}
	return nil
}

func (t *Transport) Open(ctx context.Context, spec rtsync.ChannelSpec) (rtsync.Channel, error) {
	if t.ctx.Err() != nil {
		return nil, errors.New(errors.Unavailable, "transport is closed")
	}
	if spec.Table == "" {
		return nil, errors.New(errors.Validation, "channel %s is missing its table", spec.Topic)
	}
	if t.install {
		if err := t.Install(ctx, spec.Schema, spec.Table); err != nil {
			return nil, err
		}
	}
	return &channel{transport: t, spec: spec}, nil
}

// Close stops every listener and closes the pool
func (t *Transport) Close() error {
	t.cancel()
	t.pool.Close()
	return nil
}

type channel struct {
	transport *Transport
	spec      rtsync.ChannelSpec
	mu        sync.Mutex
	cancel    context.CancelFunc
	onStatus  rtsync.StatusHandler
	closed    bool
}

func (c *channel) Subscribe(ctx context.Context, onEvent rtsync.EventHandler, onStatus rtsync.StatusHandler) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New(errors.Unavailable, "channel %s is closed", c.spec.Topic)
	}
	if c.cancel != nil {
		c.mu.Unlock()
		return errors.New(errors.Conflict, "channel %s is already subscribed", c.spec.Topic)
	}
	listenCtx, cancel := context.WithCancel(c.transport.ctx)
	c.cancel = cancel
	c.onStatus = onStatus
	c.mu.Unlock()

	go c.listen(listenCtx, onEvent)
	return nil
}

func (c *channel) listen(ctx context.Context, onEvent rtsync.EventHandler) {
	t := c.transport
	name := NotifyChannel(t.prefix, c.spec.Schema, c.spec.Table)
	conn, err := t.pool.Acquire(ctx)
	if err != nil {
		c.fail(ctx, errors.Wrap(err, errors.Unavailable, "failed to acquire a connection"))
		return
	}
	defer releaseListener(conn)
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{name}.Sanitize()); err != nil {
		c.fail(ctx, errors.Wrap(err, errors.Unavailable, "failed to listen on %s", name))
		return
	}
	c.report(rtsync.Subscribed, nil)
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			c.fail(ctx, errors.Wrap(err, errors.Unavailable, "lost notifications on %s", name))
			return
		}
		e, err := rtsync.DecodeChangeEvent([]byte(n.Payload))
		if err != nil {
			t.logger.Warn(ctx, "dropping malformed change event", map[string]any{
				"channel": n.Channel,
				"error":   err.Error(),
			})
			continue
		}
		if c.spec.Accepts(e) {
			onEvent(e)
		}
	}
}

// releaseListener unlistens before returning conn to the pool. A connection that cannot be
// cleaned up is closed instead of being handed to the next acquirer.
func releaseListener(conn *pgxpool.Conn) {
	if conn.Conn().IsClosed() {
		conn.Release()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := conn.Exec(ctx, "UNLISTEN *"); err != nil {
		_ = conn.Hijack().Close(ctx)
		return
	}
	conn.Release()
}

// fail reports a channel error unless the listener was cancelled
func (c *channel) fail(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	c.report(rtsync.ChannelError, err)
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
	cancel := c.cancel
	fn := c.onStatus
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if fn != nil {
		fn(rtsync.Closed, nil)
	}
	return nil
}
