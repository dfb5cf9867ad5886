package rtsync

import (
	"context"
	"sync"

	"github.com/autom8ter/rtsync/errors"
	"github.com/autom8ter/rtsync/registry"
	"github.com/autom8ter/rtsync/util"
)

// Client owns the subscription registry and wires transports, dedup, reconciliation and retry
// supervision together. Create one per process.
type Client struct {
	cfg        Config
	registry   *registry.Registry
	reconciler *Reconciler
	metrics    *metrics

	mu     sync.Mutex
	closed bool
}

// New validates cfg, applies defaults and returns a Client
func New(cfg Config) (*Client, error) {
	if err := util.ValidateStruct(cfg); err != nil {
		return nil, err
	}
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	reconciler, err := NewReconciler(cfg.Cache, cfg)
	if err != nil {
		return nil, err
	}
	c := &Client{
		cfg:        cfg,
		registry:   registry.New(cfg.Clock),
		reconciler: reconciler,
	}
	c.metrics, err = newMetrics(cfg.Metrics, c.activeChannels)
	if err != nil {
		return nil, err
	}
	reconciler.metrics = c.metrics
	return c, nil
}

func (c *Client) activeChannels() float64 {
	var active float64
	for _, info := range c.registry.Snapshot() {
		if info.Active {
			active++
		}
	}
	return active
}

// Registry exposes the client's subscription registry for inspection
func (c *Client) Registry() *registry.Registry {
	return c.registry
}

// Reconciler returns the client's cache reconciler
func (c *Client) Reconciler() *Reconciler {
	return c.reconciler
}

// Subscribe shares the channel of the subscription key derived from table and opts, opening it
// if no subscriber holds it yet. While another caller's handshake for the key is in flight,
// Subscribe waits for it to complete or fail.
func (c *Client) Subscribe(ctx context.Context, table string, opts ...SubscribeOpt) (*Subscription, error) {
	if table == "" {
		return nil, errors.New(errors.Validation, "subscribe requires a table")
	}
	o, err := NewSubscribeOptions(opts...)
	if err != nil {
		return nil, err
	}
	key := o.Key(table)
	if !o.Enabled {
		return &Subscription{key: key}, nil
	}
	for {
		if c.isClosed() {
			return nil, errors.New(errors.Unavailable, "client is closed")
		}
		rec, state := c.registry.Acquire(key)
		switch state {
		case registry.Acquired:
			return &Subscription{key: key, registry: c.registry}, nil
		case registry.Pending:
			select {
			case <-rec.Ready():
			case <-rec.Done():
			case <-ctx.Done():
				return nil, errors.Wrap(ctx.Err(), errors.Timeout, "waiting for subscription %s", key)
			}
		default:
			p := newPipeline(c, table, key, o)
			if _, err := c.registry.Register(key, p); err != nil {
				if errors.Is(err, errors.Conflict) {
					p.cancel()
					continue
				}
				return nil, err
			}
			p.start()
			return &Subscription{key: key, registry: c.registry}, nil
		}
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close tears down every channel. Subscriptions released afterwards are no-ops.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.registry.CloseAll()
}
