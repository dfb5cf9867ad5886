// Package memory is an in-process change feed hub built on machine pub/sub. It backs tests,
// webhook ingestion and single process deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/autom8ter/machine/v4"
	"github.com/segmentio/ksuid"

	"github.com/autom8ter/rtsync"
	"github.com/autom8ter/rtsync/errors"
	"github.com/autom8ter/rtsync/transport"
)

func init() {
	transport.Register("memory", func(params map[string]any, logger rtsync.Logger) (rtsync.Transport, error) {
		return New(), nil
	})
}

// joinInterval is how often a joining channel pings its topic until its own ping comes back
const joinInterval = 10 * time.Millisecond

// join is published by a channel to its own topic. Seeing it come back proves the subscription
// is live, so no event published after Subscribed is missed.
type join struct {
	ref string
}

// Hub fans change events out to every open channel of the event's table
type Hub struct {
	machine machine.Machine
	ctx     context.Context
	cancel  context.CancelFunc
}

var _ rtsync.Transport = (*Hub)(nil)

// New returns an empty hub
func New() *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		machine: machine.New(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Topic returns the machine channel events of schema.table are published on
func Topic(schema, table string) string {
	if schema == "" {
		schema = rtsync.DefaultSchema
	}
	return schema + "." + table
}

// Publish validates e and delivers it to every channel listening on its table
func (h *Hub) Publish(ctx context.Context, e rtsync.ChangeEvent) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if h.ctx.Err() != nil {
		return errors.New(errors.Unavailable, "hub is closed")
	}
	if e.Schema == "" {
		e.Schema = rtsync.DefaultSchema
	}
	h.machine.Publish(ctx, machine.Message{
		Channel: Topic(e.Schema, e.Table),
		Body:    e,
	})
	return nil
}

func (h *Hub) Open(ctx context.Context, spec rtsync.ChannelSpec) (rtsync.Channel, error) {
	if h.ctx.Err() != nil {
		return nil, errors.New(errors.Unavailable, "hub is closed")
	}
	if spec.Table == "" {
		return nil, errors.New(errors.Validation, "channel %s is missing its table", spec.Topic)
	}
	return &channel{hub: h, spec: spec}, nil
}

// Close stops every channel and waits for their subscriptions to exit
func (h *Hub) Close() error {
	h.cancel()
	return h.machine.Wait()
}

type channel struct {
	hub      *Hub
	spec     rtsync.ChannelSpec
	mu       sync.Mutex
	cancel   context.CancelFunc
	onStatus rtsync.StatusHandler
	closed   bool
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
	subCtx, cancel := context.WithCancel(c.hub.ctx)
	c.cancel = cancel
	c.onStatus = onStatus
	c.mu.Unlock()

	topic := Topic(c.spec.Schema, c.spec.Table)
	ref := ksuid.New().String()
	joined := make(chan struct{})
	var once sync.Once
	c.hub.machine.Go(subCtx, func(ctx context.Context) error {
		err := c.hub.machine.Subscribe(ctx, topic, func(ctx context.Context, msg machine.Message) (bool, error) {
			switch body := msg.Body.(type) {
			case join:
				if body.ref == ref {
					once.Do(func() {
						close(joined)
						onStatus(rtsync.Subscribed, nil)
					})
				}
			case rtsync.ChangeEvent:
				if c.spec.Accepts(body) {
					onEvent(body)
				}
			}
			return true, nil
		})
		if err != nil && ctx.Err() == nil {
			onStatus(rtsync.ChannelError, err)
		}
		return nil
	})
	c.hub.machine.Go(subCtx, func(ctx context.Context) error {
		ticker := time.NewTicker(joinInterval)
		defer ticker.Stop()
		for {
			c.hub.machine.Publish(ctx, machine.Message{Channel: topic, Body: join{ref: ref}})
			select {
			case <-joined:
				return nil
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
	return nil
}

func (c *channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	onStatus := c.onStatus
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if onStatus != nil {
		onStatus(rtsync.Closed, nil)
	}
	return nil
}
