package rtsync

import (
	"context"
	"sync"

	"github.com/autom8ter/rtsync/dedup"
	"github.com/autom8ter/rtsync/registry"
)

type pendingEvent struct {
	event ChangeEvent
	diff  []FieldChange
}

// pipeline is the handle the registry owns for one subscription key: it holds the live channel
// and carries every delivered event through dedup, diff, debounce and reconciliation.
type pipeline struct {
	client     *Client
	key        registry.Key
	opts       SubscribeOptions
	spec       ChannelSpec
	history    *dedup.History
	debouncer  *dedup.Debouncer
	supervisor *Supervisor
	ctx        context.Context
	cancel     context.CancelFunc

	mu      sync.Mutex
	channel Channel
	gen     uint64
	latest  *pendingEvent
	closed  bool
}

func newPipeline(c *Client, table string, key registry.Key, opts SubscribeOptions) *pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	p := &pipeline{
		client: c,
		key:    key,
		opts:   opts,
		spec: ChannelSpec{
			Topic:  key.String(),
			Schema: opts.Schema,
			Table:  table,
			Events: opts.Events,
		},
		history:   dedup.NewHistory(c.cfg.HistorySize),
		debouncer: dedup.NewDebouncer(c.cfg.Clock),
		ctx:       ctx,
		cancel:    cancel,
	}
	p.supervisor = NewSupervisor(SupervisorConfig{
		Key:           key,
		Registry:      c.registry,
		Clock:         c.cfg.Clock,
		Logger:        c.cfg.Logger,
		RetryAttempts: opts.RetryAttempts,
		BaseDelay:     c.cfg.RetryBaseDelay,
		StepDelay:     c.cfg.RetryStepDelay,
		Connect:       p.connect,
		metrics:       c.metrics,
	})
	return p
}

func (p *pipeline) start() {
	p.supervisor.Start()
}

// connect replaces the current channel with a new attempt tagged gen
func (p *pipeline) connect(gen uint64) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	previous := p.channel
	p.channel = nil
	p.gen = gen
	p.mu.Unlock()
	if previous != nil {
		_ = previous.Close()
	}
	onStatus := func(status Status, err error) {
		p.supervisor.Handle(gen, status, err)
	}
	onStatus(Connecting, nil)
	ch, err := p.client.cfg.Transport.Open(p.ctx, p.spec)
	if err != nil {
		onStatus(ChannelError, err)
		return
	}
	p.mu.Lock()
	if p.closed || p.gen != gen {
		p.mu.Unlock()
		_ = ch.Close()
		return
	}
	p.channel = ch
	p.mu.Unlock()
	if err := ch.Subscribe(p.ctx, func(e ChangeEvent) { p.receive(gen, e) }, onStatus); err != nil {
		onStatus(ChannelError, err)
	}
}

func (p *pipeline) receive(gen uint64, e ChangeEvent) {
	p.mu.Lock()
	if p.closed || p.gen != gen {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	c := p.client
	pk := c.cfg.PrimaryKey
	tags := map[string]any{
		"subscription": p.key.String(),
		"table":        e.Table,
		"type":         e.Type,
		"id":           e.PrimaryKey(pk),
	}
	c.registry.Touch(p.key)
	c.metrics.received(e)
	if p.opts.DetailedLogging {
		c.cfg.Logger.Info(p.ctx, "realtime event received", tags)
	}
	if !p.spec.Accepts(e) {
		c.metrics.dropped(e.Table, "filtered")
		c.cfg.Logger.Debug(p.ctx, "realtime event filtered", tags)
		return
	}
	if !p.history.ShouldProcess(e.Identity(pk)) {
		c.metrics.dropped(e.Table, "duplicate")
		c.cfg.Logger.Debug(p.ctx, "realtime event deduplicated", tags)
		return
	}
	diff := ComputeDiff(e, pk)
	if p.opts.ShowDiff {
		tags["diff"] = FormatForDisplay(diff, e.Type, e.Table, e.CommitTimestamp)
		c.cfg.Logger.Info(p.ctx, "realtime event diff", tags)
	}
	p.mu.Lock()
	p.latest = &pendingEvent{event: e, diff: diff}
	p.mu.Unlock()
	p.debouncer.Debounce(p.opts.Debounce, p.flush)
}

// flush reconciles the latest event of a burst
func (p *pipeline) flush() {
	p.mu.Lock()
	latest := p.latest
	p.latest = nil
	closed := p.closed
	p.mu.Unlock()
	if latest == nil || closed {
		return
	}
	_ = p.client.reconciler.Reconcile(p.ctx, latest.event, latest.diff, ReconcileOptions{
		Strategy:   p.opts.Strategy,
		QueryKey:   p.opts.QueryKey,
		SilentMode: p.opts.SilentMode,
	})
}

// Close is called by the registry exactly once when the subscription key is removed
func (p *pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	ch := p.channel
	p.channel = nil
	p.latest = nil
	p.mu.Unlock()
	p.supervisor.Stop()
	p.debouncer.Stop()
	p.cancel()
	if ch != nil {
		return ch.Close()
	}
	return nil
}

// Subscription is a caller's share of a realtime channel
type Subscription struct {
	key      registry.Key
	registry *registry.Registry
	once     sync.Once
	err      error
}

// Key returns the registry key the subscription shares
func (s *Subscription) Key() registry.Key {
	return s.key
}

// Enabled reports whether the subscription is backed by a channel
func (s *Subscription) Enabled() bool {
	return s.registry != nil
}

// Active reports whether the shared channel completed its handshake
func (s *Subscription) Active() bool {
	if s.registry == nil {
		return false
	}
	info, ok := s.registry.Get(s.key)
	return ok && info.Active
}

// Close releases the caller's share. The channel closes when the last share is released.
// Calling Close more than once is a no-op.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		if s.registry == nil {
			return
		}
		_, s.err = s.registry.Release(s.key)
	})
	return s.err
}
