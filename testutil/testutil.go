// Package testutil provides a scriptable transport, fake rows and a client harness for tests.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/juju/clock/testclock"
	"go.uber.org/zap"

	"github.com/autom8ter/rtsync"
	"github.com/autom8ter/rtsync/cache"
	"github.com/autom8ter/rtsync/errors"
)

// Transport is an rtsync.Transport whose channels are driven by the test
type Transport struct {
	mu       sync.Mutex
	channels []*Channel
	opened   chan *Channel
	openErr  error
	auto     bool
}

// NewTransport returns a Transport. With autoSubscribe every channel completes its handshake
// during Subscribe.
func NewTransport(autoSubscribe bool) *Transport {
	return &Transport{
		opened: make(chan *Channel, 100),
		auto:   autoSubscribe,
	}
}

// SetAutoSubscribe controls whether channels opened from now on complete their handshake
// during Subscribe
func (t *Transport) SetAutoSubscribe(auto bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.auto = auto
}

// FailOpen makes every following Open return err. A nil err restores normal behaviour.
func (t *Transport) FailOpen(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.openErr = err
}

func (t *Transport) Open(ctx context.Context, spec rtsync.ChannelSpec) (rtsync.Channel, error) {
	t.mu.Lock()
	if t.openErr != nil {
		err := t.openErr
		t.mu.Unlock()
		return nil, err
	}
	ch := &Channel{Spec: spec, auto: t.auto}
	t.channels = append(t.channels, ch)
	t.mu.Unlock()
	t.opened <- ch
	return ch, nil
}

// Opened returns the number of channels opened so far
func (t *Transport) Opened() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.channels)
}

// Channels returns every channel opened so far
func (t *Transport) Channels() []*Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Channel{}, t.channels...)
}

// Next waits for the next opened channel
func (t *Transport) Next(timeout time.Duration) (*Channel, error) {
	select {
	case ch := <-t.opened:
		return ch, nil
	case <-time.After(timeout):
		return nil, errors.New(errors.Timeout, "no channel opened within %s", timeout)
	}
}

// Channel is a scripted rtsync.Channel
type Channel struct {
	Spec     rtsync.ChannelSpec
	auto     bool
	mu       sync.Mutex
	onEvent  rtsync.EventHandler
	onStatus rtsync.StatusHandler
	closes   int
}

func (c *Channel) Subscribe(ctx context.Context, onEvent rtsync.EventHandler, onStatus rtsync.StatusHandler) error {
	c.mu.Lock()
	if c.closes > 0 {
		c.mu.Unlock()
		return errors.New(errors.Unavailable, "channel %s is closed", c.Spec.Topic)
	}
	c.onEvent = onEvent
	c.onStatus = onStatus
	c.mu.Unlock()
	if c.auto {
		onStatus(rtsync.Subscribed, nil)
	}
	return nil
}

// Emit delivers e to the subscriber. It returns false if the channel is not subscribed or closed.
func (c *Channel) Emit(e rtsync.ChangeEvent) bool {
	c.mu.Lock()
	fn := c.onEvent
	closed := c.closes > 0
	c.mu.Unlock()
	if fn == nil || closed {
		return false
	}
	fn(e)
	return true
}

// SetStatus reports a status transition to the subscriber
func (c *Channel) SetStatus(status rtsync.Status, err error) {
	c.mu.Lock()
	fn := c.onStatus
	c.mu.Unlock()
	if fn != nil {
		fn(status, err)
	}
}

func (c *Channel) Close() error {
	c.mu.Lock()
	c.closes++
	first := c.closes == 1
	fn := c.onStatus
	c.mu.Unlock()
	if first && fn != nil {
		fn(rtsync.Closed, nil)
	}
	return nil
}

// Closes returns how many times Close was called
func (c *Channel) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// Notifications records every notification it receives
type Notifications struct {
	mu   sync.Mutex
	sent []rtsync.Notification
}

func (n *Notifications) Notify(ctx context.Context, notification rtsync.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification)
}

// Sent returns the recorded notifications
func (n *Notifications) Sent() []rtsync.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]rtsync.Notification{}, n.sent...)
}

// NewItem returns a fake inventory item row
func NewItem(id string) rtsync.Row {
	return rtsync.Row{
		"id":          id,
		"name":        gofakeit.BeerName(),
		"sku":         gofakeit.UUID(),
		"stock":       gofakeit.IntRange(0, 500),
		"price":       gofakeit.Price(1, 100),
		"category_id": gofakeit.IntRange(1, 20),
	}
}

// NewSupplier returns a fake supplier row
func NewSupplier(id string) rtsync.Row {
	return rtsync.Row{
		"id":    id,
		"name":  gofakeit.Company(),
		"email": gofakeit.Email(),
		"phone": gofakeit.Phone(),
	}
}

// NewEvent returns a change event committed at ts
func NewEvent(eventType rtsync.EventType, table string, old, new rtsync.Row, ts time.Time) rtsync.ChangeEvent {
	return rtsync.ChangeEvent{
		Type:            eventType,
		Schema:          rtsync.DefaultSchema,
		Table:           table,
		Old:             old,
		New:             new,
		CommitTimestamp: ts,
	}
}

// Env is the collaborators of a test client
type Env struct {
	Transport     *Transport
	Cache         *cache.Memory
	Clock         *testclock.Clock
	Notifications *Notifications
}

// TestClient runs fn against a client backed by a scripted transport, an in-memory cache and a
// test clock. opts may adjust the config before the client is created.
func TestClient(fn func(ctx context.Context, client *rtsync.Client, env Env), opts ...func(cfg *rtsync.Config)) error {
	clk := testclock.NewClock(time.Now())
	env := Env{
		Transport:     NewTransport(true),
		Cache:         cache.NewMemory(cache.WithClock(clk)),
		Clock:         clk,
		Notifications: &Notifications{},
	}
	cfg := rtsync.Config{
		Transport: env.Transport,
		Cache:     env.Cache,
		Notifier:  env.Notifications,
		Logger:    rtsync.NewZapLogger(zap.NewNop()),
		Clock:     clk,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	client, err := rtsync.New(cfg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	defer client.Close()
	fn(ctx, client, env)
	return nil
}
