package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autom8ter/rtsync"
	"github.com/autom8ter/rtsync/testutil"
	"github.com/autom8ter/rtsync/transport"
	"github.com/autom8ter/rtsync/transport/memory"
)

func waitStatus(t *testing.T, statuses chan rtsync.Status, want rtsync.Status) {
	select {
	case got := <-statuses:
		assert.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("expected status %s", want)
	}
}

func TestHub(t *testing.T) {
	ctx := context.Background()
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	hub := memory.New()
	defer hub.Close()

	t.Run("delivers events of the channel's table", func(t *testing.T) {
		ch, err := hub.Open(ctx, rtsync.ChannelSpec{Topic: "items:list", Table: "items", Events: []rtsync.EventType{rtsync.Update}})
		require.NoError(t, err)
		events := make(chan rtsync.ChangeEvent, 10)
		statuses := make(chan rtsync.Status, 10)
		require.NoError(t, ch.Subscribe(ctx, func(e rtsync.ChangeEvent) {
			events <- e
		}, func(s rtsync.Status, err error) {
			statuses <- s
		}))
		waitStatus(t, statuses, rtsync.Subscribed)

		require.NoError(t, hub.Publish(ctx, testutil.NewEvent(rtsync.Insert, "items", nil, testutil.NewItem("1"), ts)))
		require.NoError(t, hub.Publish(ctx, testutil.NewEvent(rtsync.Update, "suppliers", testutil.NewSupplier("2"), testutil.NewSupplier("2"), ts)))
		require.NoError(t, hub.Publish(ctx, testutil.NewEvent(rtsync.Update, "items", rtsync.Row{"id": "5"}, rtsync.Row{"id": "5", "stock": 3}, ts)))
		select {
		case e := <-events:
			assert.Equal(t, rtsync.Update, e.Type)
			assert.Equal(t, "items", e.Table)
			assert.Equal(t, "5", e.PrimaryKey("id"))
		case <-time.After(2 * time.Second):
			t.Fatal("expected an event")
		}

		require.NoError(t, ch.Close())
		waitStatus(t, statuses, rtsync.Closed)
		require.NoError(t, ch.Close())
		assert.Error(t, ch.Subscribe(ctx, func(rtsync.ChangeEvent) {}, func(rtsync.Status, error) {}))
	})
	t.Run("rejects invalid events", func(t *testing.T) {
		assert.Error(t, hub.Publish(ctx, rtsync.ChangeEvent{Type: rtsync.Insert, Table: "items"}))
		assert.Error(t, hub.Publish(ctx, rtsync.ChangeEvent{Type: rtsync.Insert, Table: "items", New: testutil.NewItem("1")}))
	})
	t.Run("registered by name", func(t *testing.T) {
		tr, err := transport.Open("memory", nil, nil)
		require.NoError(t, err)
		assert.IsType(t, &memory.Hub{}, tr)
		assert.Contains(t, transport.Names(), "memory")
		_, err = transport.Open("carrier-pigeon", nil, nil)
		assert.Error(t, err)
	})
}

func TestClientOverHub(t *testing.T) {
	hub := memory.New()
	defer hub.Close()
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Nil(t, testutil.TestClient(func(ctx context.Context, client *rtsync.Client, env testutil.Env) {
		handled := make(chan rtsync.ChangeEvent, 10)
		sub, err := client.Subscribe(ctx, "items",
			rtsync.WithDebounce(0),
			rtsync.WithHandler(func(ctx context.Context, event rtsync.ChangeEvent, diff []rtsync.FieldChange) error {
				handled <- event
				return nil
			}),
		)
		require.NoError(t, err)
		defer sub.Close()
		assert.Eventually(t, sub.Active, 2*time.Second, 10*time.Millisecond)
		e := testutil.NewEvent(rtsync.Delete, "items", testutil.NewItem("8"), nil, ts)
		require.NoError(t, hub.Publish(ctx, e))
		select {
		case got := <-handled:
			assert.Equal(t, e.Identity("id"), got.Identity("id"))
		case <-time.After(2 * time.Second):
			t.Fatal("expected the handler to run")
		}
	}, func(cfg *rtsync.Config) {
		cfg.Transport = hub
	}))
}
