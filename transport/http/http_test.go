package http_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autom8ter/rtsync"
	"github.com/autom8ter/rtsync/registry"
	"github.com/autom8ter/rtsync/testutil"
	rthttp "github.com/autom8ter/rtsync/transport/http"
	"github.com/autom8ter/rtsync/transport/memory"
)

func TestHandler(t *testing.T) {
	hub := memory.New()
	defer hub.Close()
	reg := prometheus.NewRegistry()
	assert.Nil(t, testutil.TestClient(func(ctx context.Context, client *rtsync.Client, env testutil.Env) {
		server := httptest.NewServer(rthttp.Handler(rthttp.Config{
			Client:    client,
			Publisher: hub,
			Gatherer:  reg,
		}))
		defer server.Close()

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

		t.Run("ingest a single event", func(t *testing.T) {
			body := `{"eventType":"UPDATE","table":"items","commit_timestamp":"2024-03-01T12:00:00Z","old":{"id":5},"new":{"id":5,"stock":3}}`
			resp, err := http.Post(server.URL+"/events", "application/json", strings.NewReader(body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusAccepted, resp.StatusCode)
			select {
			case e := <-handled:
				assert.Equal(t, "5", e.PrimaryKey("id"))
			case <-time.After(2 * time.Second):
				t.Fatal("expected the handler to run")
			}
		})
		t.Run("ingest a batch", func(t *testing.T) {
			body := `[
				{"eventType":"INSERT","table":"items","commit_timestamp":"2024-03-01T12:00:01Z","new":{"id":6}},
				{"type":"DELETE","table":"items","commit_timestamp":"2024-03-01T12:00:02Z","old_record":{"id":7}}
			]`
			resp, err := http.Post(server.URL+"/events", "application/json", strings.NewReader(body))
			require.NoError(t, err)
			defer resp.Body.Close()
			var out map[string]any
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
			assert.EqualValues(t, 2, out["accepted"])
			for i := 0; i < 2; i++ {
				select {
				case <-handled:
				case <-time.After(2 * time.Second):
					t.Fatal("expected the handler to run")
				}
			}
		})
		t.Run("reject malformed events", func(t *testing.T) {
			for _, body := range []string{`nope`, `{"table":"items"}`, `[{"eventType":"UPSERT","table":"items","commit_timestamp":"x"}]`} {
				resp, err := http.Post(server.URL+"/events", "application/json", strings.NewReader(body))
				require.NoError(t, err)
				resp.Body.Close()
				assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
			}
		})
		t.Run("list subscriptions", func(t *testing.T) {
			resp, err := http.Get(server.URL + "/subscriptions?table=items")
			require.NoError(t, err)
			defer resp.Body.Close()
			var infos []registry.RecordInfo
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&infos))
			require.Len(t, infos, 1)
			assert.Equal(t, "items", infos[0].Key.Table)
			assert.True(t, infos[0].Active)

			resp, err = http.Get(server.URL + "/subscriptions?table=suppliers")
			require.NoError(t, err)
			defer resp.Body.Close()
			bits, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, "[]", strings.TrimSpace(string(bits)))
		})
		t.Run("metrics", func(t *testing.T) {
			resp, err := http.Get(server.URL + "/metrics")
			require.NoError(t, err)
			defer resp.Body.Close()
			bits, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Contains(t, string(bits), "rtsync_events_received_total")
			assert.Contains(t, string(bits), "rtsync_active_channels 1")
		})
	}, func(cfg *rtsync.Config) {
		cfg.Transport = hub
		cfg.Metrics = reg
	}))
}

func TestHandlerWithoutMembers(t *testing.T) {
	server := httptest.NewServer(rthttp.Handler(rthttp.Config{}))
	defer server.Close()
	resp, err := http.Post(server.URL+"/events", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
