// Package http serves the operator endpoints of a sync client: webhook ingestion of change events
// into an in-process hub, a snapshot of live subscriptions and prometheus metrics.
package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tidwall/gjson"

	"github.com/autom8ter/rtsync"
	"github.com/autom8ter/rtsync/errors"
	"github.com/autom8ter/rtsync/registry"
)

// MaxBodySize bounds webhook request bodies
const MaxBodySize = 4 << 20

// Publisher accepts change events, e.g. the in-memory hub
type Publisher interface {
	Publish(ctx context.Context, e rtsync.ChangeEvent) error
}

// Config configures the handler. Nil members disable their endpoints.
type Config struct {
	Client    *rtsync.Client
	Publisher Publisher
	Gatherer  prometheus.Gatherer
	Logger    rtsync.Logger
}

// Handler returns an http handler serving:
// POST "/events" (a change event or an array of change events in the request body)
// GET "/subscriptions"?table={}
// GET "/metrics"
func Handler(cfg Config) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = rtsync.NewZapLogger(nil)
	}
	router := mux.NewRouter()
	if cfg.Publisher != nil {
		logger.Debug(context.Background(), "registered endpoint: POST /events", map[string]any{})
		router.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			events, err := decodeEvents(r)
			if err != nil {
				httpError(w, logger, r, "failed to decode change events", err)
				return
			}
			for _, e := range events {
				if err := cfg.Publisher.Publish(r.Context(), e); err != nil {
					httpError(w, logger, r, "failed to publish change event", err)
					return
				}
			}
			logger.Debug(r.Context(), "change events ingested", map[string]any{
				"request.path": r.URL.Path,
				"count":        len(events),
				"duration":     float64(time.Since(start).Microseconds()) / float64(1000),
			})
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(map[string]any{"accepted": len(events)})
		}).Methods(http.MethodPost)
	}
	if cfg.Client != nil {
		logger.Debug(context.Background(), "registered endpoint: GET /subscriptions", map[string]any{})
		router.HandleFunc("/subscriptions", func(w http.ResponseWriter, r *http.Request) {
			table := r.URL.Query().Get("table")
			infos := cfg.Client.Registry().Snapshot()
			result := make([]registry.RecordInfo, 0, len(infos))
			for _, info := range infos {
				if table == "" || info.Key.Table == table {
					result = append(result, info)
				}
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(result)
		}).Methods(http.MethodGet)
	}
	if cfg.Gatherer != nil {
		logger.Debug(context.Background(), "registered endpoint: GET /metrics", map[string]any{})
		router.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return router
}

func decodeEvents(r *http.Request) ([]rtsync.ChangeEvent, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodySize))
	if err != nil {
		return nil, errors.Wrap(err, errors.Validation, "failed to read request body")
	}
	payload := gjson.ParseBytes(body)
	var raws []string
	switch {
	case payload.IsArray():
		for _, item := range payload.Array() {
			raws = append(raws, item.Raw)
		}
	case payload.IsObject():
		raws = append(raws, payload.Raw)
	default:
		return nil, errors.New(errors.Validation, "expected a change event or an array of change events")
	}
	events := make([]rtsync.ChangeEvent, 0, len(raws))
	for i, raw := range raws {
		e, err := rtsync.DecodeChangeEvent([]byte(raw))
		if err != nil {
			return nil, errors.Wrap(err, errors.Validation, "event %d", i)
		}
		events = append(events, e)
	}
	return events, nil
}

func httpError(w http.ResponseWriter, logger rtsync.Logger, r *http.Request, msg string, err error) {
	status := http.StatusInternalServerError
	if e := errors.Extract(err); e != nil && e.Code != 0 {
		status = int(e.Code)
	}
	logger.Error(r.Context(), msg, err, map[string]any{
		"request.path": r.URL.Path,
		"status":       status,
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": err.Error()})
}
