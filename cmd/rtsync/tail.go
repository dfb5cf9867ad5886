package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/autom8ter/rtsync"
	"github.com/autom8ter/rtsync/cache"
	_ "github.com/autom8ter/rtsync/cache/badgercache"
	_ "github.com/autom8ter/rtsync/cache/rediscache"
	"github.com/autom8ter/rtsync/transport"
	rthttp "github.com/autom8ter/rtsync/transport/http"
	"github.com/autom8ter/rtsync/transport/memory"
	_ "github.com/autom8ter/rtsync/transport/nats"
	_ "github.com/autom8ter/rtsync/transport/pgnotify"
	_ "github.com/autom8ter/rtsync/transport/websocket"
)

type tailFlags struct {
	transport       string
	transportParams map[string]string
	cache           string
	cacheParams     map[string]string
	tables          []string
	schema          string
	events          []string
	relations       string
	logLevel        string
	addr            string
	debounce        time.Duration
	retryAttempts   int
	showDiff        bool
	detailed        bool
	silent          bool
}

func tailCmd() *cobra.Command {
	var flags tailFlags
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "subscribe to tables and reconcile their changes into a cache, logging every step",
		Example: `  rtsync tail -t nats -p url=nats://localhost:4222 --table items --table suppliers --show-diff
  rtsync tail -t websocket -p url=wss://project.example.com/realtime/v1/websocket -p api_key=$KEY --table sales
  rtsync tail --table items   # memory transport: POST change events to http://localhost:8080/events`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return tail(cmd.Context(), flags)
		},
	}
	cmd.Flags().StringVarP(&flags.transport, "transport", "t", "memory", fmt.Sprintf("change feed transport (one of %s)", strings.Join(transport.Names(), ", ")))
	cmd.Flags().StringToStringVarP(&flags.transportParams, "transport-param", "p", map[string]string{}, "transport parameter (key=value)")
	cmd.Flags().StringVarP(&flags.cache, "cache", "c", "memory", fmt.Sprintf("cache backend (one of %s)", strings.Join(cache.Backends(), ", ")))
	cmd.Flags().StringToStringVar(&flags.cacheParams, "cache-param", map[string]string{}, "cache backend parameter (key=value)")
	cmd.Flags().StringSliceVar(&flags.tables, "table", nil, "table to subscribe to (repeatable)")
	cmd.Flags().StringVar(&flags.schema, "schema", rtsync.DefaultSchema, "database schema of the tables")
	cmd.Flags().StringSliceVar(&flags.events, "event", nil, "only reconcile these event types (INSERT, UPDATE, DELETE)")
	cmd.Flags().StringVarP(&flags.relations, "relations", "r", "", "yaml file mapping tables to the cache keys their changes invalidate")
	cmd.Flags().StringVarP(&flags.logLevel, "log-level", "l", "info", "log level")
	cmd.Flags().StringVar(&flags.addr, "addr", ":8080", "address of the events, subscriptions and metrics endpoints")
	cmd.Flags().DurationVar(&flags.debounce, "debounce", rtsync.DefaultDebounce, "debounce window per subscription")
	cmd.Flags().IntVar(&flags.retryAttempts, "retry-attempts", rtsync.DefaultRetryAttempts, "channel retry attempts before giving up")
	cmd.Flags().BoolVar(&flags.showDiff, "show-diff", false, "log a readable diff of every change")
	cmd.Flags().BoolVar(&flags.detailed, "detailed", false, "log every received change event")
	cmd.Flags().BoolVar(&flags.silent, "silent", false, "suppress change notifications")
	_ = cmd.MarkFlagRequired("table")
	return cmd
}

func tail(ctx context.Context, flags tailFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := rtsync.NewLogger(flags.logLevel, map[string]any{"app": "rtsync"})
	if err != nil {
		return err
	}
	tr, err := transport.Open(flags.transport, params(flags.transportParams), logger)
	if err != nil {
		return err
	}
	qc, err := cache.Open(flags.cache, params(flags.cacheParams))
	if err != nil {
		closeQuietly(tr)
		return err
	}
	relations := rtsync.DefaultRelations()
	if flags.relations != "" {
		content, err := os.ReadFile(flags.relations)
		if err != nil {
			return err
		}
		if relations, err = rtsync.LoadRelations(content); err != nil {
			return err
		}
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	client, err := rtsync.New(rtsync.Config{
		Transport: tr,
		Cache:     qc,
		Logger:    logger,
		Relations: &relations,
		Metrics:   reg,
	})
	if err != nil {
		return err
	}

	opts := []rtsync.SubscribeOpt{
		rtsync.WithSchema(flags.schema),
		rtsync.WithDebounce(flags.debounce),
		rtsync.WithRetryAttempts(flags.retryAttempts),
		rtsync.WithShowDiff(flags.showDiff),
		rtsync.WithDetailedLogging(flags.detailed),
		rtsync.WithSilentMode(flags.silent),
	}
	if len(flags.events) > 0 {
		var events []rtsync.EventType
		for _, e := range flags.events {
			events = append(events, rtsync.EventType(strings.ToUpper(e)))
		}
		opts = append(opts, rtsync.WithEvents(events...))
	}
	for _, table := range flags.tables {
		if _, err := client.Subscribe(ctx, table, opts...); err != nil {
			_ = client.Close()
			return err
		}
		logger.Info(ctx, "tailing table", map[string]any{"table": table, "transport": flags.transport})
	}

	handlerCfg := rthttp.Config{Client: client, Gatherer: reg, Logger: logger}
	if hub, ok := tr.(*memory.Hub); ok {
		handlerCfg.Publisher = hub
	}
	server := &http.Server{Addr: flags.addr, Handler: rthttp.Handler(handlerCfg), ReadHeaderTimeout: 10 * time.Second}

	egp, ctx := errgroup.WithContext(ctx)
	egp.Go(func() error {
		logger.Info(ctx, "serving operator endpoints", map[string]any{"addr": flags.addr})
		if err := server.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	egp.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		err := client.Close()
		closeQuietly(tr)
		closeQuietly(qc)
		logger.Info(shutdownCtx, "stopped", map[string]any{})
		return err
	})
	return egp.Wait()
}

func params(values map[string]string) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

func closeQuietly(v any) {
	if closer, ok := v.(io.Closer); ok {
		_ = closer.Close()
	}
}
