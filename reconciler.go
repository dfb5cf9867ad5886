package rtsync

import (
	"context"

	"github.com/juju/clock"
	"go.uber.org/multierr"

	"github.com/autom8ter/rtsync/cache"
	"github.com/autom8ter/rtsync/errors"
)

// ReconcileOptions are the per subscription settings a reconciliation pass honours
type ReconcileOptions struct {
	Strategy   Strategy
	QueryKey   cache.Key
	SilentMode bool
}

// Reconciler applies change events to the query cache
type Reconciler struct {
	cache      cache.QueryCache
	relations  Relations
	notifier   Notifier
	logger     Logger
	clock      clock.Clock
	primaryKey string
	summaries  *summarizer
	metrics    *metrics
}

// NewReconciler returns a Reconciler writing to c. Relations, notifier, logger and clock come from cfg.
func NewReconciler(c cache.QueryCache, cfg Config) (*Reconciler, error) {
	if c == nil {
		return nil, errors.New(errors.Validation, "reconciler requires a query cache")
	}
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	return &Reconciler{
		cache:      c,
		relations:  *cfg.Relations,
		notifier:   cfg.Notifier,
		logger:     cfg.Logger,
		clock:      cfg.Clock,
		primaryKey: cfg.PrimaryKey,
		summaries:  newSummarizer(*cfg.Relations),
	}, nil
}

// InvalidationKeys returns the keys a change to table invalidates, plus queryKey if set
func (r *Reconciler) InvalidationKeys(table string, queryKey cache.Key) []cache.Key {
	keys := r.relations.Keys(table)
	if len(queryKey) == 0 {
		return keys
	}
	for _, k := range keys {
		if queryKey.HasPrefix(k) {
			return keys
		}
	}
	return append(keys, queryKey)
}

// Reconcile applies event to the cache according to the strategy. Every failure is logged and
// processing continues; the returned error aggregates them.
func (r *Reconciler) Reconcile(ctx context.Context, event ChangeEvent, diff []FieldChange, opts ReconcileOptions) error {
	defer r.metrics.reconciled(event, opts.Strategy)
	pk := event.PrimaryKey(r.primaryKey)
	tags := map[string]any{
		"table": event.Table,
		"type":  event.Type,
		"id":    pk,
	}
	if opts.Strategy.IsCustom() {
		if err := opts.Strategy.handler(ctx, event, diff); err != nil {
			r.logger.Error(ctx, "realtime handler failed", err, tags)
			return err
		}
		return nil
	}
	var errs error
	switch event.Type {
	case Update:
		if pk != "" && len(event.New) > 0 {
			errs = multierr.Append(errs, r.call(ctx, "set", tags, func() error {
				return r.cache.SetData(ctx, cache.DetailKey(event.Table, pk), event.New)
			}))
		}
	case Delete:
		if pk != "" {
			errs = multierr.Append(errs, r.call(ctx, "remove", tags, func() error {
				return r.cache.RemoveData(ctx, cache.DetailKey(event.Table, pk))
			}))
		}
	}
	var queryKey cache.Key
	if event.Type == Insert {
		queryKey = opts.QueryKey
	}
	for _, key := range r.InvalidationKeys(event.Table, queryKey) {
		key := key
		errs = multierr.Append(errs, r.call(ctx, "invalidate", tags, func() error {
			return r.cache.Invalidate(ctx, key)
		}))
	}
	if !opts.SilentMode {
		r.notifier.Notify(ctx, Notification{
			Level:   "info",
			Table:   event.Table,
			Type:    event.Type,
			ID:      pk,
			Message: r.summaries.summarize(event, r.primaryKey, diff),
			At:      r.clock.Now(),
		})
	}
	return errs
}

func (r *Reconciler) call(ctx context.Context, op string, tags map[string]any, fn func() error) error {
	if err := fn(); err != nil {
		r.metrics.cacheError(tags["table"].(string), op)
		r.logger.Error(ctx, "cache "+op+" failed", err, tags)
		return err
	}
	return nil
}

