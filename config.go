package rtsync

import (
	"time"

	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/autom8ter/rtsync/cache"
)

const (
	// DefaultRetryBaseDelay is the delay before the first reconnect
	DefaultRetryBaseDelay = time.Second
	// DefaultRetryStepDelay is added to the reconnect delay for every further attempt
	DefaultRetryStepDelay = time.Second
	// DefaultHistorySize is how many event identities each subscription remembers
	DefaultHistorySize = 10
)

// Config configures a Client
type Config struct {
	// Transport opens change feed channels
	Transport Transport `validate:"required"`
	// Cache is the query cache reconciled by default strategy subscriptions
	Cache cache.QueryCache `validate:"required"`
	// Notifier receives change summaries. Defaults to logging them.
	Notifier Notifier
	// Logger defaults to a json logger at LogLevel
	Logger Logger
	// LogLevel is used when Logger is nil
	LogLevel string
	// Clock schedules debounces and retries. Defaults to the wall clock.
	Clock clock.Clock
	// Relations maps tables to the cache keys their changes invalidate. Defaults to DefaultRelations.
	Relations *Relations
	// PrimaryKey is the primary key field of every table
	PrimaryKey string
	// RetryBaseDelay is the delay before the first reconnect
	RetryBaseDelay time.Duration `validate:"min=0"`
	// RetryStepDelay is added to the reconnect delay for every further attempt
	RetryStepDelay time.Duration `validate:"min=0"`
	// HistorySize is how many event identities each subscription remembers
	HistorySize int `validate:"min=0"`
	// Metrics, if set, registers the client's prometheus collectors
	Metrics prometheus.Registerer
}

func (c *Config) setDefaults() error {
	if c.Logger == nil {
		logger, err := NewLogger(c.LogLevel, map[string]any{})
		if err != nil {
			return err
		}
		c.Logger = logger
	}
	if c.Notifier == nil {
		c.Notifier = LogNotifier{Logger: c.Logger}
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	if c.Relations == nil {
		r := DefaultRelations()
		c.Relations = &r
	}
	if c.PrimaryKey == "" {
		c.PrimaryKey = DefaultPrimaryKey
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if c.RetryStepDelay == 0 {
		c.RetryStepDelay = DefaultRetryStepDelay
	}
	if c.HistorySize == 0 {
		c.HistorySize = DefaultHistorySize
	}
	return nil
}
