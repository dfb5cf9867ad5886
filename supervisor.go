package rtsync

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/autom8ter/rtsync/registry"
)

// SupervisorConfig configures a Supervisor
type SupervisorConfig struct {
	// Key is the registry entry the supervisor keeps in step with its channel
	Key registry.Key
	// Registry owns the entry under Key
	Registry *registry.Registry
	// Clock schedules reconnects
	Clock clock.Clock
	Logger Logger
	// RetryAttempts bounds reconnects before the entry is removed
	RetryAttempts int
	// BaseDelay is the delay before the first reconnect
	BaseDelay time.Duration
	// StepDelay is added to the delay of every further reconnect
	StepDelay time.Duration
	// Connect opens a new channel attempt. Statuses of that attempt must be reported with gen.
	Connect func(gen uint64)

	metrics *metrics
}

// Supervisor drives a channel's status state machine: it marks the registry entry active on
// Subscribed, reconnects with a linear backoff after ChannelError or TimedOut and removes the
// entry once retries are exhausted or the channel is Closed.
type Supervisor struct {
	cfg      SupervisorConfig
	mu       sync.Mutex
	gen      uint64
	attempts int
	retries  int
	timer    clock.Timer
	stopped  bool
}

// NewSupervisor returns a stopped supervisor; call Start to open the first channel
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = NewZapLogger(nil)
	}
	return &Supervisor{cfg: cfg}
}

// Start opens the first channel attempt
func (s *Supervisor) Start() {
	s.mu.Lock()
	if s.stopped || s.gen != 0 {
		s.mu.Unlock()
		return
	}
	s.gen = 1
	s.mu.Unlock()
	s.cfg.Connect(1)
}

// Delay returns the reconnect delay of the given attempt, counting from 1
func (s *Supervisor) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return s.cfg.BaseDelay + time.Duration(attempt-1)*s.cfg.StepDelay
}

// Attempts returns the number of consecutive failed attempts since the last Subscribed
func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Retries returns the total number of scheduled reconnects
func (s *Supervisor) Retries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries
}

// Generation returns the current channel attempt
func (s *Supervisor) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// Handle applies a status reported by channel attempt gen. Reports from superseded attempts and
// reports after Stop are ignored.
func (s *Supervisor) Handle(gen uint64, status Status, err error) {
	ctx := context.Background()
	key := s.cfg.Key
	tags := map[string]any{
		"subscription": key.String(),
		"status":       status.String(),
		"generation":   gen,
	}
	s.mu.Lock()
	if s.stopped || gen != s.gen {
		s.mu.Unlock()
		return
	}
	switch status {
	case Connecting:
		s.mu.Unlock()
		s.cfg.Logger.Debug(ctx, "realtime channel connecting", tags)
	case Subscribed:
		s.attempts = 0
		s.mu.Unlock()
		if s.cfg.Registry.MarkActive(key) {
			s.cfg.Logger.Info(ctx, "realtime channel subscribed", tags)
		}
	case ChannelError, TimedOut:
		if s.attempts >= s.cfg.RetryAttempts {
			s.stopped = true
			attempts := s.attempts
			s.mu.Unlock()
			s.cfg.metrics.failure(key.Table)
			tags["attempts"] = attempts
			s.cfg.Logger.Error(ctx, "realtime channel failed permanently", err, tags)
			s.remove(ctx, tags)
			return
		}
		s.attempts++
		s.retries++
		s.gen++
		next := s.gen
		delay := s.Delay(s.attempts)
		tags["attempt"] = s.attempts
		tags["delay"] = delay.String()
		s.mu.Unlock()
		s.cfg.Registry.MarkInactive(key)
		s.cfg.metrics.retry(key.Table)
		s.cfg.Logger.Warn(ctx, "realtime channel failed, reconnecting", withError(tags, err))
		s.schedule(next, delay)
	case Closed:
		s.stopped = true
		s.mu.Unlock()
		s.cfg.Registry.MarkInactive(key)
		s.cfg.Logger.Info(ctx, "realtime channel closed", tags)
		s.remove(ctx, tags)
	default:
		s.mu.Unlock()
	}
}

func (s *Supervisor) schedule(gen uint64, delay time.Duration) {
	// the clock is never called with s.mu held
	t := s.cfg.Clock.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.stopped || gen != s.gen {
			s.mu.Unlock()
			return
		}
		s.timer = nil
		s.mu.Unlock()
		s.cfg.Connect(gen)
	})
	s.mu.Lock()
	if s.stopped || gen != s.gen {
		s.mu.Unlock()
		t.Stop()
		return
	}
	s.timer = t
	s.mu.Unlock()
}

func (s *Supervisor) remove(ctx context.Context, tags map[string]any) {
	if _, err := s.cfg.Registry.ForceRemove(s.cfg.Key); err != nil {
		s.cfg.Logger.Warn(ctx, "failed to close realtime channel", withError(tags, err))
	}
}

// Stop cancels any pending reconnect and ignores every later status
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.stopped = true
	t := s.timer
	s.timer = nil
	s.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

// Stopped reports whether the supervisor stopped, either explicitly or after a terminal status
func (s *Supervisor) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func withError(tags map[string]any, err error) map[string]any {
	if err != nil {
		tags["error"] = err.Error()
	}
	return tags
}
