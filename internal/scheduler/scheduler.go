// Package scheduler drives periodic projection refreshes. A started
// scheduler rebuilds all projections once immediately and then on a fixed
// cadence until stopped; out-of-band refreshes can be forced at any time
// without disturbing the cadence.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/meridianlabs/gazetteer/internal/metrics"
	"github.com/meridianlabs/gazetteer/internal/refresh"
)

var (
	ErrLoggerRequired = errors.New("logger is required")
	ErrRunnerRequired = errors.New("runner is required")

	ErrAlreadyRunning  = errors.New("scheduler already running")
	ErrNotRunning      = errors.New("scheduler not running")
	ErrInvalidInterval = errors.New("interval must be positive")
)

// RefreshRunner is the slice of the refresher the scheduler drives.
type RefreshRunner interface {
	RefreshAll(ctx context.Context) refresh.AllResult
	Metrics(limit int, projection string, since time.Time) refresh.RunMetrics
}

type Config struct {
	Logger *slog.Logger
	Runner RefreshRunner
	Clock  clockwork.Clock
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return ErrLoggerRequired
	}
	if c.Runner == nil {
		return ErrRunnerRequired
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// CycleStats counts completed refresh cycles. Counts accumulate across
// restarts of the same scheduler.
type CycleStats struct {
	Cycles     int               `json:"cycles"`
	Successes  int               `json:"successes"`
	Partials   int               `json:"partials"`
	Failures   int               `json:"failures"`
	LastRunAt  time.Time         `json:"last_run_at"`
	LastStatus refresh.AllStatus `json:"last_status,omitempty"`
}

type Scheduler struct {
	log    *slog.Logger
	runner RefreshRunner
	clock  clockwork.Clock

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	stats   CycleStats
}

func New(cfg Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Scheduler{
		log:    cfg.Logger,
		runner: cfg.Runner,
		clock:  cfg.Clock,
	}, nil
}

// Start launches the refresh loop: one cycle immediately, then one per
// interval. The loop also exits when ctx is canceled.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidInterval, interval)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx, interval, s.done)
	s.log.Info("Refresh scheduler started", "interval", interval)
	return nil
}

// Stop cancels the loop and waits for any in-flight cycle to finish,
// returning the cycle statistics accumulated so far.
func (s *Scheduler) Stop() (CycleStats, error) {
	s.mu.Lock()
	if !s.running || s.cancel == nil {
		s.mu.Unlock()
		return CycleStats{}, ErrNotRunning
	}
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	<-done

	s.mu.Lock()
	s.running = false
	stats := s.stats
	s.mu.Unlock()
	s.log.Info("Refresh scheduler stopped", "cycles", stats.Cycles)
	return stats, nil
}

// ForceRefresh runs one out-of-band cycle right now. The ticker cadence
// is unaffected.
func (s *Scheduler) ForceRefresh(ctx context.Context) (refresh.AllResult, error) {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return refresh.AllResult{}, ErrNotRunning
	}
	return s.runCycle(ctx), nil
}

// Metrics returns refresh run history matching the filters, straight from
// the refresher's record store.
func (s *Scheduler) Metrics(limit int, projection string, since time.Time) refresh.RunMetrics {
	return s.runner.Metrics(limit, projection, since)
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) Stats() CycleStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	s.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.runCycle(ctx)
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context) refresh.AllResult {
	started := s.clock.Now()
	all := s.runner.RefreshAll(ctx)

	metrics.SchedulerRunsTotal.WithLabelValues(string(all.Status)).Inc()
	metrics.SchedulerLastRun.Set(float64(s.clock.Now().Unix()))

	s.mu.Lock()
	s.stats.Cycles++
	switch all.Status {
	case refresh.AllSuccess:
		s.stats.Successes++
	case refresh.AllPartialSuccess:
		s.stats.Partials++
	default:
		s.stats.Failures++
	}
	s.stats.LastRunAt = s.clock.Now()
	s.stats.LastStatus = all.Status
	s.mu.Unlock()

	if all.Status == refresh.AllSuccess {
		s.log.Info("Refresh cycle completed",
			"status", all.Status, "projections", len(all.Results), "duration", s.clock.Since(started))
	} else {
		s.log.Warn("Refresh cycle completed with failures",
			"status", all.Status, "failed", all.Failures(), "duration", s.clock.Since(started))
	}
	return all
}
