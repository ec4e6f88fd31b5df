package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/meridianlabs/gazetteer/internal/metrics"
)

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	AcquiredConns int32   `json:"acquired_conns"`
	IdleConns     int32   `json:"idle_conns"`
	TotalConns    int32   `json:"total_conns"`
	MaxConns      int32   `json:"max_conns"`
	Utilization   float64 `json:"utilization"`
}

// Manager wraps a pgx connection pool with bounded acquisition, periodic
// health probes, and saturation warnings.
type Manager struct {
	log   *slog.Logger
	cfg   Config
	clock clockwork.Clock
	pool  *pgxpool.Pool

	healthy   atomic.Bool
	saturated atomic.Bool
}

func New(ctx context.Context, cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime

	pgPool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ProbeTimeout)
	defer cancel()
	if err := pgPool.Ping(pingCtx); err != nil {
		pgPool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	m := &Manager{
		log:   cfg.Logger,
		cfg:   cfg,
		clock: cfg.Clock,
		pool:  pgPool,
	}
	m.healthy.Store(true)
	metrics.PoolHealthy.Set(1)
	return m, nil
}

// Acquire checks out one connection, waiting at most the configured acquire
// timeout. Exhaustion returns ErrPoolExhausted; cancellation of ctx is
// passed through unchanged. The caller must Release the connection.
func (m *Manager) Acquire(ctx context.Context) (*pgxpool.Conn, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, m.cfg.AcquireTimeout)
	defer cancel()

	conn, err := m.pool.Acquire(acquireCtx)
	if err != nil {
		if ctx.Err() != nil {
			metrics.PoolAcquiresTotal.WithLabelValues("canceled").Inc()
			return nil, fmt.Errorf("acquire connection: %w", ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) {
			metrics.PoolAcquiresTotal.WithLabelValues("exhausted").Inc()
			m.observeUtilization()
			return nil, fmt.Errorf("%w: no connection available within %s", ErrPoolExhausted, m.cfg.AcquireTimeout)
		}
		metrics.PoolAcquiresTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	metrics.PoolAcquiresTotal.WithLabelValues("ok").Inc()
	m.observeUtilization()
	return conn, nil
}

// WithConn runs fn with an acquired connection and releases it afterwards.
func (m *Manager) WithConn(ctx context.Context, fn func(conn *pgxpool.Conn) error) error {
	conn, err := m.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	return fn(conn)
}

// Retry runs op with the manager's transient-error retry policy.
func (m *Manager) Retry(ctx context.Context, opName string, op func(context.Context) error) error {
	return RetryTransient(ctx, m.log, m.cfg.Retry, opName, op)
}

// Run executes the periodic health probe loop until ctx is canceled.
func (m *Manager) Run(ctx context.Context) error {
	m.log.Info("Starting pool health probes", "interval", m.cfg.ProbeInterval, "maxConns", m.cfg.MaxConns)

	ticker := m.clock.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info("Pool probe loop stopped by context", "error", ctx.Err())
			return nil
		case <-ticker.Chan():
			m.probe(ctx)
		}
	}
}

func (m *Manager) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	err := m.pool.Ping(probeCtx)
	was := m.healthy.Swap(err == nil)
	if err != nil {
		metrics.PoolHealthy.Set(0)
		metrics.PoolProbeFailuresTotal.Inc()
		if was {
			m.log.Warn("Pool health probe failed", "error", err)
		} else {
			m.log.Debug("Pool health probe still failing", "error", err)
		}
	} else {
		metrics.PoolHealthy.Set(1)
		if !was {
			m.log.Info("Pool health restored")
		}
	}
	m.observeUtilization()
}

func (m *Manager) observeUtilization() {
	stats := m.Stats()
	metrics.PoolUtilization.Set(stats.Utilization)

	if stats.Utilization >= m.cfg.SaturationThreshold {
		if !m.saturated.Swap(true) {
			metrics.PoolSaturationWarnsTotal.Inc()
			m.log.Warn("Pool nearing saturation",
				"acquired", stats.AcquiredConns,
				"max", stats.MaxConns,
				"utilization", fmt.Sprintf("%.2f", stats.Utilization),
			)
		}
	} else {
		m.saturated.Store(false)
	}
}

// Healthy reports the result of the most recent health probe.
func (m *Manager) Healthy() bool { return m.healthy.Load() }

func (m *Manager) Stats() Stats {
	s := m.pool.Stat()
	out := Stats{
		AcquiredConns: s.AcquiredConns(),
		IdleConns:     s.IdleConns(),
		TotalConns:    s.TotalConns(),
		MaxConns:      s.MaxConns(),
	}
	if out.MaxConns > 0 {
		out.Utilization = float64(out.AcquiredConns) / float64(out.MaxConns)
	}
	return out
}

func (m *Manager) Close() {
	m.pool.Close()
}
