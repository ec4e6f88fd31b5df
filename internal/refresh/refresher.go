// Package refresh rebuilds the materialized hierarchy projections. Rebuilds
// prefer the non-blocking concurrent mode and fall back to a locking rebuild
// when the database refuses it, collapse concurrent requests for the same
// projection into one run, and leave an auditable record of every attempt.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alitto/pond/v2"
	influxdb2api "github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/meridianlabs/gazetteer/internal/metrics"
	"github.com/meridianlabs/gazetteer/internal/store"
)

var (
	ErrLoggerRequired = errors.New("logger is required")
	ErrStoreRequired  = errors.New("store is required")
)

const (
	defaultConcurrency     = 2
	defaultRecordRetention = 24 * time.Hour
	defaultRecordLimit     = 4096

	influxMeasurementRefreshRun = "gazetteer_refresh_run"
)

// Strategy names how a projection rebuild was executed.
type Strategy string

const (
	// StrategyConcurrent rebuilds without blocking readers.
	StrategyConcurrent Strategy = "concurrent"
	// StrategyBlocking takes an exclusive lock for the rebuild.
	StrategyBlocking Strategy = "blocking"
)

// ProjectionStore is the slice of the store the refresher drives.
type ProjectionStore interface {
	RefreshMaterializedView(ctx context.Context, name string, concurrently bool) error
}

type Config struct {
	Logger *slog.Logger
	Store  ProjectionStore
	Clock  clockwork.Clock

	// Projections to manage. Defaults to every projection the store
	// defines.
	Projections []string

	// Concurrency bounds how many projections RefreshAll rebuilds in
	// parallel.
	Concurrency int

	// OnRefreshed runs after each successful rebuild. The cache
	// coordinator hooks its invalidation fan-out here.
	OnRefreshed func(ctx context.Context, projection string)

	// Influx, when set, receives one point per completed rebuild. Writes
	// are fire-and-forget; the write API batches internally.
	Influx influxdb2api.WriteAPI

	// RecordRetention and RecordLimit bound the in-memory run history.
	RecordRetention time.Duration
	RecordLimit     int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return ErrLoggerRequired
	}
	if c.Store == nil {
		return ErrStoreRequired
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if len(c.Projections) == 0 {
		c.Projections = store.ProjectionNames()
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.RecordRetention <= 0 {
		c.RecordRetention = defaultRecordRetention
	}
	if c.RecordLimit <= 0 {
		c.RecordLimit = defaultRecordLimit
	}
	return nil
}

// Result is the outcome of one RefreshOne call.
type Result struct {
	Projection string
	Strategy   Strategy
	Success    bool

	// Shared reports that this result was delivered to more than one
	// concurrent caller of the same projection.
	Shared bool

	StartedAt time.Time
	Duration  time.Duration
	Err       error
}

// AllStatus aggregates a RefreshAll cycle.
type AllStatus string

const (
	AllSuccess        AllStatus = "success"
	AllPartialSuccess AllStatus = "partial_success"
	AllFailure        AllStatus = "failure"
)

// AllResult carries the per-projection outcomes of one RefreshAll cycle,
// in registration order.
type AllResult struct {
	Status  AllStatus
	Results []Result
}

func (a AllResult) Successes() int {
	n := 0
	for _, res := range a.Results {
		if res.Success {
			n++
		}
	}
	return n
}

func (a AllResult) Failures() int { return len(a.Results) - a.Successes() }

type Refresher struct {
	log        *slog.Logger
	cfg        Config
	store      ProjectionStore
	clock      clockwork.Clock
	registered map[string]bool

	flight  singleflight.Group
	pool    pond.ResultPool[Result]
	records *recordLog
}

func New(cfg Config) (*Refresher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	registered := make(map[string]bool, len(cfg.Projections))
	for _, name := range cfg.Projections {
		registered[name] = true
	}
	return &Refresher{
		log:        cfg.Logger,
		cfg:        cfg,
		store:      cfg.Store,
		clock:      cfg.Clock,
		registered: registered,
		pool:       pond.NewResultPool[Result](cfg.Concurrency),
		records:    newRecordLog(cfg.Clock, cfg.RecordRetention, cfg.RecordLimit),
	}, nil
}

// Projections lists the registered projection names in rebuild order.
func (r *Refresher) Projections() []string {
	out := make([]string, len(r.cfg.Projections))
	copy(out, r.cfg.Projections)
	return out
}

// RefreshOne rebuilds a single projection. Concurrent calls for the same
// projection collapse onto the in-flight rebuild and receive its result.
// The returned error mirrors Result.Err; an unrecognized name fails with
// store.ErrUnknownProjection before touching the database.
func (r *Refresher) RefreshOne(ctx context.Context, name string) (Result, error) {
	if !r.registered[name] {
		return Result{}, fmt.Errorf("%w: %s", store.ErrUnknownProjection, name)
	}
	v, err, shared := r.flight.Do(name, func() (any, error) {
		res := r.doRefresh(ctx, name)
		return res, res.Err
	})
	res := v.(Result)
	res.Shared = shared
	return res, err
}

// RefreshAll rebuilds every registered projection on the worker pool.
// Failures are isolated per projection and reported through the results,
// so one broken projection never stops the others.
func (r *Refresher) RefreshAll(ctx context.Context) AllResult {
	group := r.pool.NewGroup()
	for _, name := range r.cfg.Projections {
		name := name
		group.SubmitErr(func() (Result, error) {
			res, _ := r.RefreshOne(ctx, name)
			return res, nil
		})
	}
	results, _ := group.Wait()

	all := AllResult{Results: results}
	switch succ := all.Successes(); {
	case succ == len(results):
		all.Status = AllSuccess
	case succ > 0:
		all.Status = AllPartialSuccess
	default:
		all.Status = AllFailure
	}
	return all
}

// Metrics returns the run history matching the filters, newest first, with
// its aggregate summary. A zero limit returns all retained records.
func (r *Refresher) Metrics(limit int, projection string, since time.Time) RunMetrics {
	records := r.records.query(limit, projection, since)
	return RunMetrics{Records: records, Summary: summarize(records)}
}

// Close drains the worker pool. In-flight rebuilds run to completion.
func (r *Refresher) Close() {
	r.pool.StopAndWait()
}

func (r *Refresher) doRefresh(ctx context.Context, name string) Result {
	metrics.RefreshInflight.Inc()
	defer metrics.RefreshInflight.Dec()

	res := Result{
		Projection: name,
		Strategy:   StrategyConcurrent,
		StartedAt:  r.clock.Now(),
	}
	err := r.store.RefreshMaterializedView(ctx, name, true)
	if errors.Is(err, store.ErrConcurrentRefreshUnsupported) {
		r.log.Info("Concurrent refresh unavailable, rebuilding with locks",
			"projection", name, "reason", err)
		res.Strategy = StrategyBlocking
		err = r.store.RefreshMaterializedView(ctx, name, false)
	}
	res.Duration = r.clock.Since(res.StartedAt)
	res.Success = err == nil
	res.Err = err

	outcome := "ok"
	errText := ""
	if err != nil {
		outcome = "error"
		errText = err.Error()
	}
	metrics.RefreshRunsTotal.WithLabelValues(name, string(res.Strategy), outcome).Inc()
	metrics.RefreshDuration.WithLabelValues(name).Observe(res.Duration.Seconds())

	r.records.append(RunRecord{
		Projection: name,
		Strategy:   res.Strategy,
		StartedAt:  res.StartedAt,
		Duration:   res.Duration,
		Success:    res.Success,
		Error:      errText,
	})
	r.writePoint(res)

	if err != nil {
		r.log.Error("Projection refresh failed",
			"projection", name, "strategy", res.Strategy, "duration", res.Duration, "error", err)
		return res
	}
	if r.cfg.OnRefreshed != nil {
		r.cfg.OnRefreshed(ctx, name)
	}
	r.log.Info("Projection refreshed",
		"projection", name, "strategy", res.Strategy, "duration", res.Duration)
	return res
}

func (r *Refresher) writePoint(res Result) {
	if r.cfg.Influx == nil {
		return
	}
	tags := map[string]string{
		"projection": res.Projection,
		"strategy":   string(res.Strategy),
	}
	fields := map[string]any{
		"success":     res.Success,
		"duration_ms": float64(res.Duration.Milliseconds()),
	}
	if res.Err != nil {
		fields["error"] = res.Err.Error()
	}
	point := write.NewPoint(influxMeasurementRefreshRun, tags, fields, res.StartedAt)
	r.cfg.Influx.WritePoint(point)
}
