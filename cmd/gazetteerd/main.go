package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxdb2api "github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/meridianlabs/gazetteer/internal/cache"
	"github.com/meridianlabs/gazetteer/internal/metrics"
	"github.com/meridianlabs/gazetteer/internal/pool"
	"github.com/meridianlabs/gazetteer/internal/refresh"
	"github.com/meridianlabs/gazetteer/internal/scheduler"
	"github.com/meridianlabs/gazetteer/internal/store"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultHealthAddr      = ":8080"
	defaultMetricsAddr     = ":2112"
	defaultPoolMaxConns    = 10
	defaultRefreshInterval = 5 * time.Minute
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type Config struct {
	ShowVersion bool
	Verbose     bool

	HealthAddr  string
	MetricsAddr string

	PostgresDSN     string
	PoolMaxConns    int32
	RefreshInterval time.Duration
	L1MaxEntries    int
	SharedTTL       time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.ShowVersion {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	log := newLogger(cfg.Verbose)

	// Start prometheus metrics server
	if cfg.MetricsAddr != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", cfg.MetricsAddr)
			if err != nil {
				log.Error("Failed to start prometheus metrics server listener", "error", err)
				os.Exit(1)
			}
			log.Info("Prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("Failed to start prometheus metrics server", "error", err)
				os.Exit(1)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mgr, err := pool.New(ctx, pool.Config{
		Logger:   log,
		DSN:      cfg.PostgresDSN,
		MaxConns: cfg.PoolMaxConns,
	})
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer mgr.Close()

	st, err := store.New(store.Config{Logger: log, Pool: mgr})
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	if err := st.ValidateSchema(ctx); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	var (
		shared cache.SharedCache
		bus    cache.InvalidationBus
	)
	if cfg.RedisAddr != "" {
		rc, err := cache.NewRedis(ctx, &cache.RedisConfig{
			Logger:   log,
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		shared, bus = rc, rc
		log.Info("Shared cache backed by redis", "address", cfg.RedisAddr)
	} else {
		mem := cache.NewMemory()
		shared, bus = mem, mem
		log.Warn("REDIS_ADDR not set, shared cache and invalidation fan-out are process-local")
	}
	defer func() { _ = shared.Close() }()

	coord, err := cache.New(&cache.Config{
		Logger:             log,
		Store:              st,
		Pool:               mgr,
		Shared:             shared,
		Bus:                bus,
		L1MaxEntries:       cfg.L1MaxEntries,
		SharedTTL:          cfg.SharedTTL,
		ResolveConcurrency: int(cfg.PoolMaxConns),
	})
	if err != nil {
		return fmt.Errorf("failed to create cache coordinator: %w", err)
	}
	defer func() { _ = coord.Close() }()

	go func() {
		if err := coord.Run(ctx); err != nil {
			log.Error("Invalidation subscription ended", "error", err)
		}
	}()

	var influxAPI influxdb2api.WriteAPI
	influxEnabled := cfg.InfluxURL != "" && cfg.InfluxToken != "" && cfg.InfluxOrg != "" && cfg.InfluxBucket != ""
	if influxEnabled {
		client := influxdb2.NewClient(cfg.InfluxURL, cfg.InfluxToken)
		defer client.Close()
		influxAPI = client.WriteAPI(cfg.InfluxOrg, cfg.InfluxBucket)
		defer influxAPI.Flush()
	} else {
		log.Warn("Influx env is not fully set, skipping refresh run telemetry")
	}

	refresher, err := refresh.New(refresh.Config{
		Logger:      log,
		Store:       st,
		OnRefreshed: coord.HandleRefreshCompleted,
		Influx:      influxAPI,
	})
	if err != nil {
		return fmt.Errorf("failed to create refresher: %w", err)
	}
	defer refresher.Close()

	sched, err := scheduler.New(scheduler.Config{Logger: log, Runner: refresher})
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	if err := sched.Start(ctx, cfg.RefreshInterval); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer func() {
		if _, err := sched.Stop(); err != nil {
			log.Error("Failed to stop scheduler", "error", err)
		}
	}()

	healthListener, err := net.Listen("tcp", cfg.HealthAddr)
	if err != nil {
		return fmt.Errorf("failed to create health listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		h := coord.Health(r.Context())
		resp := healthResponse{
			Status:    h.Status,
			Cache:     h,
			Scheduler: sched.Stats(),
			Refresh:   refresher.Metrics(0, "", time.Time{}).Summary,
		}
		w.Header().Set("Content-Type", "application/json")
		if h.Status == cache.StatusUnavailable {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Error("Failed to write health response", "error", err)
		}
	})
	srv := &http.Server{Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("Health endpoint listening", "address", healthListener.Addr().String())
	if err := srv.Serve(healthListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server: %w", err)
	}
	log.Info("Context done, shutting down")
	return nil
}

type healthResponse struct {
	Status    cache.Status         `json:"status"`
	Cache     cache.Health         `json:"cache"`
	Scheduler scheduler.CycleStats `json:"scheduler"`
	Refresh   refresh.RunSummary   `json:"refresh"`
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	return i, nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	return d, nil
}

func loadConfig() (Config, error) {
	var cfg Config

	refreshInterval, err := getenvDuration("REFRESH_INTERVAL", defaultRefreshInterval)
	if err != nil {
		return Config{}, err
	}

	flag.BoolVar(&cfg.ShowVersion, "version", false, "show version and exit")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "verbose mode - show debug logs")

	flag.StringVar(&cfg.HealthAddr, "health-addr", getenv("HEALTH_ADDR", defaultHealthAddr), "address to serve the health endpoint on (env: HEALTH_ADDR)")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", getenv("METRICS_ADDR", defaultMetricsAddr), "address to listen on for prometheus metrics (env: METRICS_ADDR)")
	flag.StringVar(&cfg.PostgresDSN, "postgres-dsn", getenv("POSTGRES_DSN", ""), "postgres connection string (env: POSTGRES_DSN)")
	flag.Int32Var(&cfg.PoolMaxConns, "pool-max-conns", defaultPoolMaxConns, "maximum postgres connections")
	flag.DurationVar(&cfg.RefreshInterval, "refresh-interval", refreshInterval, "projection refresh cadence (env: REFRESH_INTERVAL)")
	flag.IntVar(&cfg.L1MaxEntries, "l1-max-entries", 0, "process-local cache entry bound; 0 uses the built-in default")
	flag.DurationVar(&cfg.SharedTTL, "shared-ttl", 0, "shared cache entry TTL; 0 uses the built-in default")

	flag.Parse()

	if cfg.ShowVersion {
		return cfg, nil
	}

	cfg.RedisAddr = getenv("REDIS_ADDR", "")
	cfg.RedisPassword = getenv("REDIS_PASSWORD", "")
	cfg.RedisDB, err = getenvInt("REDIS_DB", 0)
	if err != nil {
		return Config{}, err
	}

	cfg.InfluxURL = getenv("INFLUX_URL", "")
	cfg.InfluxToken = getenv("INFLUX_TOKEN", "")
	cfg.InfluxOrg = getenv("INFLUX_ORG", "")
	cfg.InfluxBucket = getenv("INFLUX_BUCKET", "")

	if cfg.PostgresDSN == "" {
		return Config{}, fmt.Errorf("postgres dsn is empty (set POSTGRES_DSN or --postgres-dsn)")
	}

	return cfg, nil
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				t := a.Value.Time().UTC()
				a.Value = slog.StringValue(formatRFC3339Millis(t))
			}
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}
