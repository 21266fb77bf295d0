// Command worker runs a standalone transcode worker for brokered deployments.
// It consumes jobs from the shared Redis queue, drives the encoder, records
// results in the shared Postgres state store, and publishes lifecycle events
// to the broker channel. A side listener serves /healthz and /metrics so the
// process can be probed independently of the API server.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"vodforge/internal/events"
	"vodforge/internal/media"
	"vodforge/internal/observability/logging"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/serverutil"
	"vodforge/internal/storage"
	"vodforge/internal/transcode"
)

const defaultWorkerAddr = ":9090"

func main() {
	// A local .env is a development convenience; absence is the normal case.
	_ = godotenv.Load()

	addr := flag.String("addr", "", "health and metrics listen address (overrides WORKER_ADDR)")
	storageDir := flag.String("storage-dir", "", "storage root shared with the API server")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string for the shared state store")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresAcquireTimeout := flag.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection")
	redisURL := flag.String("redis-url", "", "Redis URL of the job queue and event broker")
	ffmpegPath := flag.String("ffmpeg", "", "path to the ffmpeg binary")
	publicBaseURL := flag.String("public-base-url", "", "absolute URL prefix recorded on playlist URLs")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	shutdownTimeout := flag.Duration("shutdown-timeout", 0, "bound on the graceful drain of the health listener")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("LOG_FORMAT")),
	})

	listenAddr := firstNonEmpty(*addr, os.Getenv("WORKER_ADDR"), defaultWorkerAddr)
	storageRoot := firstNonEmpty(*storageDir, os.Getenv("STORAGE_DIR"), "./storage")
	layout := media.NewLayout(storageRoot)
	if err := layout.EnsureBase(); err != nil {
		logger.Error("prepare storage root", "root", storageRoot, "error", err)
		os.Exit(1)
	}

	// The worker shares state across processes, so the in-memory driver is
	// not an option: Postgres and Redis are both mandatory here.
	dsn := firstNonEmpty(*postgresDSN, os.Getenv("DATABASE_URL"))
	if dsn == "" {
		logger.Error("worker requires DATABASE_URL for the shared state store")
		os.Exit(1)
	}
	redisSource := firstNonEmpty(*redisURL, os.Getenv("REDIS_URL"))
	if redisSource == "" {
		logger.Error("worker requires REDIS_URL for the job queue")
		os.Exit(1)
	}

	var pgOpts []storage.Option
	maxConns := resolveInt(*postgresMaxConns, "POSTGRES_MAX_CONNS")
	minConns := resolveInt(*postgresMinConns, "POSTGRES_MIN_CONNS")
	if maxConns > 0 || minConns > 0 {
		pgOpts = append(pgOpts, storage.WithPostgresPoolLimits(int32(maxConns), int32(minConns)))
	}
	if timeout := resolveDuration(*postgresAcquireTimeout, "POSTGRES_ACQUIRE_TIMEOUT", 0); timeout > 0 {
		pgOpts = append(pgOpts, storage.WithPostgresAcquireTimeout(timeout))
	}
	pg, err := storage.NewPostgres(dsn, pgOpts...)
	if err != nil {
		logger.Error("open datastore", "error", err)
		os.Exit(1)
	}
	// Schema bootstrap belongs to the API server; the worker only verifies
	// connectivity and lets job processing surface later failures.
	bootCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := pg.Ping(bootCtx); err != nil {
		logger.Warn("datastore not reachable yet", "error", err)
	}
	cancel()

	opts, err := redis.ParseURL(redisSource)
	if err != nil {
		logger.Error("parse redis url", "error", err)
		os.Exit(1)
	}
	redisClient := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis not reachable yet", "addr", opts.Addr, "error", err)
	}
	cancel()

	queue := transcode.NewRedisQueue(redisClient)
	sink := events.NewRedisSink(redisClient, "")
	bus := events.NewBus(logging.WithComponent(logger, "events"))
	bus.AddSink(sink)

	encoder := transcode.NewFFmpeg(logging.WithComponent(logger, "encoder"))
	if path := firstNonEmpty(*ffmpegPath, os.Getenv("FFMPEG_PATH")); path != "" {
		encoder.Binary = path
	}
	pool := transcode.NewPool(transcode.PoolConfig{
		Queue:         queue,
		Store:         pg,
		Encoder:       encoder,
		Bus:           bus,
		Layout:        layout,
		Logger:        logging.WithComponent(logger, "transcode"),
		PublicBaseURL: firstNonEmpty(*publicBaseURL, os.Getenv("PUBLIC_BASE_URL")),
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler(pg, queue, sink, layout))
	mux.Handle("/metrics", metrics.Handler())
	healthSrv := &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	drain := resolveDuration(*shutdownTimeout, "SHUTDOWN_TIMEOUT", 10*time.Second)
	ready := make(chan struct{})
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return pool.Run(groupCtx)
	})
	group.Go(func() error {
		return serverutil.Run(groupCtx, serverutil.Config{Server: healthSrv, ShutdownTimeout: drain, Ready: ready})
	})
	group.Go(func() error {
		select {
		case <-ready:
			logger.Info("vodforge worker consuming queue",
				"addr", listenAddr,
				"redis", opts.Addr,
				"storage_root", storageRoot,
			)
		case <-groupCtx.Done():
		}
		return nil
	})

	waitErr := group.Wait()

	if err := queue.Close(); err != nil {
		logger.Warn("close queue", "error", err)
	}
	if err := redisClient.Close(); err != nil {
		logger.Warn("close redis client", "error", err)
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := pg.Close(closeCtx); err != nil {
		logger.Warn("close datastore", "error", err)
	}
	cancel()
	if waitErr != nil {
		logger.Error("worker exited", "error", waitErr)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}

type pinger interface {
	Ping(ctx context.Context) error
}

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// healthHandler reports the worker's view of its dependencies: the shared
// datastore, the queue, the broker channel, and the storage root it writes
// renditions into. Any degraded component turns the response into a 503.
func healthHandler(store pinger, queue transcode.Queue, broker pinger, layout media.Layout) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", "GET")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		status := "ok"
		code := http.StatusOK
		record := func(component string, err error) componentStatus {
			if err != nil {
				status = "degraded"
				code = http.StatusServiceUnavailable
				return componentStatus{Component: component, Status: "degraded", Error: err.Error()}
			}
			return componentStatus{Component: component, Status: "ok"}
		}

		components := make([]componentStatus, 0, 4)
		components = append(components, record("datastore", store.Ping(r.Context())))
		_, depthErr := queue.Depth(r.Context())
		components = append(components, record("queue", depthErr))
		components = append(components, record("broker", broker.Ping(r.Context())))
		components = append(components, record("storage", storageWritable(layout)))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":     status,
			"components": components,
		})
	}
}

// storageWritable proves the chunk root accepts writes. The probe file keeps
// the temp_ prefix so a crashed probe is reclaimed by the temp-file sweep.
func storageWritable(layout media.Layout) error {
	dir := layout.ChunksDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	probe, err := os.CreateTemp(dir, "temp_probe_*")
	if err != nil {
		return err
	}
	name := probe.Name()
	if err := probe.Close(); err != nil {
		return err
	}
	return os.Remove(name)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return fallback
}
