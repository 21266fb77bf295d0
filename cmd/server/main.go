// Command server runs the VodForge API: chunked upload intake, the
// transcoding pipeline, HLS delivery, and the live event socket in one
// process. With REDIS_URL set the job queue and event broker move to Redis so
// additional workers can join from other processes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"vodforge/internal/api"
	"vodforge/internal/events"
	"vodforge/internal/live"
	"vodforge/internal/media"
	"vodforge/internal/observability/logging"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/server"
	"vodforge/internal/storage"
	"vodforge/internal/transcode"
	"vodforge/internal/upload"
)

const gatewayHeartbeat = 30 * time.Second

func main() {
	// A local .env is a development convenience; absence is the normal case.
	_ = godotenv.Load()

	addr := flag.String("addr", "", "HTTP listen address (overrides ADDR and PORT)")
	storageDir := flag.String("storage-dir", "", "root directory for chunks, uploads, and renditions")
	stateDriver := flag.String("state-driver", "", "state store driver (memory or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string for the durable state store")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresAcquireTimeout := flag.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection")
	redisURL := flag.String("redis-url", "", "Redis URL enabling the brokered queue, event sink, and shared rate limits")
	ffmpegPath := flag.String("ffmpeg", "", "path to the ffmpeg binary")
	publicBaseURL := flag.String("public-base-url", "", "absolute URL prefix recorded on playlist URLs")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	corsOrigins := flag.String("cors-origins", "", "comma separated origins allowed to call the API")
	rateLimitPerMinute := flag.Int("rate-limit-per-minute", 0, "per-IP budget for mutating upload requests (0 disables)")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	trustForwarded := flag.Bool("trust-forwarded-headers", false, "trust proxy-provided client IP headers")
	trustedProxies := flag.String("trusted-proxies", "", "comma separated CIDR blocks or IPs of trusted proxies")
	shutdownTimeout := flag.Duration("shutdown-timeout", 0, "bound on the graceful HTTP drain")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("LOG_FORMAT")),
	})
	recorder := metrics.Default()

	listenAddr := resolveListenAddr(*addr, os.Getenv("ADDR"), os.Getenv("PORT"))
	storageRoot := firstNonEmpty(*storageDir, os.Getenv("STORAGE_DIR"), "./storage")
	layout := media.NewLayout(storageRoot)
	if err := layout.EnsureBase(); err != nil {
		logger.Error("prepare storage root", "root", storageRoot, "error", err)
		os.Exit(1)
	}

	driver, err := resolveStateDriver(*stateDriver, os.Getenv("STATE_DRIVER"))
	if err != nil {
		logger.Error("resolve state driver", "error", err)
		os.Exit(1)
	}
	var (
		store storage.Repository
		pg    *storage.Postgres
	)
	switch driver {
	case "postgres":
		dsn := firstNonEmpty(*postgresDSN, os.Getenv("DATABASE_URL"))
		if dsn == "" {
			logger.Error("postgres state driver selected without DATABASE_URL")
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
		pg, err = storage.NewPostgres(dsn, pgOpts...)
		if err != nil {
			logger.Error("open datastore", "error", err)
			os.Exit(1)
		}
		bootCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = pg.EnsureSchema(bootCtx)
		cancel()
		if err != nil {
			logger.Error("ensure datastore schema", "error", err)
			os.Exit(1)
		}
		store = pg
	default:
		store = storage.NewMemory()
	}

	var (
		redisClient *redis.Client
		queue       transcode.Queue
		sink        *events.RedisSink
	)
	if redisSource := firstNonEmpty(*redisURL, os.Getenv("REDIS_URL")); redisSource != "" {
		opts, err := redis.ParseURL(redisSource)
		if err != nil {
			logger.Error("parse redis url", "error", err)
			os.Exit(1)
		}
		redisClient = redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis not reachable yet", "addr", opts.Addr, "error", err)
		}
		cancel()
		queue = transcode.NewRedisQueue(redisClient)
		sink = events.NewRedisSink(redisClient, "")
	} else {
		queue = transcode.NewMemoryQueue()
	}

	bus := events.NewBus(logging.WithComponent(logger, "events"))
	if sink != nil {
		bus.AddSink(sink)
	}
	gateway := live.NewGateway(live.GatewayConfig{
		Logger:            logging.WithComponent(logger, "gateway"),
		HeartbeatInterval: gatewayHeartbeat,
	})
	unsubscribe := bus.Subscribe(gateway.Notify)

	collector := media.NewCollector(media.CollectorConfig{
		Layout:   layout,
		Sessions: store,
		Logger:   logging.WithComponent(logger, "gc"),
	})
	encoder := transcode.NewFFmpeg(logging.WithComponent(logger, "encoder"))
	if path := firstNonEmpty(*ffmpegPath, os.Getenv("FFMPEG_PATH")); path != "" {
		encoder.Binary = path
	}
	pool := transcode.NewPool(transcode.PoolConfig{
		Queue:         queue,
		Store:         store,
		Encoder:       encoder,
		Bus:           bus,
		Layout:        layout,
		Logger:        logging.WithComponent(logger, "transcode"),
		PublicBaseURL: firstNonEmpty(*publicBaseURL, os.Getenv("PUBLIC_BASE_URL")),
	})
	uploads := upload.NewCoordinator(upload.Config{
		Store:     store,
		Layout:    layout,
		Collector: collector,
		Queue:     queue,
		Bus:       bus,
		Logger:    logging.WithComponent(logger, "upload"),
	})

	handler := api.NewHandler(store, uploads)
	handler.Collector = collector
	handler.Layout = layout
	handler.Queue = queue
	handler.Gateway = gateway
	handler.Logger = logging.WithComponent(logger, "api")
	if sink != nil {
		handler.Broker = sink
	}

	rateCfg := server.RateLimitConfig{
		GlobalRPS:             resolveFloat(*globalRPS, "RATE_GLOBAL_RPS"),
		GlobalBurst:           resolveInt(*globalBurst, "RATE_GLOBAL_BURST"),
		UploadLimit:           resolveInt(*rateLimitPerMinute, "RATE_LIMIT_PER_MINUTE"),
		UploadWindow:          time.Minute,
		TrustForwardedHeaders: resolveBool(*trustForwarded, "TRUST_FORWARDED_HEADERS"),
		TrustedProxies:        splitAndTrim(firstNonEmpty(*trustedProxies, os.Getenv("TRUSTED_PROXIES"))),
	}
	if redisClient != nil {
		rateCfg.RedisClient = redisClient
	}

	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("TLS_CERT_FILE")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("TLS_KEY_FILE")),
		},
		RateLimit:   rateCfg,
		CORS:        server.CORSConfig{AllowedOrigins: splitAndTrim(firstNonEmpty(*corsOrigins, os.Getenv("CORS_ORIGINS")))},
		Logger:      logger,
		AuditLogger: logging.WithComponent(logger, "audit"),
		Metrics:     recorder,
	})
	if err != nil {
		logger.Error("configure server", "error", err)
		os.Exit(1)
	}

	queueMode := "memory"
	if redisClient != nil {
		queueMode = "redis"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	drain := resolveDuration(*shutdownTimeout, "SHUTDOWN_TIMEOUT", 10*time.Second)
	ready := make(chan struct{})
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		collector.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		return pool.Run(groupCtx)
	})
	group.Go(func() error {
		return srv.Run(groupCtx, server.RunOptions{ShutdownTimeout: drain, Ready: ready})
	})
	group.Go(func() error {
		select {
		case <-ready:
			logger.Info("vodforge api listening",
				"addr", listenAddr,
				"state_driver", driver,
				"queue", queueMode,
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
	unsubscribe()
	gateway.Shutdown()
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Warn("close redis client", "error", err)
		}
	}
	if pg != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := pg.Close(closeCtx); err != nil {
			logger.Warn("close datastore", "error", err)
		}
		cancel()
	}
	if waitErr != nil {
		logger.Error("server exited", "error", waitErr)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func resolveListenAddr(flagValue, envAddr, envPort string) string {
	if addr := strings.TrimSpace(flagValue); addr != "" {
		return addr
	}
	if addr := strings.TrimSpace(envAddr); addr != "" {
		return addr
	}
	if port := strings.TrimSpace(envPort); port != "" {
		return ":" + strings.TrimPrefix(port, ":")
	}
	return ":8080"
}

func resolveStateDriver(flagValue, envValue string) (string, error) {
	driver := strings.ToLower(strings.TrimSpace(flagValue))
	if driver == "" {
		driver = strings.ToLower(strings.TrimSpace(envValue))
	}
	switch driver {
	case "", "memory":
		return "memory", nil
	case "postgres":
		return "postgres", nil
	default:
		return "", fmt.Errorf("unsupported state driver %q", driver)
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
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

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
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

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
