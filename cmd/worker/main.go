package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"streamforge/internal/media"
	"streamforge/internal/notify"
	"streamforge/internal/observability/logging"
	"streamforge/internal/observability/metrics"
	"streamforge/internal/pipeline"
	"streamforge/internal/queue"
	"streamforge/internal/runner"
	"streamforge/internal/storage"
)

func main() {
	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := flag.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresConnectTimeout := flag.Duration("postgres-connect-timeout", 0, "timeout when opening a Postgres connection")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	queueDriver := flag.String("queue-driver", "", "job queue driver (memory or redis)")
	redisAddr := flag.String("queue-redis-addr", "", "Redis address for the job queue")
	redisAddrs := flag.String("queue-redis-addrs", "", "comma separated Redis addresses for the job queue")
	redisUsername := flag.String("queue-redis-username", "", "Redis username for the job queue")
	redisPassword := flag.String("queue-redis-password", "", "Redis password for the job queue")
	redisKey := flag.String("queue-redis-key", "", "Redis sorted set key holding queued jobs")
	redisMasterName := flag.String("queue-redis-sentinel-master", "", "Redis sentinel master name for the job queue")
	redisPoolSize := flag.Int("queue-redis-pool-size", 0, "maximum Redis connections for the job queue")
	redisTLSCA := flag.String("queue-redis-tls-ca", "", "path to Redis TLS CA certificate")
	redisTLSCert := flag.String("queue-redis-tls-cert", "", "path to Redis TLS client certificate")
	redisTLSKey := flag.String("queue-redis-tls-key", "", "path to Redis TLS client key")
	redisTLSServerName := flag.String("queue-redis-tls-server-name", "", "override Redis TLS server name")
	redisTLSSkipVerify := flag.Bool("queue-redis-tls-skip-verify", false, "skip Redis TLS verification")
	mediaRoot := flag.String("media-root", "", "directory generated assets are written beneath")
	publicBase := flag.String("public-base", "", "public URL prefix for generated assets")
	segmentSeconds := flag.Int("segment-seconds", 0, "HLS segment duration in seconds")
	ffmpegPath := flag.String("ffmpeg", "", "path to the ffmpeg binary")
	ffprobePath := flag.String("ffprobe", "", "path to the ffprobe binary")
	maxEncodes := flag.Int("max-encodes", 0, "maximum concurrent encoder subprocesses")
	workers := flag.Int("workers", 0, "number of queue workers")
	maxAttempts := flag.Int("max-attempts", 0, "maximum processing attempts per video")
	attemptTimeout := flag.Duration("attempt-timeout", 0, "timeout for a single processing attempt")
	backoffFlag := flag.String("backoff", "", "comma separated retry delays (e.g. 60s,300s,600s)")
	protectionProvider := flag.String("protection-provider", "", "default content protection provider")
	protectionSecret := flag.String("protection-secret", "", "secret for the localkey protection provider")
	licenseServer := flag.String("license-server", "", "license server endpoint for commercial DRM providers")
	subtitlesEnabled := flag.Bool("subtitles", false, "enable subtitle generation")
	notifyWebhook := flag.String("notify-webhook", "", "webhook URL for terminal failure notifications")
	metricsAddr := flag.String("metrics-addr", "", "listen address for the metrics and health endpoints")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("STREAMFORGE_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("STREAMFORGE_LOG_FORMAT")),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := openRepository(ctx, repositoryOptions{
		driver:          firstNonEmpty(*storageDriver, os.Getenv("STREAMFORGE_STORAGE_DRIVER")),
		dataPath:        firstNonEmpty(*dataPath, os.Getenv("STREAMFORGE_DATA")),
		dsn:             firstNonEmpty(*postgresDSN, os.Getenv("STREAMFORGE_POSTGRES_DSN")),
		maxConns:        resolveInt(*postgresMaxConns, "STREAMFORGE_POSTGRES_MAX_CONNS"),
		minConns:        resolveInt(*postgresMinConns, "STREAMFORGE_POSTGRES_MIN_CONNS"),
		maxConnLifetime: resolveDuration(*postgresMaxConnLifetime, "STREAMFORGE_POSTGRES_MAX_CONN_LIFETIME", 0),
		maxConnIdle:     resolveDuration(*postgresMaxConnIdle, "STREAMFORGE_POSTGRES_MAX_CONN_IDLE", 0),
		healthInterval:  resolveDuration(*postgresHealthInterval, "STREAMFORGE_POSTGRES_HEALTH_INTERVAL", 0),
		connectTimeout:  resolveDuration(*postgresConnectTimeout, "STREAMFORGE_POSTGRES_CONNECT_TIMEOUT", 0),
		appName:         firstNonEmpty(*postgresAppName, os.Getenv("STREAMFORGE_POSTGRES_APP_NAME")),
	})
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := repo.Close(closeCtx); err != nil {
			logger.Warn("datastore close failed", "error", err)
		}
	}()

	jobQueue, err := configureQueue(queueOptions{
		driver:        firstNonEmpty(*queueDriver, os.Getenv("STREAMFORGE_QUEUE_DRIVER")),
		addr:          firstNonEmpty(*redisAddr, os.Getenv("STREAMFORGE_QUEUE_REDIS_ADDR")),
		addrs:         splitAndTrim(firstNonEmpty(*redisAddrs, os.Getenv("STREAMFORGE_QUEUE_REDIS_ADDRS"))),
		username:      firstNonEmpty(*redisUsername, os.Getenv("STREAMFORGE_QUEUE_REDIS_USERNAME")),
		password:      firstNonEmpty(*redisPassword, os.Getenv("STREAMFORGE_QUEUE_REDIS_PASSWORD")),
		key:           firstNonEmpty(*redisKey, os.Getenv("STREAMFORGE_QUEUE_REDIS_KEY")),
		masterName:    firstNonEmpty(*redisMasterName, os.Getenv("STREAMFORGE_QUEUE_REDIS_SENTINEL_MASTER")),
		poolSize:      resolveInt(*redisPoolSize, "STREAMFORGE_QUEUE_REDIS_POOL_SIZE"),
		tlsCA:         firstNonEmpty(*redisTLSCA, os.Getenv("STREAMFORGE_QUEUE_REDIS_TLS_CA")),
		tlsCert:       firstNonEmpty(*redisTLSCert, os.Getenv("STREAMFORGE_QUEUE_REDIS_TLS_CERT")),
		tlsKey:        firstNonEmpty(*redisTLSKey, os.Getenv("STREAMFORGE_QUEUE_REDIS_TLS_KEY")),
		tlsServerName: firstNonEmpty(*redisTLSServerName, os.Getenv("STREAMFORGE_QUEUE_REDIS_TLS_SERVER_NAME")),
		tlsSkipVerify: resolveBool(*redisTLSSkipVerify, "STREAMFORGE_QUEUE_REDIS_TLS_SKIP_VERIFY"),
		logger:        logger,
	})
	if err != nil {
		logger.Error("failed to configure job queue", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := jobQueue.Close(); err != nil {
			logger.Warn("queue close failed", "error", err)
		}
	}()

	gateway := media.NewFFmpeg(media.FFmpegConfig{
		FFmpegPath:   firstNonEmpty(*ffmpegPath, os.Getenv("STREAMFORGE_FFMPEG")),
		FFprobePath:  firstNonEmpty(*ffprobePath, os.Getenv("STREAMFORGE_FFPROBE")),
		MaxProcesses: int64(resolveInt(*maxEncodes, "STREAMFORGE_MAX_ENCODES")),
		Logger:       logging.WithComponent(logger, "media"),
	})

	protection, err := configureProtection(
		firstNonEmpty(*protectionProvider, os.Getenv("STREAMFORGE_PROTECTION_PROVIDER")),
		firstNonEmpty(*protectionSecret, os.Getenv("STREAMFORGE_PROTECTION_SECRET")),
		firstNonEmpty(*licenseServer, os.Getenv("STREAMFORGE_LICENSE_SERVER")),
	)
	if err != nil {
		logger.Error("failed to configure content protection", "error", err)
		os.Exit(1)
	}

	var transcriber pipeline.TranscriptionProvider
	if resolveBool(*subtitlesEnabled, "STREAMFORGE_SUBTITLES") {
		transcriber = pipeline.StaticTranscriber{}
	}

	layout := pipeline.Layout{
		Root:       firstNonEmpty(*mediaRoot, os.Getenv("STREAMFORGE_MEDIA_ROOT"), "./media"),
		PublicBase: firstNonEmpty(*publicBase, os.Getenv("STREAMFORGE_PUBLIC_BASE"), "/media"),
	}
	orchestrator, err := pipeline.NewOrchestrator(pipeline.OrchestratorConfig{
		Repository:     repo,
		Gateway:        gateway,
		Layout:         layout,
		SegmentSeconds: resolveInt(*segmentSeconds, "STREAMFORGE_SEGMENT_SECONDS"),
		Protection:     protection,
		Transcriber:    transcriber,
		Logger:         logger,
	})
	if err != nil {
		logger.Error("failed to build orchestrator", "error", err)
		os.Exit(1)
	}

	notifier, err := configureNotifier(firstNonEmpty(*notifyWebhook, os.Getenv("STREAMFORGE_NOTIFY_WEBHOOK")), logger)
	if err != nil {
		logger.Error("failed to configure notifier", "error", err)
		os.Exit(1)
	}

	backoff, err := parseBackoff(firstNonEmpty(*backoffFlag, os.Getenv("STREAMFORGE_BACKOFF")))
	if err != nil {
		logger.Error("invalid backoff schedule", "error", err)
		os.Exit(1)
	}

	jobRunner, err := runner.New(runner.Config{
		Repository:     repo,
		Queue:          jobQueue,
		Processor:      orchestrator,
		Notifier:       notifier,
		Workers:        resolveInt(*workers, "STREAMFORGE_WORKERS"),
		MaxAttempts:    resolveInt(*maxAttempts, "STREAMFORGE_MAX_ATTEMPTS"),
		AttemptTimeout: resolveDuration(*attemptTimeout, "STREAMFORGE_ATTEMPT_TIMEOUT", 0),
		Backoff:        backoff,
		Logger:         logger,
	})
	if err != nil {
		logger.Error("failed to build runner", "error", err)
		os.Exit(1)
	}

	var opsServer *http.Server
	if addr := firstNonEmpty(*metricsAddr, os.Getenv("STREAMFORGE_METRICS_ADDR")); addr != "" {
		opsServer = newOpsServer(addr, repo)
		go func() {
			logger.Info("ops endpoints listening", "addr", addr)
			if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("ops server failed", "error", err)
			}
		}()
	}

	jobRunner.Start()
	logger.Info("worker started", "media_root", layout.Root)

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := jobRunner.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	if opsServer != nil {
		if err := opsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("ops server shutdown failed", "error", err)
		}
	}
	logger.Info("worker stopped")
}

// newOpsServer exposes Prometheus metrics and a datastore-backed health check.
func newOpsServer(addr string, repo storage.Repository) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := repo.Ping(r.Context()); err != nil {
			http.Error(w, "datastore unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	return &http.Server{
		Addr:              addr,
		Handler:           metrics.HTTPMiddleware(nil, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

type repositoryOptions struct {
	driver          string
	dataPath        string
	dsn             string
	maxConns        int
	minConns        int
	maxConnLifetime time.Duration
	maxConnIdle     time.Duration
	healthInterval  time.Duration
	connectTimeout  time.Duration
	appName         string
}

func openRepository(ctx context.Context, opts repositoryOptions) (storage.Repository, error) {
	switch strings.ToLower(strings.TrimSpace(opts.driver)) {
	case "", "json":
		path := opts.dataPath
		if path == "" {
			path = "./data/streamforge.json"
		}
		store, err := storage.NewStorage(path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "postgres":
		return storage.NewPostgresRepository(ctx, storage.PostgresConfig{
			DSN:                 opts.dsn,
			MaxConnections:      int32(opts.maxConns),
			MinConnections:      int32(opts.minConns),
			MaxConnLifetime:     opts.maxConnLifetime,
			MaxConnIdleTime:     opts.maxConnIdle,
			HealthCheckInterval: opts.healthInterval,
			ConnectTimeout:      opts.connectTimeout,
			ApplicationName:     opts.appName,
		})
	default:
		return nil, fmt.Errorf("unknown storage driver %q", opts.driver)
	}
}

type queueOptions struct {
	driver        string
	addr          string
	addrs         []string
	username      string
	password      string
	key           string
	masterName    string
	poolSize      int
	tlsCA         string
	tlsCert       string
	tlsKey        string
	tlsServerName string
	tlsSkipVerify bool
	logger        *slog.Logger
}

func configureQueue(opts queueOptions) (queue.Queue, error) {
	switch strings.ToLower(strings.TrimSpace(opts.driver)) {
	case "", "memory":
		return queue.NewMemoryQueue(), nil
	case "redis":
		redisQueue, err := queue.NewRedisQueue(queue.RedisQueueConfig{
			Addr:       opts.addr,
			Addrs:      opts.addrs,
			Username:   opts.username,
			Password:   opts.password,
			Key:        opts.key,
			MasterName: opts.masterName,
			PoolSize:   opts.poolSize,
			Logger:     logging.WithComponent(opts.logger, "queue"),
			TLS: queue.RedisTLSConfig{
				CAFile:             opts.tlsCA,
				CertFile:           opts.tlsCert,
				KeyFile:            opts.tlsKey,
				ServerName:         opts.tlsServerName,
				InsecureSkipVerify: opts.tlsSkipVerify,
			},
		})
		if err != nil {
			return nil, err
		}
		return redisQueue, nil
	default:
		return nil, fmt.Errorf("unknown queue driver %q", opts.driver)
	}
}

func configureProtection(provider, secret, licenseServer string) (pipeline.ProtectionProvider, error) {
	pipeline.ConfigureLicensedProviders(licenseServer)
	if secret != "" {
		localKey, err := pipeline.NewLocalKeyProvider(secret)
		if err != nil {
			return nil, err
		}
		pipeline.RegisterProtectionProvider(localKey)
	}
	if provider == "" {
		return nil, nil
	}
	return pipeline.ProtectionProviderByName(provider)
}

func configureNotifier(webhookURL string, logger *slog.Logger) (notify.Notifier, error) {
	logNotifier := notify.NewLogNotifier(logger)
	if webhookURL == "" {
		return logNotifier, nil
	}
	webhook, err := notify.NewWebhookNotifier(webhookURL, nil)
	if err != nil {
		return nil, err
	}
	return notify.Fanout{logNotifier, webhook}, nil
}

func parseBackoff(raw string) ([]time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	backoff := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		duration, err := time.ParseDuration(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("parse backoff entry %q: %w", part, err)
		}
		backoff = append(backoff, duration)
	}
	return backoff, nil
}

func splitAndTrim(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
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
