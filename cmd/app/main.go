package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Harvey-AU/blue-banded-bus/internal/bus"
	"github.com/Harvey-AU/blue-banded-bus/internal/db"
	"github.com/Harvey-AU/blue-banded-bus/internal/notifications"
	"github.com/Harvey-AU/blue-banded-bus/internal/observability"
	"github.com/Harvey-AU/blue-banded-bus/internal/process"
	"github.com/Harvey-AU/blue-banded-bus/internal/worker"
	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Config holds the runner's environment-derived settings
type Config struct {
	Port                 string
	Env                  string
	SentryDSN            string
	LogLevel             string
	Domains              []string
	WorkerConcurrency    int
	WorkerBatchSize      int
	VisibilityTimeout    time.Duration
	DispatchRate         float64
	ArchiveRetention     time.Duration
	ObservabilityEnabled bool
	MetricsAddr          string
	OTLPEndpoint         string
	OTLPHeaders          string
	OTLPInsecure         bool
}

func main() {
	// Load .env files - .env.local takes priority for development
	godotenv.Load(".env.local", ".env")

	config := &Config{
		Port:                 getEnvWithDefault("PORT", "8080"),
		Env:                  getEnvWithDefault("APP_ENV", "development"),
		SentryDSN:            os.Getenv("SENTRY_DSN"),
		LogLevel:             getEnvWithDefault("LOG_LEVEL", "info"),
		Domains:              splitDomains(getEnvWithDefault("BUS_DOMAINS", "default")),
		WorkerConcurrency:    getEnvInt("WORKER_CONCURRENCY", 5),
		WorkerBatchSize:      getEnvInt("WORKER_BATCH_SIZE", 10),
		VisibilityTimeout:    time.Duration(getEnvInt("VISIBILITY_TIMEOUT_SECONDS", 30)) * time.Second,
		DispatchRate:         float64(getEnvInt("DISPATCH_RATE_PER_SECOND", 0)),
		ArchiveRetention:     time.Duration(getEnvInt("ARCHIVE_RETENTION_HOURS", 168)) * time.Hour,
		ObservabilityEnabled: getEnvWithDefault("OBSERVABILITY_ENABLED", "true") == "true",
		MetricsAddr:          getEnvWithDefault("METRICS_ADDR", ":9464"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPHeaders:          os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"),
		OTLPInsecure:         getEnvWithDefault("OTEL_EXPORTER_OTLP_INSECURE", "false") == "true",
	}

	setupLogging(config)

	// Initialise Sentry for error tracking and performance monitoring
	if config.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.SentryDSN,
			Environment: config.Env,
			TracesSampleRate: func() float64 {
				if config.Env == "production" {
					return 0.1 // 10% sampling in production
				}
				return 1.0 // 100% sampling in development
			}(),
			AttachStacktrace: true,
			Debug:            config.Env == "development",
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise Sentry")
		} else {
			log.Info().Str("environment", config.Env).Msg("Sentry initialised successfully")
			defer sentry.Flush(2 * time.Second)
		}
	} else {
		log.Warn().Msg("Sentry DSN not configured, error tracking disabled")
	}

	var (
		obsProviders *observability.Providers
		metricsSrv   *http.Server
		err          error
	)

	if config.ObservabilityEnabled {
		obsProviders, err = observability.Init(context.Background(), observability.Config{
			Enabled:        true,
			ServiceName:    "blue-banded-bus",
			Environment:    config.Env,
			OTLPEndpoint:   strings.TrimSpace(config.OTLPEndpoint),
			OTLPHeaders:    parseOTLPHeaders(config.OTLPHeaders),
			OTLPInsecure:   config.OTLPInsecure,
			MetricsAddress: config.MetricsAddr,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise observability providers")
		} else if obsProviders != nil {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := obsProviders.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("Failed to flush telemetry providers cleanly")
				}
			}()

			if obsProviders.MetricsHandler != nil && config.MetricsAddr != "" {
				metricsSrv = &http.Server{
					Addr:              config.MetricsAddr,
					Handler:           obsProviders.MetricsHandler,
					ReadHeaderTimeout: 5 * time.Second,
				}

				go func() {
					log.Info().Str("addr", config.MetricsAddr).Msg("Metrics server listening")
					if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						sentry.CaptureException(err)
						log.Error().Err(err).Msg("Metrics server failed")
					}
				}()

				defer func() {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := metricsSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Warn().Err(err).Msg("Graceful shutdown of metrics server failed")
					}
				}()
			}
		}
	}

	// Connect to PostgreSQL; schema and stored procedures are created on the way
	pgDB, err := db.InitFromEnvWithRetry(context.Background())
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL database")
	}
	defer pgDB.Close()

	commandBus := bus.NewBus(pgDB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, domain := range config.Domains {
		if err := commandBus.EnsureQueues(ctx, domain); err != nil {
			log.Fatal().Err(err).Str("domain", domain).Msg("Failed to create queues")
		}
	}

	alerter := notifications.NewSlackAlerterFromEnv()
	metrics := observability.NewCommandMetrics()

	if alerter != nil {
		commandBus.OnBatchTerminal(func(domain, batchID string) {
			batch, err := commandBus.GetBatch(context.Background(), domain, batchID)
			if err != nil {
				log.Warn().Err(err).
					Str("domain", domain).
					Str("batch_id", batchID).
					Msg("Failed to load batch counters for alert")
			}
			alerter.BatchTerminal(domain, batchID, batch)
		})
	}

	// Handlers and process managers are registered by the embedding service;
	// the runner provides the registries and the dispatch machinery.
	handlers := worker.NewRegistry()
	managers := process.NewRegistry()
	registerHandlers(handlers)
	registerManagers(managers)

	runtime := process.NewRuntime(commandBus, managers)

	newWorker := func(domain string) *worker.Worker {
		w := worker.NewWorker(commandBus, handlers, worker.DefaultRetryPolicy(), worker.Config{
			Domain:            domain,
			Concurrency:       int64(config.WorkerConcurrency),
			BatchSize:         config.WorkerBatchSize,
			VisibilityTimeout: config.VisibilityTimeout,
			DispatchRate:      rate.Limit(config.DispatchRate),
		})
		w.SetMetrics(metrics)
		return w
	}

	var workers []*worker.Worker
	var routers []*process.Router
	for _, domain := range config.Domains {
		w := newWorker(domain)
		w.Start(ctx)
		workers = append(workers, w)

		r := process.NewRouter(runtime, process.RouterConfig{
			Domain:            domain,
			VisibilityTimeout: config.VisibilityTimeout,
		})
		r.Start(ctx)
		routers = append(routers, r)
	}

	var alerterIface worker.Alerter
	if alerter != nil {
		alerterIface = alerter
	}
	// The watchdog owns the worker set from here on; restarts swap workers
	// inside it rather than mutating the slice above
	watchdog := worker.NewWatchdog(workers, func(ctx context.Context, domain string) (*worker.Worker, error) {
		replacement := newWorker(domain)
		replacement.Start(ctx)
		return replacement, nil
	}, alerterIface, 30*time.Second)
	watchdog.Start(ctx)
	defer watchdog.Stop()

	go runArchiveSweeper(ctx, commandBus, config.Domains, config.ArchiveRetention)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := watchdog.Status()
		code := http.StatusOK
		for _, snapshot := range status {
			if snapshot.State == worker.HealthCritical {
				code = http.StatusServiceUnavailable
				break
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(status)
	})

	server := &http.Server{
		Addr:    ":" + config.Port,
		Handler: observability.WrapHandler(mux, obsProviders),
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		<-stop
		log.Info().Msg("Shutting down...")

		// Stop consumers before cancelling the shared context so in-flight
		// outcome transactions can finish instead of being aborted. The
		// watchdog goes first so no restart races the drain.
		for _, r := range routers {
			r.Stop()
		}
		watchdog.Stop()
		watchdog.StopWorkers()
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			sentry.CaptureException(err)
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		close(done)
	}()

	log.Info().
		Str("port", config.Port).
		Strs("domains", config.Domains).
		Msg("Command bus ready")

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Server error")
	}

	<-done
	log.Info().Msg("Stopped")
}

// runArchiveSweeper periodically purges archived queue messages past the
// retention window
func runArchiveSweeper(ctx context.Context, commandBus *bus.Bus, domains []string, retention time.Duration) {
	if retention <= 0 {
		return
	}

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, domain := range domains {
				for _, queue := range []string{bus.CommandQueueName(domain), bus.ReplyQueueName(domain)} {
					if _, err := commandBus.Queue().PurgeArchive(ctx, queue, retention); err != nil {
						log.Warn().Err(err).Str("queue", queue).Msg("Archive purge failed")
					}
				}
			}
		}
	}
}

func splitDomains(raw string) []string {
	var domains []string
	for _, d := range strings.Split(raw, ",") {
		d = strings.TrimSpace(d)
		if d != "" {
			domains = append(domains, d)
		}
	}
	return domains
}

// getEnvWithDefault retrieves an environment variable or returns a default value if not set
func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt retrieves an environment variable as an integer or returns a default value if not set or invalid
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var result int
	if _, err := fmt.Sscanf(value, "%d", &result); err != nil {
		log.Warn().
			Str("key", key).
			Str("value", value).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
		return defaultValue
	}

	return result
}

func parseOTLPHeaders(raw string) map[string]string {
	headers := make(map[string]string)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return headers
	}

	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}

		headers[key] = value
	}

	return headers
}

// setupLogging configures the logging system
func setupLogging(config *Config) {
	level, err := zerolog.ParseLevel(config.LogLevel)
	if err != nil {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)

	// Use console writer in development
	if config.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Str("service", "blue-banded-bus").
			Logger()
	}
}
