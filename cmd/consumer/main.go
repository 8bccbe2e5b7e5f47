package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/urgent-dispatch/internal/config"
	"github.com/example/urgent-dispatch/internal/dispatch"
	"github.com/example/urgent-dispatch/internal/geo"
	"github.com/example/urgent-dispatch/internal/ingest"
	"github.com/example/urgent-dispatch/internal/logging"
	"github.com/example/urgent-dispatch/internal/matcher"
	"github.com/example/urgent-dispatch/internal/models"
	"github.com/example/urgent-dispatch/internal/notify"
	"github.com/example/urgent-dispatch/internal/realtime"
	"github.com/example/urgent-dispatch/internal/storage"
)

var (
	jobsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_jobs_consumed_total",
		Help: "Total dispatch jobs consumed",
	})
	jobsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_jobs_invalid_total",
		Help: "Total invalid messages received",
	})
	dispatchErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_dispatch_errors_total",
		Help: "Total dispatch executions that failed",
	})
)

func init() {
	prometheus.MustRegister(jobsConsumed, jobsInvalid, dispatchErrors)
}

// Dispatcher is the slice of the orchestrator the consumer needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, requestID string, isRetry bool) error
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		panic(err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	var store storage.Store
	var dir geo.Directory
	var ready func(ctx context.Context) error
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		store, dir, ready = pg, pg, pg.Ping
	} else {
		logger.Warn("PG_DSN not set, using in-memory store")
		mem := storage.NewMemoryStore()
		store, dir = mem, mem
		ready = func(ctx context.Context) error { return nil }
	}

	var cache geo.Cache = geo.NewMemoryCache(cfg.CacheTTL)
	if cfg.RedisAddr != "" {
		cache = geo.NewRedisCache(cfg.RedisAddr, "", cfg.CacheTTL)
	}
	geoIdx := geo.NewIndex(dir, cache, logging.ForComponent(logger, "geo"))

	var notifier dispatch.NotificationGateway
	if cfg.FCMEndpoint != "" {
		notifier = notify.NewFCMGateway(cfg.FCMEndpoint, cfg.FCMKey)
	}

	// retry dispatches go back onto the same topic
	queue := ingest.NewKafkaQueue(cfg.KafkaBrokers, cfg.KafkaTopic)
	defer queue.Close()

	orch := dispatch.NewOrchestrator(dispatch.Config{
		Store: store,
		Matcher: &matcher.Service{
			Geo:              geoIdx,
			MinRating:        cfg.MatcherMinRating,
			MaxCandidates:    cfg.MatcherMaxCandidates,
			DistancePriority: cfg.MatcherDistancePriority,
		},
		Notifier: notifier,
		Realtime: realtime.NewRegistry(logger),
		Queue:    queue,
		Logger:   logging.ForComponent(logger, "dispatch"),
	})

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := ready(r.Context()); err != nil {
				http.Error(w, "store not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(200)
			_, _ = w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer func() { _ = r.Close() }()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		jobsConsumed.Inc()

		if err := processMessage(ctx, orch, m.Value); err != nil {
			logger.Warn("dispatch job failed", "error", err)
		}
	}
}

// processMessage decodes a dispatch job and runs it. Malformed messages
// are counted and skipped, never retried.
func processMessage(ctx context.Context, d Dispatcher, value []byte) error {
	var job models.DispatchJob
	if err := json.Unmarshal(value, &job); err != nil {
		jobsInvalid.Inc()
		return err
	}
	if job.RequestID == "" {
		jobsInvalid.Inc()
		return nil
	}
	if err := d.Dispatch(ctx, job.RequestID, job.Retry); err != nil {
		dispatchErrors.Inc()
		return err
	}
	return nil
}
