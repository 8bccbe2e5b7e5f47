package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/example/urgent-dispatch/internal/config"
	"github.com/example/urgent-dispatch/internal/dispatch"
	"github.com/example/urgent-dispatch/internal/geo"
	httpapi "github.com/example/urgent-dispatch/internal/http"
	"github.com/example/urgent-dispatch/internal/ingest"
	"github.com/example/urgent-dispatch/internal/logging"
	"github.com/example/urgent-dispatch/internal/matcher"
	"github.com/example/urgent-dispatch/internal/models"
	"github.com/example/urgent-dispatch/internal/notify"
	"github.com/example/urgent-dispatch/internal/payments"
	"github.com/example/urgent-dispatch/internal/realtime"
	"github.com/example/urgent-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		panic(err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	// storage: postgres when configured, in-memory otherwise
	var store storage.Store
	var dir geo.Directory
	mem := storage.NewMemoryStore()
	store, dir = mem, mem
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		if cfg.RunMigrations {
			schema, err := os.ReadFile(filepath.Join("migrations", "001_init.sql"))
			if err != nil {
				logger.Error("migration read failed", "error", err)
				os.Exit(1)
			}
			if err := pg.Migrate(context.Background(), string(schema)); err != nil {
				logger.Error("migration failed", "error", err)
				os.Exit(1)
			}
			logger.Info("migration applied", "file", "001_init.sql")
		}
		store, dir = pg, pg
	}

	var cache geo.Cache = geo.NewMemoryCache(cfg.CacheTTL)
	if cfg.RedisAddr != "" {
		cache = geo.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.CacheTTL)
	}
	geoIdx := geo.NewIndex(dir, cache, logging.ForComponent(logger, "geo"))

	m := &matcher.Service{
		Geo:              geoIdx,
		MinRating:        cfg.MatcherMinRating,
		MaxCandidates:    cfg.MatcherMaxCandidates,
		DistancePriority: cfg.MatcherDistancePriority,
	}

	wsreg := realtime.NewRegistry(logging.ForComponent(logger, "realtime"))

	var notifier dispatch.NotificationGateway
	if cfg.FCMEndpoint != "" {
		notifier = notify.NewFCMGateway(cfg.FCMEndpoint, cfg.FCMKey)
	}

	var payer dispatch.PaymentGateway
	if cfg.StripeAPIKey != "" {
		payer = payments.NewStripeGateway(cfg.StripeAPIKey, cfg.StripeCurrency)
	}

	// dispatch jobs go through kafka when brokers are configured; the
	// in-process queue keeps local runs working without a broker
	var queue dispatch.Queue
	goq := &ingest.GoQueue{Logger: logger}
	if len(cfg.KafkaBrokers) > 0 {
		kq := ingest.NewKafkaQueue(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kq.Close()
		queue = kq
	} else {
		queue = goq
	}

	orch := dispatch.NewOrchestrator(dispatch.Config{
		Store:           store,
		Matcher:         m,
		Notifier:        notifier,
		Realtime:        wsreg,
		Queue:           queue,
		Payments:        payer,
		Logger:          logging.ForComponent(logger, "dispatch"),
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		DefaultMinPrice: cfg.DefaultMinPrice,
	})
	goq.Handler = func(ctx context.Context, job models.DispatchJob) { orch.HandleJob(ctx, job) }

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(orch, geoIdx, wsreg, logging.ForComponent(logger, "http")),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("urgent-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}
