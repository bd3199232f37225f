package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/example/taxi-dispatch/internal/config"
	"github.com/example/taxi-dispatch/internal/dispatch"
	httpapi "github.com/example/taxi-dispatch/internal/http"
	"github.com/example/taxi-dispatch/internal/ingest"
	"github.com/example/taxi-dispatch/internal/lifecycle"
	"github.com/example/taxi-dispatch/internal/logging"
	"github.com/example/taxi-dispatch/internal/matcher"
	"github.com/example/taxi-dispatch/internal/payments"
	"github.com/example/taxi-dispatch/internal/registry"
	"github.com/example/taxi-dispatch/internal/storage"
	"github.com/example/taxi-dispatch/internal/tracker"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		logging.NewLogger("info").Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	if cfg.PGDSN != "" && cfg.RunMigrations {
		if err := runMigrations(cfg.PGDSN); err != nil {
			logger.Error("migration failed", "error", err)
			os.Exit(1)
		}
		logger.Info("migrations applied")
	}

	var store storage.Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		store = ps
		logger.Info("using postgres store")
	} else {
		store = storage.NewMemoryStore()
		logger.Warn("PG_DSN not set, using in-memory store")
	}

	wsreg := dispatch.NewRegistry()

	trk := tracker.New(cfg.Tracker, store, logger).WithBroadcaster(wsreg)
	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		trk.WithPublisher(producer)
		logger.Info("publishing location pings", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers)
	}

	// The Redis geo index serves matching when configured; otherwise
	// candidate search runs off the in-process cache. Without a Kafka
	// pipeline to feed the index, the tracker writes it directly.
	var candidates matcher.CandidateSource = trk
	if cfg.RedisAddr != "" {
		idx := tracker.NewRedisIndex(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey, cfg.Tracker)
		candidates = idx
		if len(cfg.KafkaBrokers) == 0 {
			trk.WithIndexer(idx)
		}
		logger.Info("using redis geo index", "addr", cfg.RedisAddr, "key", cfg.RedisGeoKey)
	}

	match := matcher.New(candidates, store, cfg.Matcher, logger).WithOfferer(wsreg)

	lc := lifecycle.New(store, logger)
	if cfg.StripeAPIKey != "" {
		lc.WithPayments(payments.NewStripeClient(cfg.StripeAPIKey), os.Getenv("FARE_CURRENCY"))
		logger.Info("stripe payments enabled")
	}

	reg := registry.NewService(store, logger)

	srv := httpapi.NewServer(reg, trk, match, lc, wsreg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go trk.StartSweeper(ctx)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("taxi-dispatch listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	if producer != nil {
		if err := producer.Close(); err != nil {
			logger.Warn("kafka producer close failed", "error", err)
		}
	}
}

func runMigrations(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_init.sql"))
	if err != nil {
		return err
	}
	_, err = db.Exec(string(b))
	return err
}
