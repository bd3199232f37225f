// The consumer drains driver location pings from Kafka and maintains the
// Redis geo index the matching engine searches. Running it out of process
// keeps the API latency path free of Redis round-trips.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/taxi-dispatch/internal/logging"
	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis index updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors)
}

func main() {
	_ = godotenv.Load()

	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	logger := logging.NewLogger(getenv("LOG_LEVEL", "info"))

	brokers := splitBrokers(getenv("KAFKA_BROKERS", "localhost:9092"))
	topic := getenv("KAFKA_TOPIC", "driver-locations")
	group := getenv("KAFKA_GROUP", "taxi-dispatch-consumer")
	redisAddr := getenv("REDIS_ADDR", "localhost:6379")
	geoKey := getenv("REDIS_GEO_KEY", "drivers_geo")

	rc := redis.NewClient(&redis.Options{Addr: redisAddr, Password: os.Getenv("REDIS_PASSWORD")})
	updater := &redisAdapter{c: rc}

	// Driver profiles enrich the index metadata so the matcher can filter
	// by status and vehicle without a second store lookup.
	var drivers storage.DriverStore
	if dsn := os.Getenv("PG_DSN"); dsn != "" {
		ps, err := storage.NewPostgresStore(dsn)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		drivers = ps
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer started", "topic", topic, "brokers", brokers, "group", group)

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

		msgsConsumed.Inc()

		var ping models.LocationPing
		if err := json.Unmarshal(m.Value, &ping); err != nil || ping.DriverID == "" {
			msgsInvalid.Inc()
			logger.Warn("invalid location message", "error", err)
			continue
		}

		meta := metaFor(ctx, drivers, ping, logger)
		if err := updateIndexWithRetry(ctx, updater, geoKey, ping, meta, 3, 200*time.Millisecond); err != nil {
			redisErrors.Inc()
			logger.Warn("redis index update failed", "driver_id", ping.DriverID, "error", err)
			continue
		}
		redisUpdates.Inc()
	}
}

// metaFor builds the index metadata hash, enriched from the driver profile
// when a durable store is attached.
func metaFor(ctx context.Context, drivers storage.DriverStore, ping models.LocationPing, logger *slog.Logger) map[string]interface{} {
	meta := map[string]interface{}{
		"updated": ping.Location.Timestamp.UTC().Format(time.RFC3339),
	}
	if drivers == nil {
		return meta
	}
	d, err := drivers.GetDriver(ctx, ping.DriverID)
	if err != nil {
		logger.Warn("driver lookup failed, writing bare meta", "driver_id", ping.DriverID, "error", err)
		return meta
	}
	meta["status"] = string(d.Status)
	meta["vehicle_type"] = string(d.VehicleType)
	meta["rating"] = d.Rating
	meta["total_rides"] = d.TotalRides
	return meta
}

// RedisUpdater is the subset of redis operations the consumer needs, split
// out so retries are testable without a server.
type RedisUpdater interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	_, err := r.c.GeoAdd(ctx, key, loc).Result()
	return err
}

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	_, err := r.c.HSet(ctx, key, values).Result()
	return err
}

// updateIndexWithRetry writes the geo point and metadata hash with
// exponential backoff. Both writes must land before the attempt counts as
// a success.
func updateIndexWithRetry(ctx context.Context, rc RedisUpdater, geoKey string, ping models.LocationPing, meta map[string]interface{}, attempts int, delay time.Duration) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			time.Sleep(delay)
			delay *= 2
		}
		if err := rc.GeoAdd(ctx, geoKey, &redis.GeoLocation{
			Longitude: ping.Location.Longitude,
			Latitude:  ping.Location.Latitude,
			Name:      ping.DriverID,
		}); err != nil {
			lastErr = err
			continue
		}
		if err := rc.HSet(ctx, "driver:meta:"+ping.DriverID, meta); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

func splitBrokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if v := strings.TrimSpace(b); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
