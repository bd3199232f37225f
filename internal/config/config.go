package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	StripeAPIKey string

	Tracker TrackerConfig
	Matcher MatcherConfig

	LogLevel      string
	RunMigrations bool
}

// TrackerConfig holds the canonical freshness thresholds. The same set is
// used on every code path so scores stay comparable.
type TrackerConfig struct {
	RealTimeWindow time.Duration // fix younger than this is real_time
	RecentWindow   time.Duration // younger than this is recent, else stale
	OnlineWindow   time.Duration // presence display only
	NearbyMaxAge   time.Duration // fixes older than this never match
	EvictAfter     time.Duration // sweep removes cache entries beyond this
	SweepInterval  time.Duration
	NearbyLimit    int
}

// MatcherConfig exposes the scoring weights. The defaults reproduce the
// reference dispatch behavior; operators may retune them per city.
type MatcherConfig struct {
	DistanceMax       float64 // points at 0 km
	DistancePerKm     float64 // points lost per km
	RatingMax         float64
	ExperiencePerRide float64
	ExperienceCap     float64
	PerformanceMax    float64
	FreshRealTime     float64
	FreshRecent       float64
	FreshStale        float64
	RushHourBonus     float64
	RushHourMinRides  int
	DemandLookback    time.Duration
	WorkPenaltyWindow time.Duration
	ViabilityFloor    float64 // candidates scoring below this never match
	SearchRadiusKm    float64 // candidate search radius around the pickup
	MaxCandidates     int     // candidates considered per match
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisGeoKey:     "drivers_geo",
		KafkaTopic:      "driver-locations",
		Tracker: TrackerConfig{
			RealTimeWindow: 5 * time.Minute,
			RecentWindow:   15 * time.Minute,
			OnlineWindow:   5 * time.Minute,
			NearbyMaxAge:   15 * time.Minute,
			EvictAfter:     30 * time.Minute,
			SweepInterval:  5 * time.Minute,
			NearbyLimit:    10,
		},
		Matcher: MatcherConfig{
			DistanceMax:       30,
			DistancePerKm:     2,
			RatingMax:         25,
			ExperiencePerRide: 0.1,
			ExperienceCap:     20,
			PerformanceMax:    20,
			FreshRealTime:     15,
			FreshRecent:       10,
			FreshStale:        5,
			RushHourBonus:     10,
			RushHourMinRides:  50,
			DemandLookback:    30 * 24 * time.Hour,
			WorkPenaltyWindow: 4 * time.Hour,
			ViabilityFloor:    0,
			SearchRadiusKm:    5,
			MaxCandidates:     10,
		},
		LogLevel: "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")

	setDurationFromEnv(&cfg.Tracker.RealTimeWindow, "TRACKER_REALTIME_WINDOW", &errs)
	setDurationFromEnv(&cfg.Tracker.RecentWindow, "TRACKER_RECENT_WINDOW", &errs)
	setDurationFromEnv(&cfg.Tracker.OnlineWindow, "TRACKER_ONLINE_WINDOW", &errs)
	setDurationFromEnv(&cfg.Tracker.NearbyMaxAge, "TRACKER_NEARBY_MAX_AGE", &errs)
	setDurationFromEnv(&cfg.Tracker.EvictAfter, "TRACKER_EVICT_AFTER", &errs)
	setDurationFromEnv(&cfg.Tracker.SweepInterval, "TRACKER_SWEEP_INTERVAL", &errs)
	setIntFromEnv(&cfg.Tracker.NearbyLimit, "TRACKER_NEARBY_LIMIT", &errs)

	setFloatFromEnv(&cfg.Matcher.DistanceMax, "MATCHER_DISTANCE_MAX", &errs)
	setFloatFromEnv(&cfg.Matcher.DistancePerKm, "MATCHER_DISTANCE_PER_KM", &errs)
	setFloatFromEnv(&cfg.Matcher.RatingMax, "MATCHER_RATING_MAX", &errs)
	setFloatFromEnv(&cfg.Matcher.ExperiencePerRide, "MATCHER_EXPERIENCE_PER_RIDE", &errs)
	setFloatFromEnv(&cfg.Matcher.ExperienceCap, "MATCHER_EXPERIENCE_CAP", &errs)
	setFloatFromEnv(&cfg.Matcher.PerformanceMax, "MATCHER_PERFORMANCE_MAX", &errs)
	setFloatFromEnv(&cfg.Matcher.RushHourBonus, "MATCHER_RUSH_HOUR_BONUS", &errs)
	setIntFromEnv(&cfg.Matcher.RushHourMinRides, "MATCHER_RUSH_HOUR_MIN_RIDES", &errs)
	setFloatFromEnv(&cfg.Matcher.ViabilityFloor, "MATCHER_VIABILITY_FLOOR", &errs)
	setFloatFromEnv(&cfg.Matcher.SearchRadiusKm, "MATCHER_SEARCH_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.Matcher.MaxCandidates, "MATCHER_MAX_CANDIDATES", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.Tracker.NearbyLimit <= 0 {
		errs = append(errs, fmt.Errorf("TRACKER_NEARBY_LIMIT must be > 0"))
	}
	if cfg.Tracker.RealTimeWindow > cfg.Tracker.RecentWindow {
		errs = append(errs, fmt.Errorf("TRACKER_REALTIME_WINDOW must not exceed TRACKER_RECENT_WINDOW"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
