package tracker

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/taxi-dispatch/internal/config"
	"github.com/example/taxi-dispatch/internal/models"
)

// RedisIndex is a process-external nearby index backed by Redis GEO
// commands. The Kafka consumer keeps it current; API replicas query it when
// they do not hold the driver's fix in their local cache.
type RedisIndex struct {
	client *redis.Client
	key    string
	cfg    config.TrackerConfig
	now    func() time.Time
}

func NewRedisIndex(addr, password, key string, cfg config.TrackerConfig) *RedisIndex {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisIndex{client: c, key: key, cfg: cfg, now: time.Now}
}

// Upsert stores the driver position plus the metadata needed for candidate
// filtering.
func (r *RedisIndex) Upsert(ctx context.Context, d models.Driver, loc models.Location) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Longitude: loc.Longitude,
		Latitude:  loc.Latitude,
		Name:      d.ID,
	}).Err(); err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(d.ID), map[string]interface{}{
		"status":       string(d.Status),
		"vehicle_type": string(d.VehicleType),
		"rating":       strconv.FormatFloat(d.Rating, 'f', -1, 64),
		"total_rides":  strconv.Itoa(d.TotalRides),
		"updated":      loc.Timestamp.UTC().Format(time.RFC3339),
	}).Err()
}

// Remove drops a driver from the index, e.g. when it goes offline.
func (r *RedisIndex) Remove(ctx context.Context, driverID string) error {
	if err := r.client.ZRem(ctx, r.key, driverID).Err(); err != nil {
		return err
	}
	return r.client.Del(ctx, metaKey(driverID)).Err()
}

// Nearby queries the geo set sorted ascending by distance and hydrates the
// candidate metadata from the per-driver hash. Entries older than the
// staleness window or not available are skipped.
func (r *RedisIndex) Nearby(ctx context.Context, lat, lng, radiusKm float64, vehicleType models.VehicleType, limit int) ([]models.Candidate, error) {
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  lng,
			Latitude:   lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, err
	}
	now := r.now()
	out := make([]models.Candidate, 0, len(res))
	for _, g := range res {
		m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result()
		if err != nil {
			continue
		}
		updated, err := time.Parse(time.RFC3339, m["updated"])
		if err != nil || now.Sub(updated) > r.cfg.NearbyMaxAge {
			continue
		}
		if models.DriverStatus(m["status"]) != models.DriverAvailable {
			continue
		}
		vt := models.VehicleType(m["vehicle_type"])
		if vehicleType != "" && vt != vehicleType {
			continue
		}
		rating, _ := strconv.ParseFloat(m["rating"], 64)
		totalRides, _ := strconv.Atoi(m["total_rides"])
		out = append(out, models.Candidate{
			Driver: models.Driver{
				ID:          g.Name,
				Status:      models.DriverAvailable,
				VehicleType: vt,
				Rating:      rating,
				TotalRides:  totalRides,
			},
			Loc: models.Location{
				Latitude:  g.Latitude,
				Longitude: g.Longitude,
				Timestamp: updated,
			},
			DistanceKm:       g.Dist,
			Freshness:        classify(now.Sub(updated), r.cfg),
			PerformanceScore: 100,
		})
	}
	return out, nil
}

func classify(age time.Duration, cfg config.TrackerConfig) models.Freshness {
	switch {
	case age < cfg.RealTimeWindow:
		return models.FreshRealTime
	case age < cfg.RecentWindow:
		return models.FreshRecent
	default:
		return models.FreshStale
	}
}

func metaKey(id string) string { return "driver:meta:" + id }
