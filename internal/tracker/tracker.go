// Package tracker maintains the most recent position per driver, classifies
// freshness and answers proximity queries. The in-memory cache is the source
// of truth for real-time paths; durable writes are best-effort backups.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/example/taxi-dispatch/internal/config"
	"github.com/example/taxi-dispatch/internal/geo"
	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/observability"
	"github.com/example/taxi-dispatch/internal/storage"
)

// Broadcaster receives every accepted location update for fan-out to live
// subscribers (dispatch-tracking viewers).
type Broadcaster interface {
	BroadcastLocation(driverID string, loc models.Location)
}

// Publisher forwards pings to the ingest pipeline.
type Publisher interface {
	PublishLocation(ping models.LocationPing) error
}

// Indexer is an external nearby index kept in step with the local cache.
// Deployments without a Kafka pipeline write it straight from the tracker.
type Indexer interface {
	Upsert(ctx context.Context, d models.Driver, loc models.Location) error
	Remove(ctx context.Context, driverID string) error
}

type entry struct {
	loc     models.Location
	updated time.Time
}

type Tracker struct {
	cfg       config.TrackerConfig
	store     storage.Store
	broadcast Broadcaster
	publish   Publisher
	index     Indexer
	log       *slog.Logger
	now       func() time.Time

	mu      sync.RWMutex
	entries map[string]entry
}

func New(cfg config.TrackerConfig, store storage.Store, log *slog.Logger) *Tracker {
	return &Tracker{
		cfg:     cfg,
		store:   store,
		log:     log,
		now:     time.Now,
		entries: make(map[string]entry),
	}
}

func (t *Tracker) WithBroadcaster(b Broadcaster) *Tracker { t.broadcast = b; return t }
func (t *Tracker) WithPublisher(p Publisher) *Tracker     { t.publish = p; return t }
func (t *Tracker) WithIndexer(ix Indexer) *Tracker        { t.index = ix; return t }
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// Update overwrites the in-memory latest entry for the driver and appends to
// durable history. A persistence failure degrades to cache-only operation; it
// never fails the update.
func (t *Tracker) Update(ctx context.Context, driverID string, loc models.Location) error {
	if driverID == "" {
		return &models.ValidationError{Field: "driver_id", Reason: "required"}
	}
	if !geo.ValidCoordinate(loc.Latitude, loc.Longitude) {
		return &models.ValidationError{Field: "location", Reason: "coordinates out of WGS84 range"}
	}
	if loc.Heading < 0 || loc.Heading > 360 {
		return &models.ValidationError{Field: "heading", Reason: "must be within 0-360"}
	}
	if loc.Speed < 0 {
		return &models.ValidationError{Field: "speed", Reason: "must be >= 0"}
	}
	if loc.Accuracy < 0 {
		return &models.ValidationError{Field: "accuracy", Reason: "must be >= 0"}
	}
	now := t.now()
	if loc.Timestamp.IsZero() {
		loc.Timestamp = now
	}

	t.mu.Lock()
	if prev, ok := t.entries[driverID]; ok && prev.loc.Timestamp.After(loc.Timestamp) {
		// last-write-wins by fix timestamp; drop the out-of-order ping
		t.mu.Unlock()
		return nil
	}
	t.entries[driverID] = entry{loc: loc, updated: now}
	tracked := len(t.entries)
	t.mu.Unlock()

	observability.LocationUpdates.Inc()
	observability.DriversTracked.Set(float64(tracked))

	if t.store != nil {
		if err := t.store.SaveLatestLocation(ctx, driverID, loc); err != nil {
			observability.LocationPersistErrors.Inc()
			t.log.Warn("durable location write failed, cache-only", "driver_id", driverID, "error", err)
		} else if err := t.store.AppendLocationHistory(ctx, driverID, loc); err != nil {
			observability.LocationPersistErrors.Inc()
			t.log.Warn("location history append failed", "driver_id", driverID, "error", err)
		}
	}
	if t.publish != nil {
		if err := t.publish.PublishLocation(models.LocationPing{DriverID: driverID, Location: loc}); err != nil {
			t.log.Warn("location publish failed", "driver_id", driverID, "error", err)
		}
	}
	if t.index != nil && t.store != nil {
		if d, err := t.store.GetDriver(ctx, driverID); err != nil {
			t.log.Warn("index driver lookup failed", "driver_id", driverID, "error", err)
		} else if err := t.index.Upsert(ctx, *d, loc); err != nil {
			t.log.Warn("index upsert failed", "driver_id", driverID, "error", err)
		}
	}
	if t.broadcast != nil {
		t.broadcast.BroadcastLocation(driverID, loc)
	}
	return nil
}

// Freshness classifies how old a fix is against the canonical windows.
func (t *Tracker) Freshness(updated time.Time) models.Freshness {
	age := t.now().Sub(updated)
	switch {
	case age < t.cfg.RealTimeWindow:
		return models.FreshRealTime
	case age < t.cfg.RecentWindow:
		return models.FreshRecent
	default:
		return models.FreshStale
	}
}

// Online reports presence: a driver is online iff its last fix is within the
// online window. Display-only; scoring uses Freshness.
func (t *Tracker) Online(driverID string) bool {
	t.mu.RLock()
	e, ok := t.entries[driverID]
	t.mu.RUnlock()
	if !ok {
		return false
	}
	return t.now().Sub(e.updated) <= t.cfg.OnlineWindow
}

// Latest returns the cached fix for one driver.
func (t *Tracker) Latest(driverID string) (models.Location, bool) {
	t.mu.RLock()
	e, ok := t.entries[driverID]
	t.mu.RUnlock()
	return e.loc, ok
}

// Nearby returns available drivers within radiusKm of the point, freshest
// first by distance. Ties break on higher rating, then most recent update,
// then lower id so results are reproducible.
func (t *Tracker) Nearby(ctx context.Context, lat, lng, radiusKm float64, vehicleType models.VehicleType, limit int) ([]models.Candidate, error) {
	if !geo.ValidCoordinate(lat, lng) {
		return nil, &models.ValidationError{Field: "location", Reason: "coordinates out of WGS84 range"}
	}
	if radiusKm <= 0 {
		return nil, &models.ValidationError{Field: "radius_km", Reason: "must be > 0"}
	}
	if limit <= 0 {
		limit = t.cfg.NearbyLimit
	}
	now := t.now()

	t.mu.RLock()
	snapshot := make(map[string]entry, len(t.entries))
	for id, e := range t.entries {
		snapshot[id] = e
	}
	t.mu.RUnlock()

	out := make([]models.Candidate, 0, len(snapshot))
	for id, e := range snapshot {
		if now.Sub(e.updated) > t.cfg.NearbyMaxAge {
			continue
		}
		d, err := t.store.GetDriver(ctx, id)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				return nil, fmt.Errorf("driver lookup: %w", err)
			}
			continue
		}
		if d.Status != models.DriverAvailable {
			continue
		}
		if vehicleType != "" && d.VehicleType != vehicleType {
			continue
		}
		dist := geo.DistanceKm(lat, lng, e.loc.Latitude, e.loc.Longitude)
		if dist > radiusKm {
			continue
		}
		out = append(out, models.Candidate{
			Driver:           *d,
			Loc:              e.loc,
			DistanceKm:       dist,
			Freshness:        t.Freshness(e.updated),
			PerformanceScore: 100,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		if out[i].Driver.Rating != out[j].Driver.Rating {
			return out[i].Driver.Rating > out[j].Driver.Rating
		}
		if !out[i].Loc.Timestamp.Equal(out[j].Loc.Timestamp) {
			return out[i].Loc.Timestamp.After(out[j].Loc.Timestamp)
		}
		return out[i].Driver.ID < out[j].Driver.ID
	})

	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// StartSweeper launches the periodic eviction of entries whose last update
// exceeds the eviction window. It only removes entries; durable history is
// untouched. Returns when ctx is cancelled.
func (t *Tracker) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

func (t *Tracker) sweep() {
	now := t.now()
	t.mu.Lock()
	var evicted []string
	for id, e := range t.entries {
		if now.Sub(e.updated) > t.cfg.EvictAfter {
			delete(t.entries, id)
			evicted = append(evicted, id)
		}
	}
	tracked := len(t.entries)
	t.mu.Unlock()

	if len(evicted) > 0 {
		observability.SweepEvictions.Add(float64(len(evicted)))
		t.log.Debug("stale location entries evicted", "evicted", len(evicted), "tracked", tracked)
		if t.index != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for _, id := range evicted {
				if err := t.index.Remove(ctx, id); err != nil {
					t.log.Warn("index remove failed", "driver_id", id, "error", err)
				}
			}
		}
	}
	observability.DriversTracked.Set(float64(tracked))
}
