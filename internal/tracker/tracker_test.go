package tracker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/taxi-dispatch/internal/config"
	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/storage"
)

var testTime = time.Date(2025, 3, 12, 9, 0, 0, 0, time.UTC)

func testConfig() config.TrackerConfig {
	return config.TrackerConfig{
		RealTimeWindow: 5 * time.Minute,
		RecentWindow:   15 * time.Minute,
		OnlineWindow:   5 * time.Minute,
		NearbyMaxAge:   15 * time.Minute,
		EvictAfter:     30 * time.Minute,
		SweepInterval:  5 * time.Minute,
		NearbyLimit:    10,
	}
}

func newTestTracker(store storage.Store) *Tracker {
	trk := New(testConfig(), store, slog.New(slog.DiscardHandler))
	trk.WithClock(func() time.Time { return testTime })
	return trk
}

func seedAvailable(t *testing.T, store storage.Store, id string, rating float64, vehicle models.VehicleType) {
	t.Helper()
	d := models.Driver{
		ID: id, Name: "Driver " + id, Email: id + "@example.com", Phone: "+15550000001",
		VehicleType: vehicle, Status: models.DriverAvailable, Rating: rating,
	}
	if err := store.CreateDriver(context.Background(), &d); err != nil {
		t.Fatalf("seed driver: %v", err)
	}
}

func fix(lat, lng float64, at time.Time) models.Location {
	return models.Location{Latitude: lat, Longitude: lng, Timestamp: at}
}

func TestUpdateValidation(t *testing.T) {
	trk := newTestTracker(storage.NewMemoryStore())
	ctx := context.Background()

	cases := []struct {
		name string
		id   string
		loc  models.Location
	}{
		{"missing id", "", fix(35, 139, testTime)},
		{"bad latitude", "d1", fix(91, 139, testTime)},
		{"bad longitude", "d1", fix(35, 181, testTime)},
		{"bad heading", "d1", models.Location{Latitude: 35, Longitude: 139, Heading: 400, Timestamp: testTime}},
		{"negative speed", "d1", models.Location{Latitude: 35, Longitude: 139, Speed: -1, Timestamp: testTime}},
		{"negative accuracy", "d1", models.Location{Latitude: 35, Longitude: 139, Accuracy: -2, Timestamp: testTime}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var verr *models.ValidationError
			if err := trk.Update(ctx, tc.id, tc.loc); !errors.As(err, &verr) {
				t.Fatalf("err = %v, want validation error", err)
			}
		})
	}
}

func TestUpdateDropsOutOfOrderFix(t *testing.T) {
	trk := newTestTracker(storage.NewMemoryStore())
	ctx := context.Background()

	newer := fix(35.68, 139.76, testTime.Add(-time.Minute))
	older := fix(35.00, 139.00, testTime.Add(-10*time.Minute))

	if err := trk.Update(ctx, "d1", newer); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := trk.Update(ctx, "d1", older); err != nil {
		t.Fatalf("out-of-order update should be silently dropped, got %v", err)
	}
	got, ok := trk.Latest("d1")
	if !ok || got.Latitude != 35.68 {
		t.Fatalf("latest = %+v ok=%v, want the newer fix retained", got, ok)
	}
}

func TestUpdatePersistFailureIsCacheOnly(t *testing.T) {
	store := &failingLocationStore{Store: storage.NewMemoryStore()}
	trk := newTestTracker(store)

	if err := trk.Update(context.Background(), "d1", fix(35.68, 139.76, testTime)); err != nil {
		t.Fatalf("update must survive persistence failure, got %v", err)
	}
	if _, ok := trk.Latest("d1"); !ok {
		t.Fatal("fix missing from cache")
	}
}

type failingLocationStore struct {
	storage.Store
}

func (f *failingLocationStore) SaveLatestLocation(context.Context, string, models.Location) error {
	return errors.New("disk full")
}

func TestFreshnessWindows(t *testing.T) {
	trk := newTestTracker(storage.NewMemoryStore())

	cases := []struct {
		age  time.Duration
		want models.Freshness
	}{
		{time.Minute, models.FreshRealTime},
		{4*time.Minute + 59*time.Second, models.FreshRealTime},
		{5 * time.Minute, models.FreshRecent},
		{14 * time.Minute, models.FreshRecent},
		{15 * time.Minute, models.FreshStale},
		{2 * time.Hour, models.FreshStale},
	}
	for _, tc := range cases {
		if got := trk.Freshness(testTime.Add(-tc.age)); got != tc.want {
			t.Errorf("Freshness(age=%v) = %s, want %s", tc.age, got, tc.want)
		}
	}
}

func TestOnlineWindow(t *testing.T) {
	trk := newTestTracker(storage.NewMemoryStore())
	ctx := context.Background()

	if err := trk.Update(ctx, "d1", fix(35.68, 139.76, testTime)); err != nil {
		t.Fatalf("update: %v", err)
	}
	if !trk.Online("d1") {
		t.Fatal("driver with fresh fix should be online")
	}
	if trk.Online("ghost") {
		t.Fatal("unknown driver cannot be online")
	}

	trk.WithClock(func() time.Time { return testTime.Add(6 * time.Minute) })
	if trk.Online("d1") {
		t.Fatal("driver past the online window should be offline")
	}
}

func TestNearbyFiltersAndSorts(t *testing.T) {
	store := storage.NewMemoryStore()
	trk := newTestTracker(store)
	ctx := context.Background()

	seedAvailable(t, store, "near", 4.2, models.VehicleStandard)
	seedAvailable(t, store, "far", 4.9, models.VehicleStandard)
	seedAvailable(t, store, "premium", 4.5, models.VehiclePremium)
	seedAvailable(t, store, "stale", 5.0, models.VehicleStandard)

	// Ingested half an hour ago, past NearbyMaxAge.
	trk.WithClock(func() time.Time { return testTime.Add(-31 * time.Minute) })
	if err := trk.Update(ctx, "stale", fix(35.6812, 139.7671, testTime.Add(-31*time.Minute))); err != nil {
		t.Fatalf("update: %v", err)
	}
	trk.WithClock(func() time.Time { return testTime })

	center := fix(35.6812, 139.7671, testTime.Add(-time.Minute))
	if err := trk.Update(ctx, "near", center); err != nil {
		t.Fatalf("update: %v", err)
	}
	// ~2.5 km north
	if err := trk.Update(ctx, "far", fix(35.7037, 139.7671, testTime.Add(-time.Minute))); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := trk.Update(ctx, "premium", fix(35.6815, 139.7675, testTime.Add(-time.Minute))); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := trk.Nearby(ctx, 35.6812, 139.7671, 5, "", 0)
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d candidates, want 3 (stale excluded)", len(got))
	}
	if got[0].Driver.ID == "far" {
		t.Fatalf("expected closer drivers first, got %s", got[0].Driver.ID)
	}
	if got[len(got)-1].Driver.ID != "far" {
		t.Fatalf("farthest driver should sort last, got %s", got[len(got)-1].Driver.ID)
	}

	premiumOnly, err := trk.Nearby(ctx, 35.6812, 139.7671, 5, models.VehiclePremium, 0)
	if err != nil {
		t.Fatalf("nearby premium: %v", err)
	}
	if len(premiumOnly) != 1 || premiumOnly[0].Driver.ID != "premium" {
		t.Fatalf("vehicle filter wrong: %+v", premiumOnly)
	}

	limited, err := trk.Nearby(ctx, 35.6812, 139.7671, 5, "", 1)
	if err != nil {
		t.Fatalf("nearby limit: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("limit ignored, got %d", len(limited))
	}
}

func TestNearbySkipsBusyDrivers(t *testing.T) {
	store := storage.NewMemoryStore()
	trk := newTestTracker(store)
	ctx := context.Background()

	seedAvailable(t, store, "d1", 4.5, models.VehicleStandard)
	if err := trk.Update(ctx, "d1", fix(35.6812, 139.7671, testTime.Add(-time.Minute))); err != nil {
		t.Fatalf("update: %v", err)
	}
	if ok, err := store.ClaimDriver(ctx, "d1", testTime); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	got, err := trk.Nearby(ctx, 35.6812, 139.7671, 5, "", 0)
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("busy driver leaked into candidates: %+v", got)
	}
}

func TestSweepEvictsOldEntries(t *testing.T) {
	store := storage.NewMemoryStore()
	trk := newTestTracker(store)
	ctx := context.Background()

	if err := trk.Update(ctx, "fresh", fix(35.68, 139.76, testTime.Add(-time.Minute))); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := trk.Update(ctx, "old", fix(35.69, 139.77, testTime.Add(-time.Minute))); err != nil {
		t.Fatalf("update: %v", err)
	}

	// Move the clock past the eviction window for "old" only: refresh
	// "fresh" at the later time first.
	trk.WithClock(func() time.Time { return testTime.Add(31 * time.Minute) })
	if err := trk.Update(ctx, "fresh", fix(35.68, 139.76, testTime.Add(30*time.Minute))); err != nil {
		t.Fatalf("update: %v", err)
	}
	trk.sweep()

	if _, ok := trk.Latest("old"); ok {
		t.Fatal("stale entry survived the sweep")
	}
	if _, ok := trk.Latest("fresh"); !ok {
		t.Fatal("fresh entry was evicted")
	}
}

func TestStartSweeperEvictsAndStopsOnCancel(t *testing.T) {
	store := storage.NewMemoryStore()
	seedAvailable(t, store, "d1", 4.5, models.VehicleStandard)
	cfg := testConfig()
	cfg.SweepInterval = 5 * time.Millisecond
	trk := New(cfg, store, slog.New(slog.DiscardHandler))

	old := testTime.Add(-31 * time.Minute)
	trk.WithClock(func() time.Time { return old })
	if err := trk.Update(context.Background(), "d1", fix(35.68, 139.76, old)); err != nil {
		t.Fatalf("update: %v", err)
	}
	trk.WithClock(func() time.Time { return testTime })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		trk.StartSweeper(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		if _, ok := trk.Latest("d1"); !ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("sweeper loop never evicted the stale entry")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not return on context cancel")
	}
}

type recordingIndexer struct {
	mu       sync.Mutex
	upserts  []string
	removals []string
}

func (r *recordingIndexer) Upsert(ctx context.Context, d models.Driver, loc models.Location) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upserts = append(r.upserts, d.ID)
	return nil
}

func (r *recordingIndexer) Remove(ctx context.Context, driverID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removals = append(r.removals, driverID)
	return nil
}

func TestUpdateFeedsIndexer(t *testing.T) {
	store := storage.NewMemoryStore()
	seedAvailable(t, store, "d1", 4.5, models.VehicleStandard)
	ix := &recordingIndexer{}
	trk := newTestTracker(store).WithIndexer(ix)

	if err := trk.Update(context.Background(), "d1", fix(35.68, 139.76, testTime)); err != nil {
		t.Fatalf("update: %v", err)
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if len(ix.upserts) != 1 || ix.upserts[0] != "d1" {
		t.Fatalf("index upserts = %v, want [d1]", ix.upserts)
	}
}

func TestSweepRemovesFromIndexer(t *testing.T) {
	store := storage.NewMemoryStore()
	seedAvailable(t, store, "old", 4.5, models.VehicleStandard)
	ix := &recordingIndexer{}
	trk := newTestTracker(store).WithIndexer(ix)

	past := testTime.Add(-31 * time.Minute)
	trk.WithClock(func() time.Time { return past })
	if err := trk.Update(context.Background(), "old", fix(35.68, 139.76, past)); err != nil {
		t.Fatalf("update: %v", err)
	}
	trk.WithClock(func() time.Time { return testTime })
	trk.sweep()

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if len(ix.removals) != 1 || ix.removals[0] != "old" {
		t.Fatalf("index removals = %v, want [old]", ix.removals)
	}
}

type recordingBroadcaster struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingBroadcaster) BroadcastLocation(driverID string, loc models.Location) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, driverID)
}

func TestUpdateBroadcasts(t *testing.T) {
	store := storage.NewMemoryStore()
	rb := &recordingBroadcaster{}
	trk := newTestTracker(store).WithBroadcaster(rb)

	if err := trk.Update(context.Background(), "d1", fix(35.68, 139.76, testTime)); err != nil {
		t.Fatalf("update: %v", err)
	}
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if len(rb.calls) != 1 || rb.calls[0] != "d1" {
		t.Fatalf("broadcast calls = %v, want [d1]", rb.calls)
	}
}
