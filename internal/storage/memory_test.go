package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/taxi-dispatch/internal/models"
)

var testTime = time.Date(2025, 3, 12, 8, 0, 0, 0, time.UTC) // Wednesday 08:00 UTC

func seedDriver(t *testing.T, m *MemoryStore, id string, status models.DriverStatus) {
	t.Helper()
	d := models.Driver{
		ID: id, Name: "Driver " + id, Email: id + "@example.com", Phone: "+15550000001",
		VehicleType: models.VehicleStandard, Status: status,
	}
	if err := m.CreateDriver(context.Background(), &d); err != nil {
		t.Fatalf("create driver: %v", err)
	}
}

func seedDispatch(t *testing.T, m *MemoryStore, id string, at time.Time) {
	t.Helper()
	req := models.DispatchRequest{
		ID: id, CustomerName: "c", CustomerPhone: "+15550002222",
		PickupAddress: "Tokyo Station", Destination: "Shibuya Crossing",
		VehicleType: models.VehicleStandard, Status: models.DispatchPending,
		Source: models.SourceManual, CreatedAt: at,
	}
	if err := m.CreateDispatch(context.Background(), &req); err != nil {
		t.Fatalf("create dispatch: %v", err)
	}
}

func TestCreateDriverRejectsDuplicate(t *testing.T) {
	m := NewMemoryStore()
	seedDriver(t, m, "d1", models.DriverAvailable)
	d := models.Driver{ID: "d1", Name: "x", Email: "x@example.com", Phone: "+15550000002"}
	if err := m.CreateDriver(context.Background(), &d); !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	// the original record survives the rejected create
	got, err := m.GetDriver(context.Background(), "d1")
	if err != nil || got.Name != "Driver d1" {
		t.Fatalf("driver after rejected create = %+v err=%v", got, err)
	}
}

func TestCreateDispatchRejectsDuplicate(t *testing.T) {
	m := NewMemoryStore()
	seedDispatch(t, m, "r1", testTime)
	dup := models.DispatchRequest{ID: "r1", CustomerName: "other", Status: models.DispatchPending}
	if err := m.CreateDispatch(context.Background(), &dup); !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestGetDriverReturnsCopy(t *testing.T) {
	m := NewMemoryStore()
	seedDriver(t, m, "d1", models.DriverAvailable)
	ctx := context.Background()

	a, err := m.GetDriver(ctx, "d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	a.Name = "mutated"
	b, _ := m.GetDriver(ctx, "d1")
	if b.Name == "mutated" {
		t.Fatal("GetDriver leaked internal state")
	}
	if _, err := m.GetDriver(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestClaimDriverExactlyOnce(t *testing.T) {
	m := NewMemoryStore()
	seedDriver(t, m, "d1", models.DriverAvailable)
	ctx := context.Background()

	const n = 32
	var wg sync.WaitGroup
	wins := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := m.ClaimDriver(ctx, "d1", testTime)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			wins[i] = ok
		}(i)
	}
	wg.Wait()

	total := 0
	for _, w := range wins {
		if w {
			total++
		}
	}
	if total != 1 {
		t.Fatalf("%d claims won, want exactly 1", total)
	}

	d, _ := m.GetDriver(ctx, "d1")
	if d.Status != models.DriverBusy {
		t.Fatalf("status = %s, want busy", d.Status)
	}

	if err := m.ReleaseDriver(ctx, "d1", testTime); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, err := m.ClaimDriver(ctx, "d1", testTime); err != nil || !ok {
		t.Fatalf("reclaim after release: ok=%v err=%v", ok, err)
	}
}

func TestClaimDriverSkipsNonAvailable(t *testing.T) {
	m := NewMemoryStore()
	seedDriver(t, m, "d1", models.DriverOffline)
	if ok, err := m.ClaimDriver(context.Background(), "d1", testTime); err != nil || ok {
		t.Fatalf("claiming offline driver: ok=%v err=%v", ok, err)
	}
	if _, err := m.ClaimDriver(context.Background(), "ghost", testTime); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestAppendEarningsBumpsAggregates(t *testing.T) {
	m := NewMemoryStore()
	seedDriver(t, m, "d1", models.DriverAvailable)
	ctx := context.Background()

	for i, amt := range []float64{1800, 700} {
		ev := models.EarningsEvent{DriverID: "d1", RideID: "r" + string(rune('1'+i)), Amount: amt, CreatedAt: testTime}
		if err := m.AppendEarnings(ctx, ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	d, _ := m.GetDriver(ctx, "d1")
	if d.TotalEarnings != 2500 || d.TotalRides != 2 {
		t.Fatalf("aggregates = %v/%d, want 2500/2", d.TotalEarnings, d.TotalRides)
	}
	if err := m.AppendEarnings(ctx, models.EarningsEvent{DriverID: "ghost", Amount: 1}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	sum, err := m.DailyEarnings(ctx, "d1", testTime)
	if err != nil || sum != 2500 {
		t.Fatalf("daily = %v err=%v, want 2500", sum, err)
	}
	if sum, _ := m.DailyEarnings(ctx, "d1", testTime.AddDate(0, 0, 1)); sum != 0 {
		t.Fatalf("next-day earnings = %v, want 0", sum)
	}
}

func TestRatingSummary(t *testing.T) {
	m := NewMemoryStore()
	seedDriver(t, m, "d1", models.DriverAvailable)
	ctx := context.Background()

	for _, r := range []float64{5, 3, 4} {
		if err := m.AppendRating(ctx, models.RatingEvent{DriverID: "d1", CustomerID: "c", Rating: r, CreatedAt: testTime}); err != nil {
			t.Fatalf("append rating: %v", err)
		}
	}
	avg, count, err := m.RatingSummary(ctx, "d1")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if avg != 4 || count != 3 {
		t.Fatalf("summary = %v/%d, want 4/3", avg, count)
	}
}

func TestAvgPerformanceWindow(t *testing.T) {
	m := NewMemoryStore()
	seedDriver(t, m, "d1", models.DriverAvailable)
	ctx := context.Background()

	if _, ok, err := m.AvgPerformance(ctx, "d1", testTime.Add(-time.Hour)); err != nil || ok {
		t.Fatalf("no samples: ok=%v err=%v", ok, err)
	}
	if err := m.AppendPerformance(ctx, "d1", 100, testTime.Add(-30*time.Minute)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := m.AppendPerformance(ctx, "d1", 50, testTime.Add(-10*time.Minute)); err != nil {
		t.Fatalf("append: %v", err)
	}
	// outside the window
	if err := m.AppendPerformance(ctx, "d1", 0, testTime.Add(-2*time.Hour)); err != nil {
		t.Fatalf("append: %v", err)
	}
	avg, ok, err := m.AvgPerformance(ctx, "d1", testTime.Add(-time.Hour))
	if err != nil || !ok {
		t.Fatalf("avg: ok=%v err=%v", ok, err)
	}
	if avg != 75 {
		t.Fatalf("avg = %v, want 75 (old sample excluded)", avg)
	}
}

func TestAssignDispatchOnlyFromPending(t *testing.T) {
	m := NewMemoryStore()
	seedDriver(t, m, "d1", models.DriverAvailable)
	seedDispatch(t, m, "r1", testTime)
	ctx := context.Background()

	ok, err := m.AssignDispatch(ctx, "r1", "d1", 5, 80, testTime)
	if err != nil || !ok {
		t.Fatalf("assign: ok=%v err=%v", ok, err)
	}
	// second assign must lose the guard
	if ok, err := m.AssignDispatch(ctx, "r1", "d1", 5, 80, testTime); err != nil || ok {
		t.Fatalf("re-assign: ok=%v err=%v, want guard failure", ok, err)
	}

	d, _ := m.GetDispatch(ctx, "r1")
	if d.Status != models.DispatchAssigned || d.AssignedDriverID != "d1" || d.EstimatedArrival != 5 {
		t.Fatalf("dispatch = %+v", d)
	}
}

func TestUpdateDispatchStatusGuard(t *testing.T) {
	m := NewMemoryStore()
	seedDispatch(t, m, "r1", testTime)
	ctx := context.Background()

	at := testTime.Add(time.Minute)
	if ok, err := m.UpdateDispatchStatus(ctx, "r1", models.DispatchAssigned, models.DispatchConfirmed, &at); err != nil || ok {
		t.Fatalf("wrong-from guard: ok=%v err=%v", ok, err)
	}
	if ok, err := m.UpdateDispatchStatus(ctx, "r1", models.DispatchPending, models.DispatchCancelled, nil); err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}
	d, _ := m.GetDispatch(ctx, "r1")
	if d.Status != models.DispatchCancelled {
		t.Fatalf("status = %s, want cancelled", d.Status)
	}
}

func TestSetDispatchPaymentRef(t *testing.T) {
	m := NewMemoryStore()
	seedDispatch(t, m, "r1", testTime)
	ctx := context.Background()

	if err := m.SetDispatchPaymentRef(ctx, "r1", "pi_789"); err != nil {
		t.Fatalf("set ref: %v", err)
	}
	d, _ := m.GetDispatch(ctx, "r1")
	if d.PaymentRef != "pi_789" {
		t.Fatalf("payment_ref = %q, want pi_789", d.PaymentRef)
	}
	if err := m.SetDispatchPaymentRef(ctx, "nope", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDemandCountMatchesHourWeekdayAndText(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	// same hour and weekday, matching pickup text
	seedDispatch(t, m, "r1", testTime)
	seedDispatch(t, m, "r2", testTime.AddDate(0, 0, -7))
	// same hour, different weekday
	seedDispatch(t, m, "r3", testTime.AddDate(0, 0, -1))
	// same weekday, different hour
	seedDispatch(t, m, "r4", testTime.Add(3*time.Hour))

	since := testTime.AddDate(0, 0, -30)
	n, err := m.DemandCount(ctx, "Tokyo Station", "nowhere", testTime.Hour(), testTime.Weekday(), since)
	if err != nil {
		t.Fatalf("demand: %v", err)
	}
	if n != 2 {
		t.Fatalf("count = %d, want 2 (hour+weekday matches only)", n)
	}

	n, err = m.DemandCount(ctx, "nowhere", "Shibuya", testTime.Hour(), testTime.Weekday(), since)
	if err != nil || n != 2 {
		t.Fatalf("destination match count = %d err=%v, want 2", n, err)
	}

	n, err = m.DemandCount(ctx, "nowhere", "elsewhere", testTime.Hour(), testTime.Weekday(), since)
	if err != nil || n != 0 {
		t.Fatalf("no-match count = %d err=%v, want 0", n, err)
	}
}

func TestDriverRidesSinceFiltersStatus(t *testing.T) {
	m := NewMemoryStore()
	seedDriver(t, m, "d1", models.DriverAvailable)
	ctx := context.Background()

	mk := func(id string, status models.DispatchStatus, at time.Time) {
		seedDispatch(t, m, id, at)
		if ok, err := m.AssignDispatch(ctx, id, "d1", 5, 70, at); err != nil || !ok {
			t.Fatalf("assign %s: ok=%v err=%v", id, ok, err)
		}
		if status != models.DispatchAssigned {
			if ok, err := m.UpdateDispatchStatus(ctx, id, models.DispatchAssigned, status, nil); err != nil || !ok {
				t.Fatalf("status %s: ok=%v err=%v", id, ok, err)
			}
		}
	}
	mk("r1", models.DispatchCompleted, testTime.Add(-time.Hour))
	mk("r2", models.DispatchInProgress, testTime.Add(-2*time.Hour))
	mk("r3", models.DispatchCancelled, testTime.Add(-time.Hour))
	mk("r4", models.DispatchCompleted, testTime.Add(-6*time.Hour)) // outside window

	n, err := m.DriverRidesSince(ctx, "d1", testTime.Add(-4*time.Hour),
		[]models.DispatchStatus{models.DispatchCompleted, models.DispatchInProgress})
	if err != nil {
		t.Fatalf("rides since: %v", err)
	}
	if n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}
}

func TestCountAvailableInBox(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	seedDriver(t, m, "in", models.DriverAvailable)
	seedDriver(t, m, "out", models.DriverAvailable)
	seedDriver(t, m, "busy", models.DriverBusy)

	save := func(id string, lat, lng float64) {
		if err := m.SaveLatestLocation(ctx, id, models.Location{Latitude: lat, Longitude: lng, Timestamp: testTime}); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	save("in", 35.65, 139.75)
	save("out", 34.00, 135.00)
	save("busy", 35.65, 139.75)

	n, err := m.CountAvailableInBox(ctx, 35.6, 35.7, 139.7, 139.8)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
}

func TestUpsertShiftOverwrites(t *testing.T) {
	m := NewMemoryStore()
	seedDriver(t, m, "d1", models.DriverAvailable)
	ctx := context.Background()

	s1 := models.Shift{DriverID: "d1", Date: "2025-03-12", StartTime: "08:00", EndTime: "16:00", Status: "scheduled", CreatedAt: testTime}
	if err := m.UpsertShift(ctx, s1); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	s1.Status = "active"
	if err := m.UpsertShift(ctx, s1); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	if err := m.UpsertShift(ctx, models.Shift{DriverID: "ghost", Date: "2025-03-12"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMatchingStatsAverages(t *testing.T) {
	m := NewMemoryStore()
	seedDriver(t, m, "d1", models.DriverAvailable)
	ctx := context.Background()

	seedDispatch(t, m, "r1", testTime)
	seedDispatch(t, m, "r2", testTime)
	confirmAt := testTime.Add(4 * time.Minute)
	if ok, _ := m.AssignDispatch(ctx, "r1", "d1", 5, 90, testTime); !ok {
		t.Fatal("assign failed")
	}
	if ok, _ := m.UpdateDispatchStatus(ctx, "r1", models.DispatchAssigned, models.DispatchConfirmed, &confirmAt); !ok {
		t.Fatal("confirm failed")
	}
	if ok, _ := m.UpdateDispatchStatus(ctx, "r2", models.DispatchPending, models.DispatchFailed, nil); !ok {
		t.Fatal("fail failed")
	}
	if err := m.AppendMatchingResult(ctx, models.MatchingResult{DispatchID: "r1", DriverID: "d1", Score: 90, CreatedAt: testTime}); err != nil {
		t.Fatalf("append result: %v", err)
	}

	stats, err := m.MatchingStats(ctx, testTime.Add(-time.Hour))
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalRequests != 2 || stats.SuccessfulMatches != 1 {
		t.Fatalf("stats = %+v, want 2 requests / 1 success", stats)
	}
	if stats.SuccessRate != 50 {
		t.Fatalf("success rate = %v, want 50", stats.SuccessRate)
	}
	if stats.AvgMatchingScore != 90 {
		t.Fatalf("avg score = %v, want 90", stats.AvgMatchingScore)
	}
	if stats.AvgMatchTimeMinutes != 4 {
		t.Fatalf("avg match time = %v, want 4", stats.AvgMatchTimeMinutes)
	}
}
