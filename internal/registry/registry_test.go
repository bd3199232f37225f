package registry

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/storage"
)

var testTime = time.Date(2025, 3, 12, 9, 30, 0, 0, time.UTC)

func newTestService(store storage.Store) *Service {
	svc := NewService(store, slog.New(slog.DiscardHandler))
	svc.WithClock(func() time.Time { return testTime })
	return svc
}

func validRegistration() Registration {
	return Registration{
		Name:          "Kenji Watanabe",
		Email:         "kenji@example.com",
		Phone:         "+815550009999",
		LicenseNumber: "TK-4402",
		VehicleType:   models.VehicleStandard,
		VehicleModel:  "Toyota Crown",
		VehiclePlate:  "品川 500 あ 12-34",
		VehicleColor:  "black",
	}
}

func TestRegisterCreatesPendingDriver(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := newTestService(store)
	ctx := context.Background()

	id, err := svc.Register(ctx, validRegistration())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if id == "" {
		t.Fatal("empty driver id")
	}

	d, err := store.GetDriver(ctx, id)
	if err != nil {
		t.Fatalf("get driver: %v", err)
	}
	if d.Status != models.DriverPendingVerification {
		t.Fatalf("status = %s, want pending_verification", d.Status)
	}
	if d.Rating != 0 || d.TotalRides != 0 || d.TotalEarnings != 0 {
		t.Fatalf("aggregates not zeroed: %+v", d)
	}
	if !d.CreatedAt.Equal(testTime) {
		t.Fatalf("created_at = %v, want %v", d.CreatedAt, testTime)
	}
}

func TestRegisterValidation(t *testing.T) {
	svc := newTestService(storage.NewMemoryStore())
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*Registration)
	}{
		{"missing name", func(r *Registration) { r.Name = "  " }},
		{"bad email", func(r *Registration) { r.Email = "not-an-email" }},
		{"bad phone", func(r *Registration) { r.Phone = "123" }},
		{"missing license", func(r *Registration) { r.LicenseNumber = "" }},
		{"unknown vehicle", func(r *Registration) { r.VehicleType = "submarine" }},
		{"missing model", func(r *Registration) { r.VehicleModel = "" }},
		{"missing plate", func(r *Registration) { r.VehiclePlate = "" }},
		{"missing color", func(r *Registration) { r.VehicleColor = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg := validRegistration()
			tc.mutate(&reg)
			var verr *models.ValidationError
			if _, err := svc.Register(ctx, reg); !errors.As(err, &verr) {
				t.Fatalf("err = %v, want validation error", err)
			}
		})
	}
}

func TestUpdateStatusAppendsHistory(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := newTestService(store)
	ctx := context.Background()

	id, err := svc.Register(ctx, validRegistration())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := svc.UpdateStatus(ctx, id, models.DriverAvailable); err != nil {
		t.Fatalf("update status: %v", err)
	}
	d, err := store.GetDriver(ctx, id)
	if err != nil {
		t.Fatalf("get driver: %v", err)
	}
	if d.Status != models.DriverAvailable {
		t.Fatalf("status = %s, want available", d.Status)
	}

	if err := svc.UpdateStatus(ctx, id, "teleporting"); err == nil {
		t.Fatal("expected error for unknown status")
	}
	if err := svc.UpdateStatus(ctx, "nope", models.DriverOffline); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateRatingRecomputesMean(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := newTestService(store)
	ctx := context.Background()

	id, err := svc.Register(ctx, validRegistration())
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	for i, r := range []float64{5, 3, 4} {
		if err := svc.UpdateRating(ctx, id, r, "", "cust-"+string(rune('a'+i))); err != nil {
			t.Fatalf("rating %v: %v", r, err)
		}
	}
	d, err := store.GetDriver(ctx, id)
	if err != nil {
		t.Fatalf("get driver: %v", err)
	}
	if d.Rating != 4.0 {
		t.Fatalf("rating = %v, want 4.0", d.Rating)
	}
	if d.TotalRatings != 3 {
		t.Fatalf("total_ratings = %d, want 3", d.TotalRatings)
	}
}

func TestUpdateRatingRoundsToOneDecimal(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := newTestService(store)
	ctx := context.Background()

	id, err := svc.Register(ctx, validRegistration())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	// mean of 5, 4, 4 is 4.333..., rounds to 4.3
	for i, r := range []float64{5, 4, 4} {
		if err := svc.UpdateRating(ctx, id, r, "", "cust-"+string(rune('a'+i))); err != nil {
			t.Fatalf("rating %v: %v", r, err)
		}
	}
	d, _ := store.GetDriver(ctx, id)
	if d.Rating != 4.3 {
		t.Fatalf("rating = %v, want 4.3", d.Rating)
	}
}

func TestUpdateRatingRejectsOutOfRange(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := newTestService(store)
	ctx := context.Background()
	id, _ := svc.Register(ctx, validRegistration())

	var verr *models.ValidationError
	if err := svc.UpdateRating(ctx, id, 0.5, "", "c1"); !errors.As(err, &verr) {
		t.Fatalf("err = %v, want validation error", err)
	}
	if err := svc.UpdateRating(ctx, id, 5.5, "", "c1"); !errors.As(err, &verr) {
		t.Fatalf("err = %v, want validation error", err)
	}
	if err := svc.UpdateRating(ctx, id, 4, "", ""); !errors.As(err, &verr) {
		t.Fatalf("missing customer: err = %v, want validation error", err)
	}
}

func TestUpdateEarningsBumpsAggregates(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := newTestService(store)
	ctx := context.Background()
	id, _ := svc.Register(ctx, validRegistration())

	if err := svc.UpdateEarnings(ctx, id, 1800, "ride-1"); err != nil {
		t.Fatalf("earnings: %v", err)
	}
	if err := svc.UpdateEarnings(ctx, id, 700, "ride-2"); err != nil {
		t.Fatalf("earnings: %v", err)
	}
	d, _ := store.GetDriver(ctx, id)
	if d.TotalEarnings != 2500 || d.TotalRides != 2 {
		t.Fatalf("aggregates = %v/%d, want 2500/2", d.TotalEarnings, d.TotalRides)
	}

	var verr *models.ValidationError
	if err := svc.UpdateEarnings(ctx, id, 0, "ride-3"); !errors.As(err, &verr) {
		t.Fatalf("err = %v, want validation error for zero amount", err)
	}
	if err := svc.UpdateEarnings(ctx, "nope", 100, "ride-4"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDetailsAggregatesToday(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := newTestService(store)
	ctx := context.Background()
	id, _ := svc.Register(ctx, validRegistration())

	if err := svc.UpdateEarnings(ctx, id, 1200, "ride-1"); err != nil {
		t.Fatalf("earnings: %v", err)
	}
	loc := models.Location{Latitude: 35.68, Longitude: 139.76, Timestamp: testTime}
	if err := store.SaveLatestLocation(ctx, id, loc); err != nil {
		t.Fatalf("save location: %v", err)
	}

	det, err := svc.Details(ctx, id)
	if err != nil {
		t.Fatalf("details: %v", err)
	}
	if det.DailyEarnings != 1200 || det.TodayRideCount != 1 {
		t.Fatalf("today = %v/%d, want 1200/1", det.DailyEarnings, det.TodayRideCount)
	}
	if det.LastLocation == nil || det.LastLocation.Latitude != 35.68 {
		t.Fatalf("last location wrong: %+v", det.LastLocation)
	}
}

func TestUpsertShiftValidation(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := newTestService(store)
	ctx := context.Background()
	id, _ := svc.Register(ctx, validRegistration())

	shift := models.Shift{Date: "2025-03-12", StartTime: "08:00", EndTime: "16:00"}
	if err := svc.UpsertShift(ctx, id, shift); err != nil {
		t.Fatalf("upsert shift: %v", err)
	}

	var verr *models.ValidationError
	if err := svc.UpsertShift(ctx, id, models.Shift{Date: "12/03/2025", StartTime: "08:00", EndTime: "16:00"}); !errors.As(err, &verr) {
		t.Fatalf("bad date: err = %v, want validation error", err)
	}
	if err := svc.UpsertShift(ctx, id, models.Shift{Date: "2025-03-12", StartTime: "8am", EndTime: "16:00"}); !errors.As(err, &verr) {
		t.Fatalf("bad time: err = %v, want validation error", err)
	}
	if err := svc.UpsertShift(ctx, id, models.Shift{Date: "2025-03-12", StartTime: "08:00", EndTime: "16:00", Status: "napping"}); !errors.As(err, &verr) {
		t.Fatalf("bad status: err = %v, want validation error", err)
	}
}
