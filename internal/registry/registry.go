// Package registry owns driver identity, profile data and the
// availability state machine.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/storage"
)

var (
	ErrNotFound = errors.New("driver not found")
)

var (
	phoneRe = regexp.MustCompile(`^\+?[1-9]\d{1,14}$`)
	emailRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	dateRe  = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	timeRe  = regexp.MustCompile(`^\d{2}:\d{2}$`)
)

type Service struct {
	store storage.Store
	log   *slog.Logger
	now   func() time.Time
}

func NewService(store storage.Store, log *slog.Logger) *Service {
	return &Service{store: store, log: log, now: time.Now}
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

type Registration struct {
	Name          string             `json:"name"`
	Email         string             `json:"email"`
	Phone         string             `json:"phone"`
	LicenseNumber string             `json:"license_number"`
	VehicleType   models.VehicleType `json:"vehicle_type"`
	VehicleModel  string             `json:"vehicle_model"`
	VehiclePlate  string             `json:"vehicle_plate"`
	VehicleColor  string             `json:"vehicle_color"`
}

// Register validates the profile, assigns a fresh id and stores the driver
// in pending_verification with zeroed aggregates.
func (s *Service) Register(ctx context.Context, reg Registration) (string, error) {
	if err := validateRegistration(reg); err != nil {
		return "", err
	}
	now := s.now()
	d := &models.Driver{
		ID:            uuid.NewString(),
		Name:          strings.TrimSpace(reg.Name),
		Email:         strings.TrimSpace(reg.Email),
		Phone:         strings.TrimSpace(reg.Phone),
		LicenseNumber: strings.TrimSpace(reg.LicenseNumber),
		VehicleType:   reg.VehicleType,
		VehicleModel:  reg.VehicleModel,
		VehiclePlate:  reg.VehiclePlate,
		VehicleColor:  reg.VehicleColor,
		Status:        models.DriverPendingVerification,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateDriver(ctx, d); err != nil {
		return "", fmt.Errorf("create driver: %w", err)
	}
	s.log.Info("driver registered", "driver_id", d.ID, "vehicle_type", d.VehicleType)
	return d.ID, nil
}

func validateRegistration(reg Registration) error {
	if strings.TrimSpace(reg.Name) == "" {
		return &models.ValidationError{Field: "name", Reason: "required"}
	}
	if !emailRe.MatchString(strings.TrimSpace(reg.Email)) {
		return &models.ValidationError{Field: "email", Reason: "malformed"}
	}
	if !phoneRe.MatchString(strings.TrimSpace(reg.Phone)) {
		return &models.ValidationError{Field: "phone", Reason: "malformed"}
	}
	if strings.TrimSpace(reg.LicenseNumber) == "" {
		return &models.ValidationError{Field: "license_number", Reason: "required"}
	}
	if !models.ValidVehicleType(reg.VehicleType) {
		return &models.ValidationError{Field: "vehicle_type", Reason: "unknown type"}
	}
	if reg.VehicleModel == "" {
		return &models.ValidationError{Field: "vehicle_model", Reason: "required"}
	}
	if reg.VehiclePlate == "" {
		return &models.ValidationError{Field: "vehicle_plate", Reason: "required"}
	}
	if reg.VehicleColor == "" {
		return &models.ValidationError{Field: "vehicle_color", Reason: "required"}
	}
	return nil
}

// UpdateStatus moves the driver to the given status and appends an
// immutable status-history event.
func (s *Service) UpdateStatus(ctx context.Context, driverID string, status models.DriverStatus) error {
	if !models.ValidDriverStatus(status) {
		return &models.ValidationError{Field: "status", Reason: "unknown status"}
	}
	now := s.now()
	if err := s.store.SetDriverStatus(ctx, driverID, status, now); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("update status: %w", err)
	}
	if err := s.store.AppendStatusEvent(ctx, models.StatusEvent{DriverID: driverID, Status: status, CreatedAt: now}); err != nil {
		s.log.Warn("status history append failed", "driver_id", driverID, "error", err)
	}
	return nil
}

// UpdateRating appends a rating event then recomputes the driver's mean
// rating, rounded to one decimal place.
func (s *Service) UpdateRating(ctx context.Context, driverID string, rating float64, comment, customerID string) error {
	if rating < 1 || rating > 5 {
		return &models.ValidationError{Field: "rating", Reason: "must be between 1 and 5"}
	}
	if customerID == "" {
		return &models.ValidationError{Field: "customer_id", Reason: "required"}
	}
	now := s.now()
	if _, err := s.store.GetDriver(ctx, driverID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	ev := models.RatingEvent{DriverID: driverID, CustomerID: customerID, Rating: rating, Comment: comment, CreatedAt: now}
	if err := s.store.AppendRating(ctx, ev); err != nil {
		return fmt.Errorf("append rating: %w", err)
	}
	avg, count, err := s.store.RatingSummary(ctx, driverID)
	if err != nil {
		return fmt.Errorf("rating summary: %w", err)
	}
	rounded := math.Round(avg*10) / 10
	if err := s.store.SetDriverRating(ctx, driverID, rounded, count, now); err != nil {
		return fmt.Errorf("set rating: %w", err)
	}
	return nil
}

// UpdateEarnings appends an earnings event; total_earnings and total_rides
// are bumped atomically by the store.
func (s *Service) UpdateEarnings(ctx context.Context, driverID string, amount float64, rideID string) error {
	if amount <= 0 {
		return &models.ValidationError{Field: "amount", Reason: "must be > 0"}
	}
	ev := models.EarningsEvent{DriverID: driverID, RideID: rideID, Amount: amount, CreatedAt: s.now()}
	if err := s.store.AppendEarnings(ctx, ev); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("append earnings: %w", err)
	}
	return nil
}

// Details is the driver profile plus latest location and the current-day
// aggregates.
type Details struct {
	Driver         models.Driver    `json:"driver"`
	LastLocation   *models.Location `json:"last_location,omitempty"`
	DailyEarnings  float64          `json:"daily_earnings"`
	TodayRideCount int              `json:"today_rides"`
}

func (s *Service) Details(ctx context.Context, driverID string) (*Details, error) {
	d, err := s.store.GetDriver(ctx, driverID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	now := s.now()
	out := &Details{Driver: *d}
	if loc, ok, err := s.store.LatestLocation(ctx, driverID); err == nil && ok {
		out.LastLocation = &loc
	}
	if sum, err := s.store.DailyEarnings(ctx, driverID, now); err == nil {
		out.DailyEarnings = sum
	} else {
		s.log.Warn("daily earnings query failed", "driver_id", driverID, "error", err)
	}
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if n, err := s.store.RideCountSince(ctx, driverID, startOfDay); err == nil {
		out.TodayRideCount = n
	} else {
		s.log.Warn("today ride count query failed", "driver_id", driverID, "error", err)
	}
	return out, nil
}

// UpsertShift stores scheduling metadata keyed by (driver, date).
func (s *Service) UpsertShift(ctx context.Context, driverID string, shift models.Shift) error {
	if !dateRe.MatchString(shift.Date) {
		return &models.ValidationError{Field: "date", Reason: "expected YYYY-MM-DD"}
	}
	if !timeRe.MatchString(shift.StartTime) || !timeRe.MatchString(shift.EndTime) {
		return &models.ValidationError{Field: "time", Reason: "expected HH:MM"}
	}
	switch shift.Status {
	case "":
		shift.Status = "scheduled"
	case "scheduled", "active", "completed", "cancelled":
	default:
		return &models.ValidationError{Field: "status", Reason: "unknown shift status"}
	}
	shift.DriverID = driverID
	shift.CreatedAt = s.now()
	if err := s.store.UpsertShift(ctx, shift); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("upsert shift: %w", err)
	}
	return nil
}
