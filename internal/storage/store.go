package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/taxi-dispatch/internal/models"
)

var (
	// ErrNotFound is returned for unknown driver or dispatch ids.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a guarded update lost to a concurrent writer.
	ErrConflict = errors.New("concurrent update conflict")
)

// DriverStore owns driver identity, lifecycle state and the append-only
// rating/earnings/status ledgers.
type DriverStore interface {
	CreateDriver(ctx context.Context, d *models.Driver) error
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	ListDriversByStatus(ctx context.Context, status models.DriverStatus) ([]models.Driver, error)
	SetDriverStatus(ctx context.Context, id string, status models.DriverStatus, at time.Time) error

	// ClaimDriver atomically flips available -> busy and stamps the last
	// dispatch time. It reports false without error when the driver was
	// already claimed by a concurrent match.
	ClaimDriver(ctx context.Context, id string, at time.Time) (bool, error)
	// ReleaseDriver flips busy -> available.
	ReleaseDriver(ctx context.Context, id string, at time.Time) error

	AppendStatusEvent(ctx context.Context, ev models.StatusEvent) error

	AppendRating(ctx context.Context, ev models.RatingEvent) error
	RatingSummary(ctx context.Context, driverID string) (avg float64, count int, err error)
	SetDriverRating(ctx context.Context, id string, rating float64, totalRatings int, at time.Time) error

	AppendEarnings(ctx context.Context, ev models.EarningsEvent) error
	DailyEarnings(ctx context.Context, driverID string, day time.Time) (float64, error)
	RideCountSince(ctx context.Context, driverID string, since time.Time) (int, error)

	AppendPerformance(ctx context.Context, driverID string, score float64, at time.Time) error
	AvgPerformance(ctx context.Context, driverID string, since time.Time) (float64, bool, error)

	UpsertShift(ctx context.Context, s models.Shift) error

	// CountAvailableInBox counts available drivers whose latest fix falls
	// inside the bounding box. Used by placement optimization.
	CountAvailableInBox(ctx context.Context, latMin, latMax, lngMin, lngMax float64) (int, error)
}

// LocationStore is the durable side of the location tracker. The in-memory
// cache is the source of truth for real-time paths; these writes are
// best-effort backups.
type LocationStore interface {
	SaveLatestLocation(ctx context.Context, driverID string, loc models.Location) error
	AppendLocationHistory(ctx context.Context, driverID string, loc models.Location) error
	LatestLocation(ctx context.Context, driverID string) (models.Location, bool, error)
}

// DispatchStore owns ride requests, the matching audit log and the derived
// analytics queries.
type DispatchStore interface {
	CreateDispatch(ctx context.Context, d *models.DispatchRequest) error
	GetDispatch(ctx context.Context, id string) (*models.DispatchRequest, error)

	// AssignDispatch moves pending -> assigned and records the winning
	// driver, ETA and priority score. Reports false when the request was
	// no longer pending.
	AssignDispatch(ctx context.Context, id, driverID string, etaMinutes int, score float64, at time.Time) (bool, error)
	// UpdateDispatchStatus is a guarded from -> to transition; confirmedAt
	// is stamped when non-nil. Reports false when the guard failed.
	UpdateDispatchStatus(ctx context.Context, id string, from, to models.DispatchStatus, confirmedAt *time.Time) (bool, error)
	// ClearAssignment releases the driver reference as part of
	// cancellation; status must already be a terminal state.
	ClearAssignment(ctx context.Context, id string) error
	// SetDispatchPaymentRef records the payment hold reference.
	SetDispatchPaymentRef(ctx context.Context, id, ref string) error

	AppendMatchingResult(ctx context.Context, r models.MatchingResult) error

	MatchingStats(ctx context.Context, since time.Time) (models.MatchingPerformance, error)
	DemandCount(ctx context.Context, pickup, destination string, hour int, weekday time.Weekday, since time.Time) (int, error)
	DriverRidesSince(ctx context.Context, driverID string, since time.Time, statuses []models.DispatchStatus) (int, error)
}

// Store is the full persistence surface consumed by the services.
type Store interface {
	DriverStore
	LocationStore
	DispatchStore
}
