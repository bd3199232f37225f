// Package lifecycle owns the dispatch request state machine: creation,
// rider confirmation, ride start, completion and cancellation. Every
// transition goes through a guarded store update so concurrent writers
// cannot double-apply a step.
package lifecycle

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

	"github.com/example/taxi-dispatch/internal/geo"
	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/storage"
)

var (
	// ErrInvalidTransition is returned when the requested step is not
	// reachable from the request's current status.
	ErrInvalidTransition = errors.New("invalid dispatch transition")
	// ErrNotFound mirrors the storage sentinel for unknown request ids.
	ErrNotFound = storage.ErrNotFound
)

// allowedTransitions is the full dispatch state machine. Terminal states
// map to nil.
var allowedTransitions = map[models.DispatchStatus][]models.DispatchStatus{
	models.DispatchPending:    {models.DispatchCalling, models.DispatchAssigned, models.DispatchCancelled, models.DispatchFailed},
	models.DispatchCalling:    {models.DispatchAssigned, models.DispatchCancelled, models.DispatchFailed},
	models.DispatchAssigned:   {models.DispatchConfirmed, models.DispatchCancelled, models.DispatchFailed},
	models.DispatchConfirmed:  {models.DispatchInProgress, models.DispatchCancelled, models.DispatchFailed},
	models.DispatchInProgress: {models.DispatchCompleted, models.DispatchCancelled, models.DispatchFailed},
	models.DispatchCompleted:  nil,
	models.DispatchCancelled:  nil,
	models.DispatchFailed:     nil,
}

// CanTransition reports whether from -> to is a legal step.
func CanTransition(from, to models.DispatchStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status accepts no further transitions.
func IsTerminal(s models.DispatchStatus) bool {
	next, known := allowedTransitions[s]
	return known && len(next) == 0
}

// PaymentProcessor is the fare hold/capture/cancel surface. Satisfied by
// payments.StripeClient; nil disables payment handling.
type PaymentProcessor interface {
	Hold(ctx context.Context, amount int64, currency, customerRef string) (string, error)
	Capture(ctx context.Context, paymentIntentID string) error
	Cancel(ctx context.Context, paymentIntentID string) error
}

const (
	baseFare  = 500
	farePerKm = 200

	// Performance samples recorded per ride outcome, fed back into
	// candidate scoring.
	perfCompleted     = 100
	perfCancelledLate = 50
)

// Service drives dispatch requests through their lifecycle.
type Service struct {
	store    storage.Store
	payments PaymentProcessor
	currency string
	log      *slog.Logger
	now      func() time.Time
}

func New(store storage.Store, log *slog.Logger) *Service {
	return &Service{
		store:    store,
		currency: "usd",
		log:      log,
		now:      time.Now,
	}
}

// WithPayments enables fare holds and captures.
func (s *Service) WithPayments(p PaymentProcessor, currency string) *Service {
	s.payments = p
	if currency != "" {
		s.currency = strings.ToLower(currency)
	}
	return s
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

var phoneRe = regexp.MustCompile(`^\+?[1-9]\d{1,14}$`)

// CreateParams carries the rider-facing intake fields.
type CreateParams struct {
	CustomerName  string                `json:"customer_name"`
	CustomerPhone string                `json:"customer_phone"`
	PickupAddress string                `json:"pickup_location"`
	PickupLat     *float64              `json:"pickup_lat,omitempty"`
	PickupLng     *float64              `json:"pickup_lng,omitempty"`
	Destination   string                `json:"destination"`
	VehicleType   models.VehicleType    `json:"vehicle_type"`
	Source        models.DispatchSource `json:"dispatch_source"`
	// TripDistanceKm is the caller's pickup-to-destination estimate,
	// used only for the upfront fare quote.
	TripDistanceKm float64 `json:"trip_distance_km,omitempty"`
}

// EstimateFare quotes the upfront fare for a trip distance estimate.
func EstimateFare(tripDistanceKm float64) float64 {
	if tripDistanceKm < 0 {
		tripDistanceKm = 0
	}
	return baseFare + farePerKm*tripDistanceKm
}

// Create validates intake and persists a new pending request.
func (s *Service) Create(ctx context.Context, p CreateParams) (*models.DispatchRequest, error) {
	if strings.TrimSpace(p.CustomerName) == "" {
		return nil, &models.ValidationError{Field: "customer_name", Reason: "required"}
	}
	if !phoneRe.MatchString(strings.TrimSpace(p.CustomerPhone)) {
		return nil, &models.ValidationError{Field: "customer_phone", Reason: "must be E.164"}
	}
	if strings.TrimSpace(p.PickupAddress) == "" {
		return nil, &models.ValidationError{Field: "pickup_location", Reason: "required"}
	}
	if strings.TrimSpace(p.Destination) == "" {
		return nil, &models.ValidationError{Field: "destination", Reason: "required"}
	}
	if p.VehicleType == "" {
		p.VehicleType = models.VehicleStandard
	}
	if !models.ValidVehicleType(p.VehicleType) {
		return nil, &models.ValidationError{Field: "vehicle_type", Reason: fmt.Sprintf("unknown type %q", p.VehicleType)}
	}
	if p.Source == "" {
		p.Source = models.SourceManual
	}
	switch p.Source {
	case models.SourceManual, models.SourceAIVoice, models.SourceRealtime:
	default:
		return nil, &models.ValidationError{Field: "dispatch_source", Reason: fmt.Sprintf("unknown source %q", p.Source)}
	}
	if (p.PickupLat == nil) != (p.PickupLng == nil) {
		return nil, &models.ValidationError{Field: "pickup_lat", Reason: "latitude and longitude must be set together"}
	}
	if p.PickupLat != nil && !geo.ValidCoordinate(*p.PickupLat, *p.PickupLng) {
		return nil, &models.ValidationError{Field: "pickup_lat", Reason: "coordinates out of range"}
	}

	now := s.now()
	req := &models.DispatchRequest{
		ID:            uuid.NewString(),
		CustomerName:  strings.TrimSpace(p.CustomerName),
		CustomerPhone: strings.TrimSpace(p.CustomerPhone),
		PickupAddress: strings.TrimSpace(p.PickupAddress),
		PickupLat:     p.PickupLat,
		PickupLng:     p.PickupLng,
		Destination:   strings.TrimSpace(p.Destination),
		VehicleType:   p.VehicleType,
		Status:        models.DispatchPending,
		FareAmount:    EstimateFare(p.TripDistanceKm),
		Source:        p.Source,
		CreatedAt:     now,
	}
	if err := s.store.CreateDispatch(ctx, req); err != nil {
		return nil, fmt.Errorf("create dispatch: %w", err)
	}
	s.log.Info("dispatch created",
		"dispatch_id", req.ID,
		"source", req.Source,
		"vehicle_type", req.VehicleType,
		"fare_amount", req.FareAmount)
	return req, nil
}

// Get returns the current request state.
func (s *Service) Get(ctx context.Context, id string) (*models.DispatchRequest, error) {
	return s.store.GetDispatch(ctx, id)
}

// MarkCalling moves a pending request into the outbound-call state used by
// the voice intake flow.
func (s *Service) MarkCalling(ctx context.Context, id string) (*models.DispatchRequest, error) {
	return s.transition(ctx, id, models.DispatchPending, models.DispatchCalling, nil)
}

// Confirm records the rider accepting the assigned driver. A fare hold is
// placed when a payment processor is configured; a declined hold does not
// undo the confirmation, it is surfaced through logs and the missing
// payment ref.
func (s *Service) Confirm(ctx context.Context, id string) (*models.DispatchRequest, error) {
	now := s.now()
	req, err := s.transition(ctx, id, models.DispatchAssigned, models.DispatchConfirmed, &now)
	if err != nil {
		return nil, err
	}
	if s.payments != nil {
		amount := int64(math.Round(req.FareAmount * 100))
		ref, err := s.payments.Hold(ctx, amount, s.currency, req.CustomerPhone)
		if err != nil {
			s.log.Warn("fare hold failed", "dispatch_id", id, "error", err)
		} else if err := s.store.SetDispatchPaymentRef(ctx, id, ref); err != nil {
			s.log.Warn("payment ref write failed", "dispatch_id", id, "payment_ref", ref, "error", err)
		} else {
			req.PaymentRef = ref
		}
	}
	return req, nil
}

// Start marks the pickup done and the ride underway.
func (s *Service) Start(ctx context.Context, id string) (*models.DispatchRequest, error) {
	return s.transition(ctx, id, models.DispatchConfirmed, models.DispatchInProgress, nil)
}

// Complete finishes the ride: the driver is released back to the pool, the
// fare lands in the earnings ledger, a performance sample is recorded and
// any payment hold is captured. The status transition is the commit point;
// the follow-up effects are applied best-effort and logged on failure.
func (s *Service) Complete(ctx context.Context, id string) (*models.DispatchRequest, error) {
	req, err := s.transition(ctx, id, models.DispatchInProgress, models.DispatchCompleted, nil)
	if err != nil {
		return nil, err
	}
	now := s.now()

	if req.AssignedDriverID != "" {
		if err := s.store.ReleaseDriver(ctx, req.AssignedDriverID, now); err != nil {
			s.log.Warn("driver release failed", "dispatch_id", id, "driver_id", req.AssignedDriverID, "error", err)
		}
		if err := s.store.AppendEarnings(ctx, models.EarningsEvent{
			DriverID:  req.AssignedDriverID,
			RideID:    req.ID,
			Amount:    req.FareAmount,
			CreatedAt: now,
		}); err != nil {
			s.log.Warn("earnings write failed", "dispatch_id", id, "driver_id", req.AssignedDriverID, "error", err)
		}
		if err := s.store.AppendPerformance(ctx, req.AssignedDriverID, perfCompleted, now); err != nil {
			s.log.Warn("performance write failed", "dispatch_id", id, "driver_id", req.AssignedDriverID, "error", err)
		}
	}
	if s.payments != nil && req.PaymentRef != "" {
		if err := s.payments.Capture(ctx, req.PaymentRef); err != nil {
			s.log.Warn("fare capture failed", "dispatch_id", id, "payment_ref", req.PaymentRef, "error", err)
		}
	}
	s.log.Info("dispatch completed", "dispatch_id", id, "driver_id", req.AssignedDriverID, "fare_amount", req.FareAmount)
	return req, nil
}

// Cancel aborts a request from any non-terminal state. An assigned driver
// is released, a late cancellation records a degraded performance sample
// and any payment hold is voided.
func (s *Service) Cancel(ctx context.Context, id, reason string) (*models.DispatchRequest, error) {
	return s.abort(ctx, id, models.DispatchCancelled, reason)
}

// Fail marks a request undeliverable (no driver found, intake error). Same
// cleanup as Cancel without the performance penalty.
func (s *Service) Fail(ctx context.Context, id, reason string) (*models.DispatchRequest, error) {
	return s.abort(ctx, id, models.DispatchFailed, reason)
}

func (s *Service) abort(ctx context.Context, id string, terminal models.DispatchStatus, reason string) (*models.DispatchRequest, error) {
	req, err := s.store.GetDispatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(req.Status, terminal) {
		return nil, fmt.Errorf("dispatch %s is %s: %w", id, req.Status, ErrInvalidTransition)
	}
	wasStarted := req.Status == models.DispatchConfirmed || req.Status == models.DispatchInProgress
	ok, err := s.store.UpdateDispatchStatus(ctx, id, req.Status, terminal, nil)
	if err != nil {
		return nil, fmt.Errorf("update dispatch %s: %w", id, err)
	}
	if !ok {
		// Lost to a concurrent transition; re-read so the caller sees the
		// winning state.
		return nil, fmt.Errorf("dispatch %s changed concurrently: %w", id, storage.ErrConflict)
	}
	req.Status = terminal
	now := s.now()

	if req.AssignedDriverID != "" {
		driverID := req.AssignedDriverID
		if err := s.store.ReleaseDriver(ctx, driverID, now); err != nil {
			s.log.Warn("driver release failed", "dispatch_id", id, "driver_id", driverID, "error", err)
		}
		if terminal == models.DispatchCancelled && wasStarted {
			if err := s.store.AppendPerformance(ctx, driverID, perfCancelledLate, now); err != nil {
				s.log.Warn("performance write failed", "dispatch_id", id, "driver_id", driverID, "error", err)
			}
		}
		// a terminal row must not keep the driver reference
		if err := s.store.ClearAssignment(ctx, id); err != nil {
			s.log.Warn("assignment clear failed", "dispatch_id", id, "driver_id", driverID, "error", err)
		} else {
			req.AssignedDriverID = ""
		}
	}
	if s.payments != nil && req.PaymentRef != "" {
		if err := s.payments.Cancel(ctx, req.PaymentRef); err != nil {
			s.log.Warn("fare hold release failed", "dispatch_id", id, "payment_ref", req.PaymentRef, "error", err)
		}
	}
	s.log.Info("dispatch aborted", "dispatch_id", id, "status", terminal, "reason", reason)
	return req, nil
}

// transition applies one guarded step and returns the updated request.
func (s *Service) transition(ctx context.Context, id string, from, to models.DispatchStatus, confirmedAt *time.Time) (*models.DispatchRequest, error) {
	req, err := s.store.GetDispatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != from {
		return nil, fmt.Errorf("dispatch %s is %s, not %s: %w", id, req.Status, from, ErrInvalidTransition)
	}
	ok, err := s.store.UpdateDispatchStatus(ctx, id, from, to, confirmedAt)
	if err != nil {
		return nil, fmt.Errorf("update dispatch %s: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("dispatch %s changed concurrently: %w", id, storage.ErrConflict)
	}
	req.Status = to
	if confirmedAt != nil {
		req.ConfirmedAt = confirmedAt
	}
	return req, nil
}
