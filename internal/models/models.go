package models

import "time"

type VehicleType string

const (
	VehicleStandard   VehicleType = "standard"
	VehiclePremium    VehicleType = "premium"
	VehicleWheelchair VehicleType = "wheelchair"
)

func ValidVehicleType(v VehicleType) bool {
	switch v {
	case VehicleStandard, VehiclePremium, VehicleWheelchair:
		return true
	}
	return false
}

type DriverStatus string

const (
	DriverPendingVerification DriverStatus = "pending_verification"
	DriverAvailable           DriverStatus = "available"
	DriverBusy                DriverStatus = "busy"
	DriverOffline             DriverStatus = "offline"
)

func ValidDriverStatus(s DriverStatus) bool {
	switch s {
	case DriverPendingVerification, DriverAvailable, DriverBusy, DriverOffline:
		return true
	}
	return false
}

type Driver struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Email         string       `json:"email"`
	Phone         string       `json:"phone"`
	LicenseNumber string       `json:"license_number"`
	VehicleType   VehicleType  `json:"vehicle_type"`
	VehicleModel  string       `json:"vehicle_model"`
	VehiclePlate  string       `json:"vehicle_plate"`
	VehicleColor  string       `json:"vehicle_color"`
	Status        DriverStatus `json:"status"`
	Rating        float64      `json:"rating"` // 0..5, mean of rating events
	TotalRatings  int          `json:"total_ratings"`
	TotalRides    int          `json:"total_rides"`
	TotalEarnings float64      `json:"total_earnings"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Location is a single GPS fix for a driver.
type Location struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Heading   float64   `json:"heading,omitempty"`  // 0..360
	Speed     float64   `json:"speed,omitempty"`    // >= 0
	Accuracy  float64   `json:"accuracy,omitempty"` // >= 0
	Timestamp time.Time `json:"timestamp"`
}

// LocationPing is the wire shape published to Kafka on every update.
type LocationPing struct {
	DriverID string   `json:"driver_id"`
	Location Location `json:"location"`
}

type Freshness string

const (
	FreshRealTime Freshness = "real_time"
	FreshRecent   Freshness = "recent"
	FreshStale    Freshness = "stale"
)

type DispatchStatus string

const (
	DispatchPending    DispatchStatus = "pending"
	DispatchCalling    DispatchStatus = "calling"
	DispatchAssigned   DispatchStatus = "assigned"
	DispatchConfirmed  DispatchStatus = "confirmed"
	DispatchInProgress DispatchStatus = "in_progress"
	DispatchCompleted  DispatchStatus = "completed"
	DispatchCancelled  DispatchStatus = "cancelled"
	DispatchFailed     DispatchStatus = "failed"
)

type DispatchSource string

const (
	SourceManual   DispatchSource = "manual"
	SourceAIVoice  DispatchSource = "ai_voice"
	SourceRealtime DispatchSource = "realtime"
)

type DispatchRequest struct {
	ID               string         `json:"id"`
	CustomerName     string         `json:"customer_name"`
	CustomerPhone    string         `json:"customer_phone"`
	PickupAddress    string         `json:"pickup_location"`
	PickupLat        *float64       `json:"pickup_lat,omitempty"`
	PickupLng        *float64       `json:"pickup_lng,omitempty"`
	Destination      string         `json:"destination"`
	VehicleType      VehicleType    `json:"vehicle_type"`
	Status           DispatchStatus `json:"status"`
	AssignedDriverID string         `json:"assigned_driver_id,omitempty"`
	EstimatedArrival int            `json:"estimated_arrival"` // minutes
	FareAmount       float64        `json:"fare_amount"`
	Source           DispatchSource `json:"dispatch_source"`
	PriorityScore    float64        `json:"priority_score"`
	PaymentRef       string         `json:"payment_ref,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	ConfirmedAt      *time.Time     `json:"confirmed_at,omitempty"`
}

// MatchingResult is an append-only audit row, one per matching decision.
type MatchingResult struct {
	DispatchID string    `json:"dispatch_id"`
	DriverID   string    `json:"driver_id"`
	Score      float64   `json:"matching_score"`
	CreatedAt  time.Time `json:"created_at"`
}

// RatingEvent is immutable once written; Driver.Rating is recomputed from
// the full set of events for the driver.
type RatingEvent struct {
	DriverID   string    `json:"driver_id"`
	CustomerID string    `json:"customer_id"`
	Rating     float64   `json:"rating"` // 1..5
	Comment    string    `json:"comment,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type EarningsEvent struct {
	DriverID  string    `json:"driver_id"`
	RideID    string    `json:"ride_id"`
	Amount    float64   `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

type StatusEvent struct {
	DriverID  string       `json:"driver_id"`
	Status    DriverStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
}

// Shift is scheduling metadata keyed by (driver, date); it is not enforced
// against dispatch assignment.
type Shift struct {
	DriverID  string    `json:"driver_id"`
	Date      string    `json:"date"`       // YYYY-MM-DD
	StartTime string    `json:"start_time"` // HH:MM
	EndTime   string    `json:"end_time"`   // HH:MM
	Status    string    `json:"status"`     // scheduled, active, completed, cancelled
	CreatedAt time.Time `json:"created_at"`
}

// Candidate is one driver considered for a matching decision, carrying the
// signals the scorer consumes.
type Candidate struct {
	Driver           Driver    `json:"driver"`
	Loc              Location  `json:"location"`
	DistanceKm       float64   `json:"distance_km"`
	Freshness        Freshness `json:"location_freshness"`
	PerformanceScore float64   `json:"performance_score"` // 0..100, 100 if unknown
}

type MatchOffer struct {
	DispatchID       string  `json:"dispatch_id"`
	DriverID         string  `json:"driver_id"`
	Score            float64 `json:"matching_score"`
	DistanceKm       float64 `json:"distance_km"`
	EstimatedArrival int     `json:"estimated_arrival"` // minutes
}

// DemandCell is one geographic cell of a demand forecast.
type DemandCell struct {
	Name            string  `json:"name"`
	LatMin          float64 `json:"lat_min"`
	LatMax          float64 `json:"lat_max"`
	LngMin          float64 `json:"lng_min"`
	LngMax          float64 `json:"lng_max"`
	PredictedDemand int     `json:"predicted_demand"`
	Priority        int     `json:"priority"`
}

type DemandForecast struct {
	HighDemandAreas []DemandCell `json:"high_demand_areas"`
}

type PlacementRecommendation struct {
	Area      string `json:"area"`
	Shortfall int    `json:"shortfall"`
	Priority  int    `json:"priority"`
}

type MatchingPerformance struct {
	TotalRequests       int     `json:"total_requests"`
	SuccessfulMatches   int     `json:"successful_matches"`
	SuccessRate         float64 `json:"success_rate"`
	AvgMatchingScore    float64 `json:"average_matching_score"`
	AvgMatchTimeMinutes float64 `json:"average_match_time_minutes"`
}
