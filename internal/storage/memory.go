package storage

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/example/taxi-dispatch/internal/geo"
	"github.com/example/taxi-dispatch/internal/models"
)

// MemoryStore implements Store with mutex-guarded maps. It backs local runs
// and tests; production deployments use PostgresStore.
type MemoryStore struct {
	mu           sync.RWMutex
	drivers      map[string]*models.Driver
	latest       map[string]models.Location
	history      map[string][]models.Location
	dispatches   map[string]*models.DispatchRequest
	matchResults []models.MatchingResult
	ratings      map[string][]models.RatingEvent
	earnings     map[string][]models.EarningsEvent
	statusEvents map[string][]models.StatusEvent
	performance  map[string][]perfSample
	shifts       map[string]models.Shift
}

type perfSample struct {
	score float64
	at    time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		drivers:      make(map[string]*models.Driver),
		latest:       make(map[string]models.Location),
		history:      make(map[string][]models.Location),
		dispatches:   make(map[string]*models.DispatchRequest),
		ratings:      make(map[string][]models.RatingEvent),
		earnings:     make(map[string][]models.EarningsEvent),
		statusEvents: make(map[string][]models.StatusEvent),
		performance:  make(map[string][]perfSample),
		shifts:       make(map[string]models.Shift),
	}
}

func (m *MemoryStore) CreateDriver(ctx context.Context, d *models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.drivers[d.ID]; ok {
		return fmt.Errorf("driver %s exists: %w", d.ID, ErrConflict)
	}
	cp := *d
	m.drivers[d.ID] = &cp
	return nil
}

func (m *MemoryStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) ListDriversByStatus(ctx context.Context, status models.DriverStatus) ([]models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Driver, 0)
	for _, d := range m.drivers {
		if d.Status == status {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (m *MemoryStore) SetDriverStatus(ctx context.Context, id string, status models.DriverStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return ErrNotFound
	}
	d.Status = status
	d.UpdatedAt = at
	return nil
}

func (m *MemoryStore) ClaimDriver(ctx context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return false, ErrNotFound
	}
	if d.Status != models.DriverAvailable {
		return false, nil
	}
	d.Status = models.DriverBusy
	d.UpdatedAt = at
	return true, nil
}

func (m *MemoryStore) ReleaseDriver(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return ErrNotFound
	}
	if d.Status == models.DriverBusy {
		d.Status = models.DriverAvailable
		d.UpdatedAt = at
	}
	return nil
}

func (m *MemoryStore) AppendStatusEvent(ctx context.Context, ev models.StatusEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusEvents[ev.DriverID] = append(m.statusEvents[ev.DriverID], ev)
	return nil
}

func (m *MemoryStore) AppendRating(ctx context.Context, ev models.RatingEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ratings[ev.DriverID] = append(m.ratings[ev.DriverID], ev)
	return nil
}

func (m *MemoryStore) RatingSummary(ctx context.Context, driverID string) (float64, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.ratings[driverID]
	if len(events) == 0 {
		return 0, 0, nil
	}
	var sum float64
	for _, ev := range events {
		sum += ev.Rating
	}
	return sum / float64(len(events)), len(events), nil
}

func (m *MemoryStore) SetDriverRating(ctx context.Context, id string, rating float64, totalRatings int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return ErrNotFound
	}
	d.Rating = rating
	d.TotalRatings = totalRatings
	d.UpdatedAt = at
	return nil
}

func (m *MemoryStore) AppendEarnings(ctx context.Context, ev models.EarningsEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[ev.DriverID]
	if !ok {
		return ErrNotFound
	}
	m.earnings[ev.DriverID] = append(m.earnings[ev.DriverID], ev)
	d.TotalEarnings += ev.Amount
	d.TotalRides++
	d.UpdatedAt = ev.CreatedAt
	return nil
}

func (m *MemoryStore) DailyEarnings(ctx context.Context, driverID string, day time.Time) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var sum float64
	for _, ev := range m.earnings[driverID] {
		if sameDay(ev.CreatedAt, day) {
			sum += ev.Amount
		}
	}
	return sum, nil
}

func (m *MemoryStore) RideCountSince(ctx context.Context, driverID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, ev := range m.earnings[driverID] {
		if !ev.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) AppendPerformance(ctx context.Context, driverID string, score float64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.performance[driverID] = append(m.performance[driverID], perfSample{score: score, at: at})
	return nil
}

func (m *MemoryStore) AvgPerformance(ctx context.Context, driverID string, since time.Time) (float64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var sum float64
	n := 0
	for _, p := range m.performance[driverID] {
		if !p.at.Before(since) {
			sum += p.score
			n++
		}
	}
	if n == 0 {
		return 0, false, nil
	}
	return sum / float64(n), true, nil
}

func (m *MemoryStore) UpsertShift(ctx context.Context, s models.Shift) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.drivers[s.DriverID]; !ok {
		return ErrNotFound
	}
	m.shifts[s.DriverID+"|"+s.Date] = s
	return nil
}

func (m *MemoryStore) CountAvailableInBox(ctx context.Context, latMin, latMax, lngMin, lngMax float64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for id, d := range m.drivers {
		if d.Status != models.DriverAvailable {
			continue
		}
		loc, ok := m.latest[id]
		if !ok {
			continue
		}
		if geo.InBox(loc.Latitude, loc.Longitude, latMin, latMax, lngMin, lngMax) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) SaveLatestLocation(ctx context.Context, driverID string, loc models.Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latest[driverID] = loc
	return nil
}

func (m *MemoryStore) AppendLocationHistory(ctx context.Context, driverID string, loc models.Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[driverID] = append(m.history[driverID], loc)
	return nil
}

func (m *MemoryStore) LatestLocation(ctx context.Context, driverID string) (models.Location, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	loc, ok := m.latest[driverID]
	return loc, ok, nil
}

func (m *MemoryStore) CreateDispatch(ctx context.Context, d *models.DispatchRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.dispatches[d.ID]; ok {
		return fmt.Errorf("dispatch %s exists: %w", d.ID, ErrConflict)
	}
	cp := *d
	m.dispatches[d.ID] = &cp
	return nil
}

func (m *MemoryStore) GetDispatch(ctx context.Context, id string) (*models.DispatchRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.dispatches[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) AssignDispatch(ctx context.Context, id, driverID string, etaMinutes int, score float64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dispatches[id]
	if !ok {
		return false, ErrNotFound
	}
	if d.Status != models.DispatchPending && d.Status != models.DispatchCalling {
		return false, nil
	}
	d.Status = models.DispatchAssigned
	d.AssignedDriverID = driverID
	d.EstimatedArrival = etaMinutes
	d.PriorityScore = score
	return true, nil
}

func (m *MemoryStore) UpdateDispatchStatus(ctx context.Context, id string, from, to models.DispatchStatus, confirmedAt *time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dispatches[id]
	if !ok {
		return false, ErrNotFound
	}
	if d.Status != from {
		return false, nil
	}
	d.Status = to
	if confirmedAt != nil {
		d.ConfirmedAt = confirmedAt
	}
	return true, nil
}

func (m *MemoryStore) ClearAssignment(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dispatches[id]
	if !ok {
		return ErrNotFound
	}
	d.AssignedDriverID = ""
	return nil
}

func (m *MemoryStore) SetDispatchPaymentRef(ctx context.Context, id, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dispatches[id]
	if !ok {
		return ErrNotFound
	}
	d.PaymentRef = ref
	return nil
}

func (m *MemoryStore) AppendMatchingResult(ctx context.Context, r models.MatchingResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.matchResults = append(m.matchResults, r)
	return nil
}

func (m *MemoryStore) MatchingStats(ctx context.Context, since time.Time) (models.MatchingPerformance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var perf models.MatchingPerformance
	var matchMinutes float64
	confirmed := 0
	for _, d := range m.dispatches {
		if d.CreatedAt.Before(since) {
			continue
		}
		perf.TotalRequests++
		if d.Status != models.DispatchCancelled && d.Status != models.DispatchFailed {
			perf.SuccessfulMatches++
		}
		if d.ConfirmedAt != nil {
			matchMinutes += d.ConfirmedAt.Sub(d.CreatedAt).Minutes()
			confirmed++
		}
	}
	var scoreSum float64
	scored := 0
	for _, r := range m.matchResults {
		if !r.CreatedAt.Before(since) {
			scoreSum += r.Score
			scored++
		}
	}
	if perf.TotalRequests > 0 {
		perf.SuccessRate = round2(float64(perf.SuccessfulMatches) / float64(perf.TotalRequests) * 100)
	}
	if scored > 0 {
		perf.AvgMatchingScore = round2(scoreSum / float64(scored))
	}
	if confirmed > 0 {
		perf.AvgMatchTimeMinutes = round2(matchMinutes / float64(confirmed))
	}
	return perf, nil
}

func (m *MemoryStore) DemandCount(ctx context.Context, pickup, destination string, hour int, weekday time.Weekday, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, d := range m.dispatches {
		if d.CreatedAt.Before(since) {
			continue
		}
		if d.CreatedAt.Hour() != hour || d.CreatedAt.Weekday() != weekday {
			continue
		}
		if containsEither(d.PickupAddress, d.Destination, pickup, destination) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) DriverRidesSince(ctx context.Context, driverID string, since time.Time, statuses []models.DispatchStatus) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, d := range m.dispatches {
		if d.AssignedDriverID != driverID || d.CreatedAt.Before(since) {
			continue
		}
		for _, s := range statuses {
			if d.Status == s {
				n++
				break
			}
		}
	}
	return n, nil
}

func sameDay(t, day time.Time) bool {
	t = t.In(day.Location())
	return t.Year() == day.Year() && t.YearDay() == day.YearDay()
}

func containsEither(pickupAddr, destAddr, pickup, destination string) bool {
	if pickup != "" && strings.Contains(pickupAddr, pickup) {
		return true
	}
	return destination != "" && strings.Contains(destAddr, destination)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
