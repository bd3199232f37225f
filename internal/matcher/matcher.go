package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/example/taxi-dispatch/internal/config"
	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/observability"
	"github.com/example/taxi-dispatch/internal/storage"
)

// ErrNoMatch is returned when no available driver passes the viability
// floor, or every ranked candidate was claimed by a concurrent match first.
var ErrNoMatch = errors.New("no viable driver available")

// DefaultSearchRadiusKm bounds the candidate search around the pickup point.
const DefaultSearchRadiusKm = 5.0

// CandidateSource supplies scored-ready candidates near a pickup point.
// The tracker's in-memory index and the Redis geo index both satisfy it.
type CandidateSource interface {
	Nearby(ctx context.Context, lat, lng, radiusKm float64, vehicle models.VehicleType, limit int) ([]models.Candidate, error)
}

// Offerer pushes a match offer to a connected driver. Delivery is
// best-effort; an offline driver does not undo the assignment.
type Offerer interface {
	Offer(driverID string, offer models.MatchOffer) error
}

// Service is the matching engine: it gathers candidates, scores them,
// claims the winner atomically and records the decision.
type Service struct {
	Candidates CandidateSource
	Store      storage.Store
	Offers     Offerer // nil disables push delivery
	Cfg        config.MatcherConfig
	Log        *slog.Logger

	now func() time.Time
}

func New(cands CandidateSource, store storage.Store, cfg config.MatcherConfig, log *slog.Logger) *Service {
	if cfg.SearchRadiusKm <= 0 {
		cfg.SearchRadiusKm = DefaultSearchRadiusKm
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 10
	}
	return &Service{
		Candidates: cands,
		Store:      store,
		Cfg:        cfg,
		Log:        log,
		now:        time.Now,
	}
}

// WithOfferer enables push delivery of match offers.
func (s *Service) WithOfferer(o Offerer) *Service {
	s.Offers = o
	return s
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Decision is the outcome of a successful match.
type Decision struct {
	Assigned   models.MatchOffer   `json:"assigned"`
	Alternates []models.MatchOffer `json:"alternates,omitempty"`
}

type scored struct {
	cand  models.Candidate
	score float64
}

// Match runs the full score-claim-record flow for a pending request.
// It returns ErrNoMatch when no candidate can be assigned.
func (s *Service) Match(ctx context.Context, req *models.DispatchRequest) (*Decision, error) {
	start := s.now()

	cands, err := s.gatherCandidates(ctx, req)
	if err != nil {
		return nil, err
	}
	dec, err := s.MatchAmong(ctx, req, cands)
	if err != nil {
		return nil, err
	}
	observability.MatchLatency.Observe(s.now().Sub(start).Seconds())
	return dec, nil
}

// MatchAmong scores and assigns within a caller-supplied candidate set.
// Exposed so callers with precomputed candidates (tests, rematch paths)
// skip the geo search.
func (s *Service) MatchAmong(ctx context.Context, req *models.DispatchRequest, cands []models.Candidate) (*Decision, error) {
	if len(cands) == 0 {
		observability.NoMatchTotal.Inc()
		return nil, ErrNoMatch
	}
	now := s.now()

	demandBonus := s.demandScore(ctx, req, now)

	ranked := make([]scored, 0, len(cands))
	for _, c := range cands {
		ranked = append(ranked, scored{cand: c, score: s.scoreCandidate(ctx, req, c, demandBonus, now)})
	}
	sortRanked(ranked)

	winner, rest, err := s.claimBest(ctx, req, ranked, now)
	if err != nil {
		return nil, err
	}
	if winner == nil {
		observability.NoMatchTotal.Inc()
		s.Log.Info("no viable driver", "dispatch_id", req.ID, "candidates", len(cands))
		return nil, ErrNoMatch
	}

	offer := s.buildOffer(req, *winner)

	if err := s.Store.AppendMatchingResult(ctx, models.MatchingResult{
		DispatchID: req.ID,
		DriverID:   offer.DriverID,
		Score:      winner.score,
		CreatedAt:  now,
	}); err != nil {
		s.Log.Warn("matching audit write failed", "dispatch_id", req.ID, "error", err)
	}

	ok, err := s.Store.AssignDispatch(ctx, req.ID, offer.DriverID, offer.EstimatedArrival, winner.score, now)
	if err != nil {
		s.release(ctx, offer.DriverID)
		return nil, fmt.Errorf("assign dispatch %s: %w", req.ID, err)
	}
	if !ok {
		// Request left pending state while we were matching (cancelled or
		// raced by another matcher). Undo the claim.
		s.release(ctx, offer.DriverID)
		return nil, fmt.Errorf("dispatch %s: %w", req.ID, storage.ErrConflict)
	}
	req.Status = models.DispatchAssigned
	req.AssignedDriverID = offer.DriverID
	req.EstimatedArrival = offer.EstimatedArrival
	req.PriorityScore = winner.score

	if s.Offers != nil {
		if err := s.Offers.Offer(offer.DriverID, offer); err != nil {
			s.Log.Warn("offer delivery failed", "driver_id", offer.DriverID, "dispatch_id", req.ID, "error", err)
		}
	}

	observability.MatchesTotal.Inc()
	s.Log.Info("driver matched",
		"dispatch_id", req.ID,
		"driver_id", offer.DriverID,
		"score", winner.score,
		"distance_km", offer.DistanceKm,
		"eta_minutes", offer.EstimatedArrival)

	dec := &Decision{Assigned: offer}
	for i := 0; i < len(rest) && i < 2; i++ {
		dec.Alternates = append(dec.Alternates, s.buildOffer(req, rest[i]))
	}
	return dec, nil
}

func (s *Service) gatherCandidates(ctx context.Context, req *models.DispatchRequest) ([]models.Candidate, error) {
	if req.PickupLat == nil || req.PickupLng == nil {
		// Address-only requests fall back to every available driver with a
		// usable fix; distance contributes zero.
		return s.availableFallback(ctx)
	}
	cands, err := s.Candidates.Nearby(ctx, *req.PickupLat, *req.PickupLng, s.Cfg.SearchRadiusKm, "", s.Cfg.MaxCandidates)
	if err != nil {
		return nil, fmt.Errorf("candidate search: %w", err)
	}
	return cands, nil
}

func (s *Service) availableFallback(ctx context.Context) ([]models.Candidate, error) {
	drivers, err := s.Store.ListDriversByStatus(ctx, models.DriverAvailable)
	if err != nil {
		return nil, fmt.Errorf("list available drivers: %w", err)
	}
	cands := make([]models.Candidate, 0, len(drivers))
	for _, d := range drivers {
		if len(cands) >= s.Cfg.MaxCandidates {
			break
		}
		c := models.Candidate{Driver: d, Freshness: models.FreshStale, PerformanceScore: 100}
		if loc, ok, err := s.Store.LatestLocation(ctx, d.ID); err == nil && ok {
			c.Loc = loc
		}
		cands = append(cands, c)
	}
	return cands, nil
}

// claimBest walks the ranked list claiming the first viable candidate.
// A claim lost to a concurrent match is not an error; the next candidate
// is tried. Unclaimed runners-up are returned for the alternates list.
func (s *Service) claimBest(ctx context.Context, req *models.DispatchRequest, ranked []scored, now time.Time) (*scored, []scored, error) {
	for i, sc := range ranked {
		if s.Cfg.ViabilityFloor > 0 && sc.score < s.Cfg.ViabilityFloor {
			break
		}
		ok, err := s.Store.ClaimDriver(ctx, sc.cand.Driver.ID, now)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, nil, fmt.Errorf("claim driver %s: %w", sc.cand.Driver.ID, err)
		}
		if !ok {
			observability.ClaimConflicts.Inc()
			s.Log.Debug("claim conflict, trying next candidate",
				"dispatch_id", req.ID, "driver_id", sc.cand.Driver.ID)
			continue
		}
		return &ranked[i], ranked[i+1:], nil
	}
	return nil, nil, nil
}

func (s *Service) release(ctx context.Context, driverID string) {
	if err := s.Store.ReleaseDriver(ctx, driverID, s.now()); err != nil {
		s.Log.Error("failed to release claimed driver", "driver_id", driverID, "error", err)
	}
}

func (s *Service) buildOffer(req *models.DispatchRequest, sc scored) models.MatchOffer {
	return models.MatchOffer{
		DispatchID:       req.ID,
		DriverID:         sc.cand.Driver.ID,
		Score:            sc.score,
		DistanceKm:       sc.cand.DistanceKm,
		EstimatedArrival: EstimateArrivalMinutes(sc.cand.DistanceKm),
	}
}

// EstimateArrivalMinutes converts straight-line distance into a pickup ETA:
// two minutes per km plus a three minute buffer, rounded up.
func EstimateArrivalMinutes(distanceKm float64) int {
	return int(math.Ceil(distanceKm*2 + 3))
}

// sortRanked orders by score descending with deterministic tiebreaks:
// fresher location fix first, then higher rating, then lower id. Two
// identical inputs always produce the same winner.
func sortRanked(ranked []scored) {
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if !a.cand.Loc.Timestamp.Equal(b.cand.Loc.Timestamp) {
			return a.cand.Loc.Timestamp.After(b.cand.Loc.Timestamp)
		}
		if a.cand.Driver.Rating != b.cand.Driver.Rating {
			return a.cand.Driver.Rating > b.cand.Driver.Rating
		}
		return a.cand.Driver.ID < b.cand.Driver.ID
	})
}
