package matcher

import (
	"context"
	"time"

	"github.com/example/taxi-dispatch/internal/models"
)

// Component scores are additive; the composite is clamped to [0,100].
// Failures inside store-backed components zero that component only, so one
// flaky query never sinks a whole candidate.

func (s *Service) distanceScore(distanceKm float64) float64 {
	v := s.Cfg.DistanceMax - distanceKm*s.Cfg.DistancePerKm
	if v < 0 {
		return 0
	}
	return v
}

func (s *Service) ratingScore(rating float64) float64 {
	if rating < 0 {
		return 0
	}
	if rating > 5 {
		rating = 5
	}
	return rating / 5 * s.Cfg.RatingMax
}

func (s *Service) experienceScore(totalRides int) float64 {
	v := float64(totalRides) * s.Cfg.ExperiencePerRide
	if v > s.Cfg.ExperienceCap {
		return s.Cfg.ExperienceCap
	}
	return v
}

func (s *Service) performanceScore(ctx context.Context, cand models.Candidate, now time.Time) float64 {
	perf := cand.PerformanceScore
	if avg, ok, err := s.Store.AvgPerformance(ctx, cand.Driver.ID, now.Add(-24*time.Hour)); err == nil && ok {
		perf = avg
	} else if err != nil {
		s.Log.Warn("performance lookup failed, using default", "driver_id", cand.Driver.ID, "error", err)
	}
	if perf < 0 {
		perf = 0
	}
	if perf > 100 {
		perf = 100
	}
	return perf / 100 * s.Cfg.PerformanceMax
}

// vehicleMatchScore rewards exact matches and gives partial credit for
// compatible substitutions. A wheelchair request is never satisfied by a
// non-accessible vehicle.
func vehicleMatchScore(requested, offered models.VehicleType) float64 {
	switch requested {
	case models.VehicleStandard:
		switch offered {
		case models.VehicleStandard:
			return 15
		case models.VehiclePremium:
			return 10
		case models.VehicleWheelchair:
			return 5
		}
	case models.VehiclePremium:
		switch offered {
		case models.VehiclePremium:
			return 15
		case models.VehicleStandard:
			return 5
		case models.VehicleWheelchair:
			return 3
		}
	case models.VehicleWheelchair:
		if offered == models.VehicleWheelchair {
			return 15
		}
	}
	return 0
}

func (s *Service) freshnessScore(f models.Freshness) float64 {
	switch f {
	case models.FreshRealTime:
		return s.Cfg.FreshRealTime
	case models.FreshRecent:
		return s.Cfg.FreshRecent
	case models.FreshStale:
		return s.Cfg.FreshStale
	}
	return 0
}

// rushHourScore rewards experienced drivers during the 07-09 and 17-19
// local windows.
func (s *Service) rushHourScore(totalRides int, now time.Time) float64 {
	if totalRides <= s.Cfg.RushHourMinRides {
		return 0
	}
	h := now.Hour()
	if (h >= 7 && h < 9) || (h >= 17 && h < 19) {
		return s.Cfg.RushHourBonus
	}
	return 0
}

// demandScore is computed once per request: historical request volume for
// similar pickup/destination text at this hour-of-week over the lookback
// window, tiered.
func (s *Service) demandScore(ctx context.Context, req *models.DispatchRequest, now time.Time) float64 {
	count, err := s.Store.DemandCount(ctx, req.PickupAddress, req.Destination, now.Hour(), now.Weekday(), now.Add(-s.Cfg.DemandLookback))
	if err != nil {
		s.Log.Warn("demand lookup failed, using base bonus", "dispatch_id", req.ID, "error", err)
		return 2
	}
	switch {
	case count >= 20:
		return 10
	case count >= 15:
		return 8
	case count >= 10:
		return 6
	case count >= 5:
		return 4
	default:
		return 2
	}
}

// workPenalty discourages fatigue: completed or active rides in the recent
// window cost up to 5 points.
func (s *Service) workPenalty(ctx context.Context, driverID string, now time.Time) float64 {
	n, err := s.Store.DriverRidesSince(ctx, driverID, now.Add(-s.Cfg.WorkPenaltyWindow),
		[]models.DispatchStatus{models.DispatchCompleted, models.DispatchInProgress})
	if err != nil {
		s.Log.Warn("work penalty lookup failed, skipping", "driver_id", driverID, "error", err)
		return 0
	}
	switch {
	case n >= 8:
		return 5
	case n >= 6:
		return 3
	case n >= 4:
		return 1
	default:
		return 0
	}
}

// scoreCandidate computes the composite score for one candidate. demandBonus
// is request-level and passed in so it is queried once per match, not per
// candidate.
func (s *Service) scoreCandidate(ctx context.Context, req *models.DispatchRequest, cand models.Candidate, demandBonus float64, now time.Time) float64 {
	score := s.distanceScore(cand.DistanceKm)
	score += s.ratingScore(cand.Driver.Rating)
	score += s.experienceScore(cand.Driver.TotalRides)
	score += s.performanceScore(ctx, cand, now)
	score += vehicleMatchScore(req.VehicleType, cand.Driver.VehicleType)
	score += s.freshnessScore(cand.Freshness)
	score += s.rushHourScore(cand.Driver.TotalRides, now)
	score += demandBonus
	score -= s.workPenalty(ctx, cand.Driver.ID, now)

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
