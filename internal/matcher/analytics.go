package matcher

import (
	"context"
	"fmt"
	"sort"

	"github.com/example/taxi-dispatch/internal/models"
)

// OptimizePlacement compares a demand forecast against the current supply
// per cell and recommends repositioning where predicted demand exceeds the
// available drivers inside the cell.
func (s *Service) OptimizePlacement(ctx context.Context, forecast models.DemandForecast) ([]models.PlacementRecommendation, error) {
	recs := make([]models.PlacementRecommendation, 0, len(forecast.HighDemandAreas))
	for _, cell := range forecast.HighDemandAreas {
		if cell.LatMin > cell.LatMax || cell.LngMin > cell.LngMax {
			return nil, &models.ValidationError{Field: "high_demand_areas", Reason: fmt.Sprintf("cell %q has an inverted bounding box", cell.Name)}
		}
		current, err := s.Store.CountAvailableInBox(ctx, cell.LatMin, cell.LatMax, cell.LngMin, cell.LngMax)
		if err != nil {
			return nil, fmt.Errorf("count available in %q: %w", cell.Name, err)
		}
		shortfall := cell.PredictedDemand - current
		if shortfall <= 0 {
			continue
		}
		recs = append(recs, models.PlacementRecommendation{
			Area:      cell.Name,
			Shortfall: shortfall,
			Priority:  cell.Priority,
		})
	}
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].Priority != recs[j].Priority {
			return recs[i].Priority > recs[j].Priority
		}
		return recs[i].Shortfall > recs[j].Shortfall
	})
	return recs, nil
}

// AnalyzePerformance aggregates matching outcomes over the trailing window.
// days <= 0 defaults to one week.
func (s *Service) AnalyzePerformance(ctx context.Context, days int) (models.MatchingPerformance, error) {
	if days <= 0 {
		days = 7
	}
	since := s.now().AddDate(0, 0, -days)
	stats, err := s.Store.MatchingStats(ctx, since)
	if err != nil {
		return models.MatchingPerformance{}, fmt.Errorf("matching stats: %w", err)
	}
	return stats, nil
}
