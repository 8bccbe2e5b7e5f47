package matcher

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/example/urgent-dispatch/internal/geo"
	"github.com/example/urgent-dispatch/internal/models"
	"github.com/example/urgent-dispatch/internal/observability"
)

// Scoring weights and bounds. Distances beyond maxDistanceKm contribute a
// zero distance score.
const (
	maxDistanceKm = 50.0
	retryPenalty  = 0.8

	weightDistance     = 0.30
	weightRating       = 0.25
	weightExperience   = 0.15
	weightAvailability = 0.15
	weightCategory     = 0.15

	// two candidates within this distance of each other are considered
	// equally close for ordering purposes
	distanceEpsilonKm = 0.1
)

type Geo interface {
	FindNearby(ctx context.Context, center models.Coord, radiusKm float64, f geo.Filter) []geo.Result
}

// Service converts geospatially qualified candidates into a ranked,
// size-bounded list suitable for notification.
type Service struct {
	Geo              Geo
	MinRating        float64
	MaxCandidates    int
	DistancePriority bool
}

// FindCandidates runs the full pipeline: nearby lookup, scoring, rating
// floor, ordering, truncation. A failed lookup yields an empty list.
func (s *Service) FindCandidates(ctx context.Context, center models.Coord, radiusKm float64, category string, retry bool) []models.ScoredCandidate {
	max := s.MaxCandidates
	if max <= 0 {
		max = 10
	}
	nearby := s.Geo.FindNearby(ctx, center, radiusKm, geo.Filter{Category: category, AvailableOnly: true})
	if len(nearby) == 0 {
		return nil
	}

	scored := make([]models.ScoredCandidate, 0, len(nearby))
	for _, r := range nearby {
		if r.Professional.Rating < s.MinRating {
			continue
		}
		scored = append(scored, models.ScoredCandidate{
			Professional: r.Professional,
			DistanceKm:   r.DistanceKm,
			Score:        Score(r, category, retry),
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if s.DistancePriority && math.Abs(a.DistanceKm-b.DistanceKm) > distanceEpsilonKm {
			return a.DistanceKm < b.DistanceKm
		}
		return a.Score > b.Score
	})

	if len(scored) > max {
		scored = scored[:max]
	}
	observability.CandidatesRanked.Add(float64(len(scored)))
	return scored
}

// Score computes the weighted candidate score in [0,100]. Retry dispatches
// are penalized so fresh requests outrank re-runs.
func Score(r geo.Result, category string, retry bool) int {
	p := r.Professional

	distance := math.Max(0, (maxDistanceKm-r.DistanceKm)/maxDistanceKm) * 100
	rating := math.Min(p.Rating*20, 100)
	experience := math.Min(float64(p.ReviewCount)*2, 50)
	availability := 0.0
	if p.Available {
		availability = 100
	}

	total := weightDistance*distance +
		weightRating*rating +
		weightExperience*experience +
		weightAvailability*availability +
		weightCategory*categoryScore(p.Specialties, category)
	if retry {
		total *= retryPenalty
	}
	return int(math.Round(total))
}

// categoryScore is 100 on a case-insensitive substring match of the
// requested category against a specialty name or its parent category, 0
// otherwise, and a neutral 50 when no category was requested.
func categoryScore(specialties []models.Specialty, category string) float64 {
	if category == "" {
		return 50
	}
	want := strings.ToLower(category)
	for _, sp := range specialties {
		if strings.Contains(strings.ToLower(sp.Name), want) || strings.Contains(strings.ToLower(sp.Category), want) {
			return 100
		}
	}
	return 0
}
