package geo

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/example/urgent-dispatch/internal/models"
)

const (
	earthRadiusKm = 6371.0
	kmPerDegree   = 111.0
)

// Result is a directory entry annotated with its exact distance from the
// query center.
type Result struct {
	Professional models.Professional `json:"professional"`
	DistanceKm   float64             `json:"distance_km"`
}

// Filter narrows a nearby lookup to a service category and/or to
// professionals currently marked available.
type Filter struct {
	Category      string
	AvailableOnly bool
}

// Box is an axis-aligned lat/lng rectangle used to pre-filter candidates
// before any exact distance computation.
type Box struct {
	MinLat, MaxLat float64
	MinLng, MaxLng float64
}

// Contains reports whether the point falls inside the box.
func (b Box) Contains(c models.Coord) bool {
	return c.Lat >= b.MinLat && c.Lat <= b.MaxLat && c.Lng >= b.MinLng && c.Lng <= b.MaxLng
}

// Directory is the storage-side lookup the index queries. QueryBox returns
// professionals inside the box matching the filter predicates; exactness is
// the index's job.
type Directory interface {
	QueryBox(ctx context.Context, box Box, f Filter) ([]models.Professional, error)
	SaveLocation(ctx context.Context, professionalID string, loc models.Coord) error
}

// Index performs radius lookups against a Directory with a TTL cache in
// front of it.
type Index struct {
	dir    Directory
	cache  Cache
	logger *slog.Logger
}

func NewIndex(dir Directory, cache Cache, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{dir: dir, cache: cache, logger: logger}
}

// HaversineKm is the exact great-circle distance in kilometers.
func HaversineKm(a, b models.Coord) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// ApproxDistanceKm is a planar approximation, good enough for relative
// comparisons like route ordering. Never use it for the radius cutoff.
func ApproxDistanceKm(a, b models.Coord) float64 {
	dLat := (b.Lat - a.Lat) * kmPerDegree
	dLng := (b.Lng - a.Lng) * kmPerDegree * math.Cos(toRad(a.Lat))
	return math.Sqrt(dLat*dLat + dLng*dLng)
}

// BoundingBoxFor returns a box guaranteed to contain the radius circle. It
// is a superset: corners may fall outside the circle and must be trimmed by
// the exact distance check.
func BoundingBoxFor(center models.Coord, radiusKm float64) Box {
	latDelta := radiusKm / kmPerDegree
	cosLat := math.Cos(toRad(center.Lat))
	lngDelta := 180.0
	if cosLat > 1e-9 {
		lngDelta = radiusKm / (kmPerDegree * cosLat)
	}
	return Box{
		MinLat: center.Lat - latDelta,
		MaxLat: center.Lat + latDelta,
		MinLng: center.Lng - lngDelta,
		MaxLng: center.Lng + lngDelta,
	}
}

// FindNearby returns professionals within radiusKm of center matching the
// filter, annotated with exact distance and sorted ascending by it.
// Storage failures degrade to an empty result; callers treat "nobody
// nearby" as an expected outcome.
func (g *Index) FindNearby(ctx context.Context, center models.Coord, radiusKm float64, f Filter) []Result {
	key := lookupKey(center, radiusKm, f)
	if g.cache != nil {
		if res, ok := g.cache.Get(ctx, key); ok {
			return res
		}
	}

	box := BoundingBoxFor(center, radiusKm)
	pros, err := g.dir.QueryBox(ctx, box, f)
	if err != nil {
		g.logger.Warn("geo query failed", "error", err)
		return nil
	}

	out := make([]Result, 0, len(pros))
	for _, p := range pros {
		d := HaversineKm(center, p.Loc)
		if d > radiusKm {
			continue // box corner outside the circle
		}
		out = append(out, Result{Professional: p, DistanceKm: d})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })

	if g.cache != nil {
		g.cache.Set(ctx, key, out)
	}
	return out
}

// UpdateLocation validates and persists a professional's position, then
// drops every cached lookup that professional appeared in.
func (g *Index) UpdateLocation(ctx context.Context, professionalID string, loc models.Coord) error {
	if err := ValidateCoord(loc); err != nil {
		return err
	}
	if err := g.dir.SaveLocation(ctx, professionalID, loc); err != nil {
		return err
	}
	if g.cache != nil {
		g.cache.InvalidateProfessional(ctx, professionalID)
	}
	return nil
}

// ValidateCoord rejects non-finite or out-of-range coordinates.
func ValidateCoord(c models.Coord) error {
	if math.IsNaN(c.Lat) || math.IsInf(c.Lat, 0) || math.IsNaN(c.Lng) || math.IsInf(c.Lng, 0) {
		return fmt.Errorf("%w: coordinates must be finite", models.ErrValidation)
	}
	if c.Lat < -90 || c.Lat > 90 {
		return fmt.Errorf("%w: latitude %.4f out of range", models.ErrValidation, c.Lat)
	}
	if c.Lng < -180 || c.Lng > 180 {
		return fmt.Errorf("%w: longitude %.4f out of range", models.ErrValidation, c.Lng)
	}
	return nil
}

// OrderRoute returns a visiting order over points starting from start,
// using the nearest-neighbor heuristic on the approximate distance. Not
// globally optimal.
func OrderRoute(start models.Coord, points []models.Coord) []int {
	order := make([]int, 0, len(points))
	visited := make([]bool, len(points))
	cur := start
	for len(order) < len(points) {
		best := -1
		bestDist := math.MaxFloat64
		for i, p := range points {
			if visited[i] {
				continue
			}
			if d := ApproxDistanceKm(cur, p); d < bestDist {
				best, bestDist = i, d
			}
		}
		visited[best] = true
		order = append(order, best)
		cur = points[best]
	}
	return order
}

func lookupKey(center models.Coord, radiusKm float64, f Filter) string {
	return fmt.Sprintf("nearby:%.4f:%.4f:%.1f:%s:%t", center.Lat, center.Lng, radiusKm, f.Category, f.AvailableOnly)
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }
