package geo

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/roadside_dispatch/backend/internal/models"
	"github.com/roadside_dispatch/backend/internal/utils"
)

// HaversineLocator ranks mechanics by great-circle distance and estimates
// travel time from a fixed average speed.
type HaversineLocator struct {
	Source          MechanicSource
	AverageSpeedKmh float64
}

func (l HaversineLocator) Nearest(ctx context.Context, p models.Point, radiusKm float64) ([]Candidate, error) {
	mechanics, err := l.Source.ListDispatchableMechanics(ctx)
	if err != nil {
		return nil, fmt.Errorf("list mechanics: %w", err)
	}

	var out []Candidate
	for _, m := range mechanics {
		loc, ok := m.Location()
		if !ok {
			continue
		}
		d := utils.HaversineKm(p, loc)
		if d > radiusKm {
			continue
		}
		out = append(out, Candidate{MechanicID: m.ID, Point: loc, DistanceKm: d})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DistanceKm == out[j].DistanceKm {
			return out[i].MechanicID < out[j].MechanicID
		}
		return out[i].DistanceKm < out[j].DistanceKm
	})
	return out, nil
}

func (l HaversineLocator) Travel(ctx context.Context, origin, dest models.Point) (models.Travel, error) {
	if err := ctx.Err(); err != nil {
		return models.Travel{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	speed := l.AverageSpeedKmh
	if speed <= 0 {
		speed = 40
	}
	km := utils.HaversineKm(origin, dest)
	return models.Travel{
		DistanceMeters:  km * 1000,
		DurationSeconds: int64(math.Ceil(km / speed * 3600)),
	}, nil
}
