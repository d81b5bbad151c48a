package geo

import (
	"context"
	"errors"

	"github.com/roadside_dispatch/backend/internal/models"
)

var (
	ErrUnavailable = errors.New("geo service unavailable")
	ErrNotFound    = errors.New("geocode not found")
)

type Candidate struct {
	MechanicID string       `json:"mechanic_id"`
	Point      models.Point `json:"point"`
	DistanceKm float64      `json:"distance_km"`
}

// Locator ranks mechanics around a point and estimates travel between points.
type Locator interface {
	Nearest(ctx context.Context, p models.Point, radiusKm float64) ([]Candidate, error)
	Travel(ctx context.Context, origin, dest models.Point) (models.Travel, error)
}

type Geocoder interface {
	Geocode(ctx context.Context, query string) (models.Point, error)
}

// MechanicSource lists mechanics that may receive an offer right now.
type MechanicSource interface {
	ListDispatchableMechanics(ctx context.Context) ([]models.Mechanic, error)
}
