package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"

	"github.com/roadside_dispatch/backend/internal/models"
)

const defaultOSRMURL = "http://router.project-osrm.org"

// OSRMLocator answers travel queries from an OSRM table service and delegates
// candidate search to Base. Fields must not change once the locator is in use.
type OSRMLocator struct {
	Base     Locator
	BaseURL  string
	Client   *http.Client
	CacheTTL time.Duration

	mu    sync.Mutex
	cache map[string]osrmCacheEntry
}

type osrmCacheEntry struct {
	travel   models.Travel
	storedAt time.Time
}

type osrmTableResponse struct {
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Durations [][]float64 `json:"durations"`
	Distances [][]float64 `json:"distances"`
}

func NewOSRMLocator(base Locator, baseURL string) *OSRMLocator {
	if baseURL == "" {
		baseURL = defaultOSRMURL
	}
	return &OSRMLocator{
		Base:     base,
		BaseURL:  baseURL,
		Client:   &http.Client{Timeout: 10 * time.Second},
		CacheTTL: 5 * time.Minute,
		cache:    map[string]osrmCacheEntry{},
	}
}

func (l *OSRMLocator) Nearest(ctx context.Context, p models.Point, radiusKm float64) ([]Candidate, error) {
	return l.Base.Nearest(ctx, p, radiusKm)
}

func (l *OSRMLocator) Travel(ctx context.Context, origin, dest models.Point) (models.Travel, error) {
	client, baseURL, ttl := l.Client, l.BaseURL, l.CacheTTL
	if client == nil {
		client = http.DefaultClient
	}
	if baseURL == "" {
		baseURL = defaultOSRMURL
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	key := cacheKey(origin, dest)
	l.mu.Lock()
	if l.cache == nil {
		l.cache = map[string]osrmCacheEntry{}
	}
	if cached, ok := l.cache[key]; ok && time.Since(cached.storedAt) < ttl {
		l.mu.Unlock()
		return cached.travel, nil
	}
	l.mu.Unlock()

	ctx, span := otel.Tracer("geo").Start(ctx, "OSRMTableRequest")
	defer span.End()

	endpoint := fmt.Sprintf("%s/table/v1/driving/%s?sources=0&destinations=1&annotations=duration,distance",
		strings.TrimRight(baseURL, "/"), coordinates(origin, dest))
	span.SetAttributes(attribute.String("osrm.url", endpoint))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return models.Travel{}, err
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "osrm request failed")
		return models.Travel{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		span.SetStatus(codes.Error, resp.Status)
		return models.Travel{}, fmt.Errorf("%w: osrm http error: %s", ErrUnavailable, resp.Status)
	}

	var body osrmTableResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		span.RecordError(err)
		return models.Travel{}, fmt.Errorf("%w: decode osrm response: %v", ErrUnavailable, err)
	}
	travel, err := parseOSRMTable(body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return models.Travel{}, err
	}

	l.mu.Lock()
	l.cache[key] = osrmCacheEntry{travel: travel, storedAt: time.Now()}
	l.mu.Unlock()
	return travel, nil
}

func parseOSRMTable(body osrmTableResponse) (models.Travel, error) {
	if body.Code != "Ok" {
		return models.Travel{}, fmt.Errorf("%w: osrm code %s %s", ErrUnavailable, body.Code, body.Message)
	}
	if len(body.Durations) == 0 || len(body.Durations[0]) == 0 {
		return models.Travel{}, fmt.Errorf("%w: osrm returned no durations", ErrUnavailable)
	}
	travel := models.Travel{DurationSeconds: int64(math.Ceil(body.Durations[0][0]))}
	if len(body.Distances) > 0 && len(body.Distances[0]) > 0 {
		travel.DistanceMeters = body.Distances[0][0]
	}
	return travel, nil
}

// OSRM expects lon,lat pairs.
func coordinates(points ...models.Point) string {
	parts := make([]string, 0, len(points))
	for _, p := range points {
		parts = append(parts, fmt.Sprintf("%.6f,%.6f", p.Lon, p.Lat))
	}
	return strings.Join(parts, ";")
}

func cacheKey(origin, dest models.Point) string {
	return fmt.Sprintf("%.5f,%.5f|%.5f,%.5f", origin.Lat, origin.Lon, dest.Lat, dest.Lon)
}
