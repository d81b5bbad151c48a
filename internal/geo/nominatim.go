package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/roadside_dispatch/backend/internal/models"
)

const (
	defaultNominatimURL = "https://nominatim.openstreetmap.org"
	defaultUserAgent    = "roadside-dispatch"
)

// NominatimGeocoder resolves pickup addresses. Requests are spaced by
// MinInterval to respect the public usage policy and answers are cached.
// Fields must not change once the geocoder is in use.
type NominatimGeocoder struct {
	BaseURL     string
	UserAgent   string
	MinInterval time.Duration
	Client      *http.Client

	mu        sync.Mutex
	lastReqAt time.Time
	cache     map[string]models.Point
}

type nominatimItem struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}

func NewNominatimGeocoder(baseURL, userAgent string) *NominatimGeocoder {
	if baseURL == "" {
		baseURL = defaultNominatimURL
	}
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &NominatimGeocoder{
		BaseURL:     baseURL,
		UserAgent:   userAgent,
		MinInterval: time.Second,
		Client:      &http.Client{Timeout: 10 * time.Second},
		cache:       map[string]models.Point{},
	}
}

func (g *NominatimGeocoder) Geocode(ctx context.Context, query string) (models.Point, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return models.Point{}, ErrNotFound
	}
	client, baseURL, userAgent, interval := g.Client, g.BaseURL, g.UserAgent, g.MinInterval
	if client == nil {
		client = http.DefaultClient
	}
	if baseURL == "" {
		baseURL = defaultNominatimURL
	}
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	if interval <= 0 {
		interval = time.Second
	}

	g.mu.Lock()
	if g.cache == nil {
		g.cache = map[string]models.Point{}
	}
	if cached, ok := g.cache[query]; ok {
		g.mu.Unlock()
		return cached, nil
	}
	wait := time.Until(g.lastReqAt.Add(interval))
	g.lastReqAt = time.Now().Add(max(wait, 0))
	g.mu.Unlock()

	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return models.Point{}, ctx.Err()
		}
	}

	endpoint := fmt.Sprintf("%s/search?q=%s&format=json&limit=1", strings.TrimRight(baseURL, "/"), url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return models.Point{}, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return models.Point{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return models.Point{}, fmt.Errorf("%w: nominatim http error: %s", ErrUnavailable, resp.Status)
	}

	var items []nominatimItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return models.Point{}, err
	}
	p, err := parseNominatimItems(items)
	if err != nil {
		return models.Point{}, err
	}

	g.mu.Lock()
	g.cache[query] = p
	g.mu.Unlock()
	return p, nil
}

func parseNominatimItems(items []nominatimItem) (models.Point, error) {
	if len(items) == 0 {
		return models.Point{}, ErrNotFound
	}
	lat, err := strconv.ParseFloat(items[0].Lat, 64)
	if err != nil {
		return models.Point{}, err
	}
	lon, err := strconv.ParseFloat(items[0].Lon, 64)
	if err != nil {
		return models.Point{}, err
	}
	if lat == 0 && lon == 0 {
		return models.Point{}, ErrNotFound
	}
	return models.Point{Lat: lat, Lon: lon}, nil
}
