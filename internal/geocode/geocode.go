// Package geocode resolves checkpoint locations to coordinates for the
// tracking map, caching results and throttling the upstream API.
package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"signment/internal/cache"
	"signment/internal/config"
)

const requestTimeout = 10 * time.Second

// Point is a resolved location.
type Point struct {
	Location string  `json:"location"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
}

// Client geocodes locations through the configured API. The free tier
// allows one request per second, so lookups are rate limited and every
// result is cached for a day.
type Client struct {
	cfg     config.GeocodingConfig
	cache   cache.Cache
	http    *http.Client
	limiter *rate.Limiter
	log     *zap.Logger
}

// New builds a geocoding client.
func New(cfg config.GeocodingConfig, c cache.Cache, log *zap.Logger) *Client {
	return &Client{
		cfg:     cfg,
		cache:   c,
		http:    &http.Client{Timeout: requestTimeout},
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		log:     log,
	}
}

// Enabled reports whether an API key is configured.
func (c *Client) Enabled() bool {
	return c.cfg.APIKey != ""
}

type apiResult struct {
	Lat string `json:"lat"`
	Lon string `json:"lon"`
}

// Lookup resolves one location, serving from cache when possible.
func (c *Client) Lookup(ctx context.Context, location string) (Point, error) {
	if lat, lon, ok := c.cache.Geocode(ctx, location); ok {
		return Point{Location: location, Lat: lat, Lon: lon}, nil
	}
	if !c.Enabled() {
		return Point{}, fmt.Errorf("geocoding not configured")
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return Point{}, err
	}

	q := url.Values{}
	q.Set("q", location)
	q.Set("api_key", c.cfg.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return Point{}, fmt.Errorf("build geocode request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Point{}, fmt.Errorf("geocode %q: %w", location, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Point{}, fmt.Errorf("geocode %q: HTTP %d", location, resp.StatusCode)
	}

	var results []apiResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return Point{}, fmt.Errorf("decode geocode response: %w", err)
	}
	if len(results) == 0 {
		return Point{}, fmt.Errorf("no geocode result for %q", location)
	}

	lat, err := strconv.ParseFloat(results[0].Lat, 64)
	if err != nil {
		return Point{}, fmt.Errorf("bad latitude %q: %w", results[0].Lat, err)
	}
	lon, err := strconv.ParseFloat(results[0].Lon, 64)
	if err != nil {
		return Point{}, fmt.Errorf("bad longitude %q: %w", results[0].Lon, err)
	}

	if err := c.cache.SetGeocode(ctx, location, lat, lon); err != nil {
		c.log.Warn("geocode cache write failed", zap.Error(err))
	}
	return Point{Location: location, Lat: lat, Lon: lon}, nil
}

// LookupAll resolves the distinct locations of a checkpoint trail,
// skipping the ones that fail.
func (c *Client) LookupAll(ctx context.Context, locations []string) []Point {
	seen := map[string]bool{}
	var points []Point
	for _, loc := range locations {
		if loc == "" || seen[loc] {
			continue
		}
		seen[loc] = true
		p, err := c.Lookup(ctx, loc)
		if err != nil {
			c.log.Debug("geocode lookup failed",
				zap.String("location", loc),
				zap.Error(err))
			continue
		}
		points = append(points, p)
	}
	return points
}
