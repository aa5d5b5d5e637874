// Package mapbox geocodes place names with the Mapbox Geocoding API.
package mapbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/couchcryptid/comuni-risk-etl/internal/domain"
	"github.com/couchcryptid/comuni-risk-etl/internal/observability"
	"golang.org/x/time/rate"
)

const (
	provider       = "mapbox"
	defaultBaseURL = "https://api.mapbox.com/geocoding/v5/mapbox.places"
)

// Client implements domain.Geocoder using the Mapbox Geocoding API. Queries
// are restricted to Italian places.
type Client struct {
	token      string
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// NewClient creates a Mapbox geocoding client. delay is the minimum interval
// between two requests.
func NewClient(token string, delay, timeout time.Duration, logger *slog.Logger, metrics *observability.Metrics) *Client {
	return &Client{
		token: token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: defaultBaseURL,
		limiter: rate.NewLimiter(rate.Every(delay), 1),
		logger:  logger,
		metrics: metrics,
	}
}

// ForwardGeocode converts a municipality name to coordinates, keeping only
// the most relevant feature.
func (c *Client) ForwardGeocode(ctx context.Context, query string) (domain.GeocodingResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return domain.GeocodingResult{}, fmt.Errorf("wait for rate limiter: %w", err)
	}

	u := fmt.Sprintf("%s/%s.json", c.baseURL, url.PathEscape(query))
	params := url.Values{
		"access_token": {c.token},
		"country":      {"it"},
		"limit":        {"1"},
		"types":        {"place,locality"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u+"?"+params.Encode(), nil)
	if err != nil {
		return domain.GeocodingResult{}, fmt.Errorf("create request: %w", err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if c.metrics != nil {
		c.metrics.GeocodeAPIDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		c.observe("error")
		// The token is part of the query string; keep it out of the error.
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return domain.GeocodingResult{}, &domain.NetworkError{Service: provider, URL: u, Err: fmt.Errorf("forward geocode request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.observe("error")
		return domain.GeocodingResult{}, &domain.NetworkError{
			Service:    provider,
			URL:        u,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("mapbox API error: %s", body),
		}
	}

	var mapboxResp response
	if err := json.NewDecoder(resp.Body).Decode(&mapboxResp); err != nil {
		c.observe("error")
		return domain.GeocodingResult{}, &domain.DataShapeError{Field: "features", Err: err}
	}

	if len(mapboxResp.Features) == 0 || len(mapboxResp.Features[0].Center) != 2 {
		c.observe("empty")
		return domain.GeocodingResult{}, nil
	}

	f := mapboxResp.Features[0]
	c.observe("success")
	c.logger.Debug("geocoded", "query", query, "place_name", f.PlaceName, "relevance", f.Relevance)
	return domain.GeocodingResult{
		Found:       true,
		Lon:         f.Center[0],
		Lat:         f.Center[1],
		DisplayName: f.PlaceName,
	}, nil
}

func (c *Client) observe(outcome string) {
	if c.metrics != nil {
		c.metrics.GeocodeRequests.WithLabelValues(provider, outcome).Inc()
	}
}

// Mapbox API response types.

type response struct {
	Features []feature `json:"features"`
}

type feature struct {
	Center    []float64 `json:"center"` // [lon, lat]
	PlaceName string    `json:"place_name"`
	Relevance float64   `json:"relevance"`
}
