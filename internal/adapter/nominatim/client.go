// Package nominatim geocodes place names with an OpenStreetMap Nominatim
// server.
package nominatim

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/couchcryptid/comuni-risk-etl/internal/domain"
	"github.com/couchcryptid/comuni-risk-etl/internal/observability"
	"golang.org/x/time/rate"
)

const provider = "nominatim"

// Client implements domain.Geocoder against the /search endpoint. Calls are
// spaced by at least the configured delay, shared by all goroutines.
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// NewClient creates a Nominatim client. delay is the minimum interval between
// two requests; timeout bounds each request. metrics may be nil.
func NewClient(baseURL, userAgent string, delay, timeout time.Duration, logger *slog.Logger, metrics *observability.Metrics) *Client {
	return &Client{
		baseURL:    baseURL,
		userAgent:  userAgent,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Every(delay), 1),
		logger:     logger,
		metrics:    metrics,
	}
}

// ForwardGeocode resolves a free-text query to the first match. No match is
// returned as a result with Found false, not as an error.
func (c *Client) ForwardGeocode(ctx context.Context, query string) (domain.GeocodingResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return domain.GeocodingResult{}, fmt.Errorf("wait for rate limiter: %w", err)
	}

	params := url.Values{
		"q":      {query},
		"format": {"json"},
		"limit":  {"1"},
	}
	u := c.baseURL + "/search?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return domain.GeocodingResult{}, fmt.Errorf("create request: %w", err)
	}
	// The usage policy rejects requests without an identifying agent.
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.observeDuration(start)
	if err != nil {
		c.observe("error")
		return domain.GeocodingResult{}, &domain.NetworkError{Service: provider, URL: u, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		c.observe("error")
		return domain.GeocodingResult{}, &domain.NetworkError{Service: provider, URL: u, StatusCode: resp.StatusCode}
	}

	var places []place
	if err := json.NewDecoder(resp.Body).Decode(&places); err != nil {
		c.observe("error")
		return domain.GeocodingResult{}, &domain.DataShapeError{Field: "places", Err: err}
	}

	if len(places) == 0 {
		c.observe("empty")
		return domain.GeocodingResult{}, nil
	}

	p := places[0]
	lat, errLat := strconv.ParseFloat(p.Lat, 64)
	lon, errLon := strconv.ParseFloat(p.Lon, 64)
	if errLat != nil || errLon != nil {
		c.observe("error")
		return domain.GeocodingResult{}, &domain.DataShapeError{Field: "lat/lon", Err: fmt.Errorf("unparseable coordinates %q, %q", p.Lat, p.Lon)}
	}

	c.observe("success")
	c.logger.Debug("geocoded", "query", query, "display_name", p.DisplayName)
	return domain.GeocodingResult{Found: true, Lat: lat, Lon: lon, DisplayName: p.DisplayName}, nil
}

func (c *Client) observe(outcome string) {
	if c.metrics != nil {
		c.metrics.GeocodeRequests.WithLabelValues(provider, outcome).Inc()
	}
}

func (c *Client) observeDuration(start time.Time) {
	if c.metrics != nil {
		c.metrics.GeocodeAPIDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
	}
}

// place is one element of the /search response. Nominatim encodes
// coordinates as strings.
type place struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}
