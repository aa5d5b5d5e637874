// Package idrogeo fetches per-municipality hazard statistics from the ISPRA
// IdroGEO PIR API.
package idrogeo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/couchcryptid/comuni-risk-etl/internal/domain"
	"github.com/couchcryptid/comuni-risk-etl/internal/observability"
	"github.com/couchcryptid/storm-data-shared/retry"
	"github.com/tidwall/gjson"
)

const serviceName = "idrogeo"

// Fetch outcomes recorded in metrics.
const (
	outcomeSuccess      = "success"
	outcomeNetworkError = "network_error"
	outcomeShapeError   = "shape_error"
)

// Client reads the /comuni endpoints.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	logger      *slog.Logger
	metrics     *observability.Metrics
	maxAttempts int
	backoff     time.Duration
	maxBackoff  time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithRetry retries transport failures and 5xx responses up to attempts times
// in total, doubling the wait from initial up to 2s.
func WithRetry(attempts int, initial time.Duration) Option {
	return func(c *Client) {
		if attempts > 0 {
			c.maxAttempts = attempts
		}
		c.backoff = initial
	}
}

// WithMetrics records fetch outcomes and latency.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a statistics client. timeout bounds every request.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      logger,
		maxAttempts: 1,
		backoff:     200 * time.Millisecond,
		maxBackoff:  2 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchByUID returns the statistics of one municipality. It returns a
// *domain.NetworkError when the service is unreachable or answers with a
// non-200 status, and a *domain.DataShapeError when the body is not a JSON
// object.
func (c *Client) FetchByUID(ctx context.Context, uid int64) (*domain.StatisticsRecord, error) {
	u := fmt.Sprintf("%s/comuni/%d", c.baseURL, uid)

	body, err := c.get(ctx, u)
	if err != nil {
		c.observe(outcomeNetworkError)
		return nil, err
	}

	res := gjson.ParseBytes(body)
	if !gjson.ValidBytes(body) || !res.IsObject() {
		c.observe(outcomeShapeError)
		return nil, &domain.DataShapeError{Field: "comune", Err: errors.New("payload is not a JSON object")}
	}

	rec := parseRecord(res)
	if !rec.HasUID {
		c.observe(outcomeShapeError)
		return nil, &domain.DataShapeError{Field: "uid"}
	}
	c.observe(outcomeSuccess)
	return rec, nil
}

// FetchByRegion returns every municipality matching the administrative codes
// (repartition, region, province). Non-object elements are logged and skipped.
func (c *Client) FetchByRegion(ctx context.Context, rip, reg, prov string) ([]*domain.StatisticsRecord, error) {
	params := url.Values{
		"cod_rip":  {rip},
		"cod_reg":  {reg},
		"cod_prov": {prov},
	}
	u := c.baseURL + "/comuni?" + params.Encode()

	body, err := c.get(ctx, u)
	if err != nil {
		c.observe(outcomeNetworkError)
		return nil, err
	}

	records, err := ParseList(body, c.logger)
	if err != nil {
		c.observe(outcomeShapeError)
		return nil, err
	}
	c.observe(outcomeSuccess)
	return records, nil
}

// ParseList decodes a /comuni array payload. Non-object elements are logged
// and skipped.
func ParseList(body []byte, logger *slog.Logger) ([]*domain.StatisticsRecord, error) {
	res := gjson.ParseBytes(body)
	if !gjson.ValidBytes(body) || !res.IsArray() {
		return nil, &domain.DataShapeError{Field: "comuni", Err: errors.New("payload is not a JSON array")}
	}

	var records []*domain.StatisticsRecord
	res.ForEach(func(key, value gjson.Result) bool {
		if !value.IsObject() {
			logger.Warn("skipping malformed comune element", "index", key.Int(), "type", value.Type.String())
			return true
		}
		records = append(records, parseRecord(value))
		return true
	})
	return records, nil
}

// ExtractIdentifiers returns the uid of every record carrying one, in input
// order. It returns an empty slice when no record has a uid.
func ExtractIdentifiers(records []*domain.StatisticsRecord) []int64 {
	uids := make([]int64, 0, len(records))
	for _, r := range records {
		if r != nil && r.HasUID {
			uids = append(uids, r.UID)
		}
	}
	return uids
}

func (c *Client) get(ctx context.Context, u string) ([]byte, error) {
	wait := c.backoff
	var lastErr error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		body, retryable, err := c.do(ctx, u)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable || attempt == c.maxAttempts {
			break
		}
		c.logger.Debug("retrying statistics request", "url", u, "attempt", attempt, "error", err)
		if !retry.SleepWithContext(ctx, wait) {
			break
		}
		wait = retry.NextBackoff(wait, c.maxBackoff)
	}
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, u string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, false, &domain.NetworkError{Service: serviceName, URL: u, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if c.metrics != nil {
		c.metrics.StatsAPIDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, ctx.Err() == nil, &domain.NetworkError{Service: serviceName, URL: u, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, resp.StatusCode >= http.StatusInternalServerError, &domain.NetworkError{
			Service:    serviceName,
			URL:        u,
			StatusCode: resp.StatusCode,
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, &domain.NetworkError{Service: serviceName, URL: u, Err: fmt.Errorf("read body: %w", err)}
	}
	return body, false, nil
}

func (c *Client) observe(outcome string) {
	if c.metrics != nil {
		c.metrics.StatsFetches.WithLabelValues(outcome).Inc()
	}
}

// parseRecord converts a JSON object into a StatisticsRecord. A uid given as
// a number or a numeric string is accepted.
func parseRecord(obj gjson.Result) *domain.StatisticsRecord {
	fields, _ := obj.Value().(map[string]any)
	if fields == nil {
		fields = map[string]any{}
	}
	rec := &domain.StatisticsRecord{Fields: fields}

	uid := obj.Get("uid")
	switch uid.Type {
	case gjson.Number:
		rec.UID, rec.HasUID = uid.Int(), true
	case gjson.String:
		if n, err := strconv.ParseInt(uid.Str, 10, 64); err == nil {
			rec.UID, rec.HasUID = n, true
		}
	}
	return rec
}
