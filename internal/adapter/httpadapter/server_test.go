package httpadapter_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/couchcryptid/comuni-risk-etl/internal/adapter/httpadapter"
	"github.com/couchcryptid/comuni-risk-etl/internal/adapter/postgis"
	"github.com/couchcryptid/comuni-risk-etl/internal/domain"
	"github.com/couchcryptid/comuni-risk-etl/internal/observability"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
)

type mockReadiness struct {
	err error
}

func (m *mockReadiness) CheckReadiness(_ context.Context) error { return m.err }

type fakeCities struct {
	rows []domain.IntegratedRecord
	err  error
}

func (f *fakeCities) ListCities(_ context.Context) ([]domain.IntegratedRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.rows, nil
}

func (f *fakeCities) GetCity(_ context.Context, uid int64) (domain.IntegratedRecord, error) {
	if f.err != nil {
		return domain.IntegratedRecord{}, f.err
	}
	for _, r := range f.rows {
		if r.UID == uid {
			return r, nil
		}
	}
	return domain.IntegratedRecord{}, postgis.ErrNotFound
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func milano() domain.IntegratedRecord {
	lat, lon := 45.4642, 9.19
	return domain.IntegratedRecord{
		Name: "Milano", UID: 1, Lat: &lat, Lon: &lon,
		Geometry:   geom.NewPointFlat(geom.XY, []float64{lon, lat}).SetSRID(domain.SRID),
		Population: domain.Tiers{P1: 1000, P2: 200, P3: 3},
	}
}

func newTestServer(cities httpadapter.CityReader, readyErr error) (*httpadapter.Server, *observability.Metrics) {
	m := observability.NewMetricsForTesting()
	return httpadapter.NewServer(":0", cities, &mockReadiness{err: readyErr}, m, discardLogger()), m
}

func get(srv http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestHealthzReturns200(t *testing.T) {
	srv, _ := newTestServer(nil, nil)
	rec := get(srv, "/healthz")

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestReadyzReturns200WhenReady(t *testing.T) {
	srv, _ := newTestServer(nil, nil)
	rec := get(srv, "/readyz")

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ready", body["status"])
}

func TestReadyzReturns503WhenNotReady(t *testing.T) {
	srv, _ := newTestServer(nil, fmt.Errorf("database unreachable"))
	rec := get(srv, "/readyz")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not ready", body["status"])
	assert.Equal(t, "database unreachable", body["error"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(nil, nil)
	rec := get(srv, "/metrics")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestCityRoutesAbsentWithoutReader(t *testing.T) {
	srv, _ := newTestServer(nil, nil)
	assert.Equal(t, http.StatusNotFound, get(srv, "/cities").Code)
}

func TestListCities(t *testing.T) {
	srv, m := newTestServer(&fakeCities{rows: []domain.IntegratedRecord{milano()}}, nil)

	for _, path := range []string{"/cities", "/api/comune"} {
		rec := get(srv, path)
		require.Equal(t, http.StatusOK, rec.Code, path)

		var body []map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), path)
		require.Len(t, body, 1)
		assert.Equal(t, "Milano", body[0]["name"])
		assert.InDelta(t, 1000, body[0]["population_p1"], 0)
		geometry, ok := body[0]["geometry"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "Point", geometry["type"])
	}

	assert.InDelta(t, 1, counterValue(t, m.APIRequests.WithLabelValues("/cities", "200")), 0)
	assert.InDelta(t, 1, counterValue(t, m.APIRequests.WithLabelValues("/api/comune", "200")), 0)
}

func TestListCities_EmptyIsArray(t *testing.T) {
	srv, _ := newTestServer(&fakeCities{rows: []domain.IntegratedRecord{}}, nil)
	rec := get(srv, "/cities")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestListCities_StoreError(t *testing.T) {
	srv, _ := newTestServer(&fakeCities{err: errors.New("connection refused")}, nil)
	rec := get(srv, "/cities")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection refused")
}

func TestGetCity(t *testing.T) {
	srv, m := newTestServer(&fakeCities{rows: []domain.IntegratedRecord{milano()}}, nil)

	rec := get(srv, "/api/comune/1")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Milano", body["name"])
	assert.InDelta(t, 1, body["uid"], 0)
	assert.InDelta(t, 45.4642, body["lat"], 1e-9)

	assert.InDelta(t, 1, counterValue(t, m.APIRequests.WithLabelValues("/api/comune/{uid}", "200")), 0)
}

func TestGetCity_NotFound(t *testing.T) {
	srv, m := newTestServer(&fakeCities{rows: []domain.IntegratedRecord{milano()}}, nil)

	rec := get(srv, "/cities/99")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.InDelta(t, 1, counterValue(t, m.APIRequests.WithLabelValues("/cities/{uid}", "404")), 0)
}

func TestGetCity_InvalidUID(t *testing.T) {
	srv, _ := newTestServer(&fakeCities{}, nil)

	rec := get(srv, "/cities/milano")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "uid must be an integer", body["error"])
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(&fakeCities{}, nil)

	req := httptest.NewRequest(http.MethodOptions, "/cities", nil)
	req.Header.Set("Origin", "http://localhost:8050")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
