package pipeline_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/couchcryptid/comuni-risk-etl/internal/domain"
	"github.com/couchcryptid/comuni-risk-etl/internal/observability"
	"github.com/couchcryptid/comuni-risk-etl/internal/pipeline"
	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fakes ---

type fakeRegistry struct {
	entries []domain.RegistryEntry
	err     error
}

func (f *fakeRegistry) Load(_ context.Context) ([]domain.RegistryEntry, error) {
	return f.entries, f.err
}

type fakeGeocoder struct {
	mu      sync.Mutex
	results map[string]domain.GeocodingResult
	errs    map[string]error
	calls   []string
}

func (f *fakeGeocoder) ForwardGeocode(_ context.Context, query string) (domain.GeocodingResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, query)
	if err := f.errs[query]; err != nil {
		return domain.GeocodingResult{}, err
	}
	return f.results[query], nil
}

type fakeStats struct {
	records map[int64]*domain.StatisticsRecord
	errs    map[int64]error
	onFetch func()
}

func (f *fakeStats) FetchByUID(_ context.Context, uid int64) (*domain.StatisticsRecord, error) {
	if f.onFetch != nil {
		f.onFetch()
	}
	if err := f.errs[uid]; err != nil {
		return nil, err
	}
	rec, ok := f.records[uid]
	if !ok {
		return nil, &domain.NetworkError{Service: "idrogeo", StatusCode: 404}
	}
	return rec, nil
}

// fakeStore keeps the last written dataset and answers lookups by uid the
// way the facade queries the table.
type fakeStore struct {
	tables     []string
	ds         domain.Dataset
	calls      []string
	syncErr    error
	loadErr    error
	replaceErr error
}

func (f *fakeStore) SyncSchema(_ context.Context) ([]string, error) {
	f.calls = append(f.calls, "sync")
	if f.syncErr != nil {
		return nil, f.syncErr
	}
	dropped := f.tables
	f.tables = nil
	return dropped, nil
}

func (f *fakeStore) Load(_ context.Context, ds domain.Dataset) (int64, error) {
	f.calls = append(f.calls, "load")
	if f.loadErr != nil {
		return 0, f.loadErr
	}
	f.ds = ds
	return int64(ds.Len()), nil
}

func (f *fakeStore) Replace(_ context.Context, ds domain.Dataset) (domain.LoadResult, error) {
	f.calls = append(f.calls, "replace")
	if f.replaceErr != nil {
		return domain.LoadResult{}, f.replaceErr
	}
	dropped := f.tables
	f.tables = nil
	f.ds = ds
	return domain.LoadResult{Dropped: dropped, Rows: int64(ds.Len())}, nil
}

func (f *fakeStore) GetCity(uid int64) (domain.IntegratedRecord, bool) {
	return f.ds.Lookup(uid)
}

type fakePublisher struct {
	published []domain.Dataset
	err       error
}

func (f *fakePublisher) Publish(_ context.Context, ds domain.Dataset) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, ds)
	return nil
}

// --- helpers ---

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func statsRecord(uid int64, pop float64) *domain.StatisticsRecord {
	return &domain.StatisticsRecord{
		UID:    uid,
		HasUID: true,
		Fields: map[string]any{
			"uid":        float64(uid),
			"nome":       "x",
			"pop_idr_p1": pop,
			"pop_idr_p2": float64(20),
			"pop_idr_p3": float64(3),
			"fam_idr_p1": "12",
			"ar_id_p3":   0.25,
		},
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

// milanoRoma is the end-to-end scenario: Milano geocodes, Roma does not, and
// both have statistics.
func milanoRoma() (*fakeRegistry, *fakeGeocoder, *fakeStats) {
	reg := &fakeRegistry{entries: []domain.RegistryEntry{
		{Name: "Milano", UID: 1},
		{Name: "Roma", UID: 2},
	}}
	geo := &fakeGeocoder{
		results: map[string]domain.GeocodingResult{
			"Milano": {Found: true, Lat: 45.46, Lon: 9.19, DisplayName: "Milano, Lombardia, Italia"},
		},
		errs: map[string]error{"Roma": &domain.NetworkError{Service: "nominatim", Err: errors.New("connection reset")}},
	}
	stats := &fakeStats{records: map[int64]*domain.StatisticsRecord{
		1: statsRecord(1, 1000),
		2: statsRecord(2, 5000),
	}}
	return reg, geo, stats
}

func newPipeline(reg pipeline.RegistryLoader, geo domain.Geocoder, stats pipeline.StatisticsFetcher, store pipeline.Store, opts ...pipeline.Option) (*pipeline.Pipeline, *observability.Metrics) {
	m := observability.NewMetricsForTesting()
	return pipeline.New(reg, geo, stats, store, discardLogger(), m, opts...), m
}

// --- tests ---

func TestPipeline_Run_EndToEnd(t *testing.T) {
	reg, geo, stats := milanoRoma()
	store := &fakeStore{tables: []string{"CITY"}}
	p, _ := newPipeline(reg, geo, stats, store)

	report, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, pipeline.StateDone, report.State)
	assert.Empty(t, report.FailedIn)
	assert.Equal(t, 2, report.Registry)
	assert.Equal(t, 2, report.Fetched)
	assert.Equal(t, 2, report.Records)
	assert.Equal(t, int64(2), report.Rows)
	assert.Equal(t, []string{"CITY"}, report.Dropped)
	if diff := cmp.Diff(map[string]int{domain.SourceGeocoder: 1, domain.SourceFailed: 1}, report.Coordinates); diff != "" {
		t.Fatalf("coordinate sources mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"replace"}, store.calls)

	milano, ok := store.GetCity(1)
	require.True(t, ok)
	require.NotNil(t, milano.Geometry)
	assert.Equal(t, []float64{9.19, 45.46}, milano.Geometry.FlatCoords())
	assert.Equal(t, domain.SRID, milano.Geometry.SRID())
	assert.InDelta(t, 1000.0, milano.Population.P1, 0)
	assert.InDelta(t, 12.0, milano.Families.P1, 0)

	roma, ok := store.GetCity(2)
	require.True(t, ok)
	assert.Nil(t, roma.Geometry)
	assert.Nil(t, roma.Lat)
	assert.InDelta(t, 5000.0, roma.Population.P1, 0)

	require.NoError(t, p.CheckReadiness(context.Background()))
}

func TestPipeline_Run_SequentialMode(t *testing.T) {
	reg, geo, stats := milanoRoma()
	store := &fakeStore{tables: []string{"CITY", "stale"}}
	p, _ := newPipeline(reg, geo, stats, store, pipeline.WithMode(pipeline.ModeSequential))

	report, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"sync", "load"}, store.calls)
	assert.Equal(t, []string{"CITY", "stale"}, report.Dropped)
	assert.Equal(t, int64(2), report.Rows)
}

func TestPipeline_Run_FetchFailureDropsCity(t *testing.T) {
	reg, geo, stats := milanoRoma()
	stats.errs = map[int64]error{2: &domain.NetworkError{Service: "idrogeo", StatusCode: 503}}
	store := &fakeStore{}
	p, _ := newPipeline(reg, geo, stats, store)

	report, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Fetched)
	assert.Equal(t, 1, report.FetchErrors)
	assert.Equal(t, 1, report.Records)

	_, ok := store.GetCity(2)
	assert.False(t, ok)
}

func TestPipeline_Run_MismatchedUIDIsDropped(t *testing.T) {
	reg, geo, stats := milanoRoma()
	stats.records[2] = statsRecord(7, 1)
	store := &fakeStore{}
	p, _ := newPipeline(reg, geo, stats, store)

	report, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.FetchErrors)
	assert.Equal(t, 1, report.Records)
	for _, r := range store.ds.Records {
		assert.NotEqual(t, int64(7), r.UID)
	}
}

func TestPipeline_Run_NoStatisticsYieldsEmptyDataset(t *testing.T) {
	reg, geo, _ := milanoRoma()
	store := &fakeStore{}
	p, _ := newPipeline(reg, geo, &fakeStats{}, store)

	report, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateDone, report.State)
	assert.Equal(t, 0, report.Records)
	assert.Equal(t, []string{"replace"}, store.calls)
}

func TestPipeline_Run_RegistryErrorFailsInInit(t *testing.T) {
	store := &fakeStore{}
	p, m := newPipeline(&fakeRegistry{err: errors.New("open data/target_cities.csv: no such file")}, nil, &fakeStats{}, store)

	report, err := p.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, pipeline.StateFailed, report.State)
	assert.Equal(t, pipeline.StateInit, report.FailedIn)
	assert.Contains(t, err.Error(), "INIT")
	assert.Empty(t, store.calls)
	assert.Equal(t, pipeline.StateFailed, p.State())
	assert.Error(t, p.CheckReadiness(context.Background()))
	assert.InDelta(t, 1, gaugeValue(t, m.RunState.WithLabelValues("FAILED")), 0)
	assert.InDelta(t, 0, gaugeValue(t, m.RunState.WithLabelValues("INIT")), 0)
}

func TestPipeline_Run_WithoutMetrics(t *testing.T) {
	reg, geo, stats := milanoRoma()
	store := &fakeStore{}
	p := pipeline.New(reg, geo, stats, store, discardLogger(), nil)

	report, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateDone, report.State)
	assert.Equal(t, int64(2), report.Rows)

	failing := pipeline.New(&fakeRegistry{err: errors.New("registry unavailable")}, nil, &fakeStats{}, &fakeStore{}, discardLogger(), nil)
	report, err = failing.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, pipeline.StateInit, report.FailedIn)
}

func TestPipeline_Run_CoercionErrorFailsInMerge(t *testing.T) {
	reg, geo, stats := milanoRoma()
	stats.records[1].Fields["pop_idr_p1"] = map[string]any{"value": 1}
	store := &fakeStore{}
	p, m := newPipeline(reg, geo, stats, store)

	report, err := p.Run(context.Background())
	var ce *domain.CoercionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "population_p1", ce.Column)
	assert.Equal(t, pipeline.StateMerge, report.FailedIn)
	assert.Empty(t, store.calls)
	assert.InDelta(t, 1, counterValue(t, m.RunsTotal.WithLabelValues("failed")), 0)
}

func TestPipeline_Run_StoreErrors(t *testing.T) {
	cases := []struct {
		name  string
		store *fakeStore
		opts  []pipeline.Option
		want  pipeline.State
	}{
		{
			name:  "replace sync failure",
			store: &fakeStore{replaceErr: &domain.SchemaSyncError{Op: "drop", Table: "old", Err: errors.New("locked")}},
			want:  pipeline.StateSchemaSync,
		},
		{
			name:  "replace copy failure",
			store: &fakeStore{replaceErr: errors.New("copy into public.CITY__staging: disk full")},
			want:  pipeline.StateLoad,
		},
		{
			name:  "sequential sync failure",
			store: &fakeStore{syncErr: &domain.SchemaSyncError{Op: "list tables", Err: errors.New("permission denied")}},
			opts:  []pipeline.Option{pipeline.WithMode(pipeline.ModeSequential)},
			want:  pipeline.StateSchemaSync,
		},
		{
			name:  "sequential load failure",
			store: &fakeStore{loadErr: &domain.SchemaSyncError{Op: "create", Table: "CITY", Err: errors.New("exists")}},
			opts:  []pipeline.Option{pipeline.WithMode(pipeline.ModeSequential)},
			want:  pipeline.StateLoad,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg, geo, stats := milanoRoma()
			p, _ := newPipeline(reg, geo, stats, tc.store, tc.opts...)

			report, err := p.Run(context.Background())
			require.Error(t, err)
			assert.Equal(t, pipeline.StateFailed, report.State)
			assert.Equal(t, tc.want, report.FailedIn)
		})
	}
}

func TestPipeline_Run_PublishFailureIsNotFatal(t *testing.T) {
	reg, geo, stats := milanoRoma()
	pub := &fakePublisher{err: errors.New("broker down")}
	p, _ := newPipeline(reg, geo, stats, &fakeStore{}, pipeline.WithPublisher(pub))

	report, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateDone, report.State)
	assert.False(t, report.Published)
}

func TestPipeline_Run_Publishes(t *testing.T) {
	reg, geo, stats := milanoRoma()
	pub := &fakePublisher{}
	p, _ := newPipeline(reg, geo, stats, &fakeStore{}, pipeline.WithPublisher(pub))

	report, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Published)
	require.Len(t, pub.published, 1)
	assert.Equal(t, 2, pub.published[0].Len())
}

func TestPipeline_Run_ProjectedEntriesSkipGeocoder(t *testing.T) {
	reg := &fakeRegistry{entries: []domain.RegistryEntry{
		{Name: "Roma", UID: 2, Projected: &domain.ProjectedPoint{Easting: 292335.3, Northing: 4642015.5, Zone: 33, North: true}},
	}}
	geo := &fakeGeocoder{}
	stats := &fakeStats{records: map[int64]*domain.StatisticsRecord{2: statsRecord(2, 1)}}
	store := &fakeStore{}
	p, _ := newPipeline(reg, geo, stats, store)

	report, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, geo.calls)
	assert.Equal(t, 1, report.Coordinates[domain.SourceProjected])

	roma, ok := store.GetCity(2)
	require.True(t, ok)
	require.NotNil(t, roma.Lat)
	assert.InDelta(t, 41.90, *roma.Lat, 0.01)
	assert.InDelta(t, 12.50, *roma.Lon, 0.01)
}

func TestPipeline_Run_WorkersKeepRegistryOrder(t *testing.T) {
	entries := make([]domain.RegistryEntry, 0, 20)
	geo := &fakeGeocoder{results: map[string]domain.GeocodingResult{}}
	stats := &fakeStats{records: map[int64]*domain.StatisticsRecord{}}
	for i := int64(1); i <= 20; i++ {
		name := "Comune " + string(rune('A'+i-1))
		entries = append(entries, domain.RegistryEntry{Name: name, UID: i})
		geo.results[name] = domain.GeocodingResult{Found: true, Lat: float64(i), Lon: float64(i)}
		stats.records[i] = statsRecord(i, float64(i))
	}
	store := &fakeStore{}
	p, _ := newPipeline(&fakeRegistry{entries: entries}, geo, stats, store, pipeline.WithWorkers(4))

	_, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, store.ds.Records, 20)
	for i, r := range store.ds.Records {
		assert.Equal(t, int64(i+1), r.UID)
		assert.InDelta(t, float64(i+1), *r.Lat, 0)
	}
}

func TestPipeline_Run_ContextCancellation(t *testing.T) {
	reg, geo, stats := milanoRoma()
	store := &fakeStore{}
	p, _ := newPipeline(reg, geo, stats, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := p.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, pipeline.StateFailed, report.State)
	assert.Empty(t, store.calls)
}

func TestPipeline_Run_Duration(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, time.April, 26, 15, 0, 0, 0, time.UTC))
	domain.SetClock(clock)
	t.Cleanup(func() { domain.SetClock(nil) })

	reg, geo, stats := milanoRoma()
	stats.onFetch = func() { clock.Advance(1500 * time.Millisecond) }
	p, m := newPipeline(reg, geo, stats, &fakeStore{}, pipeline.WithClock(clock))

	report, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, report.Duration)
	assert.Equal(t, time.Date(2024, time.April, 26, 15, 0, 3, 0, time.UTC), report.GeneratedAt)
	assert.InDelta(t, 1, counterValue(t, m.RunsTotal.WithLabelValues("done")), 0)
	assert.InDelta(t, 1, counterValue(t, m.CoordinateSources.WithLabelValues(domain.SourceGeocoder)), 0)
}
