//go:build integration

package integration_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/couchcryptid/comuni-risk-etl/internal/adapter/postgis"
	"github.com/couchcryptid/comuni-risk-etl/internal/domain"
	"github.com/couchcryptid/comuni-risk-etl/internal/observability"
	"github.com/jackc/pgx/v5/pgxpool"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/tidwall/gjson"
	"github.com/twpayne/go-geom"
)

const (
	postgisImage = "postgis/postgis:16-3.4-alpine"
	kafkaImage   = "confluentinc/confluent-local:7.5.0"
	cityTable    = "city"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startPostGIS runs a PostGIS container and returns a pool connected to it.
// The image creates the postgis extension in the target database.
func startPostGIS(ctx context.Context, t *testing.T) *pgxpool.Pool {
	t.Helper()

	ctr, err := tcpostgres.Run(ctx, postgisImage,
		tcpostgres.WithDatabase("comuni"),
		tcpostgres.WithUsername("etl"),
		tcpostgres.WithPassword("etl"),
		tcpostgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err, "start postgis container")

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, pool.Ping(ctx))
	return pool
}

func newStore(pool *pgxpool.Pool, metrics *observability.Metrics) *postgis.Store {
	return postgis.NewStore(pool, "public", cityTable, nil, discardLogger(), metrics)
}

// startKafka runs a single-node KRaft broker and returns its address.
func startKafka(ctx context.Context, t *testing.T) string {
	t.Helper()

	ctr, err := tckafka.Run(ctx, kafkaImage, tckafka.WithClusterID("comuni-test"))
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err, "start kafka container")

	brokers, err := ctr.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)
	return brokers[0]
}

func createTopic(t *testing.T, broker, topic string) {
	t.Helper()

	conn, err := kafkago.Dial("tcp", broker)
	require.NoError(t, err)
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err)

	ctrl, err := kafkago.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	require.NoError(t, err)
	defer ctrl.Close()

	require.NoError(t, ctrl.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))
}

func point(lat, lon float64) (*float64, *float64, *geom.Point) {
	return &lat, &lon, geom.NewPointFlat(geom.XY, []float64{lon, lat}).SetSRID(domain.SRID)
}

// sampleDataset returns Milano with coordinates and Napoli without.
func sampleDataset() domain.Dataset {
	lat, lon, g := point(45.4642, 9.19)
	return domain.Dataset{
		SRID: domain.SRID,
		Records: []domain.IntegratedRecord{
			{
				Name: "Milano", UID: 15146, Lat: lat, Lon: lon, Geometry: g,
				Population: domain.Tiers{P1: 3018, P2: 40210, P3: 251037},
				Area:       domain.Tiers{P1: 1.2, P2: 8.7, P3: 29.4},
			},
			{
				Name: "Napoli", UID: 63049,
				Population: domain.Tiers{P1: 150, P3: 312},
			},
		},
	}
}

// fakeGeocoder resolves names from a fixed table.
type fakeGeocoder map[string][2]float64

func (f fakeGeocoder) ForwardGeocode(_ context.Context, query string) (domain.GeocodingResult, error) {
	ll, ok := f[query]
	if !ok {
		return domain.GeocodingResult{}, nil
	}
	return domain.GeocodingResult{Found: true, Lat: ll[0], Lon: ll[1], DisplayName: query}, nil
}

func mockPath(name string) string {
	return filepath.Join("..", "..", "data", "mock", name)
}

// newStatsServer replays data/mock/comuni.json as GET /comuni/{uid}.
func newStatsServer(t *testing.T) *httptest.Server {
	t.Helper()

	data, err := os.ReadFile(mockPath("comuni.json"))
	require.NoError(t, err)

	byUID := make(map[string]string)
	gjson.ParseBytes(data).ForEach(func(_, v gjson.Result) bool {
		byUID[v.Get("uid").String()] = v.Raw
		return true
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := byUID[strings.TrimPrefix(r.URL.Path, "/comuni/")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}
