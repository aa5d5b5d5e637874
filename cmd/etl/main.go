// Command etl runs one pass of the municipality risk pipeline and exits:
// non-zero when the run fails.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/couchcryptid/comuni-risk-etl/internal/adapter/geocache"
	"github.com/couchcryptid/comuni-risk-etl/internal/adapter/httpadapter"
	"github.com/couchcryptid/comuni-risk-etl/internal/adapter/idrogeo"
	kafkaadapter "github.com/couchcryptid/comuni-risk-etl/internal/adapter/kafka"
	"github.com/couchcryptid/comuni-risk-etl/internal/adapter/mapbox"
	"github.com/couchcryptid/comuni-risk-etl/internal/adapter/nominatim"
	"github.com/couchcryptid/comuni-risk-etl/internal/adapter/postgis"
	"github.com/couchcryptid/comuni-risk-etl/internal/adapter/registry"
	"github.com/couchcryptid/comuni-risk-etl/internal/config"
	"github.com/couchcryptid/comuni-risk-etl/internal/domain"
	"github.com/couchcryptid/comuni-risk-etl/internal/observability"
	"github.com/couchcryptid/comuni-risk-etl/internal/pipeline"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

// Statistics requests are retried on 5xx and transport errors.
const (
	statsRetries = 3
	statsBackoff = 500 * time.Millisecond
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	if err := run(cfg, logger, metrics); err != nil {
		logger.Error("etl run failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	store := postgis.NewStore(pool, cfg.DBSchema, cfg.CityTable, cfg.ProtectedTables, logger, metrics)
	stats := idrogeo.NewClient(cfg.StatsBaseURL, cfg.StatsTimeout, logger,
		idrogeo.WithRetry(statsRetries, statsBackoff),
		idrogeo.WithMetrics(metrics),
	)

	src, err := registrySource(cfg, stats, logger)
	if err != nil {
		return err
	}
	geocoder := newGeocoder(cfg, logger, metrics)

	opts := []pipeline.Option{
		pipeline.WithWorkers(cfg.GeocodeWorkers),
		pipeline.WithMode(cfg.LoadMode),
	}
	if cfg.KafkaEnabled() {
		writer := kafkaadapter.NewWriter(cfg.KafkaBrokers, cfg.KafkaTopic, logger, metrics)
		defer func() {
			if err := writer.Close(); err != nil {
				logger.Error("kafka writer close error", "error", err)
			}
		}()
		opts = append(opts, pipeline.WithPublisher(writer))
		logger.Info("dataset publishing enabled", "topic", cfg.KafkaTopic)
	}

	p := pipeline.New(src, geocoder, stats, store, logger, metrics, opts...)

	if cfg.ETLHTTPAddr != "" {
		srv := httpadapter.NewServer(cfg.ETLHTTPAddr, nil, p, nil, logger)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server error", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("http server shutdown error", "error", err)
			}
		}()
	}

	report, runErr := p.Run(ctx)
	logger.Info("run report",
		"state", report.State,
		"registry", report.Registry,
		"fetched", report.Fetched,
		"fetch_errors", report.FetchErrors,
		"records", report.Records,
		"rows", report.Rows,
		"published", report.Published,
		"duration", report.Duration,
	)

	if cfg.PushgatewayURL != "" {
		pushCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := metrics.Push(pushCtx, cfg.PushgatewayURL, cfg.CityTable); err != nil {
			logger.Warn("push metrics failed", "gateway", cfg.PushgatewayURL, "error", err)
		}
	}

	return runErr
}

func registrySource(cfg *config.Config, stats *idrogeo.Client, logger *slog.Logger) (pipeline.RegistryLoader, error) {
	switch cfg.RegistrySource {
	case config.RegistryCSV:
		return registry.NewCSVSource(cfg.RegistryPath, logger), nil
	case config.RegistryRegion:
		f := cfg.RegionFilter
		return registry.NewRegionSource(stats, f.Repartition, f.Region, f.Province, logger), nil
	default:
		return nil, fmt.Errorf("unknown registry source %q", cfg.RegistrySource)
	}
}

func newGeocoder(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) domain.Geocoder {
	var client domain.Geocoder
	switch cfg.GeocoderProvider {
	case config.ProviderMapbox:
		client = mapbox.NewClient(cfg.MapboxToken, cfg.GeocodeDelay, cfg.GeocodeTimeout, logger, metrics)
	default:
		client = nominatim.NewClient(cfg.NominatimBaseURL, cfg.NominatimUserAgent, cfg.GeocodeDelay, cfg.GeocodeTimeout, logger, metrics)
	}
	logger.Info("geocoder configured",
		"provider", cfg.GeocoderProvider,
		"delay", cfg.GeocodeDelay,
		"workers", cfg.GeocodeWorkers,
		"cache_size", cfg.GeocodeCacheSize,
	)
	return geocache.New(client, cfg.GeocodeCacheSize, metrics)
}
