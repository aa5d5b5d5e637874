package domain

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// ResolveCoordinates locates every registry entry, preserving registry order.
// Entries with a projected anchor are converted locally; the rest are sent to
// the geocoder, at most workers at a time. Geocoding failures and misses are
// logged and yield a coordinate-less result (graceful degradation). The only
// error returned is context cancellation.
func ResolveCoordinates(ctx context.Context, entries []RegistryEntry, geocoder Geocoder, workers int, logger *slog.Logger) ([]GeocodedCoordinate, error) {
	if workers < 1 {
		workers = 1
	}

	out := make([]GeocodedCoordinate, len(entries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, entry := range entries {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			out[i] = resolveOne(gctx, entry, geocoder, logger)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func resolveOne(ctx context.Context, entry RegistryEntry, geocoder Geocoder, logger *slog.Logger) GeocodedCoordinate {
	coord := GeocodedCoordinate{Name: entry.Name}

	if p := entry.Projected; p != nil {
		lat, lon, err := ProjectedToGeographic(p.Easting, p.Northing, p.Zone, p.North, WGS84)
		if err != nil {
			logger.Warn("projected coordinate conversion failed",
				"uid", entry.UID,
				"name", entry.Name,
				"zone", p.Zone,
				"error", err,
			)
			coord.Source = SourceFailed
			return coord
		}
		coord.Lat, coord.Lon = &lat, &lon
		coord.Source = SourceProjected
		return coord
	}

	if geocoder == nil {
		coord.Source = SourceUnmatched
		return coord
	}

	result, err := geocoder.ForwardGeocode(ctx, entry.Name)
	if err != nil {
		logger.Warn("forward geocoding failed",
			"uid", entry.UID,
			"name", entry.Name,
			"error", err,
		)
		coord.Source = SourceFailed
		return coord
	}
	if !result.Found {
		logger.Info("no geocoding match", "uid", entry.UID, "name", entry.Name)
		coord.Source = SourceUnmatched
		return coord
	}

	lat, lon := result.Lat, result.Lon
	coord.Lat, coord.Lon = &lat, &lon
	coord.Source = SourceGeocoder
	return coord
}
