// Command genmock records live IdroGEO payloads for the municipalities of a
// registry and writes them as test fixtures. It runs the actual integration
// step over the recorded payloads so the dataset fixture matches real
// pipeline behavior.
//
// Usage:
//
//	go run ./cmd/genmock \
//	  -registry data/mock/target_cities.csv \
//	  -stats-out data/mock/comuni.json \
//	  -cities-out data/mock/cities_integrated.json
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/couchcryptid/comuni-risk-etl/internal/adapter/idrogeo"
	"github.com/couchcryptid/comuni-risk-etl/internal/adapter/registry"
	"github.com/couchcryptid/comuni-risk-etl/internal/domain"
	"github.com/jonboulle/clockwork"
)

const defaultBaseURL = "https://test.idrogeo.isprambiente.it/api/pir"

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	registryPath := flag.String("registry", "", "registry CSV listing the municipalities to record")
	baseURL := flag.String("base-url", defaultBaseURL, "IdroGEO PIR API base URL")
	statsOut := flag.String("stats-out", "", "output path for the raw /comuni payload fixture")
	citiesOut := flag.String("cities-out", "", "optional output path for the integrated dataset fixture")
	delay := flag.Duration("delay", 500*time.Millisecond, "pause between requests")
	flag.Parse()

	if *registryPath == "" || *statsOut == "" {
		flag.Usage()
		return fmt.Errorf("missing required flags: -registry, -stats-out")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	entries, err := registry.LoadCSV(*registryPath, logger)
	if err != nil {
		return err
	}

	ctx := context.Background()
	client := idrogeo.NewClient(*baseURL, 30*time.Second, logger, idrogeo.WithRetry(3, time.Second))

	payloads := make([]map[string]any, 0, len(entries))
	stats := make([]*domain.StatisticsRecord, 0, len(entries))
	for i, e := range entries {
		if i > 0 {
			time.Sleep(*delay)
		}
		rec, err := client.FetchByUID(ctx, e.UID)
		if err != nil {
			log.Printf("%s (%d): %v", e.Name, e.UID, err)
			continue
		}
		payloads = append(payloads, rec.Fields)
		stats = append(stats, rec)
		log.Printf("%s (%d): %d fields", e.Name, e.UID, len(rec.Fields))
	}

	if err := writeJSON(*statsOut, payloads); err != nil {
		return fmt.Errorf("writing statistics fixture: %w", err)
	}
	log.Printf("wrote statistics fixture: %s (%d of %d)", *statsOut, len(payloads), len(entries))

	if *citiesOut == "" {
		return nil
	}

	// Fixed clock for a reproducible generated_at.
	domain.SetClock(clockwork.NewFakeClockAt(time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)))
	defer domain.SetClock(nil)

	ds, err := domain.Integrate(entries, projectedCoordinates(entries), stats, logger)
	if err != nil {
		return fmt.Errorf("integrate: %w", err)
	}
	if err := writeJSON(*citiesOut, ds.Records); err != nil {
		return fmt.Errorf("writing dataset fixture: %w", err)
	}
	log.Printf("wrote dataset fixture: %s", *citiesOut)

	printStats(ds)
	return nil
}

// projectedCoordinates resolves the registry entries carrying a UTM anchor.
// The geocoder is not called so the fixture does not depend on its results.
func projectedCoordinates(entries []domain.RegistryEntry) []domain.GeocodedCoordinate {
	var out []domain.GeocodedCoordinate
	for _, e := range entries {
		if e.Projected == nil {
			continue
		}
		p := e.Projected
		lat, lon, err := domain.ProjectedToGeographic(p.Easting, p.Northing, p.Zone, p.North, domain.WGS84)
		if err != nil {
			log.Printf("%s: %v", e.Name, err)
			continue
		}
		out = append(out, domain.GeocodedCoordinate{Name: e.Name, Lat: &lat, Lon: &lon, Source: domain.SourceProjected})
	}
	return out
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o600)
}

func printStats(ds domain.Dataset) {
	fmt.Printf("\n=== Dataset (%d records) ===\n", ds.Len())

	located := 0
	rows := make([]domain.IntegratedRecord, len(ds.Records))
	copy(rows, ds.Records)
	for _, r := range rows {
		if r.Geometry != nil {
			located++
		}
	}
	fmt.Printf("  with geometry: %d\n", located)

	sort.Slice(rows, func(i, j int) bool {
		return rows[i].Population.Total() > rows[j].Population.Total()
	})
	fmt.Println("\nPopulation at risk:")
	for _, r := range rows {
		fmt.Printf("  %-24s %10.0f %10.0f %10.0f\n", r.Name, r.Population.P1, r.Population.P2, r.Population.P3)
	}
}
