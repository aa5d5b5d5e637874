package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/couchcryptid/comuni-risk-etl/internal/domain"
)

// RegionFetcher lists the municipalities of an administrative area.
type RegionFetcher interface {
	FetchByRegion(ctx context.Context, rip, reg, prov string) ([]*domain.StatisticsRecord, error)
}

// FromStatistics builds a registry from statistics payloads, taking the
// name from the "nome" attribute. Records without a uid or a name are
// skipped, and the first record per uid wins.
func FromStatistics(records []*domain.StatisticsRecord, logger *slog.Logger) []domain.RegistryEntry {
	entries := make([]domain.RegistryEntry, 0, len(records))
	seen := make(map[int64]bool, len(records))

	for _, r := range records {
		if r == nil || !r.HasUID {
			continue
		}
		name, _ := r.Fields["nome"].(string)
		name = strings.TrimSpace(name)
		if name == "" {
			logger.Warn("statistics record has no name, skipping", "uid", r.UID)
			continue
		}
		if seen[r.UID] {
			logger.Warn("duplicate uid in region listing", "uid", r.UID, "name", name)
			continue
		}
		seen[r.UID] = true
		entries = append(entries, domain.RegistryEntry{Name: name, UID: r.UID})
	}

	if len(entries) == 0 {
		logger.Warn("region listing yielded no identifiers", "records", len(records))
	}
	return entries
}

// RegionSource lists the registry from the statistics API by administrative
// codes.
type RegionSource struct {
	fetcher        RegionFetcher
	rip, reg, prov string
	logger         *slog.Logger
}

// NewRegionSource creates an API-backed registry source.
func NewRegionSource(fetcher RegionFetcher, rip, reg, prov string, logger *slog.Logger) *RegionSource {
	return &RegionSource{fetcher: fetcher, rip: rip, reg: reg, prov: prov, logger: logger}
}

// Load fetches the region listing and converts it with FromStatistics.
func (s *RegionSource) Load(ctx context.Context) ([]domain.RegistryEntry, error) {
	records, err := s.fetcher.FetchByRegion(ctx, s.rip, s.reg, s.prov)
	if err != nil {
		return nil, fmt.Errorf("list region %s/%s/%s: %w", s.rip, s.reg, s.prov, err)
	}
	return FromStatistics(records, s.logger), nil
}
