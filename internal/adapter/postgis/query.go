package postgis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/couchcryptid/comuni-risk-etl/internal/domain"
	"github.com/jackc/pgx/v5"
)

func (s *Store) selectSQL() string {
	cols := append([]string{"name", "uid", "lat", "lon"}, domain.StatisticColumns()...)
	return fmt.Sprintf("SELECT %s, ST_AsEWKB(geometry) FROM %s",
		strings.Join(cols, ", "), s.ident(s.table))
}

// ListCities returns every row of the city table ordered by uid.
func (s *Store) ListCities(ctx context.Context) ([]domain.IntegratedRecord, error) {
	rows, err := s.pool.Query(ctx, s.selectSQL()+" ORDER BY uid")
	if err != nil {
		return nil, fmt.Errorf("list cities: %w", err)
	}
	defer rows.Close()

	cities := []domain.IntegratedRecord{}
	for rows.Next() {
		r, err := scanCity(rows)
		if err != nil {
			return nil, fmt.Errorf("list cities: %w", err)
		}
		cities = append(cities, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list cities: %w", err)
	}
	return cities, nil
}

// GetCity returns the row with the given uid, or ErrNotFound.
func (s *Store) GetCity(ctx context.Context, uid int64) (domain.IntegratedRecord, error) {
	row := s.pool.QueryRow(ctx, s.selectSQL()+" WHERE uid = $1", uid)
	r, err := scanCity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.IntegratedRecord{}, ErrNotFound
	}
	if err != nil {
		return domain.IntegratedRecord{}, fmt.Errorf("get city %d: %w", uid, err)
	}
	return r, nil
}

func scanCity(row pgx.Row) (domain.IntegratedRecord, error) {
	var (
		r     domain.IntegratedRecord
		wkb   []byte
		stats = make([]*float64, len(domain.StatisticColumns()))
	)
	dest := []any{&r.Name, &r.UID, &r.Lat, &r.Lon}
	for i := range stats {
		dest = append(dest, &stats[i])
	}
	dest = append(dest, &wkb)

	if err := row.Scan(dest...); err != nil {
		return r, err
	}
	// NULL statistics come back as missing.
	for i, t := range domain.StatisticTargets(&r) {
		*t.(*float64) = domain.FloatOrMissing(stats[i])
	}
	p, err := decodePoint(wkb)
	if err != nil {
		return r, fmt.Errorf("decode geometry of uid %d: %w", r.UID, err)
	}
	r.Geometry = p
	return r, nil
}
