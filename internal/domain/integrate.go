package domain

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/twpayne/go-geom"
)

// DescriptiveFields are payload attributes that are not part of the CITY
// schema and are dropped during integration.
var DescriptiveFields = []string{
	"nome", "osmid", "breadcrumb", "extent",
	"cod_rip", "cod_reg", "cod_prov", "pro_com",
}

// statColumn binds a payload field to the tier it fills.
type statColumn struct {
	field  string // payload attribute
	column string // CITY column
	target func(r *IntegratedRecord) *float64
}

var statColumns = []statColumn{
	{"pop_idr_p1", "population_p1", func(r *IntegratedRecord) *float64 { return &r.Population.P1 }},
	{"pop_idr_p2", "population_p2", func(r *IntegratedRecord) *float64 { return &r.Population.P2 }},
	{"pop_idr_p3", "population_p3", func(r *IntegratedRecord) *float64 { return &r.Population.P3 }},
	{"fam_idr_p1", "families_p1", func(r *IntegratedRecord) *float64 { return &r.Families.P1 }},
	{"fam_idr_p2", "families_p2", func(r *IntegratedRecord) *float64 { return &r.Families.P2 }},
	{"fam_idr_p3", "families_p3", func(r *IntegratedRecord) *float64 { return &r.Families.P3 }},
	{"ed_idr_p1", "buildings_p1", func(r *IntegratedRecord) *float64 { return &r.Buildings.P1 }},
	{"ed_idr_p2", "buildings_p2", func(r *IntegratedRecord) *float64 { return &r.Buildings.P2 }},
	{"ed_idr_p3", "buildings_p3", func(r *IntegratedRecord) *float64 { return &r.Buildings.P3 }},
	{"ar_id_p1", "area_p1", func(r *IntegratedRecord) *float64 { return &r.Area.P1 }},
	{"ar_id_p2", "area_p2", func(r *IntegratedRecord) *float64 { return &r.Area.P2 }},
	{"ar_id_p3", "area_p3", func(r *IntegratedRecord) *float64 { return &r.Area.P3 }},
}

// StatisticColumns returns the CITY statistic column names in table order.
func StatisticColumns() []string {
	cols := make([]string, len(statColumns))
	for i, c := range statColumns {
		cols[i] = c.column
	}
	return cols
}

// StatisticValues returns r's statistics in StatisticColumns order.
func StatisticValues(r *IntegratedRecord) []float64 {
	vals := make([]float64, len(statColumns))
	for i, c := range statColumns {
		vals[i] = *c.target(r)
	}
	return vals
}

// StatisticTargets returns pointers into r in StatisticColumns order, for
// scanning rows back from the store.
func StatisticTargets(r *IntegratedRecord) []any {
	ptrs := make([]any, len(statColumns))
	for i, c := range statColumns {
		ptrs[i] = c.target(r)
	}
	return ptrs
}

// Integrate joins the registry with resolved coordinates (left join on name)
// and statistics (inner join on uid), drops descriptive fields, coerces the
// statistics to float64 and attaches a point geometry.
//
// Registry entries without statistics are dropped. Nil or uid-less entries in
// stats are skipped; the first record per uid wins. A value that cannot be
// coerced returns a *CoercionError.
func Integrate(registry []RegistryEntry, coords []GeocodedCoordinate, stats []*StatisticsRecord, logger *slog.Logger) (Dataset, error) {
	ds := Dataset{
		Records:     make([]IntegratedRecord, 0, len(registry)),
		SRID:        SRID,
		GeneratedAt: clock.Now().UTC(),
	}

	byName := make(map[string]GeocodedCoordinate, len(coords))
	for _, c := range coords {
		if _, seen := byName[c.Name]; !seen {
			byName[c.Name] = c
		}
	}

	byUID := make(map[int64]*StatisticsRecord, len(stats))
	for _, s := range stats {
		if s == nil || !s.HasUID {
			continue
		}
		if _, seen := byUID[s.UID]; seen {
			logger.Warn("duplicate statistics record, keeping first", "uid", s.UID)
			continue
		}
		byUID[s.UID] = s
	}

	for _, entry := range registry {
		rec, ok := byUID[entry.UID]
		if !ok {
			logger.Warn("no statistics for registry entry, dropping", "uid", entry.UID, "name", entry.Name)
			continue
		}

		out := IntegratedRecord{Name: entry.Name, UID: entry.UID}
		if c, ok := byName[entry.Name]; ok && c.Resolved() {
			lat, lon := *c.Lat, *c.Lon
			out.Lat, out.Lon = &lat, &lon
			out.Geometry = geom.NewPointFlat(geom.XY, []float64{lon, lat}).SetSRID(SRID)
		}

		for _, col := range statColumns {
			v, err := coerceFloat(rec.Fields[col.field])
			if err != nil {
				return Dataset{}, &CoercionError{UID: entry.UID, Column: col.column, Value: rec.Fields[col.field]}
			}
			*col.target(&out) = v
		}
		if extra := unknownFields(rec); len(extra) > 0 {
			logger.Debug("dropping fields outside the CITY schema", "uid", entry.UID, "fields", extra)
		}

		ds.Records = append(ds.Records, out)
	}

	return ds, nil
}

// unknownFields lists payload attributes that are neither statistics, the
// uid, nor a known descriptive field.
func unknownFields(rec *StatisticsRecord) []string {
	known := make(map[string]bool, len(statColumns)+len(DescriptiveFields)+1)
	known["uid"] = true
	for _, f := range DescriptiveFields {
		known[f] = true
	}
	for _, c := range statColumns {
		known[c.field] = true
	}

	var extra []string
	for k := range rec.Fields {
		if !known[k] {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	return extra
}

// coerceFloat converts a decoded JSON value to float64. Missing and null
// values become NaN; a blank string is an error.
func coerceFloat(v any) (float64, error) {
	switch t := v.(type) {
	case nil:
		return math.NaN(), nil
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, errors.New("blank string")
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, err
		}
		return f, nil
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}
