package domain

import (
	"math"
	"time"

	"github.com/twpayne/go-geom"
)

// SRID is the reference system of every stored geometry (WGS-84 lat/lon).
const SRID = 4326

// RegistryEntry is one target municipality of a run.
type RegistryEntry struct {
	Name string
	UID  int64

	// Projected is set when the registry supplies a UTM anchor instead of
	// relying on the geocoder.
	Projected *ProjectedPoint
}

// ProjectedPoint is a UTM grid position.
type ProjectedPoint struct {
	Easting  float64
	Northing float64
	Zone     int
	North    bool
}

// Coordinate sources recorded on a GeocodedCoordinate.
const (
	SourceGeocoder  = "geocoder"
	SourceProjected = "projected"
	SourceUnmatched = "unmatched"
	SourceFailed    = "failed"
)

// GeocodedCoordinate is the resolved position of a registry name. Lat and Lon
// are nil when resolution failed or found no match.
type GeocodedCoordinate struct {
	Name   string
	Lat    *float64
	Lon    *float64
	Source string
}

// Resolved reports whether both coordinates are present.
func (c GeocodedCoordinate) Resolved() bool {
	return c.Lat != nil && c.Lon != nil
}

// StatisticsRecord is one municipality payload from the statistics API.
// Fields holds every attribute as decoded JSON (float64, string, bool, nil,
// map[string]any or []any).
type StatisticsRecord struct {
	UID    int64
	HasUID bool
	Fields map[string]any
}

// Tiers holds a statistic split by risk tier.
type Tiers struct {
	P1 float64 `json:"p1"`
	P2 float64 `json:"p2"`
	P3 float64 `json:"p3"`
}

// Total sums the three tiers. Missing (NaN) tiers are skipped.
func (t Tiers) Total() float64 {
	var sum float64
	for _, v := range [...]float64{t.P1, t.P2, t.P3} {
		if !math.IsNaN(v) {
			sum += v
		}
	}
	return sum
}

// NullableFloat returns nil for a missing (NaN) statistic and a pointer to v
// otherwise.
func NullableFloat(v float64) *float64 {
	if math.IsNaN(v) {
		return nil
	}
	return &v
}

// FloatOrMissing is the inverse of NullableFloat: nil becomes NaN.
func FloatOrMissing(p *float64) float64 {
	if p == nil {
		return math.NaN()
	}
	return *p
}

// IntegratedRecord is one row of the CITY table.
type IntegratedRecord struct {
	Name     string
	UID      int64
	Lat      *float64
	Lon      *float64
	Geometry *geom.Point

	Population Tiers
	Families   Tiers
	Buildings  Tiers
	Area       Tiers
}

// Dataset is the ordered output of one integration.
type Dataset struct {
	Records     []IntegratedRecord
	SRID        int
	GeneratedAt time.Time
}

// Len returns the number of records.
func (d Dataset) Len() int {
	return len(d.Records)
}

// Lookup returns the record with the given uid.
func (d Dataset) Lookup(uid int64) (IntegratedRecord, bool) {
	for _, r := range d.Records {
		if r.UID == uid {
			return r, true
		}
	}
	return IntegratedRecord{}, false
}

// LoadResult summarizes a write of a dataset to the store.
type LoadResult struct {
	Dropped []string
	Rows    int64
}
