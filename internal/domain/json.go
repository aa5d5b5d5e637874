package domain

import (
	"encoding/json"
	"fmt"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
)

// cityJSON is the wire form of an IntegratedRecord: the CITY columns plus the
// geometry as a GeoJSON point. Missing statistics are null.
type cityJSON struct {
	Name string   `json:"name"`
	UID  int64    `json:"uid"`
	Lat  *float64 `json:"lat"`
	Lon  *float64 `json:"lon"`

	PopulationP1 *float64 `json:"population_p1"`
	PopulationP2 *float64 `json:"population_p2"`
	PopulationP3 *float64 `json:"population_p3"`
	FamiliesP1   *float64 `json:"families_p1"`
	FamiliesP2   *float64 `json:"families_p2"`
	FamiliesP3   *float64 `json:"families_p3"`
	BuildingsP1  *float64 `json:"buildings_p1"`
	BuildingsP2  *float64 `json:"buildings_p2"`
	BuildingsP3  *float64 `json:"buildings_p3"`
	AreaP1       *float64 `json:"area_p1"`
	AreaP2       *float64 `json:"area_p2"`
	AreaP3       *float64 `json:"area_p3"`

	Geometry *geojson.Geometry `json:"geometry"`
}

// MarshalJSON encodes the record with flat statistic columns and a GeoJSON
// geometry (null when the coordinates are unknown).
func (r IntegratedRecord) MarshalJSON() ([]byte, error) {
	out := cityJSON{
		Name: r.Name, UID: r.UID, Lat: r.Lat, Lon: r.Lon,
		PopulationP1: NullableFloat(r.Population.P1), PopulationP2: NullableFloat(r.Population.P2), PopulationP3: NullableFloat(r.Population.P3),
		FamiliesP1: NullableFloat(r.Families.P1), FamiliesP2: NullableFloat(r.Families.P2), FamiliesP3: NullableFloat(r.Families.P3),
		BuildingsP1: NullableFloat(r.Buildings.P1), BuildingsP2: NullableFloat(r.Buildings.P2), BuildingsP3: NullableFloat(r.Buildings.P3),
		AreaP1: NullableFloat(r.Area.P1), AreaP2: NullableFloat(r.Area.P2), AreaP3: NullableFloat(r.Area.P3),
	}
	if r.Geometry != nil {
		g, err := geojson.Encode(r.Geometry)
		if err != nil {
			return nil, fmt.Errorf("encode geometry of uid %d: %w", r.UID, err)
		}
		out.Geometry = g
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON. A decoded geometry gets SRID.
func (r *IntegratedRecord) UnmarshalJSON(data []byte) error {
	var in cityJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*r = IntegratedRecord{
		Name: in.Name, UID: in.UID, Lat: in.Lat, Lon: in.Lon,
		Population: tiersOf(in.PopulationP1, in.PopulationP2, in.PopulationP3),
		Families:   tiersOf(in.FamiliesP1, in.FamiliesP2, in.FamiliesP3),
		Buildings:  tiersOf(in.BuildingsP1, in.BuildingsP2, in.BuildingsP3),
		Area:       tiersOf(in.AreaP1, in.AreaP2, in.AreaP3),
	}
	if in.Geometry == nil {
		return nil
	}
	g, err := in.Geometry.Decode()
	if err != nil {
		return fmt.Errorf("decode geometry of uid %d: %w", in.UID, err)
	}
	p, ok := g.(*geom.Point)
	if !ok {
		return fmt.Errorf("geometry of uid %d is %T, want point", in.UID, g)
	}
	r.Geometry = p.SetSRID(SRID)
	return nil
}

func tiersOf(p1, p2, p3 *float64) Tiers {
	return Tiers{FloatOrMissing(p1), FloatOrMissing(p2), FloatOrMissing(p3)}
}
