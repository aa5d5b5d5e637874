package postgis

import (
	"fmt"
	"strings"

	"github.com/couchcryptid/comuni-risk-etl/internal/domain"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
)

// Columns returns the city table columns in COPY order.
func Columns() []string {
	cols := []string{"name", "uid", "lat", "lon"}
	cols = append(cols, domain.StatisticColumns()...)
	return append(cols, "geometry")
}

func createTableSQL(table string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %s (\n", table)
	b.WriteString("\tname text NOT NULL,\n")
	b.WriteString("\tuid bigint NOT NULL,\n")
	b.WriteString("\tlat double precision,\n")
	b.WriteString("\tlon double precision,\n")
	for _, c := range domain.StatisticColumns() {
		fmt.Fprintf(&b, "\t%s double precision,\n", c)
	}
	fmt.Fprintf(&b, "\tgeometry geometry(Point, %d)\n)", domain.SRID)
	return b.String()
}

// datasetRows converts records to COPY rows. Missing statistics are written
// as NULL. Geometries are sent as EWKB, which the PostGIS binary input
// accepts.
func datasetRows(ds domain.Dataset) ([][]any, error) {
	rows := make([][]any, 0, len(ds.Records))
	for i := range ds.Records {
		r := &ds.Records[i]

		row := make([]any, 0, len(Columns()))
		row = append(row, r.Name, r.UID, r.Lat, r.Lon)
		for _, v := range domain.StatisticValues(r) {
			row = append(row, domain.NullableFloat(v))
		}

		wkb, err := encodePoint(r.Geometry)
		if err != nil {
			return nil, fmt.Errorf("encode geometry of uid %d: %w", r.UID, err)
		}
		if wkb == nil {
			row = append(row, nil)
		} else {
			row = append(row, wkb)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// encodePoint returns the little-endian EWKB of p, or nil for a nil point.
func encodePoint(p *geom.Point) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	if p.SRID() == 0 {
		p = geom.NewPointFlat(geom.XY, p.FlatCoords()).SetSRID(domain.SRID)
	}
	return ewkb.Marshal(p, ewkb.NDR)
}

// decodePoint parses EWKB read back with ST_AsEWKB.
func decodePoint(data []byte) (*geom.Point, error) {
	if data == nil {
		return nil, nil
	}
	g, err := ewkb.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	p, ok := g.(*geom.Point)
	if !ok {
		return nil, fmt.Errorf("geometry is %T, want point", g)
	}
	return p, nil
}
