// Package domain models municipal hydraulic-risk statistics and the rules
// that turn them into the persisted CITY dataset.
//
// # Data Source
//
// Statistics come from the ISPRA IdroGEO "PIR" API, one JSON object per
// municipality (comune) keyed by a numeric uid:
//
//	GET /comuni/{uid}
//	GET /comuni?cod_rip=..&cod_reg=..&cod_prov=..
//
// Each object carries descriptive fields (nome, osmid, breadcrumb, extent and
// the administrative codes cod_rip, cod_reg, cod_prov, pro_com) next to the
// risk statistics. The descriptive fields are discarded by [Integrate].
//
// # Risk Tiers
//
// Every statistic family is split into three flood-hazard tiers: p1 (low
// probability), p2 (medium) and p3 (high). Payload names map to table columns:
//
//	pop_idr_p1..p3  ->  population_p1..p3   residents exposed
//	fam_idr_p1..p3  ->  families_p1..p3     households exposed
//	ed_idr_p1..p3   ->  buildings_p1..p3    buildings exposed
//	ar_id_p1..p3    ->  area_p1..p3         surface in km2
//
// Counts often arrive as JSON integers; they are always stored as float64.
//
// # Coordinates
//
// Municipalities are located by forward geocoding their name. Registry rows
// may instead carry a UTM anchor (easting, northing, zone) which is converted
// with [ProjectedToGeographic]; such rows never reach the geocoder.
// Geometry is a 2-D point in EPSG:4326 with (x, y) = (lon, lat).
package domain
