package domain

import (
	"errors"
	"fmt"
	"math"
)

// Ellipsoid describes a reference ellipsoid by semi-major axis (metres) and
// flattening.
type Ellipsoid struct {
	Name string
	A    float64
	F    float64
}

// Reference ellipsoids.
var (
	WGS84 = Ellipsoid{Name: "WGS84", A: 6378137, F: 1 / 298.257223563}
	GRS80 = Ellipsoid{Name: "GRS80", A: 6378137, F: 1 / 298.257222101}
	// International 1924 (Hayford), used by ED50-based Italian grids.
	International1924 = Ellipsoid{Name: "intl", A: 6378388, F: 1 / 297.0}
)

const (
	utmScale         = 0.9996
	utmFalseEasting  = 500000.0
	utmFalseNorthing = 10000000.0
)

var errInvalidZone = errors.New("utm zone must be between 1 and 60")

// ProjectedToGeographic converts a UTM easting/northing in the given zone to
// latitude/longitude in degrees. north selects the hemisphere. The inverse
// uses the 6th-order Krüger series, accurate to well under a millimetre
// inside a zone.
func ProjectedToGeographic(easting, northing float64, zone int, north bool, e Ellipsoid) (lat, lon float64, err error) {
	if zone < 1 || zone > 60 {
		return 0, 0, fmt.Errorf("%w: got %d", errInvalidZone, zone)
	}
	if math.IsNaN(easting) || math.IsNaN(northing) || math.IsInf(easting, 0) || math.IsInf(northing, 0) {
		return 0, 0, errors.New("utm coordinates must be finite")
	}

	s := newSeries(e)

	x := easting - utmFalseEasting
	y := northing
	if !north {
		y -= utmFalseNorthing
	}

	eta := x / (utmScale * s.a)
	xi := y / (utmScale * s.a)

	xiP, etaP := xi, eta
	for j := 1; j <= 6; j++ {
		k := 2 * float64(j)
		xiP -= s.beta[j-1] * math.Sin(k*xi) * math.Cosh(k*eta)
		etaP -= s.beta[j-1] * math.Cos(k*xi) * math.Sinh(k*eta)
	}

	sinhEtaP := math.Sinh(etaP)
	sinXiP := math.Sin(xiP)
	cosXiP := math.Cos(xiP)

	tauP := sinXiP / math.Sqrt(sinhEtaP*sinhEtaP+cosXiP*cosXiP)
	tau := tauP
	e2 := s.e * s.e
	for range 10 {
		sigma := math.Sinh(s.e * math.Atanh(s.e*tau/math.Sqrt(1+tau*tau)))
		tauI := tau*math.Sqrt(1+sigma*sigma) - sigma*math.Sqrt(1+tau*tau)
		delta := (tauP - tauI) / math.Sqrt(1+tauI*tauI) *
			(1 + (1-e2)*tau*tau) / ((1 - e2) * math.Sqrt(1+tau*tau))
		tau += delta
		if math.Abs(delta) < 1e-12 {
			break
		}
	}

	lat = radToDeg(math.Atan(tau))
	lon = centralMeridian(zone) + radToDeg(math.Atan2(sinhEtaP, cosXiP))
	return lat, lon, nil
}

// GeographicToProjected converts latitude/longitude in degrees to UTM easting
// and northing in the given zone, using the forward Krüger series.
func GeographicToProjected(lat, lon float64, zone int, e Ellipsoid) (easting, northing float64, err error) {
	if zone < 1 || zone > 60 {
		return 0, 0, fmt.Errorf("%w: got %d", errInvalidZone, zone)
	}
	if lat < -90 || lat > 90 {
		return 0, 0, fmt.Errorf("latitude %v out of range", lat)
	}

	s := newSeries(e)

	phi := degToRad(lat)
	lambda := degToRad(lon - centralMeridian(zone))

	tau := math.Tan(phi)
	sigma := math.Sinh(s.e * math.Atanh(s.e*tau/math.Sqrt(1+tau*tau)))
	tauP := tau*math.Sqrt(1+sigma*sigma) - sigma*math.Sqrt(1+tau*tau)

	xiP := math.Atan2(tauP, math.Cos(lambda))
	etaP := math.Asinh(math.Sin(lambda) / math.Sqrt(tauP*tauP+math.Cos(lambda)*math.Cos(lambda)))

	xi, eta := xiP, etaP
	for j := 1; j <= 6; j++ {
		k := 2 * float64(j)
		xi += s.alpha[j-1] * math.Sin(k*xiP) * math.Cosh(k*etaP)
		eta += s.alpha[j-1] * math.Cos(k*xiP) * math.Sinh(k*etaP)
	}

	easting = utmScale*s.a*eta + utmFalseEasting
	northing = utmScale * s.a * xi
	if lat < 0 {
		northing += utmFalseNorthing
	}
	return easting, northing, nil
}

// ZoneFor returns the standard UTM zone containing lon. The Norway and
// Svalbard exceptions are not applied.
func ZoneFor(lon float64) int {
	z := int(math.Floor((lon+180)/6)) + 1
	if z > 60 {
		z = 60
	}
	if z < 1 {
		z = 1
	}
	return z
}

// krugerSeries holds the per-ellipsoid constants of the Krüger expansion.
type krugerSeries struct {
	e     float64    // first eccentricity
	a     float64    // rectifying radius
	alpha [6]float64 // forward coefficients
	beta  [6]float64 // inverse coefficients
}

func newSeries(el Ellipsoid) krugerSeries {
	n := el.F / (2 - el.F)
	n2 := n * n
	n3 := n2 * n
	n4 := n3 * n
	n5 := n4 * n
	n6 := n5 * n

	return krugerSeries{
		e: math.Sqrt(el.F * (2 - el.F)),
		a: el.A / (1 + n) * (1 + n2/4 + n4/64 + n6/256),
		alpha: [6]float64{
			n/2 - 2*n2/3 + 5*n3/16 + 41*n4/180 - 127*n5/288 + 7891*n6/37800,
			13*n2/48 - 3*n3/5 + 557*n4/1440 + 281*n5/630 - 1983433*n6/1935360,
			61*n3/240 - 103*n4/140 + 15061*n5/26880 + 167603*n6/181440,
			49561*n4/161280 - 179*n5/168 + 6601661*n6/7257600,
			34729*n5/80640 - 3418889*n6/1995840,
			212378941 * n6 / 319334400,
		},
		beta: [6]float64{
			n/2 - 2*n2/3 + 37*n3/96 - n4/360 - 81*n5/512 + 96199*n6/604800,
			n2/48 + n3/15 - 437*n4/1440 + 46*n5/105 - 1118711*n6/3870720,
			17*n3/480 - 37*n4/840 - 209*n5/4480 + 5569*n6/90720,
			4397*n4/161280 - 11*n5/504 - 830251*n6/7257600,
			4583*n5/161280 - 108847*n6/3991680,
			20648693 * n6 / 638668800,
		},
	}
}

func centralMeridian(zone int) float64 {
	return float64(zone-1)*6 - 180 + 3
}

func degToRad(d float64) float64 { return d * math.Pi / 180 }

func radToDeg(r float64) float64 { return r * 180 / math.Pi }
