package domain

import "context"

// GeocodingResult contains location data returned by a geocoding provider.
// Found is false when the provider had no match for the query.
type GeocodingResult struct {
	Found       bool
	Lat         float64
	Lon         float64
	DisplayName string
}

// Geocoder resolves free-text place names to coordinates.
type Geocoder interface {
	// ForwardGeocode returns the provider's best match for query. No match is
	// not an error.
	ForwardGeocode(ctx context.Context, query string) (GeocodingResult, error)
}
