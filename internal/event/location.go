package event

import (
	"fmt"

	"github.com/linnemanlabs/sentinelmesh/internal/geo"
)

// Location converts optional wire coordinates into a validated point.
// Missing coordinates are an error, never a zero value.
func Location(lat, lon *float64) (geo.Point, error) {
	if lat == nil || lon == nil {
		return geo.Point{}, fmt.Errorf("%w: missing lat/lon", geo.ErrInvalidPoint)
	}
	p := geo.Point{Lat: *lat, Lon: *lon}
	if err := p.Validate(); err != nil {
		return geo.Point{}, err
	}
	return p, nil
}

// Location returns the validated report location.
func (p *TelemetryPayload) Location() (geo.Point, error) {
	return Location(p.Lat, p.Lon)
}

// Location returns the validated anomaly location.
func (p *AnomalyPayload) Location() (geo.Point, error) {
	return Location(p.Lat, p.Lon)
}
