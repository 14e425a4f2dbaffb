// Package geo computes straight-line distance and time-to-intercept between an
// incident and a responder. Everything here is pure and deterministic.
package geo

import (
	"errors"
	"fmt"
	"math"
)

const (
	// EarthRadiusMeters is the mean Earth radius used by the haversine formula.
	EarthRadiusMeters = 6_371_000.0

	// DefaultSpeedMPS is the average responder speed (~43 km/h).
	DefaultSpeedMPS = 12.0
)

var (
	ErrInvalidPoint = errors.New("invalid coordinate")
	ErrInvalidSpeed = errors.New("invalid responder speed")
)

// Point is a WGS84 latitude/longitude pair in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Validate rejects NaN, infinite and out-of-range coordinates.
func (p Point) Validate() error {
	switch {
	case math.IsNaN(p.Lat) || math.IsInf(p.Lat, 0):
		return fmt.Errorf("%w: lat %v is not finite", ErrInvalidPoint, p.Lat)
	case math.IsNaN(p.Lon) || math.IsInf(p.Lon, 0):
		return fmt.Errorf("%w: lon %v is not finite", ErrInvalidPoint, p.Lon)
	case p.Lat < -90 || p.Lat > 90:
		return fmt.Errorf("%w: lat %v outside [-90,90]", ErrInvalidPoint, p.Lat)
	case p.Lon < -180 || p.Lon > 180:
		return fmt.Errorf("%w: lon %v outside [-180,180]", ErrInvalidPoint, p.Lon)
	}
	return nil
}

// Offset returns p shifted by the given degrees.
func (p Point) Offset(dLat, dLon float64) Point {
	return Point{Lat: p.Lat + dLat, Lon: p.Lon + dLon}
}

func (p Point) String() string {
	return fmt.Sprintf("(%g,%g)", p.Lat, p.Lon)
}

// Distance returns the great-circle distance between a and b in meters.
func Distance(a, b Point) float64 {
	phi1 := radians(a.Lat)
	phi2 := radians(b.Lat)
	dPhi := radians(b.Lat - a.Lat)
	dLambda := radians(b.Lon - a.Lon)

	sp := math.Sin(dPhi / 2)
	sl := math.Sin(dLambda / 2)
	h := sp*sp + math.Cos(phi1)*math.Cos(phi2)*sl*sl

	// rounding can push h a hair outside [0,1] for antipodal points
	h = math.Min(1, math.Max(0, h))

	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(h))
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
