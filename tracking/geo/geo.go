// Package geo holds coordinate validation and distance helpers shared by the
// tracker's stores and transports.
package geo

import (
	"fmt"
	"math"
)

const (
	MinLatitude  = -90.0
	MaxLatitude  = 90.0
	MinLongitude = -180.0
	MaxLongitude = 180.0

	// earthRadiusKm is the mean Earth radius used by DistanceKm.
	earthRadiusKm = 6371.0
)

// Point is a WGS84 latitude/longitude pair in degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Validate reports whether lat/lng fall inside the valid WGS84 ranges.
// NaN and infinities are rejected.
func Validate(lat, lng float64) error {
	if math.IsNaN(lat) || math.IsInf(lat, 0) || lat < MinLatitude || lat > MaxLatitude {
		return fmt.Errorf("latitude %v outside [%v, %v]", lat, MinLatitude, MaxLatitude)
	}
	if math.IsNaN(lng) || math.IsInf(lng, 0) || lng < MinLongitude || lng > MaxLongitude {
		return fmt.Errorf("longitude %v outside [%v, %v]", lng, MinLongitude, MaxLongitude)
	}
	return nil
}

// DistanceKm returns the great-circle (haversine) distance between two points.
func DistanceKm(from, to Point) float64 {
	dLat := toRad(to.Lat - from.Lat)
	dLng := toRad(to.Lng - from.Lng)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(from.Lat))*math.Cos(toRad(to.Lat))*
			math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}
