package geo

import "math"

// Mean Earth radius in meters. A spherical model is accurate to well under a
// meter at geofence scale, so no ellipsoid correction is applied.
const earthRadiusMeters = 6371000

// HaversineMeters returns the great-circle distance in meters between two
// WGS84 coordinates.
func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	la1 := radians(lat1)
	la2 := radians(lat2)
	dLon := radians(lon2 - lon1)

	c := math.Sin(la1)*math.Sin(la2) + math.Cos(la1)*math.Cos(la2)*math.Cos(dLon)
	// Rounding can push the cosine marginally outside [-1, 1], which would
	// make Acos return NaN for identical points.
	if c > 1 {
		c = 1
	} else if c < -1 {
		c = -1
	}
	return earthRadiusMeters * math.Acos(c)
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
