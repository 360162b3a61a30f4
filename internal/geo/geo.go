// Package geo decides which vehicles are close enough to a client to be
// worth sending.
package geo

import "math"

const earthRadiusMeters = 6371000.0

// Criterion is a client's visibility filter: a center point and a radius in
// meters. The zero value matches nothing.
type Criterion struct {
	Lat    float64
	Lon    float64
	Radius float64
}

// Visible reports whether a point lies strictly within the criterion's
// radius.
func Visible(c Criterion, lat, lon float64) bool {
	return Distance(c.Lat, c.Lon, lat, lon) < c.Radius
}

// Distance returns the great-circle distance in meters between two
// coordinates, using the haversine formula.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }
