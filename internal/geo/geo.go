package geo

import "math"

const earthRadiusKm = 6371.0

// DistanceKm returns the haversine great-circle distance in kilometers
// between two WGS84 points given in decimal degrees.
func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRadians(lat2 - lat1)
	dLon := toRadians(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(lat1))*math.Cos(toRadians(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	// clamp guards against slight overshoot for near-antipodal inputs
	if a > 1 {
		a = 1
	}
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

func toRadians(deg float64) float64 { return deg * math.Pi / 180.0 }

// ValidCoordinate reports whether lat/lon are inside WGS84 bounds.
func ValidCoordinate(lat, lon float64) bool {
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// InBox reports whether the point falls inside the bounding box.
func InBox(lat, lon, latMin, latMax, lonMin, lonMax float64) bool {
	return lat >= latMin && lat <= latMax && lon >= lonMin && lon <= lonMax
}
