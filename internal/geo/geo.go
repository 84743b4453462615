package geo

import (
	"math"
	"strings"

	"github.com/mmcloughlin/geohash"
	"github.com/openhail/ridesync/internal/pkg/models"
)

// EncodeLocation converts a location to a geohash string
func EncodeLocation(location models.Location, precision uint) string {
	return geohash.EncodeWithPrecision(location.Latitude, location.Longitude, precision)
}

// DecodeGeohash converts a geohash string to latitude and longitude
func DecodeGeohash(hash string) (latitude, longitude float64) {
	return geohash.Decode(hash)
}

// AreaContains reports whether the point falls inside the surge area.
// Areas are geohash prefixes: a point is inside when its own geohash at
// the area's precision starts with the area string.
func AreaContains(area string, latitude, longitude float64) bool {
	if area == "" {
		return false
	}
	hash := geohash.EncodeWithPrecision(latitude, longitude, uint(len(area)))
	return strings.HasPrefix(hash, area)
}

// CalculateDistance calculates the distance between two points in kilometers using the Haversine formula
func CalculateDistance(point1, point2 models.Location) float64 {
	// Earth's radius in kilometers
	const earthRadius = 6371.0

	// Convert latitude and longitude from degrees to radians
	lat1 := point1.Latitude * math.Pi / 180.0
	lon1 := point1.Longitude * math.Pi / 180.0
	lat2 := point2.Latitude * math.Pi / 180.0
	lon2 := point2.Longitude * math.Pi / 180.0

	// Haversine formula
	dLat := lat2 - lat1
	dLon := lon2 - lon1
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadius * c
}
