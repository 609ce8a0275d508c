package bins

import "math"

const earthRadiusKm = 6371.0

// HaversineKm returns the great-circle distance between two points.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := radians(lat2 - lat1)
	dLon := radians(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(radians(lat1))*math.Cos(radians(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

type bbox struct {
	minLat, maxLat float64
	minLon, maxLon float64
	// wrapsLon is set when the box crosses the antimeridian or a pole, in
	// which case longitude is not prefiltered.
	wrapsLon bool
}

// boundingBox returns a lat/lon rectangle containing every point within
// radiusKm of the centre. It is only a prefilter.
func boundingBox(lat, lon, radiusKm float64) bbox {
	dLat := radiusKm / earthRadiusKm * 180 / math.Pi
	b := bbox{minLat: lat - dLat, maxLat: lat + dLat}
	if b.minLat <= -90 || b.maxLat >= 90 {
		b.minLat, b.maxLat = math.Max(b.minLat, -90), math.Min(b.maxLat, 90)
		b.wrapsLon = true
		return b
	}
	dLon := dLat / math.Cos(radians(lat))
	b.minLon, b.maxLon = lon-dLon, lon+dLon
	if b.minLon < -180 || b.maxLon > 180 {
		b.wrapsLon = true
	}
	return b
}
