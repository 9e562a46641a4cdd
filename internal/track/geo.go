package track

import "math"

const earthRadiusM = 6371000

// Distance returns the great-circle distance in metres between two
// coordinates using the haversine formula.
func Distance(aLat, aLon, bLat, bLon float64) float64 {
	lat1 := aLat * math.Pi / 180
	lat2 := bLat * math.Pi / 180
	dLat := (bLat - aLat) * math.Pi / 180
	dLon := (bLon - aLon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusM * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// BearingDiff returns the smallest absolute angle in degrees between two
// courses. Non-finite inputs yield 0 so a missing course never triggers an
// angle-based emission.
func BearingDiff(a, b float64) float64 {
	if math.IsNaN(a) || math.IsInf(a, 0) || math.IsNaN(b) || math.IsInf(b, 0) {
		return 0
	}
	d := math.Mod(math.Abs(a-b), 360)
	return math.Min(d, 360-d)
}
