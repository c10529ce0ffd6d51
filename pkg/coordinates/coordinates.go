package coordinates

import (
	"math"
)

// Constants for coordinate calculations
const (
	// DegreesToRadians converts degrees to radians
	DegreesToRadians = math.Pi / 180.0

	// RadiansToDegrees converts radians to degrees
	RadiansToDegrees = 180.0 / math.Pi

	// EarthRadiusKm is the Earth's radius in kilometers (WGS84 mean radius)
	EarthRadiusKm = 6371.0

	// KmPerNauticalMile is the length of one nautical mile in kilometers
	KmPerNauticalMile = 1.852

	// FeetToMeters converts feet to meters
	FeetToMeters = 0.3048

	// MetersToFeet converts meters to feet
	MetersToFeet = 3.28084
)

// Geographic represents a position on Earth's surface.
// Uses the WGS84 coordinate system (same as GPS).
type Geographic struct {
	// Latitude in decimal degrees (-90 to +90)
	// Positive = North, Negative = South
	Latitude float64 `json:"latitude"`

	// Longitude in decimal degrees (-180 to +180)
	// Positive = East, Negative = West
	Longitude float64 `json:"longitude"`
}

// Bounds is a latitude/longitude rectangle.
type Bounds struct {
	North float64
	South float64
	West  float64
	East  float64
}

// NormalizeHeading ensures a heading is in the range [0, 360).
func NormalizeHeading(heading float64) float64 {
	h := math.Mod(heading, 360.0)
	if h < 0 {
		h += 360.0
	}
	return h
}

// NormalizeLongitude wraps a longitude into [-180, 180].
func NormalizeLongitude(lon float64) float64 {
	for lon > 180.0 {
		lon -= 360.0
	}
	for lon < -180.0 {
		lon += 360.0
	}
	return lon
}

// Bearing calculates the initial bearing (forward azimuth) from one point to another.
// Uses spherical trigonometry to calculate the bearing along a great circle.
// Returns bearing in degrees (0-360), where 0/360 = North, 90 = East, 180 = South, 270 = West.
func Bearing(from, to Geographic) float64 {
	lat1 := from.Latitude * DegreesToRadians
	lon1 := from.Longitude * DegreesToRadians
	lat2 := to.Latitude * DegreesToRadians
	lon2 := to.Longitude * DegreesToRadians

	dLon := lon2 - lon1
	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)

	return NormalizeHeading(math.Atan2(y, x) * RadiansToDegrees)
}

// DistanceNauticalMiles calculates the great-circle distance between two points.
// Uses the Haversine formula for accuracy over short and long distances.
// Returns distance in nautical miles.
func DistanceNauticalMiles(from, to Geographic) float64 {
	lat1Rad := from.Latitude * DegreesToRadians
	lon1Rad := from.Longitude * DegreesToRadians
	lat2Rad := to.Latitude * DegreesToRadians
	lon2Rad := to.Longitude * DegreesToRadians

	dLat := lat2Rad - lat1Rad
	dLon := lon2Rad - lon1Rad

	// Haversine formula
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusKm * c / KmPerNauticalMile
}

// Destination returns the point reached by travelling distanceNM along a
// great circle that starts at from with the given initial bearing.
func Destination(from Geographic, bearingDeg, distanceNM float64) Geographic {
	latRad := from.Latitude * DegreesToRadians
	lonRad := from.Longitude * DegreesToRadians
	brgRad := bearingDeg * DegreesToRadians

	// Angular distance (distance / Earth radius)
	d := distanceNM * KmPerNauticalMile / EarthRadiusKm

	// lat2 = asin(sin(lat1)*cos(d) + cos(lat1)*sin(d)*cos(brg))
	newLatRad := math.Asin(
		math.Sin(latRad)*math.Cos(d) +
			math.Cos(latRad)*math.Sin(d)*math.Cos(brgRad),
	)

	// lon2 = lon1 + atan2(sin(brg)*sin(d)*cos(lat1), cos(d)-sin(lat1)*sin(lat2))
	newLonRad := lonRad + math.Atan2(
		math.Sin(brgRad)*math.Sin(d)*math.Cos(latRad),
		math.Cos(d)-math.Sin(latRad)*math.Sin(newLatRad),
	)

	return Geographic{
		Latitude:  newLatRad * RadiansToDegrees,
		Longitude: NormalizeLongitude(newLonRad * RadiansToDegrees),
	}
}

// BoundingBox returns the smallest latitude/longitude rectangle that
// contains the circle of radiusNM around center. Near the poles the
// longitude span is clamped to the whole globe.
func BoundingBox(center Geographic, radiusNM float64) Bounds {
	// One degree of latitude is 60 nm everywhere
	dLat := radiusNM / 60.0

	b := Bounds{
		North: math.Min(center.Latitude+dLat, 90),
		South: math.Max(center.Latitude-dLat, -90),
	}

	cosLat := math.Cos(center.Latitude * DegreesToRadians)
	if cosLat < 1e-6 || b.North == 90 || b.South == -90 {
		b.West, b.East = -180, 180
		return b
	}

	dLon := radiusNM / (60.0 * cosLat)
	if dLon >= 180 {
		b.West, b.East = -180, 180
		return b
	}
	b.West = NormalizeLongitude(center.Longitude - dLon)
	b.East = NormalizeLongitude(center.Longitude + dLon)
	return b
}
