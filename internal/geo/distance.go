package geo

import (
	"context"
	"math"
)

const (
	earthRadiusKm = 6371

	// RoadFactor approximates road distance from great-circle distance.
	RoadFactor = 1.3
	// DefaultSpeedKmh is the average ambulance speed used for ETAs.
	DefaultSpeedKmh = 40
	// MinETAMinutes is the floor for every ETA.
	MinETAMinutes = 5
)

// HaversineKm returns the great-circle distance in km rounded to 2 decimals.
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := toRadians(lat2 - lat1)
	dLng := toRadians(lng2 - lng1)
	sinLat := math.Sin(dLat / 2)
	sinLng := math.Sin(dLng / 2)
	a := sinLat*sinLat + math.Cos(toRadians(lat1))*math.Cos(toRadians(lat2))*sinLng*sinLng
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return round2(earthRadiusKm * c)
}

// RoadEstimateKm turns a direct distance into a road estimate using the fixed factor.
func RoadEstimateKm(directKm float64) float64 {
	return round2(directKm * RoadFactor)
}

// ETAMinutes is ceil(distance/speed*60) with a floor of MinETAMinutes.
// A non-positive speed falls back to DefaultSpeedKmh.
func ETAMinutes(distanceKm, speedKmh float64) int {
	if speedKmh <= 0 {
		speedKmh = DefaultSpeedKmh
	}
	minutes := int(math.Ceil(distanceKm / speedKmh * 60))
	if minutes < MinETAMinutes {
		return MinETAMinutes
	}
	return minutes
}

// Estimator resolves road distances, preferring a routing provider when one
// is configured. It never fails: any provider problem falls back to the factor.
type Estimator struct {
	router Router
}

func NewEstimator(router Router) *Estimator {
	return &Estimator{router: router}
}

// RoadKm returns the road distance between two points in km.
func (e *Estimator) RoadKm(ctx context.Context, fromLat, fromLng, toLat, toLng float64) float64 {
	direct := HaversineKm(fromLat, fromLng, toLat, toLng)
	if e == nil || e.router == nil {
		return RoadEstimateKm(direct)
	}
	meters, err := e.router.DistanceMeters(ctx, fromLat, fromLng, toLat, toLng)
	if err != nil || meters <= 0 || math.IsNaN(meters) || math.IsInf(meters, 0) {
		return RoadEstimateKm(direct)
	}
	return round2(meters / 1000)
}

// Box is a lat/lng rectangle around a centre point, used to prefilter scans.
type Box struct {
	MinLat, MaxLat float64
	MinLng, MaxLng float64
}

// BoundingBox returns the rectangle enclosing a circle of radiusKm.
func BoundingBox(lat, lng, radiusKm float64) Box {
	angular := radiusKm / earthRadiusKm * 180 / math.Pi
	lngSpan := angular / math.Cos(toRadians(lat))
	return Box{
		MinLat: lat - angular,
		MaxLat: lat + angular,
		MinLng: lng - lngSpan,
		MaxLng: lng + lngSpan,
	}
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
