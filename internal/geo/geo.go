package geo

import (
	"math"
	"math/rand"

	"github.com/example/pedalup/internal/models"
)

// Haversine distance in meters.
func Haversine(a, b models.LatLng) float64 {
	const R = 6371000.0
	toRad := func(deg float64) float64 { return deg * math.Pi / 180.0 }
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)
	s := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return R * 2 * math.Atan2(math.Sqrt(s), math.Sqrt(1-s))
}

// Jitter moves a position by up to ±step/2 degrees on each axis. The
// device simulator uses it to fake riding around.
func Jitter(p models.LatLng, step float64) models.LatLng {
	return models.LatLng{
		Lat: p.Lat + (rand.Float64()-0.5)*step,
		Lng: p.Lng + (rand.Float64()-0.5)*step,
	}
}
