package matrix

import (
	"context"
	"math"
)

const (
	earthRadiusMeters = 6371000.0
	DefaultSpeedKmh   = 30.0
)

// Haversine estimates distances along great circles and times at a constant
// speed. It never fails and needs no network.
type Haversine struct {
	SpeedKmh float64
}

func (h Haversine) Matrix(ctx context.Context, locs []Location) (Matrix, error) {
	if len(locs) == 0 {
		return Matrix{}, ErrNoLocations
	}
	speed := h.SpeedKmh
	if speed <= 0 {
		speed = DefaultSpeedKmh
	}
	mps := speed * 1000 / 3600

	m := newMatrix(len(locs), 0)
	for i := range locs {
		for j := range locs {
			if i == j {
				continue
			}
			d := Meters(locs[i], locs[j])
			m.Distances[i][j] = d
			m.Durations[i][j] = d / mps
		}
	}
	return m, nil
}

// Meters is the great-circle distance between a and b.
func Meters(a, b Location) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lng - a.Lng) * math.Pi / 180
	s := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(s), math.Sqrt(1-s))
	return earthRadiusMeters * c
}
