package stops

import (
	"fmt"
	"math/rand"
)

// Depot coordinates for generated data (central Berlin).
const (
	CenterLat = 52.52
	CenterLon = 13.405
	spread    = 0.05
)

// Generate returns a depot followed by n random stops within ±0.05° of the
// centre, demand 1–4, priority 1/2/3 with probabilities .7/.2/.1. The same
// seed always gives the same stops.
func Generate(n int, seed int64) []Stop {
	rng := rand.New(rand.NewSource(seed))
	out := make([]Stop, 0, n+1)
	out = append(out, Stop{ID: "Depot", Lat: CenterLat, Lon: CenterLon})

	lats := make([]float64, n)
	lons := make([]float64, n)
	for i := range lats {
		lats[i] = CenterLat + (rng.Float64()*2-1)*spread
	}
	for i := range lons {
		lons[i] = CenterLon + (rng.Float64()*2-1)*spread
	}
	for i := 0; i < n; i++ {
		out = append(out, Stop{
			ID:       fmt.Sprintf("Stop_%d", i+1),
			Lat:      lats[i],
			Lon:      lons[i],
			Demand:   1 + rng.Intn(4),
			Priority: pickPriority(rng.Float64()),
		})
	}
	return out
}

func pickPriority(u float64) int {
	switch {
	case u < 0.7:
		return 1
	case u < 0.9:
		return 2
	default:
		return 3
	}
}
