package matrix

import (
	"log"

	redis "github.com/redis/go-redis/v9"

	"lastmile/internal/config"
)

// New assembles the configured provider chain: TomTom with haversine
// fallback when a key is set, plain haversine otherwise, Redis-cached when
// rdb is non-nil.
func New(cfg config.MatrixConfig, rdb *redis.Client) Provider {
	var p Provider = Haversine{SpeedKmh: cfg.FallbackSpeedKmh}
	if cfg.Provider == "tomtom" {
		tt, err := NewTomTom(cfg.TomTomAPIKey, WithBaseURL(cfg.TomTomBaseURL), WithRateLimit(cfg.RequestsPerSec))
		if err != nil {
			log.Printf("matrix provider=tomtom unavailable, using haversine: %v", err)
		} else {
			p = Fallback{Primary: tt, Secondary: p}
		}
	}
	if rdb != nil {
		p = Cached{Provider: p, Redis: rdb, TTL: cfg.CacheTTL}
	}
	return p
}
