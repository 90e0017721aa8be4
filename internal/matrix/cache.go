package matrix

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"lastmile/internal/metrics"
	"lastmile/internal/platform/obs"
)

const defaultCacheTTL = 15 * time.Minute

// Cached memoizes another Provider's matrices in Redis, keyed by the exact
// coordinate list. Redis failures degrade to uncached fetches.
type Cached struct {
	Provider Provider
	Redis    *redis.Client
	TTL      time.Duration
	Prefix   string
}

type cachedMatrix struct {
	Distances [][]*float64 `json:"distances"`
	Durations [][]*float64 `json:"durations"`
}

func (c Cached) Matrix(ctx context.Context, locs []Location) (Matrix, error) {
	if len(locs) == 0 {
		return Matrix{}, ErrNoLocations
	}
	key := c.key(locs)
	reqID := obs.RequestID(ctx)

	b, err := c.Redis.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var cm cachedMatrix
		if err := json.Unmarshal(b, &cm); err == nil {
			m := FromPointers(cm.Distances, cm.Durations)
			if m.validate(len(locs)) == nil {
				metrics.MatrixRequests.WithLabelValues("cache", "hit").Inc()
				return m, nil
			}
		}
		log.Printf("req_id=%s matrix cache entry unreadable key=%s", reqID, key)
	case errors.Is(err, redis.Nil):
	default:
		log.Printf("req_id=%s matrix cache get failed err=%v", reqID, err)
	}
	metrics.MatrixRequests.WithLabelValues("cache", "miss").Inc()

	m, err := c.Provider.Matrix(ctx, locs)
	if err != nil {
		return Matrix{}, err
	}
	dist, dur := m.ToPointers()
	payload, err := json.Marshal(cachedMatrix{Distances: dist, Durations: dur})
	if err != nil {
		return m, nil
	}
	ttl := c.TTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if err := c.Redis.Set(ctx, key, payload, ttl).Err(); err != nil {
		log.Printf("req_id=%s matrix cache set failed err=%v", reqID, err)
	}
	return m, nil
}

func (c Cached) key(locs []Location) string {
	h := sha256.New()
	for _, l := range locs {
		h.Write([]byte(strconv.FormatFloat(l.Lat, 'f', 6, 64)))
		h.Write([]byte{','})
		h.Write([]byte(strconv.FormatFloat(l.Lng, 'f', 6, 64)))
		h.Write([]byte{';'})
	}
	prefix := c.Prefix
	if prefix == "" {
		prefix = "matrix:"
	}
	return fmt.Sprintf("%s%s", prefix, hex.EncodeToString(h.Sum(nil)))
}
