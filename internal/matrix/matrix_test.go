package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetersOneDegreeOfLatitude(t *testing.T) {
	d := Meters(Location{Lat: 52, Lng: 13}, Location{Lat: 53, Lng: 13})
	assert.InDelta(t, 111195, d, 1)
	assert.Zero(t, Meters(Location{Lat: 52.52, Lng: 13.405}, Location{Lat: 52.52, Lng: 13.405}))
}

func TestHaversineMatrixUsesConstantSpeed(t *testing.T) {
	locs := []Location{{Lat: 52.52, Lng: 13.405}, {Lat: 52.53, Lng: 13.41}, {Lat: 52.50, Lng: 13.39}}
	m, err := Haversine{}.Matrix(context.Background(), locs)
	require.NoError(t, err)
	require.Equal(t, 3, m.Size())
	for i := range locs {
		assert.Zero(t, m.Distances[i][i])
		assert.Zero(t, m.Durations[i][i])
		for j := range locs {
			if i == j {
				continue
			}
			assert.InDelta(t, m.Distances[i][j], m.Distances[j][i], 1e-6)
			assert.InDelta(t, m.Distances[i][j]/(30.0/3.6), m.Durations[i][j], 1e-6)
		}
	}

	_, err = Haversine{}.Matrix(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoLocations)
}

// tomtomStub answers matrix requests from the posted coordinates: length is
// the latitude gap in km, and origin lat 3 cannot reach destination lat 1.
func tomtomStub(t *testing.T, calls *atomic.Int32, failFirst int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n <= failFirst {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.URL.Path != "/routing/matrix/2" || r.URL.Query().Get("key") != "k" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var req ttRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.Options.TravelMode != "truck" || req.Options.Traffic != "live" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var cells []map[string]any
		for oi, o := range req.Origins {
			for di, d := range req.Destinations {
				cell := map[string]any{"originIndex": oi, "destinationIndex": di}
				if !(o.Point.Latitude == 3 && d.Point.Latitude == 1) {
					gap := math.Abs(o.Point.Latitude - d.Point.Latitude)
					cell["routeSummary"] = map[string]any{"lengthInMeters": gap * 1000, "travelTimeInSeconds": gap * 60}
				}
				cells = append(cells, cell)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"data": cells})
	}))
}

func TestTomTomParsesMatrixAcrossBatches(t *testing.T) {
	var calls atomic.Int32
	srv := tomtomStub(t, &calls, 0)
	defer srv.Close()

	tt, err := NewTomTom("k", WithBaseURL(srv.URL), WithRateLimit(0), WithMaxCells(3))
	require.NoError(t, err)
	locs := []Location{{Lat: 1}, {Lat: 2}, {Lat: 3}}
	m, err := tt.Matrix(context.Background(), locs)
	require.NoError(t, err)

	assert.Equal(t, int32(3), calls.Load(), "one origin per request")
	assert.Equal(t, 1000.0, m.Distances[0][1])
	assert.Equal(t, 2000.0, m.Distances[0][2])
	assert.Equal(t, 60.0, m.Durations[2][1])
	assert.True(t, math.IsInf(m.Distances[2][0], 1))
	assert.True(t, math.IsInf(m.Durations[2][0], 1))
	assert.Zero(t, m.Distances[1][1])
}

func TestTomTomRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := tomtomStub(t, &calls, 1)
	defer srv.Close()

	tt, err := NewTomTom("k", WithBaseURL(srv.URL), WithRateLimit(0))
	require.NoError(t, err)
	m, err := tt.Matrix(context.Background(), []Location{{Lat: 1}, {Lat: 2}})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 1000.0, m.Distances[1][0])
}

func TestTomTomDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := tomtomStub(t, &calls, 0)
	defer srv.Close()

	tt, err := NewTomTom("wrong", WithBaseURL(srv.URL), WithRateLimit(0))
	require.NoError(t, err)
	_, err = tt.Matrix(context.Background(), []Location{{Lat: 1}, {Lat: 2}})
	var he *httpStatusError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusNotFound, he.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTomTomDisabledWithoutKey(t *testing.T) {
	for _, key := range []string{"", "  ", "mock", "MOCK"} {
		_, err := NewTomTom(key)
		assert.ErrorIs(t, err, ErrDisabled, "key %q", key)
	}
}

type stubProvider struct {
	calls atomic.Int32
	m     Matrix
	err   error
}

func (s *stubProvider) Matrix(ctx context.Context, locs []Location) (Matrix, error) {
	s.calls.Add(1)
	return s.m, s.err
}

func TestFallbackUsesSecondaryOnError(t *testing.T) {
	primary := &stubProvider{err: errors.New("quota exceeded")}
	f := Fallback{Primary: primary, Secondary: Haversine{SpeedKmh: 30}}
	m, err := f.Matrix(context.Background(), []Location{{Lat: 52, Lng: 13}, {Lat: 53, Lng: 13}})
	require.NoError(t, err)
	assert.Equal(t, int32(1), primary.calls.Load())
	assert.InDelta(t, 111195, m.Distances[0][1], 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	primary.err = context.Canceled
	_, err = f.Matrix(ctx, []Location{{Lat: 52, Lng: 13}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCachedRoundTripKeepsUnreachablePairs(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	inf := math.Inf(1)
	inner := &stubProvider{m: Matrix{
		Distances: [][]float64{{0, 10}, {inf, 0}},
		Durations: [][]float64{{0, 5}, {inf, 0}},
	}}
	c := Cached{Provider: inner, Redis: rdb, TTL: time.Minute}
	locs := []Location{{Lat: 52.1, Lng: 13.1}, {Lat: 52.2, Lng: 13.2}}

	first, err := c.Matrix(context.Background(), locs)
	require.NoError(t, err)
	second, err := c.Matrix(context.Background(), locs)
	require.NoError(t, err)
	assert.Equal(t, int32(1), inner.calls.Load(), "second call is served from redis")
	assert.Equal(t, first, second)
	assert.True(t, math.IsInf(second.Distances[1][0], 1))

	_, err = c.Matrix(context.Background(), []Location{{Lat: 52.2, Lng: 13.2}, {Lat: 52.1, Lng: 13.1}})
	require.NoError(t, err)
	assert.Equal(t, int32(2), inner.calls.Load(), "order is part of the key")

	mr.FastForward(2 * time.Minute)
	_, err = c.Matrix(context.Background(), locs)
	require.NoError(t, err)
	assert.Equal(t, int32(3), inner.calls.Load(), "entries expire after the ttl")
}

func TestCachedSurvivesRedisOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	mr.Close()

	inner := &stubProvider{m: Matrix{Distances: [][]float64{{0}}, Durations: [][]float64{{0}}}}
	m, err := Cached{Provider: inner, Redis: rdb}.Matrix(context.Background(), []Location{{Lat: 1, Lng: 1}})
	require.NoError(t, err)
	assert.Equal(t, 1, m.Size())
}
