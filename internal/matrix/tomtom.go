package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"lastmile/internal/metrics"
	"lastmile/internal/platform/obs"
)

// ErrDisabled is returned by NewTomTom for an empty or "mock" key.
var ErrDisabled = errors.New("matrix: tomtom disabled (no api key)")

const (
	defaultTomTomURL = "https://api.tomtom.com"
	// defaultMaxCells bounds origins x destinations per synchronous request.
	defaultMaxCells = 200
	maxParallel     = 4
)

// TomTom fetches truck travel matrices with live traffic from the TomTom
// Matrix Routing v2 API. Large matrices are split into origin batches
// fetched concurrently.
type TomTom struct {
	apiKey   string
	baseURL  string
	session  *http.Client
	limiter  *rate.Limiter
	maxCells int
}

type TomTomOption func(*TomTom)

func WithBaseURL(u string) TomTomOption {
	return func(t *TomTom) {
		if u != "" {
			t.baseURL = strings.TrimRight(u, "/")
		}
	}
}

func WithHTTPClient(c *http.Client) TomTomOption {
	return func(t *TomTom) { t.session = c }
}

// WithRateLimit paces outgoing requests; rps <= 0 disables pacing.
func WithRateLimit(rps float64) TomTomOption {
	return func(t *TomTom) {
		if rps <= 0 {
			t.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		t.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
}

func WithMaxCells(n int) TomTomOption {
	return func(t *TomTom) {
		if n > 0 {
			t.maxCells = n
		}
	}
}

func NewTomTom(apiKey string, opts ...TomTomOption) (*TomTom, error) {
	key := strings.TrimSpace(apiKey)
	if key == "" || strings.EqualFold(key, "mock") {
		return nil, ErrDisabled
	}
	t := &TomTom{
		apiKey:   key,
		baseURL:  defaultTomTomURL,
		session:  &http.Client{Timeout: 30 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(5), 1),
		maxCells: defaultMaxCells,
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

type ttPoint struct {
	Point ttCoord `json:"point"`
}

type ttCoord struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type ttOptions struct {
	TravelMode string `json:"travelMode"`
	Traffic    string `json:"traffic"`
	DepartAt   string `json:"departAt"`
}

type ttRequest struct {
	Origins      []ttPoint `json:"origins"`
	Destinations []ttPoint `json:"destinations"`
	Options      ttOptions `json:"options"`
}

type ttResponse struct {
	Data []ttCell `json:"data"`
}

type ttCell struct {
	OriginIndex      *int       `json:"originIndex"`
	DestinationIndex *int       `json:"destinationIndex"`
	RouteSummary     *ttSummary `json:"routeSummary"`
}

type ttSummary struct {
	LengthInMeters      float64 `json:"lengthInMeters"`
	TravelTimeInSeconds float64 `json:"travelTimeInSeconds"`
}

// Matrix implements Provider. Pairs the API reports without a route
// summary are unreachable and come back as +Inf.
func (t *TomTom) Matrix(ctx context.Context, locs []Location) (_ Matrix, err error) {
	defer obs.Time(ctx, "matrix.tomtom")(&err)
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		metrics.MatrixRequests.WithLabelValues("tomtom", status).Inc()
	}()

	n := len(locs)
	if n == 0 {
		return Matrix{}, ErrNoLocations
	}
	points := make([]ttPoint, n)
	for i, l := range locs {
		points[i] = ttPoint{Point: ttCoord{Latitude: l.Lat, Longitude: l.Lng}}
	}

	batch := t.maxCells / n
	if batch < 1 {
		batch = 1
	}

	out := newMatrix(n, math.Inf(1))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)
	for lo := 0; lo < n; lo += batch {
		hi := min(lo+batch, n)
		g.Go(func() error {
			return t.fetchRows(gctx, points, lo, hi, out)
		})
	}
	if err := g.Wait(); err != nil {
		return Matrix{}, err
	}
	return out, nil
}

// fetchRows fills rows lo..hi-1 of out. Batches own disjoint rows.
func (t *TomTom) fetchRows(ctx context.Context, points []ttPoint, lo, hi int, out Matrix) error {
	n := len(points)
	payload, err := json.Marshal(ttRequest{
		Origins:      points[lo:hi],
		Destinations: points,
		Options:      ttOptions{TravelMode: "truck", Traffic: "live", DepartAt: "now"},
	})
	if err != nil {
		return fmt.Errorf("marshal matrix request: %w", err)
	}
	endpoint := t.baseURL + "/routing/matrix/2?key=" + url.QueryEscape(t.apiKey)

	resp, err := t.doWithRetry(ctx, func() (*http.Request, error) {
		return t.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	})
	if err != nil {
		return fmt.Errorf("matrix request failed: %w", err)
	}
	defer resp.Body.Close()

	var mr ttResponse
	if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
		return fmt.Errorf("decode matrix response: %w", err)
	}
	rows := hi - lo
	if len(mr.Data) != rows*n {
		return fmt.Errorf("matrix response has %d cells, want %d", len(mr.Data), rows*n)
	}

	for k, cell := range mr.Data {
		i, j := k/n, k%n
		if cell.OriginIndex != nil && cell.DestinationIndex != nil {
			i, j = *cell.OriginIndex, *cell.DestinationIndex
		}
		if i < 0 || i >= rows || j < 0 || j >= n {
			return fmt.Errorf("matrix cell %d index out of range (%d,%d)", k, i, j)
		}
		if cell.RouteSummary == nil {
			continue
		}
		out.Distances[lo+i][j] = cell.RouteSummary.LengthInMeters
		out.Durations[lo+i][j] = cell.RouteSummary.TravelTimeInSeconds
	}
	for i := lo; i < hi; i++ {
		out.Distances[i][i] = 0
		out.Durations[i][i] = 0
	}
	return nil
}
