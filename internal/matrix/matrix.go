// Package matrix supplies travel distance and time matrices for a set of
// locations, from a traffic-aware routing API or a great-circle estimate.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// Location is a WGS84 coordinate in decimal degrees.
type Location struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lng float64 `json:"lng" yaml:"lng"`
}

// Matrix holds meters and seconds between every pair of locations, row =
// origin. +Inf marks an unreachable pair.
type Matrix struct {
	Distances [][]float64
	Durations [][]float64
}

// Provider fetches a full origin x destination matrix for locs.
type Provider interface {
	Matrix(ctx context.Context, locs []Location) (Matrix, error)
}

var ErrNoLocations = errors.New("matrix: no locations")

// Size returns the matrix dimension.
func (m Matrix) Size() int { return len(m.Distances) }

func (m Matrix) validate(n int) error {
	if len(m.Distances) != n || len(m.Durations) != n {
		return fmt.Errorf("matrix: expected %d rows, got distances=%d durations=%d", n, len(m.Distances), len(m.Durations))
	}
	for i := 0; i < n; i++ {
		if len(m.Distances[i]) != n || len(m.Durations[i]) != n {
			return fmt.Errorf("matrix: row %d has wrong length", i)
		}
	}
	return nil
}

func newMatrix(n int, fill float64) Matrix {
	m := Matrix{Distances: make([][]float64, n), Durations: make([][]float64, n)}
	for i := 0; i < n; i++ {
		m.Distances[i] = make([]float64, n)
		m.Durations[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			if i != j {
				m.Distances[i][j] = fill
				m.Durations[i][j] = fill
			}
		}
	}
	return m
}

// ToPointers encodes m with nil for +Inf, the JSON form used on the wire.
func (m Matrix) ToPointers() (dist, dur [][]*float64) {
	return encodeRows(m.Distances), encodeRows(m.Durations)
}

// FromPointers is the inverse of ToPointers.
func FromPointers(dist, dur [][]*float64) Matrix {
	return Matrix{Distances: decodeRows(dist), Durations: decodeRows(dur)}
}

func encodeRows(rows [][]float64) [][]*float64 {
	out := make([][]*float64, len(rows))
	for i, row := range rows {
		out[i] = make([]*float64, len(row))
		for j, v := range row {
			if math.IsInf(v, 1) {
				continue
			}
			out[i][j] = &v
		}
	}
	return out
}

func decodeRows(rows [][]*float64) [][]float64 {
	out := make([][]float64, len(rows))
	for i, row := range rows {
		out[i] = make([]float64, len(row))
		for j, v := range row {
			if v == nil {
				out[i][j] = math.Inf(1)
				continue
			}
			out[i][j] = *v
		}
	}
	return out
}
