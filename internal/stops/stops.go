// Package stops reads delivery stops from files or generates synthetic
// ones, and converts them for the optimizer and matrix providers. The first
// stop of every list is the depot.
package stops

import (
	"lastmile/internal/matrix"
	"lastmile/internal/opt"
)

// Stop is one delivery location. Earliest and Latest are seconds from route
// start; a stop with neither has no time window.
type Stop struct {
	ID       string   `json:"id" yaml:"id"`
	Lat      float64  `json:"lat" yaml:"lat"`
	Lon      float64  `json:"lon" yaml:"lon"`
	Demand   int      `json:"demand" yaml:"demand"`
	Priority int      `json:"priority" yaml:"priority"`
	Earliest *float64 `json:"earliest,omitempty" yaml:"earliest,omitempty"`
	Latest   *float64 `json:"latest,omitempty" yaml:"latest,omitempty"`
	Service  float64  `json:"service,omitempty" yaml:"service,omitempty"`
}

// Window returns the stop's window. A missing bound is open: 0 for earliest
// and horizon for latest.
func (s Stop) Window(horizon float64) *opt.Window {
	if s.Earliest == nil && s.Latest == nil {
		return nil
	}
	w := opt.Window{Earliest: 0, Latest: horizon}
	if s.Earliest != nil {
		w.Earliest = *s.Earliest
	}
	if s.Latest != nil {
		w.Latest = *s.Latest
	}
	return &w
}

// ToNodes converts stops to optimizer nodes in the same order.
func ToNodes(stops []Stop, horizon float64) []opt.Node {
	if horizon <= 0 {
		horizon = opt.DefaultHorizon
	}
	nodes := make([]opt.Node, len(stops))
	for i, s := range stops {
		nodes[i] = opt.Node{ID: s.ID, Demand: s.Demand, Priority: s.Priority, Window: s.Window(horizon), Service: s.Service}
	}
	return nodes
}

func Locations(stops []Stop) []matrix.Location {
	locs := make([]matrix.Location, len(stops))
	for i, s := range stops {
		locs[i] = matrix.Location{Lat: s.Lat, Lng: s.Lon}
	}
	return locs
}

// ParityWindows assigns fixed demo windows to every non-depot stop: even
// positions get [1800, 14400], odd positions [3600, 21600]. Existing
// windows are overwritten. The input is not modified.
func ParityWindows(stops []Stop) []Stop {
	out := make([]Stop, len(stops))
	copy(out, stops)
	for i := 1; i < len(out); i++ {
		e, l := 3600.0, 21600.0
		if i%2 == 0 {
			e, l = 1800.0, 14400.0
		}
		out[i].Earliest, out[i].Latest = &e, &l
	}
	return out
}
