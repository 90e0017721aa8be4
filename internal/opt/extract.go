package opt

import (
	"fmt"
	"math"
)

// RouteResult is the realized plan of one vehicle.
type RouteResult struct {
	VehicleID     int       `json:"vehicleId"`
	Sequence      []int     `json:"sequence"` // depot, stops..., depot
	TotalDistance float64   `json:"totalDistance"`
	TotalTime     float64   `json:"totalTime"` // travel seconds only
	EndTime       float64   `json:"endTime"`   // back at depot, including service and waiting
	Load          int       `json:"load"`
	Arrivals      []float64 `json:"arrivals"` // service start per Sequence entry
}

type Result struct {
	Routes         []RouteResult `json:"routes"`
	Dropped        []int         `json:"droppedNodes"`
	Objective      float64       `json:"objectiveValue"`
	LocallyOptimal bool          `json:"locallyOptimal"`
	Attempt        int           `json:"attempt"`
	Metrics        Metrics       `json:"metrics"`
}

// Extract walks a solution and reports realized distances, times and
// loads. It re-verifies every structural invariant and fails with
// ErrSolverFailure if one is broken. It never searches.
func Extract(p *Problem, s Solution) (Result, error) {
	depot := p.Depot()
	capDim, timDim, pen := NewCapacityDimension(p), NewTimeDimension(p), NewPenaltyManager(p)
	seen := make([]bool, p.Len())
	usedVehicle := make([]bool, p.Vehicles())
	res := Result{Routes: make([]RouteResult, 0, len(s.Routes))}
	total := 0.0

	for _, rt := range s.Routes {
		if rt.Vehicle < 0 || rt.Vehicle >= p.Vehicles() || usedVehicle[rt.Vehicle] {
			return Result{}, fmt.Errorf("%w: route for vehicle %d is invalid or repeated", ErrSolverFailure, rt.Vehicle)
		}
		usedVehicle[rt.Vehicle] = true
		for _, n := range rt.Stops {
			if n < 0 || n >= p.Len() || n == depot || seen[n] {
				return Result{}, fmt.Errorf("%w: stop %d visited twice or invalid", ErrSolverFailure, n)
			}
			seen[n] = true
		}
		if !capDim.Feasible(rt.Vehicle, rt.Stops) {
			return Result{}, fmt.Errorf("%w: vehicle %d over capacity", ErrSolverFailure, rt.Vehicle)
		}
		cumul, end, ok := timDim.Schedule(rt.Stops)
		if !ok {
			return Result{}, fmt.Errorf("%w: vehicle %d violates a time window", ErrSolverFailure, rt.Vehicle)
		}

		rr := RouteResult{VehicleID: rt.Vehicle, Sequence: []int{depot}, Arrivals: []float64{0}}
		prev := depot
		for k, n := range rt.Stops {
			rr.TotalDistance += p.Distance(prev, n)
			rr.TotalTime += p.Time(prev, n)
			rr.Load += p.Demand(n)
			rr.Sequence = append(rr.Sequence, n)
			rr.Arrivals = append(rr.Arrivals, cumul[k])
			prev = n
		}
		if len(rt.Stops) > 0 {
			rr.TotalDistance += p.Distance(prev, depot)
			rr.TotalTime += p.Time(prev, depot)
		}
		rr.Sequence = append(rr.Sequence, depot)
		rr.Arrivals = append(rr.Arrivals, end)
		rr.EndTime = end

		c := pathCost(p, depot, fwd(rt.Stops))
		if math.IsInf(c, 1) {
			return Result{}, fmt.Errorf("%w: vehicle %d uses a forbidden arc", ErrSolverFailure, rt.Vehicle)
		}
		total += c
		res.Routes = append(res.Routes, rr)
	}

	for _, n := range s.Dropped {
		if n < 0 || n >= p.Len() || n == depot || seen[n] {
			return Result{}, fmt.Errorf("%w: dropped node %d is invalid or also routed", ErrSolverFailure, n)
		}
		seen[n] = true
	}
	for i, ok := range seen {
		if i != depot && !ok {
			return Result{}, fmt.Errorf("%w: node %d is neither routed nor dropped", ErrSolverFailure, i)
		}
	}
	res.Dropped = append([]int{}, s.Dropped...)
	res.Objective = total + pen.Total(s.Dropped)
	return res, nil
}
