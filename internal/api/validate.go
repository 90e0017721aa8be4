package api

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"lastmile/internal/config"
	"lastmile/internal/matrix"
	"lastmile/internal/model"
	"lastmile/internal/opt"
)

// errMatrixUnavailable marks a provider failure while building a problem.
var errMatrixUnavailable = errors.New("travel matrix unavailable")

// optimizerConfig returns the defaults merged with the tenant's stored
// overrides.
func (s *Server) optimizerConfig(ctx context.Context, tenant string) (config.OptimizerConfig, error) {
	oc := s.Cfg.Optimizer
	stored, err := s.Store.GetOptimizerConfig(ctx, tenant)
	if err != nil {
		return oc, err
	}
	return oc.Merge(stored)
}

func validateOptimizeRequest(req *model.OptimizeRequest) error {
	if len(req.Nodes) == 0 {
		return fmt.Errorf("%w: nodes must not be empty", opt.ErrMalformedInput)
	}
	for i, n := range req.Nodes {
		if len(n.Window) != 0 && len(n.Window) != 2 {
			return fmt.Errorf("%w: node %d window must be [earliest, latest]", opt.ErrMalformedInput, i)
		}
		if (n.Lat == nil) != (n.Lng == nil) {
			return fmt.Errorf("%w: node %d must set both lat and lng", opt.ErrMalformedInput, i)
		}
	}
	hasDist, hasDur := req.Distances != nil, req.Durations != nil
	if hasDist != hasDur {
		return fmt.Errorf("%w: distances and durations must be given together", opt.ErrMalformedInput)
	}
	if !hasDist && !req.HasCoordinates() {
		return fmt.Errorf("%w: matrices are required unless every node has lat/lng", opt.ErrMalformedInput)
	}
	if req.Vehicles.Count < 0 || req.Vehicles.Capacity < 0 {
		return fmt.Errorf("%w: vehicle count and capacity must be >= 0", opt.ErrMalformedInput)
	}
	if req.Search.Attempts < 0 {
		return fmt.Errorf("%w: attempts must be >= 0", opt.ErrMalformedInput)
	}
	if t := req.Weights.SearchTimeLimitSeconds; t != nil && (*t <= 0 || math.IsNaN(*t) || math.IsInf(*t, 0)) {
		return fmt.Errorf("%w: searchTimeLimitSeconds must be > 0", opt.ErrMalformedInput)
	}
	return nil
}

// buildProblem converts a validated request into a Problem and solve
// options, filling anything the request leaves out from oc. Missing
// matrices come from the matrix provider.
func (s *Server) buildProblem(ctx context.Context, req *model.OptimizeRequest, oc config.OptimizerConfig) (*opt.Problem, opt.Options, error) {
	if err := validateOptimizeRequest(req); err != nil {
		return nil, opt.Options{}, err
	}

	nodes := make([]opt.Node, len(req.Nodes))
	for i, n := range req.Nodes {
		nodes[i] = opt.Node{ID: n.ID, Demand: n.Demand, Priority: n.Priority, Service: n.Service}
		if len(n.Window) == 2 {
			nodes[i].Window = &opt.Window{Earliest: n.Window[0], Latest: n.Window[1]}
		}
	}

	var m matrix.Matrix
	if req.Distances != nil {
		m = matrix.FromPointers(req.Distances, req.Durations)
	} else {
		locs := make([]matrix.Location, len(req.Nodes))
		for i, n := range req.Nodes {
			locs[i] = matrix.Location{Lat: *n.Lat, Lng: *n.Lng}
		}
		var err error
		if m, err = s.Matrix.Matrix(ctx, locs); err != nil {
			return nil, opt.Options{}, fmt.Errorf("%w: %v", errMatrixUnavailable, err)
		}
	}

	fleet := opt.Fleet{
		Capacity:   req.Vehicles.Capacity,
		Count:      req.Vehicles.Count,
		DepotIndex: req.Vehicles.DepotIndex,
		Capacities: req.Vehicles.Capacities,
	}
	if fleet.Capacity == 0 && len(fleet.Capacities) == 0 {
		fleet.Capacity = oc.VehicleCapacity
	}
	if fleet.Count == 0 {
		fleet.Count = oc.NumVehicles
		if len(fleet.Capacities) > 0 {
			fleet.Count = len(fleet.Capacities)
		}
	}

	w := oc.Weights()
	setFloat(&w.Time, req.Weights.TimeWeight)
	setFloat(&w.Fuel, req.Weights.FuelWeight)
	setFloat(&w.Priority, req.Weights.PriorityWeight)
	setFloat(&w.BasePenalty, req.Weights.BasePenalty)

	slack, horizon := oc.WaitSlackSec, oc.HorizonSec
	setFloat(&slack, req.Search.WaitSlackSec)
	setFloat(&horizon, req.Search.HorizonSec)

	p, err := opt.NewProblem(nodes, m.Distances, m.Durations, fleet, w, opt.WithWaitSlack(slack), opt.WithHorizon(horizon))
	if err != nil {
		return nil, opt.Options{}, err
	}

	o, err := oc.SolveOptions()
	if err != nil {
		return nil, opt.Options{}, fmt.Errorf("%w: %v", opt.ErrMalformedInput, err)
	}
	if req.Search.Policy != "" {
		if o.Policy, err = opt.ParsePolicy(req.Search.Policy); err != nil {
			return nil, opt.Options{}, fmt.Errorf("%w: %v", opt.ErrMalformedInput, err)
		}
	}
	if req.Search.Seed != nil {
		o.Seed = *req.Search.Seed
	}
	if req.Search.Attempts > 0 {
		o.Attempts = req.Search.Attempts
	}
	if t := req.Weights.SearchTimeLimitSeconds; t != nil {
		o.TimeLimit = time.Duration(*t * float64(time.Second))
	}
	if pt := req.Search.Perturbation; pt != nil {
		o.Perturbation = opt.Perturbation{Enabled: pt.Enabled, Rounds: pt.Rounds, Arcs: pt.Arcs, Factor: pt.Factor}
	}
	return p, o, nil
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}
