package opt

// CapacityDimension accumulates demand along a route and enforces the
// vehicle capacity at every point of it.
type CapacityDimension struct {
	p *Problem
}

func NewCapacityDimension(p *Problem) CapacityDimension { return CapacityDimension{p: p} }

// Prefix returns the load carried after serving each stop.
func (d CapacityDimension) Prefix(stops []int) []int {
	out := make([]int, len(stops))
	load := 0
	for k, n := range stops {
		load += d.p.Demand(n)
		out[k] = load
	}
	return out
}

// CanInsert reports whether node fits into a route whose cached prefix
// loads are given. Demands are non-negative, so the last prefix is the
// peak and the check does not depend on the insertion position.
func (d CapacityDimension) CanInsert(vehicle int, prefix []int, node int) bool {
	return last(prefix)+d.p.Demand(node) <= d.p.Capacity(vehicle)
}

// CanReplace reports whether swapping out for in keeps the route within capacity.
func (d CapacityDimension) CanReplace(vehicle int, prefix []int, out, in int) bool {
	return last(prefix)-d.p.Demand(out)+d.p.Demand(in) <= d.p.Capacity(vehicle)
}

func (d CapacityDimension) feasible(vehicle int, segs ...seg) bool {
	load, limit := 0, d.p.Capacity(vehicle)
	return walk(segs, func(n int) bool {
		load += d.p.Demand(n)
		return load <= limit
	})
}

// Feasible validates a whole route.
func (d CapacityDimension) Feasible(vehicle int, stops []int) bool {
	return d.feasible(vehicle, fwd(stops))
}

func last(xs []int) int {
	if len(xs) == 0 {
		return 0
	}
	return xs[len(xs)-1]
}
