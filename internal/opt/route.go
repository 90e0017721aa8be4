package opt

import "sort"

// Route is the ordered list of stops served by one vehicle. The depot is
// implicit at both ends; an empty route means the vehicle stays home.
type Route struct {
	Vehicle int
	Stops   []int
}

// Solution assigns every customer either to exactly one route or to Dropped.
type Solution struct {
	Routes    []Route
	Dropped   []int
	Objective float64
}

func (s Solution) Clone() Solution {
	out := Solution{Routes: make([]Route, len(s.Routes)), Dropped: append([]int(nil), s.Dropped...), Objective: s.Objective}
	for i, r := range s.Routes {
		out.Routes[i] = Route{Vehicle: r.Vehicle, Stops: append([]int(nil), r.Stops...)}
	}
	return out
}

// Served counts routed customers.
func (s Solution) Served() int {
	n := 0
	for _, r := range s.Routes {
		n += len(r.Stops)
	}
	return n
}

// arcCoster prices a single arc. The Problem is the true coster; the
// perturbation step swaps in an inflated view for a while.
type arcCoster interface {
	Cost(i, j int) float64
}

// seg is a view on part of an existing route, optionally walked backwards.
// Candidate routes are described as segment lists so they can be priced
// and checked without allocating.
type seg struct {
	nodes []int
	rev   bool
}

func fwd(s []int) seg { return seg{nodes: s} }
func bwd(s []int) seg { return seg{nodes: s, rev: true} }

func walk(segs []seg, fn func(n int) bool) bool {
	for _, sg := range segs {
		if sg.rev {
			for k := len(sg.nodes) - 1; k >= 0; k-- {
				if !fn(sg.nodes[k]) {
					return false
				}
			}
			continue
		}
		for _, n := range sg.nodes {
			if !fn(n) {
				return false
			}
		}
	}
	return true
}

func materialize(segs []seg) []int {
	size := 0
	for _, sg := range segs {
		size += len(sg.nodes)
	}
	out := make([]int, 0, size)
	walk(segs, func(n int) bool {
		out = append(out, n)
		return true
	})
	return out
}

// pathCost prices depot -> segs -> depot. A path with no stops costs nothing.
func pathCost(c arcCoster, depot int, segs ...seg) float64 {
	total := 0.0
	prev := depot
	walk(segs, func(n int) bool {
		total += c.Cost(prev, n)
		prev = n
		return true
	})
	if prev == depot {
		return 0
	}
	return total + c.Cost(prev, depot)
}

func insertSorted(xs []int, v int) []int {
	i := sort.SearchInts(xs, v)
	xs = append(xs, 0)
	copy(xs[i+1:], xs[i:])
	xs[i] = v
	return xs
}

func removeSorted(xs []int, v int) []int {
	i := sort.SearchInts(xs, v)
	if i < len(xs) && xs[i] == v {
		return append(xs[:i], xs[i+1:]...)
	}
	return xs
}
