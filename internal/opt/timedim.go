package opt

import "math"

// TimeDimension propagates service start times along a route:
//
//	arrival(j) = start(i) + service(i) + time(i,j)
//	start(j)   = max(arrival(j), earliest(j))
//
// A route is infeasible when a start misses its window, when the wait
// before a window opens exceeds the slack, or when any time (including
// the return to the depot) passes the horizon. Routes start at 0.
type TimeDimension struct {
	p *Problem
}

func NewTimeDimension(p *Problem) TimeDimension { return TimeDimension{p: p} }

// Next returns the service start at j when service at i started at t.
func (d TimeDimension) Next(i int, t float64, j int) (float64, bool) {
	tt := d.p.Time(i, j)
	if math.IsInf(tt, 1) {
		return 0, false
	}
	start := t + d.p.Service(i) + tt
	if w := d.p.Window(j); w != nil {
		if start < w.Earliest {
			if w.Earliest-start > d.p.WaitSlack() {
				return 0, false
			}
			start = w.Earliest
		}
		if start > w.Latest {
			return 0, false
		}
	}
	if start > d.p.Horizon() {
		return 0, false
	}
	return start, true
}

// Schedule returns the service start at each stop and the time the
// vehicle is back at the depot.
func (d TimeDimension) Schedule(stops []int) (cumul []float64, end float64, ok bool) {
	cumul = make([]float64, len(stops))
	depot := d.p.Depot()
	prev, t := depot, 0.0
	for k, n := range stops {
		if t, ok = d.Next(prev, t, n); !ok {
			return nil, 0, false
		}
		cumul[k] = t
		prev = n
	}
	if len(stops) == 0 {
		return cumul, 0, true
	}
	if end, ok = d.Next(prev, t, depot); !ok {
		return nil, 0, false
	}
	return cumul, end, true
}

// CanInsert checks node at pos against the cached starts of a route. Only
// the suffix is propagated, and propagation stops as soon as a start time
// matches the cached one since the rest of the route is then unchanged.
func (d TimeDimension) CanInsert(stops []int, cumul []float64, node, pos int) bool {
	depot := d.p.Depot()
	prev, t := depot, 0.0
	if pos > 0 {
		prev, t = stops[pos-1], cumul[pos-1]
	}
	t, ok := d.Next(prev, t, node)
	if !ok {
		return false
	}
	prev = node
	for k := pos; k < len(stops); k++ {
		if t, ok = d.Next(prev, t, stops[k]); !ok {
			return false
		}
		if t == cumul[k] {
			return true
		}
		prev = stops[k]
	}
	_, ok = d.Next(prev, t, depot)
	return ok
}

func (d TimeDimension) feasible(segs ...seg) bool {
	depot := d.p.Depot()
	prev, t := depot, 0.0
	ok := walk(segs, func(n int) bool {
		var fits bool
		t, fits = d.Next(prev, t, n)
		prev = n
		return fits
	})
	if !ok {
		return false
	}
	if prev == depot {
		return true
	}
	_, ok = d.Next(prev, t, depot)
	return ok
}

// Feasible validates a whole route.
func (d TimeDimension) Feasible(stops []int) bool {
	return d.feasible(fwd(stops))
}
