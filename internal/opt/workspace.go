package opt

import "math"

// routeState caches per-route dimension values so insertion checks do not
// walk the full route again.
type routeState struct {
	load  []int
	cumul []float64
	cost  float64
}

// workspace is the mutable search state owned by a single attempt. It
// only reads the Problem.
type workspace struct {
	p      *Problem
	cost   arcCoster
	cap    CapacityDimension
	tim    TimeDimension
	pen    PenaltyManager
	routes []Route
	states []routeState
	// dropped stays sorted ascending
	dropped []int
	obj     float64
}

func newWorkspace(p *Problem) *workspace {
	ws := &workspace{
		p:      p,
		cost:   p,
		cap:    NewCapacityDimension(p),
		tim:    NewTimeDimension(p),
		pen:    NewPenaltyManager(p),
		routes: make([]Route, p.Vehicles()),
		states: make([]routeState, p.Vehicles()),
	}
	for v := range ws.routes {
		ws.routes[v] = Route{Vehicle: v}
	}
	return ws
}

// load replaces the state with a copy of s.
func (ws *workspace) load(s Solution) {
	c := s.Clone()
	ws.routes = c.Routes
	ws.dropped = c.Dropped
	ws.refreshAll()
}

func (ws *workspace) solution() Solution {
	s := Solution{Routes: ws.routes, Dropped: ws.dropped, Objective: ws.obj}
	return s.Clone()
}

// setCoster switches the arc pricing and re-prices every route.
func (ws *workspace) setCoster(c arcCoster) {
	ws.cost = c
	ws.refreshAll()
}

func (ws *workspace) refreshAll() {
	for r := range ws.routes {
		ws.refreshRoute(r)
	}
	ws.recompute()
}

func (ws *workspace) refreshRoute(r int) {
	stops := ws.routes[r].Stops
	cumul, _, _ := ws.tim.Schedule(stops)
	ws.states[r] = routeState{
		load:  ws.cap.Prefix(stops),
		cumul: cumul,
		cost:  pathCost(ws.cost, ws.p.Depot(), fwd(stops)),
	}
}

func (ws *workspace) recompute() {
	total := ws.pen.Total(ws.dropped)
	for _, st := range ws.states {
		total += st.cost
	}
	ws.obj = total
}

// insertion is a feasible position for a node.
type insertion struct {
	route, pos int
	delta      float64
}

// insertDelta is the marginal travel cost of placing node at pos of route r.
func (ws *workspace) insertDelta(r, node, pos int) float64 {
	stops := ws.routes[r].Stops
	depot := ws.p.Depot()
	if len(stops) == 0 {
		return ws.cost.Cost(depot, node) + ws.cost.Cost(node, depot)
	}
	prev, next := depot, depot
	if pos > 0 {
		prev = stops[pos-1]
	}
	if pos < len(stops) {
		next = stops[pos]
	}
	return ws.cost.Cost(prev, node) + ws.cost.Cost(node, next) - ws.cost.Cost(prev, next)
}

// bestInsertion finds the cheapest feasible position for node. Vehicles
// are scanned in ascending order and positions from the route end
// backwards, so among equal costs the lowest vehicle and the latest
// position win.
func (ws *workspace) bestInsertion(node int) (insertion, bool) {
	best := insertion{delta: math.Inf(1)}
	found := false
	for r, rt := range ws.routes {
		st := ws.states[r]
		if !ws.cap.CanInsert(rt.Vehicle, st.load, node) {
			continue
		}
		for pos := len(rt.Stops); pos >= 0; pos-- {
			d := ws.insertDelta(r, node, pos)
			if math.IsInf(d, 1) || !(d < best.delta-tieEps) {
				continue
			}
			if !ws.tim.CanInsert(rt.Stops, st.cumul, node, pos) {
				continue
			}
			best = insertion{route: r, pos: pos, delta: d}
			found = true
		}
	}
	return best, found
}

// insert places a node and removes it from the dropped set if present.
func (ws *workspace) insert(node int, at insertion) {
	stops := ws.routes[at.route].Stops
	next := make([]int, 0, len(stops)+1)
	next = append(next, stops[:at.pos]...)
	next = append(next, node)
	next = append(next, stops[at.pos:]...)
	ws.routes[at.route] = Route{Vehicle: ws.routes[at.route].Vehicle, Stops: next}
	ws.dropped = removeSorted(ws.dropped, node)
	ws.refreshRoute(at.route)
	ws.recompute()
}

func (ws *workspace) drop(node int) {
	ws.dropped = insertSorted(ws.dropped, node)
	ws.recompute()
}

// usedArcs lists the arcs travelled by the current routes in route order.
func (ws *workspace) usedArcs() [][2]int {
	var out [][2]int
	depot := ws.p.Depot()
	for _, rt := range ws.routes {
		if len(rt.Stops) == 0 {
			continue
		}
		prev := depot
		for _, n := range rt.Stops {
			out = append(out, [2]int{prev, n})
			prev = n
		}
		out = append(out, [2]int{prev, depot})
	}
	return out
}

// tieEps absorbs float noise when comparing equal-cost alternatives.
const tieEps = 1e-9
