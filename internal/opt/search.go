package opt

import (
	"fmt"
	"strings"
	"time"
)

// Policy selects which improving move a pass commits.
type Policy int

const (
	// FirstImprovement commits the first improving move found.
	FirstImprovement Policy = iota
	// BestImprovement scans every neighborhood and commits the best move.
	BestImprovement
)

func (p Policy) String() string {
	if p == BestImprovement {
		return "best"
	}
	return "first"
}

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "first", "first-improvement", "first_improvement":
		return FirstImprovement, nil
	case "best", "best-improvement", "best_improvement":
		return BestImprovement, nil
	}
	return FirstImprovement, fmt.Errorf("unknown search policy %q (allowed: first, best)", s)
}

type MoveKind int

const (
	MoveReinsert MoveKind = iota
	MoveRelocate
	MoveSwap
	MoveTwoOpt
	MoveOrOpt
	MoveExchange
	MoveDrop
)

var moveNames = [...]string{"reinsert", "relocate", "swap", "two_opt", "or_opt", "exchange", "drop"}

func (k MoveKind) String() string { return moveNames[k] }

// change describes the new content of one route.
type change struct {
	route int
	segs  []seg
}

type move struct {
	kind     MoveKind
	delta    float64
	changes  []change
	dropped  int // customer leaving the routes, -1 if none
	restored int // customer joining the routes, -1 if none
}

// scan collects the move a pass will commit.
type scan struct {
	policy Policy
	best   move
	found  bool
}

// worth reports whether a move with this delta could still be chosen, so
// feasibility is only checked for candidates that matter.
func (sc *scan) worth(delta float64) bool {
	if !(delta < -improveEps) {
		return false
	}
	return sc.policy == FirstImprovement || !sc.found || delta < sc.best.delta-tieEps
}

// offer records m and reports whether the scan should stop.
func (sc *scan) offer(m move) bool {
	if !sc.found || m.delta < sc.best.delta-tieEps {
		sc.best, sc.found = m, true
	}
	return sc.policy == FirstImprovement
}

// try prices candidate routes, checks them when worthwhile and offers the
// move. extra carries penalty changes.
func (ws *workspace) try(sc *scan, kind MoveKind, extra float64, dropped, restored int, changes ...change) bool {
	depot := ws.p.Depot()
	delta := extra
	for _, c := range changes {
		delta += pathCost(ws.cost, depot, c.segs...) - ws.states[c.route].cost
	}
	if !sc.worth(delta) {
		return false
	}
	for _, c := range changes {
		if !ws.cap.feasible(ws.routes[c.route].Vehicle, c.segs...) || !ws.tim.feasible(c.segs...) {
			return false
		}
	}
	return sc.offer(move{kind: kind, delta: delta, changes: changes, dropped: dropped, restored: restored})
}

func (ws *workspace) scanReinsert(sc *scan) bool {
	for _, d := range ws.dropped {
		at, ok := ws.bestInsertion(d)
		if !ok {
			continue
		}
		delta := ws.pen.ReinsertDelta(at.delta, d)
		if !sc.worth(delta) {
			continue
		}
		s := ws.routes[at.route].Stops
		c := change{route: at.route, segs: []seg{fwd(s[:at.pos]), fwd([]int{d}), fwd(s[at.pos:])}}
		if sc.offer(move{kind: MoveReinsert, delta: delta, changes: []change{c}, dropped: -1, restored: d}) {
			return true
		}
	}
	return false
}

func (ws *workspace) scanRelocate(sc *scan) bool { return ws.scanSegments(sc, MoveRelocate, 1, 1) }
func (ws *workspace) scanOrOpt(sc *scan) bool { return ws.scanSegments(sc, MoveOrOpt, 2, 3) }

// scanSegments moves runs of minLen..maxLen consecutive stops to every
// other position, in the same route or another one.
func (ws *workspace) scanSegments(sc *scan, kind MoveKind, minLen, maxLen int) bool {
	for r1, rt1 := range ws.routes {
		s1 := rt1.Stops
		for L := minLen; L <= maxLen; L++ {
			for i := 0; i+L <= len(s1); i++ {
				run := s1[i : i+L]
				for j := 0; j <= len(s1)-L; j++ {
					if j == i {
						continue
					}
					var segs []seg
					if j < i {
						segs = []seg{fwd(s1[:j]), fwd(run), fwd(s1[j:i]), fwd(s1[i+L:])}
					} else {
						segs = []seg{fwd(s1[:i]), fwd(s1[i+L : j+L]), fwd(run), fwd(s1[j+L:])}
					}
					if ws.try(sc, kind, 0, -1, -1, change{route: r1, segs: segs}) {
						return true
					}
				}
				for r2, rt2 := range ws.routes {
					if r2 == r1 {
						continue
					}
					s2 := rt2.Stops
					for j := 0; j <= len(s2); j++ {
						from := change{route: r1, segs: []seg{fwd(s1[:i]), fwd(s1[i+L:])}}
						to := change{route: r2, segs: []seg{fwd(s2[:j]), fwd(run), fwd(s2[j:])}}
						if ws.try(sc, kind, 0, -1, -1, from, to) {
							return true
						}
					}
				}
			}
		}
	}
	return false
}

func (ws *workspace) scanSwap(sc *scan) bool {
	for r1, rt1 := range ws.routes {
		s1 := rt1.Stops
		for i := range s1 {
			for j := i + 1; j < len(s1); j++ {
				segs := []seg{fwd(s1[:i]), fwd(s1[j : j+1]), fwd(s1[i+1 : j]), fwd(s1[i : i+1]), fwd(s1[j+1:])}
				if ws.try(sc, MoveSwap, 0, -1, -1, change{route: r1, segs: segs}) {
					return true
				}
			}
			for r2 := r1 + 1; r2 < len(ws.routes); r2++ {
				s2 := ws.routes[r2].Stops
				for j := range s2 {
					a := change{route: r1, segs: []seg{fwd(s1[:i]), fwd(s2[j : j+1]), fwd(s1[i+1:])}}
					b := change{route: r2, segs: []seg{fwd(s2[:j]), fwd(s1[i : i+1]), fwd(s2[j+1:])}}
					if ws.try(sc, MoveSwap, 0, -1, -1, a, b) {
						return true
					}
				}
			}
		}
	}
	return false
}

func (ws *workspace) scanTwoOpt(sc *scan) bool {
	for r, rt := range ws.routes {
		s := rt.Stops
		for i := 0; i < len(s)-1; i++ {
			for k := i + 1; k < len(s); k++ {
				segs := []seg{fwd(s[:i]), bwd(s[i : k+1]), fwd(s[k+1:])}
				if ws.try(sc, MoveTwoOpt, 0, -1, -1, change{route: r, segs: segs}) {
					return true
				}
			}
		}
	}
	return false
}

// scanExchange serves a dropped customer in place of a routed one.
func (ws *workspace) scanExchange(sc *scan) bool {
	for _, d := range ws.dropped {
		single := []int{d}
		for r, rt := range ws.routes {
			s := rt.Stops
			for i, n := range s {
				if !ws.cap.CanReplace(rt.Vehicle, ws.states[r].load, n, d) {
					continue
				}
				extra := ws.pen.DropCost(n) - ws.pen.DropCost(d)
				c := change{route: r, segs: []seg{fwd(s[:i]), fwd(single), fwd(s[i+1:])}}
				if ws.try(sc, MoveExchange, extra, n, d, c) {
					return true
				}
			}
		}
	}
	return false
}

func (ws *workspace) scanDrop(sc *scan) bool {
	for r, rt := range ws.routes {
		s := rt.Stops
		for i, n := range s {
			c := change{route: r, segs: []seg{fwd(s[:i]), fwd(s[i+1:])}}
			if ws.try(sc, MoveDrop, ws.pen.DropDelta(0, n), n, -1, c) {
				return true
			}
		}
	}
	return false
}

// pass scans the neighborhoods in a fixed order and returns the move to commit.
func (ws *workspace) pass(policy Policy) (move, bool) {
	sc := &scan{policy: policy}
	neighborhoods := []func(*scan) bool{
		ws.scanReinsert,
		ws.scanRelocate,
		ws.scanSwap,
		ws.scanTwoOpt,
		ws.scanOrOpt,
		ws.scanExchange,
		ws.scanDrop,
	}
	for _, nb := range neighborhoods {
		if nb(sc) {
			break
		}
	}
	return sc.best, sc.found
}

// apply commits a move. New route slices are built before any route is
// replaced because the segments may point into several routes.
func (ws *workspace) apply(m move) {
	next := make([][]int, len(m.changes))
	for k, c := range m.changes {
		next[k] = materialize(c.segs)
	}
	for k, c := range m.changes {
		ws.routes[c.route] = Route{Vehicle: ws.routes[c.route].Vehicle, Stops: next[k]}
		ws.refreshRoute(c.route)
	}
	if m.restored >= 0 {
		ws.dropped = removeSorted(ws.dropped, m.restored)
	}
	if m.dropped >= 0 {
		ws.dropped = insertSorted(ws.dropped, m.dropped)
	}
	ws.recompute()
}

// descend commits improving moves until a pass finds none or the deadline
// passes. The deadline is only checked between passes. It reports whether
// a local optimum was reached.
func (ws *workspace) descend(deadline time.Time, policy Policy, m *Metrics) bool {
	for {
		if !time.Now().Before(deadline) {
			return false
		}
		mv, ok := ws.pass(policy)
		m.Passes++
		if !ok {
			return true
		}
		ws.apply(mv)
		m.Moves[mv.kind.String()]++
	}
}

// LocalSearch improves a feasible starting solution until it is locally
// optimal or the deadline passes. The boolean is false when the deadline
// cut the search short.
func LocalSearch(p *Problem, start Solution, policy Policy, deadline time.Time) (Solution, bool) {
	ws := newWorkspace(p)
	ws.load(start)
	m := newMetrics()
	ok := ws.descend(deadline, policy, &m)
	return ws.solution(), ok
}
