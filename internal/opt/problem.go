package opt

import (
	"fmt"
	"math"
)

const (
	DefaultWaitSlack = 1800.0  // seconds a vehicle may wait for a window to open
	DefaultHorizon   = 86400.0 // seconds a route may last
)

// Window bounds the arrival at a node, in seconds from route start.
type Window struct{ Earliest, Latest float64 }

type Node struct {
	ID       string
	Demand   int
	Priority int // 1 (low) .. 3 (high)
	Window   *Window
	Service  float64 // seconds spent at the node before departing
}

// Fleet describes the vehicles based at one depot. Capacity applies to
// every vehicle unless Capacities gives one entry per vehicle.
type Fleet struct {
	Capacity   int
	Count      int
	DepotIndex int
	Capacities []int
}

type Weights struct {
	Time        float64
	Fuel        float64
	Priority    float64
	BasePenalty float64
}

// DefaultWeights mirrors the production defaults of the routing service.
func DefaultWeights() Weights {
	return Weights{Time: 1.0, Fuel: 0.5, Priority: 100, BasePenalty: 100000}
}

// Problem is the immutable routing instance. Every query is pure; the
// engine only ever reads it, so it is safe to share between attempts.
type Problem struct {
	nodes      []Node
	dist, time [][]float64
	caps       []int
	depot      int
	w          Weights
	slack      float64
	horizon    float64
}

type ProblemOption func(*Problem)

func WithWaitSlack(sec float64) ProblemOption { return func(p *Problem) { p.slack = sec } }
func WithHorizon(sec float64) ProblemOption { return func(p *Problem) { p.horizon = sec } }

// NewProblem validates its inputs and builds a Problem. Matrices use +Inf
// for arcs that cannot be travelled. Validation failures wrap ErrMalformedInput.
func NewProblem(nodes []Node, dist, tm [][]float64, fleet Fleet, w Weights, opts ...ProblemOption) (*Problem, error) {
	n := len(nodes)
	if n == 0 {
		return nil, fmt.Errorf("%w: no nodes", ErrMalformedInput)
	}
	if err := checkMatrix("distance", dist, n); err != nil {
		return nil, err
	}
	if err := checkMatrix("time", tm, n); err != nil {
		return nil, err
	}
	if fleet.Count < 1 {
		return nil, fmt.Errorf("%w: vehicle count must be >= 1", ErrMalformedInput)
	}
	if fleet.DepotIndex < 0 || fleet.DepotIndex >= n {
		return nil, fmt.Errorf("%w: depot index %d out of range [0,%d)", ErrMalformedInput, fleet.DepotIndex, n)
	}
	caps := make([]int, fleet.Count)
	if len(fleet.Capacities) > 0 {
		if len(fleet.Capacities) != fleet.Count {
			return nil, fmt.Errorf("%w: %d capacities for %d vehicles", ErrMalformedInput, len(fleet.Capacities), fleet.Count)
		}
		copy(caps, fleet.Capacities)
	} else {
		for v := range caps {
			caps[v] = fleet.Capacity
		}
	}
	maxCap := 0
	for v, c := range caps {
		if c < 0 {
			return nil, fmt.Errorf("%w: vehicle %d has negative capacity", ErrMalformedInput, v)
		}
		if c > maxCap {
			maxCap = c
		}
	}
	for _, x := range []float64{w.Time, w.Fuel, w.Priority, w.BasePenalty} {
		if x < 0 || math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, fmt.Errorf("%w: weights must be finite and >= 0", ErrMalformedInput)
		}
	}

	own := make([]Node, n)
	copy(own, nodes)
	for i := range own {
		nd := &own[i]
		if i == fleet.DepotIndex {
			// depot carries no demand, priority or window
			nd.Demand, nd.Priority, nd.Window = 0, 0, nil
			if nd.Service < 0 {
				return nil, fmt.Errorf("%w: depot service time must be >= 0", ErrMalformedInput)
			}
			continue
		}
		if nd.Demand < 0 {
			return nil, fmt.Errorf("%w: node %d (%s) has negative demand", ErrMalformedInput, i, nd.ID)
		}
		if nd.Demand > maxCap {
			return nil, fmt.Errorf("%w: node %d (%s) demand %d exceeds every vehicle capacity", ErrMalformedInput, i, nd.ID, nd.Demand)
		}
		if nd.Priority < 1 || nd.Priority > 3 {
			return nil, fmt.Errorf("%w: node %d (%s) priority must be 1..3, got %d", ErrMalformedInput, i, nd.ID, nd.Priority)
		}
		if nd.Service < 0 || math.IsNaN(nd.Service) {
			return nil, fmt.Errorf("%w: node %d (%s) has negative service time", ErrMalformedInput, i, nd.ID)
		}
		if win := nd.Window; win != nil {
			if win.Earliest < 0 || win.Earliest > win.Latest {
				return nil, fmt.Errorf("%w: node %d (%s) window [%v,%v] is invalid", ErrMalformedInput, i, nd.ID, win.Earliest, win.Latest)
			}
			cp := *win
			nd.Window = &cp
		}
	}

	p := &Problem{
		nodes:   own,
		dist:    copyMatrix(dist),
		time:    copyMatrix(tm),
		caps:    caps,
		depot:   fleet.DepotIndex,
		w:       w,
		slack:   DefaultWaitSlack,
		horizon: DefaultHorizon,
	}
	for _, o := range opts {
		o(p)
	}
	if p.slack < 0 || p.horizon <= 0 {
		return nil, fmt.Errorf("%w: wait slack must be >= 0 and horizon > 0", ErrMalformedInput)
	}
	return p, nil
}

func checkMatrix(name string, m [][]float64, n int) error {
	if len(m) != n {
		return fmt.Errorf("%w: %s matrix has %d rows, want %d", ErrMalformedInput, name, len(m), n)
	}
	for i, row := range m {
		if len(row) != n {
			return fmt.Errorf("%w: %s matrix row %d has %d entries, want %d", ErrMalformedInput, name, i, len(row), n)
		}
		for j, v := range row {
			if math.IsNaN(v) || v < 0 {
				return fmt.Errorf("%w: %s[%d][%d] = %v", ErrMalformedInput, name, i, j, v)
			}
		}
	}
	return nil
}

func copyMatrix(m [][]float64) [][]float64 {
	out := make([][]float64, len(m))
	for i := range m {
		out[i] = append([]float64(nil), m[i]...)
	}
	return out
}

func (p *Problem) Len() int { return len(p.nodes) }
func (p *Problem) Depot() int { return p.depot }
func (p *Problem) Vehicles() int { return len(p.caps) }
func (p *Problem) Node(i int) Node { return p.nodes[i] }
func (p *Problem) Weights() Weights { return p.w }
func (p *Problem) WaitSlack() float64 { return p.slack }
func (p *Problem) Horizon() float64 { return p.horizon }

func (p *Problem) Distance(i, j int) float64 { return p.dist[i][j] }
func (p *Problem) Time(i, j int) float64 { return p.time[i][j] }
func (p *Problem) Demand(i int) int { return p.nodes[i].Demand }
func (p *Problem) Priority(i int) int { return p.nodes[i].Priority }
func (p *Problem) Service(i int) float64 { return p.nodes[i].Service }
func (p *Problem) Window(i int) *Window { return p.nodes[i].Window }
func (p *Problem) Capacity(vehicle int) int { return p.caps[vehicle] }

// Cost is the weighted arc cost; +Inf marks a forbidden arc.
func (p *Problem) Cost(i, j int) float64 {
	t, d := p.time[i][j], p.dist[i][j]
	if math.IsInf(t, 1) || math.IsInf(d, 1) {
		return math.Inf(1)
	}
	return t*p.w.Time + d*p.w.Fuel
}

// Penalty is the cost of leaving node i unserved.
func (p *Problem) Penalty(i int) float64 {
	if i == p.depot {
		return 0
	}
	return p.w.Priority * float64(p.nodes[i].Priority) * p.w.BasePenalty
}

// Customers lists every non-depot node index in ascending order.
func (p *Problem) Customers() []int {
	out := make([]int, 0, len(p.nodes)-1)
	for i := range p.nodes {
		if i != p.depot {
			out = append(out, i)
		}
	}
	return out
}
