package opt

// improveEps is the smallest objective change treated as a real improvement.
const improveEps = 1e-6

// PenaltyManager prices optional visits: a customer may be left out of
// every route at the cost of its priority-weighted penalty.
type PenaltyManager struct {
	p *Problem
}

func NewPenaltyManager(p *Problem) PenaltyManager { return PenaltyManager{p: p} }

// DropCost is W_priority * priority * basePenalty.
func (m PenaltyManager) DropCost(node int) float64 { return m.p.Penalty(node) }

// Total sums the penalties of a dropped set.
func (m PenaltyManager) Total(dropped []int) float64 {
	sum := 0.0
	for _, n := range dropped {
		sum += m.DropCost(n)
	}
	return sum
}

// DropDelta is the objective change of taking node off a route whose
// travel cost changes by routeDelta.
func (m PenaltyManager) DropDelta(routeDelta float64, node int) float64 {
	return routeDelta + m.DropCost(node)
}

// ReinsertDelta is the objective change of serving a dropped node at
// the given marginal travel cost.
func (m PenaltyManager) ReinsertDelta(insertCost float64, node int) float64 {
	return insertCost - m.DropCost(node)
}

// Improves reports whether delta is a strict objective reduction.
func (m PenaltyManager) Improves(delta float64) bool { return delta < -improveEps }
