package opt

import (
	"math/rand"
	"time"
)

// Perturbation configures the escape step run after the search settles.
// Each round inflates the price of a random sample of arcs the current
// routes use, descends under the inflated prices, then descends again
// under true prices and keeps the outcome only if it beats the best.
type Perturbation struct {
	Enabled bool
	Rounds  int
	Arcs    int
	Factor  float64
}

func (pt Perturbation) withDefaults() Perturbation {
	if pt.Rounds <= 0 {
		pt.Rounds = 20
	}
	if pt.Arcs <= 0 {
		pt.Arcs = 3
	}
	if pt.Factor <= 1 {
		pt.Factor = 2
	}
	return pt
}

// inflatedCosts prices a chosen set of arcs higher than the Problem does.
type inflatedCosts struct {
	base   *Problem
	arcs   map[[2]int]struct{}
	factor float64
}

func (c inflatedCosts) Cost(i, j int) float64 {
	v := c.base.Cost(i, j)
	if _, ok := c.arcs[[2]int{i, j}]; ok {
		return v * c.factor
	}
	return v
}

// perturb runs the escape rounds starting from the current (locally
// optimal) state. It returns the best solution under true costs and
// whether that solution was reached by a descent that converged.
func (ws *workspace) perturb(rng *rand.Rand, pt Perturbation, deadline time.Time, policy Policy, m *Metrics, onBest func(Solution)) (Solution, bool) {
	best := ws.solution()
	bestSettled := true
	for round := 0; round < pt.Rounds; round++ {
		if !time.Now().Before(deadline) {
			break
		}
		arcs := ws.usedArcs()
		if len(arcs) == 0 {
			break
		}
		k := min(pt.Arcs, len(arcs))
		chosen := make(map[[2]int]struct{}, k)
		for _, idx := range rng.Perm(len(arcs))[:k] {
			chosen[arcs[idx]] = struct{}{}
		}
		m.Perturbations++

		ws.setCoster(inflatedCosts{base: ws.p, arcs: chosen, factor: pt.Factor})
		ws.descend(deadline, policy, m)
		ws.setCoster(ws.p)
		settled := ws.descend(deadline, policy, m)

		if ws.obj < best.Objective-improveEps {
			best, bestSettled = ws.solution(), settled
			if onBest != nil {
				onBest(best)
			}
			continue
		}
		ws.load(best)
	}
	return best, bestSettled
}
