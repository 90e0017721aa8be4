package opt

// Construct builds the initial solution by cheapest feasible insertion.
// Each round every pending customer is priced against the current routes;
// customers with no feasible position anywhere are dropped on the spot and
// the cheapest remaining insertion is committed. Ties go to the lowest
// node index, then the lowest vehicle, then the latest position.
func Construct(p *Problem) Solution {
	ws := newWorkspace(p)
	ws.construct()
	return ws.solution()
}

func (ws *workspace) construct() {
	pending := ws.p.Customers()
	ws.refreshAll()
	for len(pending) > 0 {
		var best insertion
		bestNode := -1
		keep := make([]int, 0, len(pending))
		for _, n := range pending {
			at, ok := ws.bestInsertion(n)
			if !ok {
				ws.drop(n)
				continue
			}
			keep = append(keep, n)
			if bestNode < 0 || at.delta < best.delta-tieEps {
				best, bestNode = at, n
			}
		}
		if bestNode < 0 {
			return
		}
		ws.insert(bestNode, best)
		pending = removeSorted(keep, bestNode)
	}
}
