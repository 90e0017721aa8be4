package opt

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructIdenticalCostsVisitsInIndexOrder(t *testing.T) {
	m := filled(5, 7)
	p, err := NewProblem(stops(4, 1), m, m, Fleet{Capacity: 40, Count: 1}, DefaultWeights())
	require.NoError(t, err)

	s := Construct(p)
	require.Len(t, s.Routes, 1)
	assert.Equal(t, []int{1, 2, 3, 4}, s.Routes[0].Stops)
	assert.Empty(t, s.Dropped)
}

func TestConstructTieBreaksToLowestNodeIndex(t *testing.T) {
	m := uniform(4, 10)
	p, err := NewProblem(stops(3, 2), m, m, Fleet{Capacity: 5, Count: 1}, DefaultWeights())
	require.NoError(t, err)

	s := Construct(p)
	assert.Equal(t, []int{1, 2}, s.Routes[0].Stops)
	assert.Equal(t, []int{3}, s.Dropped)
}

func TestConstructPrefersLowestVehicle(t *testing.T) {
	m := uniform(3, 10)
	p, err := NewProblem(stops(2, 1), m, m, Fleet{Capacity: 5, Count: 3}, DefaultWeights())
	require.NoError(t, err)

	s := Construct(p)
	assert.Equal(t, []int{1, 2}, s.Routes[0].Stops)
	assert.Empty(t, s.Routes[1].Stops)
	assert.Empty(t, s.Routes[2].Stops)
}

func TestLocalSearchUncrossesRoute(t *testing.T) {
	pts := [][2]float64{{0, 0}, {0, 10}, {10, 10}, {10, 0}}
	m := euclid(pts)
	p, err := NewProblem(stops(3, 1), m, m, Fleet{Capacity: 10, Count: 1}, DefaultWeights())
	require.NoError(t, err)

	crossed := Solution{Routes: []Route{{Vehicle: 0, Stops: []int{1, 3, 2}}}}
	for _, policy := range []Policy{FirstImprovement, BestImprovement} {
		got, settled := LocalSearch(p, crossed, policy, time.Now().Add(time.Second))
		assert.True(t, settled)
		assert.InDelta(t, 40*1.5, got.Objective, 1e-9, policy.String())
	}
	assert.Equal(t, []int{1, 3, 2}, crossed.Routes[0].Stops, "input must not be mutated")
}

func TestLocalSearchReinsertsDroppedNode(t *testing.T) {
	m := uniform(3, 10)
	p, err := NewProblem(stops(2, 1), m, m, Fleet{Capacity: 5, Count: 1}, DefaultWeights())
	require.NoError(t, err)

	start := Solution{Routes: []Route{{Vehicle: 0, Stops: []int{1}}}, Dropped: []int{2}}
	got, _ := LocalSearch(p, start, FirstImprovement, time.Now().Add(time.Second))
	assert.Empty(t, got.Dropped)
	assert.ElementsMatch(t, []int{1, 2}, got.Routes[0].Stops)
}

func TestLocalSearchExchangesForHigherPriority(t *testing.T) {
	m := uniform(3, 10)
	nodes := stops(2, 3)
	nodes[2].Priority = 3
	p, err := NewProblem(nodes, m, m, Fleet{Capacity: 4, Count: 1}, DefaultWeights())
	require.NoError(t, err)

	start := Solution{Routes: []Route{{Vehicle: 0, Stops: []int{1}}}, Dropped: []int{2}}
	got, _ := LocalSearch(p, start, FirstImprovement, time.Now().Add(time.Second))
	assert.Equal(t, []int{1}, got.Dropped)
	assert.Equal(t, []int{2}, got.Routes[0].Stops)
}

func TestLocalSearchRelocatesBetweenRoutes(t *testing.T) {
	pts := [][2]float64{{0, 0}, {10, 0}, {11, 0}, {-10, 0}}
	m := euclid(pts)
	p, err := NewProblem(stops(3, 1), m, m, Fleet{Capacity: 10, Count: 2}, DefaultWeights())
	require.NoError(t, err)

	// node 2 sits next to node 1 but starts on the other vehicle
	start := Solution{Routes: []Route{{Vehicle: 0, Stops: []int{1}}, {Vehicle: 1, Stops: []int{3, 2}}}}
	got, settled := LocalSearch(p, start, BestImprovement, time.Now().Add(time.Second))
	require.True(t, settled)
	res, err := Extract(p, got)
	require.NoError(t, err)
	assert.InDelta(t, (22+20)*1.5, res.Objective, 1e-9)
}

func TestPerturbationIsSeedReproducible(t *testing.T) {
	p := randomInstance(t, 12, 21, Fleet{Capacity: 10, Count: 2})
	run := func(seed int64) Solution {
		ws := newWorkspace(p)
		ws.construct()
		m := newMetrics()
		deadline := time.Now().Add(5 * time.Second)
		require.True(t, ws.descend(deadline, FirstImprovement, &m))
		best, _ := ws.perturb(rand.New(rand.NewSource(seed)), Perturbation{Rounds: 8}.withDefaults(), deadline, FirstImprovement, &m, nil)
		return best
	}
	a, b := run(7), run(7)
	assert.Equal(t, a, b)

	ws := newWorkspace(p)
	ws.construct()
	m := newMetrics()
	ws.descend(time.Now().Add(5*time.Second), FirstImprovement, &m)
	assert.LessOrEqual(t, a.Objective, ws.obj+1e-9, "perturbation never returns a worse solution")
}

func TestInflatedCostsOnlyTouchChosenArcs(t *testing.T) {
	m := uniform(3, 10)
	p, err := NewProblem(stops(2, 1), m, m, Fleet{Capacity: 5, Count: 1}, DefaultWeights())
	require.NoError(t, err)
	c := inflatedCosts{base: p, arcs: map[[2]int]struct{}{{0, 1}: {}}, factor: 3}
	assert.Equal(t, 3*p.Cost(0, 1), c.Cost(0, 1))
	assert.Equal(t, p.Cost(1, 0), c.Cost(1, 0))
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{"": FirstImprovement, "first": FirstImprovement, "BEST": BestImprovement, "best-improvement": BestImprovement} {
		got, err := ParsePolicy(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParsePolicy("random")
	assert.Error(t, err)
}
