package opt

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultTimeLimit = 10 * time.Second
	// attemptGrace is how long Solve waits past the deadline for attempts
	// still finishing their last pass.
	attemptGrace = 100 * time.Millisecond
)

// Options controls a solve. Seed drives every random choice; the same
// Problem, Options and enough budget to converge give the same Result.
type Options struct {
	TimeLimit    time.Duration
	Policy       Policy
	Seed         int64
	Attempts     int
	Perturbation Perturbation
	// OnImprove, when set, is called as attempts find better solutions.
	// It may be called from several goroutines at once.
	OnImprove func(Progress)
}

// Progress reports an attempt's best objective so far.
type Progress struct {
	Attempt   int
	Phase     string
	Objective float64
	Dropped   int
	Elapsed   time.Duration
}

func (o Options) withDefaults() Options {
	if o.TimeLimit <= 0 {
		o.TimeLimit = DefaultTimeLimit
	}
	if o.Attempts < 1 {
		o.Attempts = 1
	}
	o.Perturbation = o.Perturbation.withDefaults()
	return o
}

type attempt struct {
	index   int
	sol     Solution
	settled bool
	metrics Metrics
}

// Solve runs construction and local search on p within the time limit and
// returns the best solution found. Attempts beyond the first run
// concurrently with perturbation enabled and their own seed; the lowest
// objective wins, ties going to the lowest attempt. Running out of time
// is not an error: the result is flagged as not locally optimal.
func Solve(p *Problem, o Options) (Result, error) {
	if p == nil {
		return Result{}, fmt.Errorf("%w: nil problem", ErrMalformedInput)
	}
	o = o.withDefaults()
	start := time.Now()
	deadline := start.Add(o.TimeLimit)

	var mu sync.Mutex
	results := make([]*attempt, o.Attempts)
	done := make(chan struct{})
	if o.Attempts > 1 {
		var g errgroup.Group
		for k := 1; k < o.Attempts; k++ {
			g.Go(func() error {
				a := runAttempt(p, o, k, start, deadline)
				mu.Lock()
				results[k] = &a
				mu.Unlock()
				return nil
			})
		}
		go func() {
			_ = g.Wait()
			close(done)
		}()
	} else {
		close(done)
	}

	first := runAttempt(p, o, 0, start, deadline)
	mu.Lock()
	results[0] = &first
	mu.Unlock()

	// late attempts are discarded
	timer := time.NewTimer(time.Until(deadline) + attemptGrace)
	select {
	case <-done:
	case <-timer.C:
	}
	timer.Stop()

	mu.Lock()
	best := results[0]
	finished := 0
	for _, a := range results {
		if a == nil {
			continue
		}
		finished++
		if a.sol.Objective < best.sol.Objective-tieEps {
			best = a
		}
	}
	mu.Unlock()

	res, err := Extract(p, best.sol)
	if err != nil {
		return Result{}, err
	}
	res.LocallyOptimal = best.settled
	res.Attempt = best.index
	res.Metrics = best.metrics
	res.Metrics.Attempts = finished
	res.Metrics.FinalObjective = res.Objective
	res.Metrics.ElapsedMs = time.Since(start).Milliseconds()
	res.Metrics.TimedOut = !best.settled
	return res, nil
}

// runAttempt is one independent construction + search run. It owns its
// workspace and shares only the read-only Problem.
func runAttempt(p *Problem, o Options, index int, start, deadline time.Time) attempt {
	m := newMetrics()
	ws := newWorkspace(p)
	ws.construct()
	m.ConstructionObjective = ws.obj
	notify := func(phase string, s Solution) {
		if o.OnImprove == nil {
			return
		}
		o.OnImprove(Progress{Attempt: index, Phase: phase, Objective: s.Objective, Dropped: len(s.Dropped), Elapsed: time.Since(start)})
	}
	notify("construct", ws.solution())

	settled := ws.descend(deadline, o.Policy, &m)
	best := ws.solution()
	notify("descend", best)

	if settled && (index > 0 || o.Perturbation.Enabled) {
		rng := rand.New(rand.NewSource(o.Seed + int64(index)))
		best, settled = ws.perturb(rng, o.Perturbation, deadline, o.Policy, &m, func(s Solution) { notify("perturb", s) })
	}
	return attempt{index: index, sol: best, settled: settled, metrics: m}
}
