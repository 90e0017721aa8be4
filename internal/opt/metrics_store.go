package opt

import "sync"

// Metrics summarises how a solve spent its budget.
type Metrics struct {
	Attempts              int            `json:"attempts"`
	Passes                int            `json:"passes"`
	Moves                 map[string]int `json:"moves"`
	Perturbations         int            `json:"perturbations"`
	ConstructionObjective float64        `json:"constructionObjective"`
	FinalObjective        float64        `json:"finalObjective"`
	ElapsedMs             int64          `json:"elapsedMs"`
	TimedOut              bool           `json:"timedOut"`
}

func newMetrics() Metrics { return Metrics{Moves: map[string]int{}} }

// maxRecorded bounds the in-process metrics history.
const maxRecorded = 256

var (
	mu    sync.Mutex
	byRun = map[string]Metrics{}
	order []string
)

// RecordMetrics keeps the metrics of a run, evicting the oldest run once
// the history is full.
func RecordMetrics(runID string, m Metrics) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := byRun[runID]; !ok {
		order = append(order, runID)
	}
	byRun[runID] = m
	for len(order) > maxRecorded {
		delete(byRun, order[0])
		order = order[1:]
	}
}

func GetMetrics(runID string) (Metrics, bool) {
	mu.Lock()
	defer mu.Unlock()
	m, ok := byRun[runID]
	return m, ok
}
