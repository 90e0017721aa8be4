package model

import (
	"time"

	"lastmile/internal/opt"
)

// NodeIn is one stop of an optimize request. Index 0 (or vehicles.depotIndex)
// is the depot.
type NodeIn struct {
	ID       string    `json:"id"`
	Demand   int       `json:"demand"`
	Priority int       `json:"priority"`
	Window   []float64 `json:"window,omitempty"` // [earliest, latest] seconds
	Service  float64   `json:"service,omitempty"`
	Lat      *float64  `json:"lat,omitempty"`
	Lng      *float64  `json:"lng,omitempty"`
}

type Vehicles struct {
	Capacity   int   `json:"capacity,omitempty"`
	Count      int   `json:"count,omitempty"`
	DepotIndex int   `json:"depotIndex"`
	Capacities []int `json:"capacities,omitempty"`
}

// Weights left nil take the configured defaults.
type Weights struct {
	TimeWeight             *float64 `json:"timeWeight,omitempty"`
	FuelWeight             *float64 `json:"fuelWeight,omitempty"`
	PriorityWeight         *float64 `json:"priorityWeight,omitempty"`
	BasePenalty            *float64 `json:"basePenalty,omitempty"`
	SearchTimeLimitSeconds *float64 `json:"searchTimeLimitSeconds,omitempty"`
}

type Perturbation struct {
	Enabled bool    `json:"enabled"`
	Rounds  int     `json:"rounds,omitempty"`
	Arcs    int     `json:"arcs,omitempty"`
	Factor  float64 `json:"factor,omitempty"`
}

type Search struct {
	Policy       string        `json:"policy,omitempty"`
	Seed         *int64        `json:"seed,omitempty"`
	Attempts     int           `json:"attempts,omitempty"`
	Perturbation *Perturbation `json:"perturbation,omitempty"`
	WaitSlackSec *float64      `json:"waitSlackSec,omitempty"`
	HorizonSec   *float64      `json:"horizonSec,omitempty"`
}

// OptimizeRequest is the input contract. Matrix cells may be null for an
// unreachable pair. Matrices may be omitted when every node has lat/lng.
type OptimizeRequest struct {
	Nodes     []NodeIn     `json:"nodes"`
	Distances [][]*float64 `json:"distances,omitempty"`
	Durations [][]*float64 `json:"durations,omitempty"`
	Vehicles  Vehicles     `json:"vehicles"`
	Weights   Weights      `json:"weights"`
	Search    Search       `json:"search"`
}

// HasCoordinates reports whether every node carries lat and lng.
func (r OptimizeRequest) HasCoordinates() bool {
	if len(r.Nodes) == 0 {
		return false
	}
	for _, n := range r.Nodes {
		if n.Lat == nil || n.Lng == nil {
			return false
		}
	}
	return true
}

// OptimizeResponse is the output contract.
type OptimizeResponse struct {
	RunID          string            `json:"runId"`
	Routes         []opt.RouteResult `json:"routes"`
	DroppedNodes   []int             `json:"droppedNodes"`
	ObjectiveValue float64           `json:"objectiveValue"`
	LocallyOptimal bool              `json:"locallyOptimal"`
	ElapsedMs      int64             `json:"elapsedMs"`
}

// Run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Run is a stored optimization.
type Run struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Status    string            `json:"status"`
	Request   OptimizeRequest   `json:"request"`
	Result    *OptimizeResponse `json:"result,omitempty"`
	Metrics   *opt.Metrics      `json:"metrics,omitempty"`
	Error     string            `json:"error,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// RunSummary is the list view of a run.
type RunSummary struct {
	ID             string    `json:"id"`
	Status         string    `json:"status"`
	Nodes          int       `json:"nodes"`
	ObjectiveValue *float64  `json:"objectiveValue,omitempty"`
	Dropped        int       `json:"dropped"`
	CreatedAt      time.Time `json:"createdAt"`
}

func (r Run) Summary() RunSummary {
	s := RunSummary{ID: r.ID, Status: r.Status, Nodes: len(r.Request.Nodes), CreatedAt: r.CreatedAt}
	if r.Result != nil {
		obj := r.Result.ObjectiveValue
		s.ObjectiveValue = &obj
		s.Dropped = len(r.Result.DroppedNodes)
	}
	return s
}

// ReoptimizeCheckRequest asks whether an observed ETA warrants
// re-optimization. With RunID set, the prediction is the stored route's
// travel time for VehicleID (default 0).
type ReoptimizeCheckRequest struct {
	RunID        string   `json:"runId,omitempty"`
	VehicleID    *int     `json:"vehicleId,omitempty"`
	PredictedSec *float64 `json:"predictedSec,omitempty"`
	ObservedSec  float64  `json:"observedSec"`
	Threshold    *float64 `json:"threshold,omitempty"`
}

type SubscriptionRequest struct {
	TenantID string   `json:"tenantId"`
	URL      string   `json:"url"`
	Events   []string `json:"events"`
	Secret   string   `json:"secret"`
}

type Subscription struct {
	ID       string   `json:"id"`
	TenantID string   `json:"tenantId"`
	URL      string   `json:"url"`
	Events   []string `json:"events"`
	Secret   string   `json:"secret,omitempty"`
}

// Webhook and run-stream event types.
const (
	EventRunStarted          = "run.started"
	EventRunImproved         = "run.improved"
	EventRunCompleted        = "run.completed"
	EventRunFailed           = "run.failed"
	EventReoptimizeRequested = "reoptimize.requested"
)

// WebhookEvents lists the events a subscription may name.
var WebhookEvents = []string{EventRunCompleted, EventRunFailed, EventReoptimizeRequested}
