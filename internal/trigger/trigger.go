// Package trigger decides when observed travel times have drifted far
// enough from a plan to warrant re-optimizing it.
package trigger

import (
	"errors"
	"math"
)

const DefaultThreshold = 0.15

// Variance is |observed-predicted| / predicted. A zero prediction has no
// meaningful relative error and reports 0.
func Variance(observed, predicted float64) float64 {
	if predicted == 0 {
		return 0
	}
	return math.Abs(observed-predicted) / predicted
}

// ShouldReoptimize reports whether the relative ETA error exceeds
// threshold. It is never true for a zero prediction.
func ShouldReoptimize(observed, predicted, threshold float64) bool {
	if predicted == 0 {
		return false
	}
	return Variance(observed, predicted) > threshold
}

// Decision is the outcome of one check.
type Decision struct {
	PredictedSec float64 `json:"predictedSec"`
	ObservedSec  float64 `json:"observedSec"`
	Variance     float64 `json:"variance"`
	Threshold    float64 `json:"threshold"`
	Reoptimize   bool    `json:"reoptimize"`
}

var ErrInvalidInput = errors.New("trigger: times and threshold must be finite and non-negative")

// Check validates its inputs and evaluates the trigger. A threshold <= 0
// means DefaultThreshold.
func Check(observed, predicted, threshold float64) (Decision, error) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	for _, v := range []float64{observed, predicted, threshold} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return Decision{}, ErrInvalidInput
		}
	}
	return Decision{
		PredictedSec: predicted,
		ObservedSec:  observed,
		Variance:     Variance(observed, predicted),
		Threshold:    threshold,
		Reoptimize:   ShouldReoptimize(observed, predicted, threshold),
	}, nil
}
