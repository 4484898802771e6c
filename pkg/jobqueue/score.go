package jobqueue

import (
	"math"
	"time"
)

const (
	retryBoost     = 0.5
	agePenaltyRate = 0.01
	maxAgePenalty  = 1.0
)

// Score computes the dequeue priority of a job:
//
//	base(priority) + 0.5*retryCount - min(ageMinutes*0.01, 1.0)
//
// It is a pure function of its arguments.
func Score(priority Priority, retryCount int, age time.Duration) float64 {
	if age < 0 {
		age = 0
	}
	penalty := math.Min(age.Minutes()*agePenaltyRate, maxAgePenalty)
	return priority.Base() + retryBoost*float64(retryCount) - penalty
}
