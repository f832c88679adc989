// Package oracle answers availability questions about clients: whether a
// client is reachable at a given time, how long its round will take, and how
// densely it has been (or will be) online. It also provides the Clock the
// round loop runs on.
package oracle

import (
	"time"

	"github.com/me/flround/pkg/model"
)

// Oracle predicts or observes client availability.
type Oracle interface {
	// DurationEstimate returns the expected round duration in seconds.
	DurationEstimate(c model.Client, at time.Time) float64
	IsReachable(c model.Client, at time.Time) bool
	// Density is the fraction of [from, from+window] the client is online.
	Density(c model.Client, from time.Time, window time.Duration) float64
}

func durationEstimate(c model.Client, epochs int) float64 {
	if epochs < 1 {
		epochs = 1
	}
	return c.EffectiveDuration(epochs)
}
