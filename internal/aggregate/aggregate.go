// Package aggregate is the boundary to the model aggregator. The coordinator
// only decides which updates reach it; how parameters are averaged is the
// aggregator's business.
package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"

	"github.com/me/flround/pkg/model"
)

// Aggregator consumes the completed updates of a closed round. Updates come
// in no particular order.
type Aggregator interface {
	Aggregate(ctx context.Context, round int, updates []model.ClientUpdate) error
}

// Summary describes what was aggregated for one round.
type Summary struct {
	Round   int     `json:"round"`
	Clients []int   `json:"clients"`
	Samples int     `json:"samples"`
	Utility float64 `json:"utility"`
	// MeanLoss is the sample-weighted root mean square loss.
	MeanLoss float64 `json:"mean_loss"`
}

// Recorder keeps a per-round summary instead of averaging parameters. It is
// the aggregator used by simulations and tests.
type Recorder struct {
	mu     sync.Mutex
	rounds map[int]Summary
	logger *slog.Logger
}

// NewRecorder creates an empty Recorder.
func NewRecorder(logger *slog.Logger) *Recorder {
	return &Recorder{rounds: make(map[int]Summary), logger: logger.With("component", "aggregator")}
}

func (r *Recorder) Aggregate(ctx context.Context, round int, updates []model.ClientUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(updates) == 0 {
		return fmt.Errorf("aggregate round %d: no updates", round)
	}
	s := Summary{Round: round}
	var lossSq float64
	for _, u := range updates {
		s.Clients = append(s.Clients, u.ClientID)
		s.Samples += u.Update.NumSamples
		s.Utility += u.Update.Utility()
		lossSq += u.Update.LossSquareSum
	}
	slices.Sort(s.Clients)
	if s.Samples > 0 {
		s.MeanLoss = math.Sqrt(lossSq / float64(s.Samples))
	}

	r.mu.Lock()
	r.rounds[round] = s
	r.mu.Unlock()
	r.logger.Info("round aggregated", "round", round, "clients", len(s.Clients), "samples", s.Samples, "mean_loss", s.MeanLoss)
	return nil
}

// Round returns the summary of one aggregated round.
func (r *Recorder) Round(round int) (Summary, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rounds[round]
	return s, ok
}

// Len returns how many rounds were aggregated.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rounds)
}
