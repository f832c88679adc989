// Package selector implements the client selection strategies: random,
// FedCS, TiFL, MDA and Oort.
//
// Every strategy is deterministic for a given rng state and pool, never
// mutates the pool it is handed, and returns an empty selection for an
// empty pool. Tunable state (credits, probabilities, exploration rate, pacer
// threshold) only changes in Observe, which the orchestrator calls during
// reconciliation, never concurrently with Select. Select may record
// diagnostics about the pool it saw, such as Oort's slow share, which the
// next Observe reads; these never influence a later Select directly.
package selector

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"

	"github.com/me/flround/internal/config"
	"github.com/me/flround/internal/oracle"
	"github.com/me/flround/pkg/model"
)

// Feedback summarises one reconciled round attempt for a strategy.
type Feedback struct {
	Round int
	// Advanced is false for discarded attempts.
	Advanced bool
	// Selected holds the records as they were at selection time.
	Selected []model.Client
	// Durations and Utilities are keyed by completed client id.
	Durations  map[int]float64
	Utilities  map[int]float64
	Stragglers []int
}

// Completed reports whether id finished the round.
func (f Feedback) Completed(id int) bool {
	_, ok := f.Durations[id]
	return ok
}

// Strategy picks the participants of a round.
type Strategy interface {
	Kind() string
	Select(rng *rand.Rand, pool []model.Client, count, round int) []model.Client
	Observe(fb Feedback)
	// Snapshot and Restore carry strategy-internal state through checkpoints.
	// Stateless strategies return nil.
	Snapshot() (json.RawMessage, error)
	Restore(data json.RawMessage) error
}

// New builds the strategy named by cfg.Selector.
func New(cfg config.Config, orc oracle.Oracle, clock oracle.Clock) (Strategy, error) {
	switch cfg.Selector {
	case config.SelectorRandom:
		return Random{}, nil
	case config.SelectorFedCS:
		return NewFedCS(float64(cfg.FedCSTime), orc, clock), nil
	case config.SelectorTiFL, config.SelectorTiFLX:
		return NewTiFL(cfg.Selector, TiFLOptions{
			Mode:    cfg.TiFLMode,
			Tiers:   cfg.TiFLTiers,
			Credits: cfg.TiFLCredits,
			Penalty: cfg.RoundPenalty,
		}), nil
	case config.SelectorMDA:
		combine, err := NewCombiner(cfg.ScoreMethod, cfg.ScoreExpr)
		if err != nil {
			return nil, err
		}
		return NewMDA(cfg.MDAMethod, secondsToDuration(cfg.MDAWindow), combine, orc, clock), nil
	case config.SelectorOort:
		combine, err := NewCombiner(cfg.ScoreMethod, cfg.ScoreExpr)
		if err != nil {
			return nil, err
		}
		return NewOort(OortOptionsFromConfig(cfg), combine, orc, clock), nil
	default:
		return nil, fmt.Errorf("unknown selector %q", cfg.Selector)
	}
}

// Tiered reports whether the strategy relies on registry tiers.
func Tiered(s Strategy) bool {
	_, ok := s.(*TiFL)
	return ok
}

func restoreStateless(data json.RawMessage) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return fmt.Errorf("unexpected strategy state for stateless selector")
}

func clones(pool []model.Client, idx []int) []model.Client {
	out := make([]model.Client, len(idx))
	for i, j := range idx {
		out[i] = pool[j].Clone()
	}
	return out
}

// weightedSample draws k distinct indices with probability proportional to
// weights. Non-positive weights are only drawn once every positive weight is
// exhausted, in index order.
func weightedSample(rng *rand.Rand, weights []float64, k int) []int {
	w := append([]float64(nil), weights...)
	taken := make([]bool, len(w))
	out := make([]int, 0, min(k, len(w)))
	for len(out) < k && len(out) < len(w) {
		var total float64
		for i, x := range w {
			if !taken[i] && x > 0 {
				total += x
			}
		}
		pick := -1
		if total > 0 {
			r := rng.Float64() * total
			for i, x := range w {
				if taken[i] || x <= 0 {
					continue
				}
				pick = i
				r -= x
				if r < 0 {
					break
				}
			}
		} else {
			for i := range w {
				if !taken[i] {
					pick = i
					break
				}
			}
		}
		taken[pick] = true
		out = append(out, pick)
	}
	return out
}
