package selector

import (
	"cmp"
	"encoding/json"
	"math/rand/v2"
	"slices"

	"github.com/me/flround/internal/config"
	"github.com/me/flround/internal/oracle"
	"github.com/me/flround/pkg/model"
)

// FedCS greedily adds the clients expected to finish first while the
// cumulative estimated round time stays within the budget. It returns fewer
// than count clients rather than exceed the budget.
type FedCS struct {
	budget float64 // seconds
	oracle oracle.Oracle
	clock  oracle.Clock
}

// NewFedCS creates a FedCS strategy with a budget in seconds.
func NewFedCS(budget float64, orc oracle.Oracle, clock oracle.Clock) *FedCS {
	return &FedCS{budget: budget, oracle: orc, clock: clock}
}

func (f *FedCS) Kind() string { return config.SelectorFedCS }

func (f *FedCS) Select(_ *rand.Rand, pool []model.Client, count, _ int) []model.Client {
	if count <= 0 || len(pool) == 0 {
		return nil
	}
	now := f.clock.Now()

	type candidate struct {
		idx int
		est float64
	}
	cands := make([]candidate, 0, len(pool))
	for i, c := range pool {
		if !f.oracle.IsReachable(c, now) {
			continue
		}
		cands = append(cands, candidate{idx: i, est: f.oracle.DurationEstimate(c, now)})
	}
	slices.SortFunc(cands, func(a, b candidate) int {
		if c := cmp.Compare(a.est, b.est); c != 0 {
			return c
		}
		return cmp.Compare(pool[a.idx].ID, pool[b.idx].ID)
	})

	var total float64
	var picked []int
	for _, c := range cands {
		if len(picked) == count || total+c.est > f.budget {
			// Candidates are sorted, so nothing later fits either.
			break
		}
		total += c.est
		picked = append(picked, c.idx)
	}
	return clones(pool, picked)
}

func (f *FedCS) Observe(Feedback) {}

func (f *FedCS) Snapshot() (json.RawMessage, error) { return nil, nil }

func (f *FedCS) Restore(data json.RawMessage) error { return restoreStateless(data) }
