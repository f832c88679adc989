package selector

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/me/flround/pkg/model"
)

// TiFLOptions configures tiered selection.
type TiFLOptions struct {
	Mode    string // "prob" or "credit"
	Tiers   int
	Credits int // initial and maximum credit per tier
	Penalty float64
}

// TiFL draws whole tiers, weighted by credit or by an adaptive probability
// table, and fills the round from them. Tiers that produce stragglers lose
// weight for the following rounds.
type TiFL struct {
	kind  string
	opts  TiFLOptions
	state tiflState
}

type tiflState struct {
	Credits []int     `json:"credits"`
	Probs   []float64 `json:"probs"`
}

// NewTiFL creates a tiered strategy. kind is the configured selector name
// ("tifl" or "tiflx"); both run the same algorithm.
func NewTiFL(kind string, opts TiFLOptions) *TiFL {
	if opts.Tiers < 1 {
		opts.Tiers = 1
	}
	t := &TiFL{kind: kind, opts: opts}
	t.state.Credits = make([]int, opts.Tiers)
	t.state.Probs = make([]float64, opts.Tiers)
	for i := range opts.Tiers {
		t.state.Credits[i] = opts.Credits
		t.state.Probs[i] = 1 / float64(opts.Tiers)
	}
	return t
}

func (t *TiFL) Kind() string { return t.kind }

// Credits returns a copy of the per-tier credit table.
func (t *TiFL) Credits() []int { return append([]int(nil), t.state.Credits...) }

// Probs returns a copy of the per-tier probability table.
func (t *TiFL) Probs() []float64 { return append([]float64(nil), t.state.Probs...) }

func (t *TiFL) tierOf(c model.Client) int {
	return min(max(c.Tier, 0), t.opts.Tiers-1)
}

func (t *TiFL) weight(tier int) float64 {
	if t.opts.Mode == "credit" {
		return float64(t.state.Credits[tier])
	}
	return t.state.Probs[tier]
}

func (t *TiFL) Select(rng *rand.Rand, pool []model.Client, count, _ int) []model.Client {
	k := min(count, len(pool))
	if k <= 0 {
		return nil
	}

	members := make([][]int, t.opts.Tiers)
	for i, c := range pool {
		tier := t.tierOf(c)
		members[tier] = append(members[tier], i)
	}
	var tiers []int
	var weights []float64
	anyPositive := false
	for tier, m := range members {
		if len(m) == 0 {
			continue
		}
		w := t.weight(tier)
		anyPositive = anyPositive || w > 0
		tiers = append(tiers, tier)
		weights = append(weights, w)
	}
	if !anyPositive {
		// Every populated tier is exhausted: fall back to uniform for this draw.
		for i := range weights {
			weights[i] = 1
		}
	}

	picked := make([]int, 0, k)
	for _, ti := range weightedSample(rng, weights, len(tiers)) {
		m := members[tiers[ti]]
		for _, j := range rng.Perm(len(m)) {
			if len(picked) == k {
				break
			}
			picked = append(picked, m[j])
		}
		if len(picked) == k {
			break
		}
	}
	return clones(pool, picked)
}

// Observe penalises tiers that produced stragglers. In credit mode the tier
// loses ceil(penalty) credit (never below zero) and clean tiers regain one
// credit up to the initial amount; in prob mode the tier probability is
// scaled by 1/(1+penalty·straggler rate) and the table renormalised.
func (t *TiFL) Observe(fb Feedback) {
	selected := make([]int, t.opts.Tiers)
	late := make([]int, t.opts.Tiers)
	stragglers := make(map[int]bool, len(fb.Stragglers))
	for _, id := range fb.Stragglers {
		stragglers[id] = true
	}
	for _, c := range fb.Selected {
		tier := t.tierOf(c)
		selected[tier]++
		if stragglers[c.ID] {
			late[tier]++
		}
	}

	step := int(math.Ceil(t.opts.Penalty))
	for tier := range t.opts.Tiers {
		if selected[tier] == 0 {
			continue
		}
		if late[tier] == 0 {
			t.state.Credits[tier] = min(t.state.Credits[tier]+1, t.opts.Credits)
			continue
		}
		t.state.Credits[tier] = max(t.state.Credits[tier]-step, 0)
		rate := float64(late[tier]) / float64(selected[tier])
		t.state.Probs[tier] *= 1 / (1 + t.opts.Penalty*rate)
	}

	var sum float64
	for _, p := range t.state.Probs {
		sum += p
	}
	if sum > 0 {
		for i := range t.state.Probs {
			t.state.Probs[i] /= sum
		}
	}
}

func (t *TiFL) Snapshot() (json.RawMessage, error) {
	return json.Marshal(t.state)
}

func (t *TiFL) Restore(data json.RawMessage) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	var st tiflState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode tifl state: %w", err)
	}
	if len(st.Credits) != t.opts.Tiers || len(st.Probs) != t.opts.Tiers {
		return fmt.Errorf("tifl state has %d/%d tiers, want %d", len(st.Credits), len(st.Probs), t.opts.Tiers)
	}
	for i, c := range st.Credits {
		if c < 0 || st.Probs[i] < 0 {
			return fmt.Errorf("tifl state tier %d has negative weight", i)
		}
	}
	t.state = st
	return nil
}
