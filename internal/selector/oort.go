package selector

import (
	"cmp"
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/me/flround/internal/config"
	"github.com/me/flround/internal/oracle"
	"github.com/me/flround/pkg/model"
)

// OortOptions are the exploration/exploitation and pacer knobs.
type OortOptions struct {
	ExplorationFactor float64 // initial exploration rate
	ExplorationDecay  float64
	ExplorationMin    float64
	ExplorationAlpha  float64
	RoundThreshold    float64 // percentile of durations taken as preferred
	RoundPenalty      float64
	PacerStep         int
	PacerDelta        float64
	CutOffUtil        float64 // slowest fraction of explored clients excluded
	ClipBound         float64 // quantile at which rewards are clipped
	SampleWindow      float64
}

// OortOptionsFromConfig maps configuration onto OortOptions.
func OortOptionsFromConfig(cfg config.Config) OortOptions {
	return OortOptions{
		ExplorationFactor: cfg.ExplorationFactor,
		ExplorationDecay:  cfg.ExplorationDecay,
		ExplorationMin:    cfg.ExplorationMin,
		ExplorationAlpha:  cfg.ExplorationAlpha,
		RoundThreshold:    cfg.RoundThreshold,
		RoundPenalty:      cfg.RoundPenalty,
		PacerStep:         cfg.PacerStep,
		PacerDelta:        cfg.PacerDelta,
		CutOffUtil:        cfg.CutOffUtil,
		ClipBound:         cfg.ClipBound,
		SampleWindow:      cfg.SampleWindow,
	}
}

// Oort splits each round between exploiting clients with high statistical
// and system utility and exploring clients that have not completed a round.
type Oort struct {
	opts    OortOptions
	combine Combiner
	oracle  oracle.Oracle
	clock   oracle.Clock
	state   oortState
}

type oortState struct {
	Exploration float64   `json:"exploration"`
	Threshold   float64   `json:"threshold"`
	Rounds      int       `json:"rounds"`
	UtilHistory []float64 `json:"util_history,omitempty"`
	// SlowShare is the fraction of explored candidates slower than the
	// preferred duration at the last selection.
	SlowShare float64 `json:"slow_share"`
}

// NewOort creates an Oort strategy.
func NewOort(opts OortOptions, combine Combiner, orc oracle.Oracle, clock oracle.Clock) *Oort {
	if opts.PacerStep < 1 {
		opts.PacerStep = 1
	}
	if opts.SampleWindow < 1 {
		opts.SampleWindow = 1
	}
	return &Oort{
		opts:    opts,
		combine: combine,
		oracle:  orc,
		clock:   clock,
		state: oortState{
			Exploration: max(opts.ExplorationFactor, opts.ExplorationMin),
			Threshold:   opts.RoundThreshold,
		},
	}
}

func (o *Oort) Kind() string { return config.SelectorOort }

// Exploration returns the current exploration rate.
func (o *Oort) Exploration() float64 { return o.state.Exploration }

// Threshold returns the current pacer percentile.
func (o *Oort) Threshold() float64 { return o.state.Threshold }

type oortCandidate struct {
	idx      int
	duration float64
	score    float64
}

func (o *Oort) Select(rng *rand.Rand, pool []model.Client, count, round int) []model.Client {
	k := min(count, len(pool))
	if k <= 0 {
		return nil
	}
	now := o.clock.Now()

	durations := make([]float64, len(pool))
	var explored, unexplored []oortCandidate
	for i, c := range pool {
		durations[i] = o.oracle.DurationEstimate(c, now)
		cand := oortCandidate{idx: i, duration: durations[i]}
		if c.Explored() {
			explored = append(explored, cand)
		} else {
			unexplored = append(unexplored, cand)
		}
	}
	preferred := percentile(durations, o.state.Threshold)

	o.scoreExplored(pool, explored, preferred, round)
	o.state.SlowShare = slowShare(explored, preferred)

	// Trim the slowest tail before ranking.
	slices.SortFunc(explored, func(a, b oortCandidate) int {
		if c := cmp.Compare(b.duration, a.duration); c != 0 {
			return c
		}
		return cmp.Compare(pool[a.idx].ID, pool[b.idx].ID)
	})
	cut := int(math.Floor(o.opts.CutOffUtil * float64(len(explored))))
	tail, eligible := explored[:cut], explored[cut:]

	slices.SortFunc(eligible, func(a, b oortCandidate) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		return cmp.Compare(pool[a.idx].ID, pool[b.idx].ID)
	})

	taken := make(map[int]bool, k)
	picked := make([]int, 0, k)
	take := func(idx int) {
		taken[idx] = true
		picked = append(picked, idx)
	}

	// Exploitation: weighted by score among the top window.
	exploitLen := min(int(float64(k)*(1-o.state.Exploration)), len(eligible))
	if exploitLen > 0 {
		window := eligible[:min(len(eligible), int(math.Ceil(o.opts.SampleWindow*float64(exploitLen))))]
		weights := make([]float64, len(window))
		for i, c := range window {
			weights[i] = max(c.score, 1e-9)
		}
		for _, i := range weightedSample(rng, weights, exploitLen) {
			take(window[i].idx)
		}
	}

	// Exploration: unexplored clients by prior reward.
	if need := k - len(picked); need > 0 && len(unexplored) > 0 {
		weights := make([]float64, len(unexplored))
		for i, c := range unexplored {
			weights[i] = o.explorationWeight(pool[c.idx], c.duration, preferred)
		}
		for _, i := range weightedSample(rng, weights, need) {
			take(unexplored[i].idx)
		}
	}

	// Then under-sampled explored clients.
	if need := k - len(picked); need > 0 {
		var rest []oortCandidate
		for _, c := range eligible {
			if !taken[c.idx] {
				rest = append(rest, c)
			}
		}
		weights := make([]float64, len(rest))
		for i, c := range rest {
			weights[i] = max(c.score, 1e-9) * math.Pow(1+float64(pool[c.idx].Participations), -o.opts.ExplorationAlpha)
		}
		for _, i := range weightedSample(rng, weights, need) {
			take(rest[i].idx)
		}
	}

	// Back-fill from the trimmed tail so the round is never short.
	if need := k - len(picked); need > 0 {
		slices.SortFunc(tail, func(a, b oortCandidate) int {
			if c := cmp.Compare(b.score, a.score); c != 0 {
				return c
			}
			return cmp.Compare(pool[a.idx].ID, pool[b.idx].ID)
		})
		for _, c := range tail {
			if len(picked) == k {
				break
			}
			take(c.idx)
		}
	}
	return clones(pool, picked)
}

// scoreExplored fills in the exploitation score of each explored candidate.
func (o *Oort) scoreExplored(pool []model.Client, cands []oortCandidate, preferred float64, round int) {
	if len(cands) == 0 {
		return
	}
	rewards := make([]float64, len(cands))
	for i, c := range cands {
		rewards[i] = pool[c.idx].MeanRecentUtility()
	}
	clip := percentile(rewards, o.opts.ClipBound*100)
	lo, hi := math.Inf(1), math.Inf(-1)
	for i := range rewards {
		rewards[i] = min(rewards[i], clip)
		lo, hi = min(lo, rewards[i]), max(hi, rewards[i])
	}
	span := hi - lo
	if span <= 0 {
		span = 1
	}
	for i := range cands {
		c := pool[cands[i].idx]
		stat := (rewards[i] - lo) / span
		last := float64(max(c.LastRound, 0) + 1)
		stat += o.opts.ExplorationAlpha * math.Sqrt(0.1*math.Log(float64(round+1))/last)
		cands[i].score = o.combine(stat, o.systemUtility(cands[i].duration, preferred))
	}
}

// explorationWeight is reward·(1+participations)^(−alpha), scaled by system
// utility so slow unexplored clients are drawn less often.
func (o *Oort) explorationWeight(c model.Client, duration, preferred float64) float64 {
	reward := max(c.UtilityScore, 1e-9)
	return reward * math.Pow(1+float64(c.Participations), -o.opts.ExplorationAlpha) * o.systemUtility(duration, preferred)
}

// systemUtility is 1 for clients within the preferred duration and
// (preferred/duration)^penalty for slower ones.
func (o *Oort) systemUtility(duration, preferred float64) float64 {
	if duration <= preferred || duration <= 0 || preferred <= 0 {
		return 1
	}
	return math.Pow(preferred/duration, o.opts.RoundPenalty)
}

func slowShare(cands []oortCandidate, preferred float64) float64 {
	if len(cands) == 0 {
		return 0
	}
	slow := 0
	for _, c := range cands {
		if c.duration > preferred {
			slow++
		}
	}
	return float64(slow) / float64(len(cands))
}

// Observe decays exploration and runs the pacer. Discarded attempts leave
// the state untouched; only rounds that advance count.
func (o *Oort) Observe(fb Feedback) {
	if !fb.Advanced {
		return
	}
	o.state.Exploration = max(o.state.Exploration*o.opts.ExplorationDecay, o.opts.ExplorationMin)

	var util float64
	for _, c := range fb.Selected {
		if c.Explored() && fb.Completed(c.ID) {
			util += fb.Utilities[c.ID]
		}
	}
	o.state.UtilHistory = append(o.state.UtilHistory, util)
	o.state.Rounds++

	step := o.opts.PacerStep
	if o.state.Rounds < 2*step || o.state.Rounds%step != 0 {
		return
	}
	h := o.state.UtilHistory
	if len(h) > 2*step {
		h = h[len(h)-2*step:]
	}
	var prev, last float64
	for i, u := range h {
		if i < step {
			prev += u
		} else {
			last += u
		}
	}
	change := math.Abs(last - prev)
	switch {
	case change <= 0.1*prev || o.state.SlowShare > 0.5:
		o.state.Threshold = min(o.state.Threshold+o.opts.PacerDelta, 100)
	case prev > 0 && change >= 5*prev:
		o.state.Threshold = max(o.state.Threshold-o.opts.PacerDelta, o.opts.PacerDelta)
	}
	o.state.UtilHistory = append([]float64(nil), h...)
}

func (o *Oort) Snapshot() (json.RawMessage, error) {
	return json.Marshal(o.state)
}

func (o *Oort) Restore(data json.RawMessage) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	var st oortState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode oort state: %w", err)
	}
	if st.Exploration < o.opts.ExplorationMin || st.Exploration > 1 {
		return fmt.Errorf("oort exploration rate %v outside [%v, 1]", st.Exploration, o.opts.ExplorationMin)
	}
	if st.Threshold <= 0 || st.Threshold > 100 {
		return fmt.Errorf("oort pacer threshold %v outside (0, 100]", st.Threshold)
	}
	o.state = st
	return nil
}

// percentile returns the p-th percentile (0..100) with linear interpolation.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	s := slices.Clone(values)
	slices.Sort(s)
	pos := min(max(p, 0), 100) / 100 * float64(len(s)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	frac := pos - float64(lo)
	return s[lo]*(1-frac) + s[hi]*frac
}
