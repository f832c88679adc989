package selector

import (
	"cmp"
	"encoding/json"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/me/flround/internal/config"
	"github.com/me/flround/internal/oracle"
	"github.com/me/flround/pkg/model"
)

// MDA ranks clients by availability density ("avail") or by availability
// combined with relative speed ("mix") and takes the top count.
type MDA struct {
	method  string
	window  time.Duration
	combine Combiner
	oracle  oracle.Oracle
	clock   oracle.Clock
}

// NewMDA creates a multi-dimensional availability strategy.
func NewMDA(method string, window time.Duration, combine Combiner, orc oracle.Oracle, clock oracle.Clock) *MDA {
	return &MDA{method: method, window: window, combine: combine, oracle: orc, clock: clock}
}

func (m *MDA) Kind() string { return config.SelectorMDA }

// Scores returns the score of each pool member, in pool order.
func (m *MDA) Scores(pool []model.Client) []float64 {
	now := m.clock.Now()
	scores := make([]float64, len(pool))
	durations := make([]float64, len(pool))
	fastest := 0.0
	for i, c := range pool {
		scores[i] = m.oracle.Density(c, now, m.window)
		durations[i] = m.oracle.DurationEstimate(c, now)
		if durations[i] > 0 && (fastest == 0 || durations[i] < fastest) {
			fastest = durations[i]
		}
	}
	if m.method != "mix" {
		return scores
	}
	for i := range pool {
		speed := 0.0
		if durations[i] > 0 {
			speed = fastest / durations[i]
		}
		scores[i] = m.combine(scores[i], speed)
	}
	return scores
}

func (m *MDA) Select(_ *rand.Rand, pool []model.Client, count, _ int) []model.Client {
	k := min(count, len(pool))
	if k <= 0 {
		return nil
	}
	scores := m.Scores(pool)
	idx := make([]int, len(pool))
	for i := range idx {
		idx[i] = i
	}
	slices.SortFunc(idx, func(a, b int) int {
		if c := cmp.Compare(scores[b], scores[a]); c != 0 {
			return c
		}
		return cmp.Compare(pool[a].ID, pool[b].ID)
	})
	return clones(pool, idx[:k])
}

func (m *MDA) Observe(Feedback) {}

func (m *MDA) Snapshot() (json.RawMessage, error) { return nil, nil }

func (m *MDA) Restore(data json.RawMessage) error { return restoreStateless(data) }

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
