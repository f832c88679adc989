package selector

import (
	"encoding/json"
	"math/rand/v2"

	"github.com/me/flround/internal/config"
	"github.com/me/flround/pkg/model"
)

// Random samples uniformly without replacement.
type Random struct{}

func (Random) Kind() string { return config.SelectorRandom }

func (Random) Select(rng *rand.Rand, pool []model.Client, count, _ int) []model.Client {
	k := min(count, len(pool))
	if k <= 0 {
		return nil
	}
	return clones(pool, rng.Perm(len(pool))[:k])
}

func (Random) Observe(Feedback) {}

func (Random) Snapshot() (json.RawMessage, error) { return nil, nil }

func (Random) Restore(data json.RawMessage) error { return restoreStateless(data) }
