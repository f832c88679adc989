package store

import (
	"context"
	"slices"
	"sync"

	"github.com/me/flround/pkg/model"
)

// MemoryStore keeps everything in process memory. Nothing survives a
// restart; it is meant for simulations that do not need resume.
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[checkpointID]memCheckpoint
	seq         int
	rounds      []*model.Round
}

type checkpointID struct {
	runID string
	round int
}

type memCheckpoint struct {
	blob    []byte
	written int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{checkpoints: make(map[checkpointID]memCheckpoint)}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Close() error                  { return nil }

func (m *MemoryStore) Write(_ context.Context, runID string, round int, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.checkpoints[checkpointID{runID, round}] = memCheckpoint{blob: slices.Clone(blob), written: m.seq}
	return nil
}

func (m *MemoryStore) ReadLatest(context.Context) (Saved, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.checkpoints) == 0 {
		return Saved{}, ErrNoCheckpoint
	}
	var last checkpointID
	newest := 0
	for id, cp := range m.checkpoints {
		if cp.written > newest {
			last, newest = id, cp.written
		}
	}
	latest := last.round
	for id := range m.checkpoints {
		if id.runID == last.runID {
			latest = max(latest, id.round)
		}
	}
	blob := m.checkpoints[checkpointID{last.runID, latest}].blob
	return Saved{RunID: last.runID, Round: latest, Blob: slices.Clone(blob)}, nil
}

func (m *MemoryStore) AppendRound(_ context.Context, r *model.Round) error {
	cp := *r
	cp.Selected = slices.Clone(r.Selected)
	cp.Completed = slices.Clone(r.Completed)
	cp.Stragglers = slices.Clone(r.Stragglers)
	cp.FailedReports = slices.Clone(r.FailedReports)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rounds = append(m.rounds, &cp)
	return nil
}

func (m *MemoryStore) ListRounds(_ context.Context, q model.RoundQuery) ([]*model.Round, int, error) {
	m.mu.RLock()
	var out []*model.Round
	for _, r := range m.rounds {
		if !q.Matches(r) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	m.mu.RUnlock()
	sortNewestFirst(out)
	return page(out, q), len(out), nil
}
