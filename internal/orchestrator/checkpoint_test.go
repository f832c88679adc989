package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/me/flround/internal/config"
	"github.com/me/flround/internal/store"
	"github.com/me/flround/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func simConfig(selector string) config.Config {
	cfg := testConfig()
	cfg.Selector = selector
	cfg.TraceDistro = string(model.TraceHighAvail)
	cfg.AllowFailedClients = "yes"
	cfg.RoundTimeout = 60
	cfg.ClientNumPerRound = 5
	cfg.CommRound = 3
	cfg.Checkpoints = []int{2}
	cfg.Seed = 7
	return cfg
}

// A run checkpointed after round 2 and resumed in a fresh process selects
// exactly what the uninterrupted run selects next.
func TestCheckpoint_ResumeSelectsIdentically(t *testing.T) {
	for _, sel := range []string{config.SelectorRandom, config.SelectorTiFL, config.SelectorOort} {
		t.Run(sel, func(t *testing.T) {
			ctx := context.Background()
			cfg := simConfig(sel)

			a := simHarness(t, cfg, 30)
			require.NoError(t, a.o.Run(ctx))
			saved, err := a.store.ReadLatest(ctx)
			require.NoError(t, err)
			require.Equal(t, 2, saved.Round)

			b := simHarness(t, cfg, 30)
			require.NoError(t, b.o.Resume(ctx, a.store))
			assert.Equal(t, a.o.RunID(), b.o.RunID())
			assert.Equal(t, 3, b.o.Round())
			assert.Equal(t, a.clock.Now(), b.clock.Now())
			assert.Equal(t, a.reg.List(false), b.reg.List(false))

			ra, errA := a.o.RunRound(ctx)
			rb, errB := b.o.RunRound(ctx)
			assert.Equal(t, errA == nil, errB == nil)
			require.Equal(t, ra == nil, rb == nil)
			if ra != nil {
				assert.Equal(t, ra.Selected, rb.Selected)
				assert.Equal(t, ra.Completed, rb.Completed)
			}
		})
	}
}

func TestCheckpoint_FailureRetriedNextRound(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Checkpoints = []int{0}
	flaky := &flakyStore{MemoryStore: store.NewMemoryStore(), failures: 1}
	h := (&harness{cfg: cfg, store: flaky}).build(t, uniformClients(4))

	require.NoError(t, h.o.Run(ctx))
	saved, err := flaky.ReadLatest(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, saved.Round, "failed write at round 0 retried after round 1, not after round 2")
	assert.Equal(t, "run-test", saved.RunID)

	var cp model.Checkpoint
	require.NoError(t, json.Unmarshal(saved.Blob, &cp))
	assert.Equal(t, 2, cp.Round)
	assert.Equal(t, model.CheckpointVersion, cp.Version)
	assert.Len(t, cp.Clients, 4)
}

func TestCheckpoint_WriteErrorIsTyped(t *testing.T) {
	flaky := &flakyStore{MemoryStore: store.NewMemoryStore(), failures: 1}
	h := (&harness{cfg: testConfig(), store: flaky}).build(t, uniformClients(2))
	err := h.o.Checkpoint(context.Background(), 0)
	var ce *model.CheckpointIOError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "write", ce.Op)
	assert.False(t, model.IsFatal(err))
}

func TestResume_Corruption(t *testing.T) {
	ctx := context.Background()

	valid := func(t *testing.T) []byte {
		h := (&harness{cfg: testConfig()}).build(t, uniformClients(4))
		_, err := h.o.RunRound(ctx)
		require.NoError(t, err)
		require.NoError(t, h.o.Checkpoint(ctx, 0))
		saved, err := h.store.ReadLatest(ctx)
		require.NoError(t, err)
		return saved.Blob
	}
	mutate := func(t *testing.T, f func(*model.Checkpoint)) []byte {
		var cp model.Checkpoint
		require.NoError(t, json.Unmarshal(valid(t), &cp))
		f(&cp)
		out, err := json.Marshal(cp)
		require.NoError(t, err)
		return out
	}

	tests := []struct {
		name string
		run  string
		key  int
		blob func(t *testing.T) []byte
	}{
		{"garbage", "", 0, func(*testing.T) []byte { return []byte("{not json") }},
		{"version", "", 0, func(t *testing.T) []byte {
			return mutate(t, func(cp *model.Checkpoint) { cp.Version = 99 })
		}},
		{"selector", "", 0, func(t *testing.T) []byte {
			return mutate(t, func(cp *model.Checkpoint) { cp.Selector = config.SelectorOort })
		}},
		{"key mismatch", "", 5, valid},
		{"run mismatch", "run-other", 0, valid},
		{"rng", "", 0, func(t *testing.T) []byte {
			return mutate(t, func(cp *model.Checkpoint) { cp.RNG = []byte("short") })
		}},
		{"duplicate client", "", 0, func(t *testing.T) []byte {
			return mutate(t, func(cp *model.Checkpoint) { cp.Clients = append(cp.Clients, cp.Clients[0]) })
		}},
		{"no clients", "", 0, func(t *testing.T) []byte {
			return mutate(t, func(cp *model.Checkpoint) { cp.Clients = nil })
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := tt.run
			if run == "" {
				run = "run-test"
			}
			src := store.NewMemoryStore()
			require.NoError(t, src.Write(ctx, run, tt.key, tt.blob(t)))

			h := (&harness{cfg: testConfig()}).build(t, uniformClients(4))
			err := h.o.Resume(ctx, src)
			require.Error(t, err)
			assert.True(t, errors.Is(err, model.ErrResumeCorruption), "got %v", err)
			assert.True(t, model.IsFatal(err))
			assert.Equal(t, 0, h.o.Round(), "state must be untouched")
		})
	}
}

func TestResume_NoCheckpoint(t *testing.T) {
	h := (&harness{cfg: testConfig()}).build(t, uniformClients(2))
	err := h.o.Resume(context.Background(), store.NewMemoryStore())
	assert.ErrorIs(t, err, model.ErrResumeCorruption)
	assert.ErrorIs(t, err, store.ErrNoCheckpoint)
}

// Two runs checkpointing into one store: resume continues the run that
// wrote last, even though the other run holds a higher round.
func TestResume_PicksMostRecentlyWrittenRun(t *testing.T) {
	ctx := context.Background()
	shared := store.NewMemoryStore()

	cfgA := testConfig()
	cfgA.CommRound = 9
	cfgA.Checkpoints = []int{8}
	a := (&harness{runID: "run-a", cfg: cfgA, store: shared}).build(t, uniformClients(4))
	require.NoError(t, a.o.Run(ctx))

	cfgB := testConfig()
	cfgB.CommRound = 4
	cfgB.Checkpoints = []int{3}
	b := (&harness{runID: "run-b", cfg: cfgB, store: shared}).build(t, uniformClients(4))
	require.NoError(t, b.o.Run(ctx))

	saved, err := shared.ReadLatest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-b", saved.RunID)
	assert.Equal(t, 3, saved.Round)

	c := (&harness{runID: "run-c", cfg: cfgB}).build(t, uniformClients(4))
	require.NoError(t, c.o.Resume(ctx, shared))
	assert.Equal(t, "run-b", c.o.RunID())
	assert.Equal(t, 4, c.o.Round())
}
