package orchestrator

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/me/flround/internal/config"
	"github.com/me/flround/internal/oracle"
	"github.com/me/flround/internal/selector"
	"github.com/me/flround/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// Pool of 10, count 4, random selector, fixed seed: the first round picks
// the same 4 ids every time, and they are the ids the seeded source yields.
func TestRunRound_RandomSelectionReproducible(t *testing.T) {
	cfg := testConfig()
	cfg.Seed = 42

	run := func() []int {
		h := (&harness{cfg: cfg}).build(t, uniformClients(10))
		r, err := h.o.RunRound(context.Background())
		require.NoError(t, err)
		return r.Selected
	}
	first := run()
	require.Len(t, first, 4)
	assert.Equal(t, first, run())

	h := (&harness{cfg: cfg}).build(t, uniformClients(10))
	want := selector.Random{}.Select(rand.New(rand.NewPCG(42, 0)), h.reg.List(true), 4, 0)
	assert.Equal(t, model.ClientIDs(want), first)
}

// One selected client never reports and failures are not allowed: the
// attempt is discarded, the client's failure count goes up by one, and the
// retry keeps the round number.
func TestRunRound_StragglerDiscardsRound(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.AllowFailedClients = "no"
	disp := &scripted{duration: 1, silent: map[int]bool{2: true}}
	h := (&harness{cfg: cfg, disp: disp}).build(t, uniformClients(4))

	r, err := h.o.RunRound(ctx)
	var se *model.StragglerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, []int{2}, se.Stragglers)
	assert.Equal(t, model.RoundStateDiscarded, r.State)
	assert.Equal(t, model.OutcomeStraggler, r.Outcome)

	c, _ := h.reg.Get(2)
	assert.Equal(t, 1, c.BlacklistCount)
	other, _ := h.reg.Get(0)
	assert.Equal(t, 0, other.Participations, "discarded work earns no credit")
	assert.Equal(t, 0, h.o.Round())
	assert.Equal(t, 1, h.o.Status().Attempt)
	assert.Equal(t, 0, h.agg.Len(), "discarded updates must not be aggregated")

	disp.silent = nil
	r, err = h.o.RunRound(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, r.Number)
	assert.Equal(t, 1, r.Attempt)
	assert.Equal(t, 1, h.o.Round())
	assert.Equal(t, 1, h.agg.Len())

	q := model.DefaultRoundQuery()
	q.RunID = h.o.RunID()
	history, total, err := h.store.ListRounds(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, model.RoundStateReconciled, history[0].State)
	assert.Equal(t, model.RoundStateDiscarded, history[1].State)
}

// Same as above with failures allowed: the round closes with the others and
// the round number advances.
func TestRunRound_AllowFailedProceeds(t *testing.T) {
	cfg := testConfig()
	cfg.AllowFailedClients = "yes"
	disp := &scripted{duration: 1, silent: map[int]bool{2: true}}
	h := (&harness{cfg: cfg, disp: disp}).build(t, uniformClients(4))

	r, err := h.o.RunRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.RoundStateReconciled, r.State)
	assert.ElementsMatch(t, []int{0, 1, 3}, r.Completed)
	assert.Equal(t, []int{2}, r.Stragglers)
	assert.Equal(t, 1, h.o.Round())

	summary, ok := h.agg.Round(0)
	require.True(t, ok)
	assert.Equal(t, []int{0, 1, 3}, summary.Clients)

	straggler, _ := h.reg.Get(2)
	assert.Equal(t, 1, straggler.BlacklistCount)
	done, _ := h.reg.Get(0)
	assert.Equal(t, 1, done.Participations)
	assert.Equal(t, 0, done.LastRound)
}

func TestRunRound_ReportedFailureIsStraggler(t *testing.T) {
	cfg := testConfig()
	cfg.AllowFailedClients = "yes"
	disp := &scripted{duration: 1, failing: map[int]bool{1: true}}
	h := (&harness{cfg: cfg, disp: disp}).build(t, uniformClients(4))

	r, err := h.o.RunRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{1}, r.FailedReports)
	c, _ := h.reg.Get(1)
	assert.Equal(t, 1, c.BlacklistCount)
}

func TestRunRound_NothingCompletedIsDiscarded(t *testing.T) {
	cfg := testConfig()
	cfg.AllowFailedClients = "yes"
	disp := &scripted{duration: 1, silent: map[int]bool{0: true, 1: true, 2: true, 3: true}}
	h := (&harness{cfg: cfg, disp: disp}).build(t, uniformClients(4))

	r, err := h.o.RunRound(context.Background())
	require.ErrorIs(t, err, model.ErrStragglers)
	assert.Equal(t, model.OutcomeNoResults, r.Outcome)
	assert.Equal(t, 5*time.Second, h.clock.Now().Sub(oracle.SimEpoch), "a timed-out round costs the full timeout")
}

// blacklist_rounds=3: after three consecutive failures the client is
// excluded from every later selection, whatever the strategy.
func TestRun_BlacklistAfterThreeFailures(t *testing.T) {
	for _, sel := range []string{
		config.SelectorRandom, config.SelectorFedCS, config.SelectorTiFL,
		config.SelectorTiFLX, config.SelectorMDA, config.SelectorOort,
	} {
		t.Run(sel, func(t *testing.T) {
			ctx := context.Background()
			cfg := testConfig()
			cfg.Selector = sel
			cfg.AllowFailedClients = "yes"
			cfg.BlacklistRounds = 3
			cfg.ClientNumPerRound = 10
			disp := &scripted{duration: 1, silent: map[int]bool{7: true}}
			h := (&harness{cfg: cfg, disp: disp}).build(t, uniformClients(10))

			for i := 0; i < 3; i++ {
				_, err := h.o.RunRound(ctx)
				require.NoError(t, err)
				require.Contains(t, disp.rounds[i], 7, "round %d", i)
			}
			c, _ := h.reg.Get(7)
			require.True(t, c.Blacklisted)

			for i := 0; i < 3; i++ {
				_, err := h.o.RunRound(ctx)
				require.NoError(t, err)
				assert.NotContains(t, disp.rounds[len(disp.rounds)-1], 7)
			}
		})
	}
}

func TestRun_CompletesCommRounds(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Selector = config.SelectorOort
	h := (&harness{cfg: cfg}).build(t, uniformClients(10))

	require.NoError(t, h.o.Run(ctx))
	assert.Equal(t, 3, h.o.Round())
	assert.Equal(t, 3, h.agg.Len())

	st := h.o.Status()
	assert.Equal(t, PhaseDone, st.Phase)
	assert.Equal(t, model.OutcomeCompleted, st.LastOutcome)
	require.NotNil(t, st.Exploration)
	assert.InDelta(t, cfg.ExplorationFactor*cfg.ExplorationDecay*cfg.ExplorationDecay*cfg.ExplorationDecay, *st.Exploration, 1e-9)
	assert.Equal(t, 3*time.Second, st.Clock.Sub(oracle.SimEpoch), "clock advances by each round's slowest report")

	_, total, err := h.store.ListRounds(ctx, model.DefaultRoundQuery())
	require.NoError(t, err)
	assert.Equal(t, 3, total)
}

// Nobody is reachable for the first 5 simulated seconds. Backoff doubles
// from 1s and is capped at 2s: 1 + 2 + 2, then a 1s round.
func TestRun_EmptyPoolBacksOffOnSimulatedClock(t *testing.T) {
	cfg := testConfig()
	cfg.CommRound = 1
	cfg.RetryBackoff = time.Second
	cfg.MaxRetryBackoff = 2 * time.Second
	h := (&harness{cfg: cfg, oracle: upOracle{epochs: 5, from: oracle.SimEpoch.Add(5 * time.Second)}}).build(t, uniformClients(4))

	_, err := h.o.RunRound(context.Background())
	var pe *model.EmptyPoolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 4, pe.Total)

	require.NoError(t, h.o.Run(context.Background()))
	assert.Equal(t, 6*time.Second, h.clock.Now().Sub(oracle.SimEpoch))
	assert.Equal(t, 1, h.o.Round())
}

func TestRun_DispatchErrorEndsRun(t *testing.T) {
	cfg := testConfig()
	h := (&harness{cfg: cfg, disp: &scripted{err: errors.New("transport down")}}).build(t, uniformClients(4))
	err := h.o.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transport down")
	assert.False(t, model.IsFatal(err))
}

func TestRun_CancelledContext(t *testing.T) {
	h := (&harness{cfg: testConfig()}).build(t, uniformClients(4))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, h.o.Run(ctx), context.Canceled)
	assert.Equal(t, 0, h.o.Round())
}

func TestStartStop(t *testing.T) {
	cfg := testConfig()
	cfg.CommRound = 1 << 30
	h := (&harness{cfg: cfg}).build(t, uniformClients(6))

	errCh := make(chan error, 1)
	go func() { errCh <- h.o.Start(context.Background()) }()
	require.Eventually(t, func() bool { return h.o.Round() > 2 }, 5*time.Second, time.Millisecond)

	h.o.Stop()
	require.NoError(t, <-errCh)
}

func TestRunRound_Spans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	cfg := testConfig()
	cfg.Checkpoints = []int{0}
	h := (&harness{cfg: cfg, tracer: tp.Tracer("test")}).build(t, uniformClients(4))
	_, err := h.o.RunRound(context.Background())
	require.NoError(t, err)

	names := map[string]bool{}
	var roundSpan sdktrace.ReadOnlySpan
	for _, s := range sr.Ended() {
		names[s.Name()] = true
		if s.Name() == "round" {
			roundSpan = s
		}
	}
	for _, want := range []string{"round", "select", "await", "reconcile", "checkpoint"} {
		assert.True(t, names[want], "missing span %q", want)
	}
	require.NotNil(t, roundSpan)
	for _, child := range sr.Ended() {
		if child.Name() != "round" {
			assert.Equal(t, roundSpan.SpanContext().SpanID(), child.Parent().SpanID(), "%s not under round", child.Name())
		}
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)

	h := (&harness{cfg: testConfig()}).build(t, nil)
	assert.NotEmpty(t, h.o.RunID())
	_, err = h.o.RunRound(context.Background())
	assert.ErrorIs(t, err, model.ErrEmptyPool)
}

// A client re-registering between rounds keeps its old speed until the
// round in progress reconciles.
func TestRunRound_AppliesReRegistrationAtReconcile(t *testing.T) {
	ctx := context.Background()
	h := (&harness{cfg: testConfig()}).build(t, uniformClients(4))

	_, created := h.reg.Register(model.Client{ID: 2, Speed: 9})
	require.False(t, created)
	c, _ := h.reg.Get(2)
	assert.InDelta(t, 1.2, c.Speed, 1e-9)

	_, err := h.o.RunRound(ctx)
	require.NoError(t, err)
	c, _ = h.reg.Get(2)
	assert.Equal(t, 9.0, c.Speed)
}
