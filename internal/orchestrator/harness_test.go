package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/me/flround/internal/aggregate"
	"github.com/me/flround/internal/config"
	"github.com/me/flround/internal/dispatch"
	"github.com/me/flround/internal/logging"
	"github.com/me/flround/internal/oracle"
	"github.com/me/flround/internal/registry"
	"github.com/me/flround/internal/selector"
	"github.com/me/flround/internal/store"
	"github.com/me/flround/pkg/model"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

// upOracle reports every client reachable from a given instant on.
type upOracle struct {
	epochs int
	from   time.Time
}

func (u upOracle) DurationEstimate(c model.Client, _ time.Time) float64 {
	return c.EffectiveDuration(u.epochs)
}

func (u upOracle) IsReachable(_ model.Client, at time.Time) bool { return !at.Before(u.from) }

func (u upOracle) Density(model.Client, time.Time, time.Duration) float64 { return 1 }

// scripted answers every assignment at once, except for silent clients
// (which never report) and failing ones (which report an error).
type scripted struct {
	silent   map[int]bool
	failing  map[int]bool
	duration float64
	err      error
	rounds   [][]int
}

func (s *scripted) Dispatch(_ context.Context, round int, assignments []model.Assignment) (<-chan model.Report, error) {
	if s.err != nil {
		return nil, s.err
	}
	ids := make([]int, 0, len(assignments))
	ch := make(chan model.Report, len(assignments))
	for _, a := range assignments {
		ids = append(ids, a.ClientID)
		if s.silent[a.ClientID] {
			continue
		}
		rep := model.Report{Round: a.Round, Attempt: a.Attempt, ClientID: a.ClientID, Duration: s.duration}
		if s.failing[a.ClientID] {
			rep.Error = "out of memory"
		} else {
			rep.Success = true
			rep.Update = &model.Update{NumSamples: 100, LossSquareSum: 25}
		}
		ch <- rep
	}
	close(ch)
	s.rounds = append(s.rounds, ids)
	return ch, nil
}

func (s *scripted) Retire(int) {}

// flakyStore fails the first n checkpoint writes.
type flakyStore struct {
	*store.MemoryStore
	failures int
}

func (f *flakyStore) Write(ctx context.Context, runID string, round int, blob []byte) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("disk full")
	}
	return f.MemoryStore.Write(ctx, runID, round, blob)
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.TimeMode = string(model.TimeModeSimulated)
	cfg.RoundTimeout = 5
	cfg.ClientNumPerRound = 4
	cfg.ClientNumInTotal = 10
	cfg.CommRound = 3
	cfg.RetryBackoff = time.Second
	cfg.MaxRetryBackoff = 4 * time.Second
	return cfg
}

func uniformClients(n int) []model.Client {
	out := make([]model.Client, n)
	for i := range out {
		out[i] = model.Client{ID: i, Speed: 1 + float64(i)*0.1, Samples: 100}
	}
	return out
}

type harness struct {
	runID  string
	cfg    config.Config
	oracle oracle.Oracle
	disp   dispatch.Dispatcher
	store  store.Store
	tracer trace.Tracer
	// fleet builds a dispatcher bound to the harness registry and clock.
	fleet func(*registry.Registry, oracle.Clock) dispatch.Dispatcher

	reg   *registry.Registry
	clock *oracle.SimClock
	agg   *aggregate.Recorder
	o     *Orchestrator
}

// build fills in defaults for anything the test left nil and wires an
// Orchestrator on a simulated clock.
func (h *harness) build(t *testing.T, clients []model.Client) *harness {
	t.Helper()
	if h.oracle == nil {
		h.oracle = upOracle{epochs: h.cfg.Epochs}
	}
	if h.store == nil {
		h.store = store.NewMemoryStore()
	}
	if h.runID == "" {
		h.runID = "run-test"
	}
	h.reg = registry.New(registry.PolicyFromConfig(h.cfg), logging.Discard())
	for _, c := range clients {
		h.reg.Register(c)
	}
	h.clock = oracle.NewSimClock()
	h.agg = aggregate.NewRecorder(logging.Discard())
	switch {
	case h.disp != nil:
	case h.fleet != nil:
		h.disp = h.fleet(h.reg, h.clock)
	default:
		h.disp = &scripted{duration: 1}
	}

	strategy, err := selector.New(h.cfg, h.oracle, h.clock)
	require.NoError(t, err)
	h.o, err = New(Deps{
		Config:     h.cfg,
		Registry:   h.reg,
		Oracle:     h.oracle,
		Clock:      h.clock,
		Strategy:   strategy,
		Dispatcher: h.disp,
		Aggregator: h.agg,
		Store:      h.store,
		Tracer:     h.tracer,
		Logger:     logging.Discard(),
		RunID:      h.runID,
	})
	require.NoError(t, err)
	return h
}

// simHarness replays availability traces and trains on the simulated fleet.
func simHarness(t *testing.T, cfg config.Config, n int) *harness {
	t.Helper()
	orc := oracle.NewSimulated(cfg.Seed, model.TraceDistro(cfg.TraceDistro), cfg.Epochs)
	h := &harness{
		cfg:    cfg,
		oracle: orc,
		fleet: func(reg *registry.Registry, clock oracle.Clock) dispatch.Dispatcher {
			return dispatch.NewFleet(reg, orc, clock, dispatch.FleetConfig{Seed: cfg.Seed, Epochs: cfg.Epochs, Workers: 4}, logging.Discard())
		},
	}
	return h.build(t, orc.Fleet(n))
}
