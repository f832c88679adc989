// Package orchestrator drives the federated round loop:
// select → dispatch → await → reconcile → checkpoint → advance.
//
// A single goroutine owns the loop. Selection only ever happens after the
// previous attempt has been fully reconciled, so strategies never read the
// registry while outcomes are being applied.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/me/flround/internal/aggregate"
	"github.com/me/flround/internal/config"
	"github.com/me/flround/internal/dispatch"
	"github.com/me/flround/internal/metrics"
	"github.com/me/flround/internal/oracle"
	"github.com/me/flround/internal/registry"
	"github.com/me/flround/internal/round"
	"github.com/me/flround/internal/selector"
	"github.com/me/flround/internal/store"
	"github.com/me/flround/pkg/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/me/flround/internal/orchestrator"

// Loop phases reported by Status.
const (
	PhaseIdle        = "idle"
	PhaseSelecting   = "selecting"
	PhaseAwaiting    = "awaiting"
	PhaseReconciling = "reconciling"
	PhaseBackoff     = "backoff"
	PhaseDone        = "done"
)

// Deps are the collaborators of an Orchestrator. Metrics, Tracer and RunID
// are optional.
type Deps struct {
	Config     config.Config
	Registry   *registry.Registry
	Oracle     oracle.Oracle
	Clock      oracle.Clock
	Strategy   selector.Strategy
	Dispatcher dispatch.Dispatcher
	Aggregator aggregate.Aggregator
	Store      store.Store
	Metrics    *metrics.Collector
	Tracer     trace.Tracer
	Logger     *slog.Logger
	RunID      string
}

// Status is a point-in-time view of the loop.
type Status struct {
	RunID       string    `json:"run_id"`
	Selector    string    `json:"selector"`
	Simulated   bool      `json:"simulated"`
	Round       int       `json:"round"`
	Attempt     int       `json:"attempt"`
	CommRound   int       `json:"comm_round"`
	Phase       string    `json:"phase"`
	LastOutcome string    `json:"last_outcome,omitempty"`
	Clock       time.Time `json:"clock"`
	Registered  int       `json:"registered"`
	Blacklisted int       `json:"blacklisted"`
	Exploration *float64  `json:"exploration,omitempty"`
}

// Orchestrator runs rounds until comm_round rounds have been reconciled.
type Orchestrator struct {
	cfg        config.Config
	registry   *registry.Registry
	oracle     oracle.Oracle
	clock      oracle.Clock
	strategy   selector.Strategy
	dispatcher dispatch.Dispatcher
	aggregator aggregate.Aggregator
	store      store.Store
	controller *round.Controller
	metrics    *metrics.Collector
	tracer     trace.Tracer
	logger     *slog.Logger

	pcg *rand.PCG
	rng *rand.Rand

	// checkpointPending is set after a failed write; the next round boundary
	// tries again. Only the loop goroutine touches it.
	checkpointPending bool

	mu          sync.RWMutex
	runID       string
	number      int
	attempt     int
	phase       string
	lastOutcome string
	exploration *float64

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// New wires an Orchestrator. The random source is seeded from Config.Seed.
func New(d Deps) (*Orchestrator, error) {
	switch {
	case d.Registry == nil:
		return nil, errors.New("orchestrator: registry is required")
	case d.Oracle == nil:
		return nil, errors.New("orchestrator: oracle is required")
	case d.Clock == nil:
		return nil, errors.New("orchestrator: clock is required")
	case d.Strategy == nil:
		return nil, errors.New("orchestrator: strategy is required")
	case d.Dispatcher == nil:
		return nil, errors.New("orchestrator: dispatcher is required")
	case d.Aggregator == nil:
		return nil, errors.New("orchestrator: aggregator is required")
	case d.Store == nil:
		return nil, errors.New("orchestrator: store is required")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.NewCollector(false)
	}
	if d.Tracer == nil {
		d.Tracer = otel.Tracer(tracerName)
	}
	if d.RunID == "" {
		d.RunID = uuid.NewString()
	}

	pcg := rand.NewPCG(uint64(d.Config.Seed), 0)
	logger := d.Logger.With("component", "orchestrator")
	return &Orchestrator{
		cfg:        d.Config,
		registry:   d.Registry,
		oracle:     d.Oracle,
		clock:      d.Clock,
		strategy:   d.Strategy,
		dispatcher: d.Dispatcher,
		aggregator: d.Aggregator,
		store:      d.Store,
		controller: round.NewController(d.Clock, d.Config.AllowFailed(), d.Logger),
		metrics:    d.Metrics,
		tracer:     d.Tracer,
		logger:     logger,
		pcg:        pcg,
		rng:        rand.New(pcg),
		runID:      d.RunID,
		phase:      PhaseIdle,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}, nil
}

// RunID identifies the run in history and checkpoints.
func (o *Orchestrator) RunID() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.runID
}

// Round returns the number of the next round to run.
func (o *Orchestrator) Round() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.number
}

func (o *Orchestrator) position() (int, int) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.number, o.attempt
}

func (o *Orchestrator) setPhase(p string) {
	o.mu.Lock()
	o.phase = p
	o.mu.Unlock()
}

// Status reports where the loop is.
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	st := Status{
		RunID:       o.runID,
		Selector:    o.strategy.Kind(),
		Simulated:   o.clock.Simulated(),
		Round:       o.number,
		Attempt:     o.attempt,
		CommRound:   o.cfg.CommRound,
		Phase:       o.phase,
		LastOutcome: o.lastOutcome,
	}
	if o.exploration != nil {
		v := *o.exploration
		st.Exploration = &v
	}
	o.mu.RUnlock()

	st.Clock = o.clock.Now()
	st.Registered = o.registry.Len()
	st.Blacklisted = o.registry.BlacklistedCount()
	return st
}

// Run loops until comm_round rounds are reconciled or ctx is done. Empty
// pools back off exponentially (on the simulated clock when there is one);
// discarded rounds are retried at once with a fresh selection. Any other
// error ends the run.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("run started",
		"run_id", o.RunID(),
		"selector", o.strategy.Kind(),
		"from_round", o.Round(),
		"comm_round", o.cfg.CommRound,
		"simulated", o.clock.Simulated(),
	)
	if selector.Tiered(o.strategy) {
		o.registry.Retier(o.cfg.TiFLTiers)
	}

	backoff := o.cfg.RetryBackoff
	for o.Round() < o.cfg.CommRound {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := o.RunRound(ctx)
		switch {
		case err == nil:
			backoff = o.cfg.RetryBackoff
		case errors.Is(err, model.ErrEmptyPool):
			o.setPhase(PhaseBackoff)
			o.logger.Warn("no eligible clients, backing off", "round", o.Round(), "backoff", backoff, "error", err)
			if err := o.clock.Sleep(ctx, backoff); err != nil {
				return err
			}
			backoff = min(backoff*2, o.cfg.MaxRetryBackoff)
		case errors.Is(err, model.ErrStragglers):
			o.logger.Info("round discarded, retrying with a fresh selection", "round", o.Round(), "error", err)
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			return fmt.Errorf("round %d: %w", o.Round(), err)
		}
	}

	o.setPhase(PhaseDone)
	o.logger.Info("run finished", "run_id", o.RunID(), "rounds", o.Round())
	return nil
}

// Start runs the loop until it finishes, ctx is cancelled or Stop is called.
// A stopped loop returns nil.
func (o *Orchestrator) Start(ctx context.Context) error {
	defer close(o.doneCh)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		select {
		case <-o.stopCh:
			close(stopped)
			cancel()
		case <-ctx.Done():
		}
	}()

	err := o.Run(ctx)
	select {
	case <-stopped:
		o.logger.Info("orchestrator stopping (stop called)")
		return nil
	default:
	}
	if err != nil && ctx.Err() != nil {
		o.logger.Info("orchestrator stopping (context cancelled)")
	}
	return err
}

// Stop cancels a running Start and waits for the current round to unwind.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stopCh) })
	<-o.doneCh
}
