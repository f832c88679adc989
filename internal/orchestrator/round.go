package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/me/flround/internal/logging"
	"github.com/me/flround/internal/registry"
	"github.com/me/flround/internal/round"
	"github.com/me/flround/internal/selector"
	"github.com/me/flround/pkg/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RunRound runs one attempt of the current round. On success the round
// number advances. A *model.StragglerError means the attempt was discarded
// and the next call retries the same number; a *model.EmptyPoolError means
// nothing was dispatched.
func (o *Orchestrator) RunRound(ctx context.Context) (*model.Round, error) {
	number, attempt := o.position()
	ctx, span := o.tracer.Start(ctx, "round", trace.WithAttributes(
		attribute.String("run_id", o.RunID()),
		attribute.Int("round", number),
		attribute.Int("attempt", attempt),
		attribute.String("selector", o.strategy.Kind()),
	))
	defer span.End()
	log := logging.ForRound(o.logger, o.RunID(), number, attempt)
	o.metrics.SetRound(number)

	// Phase 1: select from the eligible, reachable pool.
	o.setPhase(PhaseSelecting)
	selected, err := o.selectClients(ctx, number)
	if err != nil {
		o.metrics.EmptyPool()
		span.SetStatus(codes.Error, "empty pool")
		return nil, err
	}

	// Phase 2: dispatch and wait at the round barrier.
	now := o.clock.Now()
	r := round.Open(o.RunID(), number, attempt, o.strategy.Kind(), model.ClientIDs(selected), o.cfg.Timeout(), now)
	assignments := make([]model.Assignment, len(selected))
	for i, c := range selected {
		assignments[i] = model.Assignment{
			Round:    number,
			Attempt:  attempt,
			ClientID: c.ID,
			ModelRef: o.cfg.ModelRef,
			Deadline: r.Deadline,
			Epochs:   o.cfg.Epochs,
		}
	}
	log.Info("round opened", "selected", r.Selected, "deadline", r.Deadline)

	o.setPhase(PhaseAwaiting)
	res, awaitErr := o.await(ctx, r, assignments)
	if awaitErr != nil && !errors.Is(awaitErr, model.ErrStragglers) {
		span.RecordError(awaitErr)
		span.SetStatus(codes.Error, "await failed")
		return r, awaitErr
	}
	if o.clock.Simulated() {
		o.clock.Advance(res.Elapsed)
	}

	// Phase 3: reconcile, sequentially, before anything selects again.
	o.setPhase(PhaseReconciling)
	discarded := awaitErr != nil
	o.reconcile(ctx, r, selected, res, discarded)
	o.metrics.RecordRound(r.Outcome, res.Elapsed, len(res.Stragglers))
	o.metrics.RecordReports(len(res.Completed), len(res.Failed), len(res.Late))
	o.metrics.SetFleet(o.registry.Len(), o.registry.BlacklistedCount())

	o.mu.Lock()
	o.lastOutcome = r.Outcome
	if discarded {
		o.attempt++
	} else {
		o.number++
		o.attempt = 0
	}
	o.mu.Unlock()

	if discarded {
		span.RecordError(awaitErr)
		span.SetStatus(codes.Error, r.Outcome)
		return r, awaitErr
	}

	// Phase 4: checkpoint the state the next round starts from.
	o.maybeCheckpoint(ctx, number)
	o.setPhase(PhaseIdle)
	return r, nil
}

func (o *Orchestrator) selectClients(ctx context.Context, number int) ([]model.Client, error) {
	_, span := o.tracer.Start(ctx, "select")
	defer span.End()

	now := o.clock.Now()
	var pool []model.Client
	for _, c := range o.registry.List(true) {
		if o.oracle.IsReachable(c, now) {
			pool = append(pool, c)
		}
	}
	span.SetAttributes(attribute.Int("pool", len(pool)))
	if len(pool) == 0 {
		return nil, &model.EmptyPoolError{Round: number, Total: o.registry.Len()}
	}

	selected := o.strategy.Select(o.rng, pool, o.cfg.ClientNumPerRound, number)
	span.SetAttributes(attribute.Int("selected", len(selected)))
	if len(selected) == 0 {
		return nil, &model.EmptyPoolError{Round: number, Total: o.registry.Len()}
	}
	o.metrics.RecordSelection(o.strategy.Kind(), len(selected))
	return selected, nil
}

func (o *Orchestrator) await(ctx context.Context, r *model.Round, assignments []model.Assignment) (round.Result, error) {
	ctx, span := o.tracer.Start(ctx, "await", trace.WithAttributes(attribute.Int("assignments", len(assignments))))
	defer span.End()

	reports, err := o.dispatcher.Dispatch(ctx, r.Number, assignments)
	if err != nil {
		return round.Result{}, fmt.Errorf("dispatch round %d: %w", r.Number, err)
	}
	defer o.dispatcher.Retire(r.Number)

	res, err := o.controller.Await(ctx, r, reports)
	span.SetAttributes(
		attribute.String("reason", res.Reason),
		attribute.Int("completed", len(res.Completed)),
		attribute.Int("stragglers", len(res.Stragglers)),
	)
	return res, err
}

// reconcile applies a closed attempt. Stragglers always count as failures.
// Completed clients only earn credit when the round is kept; a discarded
// attempt's updates never reach the aggregator.
func (o *Orchestrator) reconcile(ctx context.Context, r *model.Round, selected []model.Client, res round.Result, discarded bool) {
	ctx, span := o.tracer.Start(ctx, "reconcile", trace.WithAttributes(attribute.Bool("discarded", discarded)))
	defer span.End()
	log := logging.ForRound(o.logger, r.RunID, r.Number, r.Attempt)

	fb := selector.Feedback{
		Round:      r.Number,
		Advanced:   !discarded,
		Selected:   selected,
		Durations:  make(map[int]float64, len(res.Completed)),
		Utilities:  make(map[int]float64, len(res.Completed)),
		Stragglers: res.Stragglers,
	}
	for _, u := range res.Completed {
		fb.Durations[u.ClientID] = u.Duration
		fb.Utilities[u.ClientID] = u.Update.Utility()
	}

	for _, c := range selected {
		d, ok := fb.Durations[c.ID]
		switch {
		case ok && discarded:
			continue
		case ok:
			o.registry.RecordOutcome(registry.Outcome{
				ClientID: c.ID,
				Round:    r.Number,
				Success:  true,
				Duration: d,
				Utility:  fb.Utilities[c.ID],
			})
		default:
			o.registry.RecordOutcome(registry.Outcome{ClientID: c.ID, Round: r.Number})
		}
	}

	if n := o.registry.ApplyRefreshes(); n > 0 {
		log.Debug("re-registrations applied", "clients", n)
	}
	o.strategy.Observe(fb)
	if selector.Tiered(o.strategy) {
		o.registry.Retier(o.cfg.TiFLTiers)
	}
	if oort, ok := o.strategy.(*selector.Oort); ok {
		v := oort.Exploration()
		o.mu.Lock()
		o.exploration = &v
		o.mu.Unlock()
		o.metrics.SetExploration(v)
	}

	to, outcome := model.RoundStateReconciled, model.OutcomeCompleted
	if discarded {
		to, outcome = model.RoundStateDiscarded, model.OutcomeStraggler
		if len(res.Completed) == 0 {
			outcome = model.OutcomeNoResults
		}
	}
	if err := round.Finish(r, to, outcome); err != nil {
		// Await always leaves the round CLOSED.
		panic(err)
	}
	if err := o.store.AppendRound(ctx, r); err != nil {
		log.Error("append round history", "error", err)
	}

	if !discarded {
		if err := o.aggregator.Aggregate(ctx, r.Number, res.Completed); err != nil {
			span.RecordError(err)
			log.Error("aggregate", "error", err)
		}
	}
	log.Info("round reconciled",
		"state", r.State,
		"outcome", r.Outcome,
		"completed", len(res.Completed),
		"stragglers", res.Stragglers,
		"elapsed", res.Elapsed,
	)
}
