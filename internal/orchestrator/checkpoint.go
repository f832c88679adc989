package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/me/flround/internal/store"
	"github.com/me/flround/pkg/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// maybeCheckpoint writes after a listed round, or after any round once a
// previous write failed.
func (o *Orchestrator) maybeCheckpoint(ctx context.Context, finished int) {
	if !o.cfg.IsCheckpointRound(finished) && !o.checkpointPending {
		return
	}
	err := o.Checkpoint(ctx, finished)
	o.metrics.Checkpoint(err)
	if err != nil {
		o.checkpointPending = true
		o.logger.Error("checkpoint failed, retrying after the next round", "round", finished, "error", err)
		return
	}
	o.checkpointPending = false
}

// Checkpoint writes the state the next round starts from under the run id
// and key. The write is bounded by checkpoint_timeout.
func (o *Orchestrator) Checkpoint(ctx context.Context, key int) error {
	ctx, span := o.tracer.Start(ctx, "checkpoint", trace.WithAttributes(attribute.Int("key", key)))
	defer span.End()

	cp, err := o.snapshot()
	if err != nil {
		span.SetStatus(codes.Error, "snapshot")
		return &model.CheckpointIOError{Op: "snapshot", Round: key, Err: err}
	}
	blob, err := json.Marshal(cp)
	if err != nil {
		span.SetStatus(codes.Error, "encode")
		return &model.CheckpointIOError{Op: "encode", Round: key, Err: err}
	}

	wctx, cancel := context.WithTimeout(ctx, o.cfg.CheckpointTimeout)
	defer cancel()
	if err := o.store.Write(wctx, cp.RunID, key, blob); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "write")
		return &model.CheckpointIOError{Op: "write", Round: key, Err: err}
	}
	o.logger.Info("checkpoint written", "key", key, "next_round", cp.Round, "bytes", len(blob))
	return nil
}

func (o *Orchestrator) snapshot() (*model.Checkpoint, error) {
	rngState, err := o.pcg.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal rng: %w", err)
	}
	strategyState, err := o.strategy.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", o.strategy.Kind(), err)
	}
	number, _ := o.position()
	return &model.Checkpoint{
		Version:   model.CheckpointVersion,
		RunID:     o.RunID(),
		Round:     number,
		Selector:  o.strategy.Kind(),
		ClockTime: o.clock.Now(),
		RNG:       rngState,
		Clients:   o.registry.Snapshot(),
		Strategy:  strategyState,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Resume restores round number, registry, strategy state, random source and
// simulated clock from the latest checkpoint of the run that wrote to src
// last. Any problem is a *model.ResumeCorruptionError; nothing is changed
// unless every part decodes.
func (o *Orchestrator) Resume(ctx context.Context, src store.CheckpointStore) error {
	saved, err := src.ReadLatest(ctx)
	if err != nil {
		return &model.ResumeCorruptionError{Reason: "read latest checkpoint", Err: err}
	}
	key := saved.Round

	var cp model.Checkpoint
	if err := json.Unmarshal(saved.Blob, &cp); err != nil {
		return &model.ResumeCorruptionError{Reason: fmt.Sprintf("decode checkpoint %s/%d", saved.RunID, key), Err: err}
	}
	if reason := o.checkCompatible(saved.RunID, key, &cp); reason != "" {
		return &model.ResumeCorruptionError{Reason: reason}
	}

	var pcg rand.PCG
	if err := pcg.UnmarshalBinary(cp.RNG); err != nil {
		return &model.ResumeCorruptionError{Reason: "decode random source", Err: err}
	}
	if err := o.strategy.Restore(cp.Strategy); err != nil {
		return &model.ResumeCorruptionError{Reason: fmt.Sprintf("restore %s state", cp.Selector), Err: err}
	}

	o.registry.Restore(cp.Clients)
	*o.pcg = pcg
	if o.clock.Simulated() {
		if setter, ok := o.clock.(interface{ Set(time.Time) }); ok {
			setter.Set(cp.ClockTime)
		}
	}

	o.mu.Lock()
	o.runID = cp.RunID
	o.number = cp.Round
	o.attempt = 0
	o.mu.Unlock()

	o.logger.Info("resumed from checkpoint",
		"run_id", cp.RunID,
		"key", key,
		"next_round", cp.Round,
		"clients", len(cp.Clients),
		"created_at", cp.CreatedAt,
	)
	return nil
}

func (o *Orchestrator) checkCompatible(runID string, key int, cp *model.Checkpoint) string {
	switch {
	case cp.Version != model.CheckpointVersion:
		return fmt.Sprintf("checkpoint version %d, expected %d", cp.Version, model.CheckpointVersion)
	case cp.Selector != o.strategy.Kind():
		return fmt.Sprintf("checkpoint taken with selector %q, configured %q", cp.Selector, o.strategy.Kind())
	case cp.Round != key+1:
		return fmt.Sprintf("checkpoint %d resumes at round %d", key, cp.Round)
	case cp.RunID == "":
		return "checkpoint has no run id"
	case cp.RunID != runID:
		return fmt.Sprintf("checkpoint of run %q stored under run %q", cp.RunID, runID)
	case len(cp.Clients) == 0:
		return "checkpoint has no clients"
	case len(cp.RNG) == 0:
		return "checkpoint has no random source"
	}
	seen := make(map[int]bool, len(cp.Clients))
	for _, c := range cp.Clients {
		if seen[c.ID] {
			return fmt.Sprintf("client %d appears twice", c.ID)
		}
		seen[c.ID] = true
		if c.Speed <= 0 || c.Credit < 0 || c.BlacklistCount < 0 {
			return fmt.Sprintf("client %d has invalid fields", c.ID)
		}
	}
	return ""
}
