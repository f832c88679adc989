// Package client is the runtime of a federated client: it registers with the
// coordinator, keeps itself reachable, checks out assignments and reports
// simulated local training results.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/me/flround/pkg/model"
)

// Config holds agent configuration.
type Config struct {
	ServerURL string
	ID        int
	Speed     float64 // seconds per local epoch
	Samples   int
	Poll      time.Duration
	// TimeScale converts simulated training seconds to wall time.
	// 0 reports immediately.
	TimeScale float64
	// FailureRate is the probability of reporting a failed round.
	FailureRate float64
	Seed        uint64
}

// Agent is the work loop of one client.
type Agent struct {
	client *Client
	cfg    Config
	rng    *rand.Rand
	logger *slog.Logger
}

// New creates an Agent from configuration.
func New(cfg Config, logger *slog.Logger) (*Agent, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("server url is required")
	}
	if cfg.ID < 0 {
		return nil, fmt.Errorf("client id %d is negative", cfg.ID)
	}
	if cfg.Speed <= 0 {
		return nil, fmt.Errorf("speed %g must be positive", cfg.Speed)
	}
	if cfg.FailureRate < 0 || cfg.FailureRate > 1 {
		return nil, fmt.Errorf("failure rate %g outside [0, 1]", cfg.FailureRate)
	}
	if cfg.Poll == 0 {
		cfg.Poll = 2 * time.Second
	}

	return &Agent{
		client: NewClient(cfg.ServerURL, cfg.ID),
		cfg:    cfg,
		rng:    rand.New(rand.NewPCG(cfg.Seed, uint64(cfg.ID))),
		logger: logger.With("component", "client", "client_id", cfg.ID),
	}, nil
}

// Run registers with the coordinator, then polls for assignments until the
// context is cancelled. Heartbeats run in a separate goroutine so the client
// stays reachable while it trains.
func (a *Agent) Run(ctx context.Context) error {
	rec, err := a.client.Register(ctx, a.cfg.Speed, a.cfg.Samples)
	if err != nil {
		return err
	}
	a.logger.Info("registered with coordinator",
		"speed", rec.Speed,
		"samples", rec.Samples,
		"participations", rec.Participations,
	)

	go a.heartbeatLoop(ctx)

	return a.workLoop(ctx)
}

// heartbeatLoop sends heartbeats at regular intervals until ctx is cancelled.
func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.client.Heartbeat(ctx); err != nil && ctx.Err() == nil {
				a.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

// workLoop polls for assignments until ctx is cancelled.
func (a *Agent) workLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("shutting down")
			return nil
		case <-ticker.C:
			if err := a.pollAndTrain(ctx); err != nil && ctx.Err() == nil {
				a.logger.Error("poll error", "error", err)
			}
		}
	}
}

// pollAndTrain checks for an assignment and, if there is one, trains and
// reports. Training blocks the loop; heartbeats continue in the background.
func (a *Agent) pollAndTrain(ctx context.Context) error {
	asg, err := a.client.Checkout(ctx)
	if err != nil {
		return err
	}
	if asg == nil {
		return nil
	}

	log := a.logger.With("round", asg.Round, "attempt", asg.Attempt)
	log.Info("assignment received", "epochs", asg.Epochs, "model", asg.ModelRef, "deadline", asg.Deadline)

	rep, err := a.train(ctx, *asg)
	if err != nil {
		return err
	}
	if err := a.client.Report(ctx, rep); err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) && apiErr.Code == model.ErrConflict {
			// The round closed before we finished.
			log.Warn("report rejected as late", "error", err)
			return nil
		}
		return err
	}
	log.Info("report sent", "success", rep.Success, "duration", rep.Duration)
	return nil
}

// train simulates local training. The elapsed time is speed × epochs
// simulated seconds, scaled to wall time by TimeScale.
func (a *Agent) train(ctx context.Context, asg model.Assignment) (model.Report, error) {
	epochs := max(asg.Epochs, 1)
	elapsed := a.cfg.Speed * float64(epochs)

	if wait := time.Duration(elapsed * a.cfg.TimeScale * float64(time.Second)); wait > 0 {
		select {
		case <-ctx.Done():
			return model.Report{}, ctx.Err()
		case <-time.After(wait):
		}
	}

	rep := model.Report{
		Round:    asg.Round,
		Attempt:  asg.Attempt,
		ClientID: a.cfg.ID,
		Duration: elapsed,
	}
	if a.rng.Float64() < a.cfg.FailureRate {
		rep.Error = "local training failed"
		return rep, nil
	}

	// Loss shrinks as rounds progress, with per-client noise.
	loss := (0.5 + a.rng.Float64()) / (1 + 0.1*float64(asg.Round))
	rep.Success = true
	rep.Update = &model.Update{
		NumSamples:    a.cfg.Samples,
		LossSquareSum: float64(a.cfg.Samples) * loss * loss,
	}
	return rep, nil
}
