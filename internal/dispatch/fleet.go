package dispatch

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/me/flround/internal/oracle"
	"github.com/me/flround/pkg/model"
	"golang.org/x/sync/errgroup"
)

// Fleet plays the selected clients in simulated time. Each client trains for
// speed × epochs seconds with seeded jitter, and only reports if its
// availability trace keeps it online for the whole run.
type Fleet struct {
	clients ClientSource
	oracle  *oracle.Simulated
	clock   oracle.Clock
	seed    int64
	epochs  int
	workers int
	logger  *slog.Logger
}

// FleetConfig holds simulation parameters.
type FleetConfig struct {
	Seed    int64
	Epochs  int
	Workers int // concurrent client simulations
}

// NewFleet creates a simulated fleet.
func NewFleet(clients ClientSource, orc *oracle.Simulated, clock oracle.Clock, cfg FleetConfig, logger *slog.Logger) *Fleet {
	if cfg.Workers < 1 {
		cfg.Workers = 8
	}
	return &Fleet{
		clients: clients,
		oracle:  orc,
		clock:   clock,
		seed:    cfg.Seed,
		epochs:  max(cfg.Epochs, 1),
		workers: cfg.Workers,
		logger:  logger.With("component", "fleet"),
	}
}

func (f *Fleet) Dispatch(ctx context.Context, round int, assignments []model.Assignment) (<-chan model.Report, error) {
	now := f.clock.Now()
	results := make([]*model.Report, len(assignments))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.workers)
	for i, a := range assignments {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			c, ok := f.clients.Get(a.ClientID)
			if !ok {
				return fmt.Errorf("dispatch round %d: unknown client %d", round, a.ClientID)
			}
			results[i] = f.train(a, c, now)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Deliver in simulated arrival order.
	var arrived []model.Report
	for _, r := range results {
		if r != nil {
			arrived = append(arrived, *r)
		}
	}
	slices.SortFunc(arrived, func(a, b model.Report) int {
		if c := cmp.Compare(a.Duration, b.Duration); c != 0 {
			return c
		}
		return cmp.Compare(a.ClientID, b.ClientID)
	})

	ch := make(chan model.Report, len(arrived))
	for _, r := range arrived {
		ch <- r
	}
	close(ch)
	f.logger.Debug("round simulated", "round", round, "dispatched", len(assignments), "reported", len(arrived))
	return ch, nil
}

// train returns the client's report, or nil if it drops out mid-round.
func (f *Fleet) train(a model.Assignment, c model.Client, start time.Time) *model.Report {
	rng := rand.New(rand.NewPCG(uint64(f.seed)^uint64(a.Round)<<32^uint64(a.Attempt)<<16, uint64(c.ID)))
	jitter := math.Exp(0.1 * rng.NormFloat64())
	duration := c.Speed * float64(f.epochs) * jitter

	if !f.oracle.OnlineThrough(c, start, time.Duration(duration*float64(time.Second))) {
		return nil
	}

	// Loss shrinks as a client keeps participating; clients with more data
	// carry more total loss and therefore more utility.
	loss := (0.5 + rng.Float64()) * math.Exp(-0.1*float64(c.Participations))
	return &model.Report{
		Round:    a.Round,
		Attempt:  a.Attempt,
		ClientID: c.ID,
		Success:  true,
		Duration: math.Round(duration*1000) / 1000,
		Update: &model.Update{
			NumSamples:    c.Samples,
			LossSquareSum: float64(c.Samples) * loss * loss,
		},
	}
}

func (f *Fleet) Retire(int) {}
