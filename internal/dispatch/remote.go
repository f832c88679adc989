package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/me/flround/pkg/model"
)

// Remote is a mailbox for clients that connect over HTTP. Dispatch parks
// assignments until each client checks out its work; Deliver feeds reports
// into the open round.
type Remote struct {
	mu      sync.Mutex
	round   int
	attempt int
	open    bool
	pending map[int]model.Assignment
	reports chan model.Report
	logger  *slog.Logger
}

// NewRemote creates an empty mailbox.
func NewRemote(logger *slog.Logger) *Remote {
	return &Remote{
		pending: make(map[int]model.Assignment),
		logger:  logger.With("component", "remote-dispatch"),
	}
}

func (r *Remote) Dispatch(_ context.Context, round int, assignments []model.Assignment) (<-chan model.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.open {
		r.retireLocked()
	}
	r.round = round
	r.attempt = 0
	if len(assignments) > 0 {
		r.attempt = assignments[0].Attempt
	}
	r.open = true
	r.pending = make(map[int]model.Assignment, len(assignments))
	for _, a := range assignments {
		r.pending[a.ClientID] = a
	}
	// One slot per client; duplicates beyond that are dropped in Deliver.
	r.reports = make(chan model.Report, len(assignments))
	r.logger.Debug("assignments parked", "round", round, "clients", len(assignments))
	return r.reports, nil
}

// Checkout hands a client its assignment, at most once per round.
func (r *Remote) Checkout(clientID int) (model.Assignment, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.pending[clientID]
	if ok {
		delete(r.pending, clientID)
	}
	return a, ok
}

// Deliver forwards a report to the open round.
func (r *Remote) Deliver(rep model.Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.open || rep.Round != r.round || rep.Attempt != r.attempt {
		return fmt.Errorf("round %d: %w", rep.Round, ErrStaleReport)
	}
	select {
	case r.reports <- rep:
	default:
		r.logger.Warn("report buffer full, dropping", "round", rep.Round, "client_id", rep.ClientID)
	}
	return nil
}

// Outstanding lists clients that have not yet checked out their work.
func (r *Remote) Outstanding() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// CurrentRound returns the open round number, if any.
func (r *Remote) CurrentRound() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.round, r.open
}

func (r *Remote) Retire(round int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.open && r.round == round {
		r.retireLocked()
	}
}

func (r *Remote) retireLocked() {
	close(r.reports)
	r.reports = nil
	r.open = false
	r.pending = make(map[int]model.Assignment)
}
