// Package round implements the per-round timeout controller: the OPEN to
// CLOSED transition and the split of selected clients into completed and
// stragglers.
package round

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/me/flround/internal/oracle"
	"github.com/me/flround/pkg/model"
)

// Close reasons.
const (
	ClosedAllReported = "all_reported"
	ClosedDeadline    = "deadline"
	ClosedStreamEnded = "stream_closed"
	ClosedCancelled   = "cancelled"
)

// Result is what a closed round yields.
type Result struct {
	Completed  []model.ClientUpdate // arrival order
	Stragglers []int                // selection order
	Failed     []int                // stragglers that reported failure
	Late       []int                // stragglers that reported after the deadline
	Reason     string
	// Elapsed is the time the round took: the slowest completed report when
	// everyone finished, otherwise the full timeout.
	Elapsed time.Duration
}

// CompletedIDs lists completed client ids in arrival order.
func (r Result) CompletedIDs() []int {
	ids := make([]int, len(r.Completed))
	for i, u := range r.Completed {
		ids[i] = u.ClientID
	}
	return ids
}

// Controller awaits reports for one round at a time.
type Controller struct {
	clock       oracle.Clock
	allowFailed bool
	logger      *slog.Logger
}

// NewController creates a controller. With allowFailed, rounds with some
// stragglers still succeed as long as at least one client completed.
func NewController(clock oracle.Clock, allowFailed bool, logger *slog.Logger) *Controller {
	return &Controller{clock: clock, allowFailed: allowFailed, logger: logger.With("component", "round")}
}

// Await collects reports for an OPEN round until every selected client has
// answered, the deadline passes, the report stream ends, or ctx is done.
// The round is moved to CLOSED and its Completed/Stragglers/FailedReports
// fields filled. Reports arriving after Await returns are never read.
//
// The error is a *model.StragglerError when the round cannot be used (any
// straggler without allowFailed, or nothing completed), or ctx.Err().
func (c *Controller) Await(ctx context.Context, r *model.Round, reports <-chan model.Report) (Result, error) {
	if r.State != model.RoundStateOpen {
		return Result{}, invalidTransition(r, model.RoundStateClosed)
	}

	selected := make(map[int]bool, len(r.Selected))
	for _, id := range r.Selected {
		selected[id] = true
	}
	pending := len(r.Selected)
	answered := make(map[int]bool, len(r.Selected))

	var res Result
	var slowest float64
	timeout := r.Timeout.Seconds()
	deadline := c.clock.After(r.Timeout)

	if pending == 0 {
		res.Reason = ClosedAllReported
	}
	for pending > 0 && res.Reason == "" {
		select {
		case <-ctx.Done():
			res.Reason = ClosedCancelled
		case <-deadline:
			res.Reason = ClosedDeadline
		case rep, ok := <-reports:
			if !ok {
				res.Reason = ClosedStreamEnded
				break
			}
			log := c.logger.With("round", r.Number, "client_id", rep.ClientID)
			switch {
			case rep.Round != r.Number || rep.Attempt != r.Attempt:
				log.Debug("report for another round ignored", "report_round", rep.Round, "report_attempt", rep.Attempt)
				continue
			case !selected[rep.ClientID]:
				log.Warn("report from unselected client ignored")
				continue
			case answered[rep.ClientID]:
				log.Debug("duplicate report ignored")
				continue
			}
			answered[rep.ClientID] = true
			pending--

			switch {
			case !rep.Success || rep.Update == nil:
				msg := rep.Error
				if msg == "" && rep.Success {
					msg = "success reported without an update"
				}
				err := &model.ClientReportError{Round: r.Number, ClientID: rep.ClientID, Message: msg}
				log.Info("client reported failure", "error", err)
				res.Failed = append(res.Failed, rep.ClientID)
			case rep.Duration > timeout:
				log.Info("client finished after the deadline", "duration", rep.Duration, "timeout", timeout)
				res.Late = append(res.Late, rep.ClientID)
			default:
				res.Completed = append(res.Completed, model.ClientUpdate{
					ClientID: rep.ClientID,
					Duration: rep.Duration,
					Update:   *rep.Update,
				})
				slowest = max(slowest, rep.Duration)
			}
		}
	}
	if res.Reason == "" {
		res.Reason = ClosedAllReported
	}

	done := make(map[int]bool, len(res.Completed))
	for _, u := range res.Completed {
		done[u.ClientID] = true
	}
	for _, id := range r.Selected {
		if !done[id] {
			res.Stragglers = append(res.Stragglers, id)
		}
	}
	if len(res.Stragglers) == 0 {
		res.Elapsed = time.Duration(slowest * float64(time.Second))
	} else {
		res.Elapsed = r.Timeout
	}

	now := c.clock.Now()
	r.State = model.RoundStateClosed
	r.EndedAt = &now
	r.Completed = res.CompletedIDs()
	r.Stragglers = slices.Clone(res.Stragglers)
	r.FailedReports = slices.Clone(res.Failed)

	c.logger.Info("round closed",
		"round", r.Number,
		"attempt", r.Attempt,
		"reason", res.Reason,
		"completed", len(res.Completed),
		"stragglers", len(res.Stragglers),
	)

	if res.Reason == ClosedCancelled {
		return res, ctx.Err()
	}
	return res, c.verdict(r, res)
}

func (c *Controller) verdict(r *model.Round, res Result) error {
	if len(res.Stragglers) == 0 {
		return nil
	}
	if c.allowFailed && len(res.Completed) > 0 {
		return nil
	}
	return &model.StragglerError{Round: r.Number, Stragglers: res.Stragglers, Completed: len(res.Completed)}
}

// Open prepares a round record in the OPEN state.
func Open(runID string, number, attempt int, selector string, selected []int, timeout time.Duration, now time.Time) *model.Round {
	return &model.Round{
		RunID:     runID,
		Number:    number,
		Attempt:   attempt,
		State:     model.RoundStateOpen,
		Selector:  selector,
		Timeout:   timeout,
		Deadline:  now.Add(timeout),
		Selected:  slices.Clone(selected),
		StartedAt: now,
	}
}

// Finish moves a CLOSED round to RECONCILED or DISCARDED.
func Finish(r *model.Round, to model.RoundState, outcome string) error {
	if !r.State.CanTransitionTo(to) {
		return invalidTransition(r, to)
	}
	r.State = to
	r.Outcome = outcome
	return nil
}

func invalidTransition(r *model.Round, to model.RoundState) error {
	return &model.InvalidTransitionError{
		Entity: "round",
		ID:     fmt.Sprintf("%d/%d", r.Number, r.Attempt),
		From:   string(r.State),
		To:     string(to),
	}
}
