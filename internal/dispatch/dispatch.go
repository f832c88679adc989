// Package dispatch delivers round assignments to clients and streams their
// reports back to the round controller.
package dispatch

import (
	"context"
	"errors"

	"github.com/me/flround/pkg/model"
)

// Dispatcher is the client runtime boundary.
type Dispatcher interface {
	// Dispatch hands out the assignments of one round and returns the
	// channel its reports arrive on. It does not wait for clients. The
	// channel is closed once no further report can arrive.
	Dispatch(ctx context.Context, round int, assignments []model.Assignment) (<-chan model.Report, error)

	// Retire drops whatever is still outstanding for round. Reports for a
	// retired round are rejected.
	Retire(round int)
}

// ClientSource looks up client records.
type ClientSource interface {
	Get(id int) (model.Client, bool)
}

// ErrStaleReport is returned for reports whose round is no longer open.
var ErrStaleReport = errors.New("report for a round that is not open")
