// Package store persists checkpoints and the append-only round history.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/me/flround/pkg/model"
)

// ErrNoCheckpoint is returned by ReadLatest when nothing has been written.
var ErrNoCheckpoint = errors.New("no checkpoint stored")

// Saved is one stored checkpoint.
type Saved struct {
	RunID string
	Round int
	Blob  []byte
}

// CheckpointStore keeps opaque checkpoint blobs keyed by run and round.
// Several runs may share one store (the same output directory or Redis
// namespace); their checkpoints never overwrite each other.
type CheckpointStore interface {
	Write(ctx context.Context, runID string, round int, blob []byte) error
	// ReadLatest returns the highest-round checkpoint of the run that wrote
	// most recently.
	ReadLatest(ctx context.Context) (Saved, error)
}

// RoundLog is the append-only history of round attempts.
type RoundLog interface {
	AppendRound(ctx context.Context, r *model.Round) error
	// ListRounds returns the rounds matching q, newest first, with the total
	// count before paging.
	ListRounds(ctx context.Context, q model.RoundQuery) ([]*model.Round, int, error)
}

// Store is a complete persistence backend.
type Store interface {
	CheckpointStore
	RoundLog

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Backend names.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// DBFile is the SQLite file name inside an output or resume directory.
const DBFile = "checkpoints.db"

// Options select and address a backend.
type Options struct {
	Backend string
	// Dir holds the SQLite file, and namespaces Redis keys.
	Dir       string
	RedisAddr string
}

// Open opens and migrates the configured backend.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (Store, error) {
	var st Store
	var err error
	switch opts.Backend {
	case BackendSQLite, "":
		st, err = NewSQLiteStore(filepath.Join(opts.Dir, DBFile), logger)
	case BackendRedis:
		st, err = NewRedisStore(ctx, opts.RedisAddr, opts.Dir, logger)
	case BackendMemory:
		st = NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", opts.Backend)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate %s store: %w", opts.Backend, err)
	}
	return st, nil
}

// page applies offset/limit to an already ordered slice.
func page[T any](items []T, q model.RoundQuery) []T {
	q.Clamp()
	if q.Offset >= len(items) {
		return nil
	}
	end := min(q.Offset+q.Limit, len(items))
	return items[q.Offset:end]
}
