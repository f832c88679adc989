package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/me/flround/pkg/model"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps checkpoints and round history in Redis so several
// coordinators (or a restarted one on another host) can share them.
// Checkpoints are plain keys indexed per run by a sorted set scored by
// round; a second sorted set orders runs by their last write.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	logger    *slog.Logger
}

// NewRedisStore connects to addr. namespace separates runs writing to the
// same server (the output or resume directory is used).
func NewRedisStore(ctx context.Context, addr, namespace string, logger *slog.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", addr, err)
	}

	return &RedisStore{
		client:    client,
		keyPrefix: "flround:" + namespace + ":",
		logger:    logger.With("component", "store", "backend", "redis"),
	}, nil
}

// Close closes the store
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Migrate only checks connectivity; Redis needs no schema.
func (s *RedisStore) Migrate(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) checkpointKey(runID string, round int) string {
	return s.keyPrefix + "checkpoint:" + runID + ":" + strconv.Itoa(round)
}

// checkpointIndexKey is a sorted set of one run's rounds.
func (s *RedisStore) checkpointIndexKey(runID string) string {
	return s.keyPrefix + "checkpoints:" + runID
}

// checkpointRunsKey is a sorted set of run ids scored by their last write.
func (s *RedisStore) checkpointRunsKey() string {
	return s.keyPrefix + "checkpoint-runs"
}

func (s *RedisStore) checkpointSeqKey() string {
	return s.keyPrefix + "checkpoint-seq"
}

func (s *RedisStore) roundsKey(runID string) string {
	return s.keyPrefix + "rounds:" + runID
}

func (s *RedisStore) runsKey() string {
	return s.keyPrefix + "runs"
}

func (s *RedisStore) Write(ctx context.Context, runID string, round int, blob []byte) error {
	seq, err := s.client.Incr(ctx, s.checkpointSeqKey()).Result()
	if err != nil {
		return fmt.Errorf("write checkpoint %s/%d: %w", runID, round, err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.checkpointKey(runID, round), blob, 0)
	pipe.ZAdd(ctx, s.checkpointIndexKey(runID), redis.Z{Score: float64(round), Member: strconv.Itoa(round)})
	pipe.ZAdd(ctx, s.checkpointRunsKey(), redis.Z{Score: float64(seq), Member: runID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write checkpoint %s/%d: %w", runID, round, err)
	}
	s.logger.Debug("checkpoint written", "run_id", runID, "round", round, "bytes", len(blob))
	return nil
}

func (s *RedisStore) ReadLatest(ctx context.Context) (Saved, error) {
	runs, err := s.client.ZRevRange(ctx, s.checkpointRunsKey(), 0, 0).Result()
	if err != nil {
		return Saved{}, fmt.Errorf("read checkpoint runs: %w", err)
	}
	if len(runs) == 0 {
		return Saved{}, ErrNoCheckpoint
	}
	runID := runs[0]
	members, err := s.client.ZRevRange(ctx, s.checkpointIndexKey(runID), 0, 0).Result()
	if err != nil {
		return Saved{}, fmt.Errorf("read checkpoint index of %s: %w", runID, err)
	}
	if len(members) == 0 {
		return Saved{}, fmt.Errorf("run %s indexed without checkpoints: %w", runID, ErrNoCheckpoint)
	}
	round, err := strconv.Atoi(members[0])
	if err != nil {
		return Saved{}, fmt.Errorf("checkpoint index member %q: %w", members[0], err)
	}
	blob, err := s.client.Get(ctx, s.checkpointKey(runID, round)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Saved{}, fmt.Errorf("checkpoint %s/%d indexed but missing: %w", runID, round, ErrNoCheckpoint)
	}
	if err != nil {
		return Saved{}, fmt.Errorf("read checkpoint %s/%d: %w", runID, round, err)
	}
	return Saved{RunID: runID, Round: round, Blob: blob}, nil
}

func (s *RedisStore) AppendRound(ctx context.Context, r *model.Round) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal round: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, s.roundsKey(r.RunID), data)
	pipe.SAdd(ctx, s.runsKey(), r.RunID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append round %d/%d: %w", r.Number, r.Attempt, err)
	}
	return nil
}

func (s *RedisStore) ListRounds(ctx context.Context, q model.RoundQuery) ([]*model.Round, int, error) {
	runs := []string{q.RunID}
	if q.RunID == "" {
		var err error
		runs, err = s.client.SMembers(ctx, s.runsKey()).Result()
		if err != nil {
			return nil, 0, fmt.Errorf("list runs: %w", err)
		}
	}

	var all []*model.Round
	for _, run := range runs {
		raw, err := s.client.LRange(ctx, s.roundsKey(run), 0, -1).Result()
		if err != nil {
			return nil, 0, fmt.Errorf("list rounds of %s: %w", run, err)
		}
		for _, item := range raw {
			var r model.Round
			if err := json.Unmarshal([]byte(item), &r); err != nil {
				return nil, 0, fmt.Errorf("decode round: %w", err)
			}
			if !q.Matches(&r) {
				continue
			}
			all = append(all, &r)
		}
	}
	sortNewestFirst(all)
	return page(all, q), len(all), nil
}

func sortNewestFirst(rounds []*model.Round) {
	slices.SortStableFunc(rounds, func(a, b *model.Round) int {
		if c := b.StartedAt.Compare(a.StartedAt); c != 0 {
			return c
		}
		if a.Number != b.Number {
			return b.Number - a.Number
		}
		return b.Attempt - a.Attempt
	})
}
