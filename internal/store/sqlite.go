package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/me/flround/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// OpenSQLiteReadOnly opens an existing database for resuming. A missing file
// is reported as ErrNoCheckpoint rather than silently creating one.
func OpenSQLiteReadOnly(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if _, err := os.Stat(dbPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", dbPath, ErrNoCheckpoint)
		}
		return nil, err
	}
	db, err := sql.Open("sqlite", "file:"+dbPath+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	return &SQLiteStore{db: db, logger: logger.With("component", "store")}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// --- Checkpoints ---

// timeLayout is RFC 3339 with a fixed nine-digit fraction, so text order of
// stored timestamps matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// Write upserts one checkpoint. written is a store-wide sequence that
// records which run wrote last.
func (s *SQLiteStore) Write(ctx context.Context, runID string, round int, blob []byte) error {
	s.logger.Debug("sql", "op", "upsert", "table", "checkpoints", "run_id", runID, "round", round, "bytes", len(blob))
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (run_id, round, blob, created_at, written)
		 VALUES (?, ?, ?, ?, (SELECT COALESCE(MAX(written), 0) + 1 FROM checkpoints))
		 ON CONFLICT(run_id, round) DO UPDATE SET
		   blob = excluded.blob, created_at = excluded.created_at, written = excluded.written`,
		runID, round, blob, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("write checkpoint %s/%d: %w", runID, round, err)
	}
	return nil
}

func (s *SQLiteStore) ReadLatest(ctx context.Context) (Saved, error) {
	s.logger.Debug("sql", "op", "select", "table", "checkpoints", "latest", true)
	var saved Saved
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, round, blob FROM checkpoints
		 WHERE run_id = (SELECT run_id FROM checkpoints ORDER BY written DESC LIMIT 1)
		 ORDER BY round DESC LIMIT 1`,
	).Scan(&saved.RunID, &saved.Round, &saved.Blob)
	if errors.Is(err, sql.ErrNoRows) {
		return Saved{}, ErrNoCheckpoint
	}
	if err != nil {
		return Saved{}, fmt.Errorf("read latest checkpoint: %w", err)
	}
	return saved, nil
}

// --- Round history ---

func (s *SQLiteStore) AppendRound(ctx context.Context, r *model.Round) error {
	s.logger.Debug("sql", "op", "insert", "table", "rounds", "round", r.Number, "attempt", r.Attempt)

	selected, err := json.Marshal(orEmpty(r.Selected))
	if err != nil {
		return fmt.Errorf("marshal selected: %w", err)
	}
	completed, err := json.Marshal(orEmpty(r.Completed))
	if err != nil {
		return fmt.Errorf("marshal completed: %w", err)
	}
	stragglers, err := json.Marshal(orEmpty(r.Stragglers))
	if err != nil {
		return fmt.Errorf("marshal stragglers: %w", err)
	}
	failed, err := json.Marshal(orEmpty(r.FailedReports))
	if err != nil {
		return fmt.Errorf("marshal failed reports: %w", err)
	}

	var endedAt *string
	if r.EndedAt != nil {
		v := formatTime(*r.EndedAt)
		endedAt = &v
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rounds (run_id, number, attempt, state, outcome, selector, timeout_ms, deadline,
		 selected, completed, stragglers, failed_reports, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Number, r.Attempt, string(r.State), r.Outcome, r.Selector,
		r.Timeout.Milliseconds(), formatTime(r.Deadline),
		string(selected), string(completed), string(stragglers), string(failed),
		formatTime(r.StartedAt), endedAt,
	)
	if err != nil {
		return fmt.Errorf("append round %d/%d: %w", r.Number, r.Attempt, err)
	}
	return nil
}

func (s *SQLiteStore) ListRounds(ctx context.Context, q model.RoundQuery) ([]*model.Round, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "rounds", "limit", q.Limit, "offset", q.Offset)
	q.Clamp()

	var whereClauses []string
	var countArgs []any
	if q.RunID != "" {
		whereClauses = append(whereClauses, "run_id = ?")
		countArgs = append(countArgs, q.RunID)
	}
	if q.State != "" {
		whereClauses = append(whereClauses, "state = ?")
		countArgs = append(countArgs, string(q.State))
	}
	whereSQL := ""
	if len(whereClauses) > 0 {
		whereSQL = " WHERE " + strings.Join(whereClauses, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rounds`+whereSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	listQuery := `SELECT run_id, number, attempt, state, outcome, selector, timeout_ms, deadline,
		selected, completed, stragglers, failed_reports, started_at, ended_at
		FROM rounds` + whereSQL + ` ORDER BY started_at DESC, number DESC, attempt DESC LIMIT ? OFFSET ?`
	listArgs := append(countArgs, q.Limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var rounds []*model.Round
	for rows.Next() {
		var r model.Round
		var state, deadline, startedAt string
		var selected, completed, stragglers, failed string
		var timeoutMS int64
		var endedAt *string

		if err := rows.Scan(&r.RunID, &r.Number, &r.Attempt, &state, &r.Outcome, &r.Selector,
			&timeoutMS, &deadline, &selected, &completed, &stragglers, &failed,
			&startedAt, &endedAt); err != nil {
			return nil, 0, err
		}

		r.State = model.RoundState(state)
		r.Timeout = time.Duration(timeoutMS) * time.Millisecond
		r.Deadline, _ = time.Parse(time.RFC3339Nano, deadline)
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		if endedAt != nil {
			t, _ := time.Parse(time.RFC3339Nano, *endedAt)
			r.EndedAt = &t
		}
		for _, col := range []struct {
			raw string
			dst *[]int
		}{
			{selected, &r.Selected}, {completed, &r.Completed},
			{stragglers, &r.Stragglers}, {failed, &r.FailedReports},
		} {
			if err := json.Unmarshal([]byte(col.raw), col.dst); err != nil {
				return nil, 0, fmt.Errorf("unmarshal round %d ids: %w", r.Number, err)
			}
		}
		rounds = append(rounds, &r)
	}
	return rounds, total, rows.Err()
}

func orEmpty(ids []int) []int {
	if ids == nil {
		return []int{}
	}
	return ids
}
