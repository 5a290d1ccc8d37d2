// Package history stores run outcomes in a SQLite database so later runs can
// compare against earlier ones: spotting flaky tests, reporting trends and
// deciding whether a passing run is a recovery.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	// SQLite driver
	_ "github.com/mattn/go-sqlite3"

	"github.com/abdul-hamid-achik/kestrel/packages/core/descriptor"
	"github.com/abdul-hamid-achik/kestrel/packages/core/runner"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	started_at  INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	total       INTEGER NOT NULL,
	passed      INTEGER NOT NULL,
	failed      INTEGER NOT NULL,
	skipped     INTEGER NOT NULL,
	cancelled   INTEGER NOT NULL,
	retries     INTEGER NOT NULL,
	success     INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS results (
	run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	test_id     TEXT NOT NULL,
	class       TEXT NOT NULL,
	state       TEXT NOT NULL,
	attempts    INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	message     TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (run_id, test_id)
);
CREATE INDEX IF NOT EXISTS idx_results_test ON results(test_id);
`

// Run is one recorded run.
type Run struct {
	ID        string
	StartedAt time.Time
	Duration  time.Duration
	Total     int
	Passed    int
	Failed    int
	Skipped   int
	Cancelled int
	Retries   int
	Success   bool
}

// Entry is the stored outcome of one test in one run.
type Entry struct {
	RunID     string
	TestID    string
	Class     string
	State     descriptor.State
	Attempts  int
	Duration  time.Duration
	Message   string
	StartedAt time.Time
}

// Flaky is a test that both passed and failed within a window of runs.
type Flaky struct {
	TestID string
	Passed int
	Failed int
}

// Store is a SQLite-backed run history.
type Store struct {
	db *sql.DB
}

// Open opens or creates the history database at path.
func Open(path string) (*Store, error) {
	path = strings.TrimPrefix(strings.TrimPrefix(path, "sqlite://"), "sqlite:")
	if path == "" {
		return nil, errors.New("history path is empty")
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}
	// A single writer avoids SQLITE_BUSY between concurrent statements.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to history: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate history: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Record stores a run and every test outcome in one transaction.
func (s *Store) Record(ctx context.Context, result *runner.RunResult) error {
	if result == nil || result.RunID == "" {
		return errors.New("run result has no run id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, duration_ms, total, passed, failed, skipped, cancelled, retries, success)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.RunID, result.StartedAt.UnixNano(), result.Duration.Milliseconds(),
		result.Total(), result.Passed, result.Failed, result.Skipped, result.Cancelled, result.Retries,
		result.Success(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO results (run_id, test_id, class, state, attempts, duration_ms, message)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range result.Results {
		msg := ""
		if r.Error != nil {
			msg = r.Error.Error()
		}
		if _, err := stmt.ExecContext(ctx, result.RunID, r.ID, r.Class, string(r.State),
			r.Attempts, r.Duration.Milliseconds(), msg); err != nil {
			return fmt.Errorf("failed to insert result %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

// Recent returns up to n runs, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, duration_ms, total, passed, failed, skipped, cancelled, retries, success
		 FROM runs ORDER BY started_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run      Run
			started  int64
			duration int64
		)
		if err := rows.Scan(&run.ID, &started, &duration, &run.Total, &run.Passed, &run.Failed,
			&run.Skipped, &run.Cancelled, &run.Retries, &run.Success); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.StartedAt = time.Unix(0, started)
		run.Duration = time.Duration(duration) * time.Millisecond
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return runs, nil
}

// Last returns the most recent run, or nil when the history is empty.
func (s *Store) Last(ctx context.Context) (*Run, error) {
	runs, err := s.Recent(ctx, 1)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return &runs[0], nil
}

// Test returns up to n outcomes of one test, newest first.
func (s *Store) Test(ctx context.Context, testID string, n int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.run_id, r.test_id, r.class, r.state, r.attempts, r.duration_ms, r.message, runs.started_at
		 FROM results r JOIN runs ON runs.id = r.run_id
		 WHERE r.test_id = ?
		 ORDER BY runs.started_at DESC LIMIT ?`, testID, n)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e        Entry
			state    string
			duration int64
			started  int64
		)
		if err := rows.Scan(&e.RunID, &e.TestID, &e.Class, &state, &e.Attempts, &duration, &e.Message, &started); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		e.State = descriptor.State(state)
		e.Duration = time.Duration(duration) * time.Millisecond
		e.StartedAt = time.Unix(0, started)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return entries, nil
}

// Flaky lists tests that both passed and failed within the last n runs, or
// that needed a retry to pass. Most failures first.
func (s *Store) Flaky(ctx context.Context, n int) ([]Flaky, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT test_id,
		        SUM(CASE WHEN state = 'passed' THEN 1 ELSE 0 END) AS passed,
		        SUM(CASE WHEN state = 'failed' THEN 1 ELSE 0 END) AS failed,
		        MAX(CASE WHEN state = 'passed' AND attempts > 1 THEN 1 ELSE 0 END) AS retried
		 FROM results
		 WHERE run_id IN (SELECT id FROM runs ORDER BY started_at DESC LIMIT ?)
		 GROUP BY test_id
		 HAVING (passed > 0 AND failed > 0) OR retried = 1
		 ORDER BY failed DESC, test_id`, n)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var flaky []Flaky
	for rows.Next() {
		var (
			f       Flaky
			retried int
		)
		if err := rows.Scan(&f.TestID, &f.Passed, &f.Failed, &retried); err != nil {
			return nil, fmt.Errorf("failed to scan flaky test: %w", err)
		}
		flaky = append(flaky, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return flaky, nil
}

// Prune deletes all but the newest keep runs and returns how many were removed.
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE id NOT IN (SELECT id FROM runs ORDER BY started_at DESC LIMIT ?)`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	return res.RowsAffected()
}
