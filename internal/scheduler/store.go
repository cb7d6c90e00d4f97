package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go sqlite driver, registers "sqlite"

	"github.com/melonsched/melon/pkg/model"
)

// schemaSQL creates the durable job record. Only
// terminal jobs (completed, failed, timed out) are ever inserted here;
// pending and running jobs live purely in Scheduler's in-memory state
// until they finish.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
	id            INTEGER PRIMARY KEY,
	user          TEXT    NOT NULL,
	script_path   TEXT    NOT NULL,
	script_args   TEXT    NOT NULL,
	cpu_count     INTEGER NOT NULL,
	memory        INTEGER NOT NULL,
	time          INTEGER NOT NULL,
	submit_time   INTEGER NOT NULL,
	start_time    INTEGER,
	stop_time     INTEGER,
	status        INTEGER NOT NULL,
	assigned_node TEXT    NOT NULL
);
`

// Store is the durable record of finished jobs, backed by sqlite via the
// pure-Go modernc.org/sqlite driver. It is intentionally
// narrow: Scheduler owns all in-flight state, Store only needs to answer
// "what happened to job N" after the fact.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if necessary) the sqlite database at path and
// ensures its schema exists.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY churn
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}

// InsertFinishedJob persists a terminal job record. Re-inserting the same
// id overwrites the previous row, making the write idempotent under
// retry.
func (s *Store) InsertFinishedJob(ctx context.Context, job *model.Job) error {
	args, err := json.Marshal(job.ScriptArgs)
	if err != nil {
		return fmt.Errorf("store: marshal script args for job %d: %w", job.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, user, script_path, script_args, cpu_count, memory, time,
			submit_time, start_time, stop_time, status, assigned_node)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			start_time = excluded.start_time,
			stop_time = excluded.stop_time,
			status = excluded.status,
			assigned_node = excluded.assigned_node
	`,
		job.ID, job.User, job.ScriptPath, string(args),
		job.ReqRes.CPUCount, job.ReqRes.Memory, job.ReqRes.Time,
		job.SubmitTime, job.StartTime, job.StopTime, job.Status, job.AssignedNode,
	)
	if err != nil {
		return fmt.Errorf("store: insert job %d: %w", job.ID, err)
	}
	return nil
}

// GetJob returns a single persisted job by id. found is false if no such
// job has ever finished (it may still be pending or running, which this
// store has no knowledge of).
func (s *Store) GetJob(ctx context.Context, id uint64) (*model.Job, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user, script_path, script_args, cpu_count, memory, time,
			submit_time, start_time, stop_time, status, assigned_node
		FROM jobs WHERE id = ?
	`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: get job %d: %w", id, err)
	}
	return job, true, nil
}

// GetAllJobs returns every persisted job, in no particular order.
func (s *Store) GetAllJobs(ctx context.Context) ([]*model.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user, script_path, script_args, cpu_count, memory, time,
			submit_time, start_time, stop_time, status, assigned_node
		FROM jobs
	`)
	if err != nil {
		return nil, fmt.Errorf("store: list jobs: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only query, nothing left to flush

	var jobs []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list jobs: %w", err)
	}
	return jobs, nil
}

// MaxID returns the highest persisted job id, or 0 if the table is empty,
// so a fresh Scheduler seeds its counter at 1.
func (s *Store) MaxID(ctx context.Context) (uint64, error) {
	var maxID sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM jobs`).Scan(&maxID)
	if err != nil {
		return 0, fmt.Errorf("store: max id: %w", err)
	}
	if !maxID.Valid {
		return 0, nil
	}
	return uint64(maxID.Int64), nil //nolint:gosec // ids are assigned non-negative
}

// rowScanner abstracts *sql.Row and *sql.Rows, both of which expose Scan.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	var (
		job        model.Job
		scriptArgs string
		startTime  sql.NullInt64
		stopTime   sql.NullInt64
	)
	err := row.Scan(
		&job.ID, &job.User, &job.ScriptPath, &scriptArgs,
		&job.ReqRes.CPUCount, &job.ReqRes.Memory, &job.ReqRes.Time,
		&job.SubmitTime, &startTime, &stopTime, &job.Status, &job.AssignedNode,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(scriptArgs), &job.ScriptArgs); err != nil {
		return nil, fmt.Errorf("unmarshal script args: %w", err)
	}
	if startTime.Valid {
		job.StartTime = &startTime.Int64
	}
	if stopTime.Valid {
		job.StopTime = &stopTime.Int64
	}
	return &job, nil
}
