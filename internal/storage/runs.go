package storage

import (
	"context"
	"database/sql"

	"matchpulse/internal/scheduler"
)

// RecordRun implements scheduler.RunRecorder.
func (s *Store) RecordRun(ctx context.Context, job string, run scheduler.JobRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_runs (job, started_at, ended_at, outcome, error, cause)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		job, run.Started.UnixMilli(), toMillis(run.Ended), string(run.Outcome), nullStr(run.Error), string(run.Cause))
	return err
}

// ListRuns returns the job's most recent persisted runs, newest first.
func (s *Store) ListRuns(ctx context.Context, job string, limit int) ([]scheduler.JobRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT started_at, ended_at, outcome, error, cause
		 FROM job_runs WHERE job = ? ORDER BY started_at DESC LIMIT ?`,
		job, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []scheduler.JobRun
	for rows.Next() {
		var (
			started int64
			ended   sql.NullInt64
			outcome string
			errStr  sql.NullString
			cause   string
		)
		if err := rows.Scan(&started, &ended, &outcome, &errStr, &cause); err != nil {
			return nil, err
		}
		run := scheduler.JobRun{
			Started: fromMillis(sql.NullInt64{Int64: started, Valid: true}),
			Ended:   fromMillis(ended),
			Outcome: scheduler.Outcome(outcome),
			Cause:   scheduler.Cause(cause),
		}
		if errStr.Valid {
			run.Error = errStr.String
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
