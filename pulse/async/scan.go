package async

import (
	"database/sql"

	"github.com/teranos/leadpulse/errors"
)

// jobColumns is the column list every job SELECT uses, in scan order.
const jobColumns = `id, payload_type, payload, status, attempts, last_error,
	available_at, created_at, started_at, finished_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanJob reads one row selected with jobColumns.
func scanJob(row rowScanner) (*Job, error) {
	var (
		job        Job
		payload    sql.NullString
		lastError  sql.NullString
		startedAt  sql.NullTime
		finishedAt sql.NullTime
	)
	err := row.Scan(
		&job.ID,
		&job.PayloadType,
		&payload,
		&job.Status,
		&job.Attempts,
		&lastError,
		&job.AvailableAt,
		&job.CreatedAt,
		&startedAt,
		&finishedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if payload.Valid {
		job.Payload = []byte(payload.String)
	}
	job.LastError = lastError.String
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		job.FinishedAt = &t
	}
	return &job, nil
}

// scanJobs drains rows. The rows are closed before returning so callers can
// issue further statements on a single-connection pool.
func scanJobs(rows *sql.Rows, what string) ([]*Job, error) {
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to scan %s", what)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to iterate %s", what)
	}
	return jobs, nil
}
