package async

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/leadpulse/db"
	"github.com/teranos/leadpulse/errors"
)

// Repository is the backlog contract the Processor drives. Implementations
// own the job rows; the processor mutates them only through these calls.
type Repository interface {
	// FetchPendingBatch returns up to limit pending jobs whose available_at
	// has passed, oldest first.
	FetchPendingBatch(ctx context.Context, limit int) ([]*Job, error)

	// Claim atomically moves a job from pending to running. It returns false
	// when the job is no longer pending.
	Claim(ctx context.Context, id string) (bool, error)

	MarkSucceeded(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, f Failure) error
}

// OrphanResult counts what RequeueOrphaned did.
type OrphanResult struct {
	Requeued int
	Failed   int
}

// Store handles persistence of background jobs in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a new job store over a migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Enqueue inserts job.
func (s *Store) Enqueue(ctx context.Context, job *Job) error {
	if job == nil || job.ID == "" || job.PayloadType == "" {
		return errors.NewInvalidRequestError("job must have an id and payload type")
	}
	status := job.Status
	if status == "" {
		status = JobStatusPending
	}
	payload := sql.NullString{String: string(job.Payload), Valid: len(job.Payload) > 0}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, payload_type, payload, status, attempts, available_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.PayloadType, payload, status, job.Attempts,
		job.AvailableAt.UTC(), job.CreatedAt.UTC(), job.UpdatedAt.UTC(),
	)
	if db.IsUniqueViolation(err) {
		return errors.Mark(errors.Wrapf(err, "job %s already exists", job.ID), errors.ErrAlreadyExists)
	}
	if err != nil {
		return errors.WithDetailf(errors.Wrap(err, "failed to enqueue job"),
			"job %s (%s)", job.ID, job.PayloadType)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get job %s", id)
	}
	return job, nil
}

// ListJobs returns jobs newest first, optionally filtered by status.
func (s *Store) ListJobs(ctx context.Context, status *JobStatus, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := []interface{}{}
	if status != nil {
		query += ` WHERE status = ?`
		args = append(args, *status)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	return scanJobs(rows, "jobs")
}

// FetchPendingBatch implements Repository.
func (s *Store) FetchPendingBatch(ctx context.Context, limit int) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = ? AND available_at <= ?
		ORDER BY created_at, id
		LIMIT ?`,
		JobStatusPending, s.now(), limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query pending jobs")
	}
	return scanJobs(rows, "pending jobs")
}

// Claim implements Repository.
func (s *Store) Claim(ctx context.Context, id string) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		JobStatusRunning, now, now, id, JobStatusPending,
	)
	if err != nil {
		return false, errors.Wrapf(err, "failed to claim job %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read rows affected")
	}
	return n == 1, nil
}

// MarkSucceeded implements Repository.
func (s *Store) MarkSucceeded(ctx context.Context, id string) error {
	now := s.now()
	return s.finish(ctx, id, `
		UPDATE jobs
		SET status = ?, attempts = attempts + 1, last_error = NULL, finished_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		JobStatusSucceeded, now, now, id, JobStatusRunning,
	)
}

// MarkFailed implements Repository.
func (s *Store) MarkFailed(ctx context.Context, id string, f Failure) error {
	now := s.now()
	if f.Retry {
		return s.finish(ctx, id, `
			UPDATE jobs
			SET status = ?, attempts = attempts + 1, last_error = ?, available_at = ?,
			    started_at = NULL, updated_at = ?
			WHERE id = ? AND status = ?`,
			JobStatusPending, f.Error, f.RetryAt.UTC(), now, id, JobStatusRunning,
		)
	}
	return s.finish(ctx, id, `
		UPDATE jobs
		SET status = ?, attempts = attempts + 1, last_error = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		JobStatusFailed, f.Error, now, now, id, JobStatusRunning,
	)
}

func (s *Store) finish(ctx context.Context, id, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrapf(err, "failed to update job %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read rows affected")
	}
	if n == 0 {
		return errors.WithDetail(
			errors.NewNotFoundError("running job %s", id),
			"the job was requeued or removed while it executed",
		)
	}
	return nil
}

// RequeueOrphaned recovers jobs left running by a process that died before
// recording an outcome. The interrupted execution counts as an attempt; jobs
// that reach maxAttempts that way are failed instead of requeued.
func (s *Store) RequeueOrphaned(ctx context.Context, startedBefore time.Time, maxAttempts int) (OrphanResult, error) {
	var out OrphanResult
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return out, errors.Wrap(err, "failed to begin orphan recovery")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, attempts = attempts + 1, last_error = ?, finished_at = ?, updated_at = ?
		WHERE status = ? AND started_at < ? AND attempts + 1 >= ?`,
		JobStatusFailed, "interrupted: worker exited while running", now, now,
		JobStatusRunning, startedBefore.UTC(), maxAttempts,
	)
	if err != nil {
		return out, errors.Wrap(err, "failed to fail exhausted orphaned jobs")
	}
	failed, _ := res.RowsAffected()

	res, err = tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, attempts = attempts + 1, last_error = ?, started_at = NULL,
		    available_at = ?, updated_at = ?
		WHERE status = ? AND started_at < ?`,
		JobStatusPending, "interrupted: worker exited while running", now, now,
		JobStatusRunning, startedBefore.UTC(),
	)
	if err != nil {
		return out, errors.Wrap(err, "failed to requeue orphaned jobs")
	}
	requeued, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return out, errors.Wrap(err, "failed to commit orphan recovery")
	}
	out.Requeued = int(requeued)
	out.Failed = int(failed)
	return out, nil
}

// Stats counts jobs per status.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return st, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	for rows.Next() {
		var status JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return st, errors.Wrap(err, "failed to scan job counts")
		}
		switch status {
		case JobStatusPending:
			st.Pending = n
		case JobStatusRunning:
			st.Running = n
		case JobStatusSucceeded:
			st.Succeeded = n
		case JobStatusFailed:
			st.Failed = n
		}
	}
	return st, errors.Wrap(rows.Err(), "failed to iterate job counts")
}

// CleanupFinished deletes terminal jobs finished more than olderThan ago.
func (s *Store) CleanupFinished(ctx context.Context, olderThan time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN (?, ?) AND finished_at < ?`,
		JobStatusSucceeded, JobStatusFailed, s.now().Add(-olderThan),
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to clean up finished jobs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read rows affected")
	}
	return int(n), nil
}
