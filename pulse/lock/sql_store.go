package lock

import (
	"context"
	"database/sql"

	"github.com/teranos/leadpulse/errors"
)

// SQLStore keeps markers in the run_locks table, keyed by scope.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a store over a migrated database.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Create(ctx context.Context, m Marker) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO run_locks (scope, token, pid, hostname, acquired_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(scope) DO NOTHING`,
		m.Scope, m.Token, m.PID, m.Hostname, m.AcquiredAt.UTC(),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to insert lock marker %s", m.Scope)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read rows affected")
	}
	if n == 0 {
		return ErrMarkerExists
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, scope string) (Marker, error) {
	var m Marker
	var hostname sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT scope, token, pid, hostname, acquired_at
		FROM run_locks WHERE scope = ?`, scope,
	).Scan(&m.Scope, &m.Token, &m.PID, &hostname, &m.AcquiredAt)
	if err == sql.ErrNoRows {
		return Marker{}, errors.NewNotFoundError("lock marker %s", scope)
	}
	if err != nil {
		return Marker{}, errors.Wrapf(err, "failed to query lock marker %s", scope)
	}
	m.Hostname = hostname.String
	return m, nil
}

func (s *SQLStore) Replace(ctx context.Context, old, next Marker) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE run_locks
		SET token = ?, pid = ?, hostname = ?, acquired_at = ?
		WHERE scope = ? AND token = ?`,
		next.Token, next.PID, next.Hostname, next.AcquiredAt.UTC(),
		old.Scope, old.Token,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to replace lock marker %s", old.Scope)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read rows affected")
	}
	if n == 1 {
		return nil
	}
	if _, err := s.Get(ctx, old.Scope); err != nil {
		return err
	}
	return ErrTokenMismatch
}

func (s *SQLStore) Delete(ctx context.Context, scope, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM run_locks WHERE scope = ? AND token = ?`, scope, token)
	if err != nil {
		return errors.Wrapf(err, "failed to delete lock marker %s", scope)
	}
	return nil
}
