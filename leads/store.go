package leads

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/leadpulse/db"
	"github.com/teranos/leadpulse/errors"
)

// Qualification decides which leads are ready to forward.
type Qualification struct {
	MinScore           int
	MaxForwardAttempts int
}

// Store is the SQLite lead repository. A lead qualifies when its score
// reaches MinScore, it has not been forwarded, and it has fewer than
// MaxForwardAttempts failed forward attempts.
type Store struct {
	db    *sql.DB
	rules Qualification
	now   func() time.Time
}

// NewStore creates a lead store over a migrated database.
func NewStore(db *sql.DB, rules Qualification) *Store {
	return &Store{db: db, rules: rules, now: func() time.Time { return time.Now().UTC() }}
}

// Create inserts a lead.
func (s *Store) Create(ctx context.Context, l Lead) error {
	if l.ID == "" || l.Email == "" {
		return errors.NewInvalidRequestError("lead needs id and email")
	}
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO leads (id, email, name, company, destination, score, attributes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.Email, nullable(l.Name), nullable(l.Company), nullable(l.Destination), l.Score,
		nullable(string(l.Attributes)), now, now,
	)
	if db.IsUniqueViolation(err) {
		return errors.Mark(errors.Wrapf(err, "lead %s already exists", l.ID), errors.ErrAlreadyExists)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to create lead %s", l.ID)
	}
	return nil
}

const leadColumns = `id, email, name, company, destination, score, attributes, forward_attempts, forwarded_at`

func scanLead(row interface{ Scan(...interface{}) error }) (Lead, error) {
	var (
		l                                 Lead
		name, company, destination, attrs sql.NullString
		forwardedAt                       sql.NullTime
	)
	if err := row.Scan(&l.ID, &l.Email, &name, &company, &destination, &l.Score, &attrs, &l.ForwardAttempts, &forwardedAt); err != nil {
		return l, err
	}
	if forwardedAt.Valid {
		t := forwardedAt.Time.UTC()
		l.ForwardedAt = &t
	}
	l.Name = name.String
	l.Company = company.String
	l.Destination = destination.String
	if attrs.Valid {
		l.Attributes = []byte(attrs.String)
	}
	return l, nil
}

// Get returns one lead.
func (s *Store) Get(ctx context.Context, id string) (Lead, error) {
	l, err := scanLead(s.db.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return l, errors.NewNotFoundError("lead %s", id)
	}
	if err != nil {
		return l, errors.Wrapf(err, "failed to get lead %s", id)
	}
	return l, nil
}

var (
	// ErrAlreadyForwarded marks a lead that was delivered earlier.
	ErrAlreadyForwarded = errors.New("lead already forwarded")

	// ErrNotQualified marks a lead that fails the qualification rules.
	ErrNotQualified = errors.New("lead does not qualify")
)

// GetQualified returns the lead only if it qualifies, by the same rules as
// FetchQualifiedLeads.
func (s *Store) GetQualified(ctx context.Context, id string) (Lead, error) {
	l, err := s.Get(ctx, id)
	if err != nil {
		return l, err
	}
	if l.ForwardedAt != nil {
		return l, errors.Mark(errors.Newf("lead %s was forwarded at %s", id, l.ForwardedAt.Format(time.RFC3339)), ErrAlreadyForwarded)
	}
	if l.Score < s.rules.MinScore {
		return l, errors.Mark(errors.Newf("lead %s scores %d, below %d", id, l.Score, s.rules.MinScore), ErrNotQualified)
	}
	if l.ForwardAttempts >= s.rules.MaxForwardAttempts {
		return l, errors.Mark(errors.Newf("lead %s used all %d forward attempts", id, s.rules.MaxForwardAttempts), ErrNotQualified)
	}
	return l, nil
}

// FetchQualifiedLeads implements Repository.
func (s *Store) FetchQualifiedLeads(ctx context.Context) ([]Lead, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+leadColumns+`
		FROM leads
		WHERE forwarded_at IS NULL AND score >= ? AND forward_attempts < ?
		ORDER BY created_at, id`,
		s.rules.MinScore, s.rules.MaxForwardAttempts,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query qualified leads")
	}
	defer rows.Close()

	var out []Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan lead")
		}
		out = append(out, l)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate leads")
}

// RecordForwardOutcome implements Repository.
func (s *Store) RecordForwardOutcome(ctx context.Context, leadID string, o Outcome) error {
	now := s.now()
	var (
		res sql.Result
		err error
	)
	if o.Succeeded() {
		res, err = s.db.ExecContext(ctx, `
			UPDATE leads
			SET forwarded_at = ?, forward_error = NULL, forward_attempts = forward_attempts + 1, updated_at = ?
			WHERE id = ?`,
			o.ForwardedAt.UTC(), now, leadID,
		)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE leads
			SET forward_error = ?, forward_attempts = forward_attempts + 1, updated_at = ?
			WHERE id = ?`,
			o.Error, now, leadID,
		)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to record forward outcome for lead %s", leadID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("lead %s", leadID)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
