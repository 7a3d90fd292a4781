package reputation

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/trustmesh/internal/errkind"
)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed feedback store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const feedbackColumns = `id, agent_id, rating, comment, payment_id, reviewer, created_at, revoked_at`

func (p *PostgresStore) Create(ctx context.Context, f *Feedback) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO feedback (id, agent_id, rating, comment, payment_id, reviewer, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)
	`, f.ID, f.AgentID, f.Rating, f.Comment, f.PaymentID, f.Reviewer, f.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicatePayment
		}
		return errkind.External("reputation: insert feedback", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Feedback, error) {
	return p.getOne(ctx, `SELECT `+feedbackColumns+` FROM feedback WHERE id = $1`, id)
}

func (p *PostgresStore) GetByPayment(ctx context.Context, paymentID string) (*Feedback, error) {
	return p.getOne(ctx, `SELECT `+feedbackColumns+` FROM feedback WHERE payment_id = $1`, paymentID)
}

func (p *PostgresStore) getOne(ctx context.Context, query, arg string) (*Feedback, error) {
	f, err := scanFeedback(p.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFeedbackNotFound
	}
	if err != nil {
		return nil, errkind.External("reputation: get feedback", err)
	}
	return f, nil
}

func (p *PostgresStore) ListByAgent(ctx context.Context, agentID string) ([]*Feedback, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+feedbackColumns+` FROM feedback
		WHERE agent_id = $1
		ORDER BY created_at, id
	`, agentID)
	if err != nil {
		return nil, errkind.External("reputation: list feedback", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Feedback
	for rows.Next() {
		f, err := scanFeedback(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.External("reputation: read rows", err)
	}
	return out, nil
}

func (p *PostgresStore) Revoke(ctx context.Context, id string, at time.Time) (*Feedback, error) {
	// COALESCE keeps the first revocation time on repeat calls.
	f, err := scanFeedback(p.db.QueryRowContext(ctx, `
		UPDATE feedback SET revoked_at = COALESCE(revoked_at, $2)
		WHERE id = $1
		RETURNING `+feedbackColumns, id, at))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFeedbackNotFound
	}
	if err != nil {
		return nil, errkind.External("reputation: revoke feedback", err)
	}
	return f, nil
}

func (p *PostgresStore) AgentIDs(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT DISTINCT agent_id FROM feedback ORDER BY agent_id`)
	if err != nil {
		return nil, errkind.External("reputation: list agents", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.External("reputation: read rows", err)
	}
	return ids, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFeedback(row rowScanner) (*Feedback, error) {
	var f Feedback
	var paymentID sql.NullString
	var revokedAt sql.NullTime
	if err := row.Scan(&f.ID, &f.AgentID, &f.Rating, &f.Comment, &paymentID, &f.Reviewer,
		&f.CreatedAt, &revokedAt); err != nil {
		return nil, err
	}
	f.PaymentID = paymentID.String
	if revokedAt.Valid {
		t := revokedAt.Time
		f.Revoked = true
		f.RevokedAt = &t
	}
	return &f, nil
}
