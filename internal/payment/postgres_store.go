package payment

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mbd888/trustmesh/internal/errkind"
)

// PostgresStore keeps the received set in the received_payments table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const receivedColumns = `payment_id, sender, recipient, amount, currency, status, tx_id, failure_reason, verified_at, settled_at`

func (p *PostgresStore) Insert(ctx context.Context, r *Received) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO received_payments (payment_id, sender, recipient, amount, currency, status, verified_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,6), $5, $6, $7)
		ON CONFLICT (payment_id) DO NOTHING
	`, r.PaymentID, r.Sender, r.Recipient, r.Amount, r.Currency, string(r.Status), r.VerifiedAt)
	if err != nil {
		return false, errkind.External("payment: insert received", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errkind.External("payment: insert received", err)
	}
	return n == 1, nil
}

func (p *PostgresStore) Get(ctx context.Context, paymentID string) (*Received, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+receivedColumns+` FROM received_payments WHERE payment_id = $1`, paymentID)
	var (
		r        Received
		status   string
		txID     sql.NullString
		reason   sql.NullString
		settled  sql.NullTime
		verified time.Time
	)
	err := row.Scan(&r.PaymentID, &r.Sender, &r.Recipient, &r.Amount, &r.Currency, &status, &txID, &reason, &verified, &settled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, errkind.External("payment: get received", err)
	}
	r.Status = Status(status)
	r.TxID = txID.String
	r.FailureReason = reason.String
	r.VerifiedAt = verified.UTC()
	if settled.Valid {
		t := settled.Time.UTC()
		r.SettledAt = &t
	}
	return &r, nil
}

func (p *PostgresStore) Has(ctx context.Context, paymentID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM received_payments WHERE payment_id = $1)`, paymentID).Scan(&exists)
	if err != nil {
		return false, errkind.External("payment: has received", err)
	}
	return exists, nil
}

func (p *PostgresStore) MarkSettled(ctx context.Context, paymentID, txID string, at time.Time) error {
	return p.finish(ctx, paymentID, StatusSettled, `
		UPDATE received_payments SET status = 'settled', tx_id = $2, settled_at = $3
		WHERE payment_id = $1 AND status = 'verified'
	`, paymentID, txID, at)
}

func (p *PostgresStore) MarkFailed(ctx context.Context, paymentID, reason string, at time.Time) error {
	return p.finish(ctx, paymentID, StatusFailed, `
		UPDATE received_payments SET status = 'failed', failure_reason = $2, settled_at = $3
		WHERE payment_id = $1 AND status = 'verified'
	`, paymentID, reason, at)
}

// finish runs a guarded status update and explains a zero row count.
func (p *PostgresStore) finish(ctx context.Context, paymentID string, to Status, query string, args ...any) error {
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errkind.External("payment: update received", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	current, err := p.Get(ctx, paymentID)
	if err != nil {
		return err
	}
	return Transition(current.Status, to)
}
