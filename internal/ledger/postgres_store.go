package ledger

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
	"github.com/mbd888/trustmesh/internal/errkind"
	"github.com/mbd888/trustmesh/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL NUMERIC arithmetic.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Balance(ctx context.Context, address string) (string, error) {
	var bal string
	err := p.db.QueryRowContext(ctx, `SELECT available FROM ledger_balances WHERE address = $1`, address).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return "0.000000", nil
	}
	if err != nil {
		return "", errkind.External("ledger: get balance", err)
	}
	return bal, nil
}

func (p *PostgresStore) Deposit(ctx context.Context, e *Entry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return errkind.External("ledger: begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, address, type, amount, reference, created_at)
		VALUES ($1, $2, 'deposit', $3::NUMERIC(20,6), NULLIF($4, ''), $5)
	`, e.ID, e.Address, e.Amount, e.Reference, e.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateDeposit
		}
		return errkind.External("ledger: record deposit", err)
	}
	if err := credit(ctx, tx, e.Address, e.Amount); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errkind.External("ledger: commit", err)
	}
	return nil
}

// Transfer debits with a guarded UPDATE so an overdraft touches no rows.
func (p *PostgresStore) Transfer(ctx context.Context, t *Transfer) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return errkind.External("ledger: begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE ledger_balances SET
			available  = available - $2::NUMERIC(20,6),
			updated_at = NOW()
		WHERE address = $1 AND available >= $2::NUMERIC(20,6)
	`, t.From, t.Amount)
	if err != nil {
		return errkind.External("ledger: debit", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInsufficientBalance
	}
	if err := credit(ctx, tx, t.To, t.Amount); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_transfers (tx_id, from_address, to_address, amount, memo, status, created_at, confirmed_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,6), $5, $6, $7, $8)
	`, t.TxID, t.From, t.To, t.Amount, t.Memo, string(t.Status), t.CreatedAt, t.ConfirmedAt)
	if err != nil {
		return errkind.External("ledger: record transfer", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, address, type, amount, tx_id, memo, created_at) VALUES
			($1, $2, 'debit',  $4::NUMERIC(20,6), $5, $6, $7),
			($8, $3, 'credit', $4::NUMERIC(20,6), $5, $6, $7)
	`, idgen.WithPrefix(idgen.PrefixTransfer), t.From, t.To, t.Amount, t.TxID, t.Memo, t.CreatedAt, idgen.WithPrefix(idgen.PrefixTransfer))
	if err != nil {
		return errkind.External("ledger: record entries", err)
	}
	if err := tx.Commit(); err != nil {
		return errkind.External("ledger: commit", err)
	}
	return nil
}

func credit(ctx context.Context, tx *sql.Tx, address, amount string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_balances (address, available, updated_at)
		VALUES ($1, $2::NUMERIC(20,6), NOW())
		ON CONFLICT (address) DO UPDATE SET
			available  = ledger_balances.available + $2::NUMERIC(20,6),
			updated_at = NOW()
	`, address, amount)
	if err != nil {
		return errkind.External("ledger: credit", err)
	}
	return nil
}

func (p *PostgresStore) GetTransfer(ctx context.Context, txID string) (*Transfer, error) {
	var (
		t         Transfer
		status    string
		confirmed sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT tx_id, from_address, to_address, amount, memo, status, created_at, confirmed_at
		FROM ledger_transfers WHERE tx_id = $1
	`, txID).Scan(&t.TxID, &t.From, &t.To, &t.Amount, &t.Memo, &status, &t.CreatedAt, &confirmed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransferNotFound
	}
	if err != nil {
		return nil, errkind.External("ledger: get transfer", err)
	}
	t.Status = TransferStatus(status)
	t.CreatedAt = t.CreatedAt.UTC()
	if confirmed.Valid {
		c := confirmed.Time.UTC()
		t.ConfirmedAt = &c
	}
	return &t, nil
}

func (p *PostgresStore) History(ctx context.Context, address string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, address, type, amount, COALESCE(tx_id, ''), COALESCE(reference, ''), COALESCE(memo, ''), created_at
		FROM ledger_entries
		WHERE address = $1
		ORDER BY created_at DESC, id
		LIMIT $2
	`, address, limit)
	if err != nil {
		return nil, errkind.External("ledger: history", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Address, &e.Type, &e.Amount, &e.TxID, &e.Reference, &e.Memo, &e.CreatedAt); err != nil {
			return nil, errkind.External("ledger: scan entry", err)
		}
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.External("ledger: read rows", err)
	}
	return out, nil
}
