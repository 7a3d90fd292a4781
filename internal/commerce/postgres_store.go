package commerce

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mbd888/trustmesh/internal/errkind"
)

// PostgresStore keeps orders in the orders table. The order body is a
// JSONB document; status, step and buyer are columns for querying.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	body, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("commerce: encode order: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO orders (id, buyer_agent_id, status, step, body, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, o.ID, o.Buyer.AgentID, string(o.Status), string(o.Step), body, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return errkind.External("commerce: insert order", err)
	}
	return nil
}

func (p *PostgresStore) Update(ctx context.Context, o *Order) error {
	body, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("commerce: encode order: %w", err)
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE orders SET status = $2, step = $3, body = $4, updated_at = $5 WHERE id = $1
	`, o.ID, string(o.Status), string(o.Step), body, o.UpdatedAt)
	if err != nil {
		return errkind.External("commerce: update order", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	var body []byte
	err := p.db.QueryRowContext(ctx, `SELECT body FROM orders WHERE id = $1`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, errkind.External("commerce: get order", err)
	}
	return decode(body)
}

func (p *PostgresStore) ListByBuyer(ctx context.Context, buyerAgentID string, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT body FROM orders WHERE buyer_agent_id = $1 ORDER BY created_at DESC LIMIT $2
	`, buyerAgentID, limit)
	if err != nil {
		return nil, errkind.External("commerce: list orders", err)
	}
	defer rows.Close()

	var out []*Order
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, errkind.External("commerce: scan order", err)
		}
		o, err := decode(body)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.External("commerce: read rows", err)
	}
	return out, nil
}

func decode(body []byte) (*Order, error) {
	var o Order
	if err := json.Unmarshal(body, &o); err != nil {
		return nil, fmt.Errorf("commerce: decode order: %w", err)
	}
	return &o, nil
}
