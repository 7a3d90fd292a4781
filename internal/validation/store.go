package validation

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"github.com/mbd888/trustmesh/internal/errkind"
)

// Store persists validations.
type Store interface {
	Create(ctx context.Context, v *Validation) error
	Get(ctx context.Context, id string) (*Validation, error)
	Update(ctx context.Context, v *Validation) error
	ListByAgent(ctx context.Context, agentID string) ([]*Validation, error)
}

// MemoryStore keeps validations in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	items   map[string]*Validation
	byAgent map[string][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:   make(map[string]*Validation),
		byAgent: make(map[string][]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, v *Validation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *v
	m.items[v.ID] = &c
	m.byAgent[v.AgentID] = append(m.byAgent[v.AgentID], v.ID)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Validation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[id]
	if !ok {
		return nil, ErrValidationNotFound
	}
	c := *v
	return &c, nil
}

func (m *MemoryStore) Update(_ context.Context, v *Validation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[v.ID]; !ok {
		return ErrValidationNotFound
	}
	c := *v
	m.items[v.ID] = &c
	return nil
}

func (m *MemoryStore) ListByAgent(_ context.Context, agentID string) ([]*Validation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byAgent[agentID]
	out := make([]*Validation, 0, len(ids))
	for _, id := range ids {
		c := *m.items[id]
		out = append(out, &c)
	}
	return out, nil
}

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const validationColumns = `id, agent_id, type, description, stake, completed, is_valid, evidence,
	submissions, requested_at, completed_at`

func (p *PostgresStore) Create(ctx context.Context, v *Validation) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO validations (`+validationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, v.ID, v.AgentID, string(v.Type), v.Description, v.Stake, v.Completed, v.IsValid,
		v.Evidence, v.Submissions, v.RequestedAt, v.CompletedAt)
	if err != nil {
		return errkind.External("validation: insert", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Validation, error) {
	v, err := scanValidation(p.db.QueryRowContext(ctx,
		`SELECT `+validationColumns+` FROM validations WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrValidationNotFound
	}
	if err != nil {
		return nil, errkind.External("validation: get", err)
	}
	return v, nil
}

func (p *PostgresStore) Update(ctx context.Context, v *Validation) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE validations
		SET completed = $2, is_valid = $3, evidence = $4, submissions = $5, completed_at = $6
		WHERE id = $1
	`, v.ID, v.Completed, v.IsValid, v.Evidence, v.Submissions, v.CompletedAt)
	if err != nil {
		return errkind.External("validation: update", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrValidationNotFound
	}
	return nil
}

func (p *PostgresStore) ListByAgent(ctx context.Context, agentID string) ([]*Validation, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+validationColumns+` FROM validations
		WHERE agent_id = $1
		ORDER BY requested_at, id
	`, agentID)
	if err != nil {
		return nil, errkind.External("validation: list", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Validation
	for rows.Next() {
		v, err := scanValidation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.External("validation: read rows", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanValidation(row rowScanner) (*Validation, error) {
	var v Validation
	var typ string
	var completedAt sql.NullTime
	if err := row.Scan(&v.ID, &v.AgentID, &typ, &v.Description, &v.Stake, &v.Completed, &v.IsValid,
		&v.Evidence, &v.Submissions, &v.RequestedAt, &completedAt); err != nil {
		return nil, err
	}
	v.Type = Type(typ)
	if completedAt.Valid {
		t := completedAt.Time
		v.CompletedAt = &t
	}
	return &v, nil
}
