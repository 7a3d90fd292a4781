package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/mbd888/trustmesh/internal/errkind"
)

// PostgresStore keeps the current row in agents and every version in
// agent_versions.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const agentColumns = `id, owner, name, description, capabilities, endpoint, price, currency,
	metadata_uri, version, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, agent *Agent) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return errkind.External("identity: begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, agent.ID, agent.Owner, agent.Name, agent.Description, pq.Array(agent.Capabilities),
		agent.Endpoint, agent.Price, agent.Currency, agent.MetadataURI, agent.Version,
		agent.CreatedAt, agent.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "agents_owner_key") {
			return ErrOwnerTaken
		}
		return errkind.External("identity: insert agent", err)
	}
	if err := insertVersion(ctx, tx, agent); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errkind.External("identity: commit", err)
	}
	return nil
}

func (p *PostgresStore) Update(ctx context.Context, agent *Agent) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return errkind.External("identity: begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE agents SET name = $2, description = $3, capabilities = $4, endpoint = $5,
			price = $6, metadata_uri = $7, version = $8, updated_at = $9
		WHERE id = $1 AND version = $8 - 1
	`, agent.ID, agent.Name, agent.Description, pq.Array(agent.Capabilities), agent.Endpoint,
		agent.Price, agent.MetadataURI, agent.Version, agent.UpdatedAt)
	if err != nil {
		return errkind.External("identity: update agent", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM agents WHERE id = $1)`, agent.ID).Scan(&exists); err != nil {
			return errkind.External("identity: check agent", err)
		}
		if !exists {
			return ErrAgentNotFound
		}
		return ErrStaleVersion
	}
	if err := insertVersion(ctx, tx, agent); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errkind.External("identity: commit", err)
	}
	return nil
}

func insertVersion(ctx context.Context, tx *sql.Tx, agent *Agent) error {
	snapshot, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("identity: marshal version: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO agent_versions (agent_id, version, snapshot, recorded_at)
		VALUES ($1, $2, $3, $4)
	`, agent.ID, agent.Version, snapshot, agent.UpdatedAt); err != nil {
		return errkind.External("identity: insert version", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Agent, error) {
	return p.getOne(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
}

func (p *PostgresStore) GetByOwner(ctx context.Context, owner string) (*Agent, error) {
	return p.getOne(ctx, `SELECT `+agentColumns+` FROM agents WHERE owner = $1`, strings.ToLower(owner))
}

func (p *PostgresStore) getOne(ctx context.Context, query string, arg string) (*Agent, error) {
	agent, err := scanAgent(p.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, errkind.External("identity: get agent", err)
	}
	return agent, nil
}

func (p *PostgresStore) List(ctx context.Context, limit, offset int) ([]*Agent, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+agentColumns+` FROM agents
		ORDER BY created_at, id
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, errkind.External("identity: list agents", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, errkind.External("identity: scan agent", err)
		}
		out = append(out, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.External("identity: read rows", err)
	}
	return out, nil
}

func (p *PostgresStore) History(ctx context.Context, id string) ([]*Agent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT snapshot FROM agent_versions WHERE agent_id = $1 ORDER BY version
	`, id)
	if err != nil {
		return nil, errkind.External("identity: history", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Agent
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, errkind.External("identity: scan version", err)
		}
		var a Agent
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, fmt.Errorf("identity: decode version: %w", err)
		}
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.External("identity: read rows", err)
	}
	if len(out) == 0 {
		return nil, ErrAgentNotFound
	}
	return out, nil
}

func (p *PostgresStore) SearchByCapability(ctx context.Context, capability string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id FROM agents
		WHERE EXISTS (
			SELECT 1 FROM unnest(capabilities) AS c WHERE c ILIKE '%' || $1 || '%' ESCAPE '\'
		)
		ORDER BY created_at, id
	`, escapeLike(strings.TrimSpace(capability)))
	if err != nil {
		return nil, errkind.External("identity: search", err)
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
		return nil, errkind.External("identity: read rows", err)
	}
	return ids, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var a Agent
	var caps pq.StringArray
	err := row.Scan(&a.ID, &a.Owner, &a.Name, &a.Description, &caps, &a.Endpoint, &a.Price,
		&a.Currency, &a.MetadataURI, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Capabilities = []string(caps)
	return &a, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505" && (constraint == "" || pqErr.Constraint == constraint)
}
