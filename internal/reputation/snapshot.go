package reputation

import (
	"context"
	"database/sql"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/trustmesh/internal/errkind"
)

// Snapshot is a point-in-time reputation summary stored for history.
type Snapshot struct {
	ID           int       `json:"id"`
	AgentID      string    `json:"agentId"`
	AvgRating    float64   `json:"avgRating"`
	TotalReviews int       `json:"totalReviews"`
	TrustScore   int       `json:"trustScore"`
	Tier         Tier      `json:"tier"`
	CreatedAt    time.Time `json:"createdAt"`
}

// SnapshotFromSummary creates a Snapshot from a computed Summary.
func SnapshotFromSummary(s *Summary, at time.Time) *Snapshot {
	return &Snapshot{
		AgentID:      s.AgentID,
		AvgRating:    s.AvgRating,
		TotalReviews: s.TotalReviews,
		TrustScore:   s.TrustScore,
		Tier:         s.Tier,
		CreatedAt:    at,
	}
}

// HistoryQuery selects snapshots for one agent within an optional window.
type HistoryQuery struct {
	AgentID string
	From    time.Time
	To      time.Time
	Limit   int
}

// SnapshotStore persists reputation snapshots.
type SnapshotStore interface {
	SaveBatch(ctx context.Context, snaps []*Snapshot) error
	// Query returns matching snapshots, newest first.
	Query(ctx context.Context, q HistoryQuery) ([]*Snapshot, error)
}

// MemorySnapshotStore implements SnapshotStore in memory.
type MemorySnapshotStore struct {
	mu        sync.RWMutex
	snapshots []*Snapshot
	nextID    int
}

// NewMemorySnapshotStore creates an in-memory snapshot store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{nextID: 1}
}

func (m *MemorySnapshotStore) SaveBatch(_ context.Context, snaps []*Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range snaps {
		s.ID = m.nextID
		m.nextID++
		if s.CreatedAt.IsZero() {
			s.CreatedAt = time.Now()
		}
		c := *s
		m.snapshots = append(m.snapshots, &c)
	}
	return nil
}

func (m *MemorySnapshotStore) Query(_ context.Context, q HistoryQuery) ([]*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*Snapshot
	for _, s := range m.snapshots {
		if s.AgentID != q.AgentID {
			continue
		}
		if !q.From.IsZero() && s.CreatedAt.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && s.CreatedAt.After(q.To) {
			continue
		}
		c := *s
		results = append(results, &c)
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// PostgresSnapshotStore implements SnapshotStore backed by PostgreSQL.
type PostgresSnapshotStore struct {
	db *sql.DB
}

// NewPostgresSnapshotStore creates a PostgreSQL-backed snapshot store.
func NewPostgresSnapshotStore(db *sql.DB) *PostgresSnapshotStore {
	return &PostgresSnapshotStore{db: db}
}

func (p *PostgresSnapshotStore) SaveBatch(ctx context.Context, snaps []*Snapshot) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return errkind.External("reputation: begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO reputation_snapshots (agent_id, avg_rating, total_reviews, trust_score, tier, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`)
	if err != nil {
		return errkind.External("reputation: prepare snapshot", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, s := range snaps {
		if s.CreatedAt.IsZero() {
			s.CreatedAt = time.Now()
		}
		if err := stmt.QueryRowContext(ctx, s.AgentID, s.AvgRating, s.TotalReviews, s.TrustScore,
			string(s.Tier), s.CreatedAt).Scan(&s.ID); err != nil {
			return errkind.External("reputation: insert snapshot", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errkind.External("reputation: commit", err)
	}
	return nil
}

func (p *PostgresSnapshotStore) Query(ctx context.Context, q HistoryQuery) ([]*Snapshot, error) {
	query := `
		SELECT id, agent_id, avg_rating, total_reviews, trust_score, tier, created_at
		FROM reputation_snapshots
		WHERE agent_id = $1`
	args := []any{q.AgentID}
	argIdx := 2

	if !q.From.IsZero() {
		query += " AND created_at >= $" + strconv.Itoa(argIdx)
		args = append(args, q.From)
		argIdx++
	}
	if !q.To.IsZero() {
		query += " AND created_at <= $" + strconv.Itoa(argIdx)
		args = append(args, q.To)
		argIdx++
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY created_at DESC LIMIT $" + strconv.Itoa(argIdx)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errkind.External("reputation: query snapshots", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Snapshot
	for rows.Next() {
		s := &Snapshot{}
		var tier string
		if err := rows.Scan(&s.ID, &s.AgentID, &s.AvgRating, &s.TotalReviews, &s.TrustScore,
			&tier, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.Tier = Tier(tier)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.External("reputation: read rows", err)
	}
	return out, nil
}
