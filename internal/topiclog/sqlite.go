package topiclog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/mbd888/trustmesh/internal/errkind"
	"github.com/mbd888/trustmesh/internal/idgen"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS topics (
	id         TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS topic_messages (
	topic_id  TEXT    NOT NULL REFERENCES topics(id),
	seq       INTEGER NOT NULL,
	payload   BLOB    NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (topic_id, seq)
);`

// SQLiteLog persists topics in a local SQLite file.
type SQLiteLog struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) a SQLite log at path. Use
// ":memory:" for a throwaway log.
func OpenSQLite(path string) (*SQLiteLog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("topiclog: storage path is required")
	}
	dsn := path
	if path != ":memory:" {
		dsn = filepath.Clean(path)
	}
	dsn += "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("topiclog: open sqlite: %w", err)
	}
	// One writer keeps sequence assignment serial and lets :memory:
	// share a single database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("topiclog: create schema: %w", err)
	}
	return &SQLiteLog{db: db}, nil
}

func (s *SQLiteLog) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *SQLiteLog) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteLog) CreateTopic(ctx context.Context) (string, error) {
	id := idgen.WithPrefix(topicPrefix)
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO topics (id, created_at) VALUES (?, ?)`, id, time.Now().UnixMilli()); err != nil {
		return "", errkind.External("topiclog: create topic", err)
	}
	return id, nil
}

func (s *SQLiteLog) SubmitMessage(ctx context.Context, topicID string, payload []byte) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errkind.External("topiclog: begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := topicExists(ctx, tx, topicID); err != nil {
		return 0, err
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM topic_messages WHERE topic_id = ?`, topicID,
	).Scan(&seq); err != nil {
		return 0, errkind.External("topiclog: next sequence", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO topic_messages (topic_id, seq, payload, created_at) VALUES (?, ?, ?, ?)`,
		topicID, seq, payload, time.Now().UnixMilli()); err != nil {
		return 0, errkind.External("topiclog: insert message", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, errkind.External("topiclog: commit", err)
	}
	return seq, nil
}

func (s *SQLiteLog) ListMessages(ctx context.Context, topicID string) ([]Message, error) {
	if err := topicExists(ctx, s.db, topicID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, payload, created_at FROM topic_messages WHERE topic_id = ? ORDER BY seq`, topicID)
	if err != nil {
		return nil, errkind.External("topiclog: list messages", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m := Message{TopicID: topicID}
		var millis int64
		if err := rows.Scan(&m.Sequence, &m.Payload, &millis); err != nil {
			return nil, errkind.External("topiclog: scan message", err)
		}
		m.Timestamp = time.UnixMilli(millis).UTC()
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.External("topiclog: list messages", err)
	}
	return msgs, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func topicExists(ctx context.Context, q queryer, topicID string) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM topics WHERE id = ?`, topicID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrTopicNotFound
	}
	if err != nil {
		return errkind.External("topiclog: lookup topic", err)
	}
	return nil
}
