package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/boddenberg/tradeflow-bfa-go/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS gate_tokens (
	key TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	gate TEXT NOT NULL,
	state TEXT NOT NULL,
	timestamp INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_gate_tokens_state_ts ON gate_tokens(state, timestamp);
`

// SQLite is the durable local token store. It survives restarts of this
// process but is not shared with other instances.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies the schema.
func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." && path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single writer: SQLite serialises writes anyway and this avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Get(ctx context.Context, key domain.GateKey) (*domain.GateToken, error) {
	var (
		state string
		ts    int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT state, timestamp FROM gate_tokens WHERE key = ?`, key.String(),
	).Scan(&state, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get gate token: %w", err)
	}
	return &domain.GateToken{State: domain.GateState(state), Timestamp: time.Unix(0, ts).UTC()}, nil
}

func (s *SQLite) SetIfAbsent(ctx context.Context, key domain.GateKey, token domain.GateToken) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO gate_tokens (key, project_id, gate, state, timestamp) VALUES (?, ?, ?, ?, ?)`,
		key.String(), key.ProjectID, string(key.Gate), string(token.State), token.Timestamp.UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert gate token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to insert gate token: %w", err)
	}
	return n == 1, nil
}

func (s *SQLite) Set(ctx context.Context, key domain.GateKey, token domain.GateToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gate_tokens (key, project_id, gate, state, timestamp) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET state = excluded.state, timestamp = excluded.timestamp`,
		key.String(), key.ProjectID, string(key.Gate), string(token.State), token.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to set gate token: %w", err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, key domain.GateKey) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM gate_tokens WHERE key = ?`, key.String()); err != nil {
		return fmt.Errorf("failed to delete gate token: %w", err)
	}
	return nil
}

// CompletedBefore lists completed tokens older than before.
// Tokens still in the sent state are never listed so an in-flight dispatch is not repeated.
func (s *SQLite) CompletedBefore(ctx context.Context, before time.Time) ([]domain.GateKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_id, gate FROM gate_tokens WHERE state = ? AND timestamp < ? ORDER BY timestamp`,
		string(domain.GateStateCompleted), before.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list gate tokens: %w", err)
	}
	defer rows.Close()

	var keys []domain.GateKey
	for rows.Next() {
		var projectID, gate string
		if err := rows.Scan(&projectID, &gate); err != nil {
			return nil, fmt.Errorf("failed to scan gate token: %w", err)
		}
		keys = append(keys, domain.GateKey{ProjectID: projectID, Gate: domain.GateKind(gate)})
	}
	return keys, rows.Err()
}
