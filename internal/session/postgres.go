package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/TestAny-io/agent-chatter-sub000/internal/common/database"
	"github.com/TestAny-io/agent-chatter-sub000/internal/conversation"
)

// PostgresStore persists sessions in PostgreSQL, sharing the pgx pool from
// internal/common/database.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore initializes the schema on the given pool.
func NewPostgresStore(ctx context.Context, db *database.DB) (*PostgresStore, error) {
	store := &PostgresStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("session schema init: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id            TEXT PRIMARY KEY,
		team_id               TEXT NOT NULL,
		status                TEXT NOT NULL,
		waiting_for_member_id TEXT NOT NULL DEFAULT '',
		team_task             TEXT NOT NULL DEFAULT '',
		messages              JSONB NOT NULL DEFAULT '[]',
		created_at            TIMESTAMPTZ NOT NULL,
		updated_at            TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_team_updated ON sessions(team_id, updated_at);
	`
	_, err := s.db.Exec(ctx, schema)
	return err
}

// SaveSession upserts a snapshot keyed by session id. The write runs in a
// transaction so a half-applied snapshot can never be resumed from.
func (s *PostgresStore) SaveSession(ctx context.Context, teamID string, snap *conversation.Snapshot) error {
	row, err := rowFromSnapshot(teamID, snap)
	if err != nil {
		return err
	}
	err = s.db.WithTx(ctx, func(tx pgx.Tx) error {
		_, execErr := tx.Exec(ctx, `
			INSERT INTO sessions (session_id, team_id, status, waiting_for_member_id, team_task, messages, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (session_id) DO UPDATE SET
				team_id = EXCLUDED.team_id,
				status = EXCLUDED.status,
				waiting_for_member_id = EXCLUDED.waiting_for_member_id,
				team_task = EXCLUDED.team_task,
				messages = EXCLUDED.messages,
				updated_at = EXCLUDED.updated_at`,
			row.SessionID, row.TeamID, row.Status, row.WaitingForMemberID,
			row.TeamTask, row.Messages, row.CreatedAt, row.UpdatedAt)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("save session %s: %w", snap.SessionID, err)
	}
	return nil
}

// LoadSession returns the snapshot for a session id within a team.
func (s *PostgresStore) LoadSession(ctx context.Context, teamID, sessionID string) (*conversation.Snapshot, error) {
	row := s.db.QueryRow(ctx, `
		SELECT session_id, team_id, status, waiting_for_member_id, team_task, messages, created_at, updated_at
		FROM sessions WHERE team_id = $1 AND session_id = $2`, teamID, sessionID)
	snap, err := scanSnapshot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("session %s not found for team %s", sessionID, teamID)
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	return snap, nil
}

// LatestSession returns the most recently updated snapshot for a team.
func (s *PostgresStore) LatestSession(ctx context.Context, teamID string) (*conversation.Snapshot, error) {
	row := s.db.QueryRow(ctx, `
		SELECT session_id, team_id, status, waiting_for_member_id, team_task, messages, created_at, updated_at
		FROM sessions WHERE team_id = $1 ORDER BY updated_at DESC LIMIT 1`, teamID)
	snap, err := scanSnapshot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("no sessions for team %s", teamID)
	}
	if err != nil {
		return nil, fmt.Errorf("load latest session for team %s: %w", teamID, err)
	}
	return snap, nil
}

// Close satisfies the provider contract. The pool is shared and closed by its
// owner.
func (s *PostgresStore) Close() error { return nil }

func scanSnapshot(row pgx.Row) (*conversation.Snapshot, error) {
	var r sessionRow
	var messages []byte
	err := row.Scan(&r.SessionID, &r.TeamID, &r.Status, &r.WaitingForMemberID,
		&r.TeamTask, &messages, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}

	var decoded []*conversation.Message
	if err := json.Unmarshal(messages, &decoded); err != nil {
		return nil, fmt.Errorf("decode session messages: %w", err)
	}
	return &conversation.Snapshot{
		SessionID:          r.SessionID,
		TeamID:             r.TeamID,
		Status:             conversation.Status(r.Status),
		WaitingForMemberID: r.WaitingForMemberID,
		TeamTask:           r.TeamTask,
		Messages:           decoded,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}, nil
}
