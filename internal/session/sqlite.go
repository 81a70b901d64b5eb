package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/TestAny-io/agent-chatter-sub000/internal/conversation"
)

const sqliteBusyTimeoutMS = 5000

// SQLiteStore persists sessions to a single SQLite database file. It is the
// default storage provider.
type SQLiteStore struct {
	db *sqlx.DB
}

type sessionRow struct {
	SessionID          string    `db:"session_id"`
	TeamID             string    `db:"team_id"`
	Status             string    `db:"status"`
	WaitingForMemberID string    `db:"waiting_for_member_id"`
	TeamTask           string    `db:"team_task"`
	Messages           string    `db:"messages"`
	CreatedAt          time.Time `db:"created_at"`
	UpdatedAt          time.Time `db:"updated_at"`
}

// NewSQLiteStore opens (creating if necessary) the database at path and
// initializes the schema.
//
// WAL keeps reads cheap while the coordinator writes snapshots; the busy
// timeout covers the occasional concurrent observer.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir %s: %w", dir, err)
		}
	}

	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		path, sqliteBusyTimeoutMS,
	)
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %s: %w", path, err)
	}
	// Single writer; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("session schema init: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id            TEXT PRIMARY KEY,
		team_id               TEXT NOT NULL,
		status                TEXT NOT NULL,
		waiting_for_member_id TEXT NOT NULL DEFAULT '',
		team_task             TEXT NOT NULL DEFAULT '',
		messages              TEXT NOT NULL DEFAULT '[]',
		created_at            TIMESTAMP NOT NULL,
		updated_at            TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_team_updated ON sessions(team_id, updated_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveSession upserts a snapshot keyed by session id.
func (s *SQLiteStore) SaveSession(ctx context.Context, teamID string, snap *conversation.Snapshot) error {
	row, err := rowFromSnapshot(teamID, snap)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO sessions (session_id, team_id, status, waiting_for_member_id, team_task, messages, created_at, updated_at)
		VALUES (:session_id, :team_id, :status, :waiting_for_member_id, :team_task, :messages, :created_at, :updated_at)
		ON CONFLICT(session_id) DO UPDATE SET
			team_id = excluded.team_id,
			status = excluded.status,
			waiting_for_member_id = excluded.waiting_for_member_id,
			team_task = excluded.team_task,
			messages = excluded.messages,
			updated_at = excluded.updated_at`, row)
	if err != nil {
		return fmt.Errorf("save session %s: %w", snap.SessionID, err)
	}
	return nil
}

// LoadSession returns the snapshot for a session id within a team.
func (s *SQLiteStore) LoadSession(ctx context.Context, teamID, sessionID string) (*conversation.Snapshot, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM sessions WHERE team_id = ? AND session_id = ?`, teamID, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s not found for team %s", sessionID, teamID)
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	return row.snapshot()
}

// LatestSession returns the most recently updated snapshot for a team.
func (s *SQLiteStore) LatestSession(ctx context.Context, teamID string) (*conversation.Snapshot, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM sessions WHERE team_id = ? ORDER BY updated_at DESC LIMIT 1`, teamID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no sessions for team %s", teamID)
	}
	if err != nil {
		return nil, fmt.Errorf("load latest session for team %s: %w", teamID, err)
	}
	return row.snapshot()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func rowFromSnapshot(teamID string, snap *conversation.Snapshot) (*sessionRow, error) {
	if snap.SessionID == "" {
		return nil, errors.New("snapshot has no session id")
	}
	if snap.TeamID != "" {
		teamID = snap.TeamID
	}
	messages, err := json.Marshal(snap.Messages)
	if err != nil {
		return nil, fmt.Errorf("encode session messages: %w", err)
	}
	return &sessionRow{
		SessionID:          snap.SessionID,
		TeamID:             teamID,
		Status:             string(snap.Status),
		WaitingForMemberID: snap.WaitingForMemberID,
		TeamTask:           snap.TeamTask,
		Messages:           string(messages),
		CreatedAt:          snap.CreatedAt.UTC(),
		UpdatedAt:          snap.UpdatedAt.UTC(),
	}, nil
}

func (r *sessionRow) snapshot() (*conversation.Snapshot, error) {
	var messages []*conversation.Message
	if err := json.Unmarshal([]byte(r.Messages), &messages); err != nil {
		return nil, fmt.Errorf("decode session messages: %w", err)
	}
	return &conversation.Snapshot{
		SessionID:          r.SessionID,
		TeamID:             r.TeamID,
		Status:             conversation.Status(r.Status),
		WaitingForMemberID: r.WaitingForMemberID,
		TeamTask:           r.TeamTask,
		Messages:           messages,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}, nil
}
