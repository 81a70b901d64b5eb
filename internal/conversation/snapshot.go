package conversation

import (
	"context"
	"time"
)

// Status represents the lifecycle state of a conversation.
type Status string

const (
	// StatusIdle means no team has been set yet.
	StatusIdle Status = "idle"
	// StatusActive means the conversation accepts and routes messages.
	StatusActive Status = "active"
	// StatusPaused means the conversation is waiting, usually for a human.
	StatusPaused Status = "paused"
	// StatusCompleted means the conversation was stopped and rejects input.
	StatusCompleted Status = "completed"
)

// Snapshot is the persistable state of a conversation session: identity,
// lifecycle, history, and the team task.
type Snapshot struct {
	SessionID          string     `json:"session_id"`
	TeamID             string     `json:"team_id"`
	Status             Status     `json:"status"`
	WaitingForMemberID string     `json:"waiting_for_member_id,omitempty"`
	Messages           []*Message `json:"messages"`
	TeamTask           string     `json:"team_task,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Storage persists conversation snapshots between runs. Implementations live
// in internal/session; save failures are logged by the coordinator and never
// abort the conversation.
type Storage interface {
	SaveSession(ctx context.Context, teamID string, snap *Snapshot) error
	LoadSession(ctx context.Context, teamID, sessionID string) (*Snapshot, error)
	LatestSession(ctx context.Context, teamID string) (*Snapshot, error)
}
