// Package session persists conversation snapshots. The coordinator saves
// before every pause and on stop; stores never see partial sessions.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/TestAny-io/agent-chatter-sub000/internal/conversation"
)

// MemoryStore keeps sessions in process memory. Used for tests and for the
// "memory" storage provider, where nothing survives a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*conversation.Snapshot
	// order tracks save recency per team for LatestSession.
	order []string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*conversation.Snapshot)}
}

// SaveSession upserts a snapshot keyed by session id.
func (s *MemoryStore) SaveSession(_ context.Context, teamID string, snap *conversation.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *snap
	if copied.TeamID == "" {
		copied.TeamID = teamID
	}
	if _, exists := s.sessions[snap.SessionID]; !exists {
		s.order = append(s.order, snap.SessionID)
	} else {
		s.touchLocked(snap.SessionID)
	}
	s.sessions[snap.SessionID] = &copied
	return nil
}

// LoadSession returns the snapshot for a session id within a team.
func (s *MemoryStore) LoadSession(_ context.Context, teamID, sessionID string) (*conversation.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.sessions[sessionID]
	if !ok || snap.TeamID != teamID {
		return nil, fmt.Errorf("session %s not found for team %s", sessionID, teamID)
	}
	copied := *snap
	return &copied, nil
}

// LatestSession returns the most recently saved snapshot for a team.
func (s *MemoryStore) LatestSession(_ context.Context, teamID string) (*conversation.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.order) - 1; i >= 0; i-- {
		snap := s.sessions[s.order[i]]
		if snap != nil && snap.TeamID == teamID {
			copied := *snap
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("no sessions for team %s", teamID)
}

// Close satisfies the provider contract; nothing to release.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) touchLocked(sessionID string) {
	for i, id := range s.order {
		if id == sessionID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			s.order = append(s.order, sessionID)
			return
		}
	}
}
