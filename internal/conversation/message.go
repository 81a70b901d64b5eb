package conversation

import (
	"time"

	"github.com/google/uuid"

	"github.com/TestAny-io/agent-chatter-sub000/internal/conversation/queue"
	"github.com/TestAny-io/agent-chatter-sub000/internal/team"
)

// Speaker is a point-in-time snapshot of the member who authored a message.
// Snapshotting keeps history renderable even if the member is later removed
// from the team.
type Speaker struct {
	MemberID    string `json:"member_id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Type        string `json:"type"`
}

// Routing records how a message was routed: the raw [NEXT] markers as found,
// the member ids they resolved to, and, for messages produced under a
// dequeued routing item, the causal parent and intent.
type Routing struct {
	RawNextMarkers  []string     `json:"raw_next_markers,omitempty"`
	AddresseeIDs    []string     `json:"addressee_ids,omitempty"`
	ParentMessageID string       `json:"parent_message_id,omitempty"`
	Intent          queue.Intent `json:"intent,omitempty"`
}

// Message is one entry of the conversation history. Content is stored with
// [NEXT] markers stripped; [FROM] and [TEAM_TASK] stay visible. Messages are
// immutable after creation except that the resolved addressees are filled in
// once by the coordinator.
type Message struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Speaker   Speaker   `json:"speaker"`
	Content   string    `json:"content"`
	Routing   Routing   `json:"routing"`
}

// NewMessage creates a history message spoken by the given member.
func NewMessage(m *team.Member, content string) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		Speaker: Speaker{
			MemberID:    m.ID,
			Name:        m.Name,
			DisplayName: m.DisplayName,
			Type:        m.Type,
		},
		Content: content,
	}
}

// SpeakerLabel returns the name history and prompts render for the speaker.
func (m *Message) SpeakerLabel() string {
	if m.Speaker.DisplayName != "" {
		return m.Speaker.DisplayName
	}
	return m.Speaker.Name
}
