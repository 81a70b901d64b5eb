// Package events provides event subjects and utilities for the agent-chatter
// event system.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/TestAny-io/agent-chatter-sub000/internal/events/bus"
	"github.com/TestAny-io/agent-chatter-sub000/internal/types/streams"
)

// Bus subjects
const (
	// SubjectAgentEvents carries every AgentEvent produced by running agents.
	// The agent manager is the only publisher on this subject.
	SubjectAgentEvents = "agent.events"

	// SubjectConversation carries conversation lifecycle events.
	SubjectConversation = "conversation.lifecycle"
)

// Conversation lifecycle event types
const (
	ConversationStarted = "conversation.started"
	ConversationStopped = "conversation.stopped"
	TurnStarted         = "turn.started"
	TurnCompleted       = "turn.completed"
)

// PublishAgentEvent wraps an AgentEvent in a bus envelope and publishes it on
// SubjectAgentEvents.
func PublishAgentEvent(ctx context.Context, b bus.EventBus, ev *streams.AgentEvent) error {
	source := ev.AgentID
	if source == "" {
		source = "agent"
	}
	return b.Publish(ctx, SubjectAgentEvents, bus.NewEvent(ev.Type, source, ev))
}

// DecodeAgentEvent extracts the AgentEvent payload from a bus envelope.
//
// On the in-memory bus the payload arrives as the original struct pointer; a
// NATS hop JSON-decodes it into a map, so that shape is re-marshaled into the
// typed form.
func DecodeAgentEvent(event *bus.Event) (*streams.AgentEvent, error) {
	switch data := event.Data.(type) {
	case *streams.AgentEvent:
		return data, nil
	case streams.AgentEvent:
		return &data, nil
	default:
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to re-encode agent event payload: %w", err)
		}
		var ev streams.AgentEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("failed to decode agent event payload: %w", err)
		}
		return &ev, nil
	}
}
