package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/TestAny-io/agent-chatter-sub000/internal/common/config"
	"github.com/TestAny-io/agent-chatter-sub000/internal/common/logger"
	"github.com/TestAny-io/agent-chatter-sub000/internal/events/bus"
	"github.com/TestAny-io/agent-chatter-sub000/internal/types/streams"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stderr",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func TestPublishAgentEvent_MemoryRoundTrip(t *testing.T) {
	log := newTestLogger(t)
	memBus := bus.NewMemoryEventBus(log)
	defer memBus.Close()

	received := make(chan *streams.AgentEvent, 1)
	sub, err := memBus.Subscribe(SubjectAgentEvents, func(ctx context.Context, event *bus.Event) error {
		ev, err := DecodeAgentEvent(event)
		if err != nil {
			return err
		}
		received <- ev
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	original := &streams.AgentEvent{
		EventID:   "evt-1",
		AgentID:   "alice",
		AgentType: "claude-code",
		Timestamp: time.Now().UTC(),
		Type:      streams.EventTypeText,
		Text:      "hello",
		Category:  streams.CategoryAssistantMessage,
	}
	if err := PublishAgentEvent(context.Background(), memBus, original); err != nil {
		t.Fatalf("PublishAgentEvent failed: %v", err)
	}

	select {
	case ev := <-received:
		if ev != original {
			t.Error("Expected in-memory delivery to carry the original pointer")
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for agent event")
	}
}

func TestDecodeAgentEvent_JSONPayload(t *testing.T) {
	// Simulate a NATS hop: the envelope is marshaled to JSON and the payload
	// comes back as a generic map.
	original := &streams.AgentEvent{
		AgentID:   "bob",
		AgentType: "openai-codex",
		Type:      streams.EventTypeToolStarted,
		ToolName:  "Bash",
		ToolID:    "call-42",
		ToolInput: "ls -la",
	}
	envelope := bus.NewEvent(original.Type, original.AgentID, original)

	raw, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var wire bus.Event
	if err := json.Unmarshal(raw, &wire); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if _, ok := wire.Data.(map[string]interface{}); !ok {
		t.Fatalf("Expected wire payload to be a map, got %T", wire.Data)
	}

	decoded, err := DecodeAgentEvent(&wire)
	if err != nil {
		t.Fatalf("DecodeAgentEvent failed: %v", err)
	}
	if decoded.AgentID != original.AgentID {
		t.Errorf("Expected agent id %q, got %q", original.AgentID, decoded.AgentID)
	}
	if decoded.Type != original.Type {
		t.Errorf("Expected type %q, got %q", original.Type, decoded.Type)
	}
	if decoded.ToolName != original.ToolName {
		t.Errorf("Expected tool name %q, got %q", original.ToolName, decoded.ToolName)
	}
	if decoded.ToolInput != original.ToolInput {
		t.Errorf("Expected tool input %q, got %q", original.ToolInput, decoded.ToolInput)
	}
}

func TestDecodeAgentEvent_StructValue(t *testing.T) {
	ev := streams.AgentEvent{Type: streams.EventTypeTurnCompleted, FinishReason: streams.FinishDone}
	envelope := bus.NewEvent(ev.Type, "carol", ev)

	decoded, err := DecodeAgentEvent(envelope)
	if err != nil {
		t.Fatalf("DecodeAgentEvent failed: %v", err)
	}
	if decoded.FinishReason != streams.FinishDone {
		t.Errorf("Expected finish reason %q, got %q", streams.FinishDone, decoded.FinishReason)
	}
}

func TestProvide_DefaultsToMemory(t *testing.T) {
	cfg := &config.Config{}
	cfg.Bus.Provider = "memory"

	provided, cleanup, err := Provide(cfg, newTestLogger(t))
	if err != nil {
		t.Fatalf("Provide failed: %v", err)
	}
	defer func() {
		_ = cleanup()
	}()

	if provided.Memory == nil {
		t.Error("Expected memory bus to be selected")
	}
	if provided.NATS != nil {
		t.Error("Expected no NATS bus")
	}
	if provided.Bus == nil {
		t.Error("Expected Bus to be set")
	}
}
