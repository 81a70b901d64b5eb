package parser

import (
	"testing"

	"github.com/TestAny-io/agent-chatter-sub000/internal/common/logger"
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

// parseLine is a test helper feeding one complete line through a parser.
func parseLine(p Parser, line string) []streams.AgentEvent {
	return p.ParseChunk([]byte(line + "\n"))
}

func TestNew_KnownFamilies(t *testing.T) {
	log := newTestLogger(t)

	for _, family := range []string{
		streams.FamilyClaudeCode,
		streams.FamilyOpenAICodex,
		streams.FamilyGoogleGemini,
	} {
		p, err := New(family, log)
		if err != nil {
			t.Errorf("New(%q) returned error: %v", family, err)
		}
		if p == nil {
			t.Errorf("New(%q) returned nil parser", family)
		}
	}
}

func TestNew_UnknownFamily(t *testing.T) {
	log := newTestLogger(t)

	p, err := New("mystery-agent", log)
	if err == nil {
		t.Fatal("Expected error for unknown family")
	}
	if p != nil {
		t.Errorf("Expected nil parser, got %T", p)
	}
}

func TestParseChunk_SplitAcrossChunks(t *testing.T) {
	p := newClaudeParser(newTestLogger(t))

	events := p.ParseChunk([]byte(`{"type":"sys`))
	if len(events) != 0 {
		t.Fatalf("Expected no events for partial line, got %d", len(events))
	}

	events = p.ParseChunk([]byte("tem\",\"subtype\":\"init\"}\n"))
	if len(events) != 1 || events[0].Type != streams.EventTypeSessionStarted {
		t.Errorf("Expected session.started after completing the line, got %+v", events)
	}
}

func TestParseChunk_CRLFAndBlankLines(t *testing.T) {
	p := newCodexParser(newTestLogger(t))

	events := p.ParseChunk([]byte("{\"type\":\"thread.started\"}\r\n\n\n"))
	if len(events) != 1 || events[0].Type != streams.EventTypeSessionStarted {
		t.Errorf("Expected one session.started, got %+v", events)
	}
}

func TestFlush_ParsesRemainder(t *testing.T) {
	p := newClaudeParser(newTestLogger(t))

	events := p.ParseChunk([]byte(`{"type":"result","result":"Hi","is_error":false}`))
	if len(events) != 0 {
		t.Fatalf("Expected no events before flush, got %d", len(events))
	}

	events = p.Flush()
	if len(events) != 2 {
		t.Fatalf("Expected text + turn.completed from flush, got %+v", events)
	}
	if events[0].Type != streams.EventTypeText || events[0].Text != "Hi" {
		t.Errorf("Unexpected text event: %+v", events[0])
	}
	if events[1].Type != streams.EventTypeTurnCompleted || events[1].FinishReason != streams.FinishDone {
		t.Errorf("Unexpected completion event: %+v", events[1])
	}

	if again := p.Flush(); len(again) != 0 {
		t.Errorf("Second flush should be empty, got %+v", again)
	}
}

func TestParseChunk_MalformedLine(t *testing.T) {
	p := newGeminiParser(newTestLogger(t))

	events := parseLine(p, "not json at all")
	if len(events) != 2 {
		t.Fatalf("Expected error + raw text, got %+v", events)
	}
	if events[0].Type != streams.EventTypeError || events[0].ErrorCode != streams.CodeJSONLParseError {
		t.Errorf("Unexpected error event: %+v", events[0])
	}
	if events[1].Type != streams.EventTypeText || events[1].Text != "not json at all" {
		t.Errorf("Expected raw line as text, got %+v", events[1])
	}

	// The stream keeps going after a bad line.
	events = parseLine(p, `{"type":"init"}`)
	if len(events) != 1 || events[0].Type != streams.EventTypeSessionStarted {
		t.Errorf("Expected stream to continue, got %+v", events)
	}
}

func TestReset_ClearsBufferAndState(t *testing.T) {
	p := newClaudeParser(newTestLogger(t))

	parseLine(p, `{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"ls"}}]}}`)
	p.ParseChunk([]byte(`{"partial`))
	p.Reset()

	// The buffered partial line is gone.
	events := parseLine(p, `{"type":"system","subtype":"init"}`)
	if len(events) != 1 || events[0].Type != streams.EventTypeSessionStarted {
		t.Errorf("Expected only the fresh line to parse, got %+v", events)
	}

	// The tool id map is gone too, so the result pairs as unknown.
	events = parseLine(p, `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t1","content":"ok"}]}}`)
	if len(events) != 1 || events[0].ToolName != "unknown" {
		t.Errorf("Expected unknown tool after reset, got %+v", events)
	}
}
