package parser

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/TestAny-io/agent-chatter-sub000/internal/common/logger"
	"github.com/TestAny-io/agent-chatter-sub000/internal/types/streams"
)

// geminiEvent mirrors one line of the gemini stream-json output. The event
// type determines which fields are populated.
type geminiEvent struct {
	Type string `json:"type"`

	// For init events.
	SessionID string `json:"session_id,omitempty"`

	// For message and result events.
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`

	// For tool_call and tool_result events.
	ToolID   string          `json:"tool_id,omitempty"`
	ToolName string          `json:"tool_name,omitempty"`
	Args     json.RawMessage `json:"args,omitempty"`
	Output   string          `json:"output,omitempty"`

	// For result and error events.
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// geminiParser normalizes the gemini stream-json output. Tool results carry
// their own tool name; a result without one completes as tool "unknown".
type geminiParser struct {
	lines lineBuffer
	log   *logger.Logger
}

func newGeminiParser(log *logger.Logger) *geminiParser {
	return &geminiParser{log: log}
}

func (p *geminiParser) ParseChunk(data []byte) []streams.AgentEvent {
	var events []streams.AgentEvent
	for _, line := range p.lines.Add(data) {
		events = append(events, p.parseLine(line)...)
	}
	return events
}

func (p *geminiParser) Flush() []streams.AgentEvent {
	line, ok := p.lines.Drain()
	if !ok {
		return nil
	}
	return p.parseLine(line)
}

func (p *geminiParser) Reset() {
	p.lines.Reset()
}

func (p *geminiParser) parseLine(line string) []streams.AgentEvent {
	var ev geminiEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return malformedLine(line, err, p.log)
	}

	switch ev.Type {
	case "init":
		return []streams.AgentEvent{{Type: streams.EventTypeSessionStarted}}
	case "message":
		if ev.Content == "" || (ev.Role != "" && ev.Role != "assistant") {
			return nil
		}
		return []streams.AgentEvent{{
			Type:     streams.EventTypeText,
			Text:     ev.Content,
			Role:     ev.Role,
			Category: streams.CategoryAssistantMessage,
		}}
	case "tool_call":
		return []streams.AgentEvent{{
			Type:      streams.EventTypeToolStarted,
			ToolName:  ev.ToolName,
			ToolID:    ev.ToolID,
			ToolInput: string(ev.Args),
		}}
	case "tool_result":
		name := ev.ToolName
		if name == "" {
			name = "unknown"
		}
		out := streams.AgentEvent{
			Type:     streams.EventTypeToolCompleted,
			ToolName: name,
			ToolID:   ev.ToolID,
		}
		if ev.Error != "" {
			out.ToolError = ev.Error
		} else {
			out.ToolOutput = ev.Output
		}
		return []streams.AgentEvent{out}
	case "result":
		var events []streams.AgentEvent
		if ev.Content != "" {
			events = append(events, streams.AgentEvent{
				Type:     streams.EventTypeText,
				Text:     ev.Content,
				Category: streams.CategoryResult,
			})
		}
		reason := streams.FinishDone
		if ev.Status == "error" || ev.Error != "" {
			reason = streams.FinishError
		}
		return append(events, streams.AgentEvent{
			Type:         streams.EventTypeTurnCompleted,
			FinishReason: reason,
		})
	case "error":
		if ev.Error != "" {
			return []streams.AgentEvent{{Type: streams.EventTypeError, Error: ev.Error}}
		}
	default:
		p.log.Debug("Ignoring gemini stream event", zap.String("type", ev.Type))
	}
	return nil
}
