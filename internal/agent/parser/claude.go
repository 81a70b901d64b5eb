package parser

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/TestAny-io/agent-chatter-sub000/internal/common/logger"
	"github.com/TestAny-io/agent-chatter-sub000/internal/types/streams"
)

// claudeToolTodoWrite is the tool claude uses for plan updates. Its calls
// are surfaced as todo_list events instead of tool.started.
const claudeToolTodoWrite = "TodoWrite"

// claudeMessage mirrors one line of the claude stream-json protocol. The
// message type determines which fields are populated.
type claudeMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// For assistant and user messages.
	Message *claudeMessageBody `json:"message,omitempty"`

	// For result messages. Result is usually a string but the protocol
	// also allows an object.
	Result  json.RawMessage `json:"result,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
}

// claudeMessageBody holds the role and content of an assistant or user
// message. Content is either an array of blocks or a plain string.
type claudeMessageBody struct {
	Role    string          `json:"role,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// blocks decodes the content as an array of blocks, returning nil for
// string content or anything else.
func (b *claudeMessageBody) blocks() []claudeBlock {
	if b == nil || len(b.Content) == 0 {
		return nil
	}
	var blocks []claudeBlock
	if err := json.Unmarshal(b.Content, &blocks); err != nil {
		return nil
	}
	return blocks
}

// claudeBlock is one content block. The block type determines which fields
// are populated.
type claudeBlock struct {
	Type string `json:"type"`

	// For text blocks.
	Text string `json:"text,omitempty"`

	// For thinking blocks.
	Thinking string `json:"thinking,omitempty"`

	// For tool_use blocks.
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// For tool_result blocks. Content is either a string or an array of
	// text blocks.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// resultString returns the result payload when it is a plain string.
func (m *claudeMessage) resultString() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		return ""
	}
	return s
}

type claudeTodo struct {
	Content string `json:"content"`
	Status  string `json:"status"`
}

// claudeParser normalizes the claude stream-json protocol. It records
// tool_use ids so the matching tool_result can be named; a result whose id
// was never observed completes as tool "unknown".
type claudeParser struct {
	lines   lineBuffer
	pending map[string]string
	log     *logger.Logger
}

func newClaudeParser(log *logger.Logger) *claudeParser {
	return &claudeParser{
		pending: make(map[string]string),
		log:     log,
	}
}

func (p *claudeParser) ParseChunk(data []byte) []streams.AgentEvent {
	var events []streams.AgentEvent
	for _, line := range p.lines.Add(data) {
		events = append(events, p.parseLine(line)...)
	}
	return events
}

func (p *claudeParser) Flush() []streams.AgentEvent {
	line, ok := p.lines.Drain()
	if !ok {
		return nil
	}
	return p.parseLine(line)
}

func (p *claudeParser) Reset() {
	p.lines.Reset()
	p.pending = make(map[string]string)
}

func (p *claudeParser) parseLine(line string) []streams.AgentEvent {
	var msg claudeMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return malformedLine(line, err, p.log)
	}

	switch msg.Type {
	case "system":
		if msg.Subtype == "init" {
			return []streams.AgentEvent{{Type: streams.EventTypeSessionStarted}}
		}
	case "assistant":
		return p.assistantEvents(msg.Message)
	case "user":
		return p.toolResults(msg.Message)
	case "result":
		return p.resultEvents(&msg)
	default:
		p.log.Debug("Ignoring claude stream message", zap.String("type", msg.Type))
	}
	return nil
}

func (p *claudeParser) assistantEvents(body *claudeMessageBody) []streams.AgentEvent {
	var events []streams.AgentEvent
	for _, block := range body.blocks() {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			events = append(events, streams.AgentEvent{
				Type:     streams.EventTypeText,
				Text:     block.Text,
				Role:     body.Role,
				Category: streams.CategoryAssistantMessage,
			})
		case "thinking":
			if block.Thinking == "" {
				continue
			}
			events = append(events, streams.AgentEvent{
				Type:     streams.EventTypeText,
				Text:     block.Thinking,
				Role:     body.Role,
				Category: streams.CategoryReasoning,
			})
		case "tool_use":
			events = append(events, p.toolUseEvents(block)...)
		}
	}
	return events
}

func (p *claudeParser) toolUseEvents(block claudeBlock) []streams.AgentEvent {
	if block.Name == claudeToolTodoWrite {
		if todos, ok := decodeClaudeTodos(block.Input); ok {
			return []streams.AgentEvent{{
				Type:      streams.EventTypeTodoList,
				TodoID:    block.ID,
				TodoItems: todos,
			}}
		}
	}

	p.pending[block.ID] = block.Name
	return []streams.AgentEvent{{
		Type:      streams.EventTypeToolStarted,
		ToolName:  block.Name,
		ToolID:    block.ID,
		ToolInput: string(block.Input),
	}}
}

// decodeClaudeTodos extracts TodoWrite entries. ok is false when the todos
// field is absent or not an array, in which case the call is treated as a
// plain tool use.
func decodeClaudeTodos(input json.RawMessage) ([]streams.TodoItem, bool) {
	var in struct {
		Todos []claudeTodo `json:"todos"`
	}
	if err := json.Unmarshal(input, &in); err != nil || in.Todos == nil {
		return nil, false
	}
	items := make([]streams.TodoItem, 0, len(in.Todos))
	for _, todo := range in.Todos {
		item := streams.TodoItem{Text: todo.Content, Status: todo.Status}
		if validTodo(item) {
			items = append(items, item)
		}
	}
	return items, true
}

// toolResults handles user messages, which carry tool results back to the
// assistant as tool_result content blocks.
func (p *claudeParser) toolResults(body *claudeMessageBody) []streams.AgentEvent {
	var events []streams.AgentEvent
	for _, block := range body.blocks() {
		if block.Type != "tool_result" {
			continue
		}

		name, ok := p.pending[block.ToolUseID]
		if !ok {
			name = "unknown"
		}
		delete(p.pending, block.ToolUseID)

		ev := streams.AgentEvent{
			Type:     streams.EventTypeToolCompleted,
			ToolName: name,
			ToolID:   block.ToolUseID,
		}
		text := flattenClaudeContent(block.Content)
		if block.IsError {
			ev.ToolError = text
		} else {
			ev.ToolOutput = text
		}
		events = append(events, ev)
	}
	return events
}

// flattenClaudeContent renders tool_result content, which is either a plain
// string or an array of text blocks.
func flattenClaudeContent(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s
	}
	var blocks []claudeBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return ""
	}
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func (p *claudeParser) resultEvents(msg *claudeMessage) []streams.AgentEvent {
	var events []streams.AgentEvent
	if text := msg.resultString(); text != "" {
		events = append(events, streams.AgentEvent{
			Type:     streams.EventTypeText,
			Text:     text,
			Category: streams.CategoryResult,
		})
	}

	reason := streams.FinishDone
	if msg.IsError {
		reason = streams.FinishError
	}
	return append(events, streams.AgentEvent{
		Type:         streams.EventTypeTurnCompleted,
		FinishReason: reason,
	})
}
