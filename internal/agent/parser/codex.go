package parser

import (
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/TestAny-io/agent-chatter-sub000/internal/common/logger"
	"github.com/TestAny-io/agent-chatter-sub000/internal/types/streams"
)

// codexToolNames maps codex item types to normalized tool names.
var codexToolNames = map[string]string{
	"command_execution": "Bash",
	"file_change":       "Write",
	"file_read":         "Read",
	"web_search":        "WebSearch",
}

// codexEvent mirrors one line of the codex exec NDJSON output.
type codexEvent struct {
	Type string `json:"type"`

	// For item.* events.
	Item *codexItem `json:"item,omitempty"`

	// For turn.failed.
	Error *codexError `json:"error,omitempty"`

	// For top-level error events.
	Message string `json:"message,omitempty"`
}

// codexItem is one thread item. The item type determines which fields are
// populated.
type codexItem struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"item_type"`

	// For command_execution items.
	Command          string `json:"command,omitempty"`
	AggregatedOutput string `json:"aggregated_output,omitempty"`
	ExitCode         *int   `json:"exit_code,omitempty"`

	// For file_change items.
	Changes []codexFileChange `json:"changes,omitempty"`

	// For file_read and web_search items.
	Path  string `json:"path,omitempty"`
	Query string `json:"query,omitempty"`

	// For reasoning and agent_message items.
	Text string `json:"text,omitempty"`

	// For todo_list items.
	Items []codexTodo `json:"items,omitempty"`
}

type codexFileChange struct {
	Path string `json:"path"`
	Kind string `json:"kind,omitempty"`
}

type codexTodo struct {
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}

type codexError struct {
	Message string `json:"message"`
}

// codexParser normalizes codex exec NDJSON. Tool names come from the item
// type on both start and completion, so no pairing state is needed.
type codexParser struct {
	lines lineBuffer
	log   *logger.Logger
}

func newCodexParser(log *logger.Logger) *codexParser {
	return &codexParser{log: log}
}

func (p *codexParser) ParseChunk(data []byte) []streams.AgentEvent {
	var events []streams.AgentEvent
	for _, line := range p.lines.Add(data) {
		events = append(events, p.parseLine(line)...)
	}
	return events
}

func (p *codexParser) Flush() []streams.AgentEvent {
	line, ok := p.lines.Drain()
	if !ok {
		return nil
	}
	return p.parseLine(line)
}

func (p *codexParser) Reset() {
	p.lines.Reset()
}

func (p *codexParser) parseLine(line string) []streams.AgentEvent {
	var ev codexEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return malformedLine(line, err, p.log)
	}

	switch ev.Type {
	case "thread.started":
		return []streams.AgentEvent{{Type: streams.EventTypeSessionStarted}}
	case "item.started", "item.updated":
		return p.itemProgress(ev.Type, ev.Item)
	case "item.completed":
		return p.itemCompleted(ev.Item)
	case "turn.completed":
		return []streams.AgentEvent{{
			Type:         streams.EventTypeTurnCompleted,
			FinishReason: streams.FinishDone,
		}}
	case "turn.failed":
		msg := "turn failed"
		if ev.Error != nil && ev.Error.Message != "" {
			msg = ev.Error.Message
		}
		return []streams.AgentEvent{
			{Type: streams.EventTypeError, Error: msg},
			{Type: streams.EventTypeTurnCompleted, FinishReason: streams.FinishError},
		}
	case "error":
		if ev.Message != "" {
			return []streams.AgentEvent{{Type: streams.EventTypeError, Error: ev.Message}}
		}
	case "turn.started":
		// No unified equivalent; the dispatch itself marks the turn start.
	default:
		p.log.Debug("Ignoring codex stream event", zap.String("type", ev.Type))
	}
	return nil
}

func (p *codexParser) itemProgress(eventType string, item *codexItem) []streams.AgentEvent {
	if item == nil {
		return nil
	}
	if item.Type == "todo_list" {
		return []streams.AgentEvent{codexTodoEvent(item)}
	}
	if eventType != "item.started" {
		return nil
	}
	name, ok := codexToolNames[item.Type]
	if !ok {
		return nil
	}
	return []streams.AgentEvent{{
		Type:      streams.EventTypeToolStarted,
		ToolName:  name,
		ToolID:    item.ID,
		ToolInput: codexToolInput(item),
	}}
}

func (p *codexParser) itemCompleted(item *codexItem) []streams.AgentEvent {
	if item == nil {
		return nil
	}
	switch item.Type {
	case "reasoning":
		if item.Text == "" {
			return nil
		}
		return []streams.AgentEvent{{
			Type:     streams.EventTypeText,
			Text:     item.Text,
			Category: streams.CategoryReasoning,
		}}
	case "agent_message":
		if item.Text == "" {
			return nil
		}
		return []streams.AgentEvent{{
			Type:     streams.EventTypeText,
			Text:     item.Text,
			Category: streams.CategoryMessage,
		}}
	}

	name, ok := codexToolNames[item.Type]
	if !ok {
		return nil
	}
	ev := streams.AgentEvent{
		Type:       streams.EventTypeToolCompleted,
		ToolName:   name,
		ToolID:     item.ID,
		ToolOutput: item.AggregatedOutput,
	}
	if item.ExitCode != nil && *item.ExitCode != 0 {
		ev.ToolError = fmt.Sprintf("Exit code: %d", *item.ExitCode)
	}
	return []streams.AgentEvent{ev}
}

func codexTodoEvent(item *codexItem) streams.AgentEvent {
	items := make([]streams.TodoItem, 0, len(item.Items))
	for _, todo := range item.Items {
		status := streams.TodoPending
		if todo.Completed {
			status = streams.TodoCompleted
		}
		entry := streams.TodoItem{Text: todo.Text, Status: status}
		if validTodo(entry) {
			items = append(items, entry)
		}
	}
	return streams.AgentEvent{
		Type:      streams.EventTypeTodoList,
		TodoID:    item.ID,
		TodoItems: items,
	}
}

// codexToolInput renders a started tool item as a human-readable argument
// string.
func codexToolInput(item *codexItem) string {
	switch item.Type {
	case "command_execution":
		return item.Command
	case "file_read":
		return item.Path
	case "web_search":
		return item.Query
	case "file_change":
		paths := make([]string, 0, len(item.Changes))
		for _, change := range item.Changes {
			paths = append(paths, change.Path)
		}
		return strings.Join(paths, ", ")
	}
	return ""
}
