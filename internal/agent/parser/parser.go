// Package parser normalizes the NDJSON stdout of agent CLI subprocesses
// into the unified AgentEvent stream. One parser implementation exists per
// agent family; all share the same line-buffering and error handling.
package parser

import (
	"bytes"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/TestAny-io/agent-chatter-sub000/internal/common/logger"
	"github.com/TestAny-io/agent-chatter-sub000/internal/types/streams"
)

// Parser turns raw stdout chunks into unified agent events. Implementations
// keep per-stream state and are not safe for concurrent use; the agent
// manager drives one parser per live subprocess.
type Parser interface {
	// ParseChunk consumes a chunk of stdout bytes. Only whole lines are
	// parsed; a trailing partial line is buffered for the next call.
	ParseChunk(data []byte) []streams.AgentEvent

	// Flush parses any buffered remainder as one final line. Called when
	// the stream ends.
	Flush() []streams.AgentEvent

	// Reset clears the line buffer and all per-stream state.
	Reset()
}

// New returns the stream parser for the given agent family.
func New(agentType string, log *logger.Logger) (Parser, error) {
	if log == nil {
		log = logger.Default()
	}
	switch agentType {
	case streams.FamilyClaudeCode:
		return newClaudeParser(log), nil
	case streams.FamilyOpenAICodex:
		return newCodexParser(log), nil
	case streams.FamilyGoogleGemini:
		return newGeminiParser(log), nil
	default:
		return nil, fmt.Errorf("no stream parser for agent type %q", agentType)
	}
}

// lineBuffer accumulates raw bytes and yields whole lines. The trailing
// partial line stays buffered until more data arrives or Drain is called.
type lineBuffer struct {
	buf bytes.Buffer
}

// Add appends data and returns the complete lines now available. Blank
// lines are skipped and a trailing \r is dropped.
func (b *lineBuffer) Add(data []byte) []string {
	b.buf.Write(data)
	var lines []string
	for {
		raw := b.buf.Bytes()
		i := bytes.IndexByte(raw, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimSuffix(string(raw[:i]), "\r")
		b.buf.Next(i + 1)
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// Drain returns the buffered remainder as one final line, if any.
func (b *lineBuffer) Drain() (string, bool) {
	rest := strings.TrimSpace(b.buf.String())
	b.buf.Reset()
	if rest == "" {
		return "", false
	}
	return rest, true
}

func (b *lineBuffer) Reset() {
	b.buf.Reset()
}

// malformedLine reports a line that failed JSON decoding. The stream keeps
// going: an error event carries the parse failure and a text event carries
// the raw line verbatim.
func malformedLine(line string, err error, log *logger.Logger) []streams.AgentEvent {
	log.Warn("Failed to decode agent stream line",
		zap.Error(err),
		zap.Int("line_length", len(line)))
	return []streams.AgentEvent{
		{
			Type:      streams.EventTypeError,
			Error:     fmt.Sprintf("failed to decode stream line: %v", err),
			ErrorCode: streams.CodeJSONLParseError,
		},
		{
			Type: streams.EventTypeText,
			Text: line,
		},
	}
}

// validTodo reports whether a todo entry may be emitted. Entries with empty
// text or an unrecognized status are dropped.
func validTodo(item streams.TodoItem) bool {
	if item.Text == "" {
		return false
	}
	switch item.Status {
	case streams.TodoPending, streams.TodoInProgress, streams.TodoCompleted, streams.TodoCancelled:
		return true
	}
	return false
}
