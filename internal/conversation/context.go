package conversation

import (
	"sort"
	"strings"
	"sync"

	"github.com/TestAny-io/agent-chatter-sub000/internal/common/logger"
	"github.com/TestAny-io/agent-chatter-sub000/internal/conversation/queue"
	"github.com/TestAny-io/agent-chatter-sub000/internal/types/streams"
)

// Defaults for zero ContextManager parameters.
const (
	DefaultHistoryWindow  = 5
	DefaultTeamTaskMaxLen = 200
)

// PromptOverrides carries per-member prompt inputs that live on the team
// definition rather than in conversation state.
type PromptOverrides struct {
	SystemInstruction   string
	InstructionFileText string
}

// Context is everything AssemblePrompt needs to render one dispatch prompt.
type Context struct {
	MemberID  string
	AgentType string

	System          string
	InstructionFile string
	TeamTask        string

	// Recent is the sliding window of history, oldest first. For routed
	// dispatches it also contains the parent message and its siblings even
	// when those have slid out of the window.
	Recent []*Message

	// Target is the message the member should respond to: the route's
	// parent when known, otherwise the most recent message.
	Target *Message

	// Intent is set for routed dispatches.
	Intent queue.Intent
}

// ContextManager keeps the conversation history, the current team task, and
// builds per-dispatch prompt contexts. The coordinator is the only writer;
// reads may come from callbacks, so access is guarded.
type ContextManager struct {
	mu         sync.RWMutex
	messages   []*Message
	teamTask   string
	window     int
	taskMaxLen int
	log        *logger.Logger
}

// NewContextManager creates a context manager with the given history window
// and team-task cap. Non-positive values take the package defaults.
func NewContextManager(window int, taskMaxLen int, log *logger.Logger) *ContextManager {
	if window <= 0 {
		window = DefaultHistoryWindow
	}
	if taskMaxLen <= 0 {
		taskMaxLen = DefaultTeamTaskMaxLen
	}
	if log == nil {
		log = logger.Default()
	}
	return &ContextManager{
		window:     window,
		taskMaxLen: taskMaxLen,
		log:        log,
	}
}

// AddMessage appends a message to the history. Nil messages are ignored.
func (c *ContextManager) AddMessage(m *Message) {
	if m == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, m)
}

// SetTeamTask replaces the current team task, truncating to the configured
// cap with a trailing ellipsis. An empty task clears it.
func (c *ContextManager) SetTeamTask(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	runes := []rune(s)
	if len(runes) > c.taskMaxLen {
		s = string(runes[:c.taskMaxLen]) + "..."
	}
	c.teamTask = s
}

// TeamTask returns the current team task.
func (c *ContextManager) TeamTask() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.teamTask
}

// Messages returns a copy of the full history in insertion order.
func (c *ContextManager) Messages() []*Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// MessageCount returns the number of history entries.
func (c *ContextManager) MessageCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

// MessageByID finds a history message by id.
func (c *ContextManager) MessageByID(id string) (*Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, m := range c.messages {
		if m.ID == id {
			return m, true
		}
	}
	return nil, false
}

// LatestMessage returns the most recent message, or nil when history is empty.
func (c *ContextManager) LatestMessage() *Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.messages) == 0 {
		return nil
	}
	return c.messages[len(c.messages)-1]
}

// Clear drops the history and the team task.
func (c *ContextManager) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = nil
	c.teamTask = ""
}

// ExportSnapshot copies the persistable conversation state: messages and the
// team task. The coordinator fills in session identity before saving.
func (c *ContextManager) ExportSnapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	msgs := make([]*Message, len(c.messages))
	copy(msgs, c.messages)
	return Snapshot{Messages: msgs, TeamTask: c.teamTask}
}

// ImportSnapshot restores messages and the team task from a snapshot,
// replacing current state. Session identity fields are ignored here.
func (c *ContextManager) ImportSnapshot(s Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = make([]*Message, len(s.Messages))
	copy(c.messages, s.Messages)
	c.teamTask = s.TeamTask
	runes := []rune(c.teamTask)
	if len(runes) > c.taskMaxLen {
		c.teamTask = string(runes[:c.taskMaxLen]) + "..."
	}
}

// ContextForAgent builds a dispatch context for a member responding to the
// conversation at large: the recent window plus the latest message as target.
func (c *ContextManager) ContextForAgent(memberID, agentType string, o PromptOverrides) Context {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ctx := Context{
		MemberID:        memberID,
		AgentType:       agentType,
		System:          o.SystemInstruction,
		InstructionFile: o.InstructionFileText,
		TeamTask:        c.teamTask,
		Recent:          c.recentLocked(),
	}
	if n := len(c.messages); n > 0 {
		ctx.Target = c.messages[n-1]
	}
	return ctx
}

// ContextForRoute builds a dispatch context for a routed turn. On top of
// ContextForAgent it resolves the causal parent message and folds the
// parent's other replies into the window, so the prompt can show why the
// member was addressed even when the parent has slid out of the window.
func (c *ContextManager) ContextForRoute(memberID, agentType string, item *queue.Item, o PromptOverrides) Context {
	ctx := c.ContextForAgent(memberID, agentType, o)
	if item == nil {
		return ctx
	}
	ctx.Intent = item.Intent

	c.mu.RLock()
	defer c.mu.RUnlock()

	var parent *Message
	for _, m := range c.messages {
		if m.ID == item.ParentMessageID {
			parent = m
			break
		}
	}
	if parent == nil {
		return ctx
	}
	ctx.Target = parent

	merged := map[string]*Message{parent.ID: parent}
	for _, m := range ctx.Recent {
		merged[m.ID] = m
	}
	for _, m := range c.messages {
		if m.Routing.ParentMessageID == parent.ID {
			merged[m.ID] = m
		}
	}
	ctx.Recent = sortByTime(merged)
	return ctx
}

// recentLocked returns the last window messages, oldest first.
func (c *ContextManager) recentLocked() []*Message {
	n := len(c.messages)
	if n > c.window {
		n = c.window
	}
	out := make([]*Message, n)
	copy(out, c.messages[len(c.messages)-n:])
	return out
}

func sortByTime(set map[string]*Message) []*Message {
	out := make([]*Message, 0, len(set))
	for _, m := range set {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// AssemblePrompt renders a context into the plain-text prompt for an agent
// family. Sections appear as [SYSTEM], [INSTRUCTION_FILE], [CONTEXT], and
// [MESSAGE]; empty sections are omitted. For the claude family the system
// text is returned separately as systemFlag so the manager can pass it via
// --append-system-prompt; codex and gemini embed it in the prompt.
func AssemblePrompt(agentType string, ctx Context) (prompt string, systemFlag string) {
	var b strings.Builder

	embedSystem := agentType != streams.FamilyClaudeCode
	if ctx.System != "" {
		if embedSystem {
			writeSection(&b, "[SYSTEM]", ctx.System)
		} else {
			systemFlag = ctx.System
		}
	}
	if ctx.InstructionFile != "" {
		writeSection(&b, "[INSTRUCTION_FILE]", ctx.InstructionFile)
	}

	var lines []string
	if ctx.TeamTask != "" {
		lines = append(lines, "Team task: "+ctx.TeamTask)
	}
	for _, m := range ctx.Recent {
		if ctx.Target != nil && m.ID == ctx.Target.ID {
			continue
		}
		lines = append(lines, m.SpeakerLabel()+": "+m.Content)
	}
	if len(lines) > 0 {
		writeSection(&b, "[CONTEXT]", strings.Join(lines, "\n"))
	}

	if ctx.Target != nil {
		writeSection(&b, "[MESSAGE]", ctx.Target.SpeakerLabel()+": "+ctx.Target.Content)
	}

	return strings.TrimRight(b.String(), "\n"), systemFlag
}

func writeSection(b *strings.Builder, header, body string) {
	if b.Len() > 0 {
		b.WriteString("\n")
	}
	b.WriteString(header)
	b.WriteString("\n")
	b.WriteString(body)
	b.WriteString("\n")
}
