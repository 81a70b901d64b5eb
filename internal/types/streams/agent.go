package streams

import "time"

// Agent family tags. Carried in AgentEvent.AgentType and used to select
// the adapter and stream parser for a member.
const (
	FamilyClaudeCode   = "claude-code"
	FamilyOpenAICodex  = "openai-codex"
	FamilyGoogleGemini = "google-gemini"
)

// AgentEvent type constants define the types of events streamed from an agent.
const (
	// EventTypeSessionStarted indicates the agent process reported session init.
	EventTypeSessionStarted = "session.started"

	// EventTypeText indicates text content from the agent.
	EventTypeText = "text"

	// EventTypeToolStarted indicates a tool invocation has started.
	EventTypeToolStarted = "tool.started"

	// EventTypeToolCompleted indicates a tool invocation has finished.
	EventTypeToolCompleted = "tool.completed"

	// EventTypeTodoList indicates agent todo/plan list updates.
	EventTypeTodoList = "todo_list"

	// EventTypeTurnCompleted indicates the turn has completed. Exactly one is
	// emitted per dispatch, synthesized by the agent manager if the stream
	// ended without one.
	EventTypeTurnCompleted = "turn.completed"

	// EventTypeError indicates an error occurred.
	EventTypeError = "error"
)

// Text category constants discriminate text event provenance.
const (
	// CategoryAssistantMessage is streaming assistant output (claude content blocks).
	CategoryAssistantMessage = "assistant-message"

	// CategoryReasoning is chain-of-thought content.
	CategoryReasoning = "reasoning"

	// CategoryMessage is a finalized agent message (codex agent_message items).
	CategoryMessage = "message"

	// CategoryResult is the final result payload of a turn.
	CategoryResult = "result"
)

// Finish reason constants for turn.completed events.
const (
	FinishDone      = "done"
	FinishError     = "error"
	FinishTimeout   = "timeout"
	FinishCancelled = "cancelled"
)

// Todo status constants for todo_list items.
const (
	TodoPending    = "pending"
	TodoInProgress = "in_progress"
	TodoCompleted  = "completed"
	TodoCancelled  = "cancelled"
)

// Machine-stable error codes carried by error events and structured errors.
const (
	// CodeJSONLParseError marks a line that failed JSON decoding on an agent stream.
	CodeJSONLParseError = "JSONL_PARSE_ERROR"

	// CodeProcessExit marks a non-zero process exit without a completion event.
	CodeProcessExit = "PROCESS_EXIT"

	// CodeProcessSpawnError marks a failure to start the agent process.
	CodeProcessSpawnError = "PROCESS_SPAWN_ERROR"

	// CodeAgentTimeout marks a turn terminated by the per-turn timeout.
	CodeAgentTimeout = "AGENT_TIMEOUT"

	// CodeAgentCancelled marks a turn terminated by user cancellation.
	CodeAgentCancelled = "AGENT_CANCELLED"

	// CodeUnknownFamily marks an agent type with no registered adapter or parser.
	CodeUnknownFamily = "UNKNOWN_FAMILY"

	// CodeConfigMissing marks a member whose launch configuration cannot be resolved.
	CodeConfigMissing = "CONFIG_MISSING"
)

// TeamMetadata is a snapshot of team identity attached to every event so
// observers can render events without a live team lookup.
type TeamMetadata struct {
	TeamID     string `json:"team_id,omitempty"`
	TeamName   string `json:"team_name,omitempty"`
	MemberName string `json:"member_name,omitempty"`
	MemberRole string `json:"member_role,omitempty"`
}

// TodoItem represents one entry in a todo_list event.
type TodoItem struct {
	// Text is the content/description of the entry.
	Text string `json:"text"`

	// Status is one of the Todo* constants.
	Status string `json:"status"`
}

// AgentEvent is the unified event type produced by the per-family stream
// parsers and published on the event bus. Parsers fill the Type and variant
// fields; the agent manager stamps EventID, AgentID, AgentType, Team, and
// Timestamp before publication.
type AgentEvent struct {
	// EventID uniquely identifies this event.
	EventID string `json:"event_id,omitempty"`

	// AgentID is the member id the event belongs to.
	AgentID string `json:"agent_id,omitempty"`

	// AgentType is the family tag (claude-code, openai-codex, google-gemini).
	AgentType string `json:"agent_type,omitempty"`

	// Team is a snapshot of team identity at publication time.
	Team TeamMetadata `json:"team"`

	// Timestamp is the publication time.
	Timestamp time.Time `json:"timestamp"`

	// Type identifies the event type. Use EventType* constants.
	Type string `json:"type"`

	// --- Text fields (for "text" type) ---

	// Text contains text content from the agent.
	Text string `json:"text,omitempty"`

	// Role is the wire-level role the text arrived under, when known.
	Role string `json:"role,omitempty"`

	// Category is one of the Category* constants; empty when the family
	// protocol gives no finer classification.
	Category string `json:"category,omitempty"`

	// --- Tool fields (for "tool.started" and "tool.completed" types) ---

	// ToolName is the normalized name of the tool being invoked.
	ToolName string `json:"tool_name,omitempty"`

	// ToolID uniquely identifies the tool invocation within the stream.
	ToolID string `json:"tool_id,omitempty"`

	// ToolInput is a rendering of the tool arguments (tool.started).
	ToolInput string `json:"tool_input,omitempty"`

	// ToolOutput is the tool result payload (tool.completed).
	ToolOutput string `json:"tool_output,omitempty"`

	// ToolError carries the failure description of a failed tool call.
	ToolError string `json:"tool_error,omitempty"`

	// --- Todo fields (for "todo_list" type) ---

	// TodoID identifies the todo list this update belongs to.
	TodoID string `json:"todo_id,omitempty"`

	// TodoItems contains the validated todo entries.
	TodoItems []TodoItem `json:"todo_items,omitempty"`

	// --- Completion fields (for "turn.completed" type) ---

	// FinishReason is one of the Finish* constants.
	FinishReason string `json:"finish_reason,omitempty"`

	// --- Error fields (for "error" type) ---

	// Error contains the error message when Type is "error".
	Error string `json:"error,omitempty"`

	// ErrorCode is a machine-stable code, one of the Code* constants.
	ErrorCode string `json:"error_code,omitempty"`
}

// IsTerminal reports whether the event ends a turn.
func (e *AgentEvent) IsTerminal() bool {
	return e.Type == EventTypeTurnCompleted
}
