package conversation

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TestAny-io/agent-chatter-sub000/internal/common/logger"
	"github.com/TestAny-io/agent-chatter-sub000/internal/conversation/queue"
	"github.com/TestAny-io/agent-chatter-sub000/internal/team"
	"github.com/TestAny-io/agent-chatter-sub000/internal/types/streams"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stderr"})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

// historyMessage builds a message with a deterministic id and timestamp so
// ordering assertions do not depend on the wall clock.
func historyMessage(seq int, speaker, content string) *Message {
	display := strings.ToUpper(speaker[:1]) + speaker[1:]
	return &Message{
		ID:        fmt.Sprintf("msg-%03d", seq),
		Timestamp: time.Date(2025, 6, 1, 12, 0, seq, 0, time.UTC),
		Speaker:   Speaker{MemberID: "m-" + speaker, Name: speaker, DisplayName: display, Type: team.TypeHuman},
		Content:   content,
	}
}

func TestContextManager_WindowKeepsMostRecent(t *testing.T) {
	cm := NewContextManager(3, 0, newTestLogger(t))
	for i := 1; i <= 5; i++ {
		cm.AddMessage(historyMessage(i, "alice", fmt.Sprintf("message %d", i)))
	}

	ctx := cm.ContextForAgent("m-bob", streams.FamilyClaudeCode, PromptOverrides{})

	require.Len(t, ctx.Recent, 3)
	assert.Equal(t, "message 3", ctx.Recent[0].Content)
	assert.Equal(t, "message 5", ctx.Recent[2].Content)
	require.NotNil(t, ctx.Target)
	assert.Equal(t, "message 5", ctx.Target.Content)

	// Full history stays available beyond the window.
	assert.Equal(t, 5, cm.MessageCount())
}

func TestContextManager_SetTeamTaskTruncates(t *testing.T) {
	cm := NewContextManager(5, 10, newTestLogger(t))

	cm.SetTeamTask("short")
	assert.Equal(t, "short", cm.TeamTask())

	cm.SetTeamTask("0123456789ABCDEF")
	assert.Equal(t, "0123456789...", cm.TeamTask())

	cm.SetTeamTask("")
	assert.Empty(t, cm.TeamTask())
}

func TestContextManager_ExportImportRoundTrip(t *testing.T) {
	cm := NewContextManager(5, 200, newTestLogger(t))
	cm.AddMessage(historyMessage(1, "alice", "hello"))
	cm.AddMessage(historyMessage(2, "bob", "hi"))
	cm.SetTeamTask("ship v2")

	snap := cm.ExportSnapshot()
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "ship v2", snap.TeamTask)

	restored := NewContextManager(5, 200, newTestLogger(t))
	restored.ImportSnapshot(snap)
	assert.Equal(t, 2, restored.MessageCount())
	assert.Equal(t, "ship v2", restored.TeamTask())

	m, ok := restored.MessageByID("msg-001")
	require.True(t, ok)
	assert.Equal(t, "hello", m.Content)
}

func TestContextManager_ImportReappliesTaskCap(t *testing.T) {
	small := NewContextManager(5, 10, newTestLogger(t))
	small.ImportSnapshot(Snapshot{TeamTask: "0123456789ABCDEF"})
	assert.Equal(t, "0123456789...", small.TeamTask())
}

func TestContextManager_Clear(t *testing.T) {
	cm := NewContextManager(5, 200, newTestLogger(t))
	cm.AddMessage(historyMessage(1, "alice", "hello"))
	cm.SetTeamTask("task")

	cm.Clear()

	assert.Equal(t, 0, cm.MessageCount())
	assert.Empty(t, cm.TeamTask())
	assert.Nil(t, cm.LatestMessage())
}

func TestContextForRoute_CarriesParentAndSiblings(t *testing.T) {
	cm := NewContextManager(2, 200, newTestLogger(t))

	parent := historyMessage(1, "alice", "please review [NEXT was here]")
	reply1 := historyMessage(2, "bob", "looking")
	reply1.Routing.ParentMessageID = parent.ID
	reply2 := historyMessage(3, "carol", "me too")
	reply2.Routing.ParentMessageID = parent.ID
	later1 := historyMessage(4, "alice", "unrelated follow-up")
	later2 := historyMessage(5, "alice", "more chatter")

	for _, m := range []*Message{parent, reply1, reply2, later1, later2} {
		cm.AddMessage(m)
	}

	item := &queue.Item{ParentMessageID: parent.ID, Intent: queue.IntentP1Interrupt}
	ctx := cm.ContextForRoute("m-dave", streams.FamilyOpenAICodex, item, PromptOverrides{})

	require.NotNil(t, ctx.Target)
	assert.Equal(t, parent.ID, ctx.Target.ID)
	assert.Equal(t, queue.IntentP1Interrupt, ctx.Intent)

	// Window of 2 alone would only show msg 4 and 5; the route folds the
	// parent and its replies back in, ordered by time.
	ids := make([]string, len(ctx.Recent))
	for i, m := range ctx.Recent {
		ids[i] = m.ID
	}
	assert.Equal(t, []string{"msg-001", "msg-002", "msg-003", "msg-004", "msg-005"}, ids)
}

func TestContextForRoute_UnknownParentFallsBackToLatest(t *testing.T) {
	cm := NewContextManager(5, 200, newTestLogger(t))
	cm.AddMessage(historyMessage(1, "alice", "hello"))
	cm.AddMessage(historyMessage(2, "bob", "hi"))

	item := &queue.Item{ParentMessageID: "gone", Intent: queue.IntentP2Reply}
	ctx := cm.ContextForRoute("m-bob", streams.FamilyClaudeCode, item, PromptOverrides{})

	require.NotNil(t, ctx.Target)
	assert.Equal(t, "msg-002", ctx.Target.ID)
}

func TestAssemblePrompt_ClaudeReturnsSystemFlag(t *testing.T) {
	ctx := Context{
		AgentType:       streams.FamilyClaudeCode,
		System:          "You are Bob, a terse reviewer.",
		InstructionFile: "House rules: be kind.",
		TeamTask:        "ship v2",
		Recent: []*Message{
			historyMessage(1, "alice", "hello"),
			historyMessage(2, "bob", "hi"),
		},
		Target: historyMessage(2, "bob", "hi"),
	}

	prompt, systemFlag := AssemblePrompt(streams.FamilyClaudeCode, ctx)

	assert.Equal(t, "You are Bob, a terse reviewer.", systemFlag)
	assert.NotContains(t, prompt, "[SYSTEM]")
	assert.Contains(t, prompt, "[INSTRUCTION_FILE]\nHouse rules: be kind.")
	assert.Contains(t, prompt, "Team task: ship v2")
	assert.Contains(t, prompt, "[MESSAGE]\nBob: hi")
}

func TestAssemblePrompt_CodexEmbedsSystem(t *testing.T) {
	ctx := Context{
		AgentType: streams.FamilyOpenAICodex,
		System:    "You are Carol.",
		Target:    historyMessage(1, "alice", "go"),
	}

	prompt, systemFlag := AssemblePrompt(streams.FamilyOpenAICodex, ctx)

	assert.Empty(t, systemFlag)
	assert.Contains(t, prompt, "[SYSTEM]\nYou are Carol.")
}

func TestAssemblePrompt_ExactLayout(t *testing.T) {
	ctx := Context{
		AgentType: streams.FamilyGoogleGemini,
		System:    "sys",
		TeamTask:  "task",
		Recent: []*Message{
			historyMessage(1, "alice", "first"),
			historyMessage(2, "bob", "second"),
		},
		Target: historyMessage(2, "bob", "second"),
	}

	prompt, _ := AssemblePrompt(streams.FamilyGoogleGemini, ctx)

	want := strings.Join([]string{
		"[SYSTEM]",
		"sys",
		"",
		"[CONTEXT]",
		"Team task: task",
		"Alice: first",
		"",
		"[MESSAGE]",
		"Bob: second",
	}, "\n")
	assert.Equal(t, want, prompt)
}

func TestAssemblePrompt_OmitsEmptySections(t *testing.T) {
	prompt, systemFlag := AssemblePrompt(streams.FamilyGoogleGemini, Context{AgentType: streams.FamilyGoogleGemini})
	assert.Empty(t, prompt)
	assert.Empty(t, systemFlag)

	onlyMsg, _ := AssemblePrompt(streams.FamilyOpenAICodex, Context{
		Target: historyMessage(1, "alice", "solo"),
	})
	assert.Equal(t, "[MESSAGE]\nAlice: solo", onlyMsg)
}
