package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TestAny-io/agent-chatter-sub000/internal/agent"
	"github.com/TestAny-io/agent-chatter-sub000/internal/team"
	"github.com/TestAny-io/agent-chatter-sub000/internal/types/streams"
)

type sendCall struct {
	MemberID string
	Prompt   string
	Opts     agent.SendOptions
}

// fakeRunner scripts agent replies per member. Each Send pops the next
// scripted result; an unscripted member completes with empty text.
type fakeRunner struct {
	mu        sync.Mutex
	scripted  map[string][]agent.Result
	sendErrs  map[string]error
	sends     []sendCall
	cancelled []string
	stopped   []string
	cleanups  int
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		scripted: make(map[string][]agent.Result),
		sendErrs: make(map[string]error),
	}
}

func (r *fakeRunner) script(memberID, text string) {
	r.scripted[memberID] = append(r.scripted[memberID], agent.Result{
		Success:         true,
		FinishReason:    streams.FinishDone,
		AccumulatedText: text,
	})
}

func (r *fakeRunner) EnsureStarted(_ context.Context, _ *team.Member, _ streams.TeamMetadata) error {
	return nil
}

func (r *fakeRunner) Send(_ context.Context, memberID, prompt string, opts agent.SendOptions) (agent.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends = append(r.sends, sendCall{MemberID: memberID, Prompt: prompt, Opts: opts})
	if err := r.sendErrs[memberID]; err != nil {
		return agent.Result{Success: false, FinishReason: streams.FinishError}, err
	}
	if q := r.scripted[memberID]; len(q) > 0 {
		res := q[0]
		r.scripted[memberID] = q[1:]
		return res, nil
	}
	return agent.Result{Success: true, FinishReason: streams.FinishDone}, nil
}

func (r *fakeRunner) Cancel(memberID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, memberID)
	return nil
}

func (r *fakeRunner) Stop(memberID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, memberID)
	return nil
}

func (r *fakeRunner) Cleanup(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleanups++
	return nil
}

func (r *fakeRunner) sendOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	order := make([]string, len(r.sends))
	for i, s := range r.sends {
		order[i] = s.MemberID
	}
	return order
}

// fakeStorage records every saved snapshot in order.
type fakeStorage struct {
	mu     sync.Mutex
	saved  []Snapshot
	loaded map[string]*Snapshot
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{loaded: make(map[string]*Snapshot)}
}

func (s *fakeStorage) SaveSession(_ context.Context, _ string, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, *snap)
	return nil
}

func (s *fakeStorage) LoadSession(_ context.Context, _, sessionID string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.loaded[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}
	return snap, nil
}

func (s *fakeStorage) LatestSession(_ context.Context, _ string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saved) == 0 {
		return nil, errors.New("no sessions")
	}
	latest := s.saved[len(s.saved)-1]
	return &latest, nil
}

func (s *fakeStorage) lastSaved() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saved) == 0 {
		return nil
	}
	latest := s.saved[len(s.saved)-1]
	return &latest
}

func coordTeam() *team.Team {
	return &team.Team{
		ID:   "team-1",
		Name: "core",
		Members: []*team.Member{
			{ID: "h1", Name: "alice", DisplayName: "Alice", Type: team.TypeHuman, Order: 1},
			{ID: "a1", Name: "bob", DisplayName: "Bob", Type: team.TypeAI, AgentType: streams.FamilyClaudeCode, Order: 2},
			{ID: "a2", Name: "carol", DisplayName: "Carol", Type: team.TypeAI, AgentType: streams.FamilyOpenAICodex, Order: 3},
		},
	}
}

type coordFixture struct {
	coord   *Coordinator
	runner  *fakeRunner
	storage *fakeStorage
	waited  []string
}

func newCoordFixture(t *testing.T, tm *team.Team, cb Callbacks) *coordFixture {
	t.Helper()
	f := &coordFixture{runner: newFakeRunner(), storage: newFakeStorage()}
	inner := cb.OnWaitingForHuman
	cb.OnWaitingForHuman = func(m *team.Member) {
		f.waited = append(f.waited, m.ID)
		if inner != nil {
			inner(m)
		}
	}
	f.coord = NewCoordinator(f.runner, f.storage, Config{}, cb, newTestLogger(t))
	if tm != nil {
		require.NoError(t, f.coord.SetTeam(context.Background(), tm, SetTeamOptions{}))
	}
	return f
}

func TestCoordinator_RejectsWithoutTeam(t *testing.T) {
	f := newCoordFixture(t, nil, Callbacks{})
	err := f.coord.SendMessage(context.Background(), "hello", "")
	assert.ErrorIs(t, err, ErrNoTeam)
}

func TestCoordinator_FirstMessageMustBeHuman(t *testing.T) {
	f := newCoordFixture(t, coordTeam(), Callbacks{})

	err := f.coord.SendMessage(context.Background(), "hi", "a1")
	var rerr *RoutingError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, CodeFirstMessageNotHuman, rerr.Code)
	assert.Equal(t, 0, len(f.coord.History()))
}

func TestCoordinator_BareTeamTaskRejectedBeforeHistory(t *testing.T) {
	f := newCoordFixture(t, coordTeam(), Callbacks{})

	err := f.coord.SendMessage(context.Background(), "TEAM_TASK: ship it", "")
	var rerr *RoutingError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, CodeInvalidTeamTask, rerr.Code)
	assert.ErrorIs(t, err, ErrNotProcessed)
	assert.Empty(t, f.coord.History())
	assert.Empty(t, f.coord.TeamTask())
}

func TestCoordinator_TeamTaskMarkerUpdatesTask(t *testing.T) {
	f := newCoordFixture(t, coordTeam(), Callbacks{})

	err := f.coord.SendMessage(context.Background(), "[TEAM_TASK: ship v2] let's go [NEXT:bob]", "")
	require.NoError(t, err)
	assert.Equal(t, "ship v2", f.coord.TeamTask())
}

func TestCoordinator_SenderResolution(t *testing.T) {
	tm := coordTeam()
	tm.Members = append(tm.Members, &team.Member{
		ID: "h2", Name: "dave", DisplayName: "Dave", Type: team.TypeHuman, Order: 4,
	})

	t.Run("AmbiguousWithoutFrom", func(t *testing.T) {
		f := newCoordFixture(t, tm, Callbacks{})
		err := f.coord.SendMessage(context.Background(), "hello", "")
		var rerr *RoutingError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, CodeSenderRequired, rerr.Code)
		assert.ElementsMatch(t, []string{"alice", "dave"}, rerr.AvailableHumans)
	})

	t.Run("FromResolvesHuman", func(t *testing.T) {
		f := newCoordFixture(t, tm, Callbacks{})
		require.NoError(t, f.coord.SendMessage(context.Background(), "[FROM:dave] hello", ""))
		history := f.coord.History()
		require.Len(t, history, 1)
		assert.Equal(t, "h2", history[0].Speaker.MemberID)
	})

	t.Run("FromRejectsAI", func(t *testing.T) {
		f := newCoordFixture(t, tm, Callbacks{})
		err := f.coord.SendMessage(context.Background(), "[FROM:bob] hello", "")
		var rerr *RoutingError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, CodeFromNotHuman, rerr.Code)
	})

	t.Run("FromUnresolvedListsHumans", func(t *testing.T) {
		f := newCoordFixture(t, tm, Callbacks{})
		err := f.coord.SendMessage(context.Background(), "[FROM:ghost] hello", "")
		var rerr *RoutingError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, CodeFromUnresolved, rerr.Code)
		assert.ElementsMatch(t, []string{"alice", "dave"}, rerr.AvailableHumans)
	})

	t.Run("WaitingHumanIsDefaultSender", func(t *testing.T) {
		f := newCoordFixture(t, tm, Callbacks{})
		require.NoError(t, f.coord.SendMessage(context.Background(), "[FROM:alice] start [NEXT:dave]", ""))
		assert.Equal(t, "h2", f.coord.WaitingForMemberID())

		require.NoError(t, f.coord.SendMessage(context.Background(), "here", ""))
		history := f.coord.History()
		assert.Equal(t, "h2", history[len(history)-1].Speaker.MemberID)
	})
}

func TestCoordinator_DispatchAndFallbackToHuman(t *testing.T) {
	f := newCoordFixture(t, coordTeam(), Callbacks{})
	f.runner.script("a1", "done reviewing, no further routing")

	require.NoError(t, f.coord.SendMessage(context.Background(), "please review [NEXT:bob]", ""))

	// Bob ran once, his prompt carried the request, and his marker-free
	// reply fell back to the first human.
	require.Equal(t, []string{"a1"}, f.runner.sendOrder())
	assert.Contains(t, f.runner.sends[0].Prompt, "please review")
	assert.Equal(t, []string{"a1"}, f.runner.stopped)

	assert.Equal(t, StatusPaused, f.coord.Status())
	assert.Equal(t, "h1", f.coord.WaitingForMemberID())
	assert.Equal(t, []string{"h1"}, f.waited)

	history := f.coord.History()
	require.Len(t, history, 2)
	assert.Equal(t, "a1", history[1].Speaker.MemberID)
	assert.Equal(t, "done reviewing, no further routing", history[1].Content)
}

func TestCoordinator_ChainedRoutingLinksParents(t *testing.T) {
	f := newCoordFixture(t, coordTeam(), Callbacks{})
	f.runner.script("a1", "over to you [NEXT:carol]")
	f.runner.script("a2", "all done")

	require.NoError(t, f.coord.SendMessage(context.Background(), "kick off [NEXT:bob]", ""))

	assert.Equal(t, []string{"a1", "a2"}, f.runner.sendOrder())

	history := f.coord.History()
	require.Len(t, history, 3)
	assert.Equal(t, history[0].ID, history[1].Routing.ParentMessageID)
	assert.Equal(t, history[1].ID, history[2].Routing.ParentMessageID)
	assert.Equal(t, StatusPaused, f.coord.Status())
	assert.Equal(t, "h1", f.coord.WaitingForMemberID())
}

func TestCoordinator_InterruptRunsBeforeReply(t *testing.T) {
	f := newCoordFixture(t, coordTeam(), Callbacks{})
	f.runner.script("a1", "bob here")
	f.runner.script("a2", "carol here")

	require.NoError(t, f.coord.SendMessage(context.Background(), "both of you [NEXT:bob,carol!P1]", ""))

	assert.Equal(t, []string{"a2", "a1"}, f.runner.sendOrder())
	require.Len(t, f.coord.History(), 3)
}

func TestCoordinator_UnresolvedAddresseesPauseOnSender(t *testing.T) {
	var gotNames []string
	f := newCoordFixture(t, coordTeam(), Callbacks{
		OnUnresolvedAddressees: func(names []string, _ *Message) { gotNames = names },
	})

	require.NoError(t, f.coord.SendMessage(context.Background(), "anyone? [NEXT:ghost,phantom]", ""))

	assert.Equal(t, []string{"ghost", "phantom"}, gotNames)
	assert.Equal(t, StatusPaused, f.coord.Status())
	assert.Equal(t, "h1", f.coord.WaitingForMemberID())
	assert.Empty(t, f.runner.sendOrder())

	// The message itself entered history; only the routing failed.
	require.Len(t, f.coord.History(), 1)
}

func TestCoordinator_PartialResolveProceedsWithRest(t *testing.T) {
	var skipped []string
	f := newCoordFixture(t, coordTeam(), Callbacks{
		OnPartialResolveFailure: func(s, _ []string) { skipped = s },
	})
	f.runner.script("a1", "on it")

	require.NoError(t, f.coord.SendMessage(context.Background(), "review [NEXT:bob,ghost]", ""))

	assert.Equal(t, []string{"ghost"}, skipped)
	assert.Equal(t, []string{"a1"}, f.runner.sendOrder())
}

func TestCoordinator_NoAddresseeFallsBackToFirstHuman(t *testing.T) {
	f := newCoordFixture(t, coordTeam(), Callbacks{})

	require.NoError(t, f.coord.SendMessage(context.Background(), "just thinking out loud", ""))

	assert.Empty(t, f.runner.sendOrder())
	assert.Equal(t, StatusPaused, f.coord.Status())
	assert.Equal(t, "h1", f.coord.WaitingForMemberID())
}

func TestCoordinator_AgentErrorPausesOnFirstHuman(t *testing.T) {
	var completed []agent.Result
	f := newCoordFixture(t, coordTeam(), Callbacks{
		OnAgentCompleted: func(_ *team.Member, res agent.Result) { completed = append(completed, res) },
	})
	f.runner.sendErrs["a1"] = &agent.SendError{Code: "PROCESS_EXIT", MemberID: "a1", Err: errors.New("exit 1")}

	require.NoError(t, f.coord.SendMessage(context.Background(), "go [NEXT:bob]", ""))

	require.Len(t, completed, 1)
	assert.False(t, completed[0].Success)
	assert.Equal(t, StatusPaused, f.coord.Status())
	assert.Equal(t, "h1", f.coord.WaitingForMemberID())
}

func TestCoordinator_HumanMessageResumesPaused(t *testing.T) {
	f := newCoordFixture(t, coordTeam(), Callbacks{})
	f.runner.script("a1", "first round")
	f.runner.script("a1", "second round")

	require.NoError(t, f.coord.SendMessage(context.Background(), "go [NEXT:bob]", ""))
	require.Equal(t, StatusPaused, f.coord.Status())

	require.NoError(t, f.coord.SendMessage(context.Background(), "again [NEXT:bob]", ""))

	assert.Equal(t, []string{"a1", "a1"}, f.runner.sendOrder())
	assert.Equal(t, StatusPaused, f.coord.Status())
}

func TestCoordinator_StopCompletesAndRejectsInput(t *testing.T) {
	f := newCoordFixture(t, coordTeam(), Callbacks{})

	require.NoError(t, f.coord.Stop(context.Background()))
	assert.Equal(t, StatusCompleted, f.coord.Status())
	assert.Equal(t, 1, f.runner.cleanups)

	snap := f.storage.lastSaved()
	require.NotNil(t, snap)
	assert.Equal(t, StatusCompleted, snap.Status)

	err := f.coord.SendMessage(context.Background(), "too late", "")
	assert.ErrorIs(t, err, ErrConversationComplete)

	// Stop is idempotent.
	require.NoError(t, f.coord.Stop(context.Background()))
	assert.Equal(t, 1, f.runner.cleanups)
}

func TestCoordinator_PauseIsSavedBeforeTransition(t *testing.T) {
	f := newCoordFixture(t, coordTeam(), Callbacks{})
	f.runner.script("a1", "to the human it goes")

	require.NoError(t, f.coord.SendMessage(context.Background(), "go [NEXT:bob]", ""))

	snap := f.storage.lastSaved()
	require.NotNil(t, snap)
	assert.Equal(t, StatusPaused, snap.Status)
	assert.Equal(t, "h1", snap.WaitingForMemberID)
	assert.Len(t, snap.Messages, 2)
	assert.Equal(t, "team-1", snap.TeamID)
}

func TestCoordinator_UserCancellationPausesOnFirstHuman(t *testing.T) {
	f := newCoordFixture(t, coordTeam(), Callbacks{})

	require.NoError(t, f.coord.HandleUserCancellation())

	assert.Equal(t, StatusPaused, f.coord.Status())
	assert.Equal(t, "h1", f.coord.WaitingForMemberID())
	// Nothing was executing, so nothing was cancelled.
	assert.Empty(t, f.runner.cancelled)
}

func TestCoordinator_PauseResume(t *testing.T) {
	f := newCoordFixture(t, coordTeam(), Callbacks{})

	f.coord.Pause()
	assert.Equal(t, StatusPaused, f.coord.Status())
	snap := f.storage.lastSaved()
	require.NotNil(t, snap)
	assert.Equal(t, StatusPaused, snap.Status)

	f.coord.Resume(context.Background())
	assert.Equal(t, StatusActive, f.coord.Status())
}

func TestCoordinator_StatusChangeNotifications(t *testing.T) {
	var seen []Status
	f := newCoordFixture(t, coordTeam(), Callbacks{
		OnStatusChanged: func(s Status) { seen = append(seen, s) },
	})

	f.coord.Pause()
	f.coord.Resume(context.Background())
	require.NoError(t, f.coord.Stop(context.Background()))

	assert.Equal(t, []Status{StatusActive, StatusPaused, StatusActive, StatusCompleted}, seen)
}

func TestCoordinator_SetTeamResume(t *testing.T) {
	tm := coordTeam()
	f := newCoordFixture(t, tm, Callbacks{})
	f.storage.loaded["sess-9"] = &Snapshot{
		SessionID:          "sess-9",
		TeamID:             tm.ID,
		Status:             StatusPaused,
		WaitingForMemberID: "h1",
		TeamTask:           "ship v2",
		Messages: []*Message{
			historyMessage(1, "alice", "where were we"),
		},
	}

	require.NoError(t, f.coord.SetTeam(context.Background(), tm, SetTeamOptions{ResumeSessionID: "sess-9"}))

	assert.Equal(t, "ship v2", f.coord.TeamTask())
	assert.Equal(t, "h1", f.coord.WaitingForMemberID())
	require.Len(t, f.coord.History(), 1)
	assert.Equal(t, "sess-9", f.coord.Session().SessionID)
}

func TestCoordinator_SetTeamResumeUnknownSession(t *testing.T) {
	tm := coordTeam()
	f := newCoordFixture(t, tm, Callbacks{})
	err := f.coord.SetTeam(context.Background(), tm, SetTeamOptions{ResumeSessionID: "missing"})
	require.Error(t, err)
}

func TestCoordinator_QueueUpdatesReportExecution(t *testing.T) {
	var sawBobExecuting bool
	f := newCoordFixture(t, coordTeam(), Callbacks{
		OnQueueUpdated: func(u QueueUpdate) {
			if u.ExecutingMemberID == "a1" {
				sawBobExecuting = true
			}
		},
	})
	f.runner.script("a1", "working")

	require.NoError(t, f.coord.SendMessage(context.Background(), "go [NEXT:bob]", ""))
	assert.True(t, sawBobExecuting)
}
