package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TestAny-io/agent-chatter-sub000/internal/agent"
	"github.com/TestAny-io/agent-chatter-sub000/internal/common/logger"
	"github.com/TestAny-io/agent-chatter-sub000/internal/conversation/queue"
	"github.com/TestAny-io/agent-chatter-sub000/internal/marker"
	"github.com/TestAny-io/agent-chatter-sub000/internal/team"
	"github.com/TestAny-io/agent-chatter-sub000/internal/types/streams"
)

// AgentRunner is the agent-manager surface the coordinator drives. The
// manager publishes its event stream on the bus; the coordinator only sees
// the structured completion of each dispatch.
type AgentRunner interface {
	EnsureStarted(ctx context.Context, member *team.Member, meta streams.TeamMetadata) error
	Send(ctx context.Context, memberID, prompt string, opts agent.SendOptions) (agent.Result, error)
	Cancel(memberID string) error
	Stop(memberID string) error
	Cleanup(ctx context.Context) error
}

// QueueUpdate is a point-in-time view of the routing queue handed to
// observers.
type QueueUpdate struct {
	Items []queue.Item
	// ExecutingMemberID identifies the member currently being served, when
	// one is.
	ExecutingMemberID string
}

// Callbacks are the coordinator's observer surface. All callbacks are
// optional and are invoked without internal locks held.
type Callbacks struct {
	// OnAgentCompleted fires after every AI dispatch, successful or not.
	OnAgentCompleted func(member *team.Member, res agent.Result)

	// OnUnresolvedAddressees fires when no [NEXT] target resolved.
	OnUnresolvedAddressees func(names []string, m *Message)

	// OnPartialResolveFailure fires when some [NEXT] targets resolved and
	// some did not; routing proceeds with the resolved subset.
	OnPartialResolveFailure func(skipped []string, available []string)

	// OnQueueProtection fires on queue overflow drops and branch demotions.
	OnQueueProtection func(ev queue.ProtectionEvent)

	// OnQueueUpdated fires after every observable queue change.
	OnQueueUpdated func(update QueueUpdate)

	// OnWaitingForHuman fires when the conversation pauses for a human.
	OnWaitingForHuman func(member *team.Member)

	// OnStatusChanged fires on every lifecycle transition.
	OnStatusChanged func(status Status)
}

// Routing error codes surfaced to callers of SendMessage.
const (
	CodeInvalidTeamTask      = "INVALID_TEAM_TASK"
	CodeSenderRequired       = "SENDER_REQUIRED"
	CodeFromNotHuman         = "FROM_NOT_HUMAN"
	CodeFromUnresolved       = "FROM_UNRESOLVED"
	CodeFirstMessageNotHuman = "FIRST_MESSAGE_NOT_HUMAN"
	CodeUnknownSender        = "UNKNOWN_SENDER"
)

// RoutingError rejects a message before it enters history. The caller's
// input is preserved: a rejected message mutates nothing.
type RoutingError struct {
	Code    string
	Message string
	// AvailableHumans lists human member names when the error is about
	// sender selection.
	AvailableHumans []string
}

// Unwrap marks every routing rejection as ErrNotProcessed so callers can
// check errors.Is without inspecting codes.
func (e *RoutingError) Unwrap() error { return ErrNotProcessed }

func (e *RoutingError) Error() string {
	if len(e.AvailableHumans) > 0 {
		return fmt.Sprintf("%s: %s (available humans: %s)",
			e.Code, e.Message, strings.Join(e.AvailableHumans, ", "))
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Coordinator lifecycle errors.
var (
	ErrNoTeam               = errors.New("no team configured")
	ErrConversationComplete = errors.New("conversation is completed")

	// ErrNotProcessed wraps every rejection that leaves the conversation
	// untouched; the caller keeps its input.
	ErrNotProcessed = errors.New("message not processed")
)

// Config tunes the coordinator's context window and queue protection.
type Config struct {
	HistoryWindow  int
	TeamTaskMaxLen int
	Queue          queue.Config
}

// Coordinator owns the conversation: the message timeline, sender and
// addressee resolution, and the enqueue → dequeue → dispatch → re-enqueue
// loop. Mutating entry points serialize on an internal mutex; the routing
// loop itself is single-flight, so an agent response re-entering the
// pipeline enqueues work for the already-running loop instead of recursing.
type Coordinator struct {
	mu                 sync.Mutex
	team               *team.Team
	status             Status
	sessionID          string
	createdAt          time.Time
	waitingForMemberID string
	currentItem        *queue.Item
	currentMemberID    string
	processing         bool

	queue     *queue.Queue
	ctxMgr    *ContextManager
	runner    AgentRunner
	storage   Storage
	callbacks Callbacks
	log       *logger.Logger
}

// NewCoordinator creates a coordinator. Storage may be nil, which disables
// snapshot persistence; the runner is required.
func NewCoordinator(runner AgentRunner, storage Storage, cfg Config, cb Callbacks, log *logger.Logger) *Coordinator {
	if log == nil {
		log = logger.Default()
	}
	c := &Coordinator{
		status:    StatusIdle,
		ctxMgr:    NewContextManager(cfg.HistoryWindow, cfg.TeamTaskMaxLen, log),
		runner:    runner,
		storage:   storage,
		callbacks: cb,
		log:       log,
	}
	c.queue = queue.New(cfg.Queue, c.lookupMemberName, queue.Hooks{
		OnUpdated:    c.onQueueUpdated,
		OnProtection: c.onQueueProtection,
	}, log)
	return c
}

// SetTeamOptions adjusts SetTeam behavior.
type SetTeamOptions struct {
	// ResumeSessionID restores a persisted session instead of starting
	// fresh.
	ResumeSessionID string
}

// SetTeam binds the conversation to a team and resets all conversation
// state. With ResumeSessionID set, history and the team task are restored
// from the snapshot store.
func (c *Coordinator) SetTeam(ctx context.Context, t *team.Team, opts SetTeamOptions) error {
	if err := t.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	c.team = t
	c.status = StatusActive
	c.sessionID = uuid.New().String()
	c.createdAt = time.Now()
	c.waitingForMemberID = ""
	c.currentItem = nil
	c.currentMemberID = ""
	c.mu.Unlock()
	c.notifyStatus(StatusActive)

	c.queue.Clear()
	c.ctxMgr.Clear()

	if opts.ResumeSessionID == "" {
		return nil
	}
	if c.storage == nil {
		return errors.New("cannot resume session: no storage configured")
	}
	snap, err := c.storage.LoadSession(ctx, t.ID, opts.ResumeSessionID)
	if err != nil {
		return fmt.Errorf("resume session %s: %w", opts.ResumeSessionID, err)
	}
	c.ctxMgr.ImportSnapshot(*snap)

	c.mu.Lock()
	c.sessionID = snap.SessionID
	c.createdAt = snap.CreatedAt
	c.waitingForMemberID = snap.WaitingForMemberID
	c.mu.Unlock()

	if n := len(snap.Messages); n > 0 {
		c.queue.MarkCompleted(snap.Messages[n-1].ID)
	}
	c.log.Info("Resumed session",
		zap.String("session_id", snap.SessionID),
		zap.Int("messages", len(snap.Messages)))
	return nil
}

// SendMessage appends a human-authored message to the conversation and
// routes it. A non-nil error means the message was rejected and nothing was
// recorded, so the caller can keep the draft.
func (c *Coordinator) SendMessage(ctx context.Context, content string, explicitSenderID string) error {
	c.mu.Lock()
	if c.team == nil {
		c.mu.Unlock()
		return ErrNoTeam
	}
	if c.status == StatusCompleted {
		c.mu.Unlock()
		return ErrConversationComplete
	}
	t := c.team
	c.mu.Unlock()

	if marker.HasBareTeamTask(content) {
		return &RoutingError{
			Code:    CodeInvalidTeamTask,
			Message: "team task must be written as [TEAM_TASK: description]",
		}
	}

	parsed := marker.Parse(content, c.log)

	sender, err := c.resolveSender(t, parsed.FromMember, explicitSenderID)
	if err != nil {
		return err
	}
	if c.ctxMgr.MessageCount() == 0 && !sender.IsHuman() {
		return &RoutingError{
			Code:    CodeFirstMessageNotHuman,
			Message: "the first message of a conversation must come from a human member",
		}
	}

	if parsed.TeamTask != "" {
		c.ctxMgr.SetTeamTask(parsed.TeamTask)
	}

	msg := NewMessage(sender, parsed.CleanContent)
	msg.Routing.RawNextMarkers = parsed.RawNext
	c.ctxMgr.AddMessage(msg)
	c.queue.MarkCompleted(msg.ID)

	c.mu.Lock()
	resumed := c.status == StatusPaused
	if resumed {
		c.status = StatusActive
	}
	if c.waitingForMemberID == sender.ID {
		c.waitingForMemberID = ""
	}
	c.mu.Unlock()
	if resumed {
		c.notifyStatus(StatusActive)
	}

	c.routeMessage(ctx, msg, parsed.Addressees, sender)
	return nil
}

// resolveSender picks the author of an incoming message, in priority order:
// explicit id, [FROM] marker (humans only), the human currently waited on,
// the sole human, otherwise the message is rejected with the human roster.
func (c *Coordinator) resolveSender(t *team.Team, fromMarker, explicitID string) (*team.Member, error) {
	if explicitID != "" {
		m, ok := t.MemberByID(explicitID)
		if !ok {
			return nil, &RoutingError{
				Code:    CodeUnknownSender,
				Message: fmt.Sprintf("sender %q is not a team member", explicitID),
			}
		}
		return m, nil
	}

	humans := t.Humans()
	humanNames := make([]string, len(humans))
	for i, h := range humans {
		humanNames[i] = h.Name
	}

	if fromMarker != "" {
		m, ok := t.FindMember(fromMarker)
		if !ok {
			return nil, &RoutingError{
				Code:            CodeFromUnresolved,
				Message:         fmt.Sprintf("[FROM:%s] does not match any member", fromMarker),
				AvailableHumans: humanNames,
			}
		}
		if !m.IsHuman() {
			return nil, &RoutingError{
				Code:    CodeFromNotHuman,
				Message: fmt.Sprintf("[FROM:%s] must refer to a human member", fromMarker),
			}
		}
		return m, nil
	}

	c.mu.Lock()
	waitingID := c.waitingForMemberID
	c.mu.Unlock()
	if waitingID != "" {
		if m, ok := t.MemberByID(waitingID); ok && m.IsHuman() {
			return m, nil
		}
	}

	if len(humans) == 1 {
		return humans[0], nil
	}
	return nil, &RoutingError{
		Code:            CodeSenderRequired,
		Message:         "multiple humans on the team; declare the sender with [FROM:name]",
		AvailableHumans: humanNames,
	}
}

// routeMessage resolves a message's addressees, enqueues the routes, and
// kicks the routing loop. With no addressees, pending work continues or the
// conversation falls back to the first human.
func (c *Coordinator) routeMessage(ctx context.Context, m *Message, addressees []marker.Addressee, sender *team.Member) {
	if len(addressees) == 0 {
		if !c.queue.IsEmpty() {
			c.processQueue(ctx)
			return
		}
		fh := c.team.FirstHuman()
		c.queue.Enqueue(m.ID, []queue.Request{{TargetMemberID: fh.ID, Intent: queue.IntentP2Reply}})
		c.processQueue(ctx)
		return
	}

	var resolved []*team.Member
	var unresolved []string
	seen := make(map[string]bool)
	for _, a := range addressees {
		mem, ok := c.team.FindMember(a.Name)
		if !ok {
			unresolved = append(unresolved, a.Name)
			continue
		}
		if !seen[mem.ID] {
			seen[mem.ID] = true
			resolved = append(resolved, mem)
		}
	}

	if len(resolved) == 0 {
		c.log.Warn("No addressee resolved",
			zap.Strings("names", unresolved),
			zap.String("message_id", m.ID))
		if c.callbacks.OnUnresolvedAddressees != nil {
			c.callbacks.OnUnresolvedAddressees(unresolved, m)
		}
		waitOn := sender
		if !sender.IsHuman() {
			waitOn = c.team.FirstHuman()
		}
		c.pauseFor(waitOn)
		return
	}

	if len(unresolved) > 0 {
		c.log.Warn("Some addressees did not resolve; routing the rest",
			zap.Strings("skipped", unresolved))
		if c.callbacks.OnPartialResolveFailure != nil {
			c.callbacks.OnPartialResolveFailure(unresolved, c.memberNames())
		}
	}

	ids := make([]string, len(resolved))
	reqs := make([]queue.Request, len(resolved))
	for i, mem := range resolved {
		ids[i] = mem.ID
		reqs[i] = queue.Request{TargetMemberID: mem.ID, Intent: intentFor(mem, addressees)}
	}
	m.Routing.AddresseeIDs = ids

	c.queue.Enqueue(m.ID, reqs)
	c.processQueue(ctx)
}

// intentFor recovers the parsed intent for a resolved member by matching it
// back to the addressee list on normalized identifiers.
func intentFor(m *team.Member, addressees []marker.Addressee) queue.Intent {
	for _, a := range addressees {
		want := team.Normalize(a.Name)
		if want == team.Normalize(m.ID) ||
			want == team.Normalize(m.Name) ||
			want == team.Normalize(m.DisplayName) {
			return a.Intent
		}
	}
	return queue.IntentP2Reply
}

// processQueue drives the routing loop. It is single-flight: nested calls
// (an agent response enqueueing more work) return immediately and the
// running loop picks the new items up on its next iteration.
func (c *Coordinator) processQueue(ctx context.Context) {
	c.mu.Lock()
	if c.processing || c.status != StatusActive {
		c.mu.Unlock()
		return
	}
	c.processing = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.processing = false
		c.mu.Unlock()
	}()

	for {
		c.mu.Lock()
		active := c.status == StatusActive
		c.mu.Unlock()
		if !active {
			return
		}

		item := c.queue.SelectNext()
		if item == nil {
			return
		}

		member, ok := c.team.MemberByID(item.TargetMemberID)
		if !ok {
			c.log.Warn("Dropping route to unknown member",
				zap.String("member_id", item.TargetMemberID))
			continue
		}

		c.mu.Lock()
		c.currentItem = item
		c.currentMemberID = member.ID
		c.mu.Unlock()
		c.emitQueueUpdate(member.ID)

		if member.IsHuman() {
			c.mu.Lock()
			c.currentItem = nil
			c.currentMemberID = ""
			c.mu.Unlock()
			c.pauseFor(member)
			c.emitQueueUpdate("")
			return
		}

		c.dispatchAI(ctx, member, item)

		c.mu.Lock()
		c.currentItem = nil
		c.currentMemberID = ""
		stillActive := c.status == StatusActive
		c.mu.Unlock()
		if !stillActive {
			return
		}
	}
}

// dispatchAI runs one agent turn and feeds a non-empty response back into
// the routing pipeline.
func (c *Coordinator) dispatchAI(ctx context.Context, member *team.Member, item *queue.Item) {
	log := c.log.WithMemberID(member.ID).WithAgentType(member.AgentType)

	if err := c.runner.EnsureStarted(ctx, member, c.team.MetadataFor(member)); err != nil {
		log.Error("Failed to start agent; pausing on first human", zap.Error(err))
		c.pauseFor(c.team.FirstHuman())
		return
	}

	pctx := c.ctxMgr.ContextForRoute(member.ID, member.AgentType, item, PromptOverrides{
		SystemInstruction:   member.SystemInstruction,
		InstructionFileText: member.InstructionFileText,
	})
	prompt, systemFlag := AssemblePrompt(member.AgentType, pctx)

	log.Debug("Dispatching agent turn", zap.String("routing_item", item.ID))
	res, err := c.runner.Send(ctx, member.ID, prompt, agent.SendOptions{SystemFlag: systemFlag})
	if stopErr := c.runner.Stop(member.ID); stopErr != nil {
		log.Warn("Agent stop failed", zap.Error(stopErr))
	}

	if c.callbacks.OnAgentCompleted != nil {
		c.callbacks.OnAgentCompleted(member, res)
	}
	if err != nil {
		log.Error("Agent dispatch failed; pausing on first human", zap.Error(err))
		c.pauseFor(c.team.FirstHuman())
		return
	}
	if res.FinishReason == streams.FinishCancelled {
		// The cancellation handler already rewound the conversation.
		return
	}
	if res.AccumulatedText == "" {
		return
	}
	c.ingestAgentResponse(ctx, member, item, res.AccumulatedText)
}

// ingestAgentResponse turns an agent's accumulated text into a history
// message and routes it like any other message.
func (c *Coordinator) ingestAgentResponse(ctx context.Context, member *team.Member, item *queue.Item, text string) {
	parsed := marker.Parse(text, c.log)
	if parsed.TeamTask != "" {
		c.ctxMgr.SetTeamTask(parsed.TeamTask)
	}

	msg := NewMessage(member, parsed.CleanContent)
	msg.Routing.RawNextMarkers = parsed.RawNext
	msg.Routing.ParentMessageID = item.ParentMessageID
	msg.Routing.Intent = item.Intent
	c.ctxMgr.AddMessage(msg)
	c.queue.MarkCompleted(msg.ID)

	c.routeMessage(ctx, msg, parsed.Addressees, member)
}

// HandleUserCancellation cancels the executing agent, rewinds the
// conversation to its first human, and pauses.
func (c *Coordinator) HandleUserCancellation() error {
	c.mu.Lock()
	if c.team == nil {
		c.mu.Unlock()
		return ErrNoTeam
	}
	current := c.currentMemberID
	t := c.team
	c.mu.Unlock()

	if current != "" {
		if err := c.runner.Cancel(current); err != nil {
			c.log.Warn("Agent cancellation failed",
				zap.String("member_id", current),
				zap.Error(err))
		}
	}
	c.pauseFor(t.FirstHuman())
	return nil
}

// Stop persists the session, terminates all agents, and completes the
// conversation. Further SendMessage calls are rejected.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.team == nil || c.status == StatusCompleted {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.persist(StatusCompleted)
	err := c.runner.Cleanup(ctx)

	c.mu.Lock()
	c.status = StatusCompleted
	c.mu.Unlock()
	c.notifyStatus(StatusCompleted)
	return err
}

// Pause suspends routing. Pending queue items stay queued.
func (c *Coordinator) Pause() {
	c.mu.Lock()
	active := c.status == StatusActive
	c.mu.Unlock()
	if !active {
		return
	}
	c.persist(StatusPaused)
	c.mu.Lock()
	c.status = StatusPaused
	c.mu.Unlock()
	c.notifyStatus(StatusPaused)
}

// Resume reactivates a paused conversation and continues pending work.
func (c *Coordinator) Resume(ctx context.Context) {
	c.mu.Lock()
	if c.status != StatusPaused {
		c.mu.Unlock()
		return
	}
	c.status = StatusActive
	c.mu.Unlock()
	c.notifyStatus(StatusActive)
	c.processQueue(ctx)
}

// Status returns the conversation lifecycle state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Session exports the current session snapshot.
func (c *Coordinator) Session() Snapshot {
	c.mu.Lock()
	status := c.status
	c.mu.Unlock()
	return c.buildSnapshot(status)
}

// WaitingForMemberID reports the member the conversation is waiting on, or
// empty.
func (c *Coordinator) WaitingForMemberID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waitingForMemberID
}

// SetWaitingForMemberID overrides the waited-on member.
func (c *Coordinator) SetWaitingForMemberID(memberID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waitingForMemberID = memberID
}

// History returns the conversation messages in order.
func (c *Coordinator) History() []*Message {
	return c.ctxMgr.Messages()
}

// TeamTask returns the current shared task.
func (c *Coordinator) TeamTask() string {
	return c.ctxMgr.TeamTask()
}

// QueueStats reports the routing queue composition.
func (c *Coordinator) QueueStats() queue.Stats {
	return c.queue.Stats()
}

// pauseFor persists a snapshot, then pauses the conversation waiting on the
// given member. The save strictly precedes the status transition.
func (c *Coordinator) pauseFor(member *team.Member) {
	c.persistWaiting(StatusPaused, member)

	c.mu.Lock()
	if member != nil {
		c.waitingForMemberID = member.ID
	}
	c.status = StatusPaused
	c.mu.Unlock()
	c.notifyStatus(StatusPaused)

	if member != nil {
		c.log.Info("Waiting for human",
			zap.String("member_id", member.ID),
			zap.String("member_name", member.Name))
		if c.callbacks.OnWaitingForHuman != nil {
			c.callbacks.OnWaitingForHuman(member)
		}
	}
}

// persist saves a snapshot with the given status. Failures are logged, never
// raised: losing a snapshot must not break the conversation.
func (c *Coordinator) persist(status Status) {
	c.persistWaiting(status, nil)
}

func (c *Coordinator) persistWaiting(status Status, waitingOn *team.Member) {
	if c.storage == nil {
		return
	}
	snap := c.buildSnapshot(status)
	if waitingOn != nil {
		snap.WaitingForMemberID = waitingOn.ID
	}
	if err := c.storage.SaveSession(context.Background(), snap.TeamID, &snap); err != nil {
		c.log.Warn("Failed to save session snapshot",
			zap.String("session_id", snap.SessionID),
			zap.Error(err))
	}
}

func (c *Coordinator) buildSnapshot(status Status) Snapshot {
	snap := c.ctxMgr.ExportSnapshot()
	c.mu.Lock()
	snap.SessionID = c.sessionID
	if c.team != nil {
		snap.TeamID = c.team.ID
	}
	snap.Status = status
	snap.WaitingForMemberID = c.waitingForMemberID
	snap.CreatedAt = c.createdAt
	snap.UpdatedAt = time.Now()
	c.mu.Unlock()
	return snap
}

func (c *Coordinator) notifyStatus(status Status) {
	if c.callbacks.OnStatusChanged != nil {
		c.callbacks.OnStatusChanged(status)
	}
}

func (c *Coordinator) lookupMemberName(memberID string) (string, bool) {
	c.mu.Lock()
	t := c.team
	c.mu.Unlock()
	if t == nil {
		return "", false
	}
	m, ok := t.MemberByID(memberID)
	if !ok {
		return "", false
	}
	return m.Name, true
}

func (c *Coordinator) memberNames() []string {
	var names []string
	for _, m := range c.team.Members {
		names = append(names, m.Name)
	}
	return names
}

func (c *Coordinator) onQueueUpdated(items []queue.Item) {
	if c.callbacks.OnQueueUpdated == nil {
		return
	}
	c.mu.Lock()
	executing := c.currentMemberID
	c.mu.Unlock()
	c.callbacks.OnQueueUpdated(QueueUpdate{Items: items, ExecutingMemberID: executing})
}

func (c *Coordinator) onQueueProtection(ev queue.ProtectionEvent) {
	if c.callbacks.OnQueueProtection != nil {
		c.callbacks.OnQueueProtection(ev)
	}
}

func (c *Coordinator) emitQueueUpdate(executingMemberID string) {
	if c.callbacks.OnQueueUpdated == nil {
		return
	}
	c.callbacks.OnQueueUpdated(QueueUpdate{
		Items:             c.queue.Peek(),
		ExecutingMemberID: executingMemberID,
	})
}
