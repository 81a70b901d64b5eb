// Package agent runs AI members as subprocesses. The manager lazily binds
// each member to a family adapter, spawns the agent CLI per message, streams
// its stdout through the family parser, publishes every event on the bus,
// and reports a structured completion back to the coordinator. Exactly one
// turn.completed event is published per dispatch; the manager synthesizes it
// when the stream ends without one.
package agent

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/TestAny-io/agent-chatter-sub000/internal/agent/adapters"
	"github.com/TestAny-io/agent-chatter-sub000/internal/agent/environment"
	"github.com/TestAny-io/agent-chatter-sub000/internal/agent/parser"
	"github.com/TestAny-io/agent-chatter-sub000/internal/agentcfg"
	"github.com/TestAny-io/agent-chatter-sub000/internal/common/logger"
	"github.com/TestAny-io/agent-chatter-sub000/internal/events"
	"github.com/TestAny-io/agent-chatter-sub000/internal/events/bus"
	"github.com/TestAny-io/agent-chatter-sub000/internal/team"
	"github.com/TestAny-io/agent-chatter-sub000/internal/tracing"
	"github.com/TestAny-io/agent-chatter-sub000/internal/types/streams"
)

// Timeout bounds for a single turn.
const (
	DefaultSendTimeout = 5 * time.Minute
	MaxSendTimeout     = 30 * time.Minute
	DefaultKillGrace   = 5 * time.Second
)

// Result is the structured completion of one Send.
type Result struct {
	Success         bool
	FinishReason    string
	AccumulatedText string
}

// SendOptions carries per-dispatch inputs.
type SendOptions struct {
	// SystemFlag is out-of-band system text, passed to families that take
	// it as a CLI flag.
	SystemFlag string

	// Timeout overrides the manager default for this dispatch.
	Timeout time.Duration
}

// Config tunes subprocess supervision.
type Config struct {
	// Timeout bounds a single turn. Zero means DefaultSendTimeout; values
	// above MaxSendTimeout are clamped.
	Timeout time.Duration

	// KillGrace is the SIGTERM to SIGKILL escalation delay on cancel.
	KillGrace time.Duration
}

// SendError is a structured agent-execution failure.
type SendError struct {
	Code     string
	MemberID string
	Err      error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s (member %s): %v", e.Code, e.MemberID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// memberAgent is the cached binding of one AI member to its adapter and
// launch configuration.
type memberAgent struct {
	member    *team.Member
	adapter   adapters.Adapter
	launchCfg agentcfg.AgentConfig
	overrides *agentcfg.MemberOverrides
	meta      streams.TeamMetadata

	mu        sync.Mutex
	proc      environment.Process
	inFlight  bool
	cancelled bool
}

// Manager owns the live agent subprocesses of a conversation.
type Manager struct {
	mu      sync.Mutex
	members map[string]*memberAgent

	env    environment.Environment
	bus    bus.EventBus
	cfgs   *agentcfg.Manager
	cfg    Config
	log    *logger.Logger
	tracer trace.Tracer
}

// NewManager creates an agent manager running subprocesses in the given
// execution environment and publishing events on the given bus.
func NewManager(env environment.Environment, b bus.EventBus, cfgs *agentcfg.Manager, cfg Config, log *logger.Logger) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultSendTimeout
	}
	if cfg.Timeout > MaxSendTimeout {
		cfg.Timeout = MaxSendTimeout
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultKillGrace
	}
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		members: make(map[string]*memberAgent),
		env:     env,
		bus:     b,
		cfgs:    cfgs,
		cfg:     cfg,
		log:     log,
		tracer:  tracing.Tracer("agent-manager"),
	}
}

// EnsureStarted binds the member to its family adapter and launch config,
// caching the binding by member id. Stateless adapters spawn nothing here;
// the process comes with the first Send.
func (m *Manager) EnsureStarted(ctx context.Context, member *team.Member, meta streams.TeamMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.members[member.ID]; ok {
		return nil
	}

	adapter, err := adapters.New(member.AgentType)
	if err != nil {
		return &SendError{Code: streams.CodeUnknownFamily, MemberID: member.ID, Err: err}
	}
	launchCfg, err := m.cfgs.AgentConfig(member.AgentType)
	if err != nil {
		return &SendError{Code: streams.CodeConfigMissing, MemberID: member.ID, Err: err}
	}

	m.members[member.ID] = &memberAgent{
		member:    member,
		adapter:   adapter,
		launchCfg: launchCfg,
		overrides: agentcfg.OverridesFor(member),
		meta:      meta,
	}
	m.log.Debug("Agent adapter created",
		zap.String("member_id", member.ID),
		zap.String("agent_type", member.AgentType))
	return nil
}

// Send dispatches one prompt to the member's agent CLI and blocks until the
// turn completes, times out, or is cancelled. Timeout and cancellation
// resolve normally with the matching finish reason; spawn failures and
// non-zero exits without a completion return a *SendError.
func (m *Manager) Send(ctx context.Context, memberID, prompt string, opts SendOptions) (Result, error) {
	ma := m.lookup(memberID)
	if ma == nil {
		return Result{}, fmt.Errorf("no running agent for member %q", memberID)
	}

	ma.mu.Lock()
	if ma.inFlight {
		ma.mu.Unlock()
		return Result{}, fmt.Errorf("agent for member %q is already executing", memberID)
	}
	ma.inFlight = true
	ma.cancelled = false
	ma.mu.Unlock()
	defer func() {
		ma.mu.Lock()
		ma.inFlight = false
		ma.proc = nil
		ma.mu.Unlock()
	}()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.cfg.Timeout
	}
	if timeout > MaxSendTimeout {
		timeout = MaxSendTimeout
	}

	ctx, span := m.tracer.Start(ctx, "agent.send",
		trace.WithAttributes(
			attribute.String("member.id", memberID),
			attribute.String("agent.type", ma.member.AgentType),
		))
	defer span.End()

	p, err := parser.New(ma.member.AgentType, m.log)
	if err != nil {
		return Result{}, &SendError{Code: streams.CodeUnknownFamily, MemberID: memberID, Err: err}
	}

	command := ma.launchCfg.Command
	if command == "" {
		command = ma.adapter.Command()
	}
	args := ma.adapter.BuildArgs(ma.launchCfg, ma.overrides, adapters.BuildOptions{
		Prompt:     prompt,
		SystemFlag: opts.SystemFlag,
	})

	proc, err := m.env.Spawn(ctx, environment.SpawnSpec{
		Command: command,
		Args:    args,
		Cwd:     ma.launchCfg.Cwd,
		Env:     mergeEnv(ma.launchCfg.Env, ma.overrides),
		Image:   m.cfgs.ImageFor(ma.member.AgentType),
	})
	if err != nil {
		m.publish(ctx, ma, streams.AgentEvent{
			Type:      streams.EventTypeError,
			Error:     fmt.Sprintf("failed to spawn %s: %v", command, err),
			ErrorCode: streams.CodeProcessSpawnError,
		})
		return Result{}, &SendError{Code: streams.CodeProcessSpawnError, MemberID: memberID, Err: err}
	}

	ma.mu.Lock()
	ma.proc = proc
	ma.mu.Unlock()

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		m.logStderr(ma.member.ID, proc)
	}()

	eventsCh := make(chan []streams.AgentEvent, 16)
	go func() {
		defer close(eventsCh)
		buf := make([]byte, 32*1024)
		for {
			n, readErr := proc.Stdout().Read(buf)
			if n > 0 {
				if evs := p.ParseChunk(buf[:n]); len(evs) > 0 {
					eventsCh <- evs
				}
			}
			if readErr != nil {
				if evs := p.Flush(); len(evs) > 0 {
					eventsCh <- evs
				}
				return
			}
		}
	}()

	return m.superviseTurn(ctx, ma, proc, eventsCh, stderrDone, timeout)
}

// superviseTurn runs the per-dispatch event loop: publish parsed events,
// accumulate response text, and resolve on the first turn.completed, the
// timeout, or process exit.
func (m *Manager) superviseTurn(ctx context.Context, ma *memberAgent, proc environment.Process, eventsCh <-chan []streams.AgentEvent, stderrDone <-chan struct{}, timeout time.Duration) (Result, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var acc accumulator
	for {
		select {
		case evs, ok := <-eventsCh:
			if !ok {
				// Stream ended without a completion event.
				return m.resolveExit(ctx, ma, proc, stderrDone, &acc)
			}
			for i := range evs {
				ev := evs[i]
				if ev.Type == streams.EventTypeTurnCompleted {
					m.publish(ctx, ma, ev)
					go drainAndReap(eventsCh, proc, stderrDone)
					return Result{
						Success:         ev.FinishReason == streams.FinishDone,
						FinishReason:    ev.FinishReason,
						AccumulatedText: acc.String(),
					}, nil
				}
				acc.add(&ev)
				m.publish(ctx, ma, ev)
			}

		case <-timer.C:
			m.log.Warn("Agent turn timed out",
				zap.String("member_id", ma.member.ID),
				zap.Duration("timeout", timeout))
			_ = proc.Signal(environment.SignalTerm)
			m.publish(ctx, ma, streams.AgentEvent{
				Type:         streams.EventTypeTurnCompleted,
				FinishReason: streams.FinishTimeout,
			})
			go drainAndReap(eventsCh, proc, stderrDone)
			return Result{FinishReason: streams.FinishTimeout, AccumulatedText: acc.String()}, nil
		}
	}
}

// resolveExit decides the outcome of a stream that ended with no completion
// event: a cancelled flag wins, a clean exit counts as done, anything else
// is a process failure.
func (m *Manager) resolveExit(ctx context.Context, ma *memberAgent, proc environment.Process, stderrDone <-chan struct{}, acc *accumulator) (Result, error) {
	status := <-proc.Wait()
	// Stdout already hit EOF; release the streams once stderr drains too.
	go func() {
		<-stderrDone
		_ = proc.Close()
	}()

	ma.mu.Lock()
	cancelled := ma.cancelled
	ma.mu.Unlock()

	if cancelled {
		m.publish(ctx, ma, streams.AgentEvent{
			Type:         streams.EventTypeTurnCompleted,
			FinishReason: streams.FinishCancelled,
		})
		// Evict so the next EnsureStarted binds fresh.
		m.mu.Lock()
		delete(m.members, ma.member.ID)
		m.mu.Unlock()
		return Result{FinishReason: streams.FinishCancelled, AccumulatedText: acc.String()}, nil
	}

	if status.Code == 0 && status.Err == nil {
		m.publish(ctx, ma, streams.AgentEvent{
			Type:         streams.EventTypeTurnCompleted,
			FinishReason: streams.FinishDone,
		})
		return Result{
			Success:         true,
			FinishReason:    streams.FinishDone,
			AccumulatedText: acc.String(),
		}, nil
	}

	err := fmt.Errorf("agent process exited with code %d", status.Code)
	if status.Signal != "" {
		err = fmt.Errorf("agent process killed by signal %s", status.Signal)
	}
	m.publish(ctx, ma, streams.AgentEvent{
		Type:      streams.EventTypeError,
		Error:     err.Error(),
		ErrorCode: streams.CodeProcessExit,
	})
	m.publish(ctx, ma, streams.AgentEvent{
		Type:         streams.EventTypeTurnCompleted,
		FinishReason: streams.FinishError,
	})
	return Result{FinishReason: streams.FinishError, AccumulatedText: acc.String()},
		&SendError{Code: streams.CodeProcessExit, MemberID: ma.member.ID, Err: err}
}

// Cancel flags the member's in-flight turn as cancelled and terminates the
// live process, escalating to SIGKILL after the grace period. Idempotent;
// cancelling an idle or unknown member is a no-op.
func (m *Manager) Cancel(memberID string) error {
	ma := m.lookup(memberID)
	if ma == nil {
		return nil
	}

	ma.mu.Lock()
	if ma.cancelled {
		ma.mu.Unlock()
		return nil
	}
	ma.cancelled = ma.inFlight
	proc := ma.proc
	ma.mu.Unlock()

	if proc == nil {
		return nil
	}
	m.log.Info("Cancelling agent turn", zap.String("member_id", memberID))
	// An already-exited process rejects the signal; that still counts as
	// cancelled.
	_ = proc.Signal(environment.SignalTerm)
	time.AfterFunc(m.cfg.KillGrace, func() {
		_ = proc.Signal(environment.SignalKill)
	})
	return nil
}

// Stop removes the member's adapter from the cache, running its cleanup
// hook and terminating any long-lived process.
func (m *Manager) Stop(memberID string) error {
	m.mu.Lock()
	ma, ok := m.members[memberID]
	delete(m.members, memberID)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if ma.adapter.ExecutionMode() == adapters.ModeStateful {
		ma.mu.Lock()
		proc := ma.proc
		ma.mu.Unlock()
		if proc != nil {
			_ = proc.Signal(environment.SignalTerm)
		}
	}
	return ma.adapter.Cleanup()
}

// Cleanup terminates all agents and clears the cache.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.members))
	for id := range m.members {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			_ = m.Cancel(id)
			return m.Stop(id)
		})
	}
	return g.Wait()
}

func (m *Manager) lookup(memberID string) *memberAgent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.members[memberID]
}

// publish stamps identity onto the event and puts it on the bus.
func (m *Manager) publish(ctx context.Context, ma *memberAgent, ev streams.AgentEvent) {
	ev.EventID = uuid.New().String()
	ev.AgentID = ma.member.ID
	ev.AgentType = ma.member.AgentType
	ev.Team = ma.meta
	ev.Timestamp = time.Now()
	if err := events.PublishAgentEvent(ctx, m.bus, &ev); err != nil {
		m.log.Warn("Failed to publish agent event",
			zap.String("member_id", ma.member.ID),
			zap.String("event_type", ev.Type),
			zap.Error(err))
	}
}

// logStderr surfaces the agent's stderr lines in the engine log.
func (m *Manager) logStderr(memberID string, proc environment.Process) {
	scanner := bufio.NewScanner(proc.Stderr())
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			m.log.Debug("Agent stderr",
				zap.String("member_id", memberID),
				zap.String("line", line))
		}
	}
}

// drainAndReap consumes leftover parser output after a turn resolved, waits
// for the process so it does not linger as a zombie, and closes the stream
// readers once both drains hit EOF.
func drainAndReap(eventsCh <-chan []streams.AgentEvent, proc environment.Process, stderrDone <-chan struct{}) {
	for range eventsCh {
	}
	<-proc.Wait()
	<-stderrDone
	_ = proc.Close()
}

// accumulator collects the text that becomes the agent's conversational
// response: result and message categories plus uncategorized text. Streaming
// assistant-message and reasoning text is excluded so the final result is not
// duplicated.
type accumulator struct {
	parts []string
}

func (a *accumulator) add(ev *streams.AgentEvent) {
	if ev.Type != streams.EventTypeText || ev.Text == "" {
		return
	}
	switch ev.Category {
	case streams.CategoryResult, streams.CategoryMessage, "":
		a.parts = append(a.parts, ev.Text)
	}
}

func (a *accumulator) String() string {
	return strings.Join(a.parts, "\n")
}

// mergeEnv layers member env overrides over the launch config env.
func mergeEnv(base map[string]string, overrides *agentcfg.MemberOverrides) map[string]string {
	if len(base) == 0 && (overrides == nil || len(overrides.Env) == 0) {
		return nil
	}
	merged := make(map[string]string, len(base)+4)
	for k, v := range base {
		merged[k] = v
	}
	if overrides != nil {
		for k, v := range overrides.Env {
			merged[k] = v
		}
	}
	return merged
}
